// Package alcalor extracts articles from alcalorpolitico.com pages.
package alcalor

import (
	"bytes"
	"errors"
	"fmt"
	"html"
	"net/url"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/text/encoding/charmap"

	"github.com/JakeFAU/alcalor-scraper/internal/extract/challenge"
	"github.com/JakeFAU/alcalor-scraper/internal/harvest"
)

// SourceName is the identity namespace of this site.
const SourceName = "alcalorpolitico"

// DefaultBaseURL is the production origin.
const DefaultBaseURL = "https://www.alcalorpolitico.com"

const (
	archivePath   = "/informacion/notasarchivo.php"
	articlePrefix = "/informacion/"
)

var (
	articleIDPattern = regexp.MustCompile(`-(\d+)\.html$`)
	datePattern      = regexp.MustCompile(`(\d{2})/(\d{2})/(\d{4})`)
	lightboxPattern  = regexp.MustCompile(`\$\.iLightBox\(\s*\[([^\]]+)\]`)
	lightboxItem     = regexp.MustCompile(`\{\s*URL:\s*"([^"]+)"\s*,\s*caption:\s*"([^"]*)"\s*\}`)
	blankLines       = regexp.MustCompile(`\n\s*\n+`)
)

// Config holds the site origin.
type Config struct {
	BaseURL string
}

// Extractor implements harvest.Extractor for alcalorpolitico.
type Extractor struct {
	base     *url.URL
	detector *challenge.Detector
}

// New builds an Extractor. An empty BaseURL selects DefaultBaseURL.
func New(cfg Config) (*Extractor, error) {
	raw := strings.TrimRight(cfg.BaseURL, "/")
	if raw == "" {
		raw = DefaultBaseURL
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", cfg.BaseURL)
	}
	return &Extractor{base: u, detector: challenge.New()}, nil
}

// Source returns SourceName.
func (e *Extractor) Source() string {
	return SourceName
}

// ListingURL returns the daily archive page.
func (e *Extractor) ListingURL(day time.Time) string {
	u := *e.base
	u.Path = archivePath
	u.RawQuery = "fn=" + day.Format(harvest.DateLayout)
	return u.String()
}

// ParseListing returns one work item per distinct article link in the archive
// content block, in page order. A page without the block has no articles.
func (e *Extractor) ParseListing(page []byte, day time.Time) ([]harvest.WorkItem, error) {
	doc, err := e.parse(page)
	if err != nil {
		return nil, err
	}
	contenido := doc.Find("div.contenido").First()
	if contenido.Length() == 0 {
		if e.detector.ScriptWall(page) {
			return nil, blocked("listing served a script challenge")
		}
		return nil, nil
	}

	var items []harvest.WorkItem
	seen := make(map[string]struct{})
	contenido.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		link, ok := e.articleURL(href)
		if !ok {
			return
		}
		if _, dup := seen[link]; dup {
			return
		}
		seen[link] = struct{}{}
		key := link
		if id := ArticleID(link); id != "" {
			key = id
		}
		items = append(items, harvest.WorkItem{
			Index:  len(items),
			Key:    key,
			URL:    link,
			Source: SourceName,
			Day:    harvest.Day(day),
		})
	})
	return items, nil
}

// Extract converts an article page into a candidate record.
func (e *Extractor) Extract(page []byte, item harvest.WorkItem) (*harvest.Article, error) {
	doc, err := e.parse(page)
	if err != nil {
		return nil, err
	}
	header := doc.Find("div#areasuperiorColumna").First()
	body := doc.Find("div.cuerponota").First()
	if header.Length() == 0 && body.Length() == 0 {
		if e.detector.ScriptWall(page) {
			return nil, blocked("article served a script challenge")
		}
		return nil, &harvest.ExtractionError{Kind: harvest.ExtractMalformed, Err: errors.New("article layout not found")}
	}

	article := &harvest.Article{
		Source:     SourceName,
		ExternalID: ArticleID(item.URL),
		URL:        item.URL,
		Keywords:   []string{},
		Images:     []harvest.Image{},
	}

	if header.Length() > 0 {
		article.Section = strings.TrimSpace(strings.TrimPrefix(squash(header.Find("p#seccion").First().Text()), "Sección:"))
		article.Title = squash(header.Find("h1").First().Text())
		article.Subtitle = squash(header.Find("h2").First().Text())
		e.applyByline(header.Find("h3").First(), article)
	}
	if body.Length() > 0 {
		body.Find("ins, script").Remove()
		if bodyHTML, err := goquery.OuterHtml(body); err == nil {
			article.BodyHTML = bodyHTML
		}
		article.BodyText = bodyText(body)
	}

	article.Images = e.galleryImages(doc)
	if len(article.Images) == 0 {
		article.Images = e.previewImage(doc)
	}
	if content, ok := doc.Find(`meta[name="keywords"]`).First().Attr("content"); ok {
		article.Keywords = splitKeywords(content)
	}

	if article.Title == "" {
		return nil, &harvest.ExtractionError{Kind: harvest.ExtractMissingField, Field: "title"}
	}
	return article, nil
}

// ArticleID returns the numeric id embedded in an article URL.
func ArticleID(link string) string {
	m := articleIDPattern.FindStringSubmatch(link)
	if m == nil {
		return ""
	}
	return m[1]
}

func (e *Extractor) parse(page []byte) (*goquery.Document, error) {
	if len(bytes.TrimSpace(page)) == 0 {
		return nil, &harvest.ExtractionError{Kind: harvest.ExtractMalformed, Err: errors.New("empty page")}
	}
	text, err := decode(page)
	if err != nil {
		return nil, &harvest.ExtractionError{Kind: harvest.ExtractMalformed, Err: err}
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(text))
	if err != nil {
		return nil, &harvest.ExtractionError{Kind: harvest.ExtractMalformed, Err: err}
	}
	if title := doc.Find("title").First().Text(); e.detector.BlockedTitle(title) {
		return nil, blocked(fmt.Sprintf("challenge page %q", strings.TrimSpace(title)))
	}
	return doc, nil
}

func blocked(reason string) error {
	return &harvest.ExtractionError{Kind: harvest.ExtractBlocked, Err: errors.New(reason)}
}

// decode returns page as UTF-8. The site serves ISO-8859-1; the transport may
// already have converted it when the charset header was present.
func decode(page []byte) (string, error) {
	if utf8.Valid(page) {
		return string(page), nil
	}
	out, err := charmap.Windows1252.NewDecoder().Bytes(page)
	if err != nil {
		return "", fmt.Errorf("decode latin-1: %w", err)
	}
	return string(out), nil
}

func (e *Extractor) articleURL(href string) (string, bool) {
	href = strings.TrimSpace(href)
	if href == "" {
		return "", false
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", false
	}
	abs := e.base.ResolveReference(ref)
	if !strings.EqualFold(abs.Hostname(), e.base.Hostname()) {
		return "", false
	}
	if !strings.HasPrefix(abs.Path, articlePrefix) || !strings.HasSuffix(abs.Path, ".html") {
		return "", false
	}
	abs.Fragment = ""
	return abs.String(), true
}

func (e *Extractor) applyByline(h3 *goquery.Selection, article *harvest.Article) {
	if h3.Length() == 0 {
		return
	}
	lugar := h3.Find("span#lugar").First()
	if lugar.Length() == 0 {
		return
	}
	rawLugar := lugar.Text()
	article.LocationText = squash(rawLugar)
	if m := datePattern.FindStringSubmatch(rawLugar); m != nil {
		if d, err := harvest.ParseDay(m[3] + "-" + m[2] + "-" + m[1]); err == nil {
			article.PublicationDate = &d
		}
	}
	article.Author = squash(strings.Replace(h3.Text(), rawLugar, "", 1))
}

func (e *Extractor) galleryImages(doc *goquery.Document) []harvest.Image {
	images := []harvest.Image{}
	doc.Find("script").Each(func(_ int, s *goquery.Selection) {
		script := s.Text()
		if !strings.Contains(script, "$.iLightBox") {
			return
		}
		m := lightboxPattern.FindStringSubmatch(script)
		if m == nil {
			return
		}
		for _, item := range lightboxItem.FindAllStringSubmatch(m[1], -1) {
			images = append(images, harvest.Image{
				URL:      e.resolve(item[1]),
				Caption:  html.UnescapeString(item[2]),
				Position: len(images),
			})
		}
	})
	return images
}

func (e *Extractor) previewImage(doc *goquery.Document) []harvest.Image {
	src, ok := doc.Find("a#galerianotas img").First().Attr("src")
	if !ok || strings.TrimSpace(src) == "" {
		return []harvest.Image{}
	}
	src = strings.Replace(src, "/previas/", "/originales/", 1)
	return []harvest.Image{{URL: e.resolve(src), Position: 0}}
}

func (e *Extractor) resolve(ref string) string {
	u, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return e.base.String() + ref
	}
	return e.base.ResolveReference(u).String()
}

func bodyText(body *goquery.Selection) string {
	var lines []string
	collectText(body, &lines)
	text := strings.Join(lines, "\n")
	return blankLines.ReplaceAllString(text, "\n\n")
}

func collectText(s *goquery.Selection, out *[]string) {
	s.Contents().Each(func(_ int, c *goquery.Selection) {
		if goquery.NodeName(c) == "#text" {
			if t := strings.TrimSpace(c.Text()); t != "" {
				*out = append(*out, t)
			}
			return
		}
		collectText(c, out)
	})
}

func splitKeywords(content string) []string {
	keywords := []string{}
	for _, k := range strings.Split(content, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keywords = append(keywords, k)
		}
	}
	return keywords
}

func squash(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

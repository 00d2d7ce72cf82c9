// Package challenge recognizes bot-protection pages served in place of real
// content, so a block is reported instead of being parsed as an empty page.
package challenge

import (
	"bytes"
	"strings"
)

// DefaultMaxBodyLen is the largest body still considered a script wall.
const DefaultMaxBodyLen = 4096

var titleMarkers = []string{
	"access denied",
	"attention required",
	"just a moment",
	"are you a robot",
	"security check",
}

var bodyMarkers = [][]byte{
	[]byte("cf-browser-verification"),
	[]byte("challenge-platform"),
	[]byte("cf_chl_"),
	[]byte("g-recaptcha"),
	[]byte("h-captcha"),
}

// Detector applies title, marker and script-density rules.
type Detector struct {
	MaxBodyLen int
	// MinScriptPercent is the share of the body inside <script> tags above
	// which a short page counts as a script wall.
	MinScriptPercent int
}

// New returns a Detector with the default thresholds.
func New() *Detector {
	return &Detector{MaxBodyLen: DefaultMaxBodyLen, MinScriptPercent: 25}
}

// BlockedTitle reports whether a page title belongs to a challenge page.
func (d *Detector) BlockedTitle(title string) bool {
	title = strings.ToLower(title)
	for _, marker := range titleMarkers {
		if strings.Contains(title, marker) {
			return true
		}
	}
	return false
}

// ScriptWall reports whether body looks like a challenge: it carries a known
// marker, or it is short and mostly script. Callers only consult it once the
// expected content is missing, since real pages also embed scripts.
func (d *Detector) ScriptWall(body []byte) bool {
	lower := bytes.ToLower(body)
	for _, marker := range bodyMarkers {
		if bytes.Contains(lower, marker) {
			return true
		}
	}
	if len(lower) == 0 || len(lower) > d.MaxBodyLen {
		return false
	}
	return scriptCoverage(lower)*100/len(lower) >= d.MinScriptPercent
}

// scriptCoverage counts the bytes of lower that sit inside <script> elements.
// Unterminated tags cover the rest of the document.
func scriptCoverage(lower []byte) int {
	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	total := len(lower)
	covered := 0
	pos := 0
	for {
		rel := bytes.Index(lower[pos:], []byte(openTag))
		if rel == -1 {
			return covered
		}
		start := pos + rel
		tagEnd := bytes.IndexByte(lower[start:], '>')
		if tagEnd == -1 {
			return covered + total - start
		}
		contentStart := start + tagEnd + 1
		next := total
		if end := bytes.Index(lower[contentStart:], []byte(closeTag)); end != -1 {
			next = contentStart + end + len(closeTag)
		}
		covered += next - start
		pos = next
		if pos >= total {
			return covered
		}
	}
}

package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/alcalor-scraper/internal/clock/system"
	"github.com/JakeFAU/alcalor-scraper/internal/harvest"
	"github.com/JakeFAU/alcalor-scraper/internal/hash/sha256"
	"github.com/JakeFAU/alcalor-scraper/internal/sink"
	"github.com/JakeFAU/alcalor-scraper/internal/storage/memory"
)

var day = time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)

type fixture struct {
	coord *Coordinator
	store *memory.Store
	blobs *memory.BlobStore
	clock *system.Manual
}

func newFixture(t *testing.T, withSink bool) fixture {
	t.Helper()
	store := memory.NewStore()
	blobs := memory.NewBlobStore()
	clk := system.NewManual(day.Add(10 * time.Hour))
	var w *sink.Writer
	if withSink {
		var err error
		w, err = sink.NewWriter(blobs, "")
		require.NoError(t, err)
	}
	c, err := New(store, w, sha256.New(), clk, nil)
	require.NoError(t, err)
	return fixture{coord: c, store: store, blobs: blobs, clock: clk}
}

func sampleArticle() *harvest.Article {
	pub := day
	return &harvest.Article{
		Source:          "alcalorpolitico",
		ExternalID:      "101",
		URL:             "https://www.alcalorpolitico.com/informacion/nota-101.html",
		Title:           "Titulo",
		BodyText:        "Cuerpo",
		PublicationDate: &pub,
		Keywords:        []string{"a"},
		Images:          []harvest.Image{{URL: "https://x/1.jpg"}},
	}
}

func item() harvest.WorkItem {
	return harvest.WorkItem{Key: "101", URL: sampleArticle().URL, Source: "alcalorpolitico", Day: day}
}

func TestPersistCreatedThenUnchanged(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true)
	ctx := context.Background()
	j := f.coord.OpenJournal("alcalorpolitico", day)

	res := f.coord.Persist(ctx, j, item(), sampleArticle())
	require.NoError(t, res.Err)
	assert.Equal(t, harvest.PersistCreated, res.Status)

	f.clock.Advance(time.Hour)
	res = f.coord.Persist(ctx, j, item(), sampleArticle())
	assert.Equal(t, harvest.PersistUnchanged, res.Status)

	stored, ok := f.store.Article("alcalorpolitico", "101")
	require.True(t, ok)
	assert.Equal(t, day.Add(10*time.Hour), stored.FirstScrapedAt)
	assert.Equal(t, day.Add(10*time.Hour), stored.LastUpdatedAt, "unchanged records keep their timestamps")
	assert.Equal(t, 1, j.Len())
}

func TestPersistUpdatedReplacesImages(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false)
	ctx := context.Background()

	require.Equal(t, harvest.PersistCreated, f.coord.Persist(ctx, nil, item(), sampleArticle()).Status)

	f.clock.Advance(24 * time.Hour)
	changed := sampleArticle()
	changed.Images = []harvest.Image{{URL: "https://x/2.jpg"}, {URL: "https://x/3.jpg", Position: 1}}
	res := f.coord.Persist(ctx, nil, item(), changed)
	assert.Equal(t, harvest.PersistUpdated, res.Status)

	stored, _ := f.store.Article("alcalorpolitico", "101")
	assert.Equal(t, changed.Images, stored.Images)
	assert.Equal(t, day.Add(10*time.Hour), stored.FirstScrapedAt)
	assert.Equal(t, day.Add(34*time.Hour), stored.LastUpdatedAt)
}

func TestPersistRejectedReachesNeitherSink(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true)
	j := f.coord.OpenJournal("alcalorpolitico", day)

	for _, mutate := range []func(*harvest.Article){
		func(a *harvest.Article) { a.URL = "" },
		func(a *harvest.Article) { a.ExternalID = " " },
		func(a *harvest.Article) { a.Source = "" },
	} {
		a := sampleArticle()
		mutate(a)
		res := f.coord.Persist(context.Background(), j, item(), a)
		assert.Equal(t, harvest.PersistRejected, res.Status)
		assert.NotEmpty(t, res.Reason)
	}
	assert.Equal(t, harvest.PersistRejected, f.coord.Persist(context.Background(), j, item(), nil).Status)
	assert.Zero(t, j.Len())
	n, _ := f.store.CountArticles(context.Background(), "alcalorpolitico")
	assert.Zero(t, n)
}

func TestPersistRelationalFailureStillJournals(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true)
	down := &harvest.StorageUnavailableError{Op: "upsert", Err: errors.New("connection refused")}
	f.store.SetFault(func(op, _ string) error {
		if op == "upsert" {
			return down
		}
		return nil
	})
	j := f.coord.OpenJournal("alcalorpolitico", day)

	res := f.coord.Persist(context.Background(), j, item(), sampleArticle())
	assert.Equal(t, harvest.PersistFailed, res.Status)
	assert.ErrorIs(t, res.Err, harvest.ErrStorageUnavailable)
	assert.Equal(t, 1, j.Len())
}

func TestCommitWritesDayDocument(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true)
	ctx := context.Background()
	j := f.coord.OpenJournal("alcalorpolitico", day.Add(5*time.Hour))
	f.coord.Persist(ctx, j, item(), sampleArticle())
	second := sampleArticle()
	second.ExternalID = "102"
	second.URL = "https://www.alcalorpolitico.com/informacion/nota-102.html"
	f.coord.Persist(ctx, j, item(), second)

	uri, err := f.coord.Commit(ctx, j, sink.Metadata{RunID: "r1"})
	require.NoError(t, err)
	assert.Equal(t, "memory://alcalorpolitico/articles/articles_20240115.json", uri)

	raw, ok := f.blobs.Get("alcalorpolitico/articles/articles_20240115.json")
	require.True(t, ok)
	var doc sink.DayDocument
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, 2, doc.TotalArticles)
	assert.Equal(t, "101", doc.Articles[0].ExternalID)
	assert.Equal(t, "102", doc.Articles[1].ExternalID)
}

func TestJournalKeepsListingOrder(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true)
	ctx := context.Background()
	j := f.coord.OpenJournal("alcalorpolitico", day)
	// Workers finish in reverse listing order.
	for _, idx := range []int{3, 1, 2, 0} {
		a := sampleArticle()
		a.ExternalID = fmt.Sprintf("10%d", idx)
		a.URL = fmt.Sprintf("https://www.alcalorpolitico.com/informacion/nota-10%d.html", idx)
		it := harvest.WorkItem{Index: idx, Key: a.ExternalID, URL: a.URL, Source: a.Source, Day: day}
		require.Equal(t, harvest.PersistCreated, f.coord.Persist(ctx, j, it, a).Status)
	}

	ids := make([]string, 0, j.Len())
	for _, a := range j.Articles() {
		ids = append(ids, a.ExternalID)
	}
	assert.Equal(t, []string{"100", "101", "102", "103"}, ids)
}

func TestCommitSinkFailureAndDisabled(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true)
	f.blobs.FailWith(errors.New("disk full"))
	_, err := f.coord.Commit(context.Background(), f.coord.OpenJournal("s", day), sink.Metadata{})
	require.ErrorContains(t, err, "disk full")

	disabled := newFixture(t, false)
	assert.False(t, disabled.coord.SinkEnabled())
	uri, err := disabled.coord.Commit(context.Background(), disabled.coord.OpenJournal("s", day), sink.Metadata{})
	require.NoError(t, err)
	assert.Empty(t, uri)
}

func TestFingerprintCoversMutableFields(t *testing.T) {
	t.Parallel()

	h := sha256.New()
	base, err := Fingerprint(h, sampleArticle())
	require.NoError(t, err)

	again, _ := Fingerprint(h, sampleArticle())
	assert.Equal(t, base, again)

	mutations := map[string]func(*harvest.Article){
		"title":    func(a *harvest.Article) { a.Title = "otro" },
		"body":     func(a *harvest.Article) { a.BodyText = "otro" },
		"html":     func(a *harvest.Article) { a.BodyHTML = "<p>x</p>" },
		"keywords": func(a *harvest.Article) { a.Keywords = append(a.Keywords, "b") },
		"images":   func(a *harvest.Article) { a.Images[0].Caption = "pie" },
		"date":     func(a *harvest.Article) { a.PublicationDate = nil },
		"author":   func(a *harvest.Article) { a.Author = "x" },
	}
	for name, mutate := range mutations {
		a := sampleArticle()
		mutate(a)
		got, err := Fingerprint(h, a)
		require.NoError(t, err)
		assert.NotEqual(t, base, got, name)
	}

	stamped := sampleArticle()
	stamped.FirstScrapedAt = time.Now()
	got, _ := Fingerprint(h, stamped)
	assert.Equal(t, base, got, "bookkeeping timestamps are not content")
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(nil, nil, sha256.New(), system.New(), nil)
	require.Error(t, err)
	_, err = New(memory.NewStore(), nil, nil, system.New(), nil)
	require.Error(t, err)
}

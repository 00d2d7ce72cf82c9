package sink

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/alcalor-scraper/internal/harvest"
	"github.com/JakeFAU/alcalor-scraper/internal/storage/memory"
)

func TestPaths(t *testing.T) {
	t.Parallel()

	day := time.Date(2024, 3, 7, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, "alcalorpolitico/articles/articles_20240307.json", ArticlesPath("", "alcalorpolitico", day))
	assert.Equal(t, "raw/alcalorpolitico/metadata/metadata_20240307.json", MetadataPath("raw", "alcalorpolitico", day))
}

func TestWriteDay(t *testing.T) {
	t.Parallel()

	blobs := memory.NewBlobStore()
	w, err := NewWriter(blobs, "raw")
	require.NoError(t, err)

	day := time.Date(2024, 3, 7, 15, 0, 0, 0, time.UTC)
	articles := []harvest.Article{{Source: "s", ExternalID: "1", URL: "https://x/1", Title: "Año <nuevo>"}}
	uri, err := w.WriteDay(context.Background(), "s", day, articles, Metadata{RunID: "run-1", Counts: harvest.RunCounts{Total: 1, Successful: 1, New: 1}})
	require.NoError(t, err)
	assert.Equal(t, "memory://raw/s/articles/articles_20240307.json", uri)

	raw, ok := blobs.Get("raw/s/articles/articles_20240307.json")
	require.True(t, ok)
	assert.Contains(t, string(raw), "Año <nuevo>", "html is not escaped")

	var doc DayDocument
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, "2024-03-07", doc.Date)
	assert.Equal(t, 1, doc.TotalArticles)
	assert.Equal(t, "run-1", doc.Metadata.RunID)
	assert.Equal(t, "1", doc.Articles[0].ExternalID)

	metaRaw, ok := blobs.Get("raw/s/metadata/metadata_20240307.json")
	require.True(t, ok)
	var meta Metadata
	require.NoError(t, json.Unmarshal(metaRaw, &meta))
	assert.Equal(t, 1, meta.TotalArticles)
	assert.NotNil(t, meta.Errors)
}

func TestWriteDayEmptyAndFailures(t *testing.T) {
	t.Parallel()

	blobs := memory.NewBlobStore()
	w, err := NewWriter(blobs, "")
	require.NoError(t, err)

	_, err = w.WriteDay(context.Background(), "s", time.Now(), nil, Metadata{})
	require.NoError(t, err)
	raw, ok := blobs.Get(ArticlesPath("", "s", harvest.Day(time.Now())))
	require.True(t, ok)
	assert.Contains(t, string(raw), `"articles": []`)

	blobs.FailWith(errors.New("bucket gone"))
	_, err = w.WriteDay(context.Background(), "s", time.Now(), nil, Metadata{})
	require.ErrorContains(t, err, "bucket gone")

	_, err = NewWriter(nil, "")
	require.Error(t, err)
}

package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/alcalor-scraper/internal/app"
	"github.com/JakeFAU/alcalor-scraper/internal/config"
	"github.com/JakeFAU/alcalor-scraper/internal/harvest"
	"github.com/JakeFAU/alcalor-scraper/internal/sink"
)

const listing = `<html><body><div class="contenido">
<a href="/informacion/uno-11.html">Uno</a>
<a href="/informacion/dos-12.html">Dos</a>
</div></body></html>`

// MockTransport mocks harvest.Transport.
type MockTransport struct {
	mock.Mock
}

// Get satisfies harvest.Transport.
func (m *MockTransport) Get(ctx context.Context, target string) (harvest.RawResponse, error) {
	args := m.Called(ctx, target)
	return args.Get(0).(harvest.RawResponse), args.Error(1)
}

func page(target string, status int, body string) harvest.RawResponse {
	return harvest.RawResponse{URL: target, StatusCode: status, Body: []byte(body)}
}

func baseConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Scraper.RequestDelay = 0
	cfg.Scraper.RetryBaseDelay = 0
	cfg.Scraper.RetryMaxDelay = 0
	cfg.Scraper.Jitter = false
	cfg.Sink.OutputDir = t.TempDir()
	return cfg
}

func TestNewRejectsConflictingModes(t *testing.T) {
	t.Parallel()

	_, err := app.New(context.Background(), baseConfig(t), app.Options{DBOnly: true, NoDB: true}, nil)
	var cfgErr *harvest.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "db-only", cfgErr.Field)
}

func TestNewPostgresRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := app.New(context.Background(), baseConfig(t), app.Options{}, nil)
	var cfgErr *harvest.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "db.dsn", cfgErr.Field)
}

func TestNewUnknownSource(t *testing.T) {
	t.Parallel()

	cfg := baseConfig(t)
	cfg.Source.Name = "elsewhere"
	_, err := app.New(context.Background(), cfg, app.Options{NoDB: true}, nil)
	var cfgErr *harvest.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "source.name", cfgErr.Field)
}

func TestConcurrencyOverride(t *testing.T) {
	t.Parallel()

	a, err := app.New(context.Background(), baseConfig(t), app.Options{NoDB: true, Concurrency: 2, Transport: &MockTransport{}}, nil)
	require.NoError(t, err)
	defer a.Close()
	assert.Equal(t, 2, a.Config().Scraper.Concurrency)
	assert.Equal(t, []string{"alcalorpolitico"}, a.Sources())
}

func TestScrapeDayWithoutDatabase(t *testing.T) {
	t.Parallel()

	cfg := baseConfig(t)
	day := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	base := "https://www.alcalorpolitico.com"
	transport := &MockTransport{}
	listingURL := base + "/informacion/notasarchivo.php?fn=2024-01-15"
	transport.On("Get", mock.Anything, listingURL).Return(page(listingURL, http.StatusOK, listing), nil)
	transport.On("Get", mock.Anything, base+"/informacion/uno-11.html").
		Return(page(base+"/informacion/uno-11.html", http.StatusOK, `<html><body><div id="areasuperiorColumna"><h1>Uno</h1></div><div class="cuerponota"><p>Texto.</p></div></body></html>`), nil)
	transport.On("Get", mock.Anything, base+"/informacion/dos-12.html").
		Return(page(base+"/informacion/dos-12.html", http.StatusNotFound, ""), nil)

	a, err := app.New(context.Background(), cfg, app.Options{NoDB: true, Transport: transport}, nil)
	require.NoError(t, err)
	defer a.Close()

	report, err := a.Runner().RunDay(context.Background(), day, harvest.RunDaily)
	require.NoError(t, err)
	assert.Equal(t, harvest.RunPartial, report.Run.Status)
	assert.Equal(t, 2, report.Run.Counts.Total)
	assert.Equal(t, 1, report.Run.Counts.New)
	assert.Equal(t, 1, report.Run.Counts.Failed)
	transport.AssertNumberOfCalls(t, "Get", 3)

	n, err := a.Store().CountArticles(context.Background(), "alcalorpolitico")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	raw, err := os.ReadFile(filepath.Join(cfg.Sink.OutputDir, filepath.FromSlash(sink.ArticlesPath("", "alcalorpolitico", day))))
	require.NoError(t, err)
	var doc sink.DayDocument
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, 1, doc.TotalArticles)
	assert.Equal(t, "Uno", doc.Articles[0].Title)

	_, err = os.Stat(filepath.Join(cfg.Sink.OutputDir, filepath.FromSlash(sink.MetadataPath("", "alcalorpolitico", day))))
	assert.NoError(t, err)
}

func TestDBOnlySkipsSink(t *testing.T) {
	t.Parallel()

	cfg := baseConfig(t)
	cfg.DB.Driver = config.DriverSQLite
	cfg.DB.DSN = filepath.Join(t.TempDir(), "scraper.db")
	day := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	transport := &MockTransport{}
	transport.On("Get", mock.Anything, mock.Anything).Return(page("", http.StatusOK, `<html><body><div class="contenido"></div></body></html>`), nil)

	a, err := app.New(context.Background(), cfg, app.Options{DBOnly: true, Transport: transport}, nil)
	require.NoError(t, err)
	defer a.Close()

	report, err := a.Runner().RunDay(context.Background(), day, harvest.RunDaily)
	require.NoError(t, err)
	assert.Equal(t, harvest.RunCompleted, report.Run.Status)
	assert.Empty(t, report.JournalURI)

	entries, err := os.ReadDir(cfg.Sink.OutputDir)
	require.NoError(t, err)
	assert.Empty(t, entries)

	runs, err := a.Store().ListRuns(context.Background(), "alcalorpolitico", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, harvest.RunCompleted, runs[0].Status)

	// Migrations are idempotent, so re-applying them on an open store is safe.
	applied, err := a.Migrate(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, applied)
}

func TestHealthCheckAndBackfillWiring(t *testing.T) {
	t.Parallel()

	cfg := baseConfig(t)
	transport := &MockTransport{}
	transport.On("Get", mock.Anything, mock.Anything).Return(harvest.RawResponse{}, errors.New("unused"))

	a, err := app.New(context.Background(), cfg, app.Options{NoDB: true, Transport: transport}, nil)
	require.NoError(t, err)
	defer a.Close()

	report, err := a.Health().Check(context.Background(), "alcalorpolitico")
	require.NoError(t, err)
	assert.Equal(t, harvest.RunHealthcheck, report.Run.Type)
	assert.Equal(t, harvest.RunCompleted, report.Run.Status)
	assert.NotNil(t, a.Backfill())
	assert.NotNil(t, a.Server().Handler())

	applied, err := a.Migrate(context.Background())
	require.NoError(t, err)
	assert.Nil(t, applied)
}

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInit(t *testing.T) {
	// Call Init multiple times to test idempotency.
	Init()
	Init()

	if scraperFetchAttemptsTotal == nil || scraperItemsTotal == nil ||
		scraperRunsTotal == nil || httpRequestDurationSeconds == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObserveHelpers(t *testing.T) {
	before := testutil.ToFloat64(scraperItemsTotal.WithLabelValues("metrics-test", "created"))
	ObserveItem("metrics-test", "created")
	if got := testutil.ToFloat64(scraperItemsTotal.WithLabelValues("metrics-test", "created")); got != before+1 {
		t.Errorf("expected items counter to grow by 1, got %f -> %f", before, got)
	}

	runsBefore := testutil.ToFloat64(scraperRunsTotal.WithLabelValues("backfill", "partial"))
	ObserveRun("backfill", "partial")
	if got := testutil.ToFloat64(scraperRunsTotal.WithLabelValues("backfill", "partial")); got != runsBefore+1 {
		t.Errorf("expected runs counter to grow by 1, got %f -> %f", runsBefore, got)
	}

	day := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	SetBackfillCursor("metrics-test", day)
	if got := testutil.ToFloat64(scraperBackfillCursor.WithLabelValues("metrics-test")); got != float64(day.Unix()) {
		t.Errorf("expected cursor gauge %d, got %f", day.Unix(), got)
	}

	IncActiveWorkers()
	IncActiveWorkers()
	DecActiveWorkers()
	DecActiveWorkers()
	if got := testutil.ToFloat64(scraperActiveWorkers); got != 0 {
		t.Errorf("expected active workers to return to 0, got %f", got)
	}

	ObserveFetchAttempt("ok", 150*time.Millisecond)
	if got := testutil.ToFloat64(scraperFetchAttemptsTotal.WithLabelValues("ok")); got < 1 {
		t.Errorf("expected fetch attempt to be recorded, got %f", got)
	}
}

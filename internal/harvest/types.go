package harvest

import (
	"net/http"
	"time"
)

// DateLayout is the calendar-date layout used for targets, cursors, and sink paths.
const DateLayout = "2006-01-02"

// Day truncates t to midnight UTC so calendar dates compare by value.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDay parses a YYYY-MM-DD string into a UTC calendar date.
func ParseDay(s string) (time.Time, error) {
	t, err := time.ParseInLocation(DateLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, err
	}
	return t, nil
}

// Image is one entry of an article's gallery.
type Image struct {
	URL      string `json:"url"`
	Caption  string `json:"caption"`
	Position int    `json:"position"`
}

// Article is a candidate record produced by extraction and owned by the
// persistence layer once stored. Identity is (Source, ExternalID).
type Article struct {
	Source          string     `json:"source"`
	ExternalID      string     `json:"article_id"`
	URL             string     `json:"url"`
	Title           string     `json:"title"`
	Subtitle        string     `json:"subtitle,omitempty"`
	Section         string     `json:"section,omitempty"`
	Author          string     `json:"author,omitempty"`
	LocationText    string     `json:"location,omitempty"`
	PublicationDate *time.Time `json:"date,omitempty"`
	BodyText        string     `json:"body"`
	BodyHTML        string     `json:"body_html"`
	Keywords        []string   `json:"keywords"`
	Images          []Image    `json:"images"`
	FirstScrapedAt  time.Time  `json:"first_scraped_at,omitzero"`
	LastUpdatedAt   time.Time  `json:"last_updated_at,omitzero"`
}

// WorkItem is one unit of scheduled fetch work.
type WorkItem struct {
	// Index is the position in the enumerated input and the sort key for
	// deterministic output.
	Index  int
	Key    string
	URL    string
	Source string
	Day    time.Time
}

// PersistStatus reports what the persistence layer did with a record.
type PersistStatus string

// Persist outcomes.
const (
	PersistCreated   PersistStatus = "created"
	PersistUpdated   PersistStatus = "updated"
	PersistUnchanged PersistStatus = "unchanged"
	PersistRejected  PersistStatus = "rejected"
	PersistFailed    PersistStatus = "failed"
)

// PersistResult is returned by the persistence coordinator for one record.
type PersistResult struct {
	Status PersistStatus
	Reason string
	Err    error
}

// Outcome is the scheduler's per-item result.
type Outcome struct {
	Item    WorkItem
	Article *Article
	Persist PersistResult
	Err     error
}

// Succeeded reports whether every stage handled the item.
func (o Outcome) Succeeded() bool {
	return o.Err == nil
}

// RawResponse is what a transport returns for one HTTP attempt.
type RawResponse struct {
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte
	Duration   time.Duration
}

// RunType identifies what kind of driver opened a scrape run.
type RunType string

// Run types persisted in scrape_runs.run_type.
const (
	RunDaily       RunType = "daily"
	RunRange       RunType = "range"
	RunBackfill    RunType = "backfill"
	RunHealthcheck RunType = "healthcheck"
)

// RunStatus mirrors the scrape_runs status column.
type RunStatus string

// Run statuses persisted in scrape_runs.status.
const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunPartial   RunStatus = "partial"
)

// RunCounts aggregates scheduler outcomes for one run.
type RunCounts struct {
	Total      int `json:"total"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
	New        int `json:"new"`
	Updated    int `json:"updated"`
}

// RunError is one structured error entry attached to a run.
type RunError struct {
	Key     string    `json:"key"`
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// ScrapeRun models one scheduler invocation.
type ScrapeRun struct {
	ID              string     `json:"id"`
	Source          string     `json:"source"`
	Type            RunType    `json:"run_type"`
	TargetDate      *time.Time `json:"target_date,omitempty"`
	StartDate       *time.Time `json:"start_date,omitempty"`
	EndDate         *time.Time `json:"end_date,omitempty"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	Counts          RunCounts  `json:"counts"`
	Errors          []RunError `json:"errors"`
	ErrorsDropped   int        `json:"errors_dropped"`
	Status          RunStatus  `json:"status"`
	ProxyUsed       bool       `json:"proxy_used"`
	DurationSeconds float64    `json:"duration_seconds"`
}

// BackfillStatus mirrors the backfill_progress status column.
type BackfillStatus string

// Backfill statuses persisted in backfill_progress.status.
const (
	BackfillInProgress BackfillStatus = "in_progress"
	BackfillCompleted  BackfillStatus = "completed"
	BackfillFailed     BackfillStatus = "failed"
)

// BackfillProgress is the durable cursor for one source.
type BackfillProgress struct {
	Source            string         `json:"source"`
	LastCompletedDate time.Time      `json:"last_completed_date"`
	Status            BackfillStatus `json:"status"`
	StartedAt         time.Time      `json:"started_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// DateRange is the span of stored publication dates for a source.
type DateRange struct {
	Earliest *time.Time `json:"earliest,omitempty"`
	Latest   *time.Time `json:"latest,omitempty"`
}

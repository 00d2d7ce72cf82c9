package harvest

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound signals that the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrStorageUnavailable marks failures that must terminate the run.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrRejected marks records that failed the data-quality gate.
	ErrRejected = errors.New("record rejected")
)

// FetchErrorKind classifies a fetch failure for the retry state machine.
type FetchErrorKind string

// Fetch error kinds.
const (
	FetchTransient    FetchErrorKind = "transient"
	FetchNonTransient FetchErrorKind = "non_transient"
	FetchRateLimited  FetchErrorKind = "rate_limited"
)

// FetchError is returned by the fetch policy when a page could not be retrieved.
type FetchError struct {
	Kind       FetchErrorKind
	URL        string
	StatusCode int
	// RetryAfter is the server-advertised wait, when present.
	RetryAfter time.Duration
	Attempts   int
	Err        error
}

func (e *FetchError) Error() string {
	msg := fmt.Sprintf("fetch %s (%s", e.URL, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(", status %d", e.StatusCode)
	}
	if e.Attempts > 0 {
		msg += fmt.Sprintf(", %d attempts", e.Attempts)
	}
	msg += ")"
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Transient reports whether the failure may succeed on retry.
func (e *FetchError) Transient() bool {
	return e.Kind == FetchTransient || e.Kind == FetchRateLimited
}

// IsTransient reports whether err carries a retryable fetch failure.
func IsTransient(err error) bool {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Transient()
	}
	return false
}

// Retryable reports whether the same page may succeed later: a transient
// fetch failure or a challenge page served instead of content.
func Retryable(err error) bool {
	var ee *ExtractionError
	if errors.As(err, &ee) && ee.Kind == ExtractBlocked {
		return true
	}
	return IsTransient(err)
}

// ExtractionErrorKind classifies why a page could not become a record.
type ExtractionErrorKind string

// Extraction error kinds.
const (
	ExtractMalformed    ExtractionErrorKind = "malformed"
	ExtractMissingField ExtractionErrorKind = "missing_field"
	ExtractBlocked      ExtractionErrorKind = "blocked"
)

// ExtractionError is a per-item failure from the extraction collaborator.
type ExtractionError struct {
	Kind  ExtractionErrorKind
	Field string
	Err   error
}

func (e *ExtractionError) Error() string {
	msg := "extract: " + string(e.Kind)
	if e.Field != "" {
		msg += " " + e.Field
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}

// StorageUnavailableError wraps a storage failure that halts the run.
type StorageUnavailableError struct {
	Op  string
	Err error
}

func (e *StorageUnavailableError) Error() string {
	return fmt.Sprintf("%s: storage unavailable: %v", e.Op, e.Err)
}

func (e *StorageUnavailableError) Unwrap() error {
	return e.Err
}

// Is matches ErrStorageUnavailable.
func (e *StorageUnavailableError) Is(target error) bool {
	return target == ErrStorageUnavailable
}

// ConfigurationError is fatal at startup.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s %s", e.Field, e.Reason)
}

// ErrorKind maps an outcome error onto the label stored in run error records.
func ErrorKind(err error) string {
	var (
		fe *FetchError
		ee *ExtractionError
	)
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrStorageUnavailable):
		return "storage_unavailable"
	case errors.Is(err, ErrRejected):
		return "rejected"
	case errors.As(err, &fe):
		return "fetch_" + string(fe.Kind)
	case errors.As(err, &ee):
		return "extraction_" + string(ee.Kind)
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "persistence"
	}
}

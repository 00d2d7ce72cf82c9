package harvest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorKind(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"transient fetch", &FetchError{Kind: FetchTransient, URL: "u"}, "fetch_transient"},
		{"wrapped non transient", fmt.Errorf("item: %w", &FetchError{Kind: FetchNonTransient}), "fetch_non_transient"},
		{"extraction", &ExtractionError{Kind: ExtractMalformed}, "extraction_malformed"},
		{"storage", &StorageUnavailableError{Op: "upsert", Err: errors.New("down")}, "storage_unavailable"},
		{"rejected", fmt.Errorf("%w: missing url", ErrRejected), "rejected"},
		{"canceled", context.Canceled, "canceled"},
		{"other", errors.New("unique violation"), "persistence"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, ErrorKind(tc.err))
		})
	}
}

func TestIsTransient(t *testing.T) {
	t.Parallel()

	assert.True(t, IsTransient(&FetchError{Kind: FetchTransient}))
	assert.True(t, IsTransient(fmt.Errorf("wrap: %w", &FetchError{Kind: FetchRateLimited})))
	assert.False(t, IsTransient(&FetchError{Kind: FetchNonTransient}))
	assert.False(t, IsTransient(errors.New("plain")))
}

func TestRetryable(t *testing.T) {
	t.Parallel()

	assert.True(t, Retryable(&FetchError{Kind: FetchTransient}))
	assert.True(t, Retryable(fmt.Errorf("parse listing: %w", &ExtractionError{Kind: ExtractBlocked})))
	assert.False(t, Retryable(&ExtractionError{Kind: ExtractMalformed}))
	assert.False(t, Retryable(&FetchError{Kind: FetchNonTransient, StatusCode: 404}))
}

func TestFetchErrorMessage(t *testing.T) {
	t.Parallel()

	err := &FetchError{Kind: FetchTransient, URL: "https://x", StatusCode: 503, Attempts: 4, Err: errors.New("Service Unavailable")}
	assert.Equal(t, "fetch https://x (transient, status 503, 4 attempts): Service Unavailable", err.Error())
}

func TestStorageUnavailableMatchesSentinel(t *testing.T) {
	t.Parallel()

	inner := errors.New("connection refused")
	err := fmt.Errorf("persist: %w", &StorageUnavailableError{Op: "upsert article", Err: inner})
	require.ErrorIs(t, err, ErrStorageUnavailable)
	require.ErrorIs(t, err, inner)
}

func TestDayTruncatesToUTCMidnight(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("CST", -6*3600)
	in := time.Date(2024, 3, 9, 23, 30, 0, 0, loc)
	assert.Equal(t, time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC), Day(in))

	d, err := ParseDay("2003-01-01")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2003, 1, 1, 0, 0, 0, 0, time.UTC), d)

	_, err = ParseDay("01/01/2003")
	require.Error(t, err)
}

package backoff

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/alcalor-scraper/internal/harvest"
)

func TestDelayDoublesAndCaps(t *testing.T) {
	t.Parallel()

	base := 2 * time.Second
	assert.Equal(t, 2*time.Second, Delay(base, 30*time.Second, 1))
	assert.Equal(t, 4*time.Second, Delay(base, 30*time.Second, 2))
	assert.Equal(t, 8*time.Second, Delay(base, 30*time.Second, 3))
	assert.Equal(t, 16*time.Second, Delay(base, 30*time.Second, 4))
	assert.Equal(t, 30*time.Second, Delay(base, 30*time.Second, 5))
	assert.Equal(t, 30*time.Second, Delay(base, 30*time.Second, 60))
	assert.Equal(t, time.Duration(0), Delay(0, time.Second, 3))
	assert.Equal(t, time.Duration(0), Delay(base, time.Second, 0))
	assert.Equal(t, 64*time.Second, Delay(base, 0, 6))
}

func TestMachineRetriesTransientExactlyMaxRetries(t *testing.T) {
	t.Parallel()

	m := NewMachine(Config{MaxRetries: 3, BaseDelay: time.Second, MaxDelay: time.Minute})
	transient := &harvest.FetchError{Kind: harvest.FetchTransient, StatusCode: 500}

	var waits []time.Duration
	for {
		wait, retry := m.Fail(transient)
		if !retry {
			break
		}
		waits = append(waits, wait)
	}

	assert.Equal(t, FailedTerminal, m.State())
	assert.Equal(t, 4, m.Attempt())
	assert.Equal(t, 3, m.Retries())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, waits)
}

func TestMachineNonTransientFailsImmediately(t *testing.T) {
	t.Parallel()

	m := NewMachine(Config{MaxRetries: 3, BaseDelay: time.Second})
	wait, retry := m.Fail(&harvest.FetchError{Kind: harvest.FetchNonTransient, StatusCode: 404})

	assert.False(t, retry)
	assert.Zero(t, wait)
	assert.Equal(t, FailedTerminal, m.State())
	assert.Equal(t, 0, m.Retries())
}

func TestMachineUnclassifiedErrorIsTerminal(t *testing.T) {
	t.Parallel()

	m := NewMachine(Config{MaxRetries: 3, BaseDelay: time.Second})
	_, retry := m.Fail(errors.New("boom"))
	assert.False(t, retry)
	assert.Equal(t, FailedTerminal, m.State())
}

func TestMachineRateLimitUsesCooldown(t *testing.T) {
	t.Parallel()

	m := NewMachine(Config{MaxRetries: 2, BaseDelay: time.Second, MaxDelay: time.Minute, RateLimitCooldown: 30 * time.Second})
	wait, retry := m.Fail(&harvest.FetchError{Kind: harvest.FetchRateLimited, StatusCode: 429})
	require.True(t, retry)
	assert.Equal(t, 30*time.Second, wait)

	wait, retry = m.Fail(&harvest.FetchError{Kind: harvest.FetchRateLimited, StatusCode: 429, RetryAfter: 45 * time.Second})
	require.True(t, retry)
	assert.Equal(t, 45*time.Second, wait)
}

func TestMachineSucceed(t *testing.T) {
	t.Parallel()

	m := NewMachine(Config{MaxRetries: 1})
	m.Succeed()
	assert.Equal(t, Succeeded, m.State())
	_, retry := m.Fail(&harvest.FetchError{Kind: harvest.FetchTransient})
	assert.False(t, retry)
	assert.Equal(t, Succeeded, m.State())
}

func TestMachineJitterIsBounded(t *testing.T) {
	t.Parallel()

	m := NewMachine(Config{MaxRetries: 1, BaseDelay: 2 * time.Second, Jitter: true})
	wait, retry := m.Fail(&harvest.FetchError{Kind: harvest.FetchTransient})
	require.True(t, retry)
	assert.GreaterOrEqual(t, wait, 2*time.Second)
	assert.Less(t, wait, 3*time.Second)
}

func TestStateString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "attempting", Attempting.String())
	assert.Equal(t, "succeeded", Succeeded.String())
	assert.Equal(t, "failed_terminal", FailedTerminal.String())
	assert.Equal(t, "unknown", State(9).String())
}

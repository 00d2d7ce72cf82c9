// Package backoff implements the fetch retry state machine and its pure
// exponential delay function.
package backoff

import (
	"crypto/rand"
	"errors"
	"math/big"
	"time"

	"github.com/JakeFAU/alcalor-scraper/internal/harvest"
)

// Config parameterizes retries for one fetch.
type Config struct {
	// MaxRetries is the number of attempts after the first one.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// RateLimitCooldown is the minimum wait after a 429.
	RateLimitCooldown time.Duration
	Jitter            bool
}

// State is the retry machine's position.
type State int

// Machine states.
const (
	Attempting State = iota
	Succeeded
	FailedTerminal
)

func (s State) String() string {
	switch s {
	case Attempting:
		return "attempting"
	case Succeeded:
		return "succeeded"
	case FailedTerminal:
		return "failed_terminal"
	default:
		return "unknown"
	}
}

// Delay returns the wait before retrying after the given failed attempt
// (1-based): base, 2*base, 4*base, ... capped at maxDelay.
func Delay(base, maxDelay time.Duration, attempt int) time.Duration {
	if base <= 0 || attempt <= 0 {
		return 0
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if maxDelay > 0 && d >= maxDelay {
			return maxDelay
		}
	}
	if maxDelay > 0 && d > maxDelay {
		return maxDelay
	}
	return d
}

// Machine tracks Attempting(n) -> Succeeded | FailedTerminal for one fetch.
type Machine struct {
	cfg     Config
	attempt int
	state   State
	jitter  func(limit time.Duration) time.Duration
}

// NewMachine starts in Attempting(1).
func NewMachine(cfg Config) *Machine {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Machine{cfg: cfg, attempt: 1, state: Attempting, jitter: randomJitter}
}

// Attempt returns the 1-based number of the current attempt.
func (m *Machine) Attempt() int {
	return m.attempt
}

// State returns the current state.
func (m *Machine) State() State {
	return m.state
}

// Retries returns how many retries have been scheduled so far.
func (m *Machine) Retries() int {
	return m.attempt - 1
}

// Succeed moves the machine to Succeeded.
func (m *Machine) Succeed() {
	m.state = Succeeded
}

// Fail records a failed attempt. When retry is true the machine advanced to the
// next attempt and the caller must wait before issuing it.
func (m *Machine) Fail(err error) (wait time.Duration, retry bool) {
	if m.state != Attempting {
		return 0, false
	}
	if !harvest.IsTransient(err) || m.attempt > m.cfg.MaxRetries {
		m.state = FailedTerminal
		return 0, false
	}
	wait = Delay(m.cfg.BaseDelay, m.cfg.MaxDelay, m.attempt)
	if m.cfg.Jitter && m.jitter != nil {
		wait += m.jitter(wait / 2)
	}
	var fe *harvest.FetchError
	if errors.As(err, &fe) && fe.Kind == harvest.FetchRateLimited {
		wait = max(wait, m.cfg.RateLimitCooldown, fe.RetryAfter)
	}
	m.attempt++
	return wait, true
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

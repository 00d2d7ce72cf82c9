// Package fetchpolicy applies throttling, per-attempt timeouts, retry with
// backoff, and error classification to single page requests.
package fetchpolicy

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/alcalor-scraper/internal/harvest"
	"github.com/JakeFAU/alcalor-scraper/internal/metrics"
	"github.com/JakeFAU/alcalor-scraper/internal/policy/backoff"
	"github.com/JakeFAU/alcalor-scraper/internal/policy/ratelimit"
)

// Config controls attempt timeouts and retries.
type Config struct {
	Timeout time.Duration
	Retry   backoff.Config
}

// pauseController abstracts how the policy waits between attempts.
type pauseController interface {
	Pause(ctx context.Context, delay time.Duration)
}

type timerPauseController struct{}

func (timerPauseController) Pause(ctx context.Context, delay time.Duration) {
	if delay <= 0 {
		return
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// Policy implements harvest.PageFetcher for one worker lane.
type Policy struct {
	transport harvest.Transport
	throttle  *ratelimit.Throttle
	cfg       Config
	pause     pauseController
	logger    *zap.Logger
}

// New creates a Policy. A nil throttle disables the inter-request delay.
func New(transport harvest.Transport, throttle *ratelimit.Throttle, cfg Config, logger *zap.Logger) *Policy {
	if throttle == nil {
		throttle = ratelimit.NewThrottle(0)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Policy{
		transport: transport,
		throttle:  throttle,
		cfg:       cfg,
		pause:     timerPauseController{},
		logger:    logger,
	}
}

// Fetch returns the page body or a *harvest.FetchError. Once ctx is canceled
// no further attempts start; an attempt already issued runs to completion or
// to its own timeout.
func (p *Policy) Fetch(ctx context.Context, target string) ([]byte, error) {
	if err := validateTarget(target); err != nil {
		return nil, &harvest.FetchError{Kind: harvest.FetchNonTransient, URL: target, Err: err}
	}

	machine := backoff.NewMachine(p.cfg.Retry)
	for {
		if machine.Attempt() > 1 && ctx.Err() != nil {
			return nil, fmt.Errorf("fetch %s abandoned after %d attempts: %w", target, machine.Attempt()-1, ctx.Err())
		}
		waitCtx := ctx
		if machine.Attempt() == 1 {
			waitCtx = context.WithoutCancel(ctx)
		}
		if err := p.throttle.Wait(waitCtx); err != nil {
			return nil, fmt.Errorf("fetch %s: %w", target, err)
		}

		body, err := p.attempt(ctx, target)
		if err == nil {
			machine.Succeed()
			return body, nil
		}
		var fe *harvest.FetchError
		if errors.As(err, &fe) {
			fe.Attempts = machine.Attempt()
		}

		wait, retry := machine.Fail(err)
		if !retry {
			return nil, err
		}
		metrics.ObserveRetry()
		p.logger.Debug("retrying fetch",
			zap.String("url", target),
			zap.Int("next_attempt", machine.Attempt()),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
		p.pause.Pause(ctx, wait)
	}
}

// attempt issues one request on a context that is detached from run
// cancellation and bounded by the attempt timeout.
func (p *Policy) attempt(ctx context.Context, target string) ([]byte, error) {
	attemptCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.Timeout)
	defer cancel()

	start := time.Now()
	resp, err := p.transport.Get(attemptCtx, target)
	if err != nil {
		fe := classifyTransportError(target, err)
		metrics.ObserveFetchAttempt(string(fe.Kind), time.Since(start))
		return nil, fe
	}
	if fe := classifyStatus(target, resp); fe != nil {
		metrics.ObserveFetchAttempt(string(fe.Kind), time.Since(start))
		return nil, fe
	}
	metrics.ObserveFetchAttempt("ok", time.Since(start))
	return resp.Body, nil
}

func validateTarget(target string) error {
	u, err := url.Parse(target)
	if err != nil {
		return fmt.Errorf("malformed target: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("malformed target: unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("malformed target: missing host")
	}
	return nil
}

func classifyStatus(target string, resp harvest.RawResponse) *harvest.FetchError {
	code := resp.StatusCode
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests:
		return &harvest.FetchError{
			Kind:       harvest.FetchRateLimited,
			URL:        target,
			StatusCode: code,
			RetryAfter: parseRetryAfter(resp.Header, time.Now()),
			Err:        errors.New(http.StatusText(code)),
		}
	case code == http.StatusRequestTimeout || code >= 500:
		return &harvest.FetchError{Kind: harvest.FetchTransient, URL: target, StatusCode: code, Err: errors.New(http.StatusText(code))}
	default:
		// 3xx that were not followed, 407 proxy auth, and remaining 4xx.
		return &harvest.FetchError{Kind: harvest.FetchNonTransient, URL: target, StatusCode: code, Err: errors.New(http.StatusText(code))}
	}
}

func classifyTransportError(target string, err error) *harvest.FetchError {
	// Timeouts, resets, refused connections, and truncated bodies stay transient.
	fe := &harvest.FetchError{Kind: harvest.FetchTransient, URL: target, Err: err}
	var (
		verifyErr    *tls.CertificateVerificationError
		authorityErr x509.UnknownAuthorityError
		hostErr      x509.HostnameError
	)
	switch {
	case strings.Contains(err.Error(), http.StatusText(http.StatusProxyAuthRequired)):
		fe.Kind = harvest.FetchNonTransient
		fe.StatusCode = http.StatusProxyAuthRequired
	case errors.As(err, &verifyErr), errors.As(err, &authorityErr), errors.As(err, &hostErr):
		fe.Kind = harvest.FetchNonTransient
	}
	return fe
}

func parseRetryAfter(h http.Header, now time.Time) time.Duration {
	if h == nil {
		return 0
	}
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}

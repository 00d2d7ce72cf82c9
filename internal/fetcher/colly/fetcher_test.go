package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/alcalor-scraper/internal/harvest"
)

func TestFetcherGetReturnsBodyAndStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-agent", r.UserAgent())
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<html>ok</html>"))
	}))
	defer srv.Close()

	f, err := New(Config{UserAgent: "test-agent", Timeout: time.Second})
	require.NoError(t, err)

	resp, err := f.Get(context.Background(), srv.URL+"/informacion/nota-1.html")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "<html>ok</html>", string(resp.Body))
	assert.Equal(t, "text/html; charset=utf-8", resp.Header.Get("Content-Type"))
}

func TestFetcherGetPassesErrorStatusThrough(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	f, err := New(Config{Timeout: time.Second})
	require.NoError(t, err)

	resp, err := f.Get(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestFetcherGetRevisitsSameURL(t *testing.T) {
	t.Parallel()

	var (
		mu   sync.Mutex
		hits int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	f, err := New(Config{Timeout: time.Second})
	require.NoError(t, err)
	for range 3 {
		_, err := f.Get(context.Background(), srv.URL)
		require.NoError(t, err)
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, hits)
}

func TestFetcherRoutesThroughProxyWithCredentials(t *testing.T) {
	t.Parallel()

	var (
		mu              sync.Mutex
		gotAuth, gotURL string
	)
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotAuth = r.Header.Get("Proxy-Authorization")
		gotURL = r.URL.String()
		mu.Unlock()
		_, _ = w.Write([]byte("proxied"))
	}))
	defer proxy.Close()

	f, err := New(Config{
		Timeout:       time.Second,
		ProxyURL:      proxy.URL,
		ProxyUsername: "user",
		ProxyPassword: "pass",
	})
	require.NoError(t, err)

	resp, err := f.Get(context.Background(), "http://alcalor.test/informacion/nota-9.html")
	require.NoError(t, err)
	assert.Equal(t, "proxied", string(resp.Body))
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "http://alcalor.test/informacion/nota-9.html", gotURL)
	assert.Equal(t, "Basic dXNlcjpwYXNz", gotAuth)
}

func TestFetcherTransportErrorIsReturned(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	target := srv.URL
	srv.Close()

	f, err := New(Config{Timeout: time.Second})
	require.NoError(t, err)
	_, err = f.Get(context.Background(), target)
	require.Error(t, err)
}

func TestFetcherHonorsContextCancellation(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	f, err := New(Config{Timeout: 5 * time.Second})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = f.Get(ctx, srv.URL)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestProxyURL(t *testing.T) {
	t.Parallel()

	u, err := ProxyURL("", "a", "b")
	require.NoError(t, err)
	assert.Nil(t, u)

	u, err = ProxyURL("http://proxy.local:8080", "a", "b")
	require.NoError(t, err)
	assert.Equal(t, "http://a:b@proxy.local:8080", u.String())

	_, err = ProxyURL("proxy.local", "", "")
	require.Error(t, err)

	_, err = New(Config{ProxyURL: "://bad"})
	require.Error(t, err)
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	f, err := New(Config{})
	require.NoError(t, err)
	var result harvest.RawResponse
	var fetchErr error

	hooks := &stubHooks{}
	f.configureCollectorHooks(hooks, time.Unix(0, 0), &result, &fetchErr)
	require.NotNil(t, hooks.onResponse)
	require.NotNil(t, hooks.onError)

	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusTooManyRequests,
		Body:       []byte("slow down"),
		Headers:    &http.Header{"Retry-After": {"10"}},
		Request:    &colly.Request{URL: mustParseURL(t, "https://example.com")},
	})
	assert.Equal(t, http.StatusTooManyRequests, result.StatusCode)
	assert.Equal(t, "10", result.Header.Get("Retry-After"))
	assert.Equal(t, "https://example.com", result.URL)

	hooks.onError(nil, errors.New("boom"))
	require.EqualError(t, fetchErr, "boom")
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

type stubHooks struct {
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}

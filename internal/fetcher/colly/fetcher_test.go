package collyfetcher

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/column-mirror/internal/clock/fake"
	"github.com/JakeFAU/column-mirror/internal/mirror"
)

func newTestFetcher(cfg Config) (*Fetcher, *fake.Clock) {
	clk := fake.New(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	return New(cfg, clk, nil), clk
}

func TestFetchSuccess(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("X-Resp", "ok")
		_, _ = w.Write([]byte("<html>hello</html>"))
	}))
	defer srv.Close()

	f, clk := newTestFetcher(Config{MaxRetries: 3})
	resp, err := f.Fetch(context.Background(), srv.URL+"/page")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "<html>hello</html>", string(resp.Body))
	assert.Equal(t, "ok", resp.Headers.Get("X-Resp"))
	assert.Equal(t, srv.URL+"/page", resp.URL)
	assert.Equal(t, 1, resp.Attempts)
	assert.Empty(t, clk.Sleeps())
}

func TestFetchRetriesTransientStatus(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("finally"))
	}))
	defer srv.Close()

	f, clk := newTestFetcher(Config{
		MaxRetries:     3,
		BackoffInitial: 10 * time.Second,
		BackoffMax:     time.Minute,
	})
	resp, err := f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "finally", string(resp.Body))
	assert.Equal(t, 3, resp.Attempts)
	assert.Equal(t, int32(3), hits.Load())

	sleeps := clk.Sleeps()
	require.Len(t, sleeps, 2)
	assert.GreaterOrEqual(t, sleeps[0], 5*time.Second)
	assert.Less(t, sleeps[0], 10*time.Second)
	assert.GreaterOrEqual(t, sleeps[1], 10*time.Second)
	assert.Less(t, sleeps[1], 20*time.Second)
}

func TestFetchGivesUpAfterMaxRetries(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	f, clk := newTestFetcher(Config{MaxRetries: 3, BackoffInitial: time.Second})
	_, err := f.Fetch(context.Background(), srv.URL)
	require.Error(t, err)

	var fetchErr *mirror.FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, http.StatusBadGateway, fetchErr.StatusCode)
	assert.Equal(t, 4, fetchErr.Attempts)
	assert.True(t, fetchErr.Retryable)
	assert.Equal(t, int32(4), hits.Load())
	assert.Len(t, clk.Sleeps(), 3)
}

func TestFetchDoesNotRetryNotFound(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		http.NotFound(w, nil)
	}))
	defer srv.Close()

	f, clk := newTestFetcher(Config{MaxRetries: 3, BackoffInitial: time.Second})
	_, err := f.Fetch(context.Background(), srv.URL+"/missing.md")

	var fetchErr *mirror.FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, http.StatusNotFound, fetchErr.StatusCode)
	assert.Equal(t, 1, fetchErr.Attempts)
	assert.False(t, fetchErr.Retryable)
	assert.Equal(t, int32(1), hits.Load())
	assert.Empty(t, clk.Sleeps())
}

func TestFetchRejectsBodyOverLimit(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path == "/fits.png" {
			_, _ = w.Write(bytes.Repeat([]byte("a"), 16))
			return
		}
		_, _ = w.Write(bytes.Repeat([]byte("a"), 64))
	}))
	defer srv.Close()

	f, clk := newTestFetcher(Config{MaxRetries: 3, BackoffInitial: time.Second, MaxBodyBytes: 16})

	resp, err := f.Fetch(context.Background(), srv.URL+"/fits.png")
	require.NoError(t, err)
	assert.Len(t, resp.Body, 16)

	_, err = f.Fetch(context.Background(), srv.URL+"/huge.png")
	require.ErrorIs(t, err, ErrBodyTooLarge)
	var fetchErr *mirror.FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, http.StatusOK, fetchErr.StatusCode)
	assert.Equal(t, 1, fetchErr.Attempts)
	assert.False(t, fetchErr.Retryable)
	assert.Equal(t, int32(2), hits.Load())
	assert.Empty(t, clk.Sleeps())
}

func TestFetchRetriesNetworkErrors(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	f, clk := newTestFetcher(Config{MaxRetries: 2, BackoffInitial: time.Second})
	_, err := f.Fetch(context.Background(), addr)

	var fetchErr *mirror.FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Zero(t, fetchErr.StatusCode)
	assert.Equal(t, 3, fetchErr.Attempts)
	assert.True(t, fetchErr.Retryable)
	assert.Len(t, clk.Sleeps(), 2)
}

func TestFetchRotatesUserAgents(t *testing.T) {
	t.Parallel()

	var (
		mu     sync.Mutex
		agents []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		agents = append(agents, r.UserAgent())
		mu.Unlock()
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	f, _ := newTestFetcher(Config{UserAgents: []string{"agent-a", "agent-b"}})
	for range 3 {
		_, err := f.Fetch(context.Background(), srv.URL)
		require.NoError(t, err)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"agent-a", "agent-b", "agent-a"}, agents)
}

func TestFetchAcceptsUntrustedCertificate(t *testing.T) {
	t.Parallel()

	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("secure-ish"))
	}))
	defer srv.Close()

	f, _ := newTestFetcher(Config{InsecureTLS: true})
	resp, err := f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "secure-ish", string(resp.Body))

	strict, _ := newTestFetcher(Config{InsecureTLS: false})
	_, err = strict.Fetch(context.Background(), srv.URL)
	require.Error(t, err)
}

func TestFetchCanceledContext(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f, _ := newTestFetcher(Config{MaxRetries: 3})
	_, err := f.Fetch(ctx, srv.URL)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFetchInvalidURLNotRetried(t *testing.T) {
	t.Parallel()

	f, clk := newTestFetcher(Config{MaxRetries: 3, BackoffInitial: time.Second})
	_, err := f.Fetch(context.Background(), "://bad")

	var fetchErr *mirror.FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, 1, fetchErr.Attempts)
	assert.False(t, fetchErr.Retryable)
	assert.Empty(t, clk.Sleeps())
}

func TestBackoffIsCapped(t *testing.T) {
	t.Parallel()

	f, _ := newTestFetcher(Config{BackoffInitial: 10 * time.Second, BackoffMax: 30 * time.Second})
	for n := range 6 {
		d := f.backoff(n)
		assert.LessOrEqual(t, d, 30*time.Second, "retry %d", n)
		assert.Positive(t, d)
	}
	assert.Zero(t, randomJitter(0))
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	clk := fake.New(time.Unix(0, 0))
	var a attempt
	hooks := &stubHooks{}
	configureCollectorHooks(hooks, clk.Now(), clk, &a)
	require.NotNil(t, hooks.onResponse)
	require.NotNil(t, hooks.onError)

	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusCreated,
		Body:       []byte("body"),
		Headers:    &http.Header{"X-Resp": {"ok"}},
		Request: &colly.Request{
			URL: mustParseURL(t, "https://example.com"),
		},
	})
	assert.True(t, a.sent)
	assert.Equal(t, http.StatusCreated, a.resp.StatusCode)
	assert.Equal(t, "body", string(a.resp.Body))
	assert.Equal(t, "ok", a.resp.Headers.Get("X-Resp"))

	hooks.onError(nil, errors.New("boom"))
	assert.EqualError(t, a.err, "boom")
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("failed to parse url %q: %v", raw, err)
	}
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

// Package collyfetcher implements mirror.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"errors"
	"fmt"
	"math"
	"math/big"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/column-mirror/internal/metrics"
	"github.com/JakeFAU/column-mirror/internal/mirror"
)

const (
	defaultTimeout      = 15 * time.Second
	defaultMaxBodyBytes = 32 << 20
)

// ErrBodyTooLarge reports a response body longer than Config.MaxBodyBytes.
var ErrBodyTooLarge = errors.New("response body exceeds limit")

// Config controls collector and retry behavior.
type Config struct {
	// UserAgents are rotated per request attempt.
	UserAgents []string
	// Timeout bounds a single attempt.
	Timeout time.Duration
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// BackoffInitial is the base delay; attempt n waits BackoffInitial*2^n.
	BackoffInitial time.Duration
	// BackoffMax caps the delay between attempts.
	BackoffMax time.Duration
	// InsecureTLS skips certificate verification and enables legacy ciphers.
	InsecureTLS bool
	// MaxBodyBytes is the largest body accepted; longer bodies fail the fetch.
	MaxBodyBytes int
}

// Fetcher implements mirror.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	clock         mirror.Clock
	logger        *zap.Logger
	baseCollector *colly.Collector
	uaCursor      atomic.Uint64
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// attempt captures what one collector visit observed.
type attempt struct {
	resp   mirror.FetchResponse
	status int
	sent   bool
	err    error
}

// New builds a Fetcher.
func New(cfg Config, clock mirror.Clock, logger *zap.Logger) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
		colly.IgnoreRobotsTxt(),
		// One byte over the limit tells a truncated body from one that fits.
		colly.MaxBodySize(cfg.MaxBodyBytes+1),
	)
	// Clones share the backend, so the transport and timeout live here.
	c.WithTransport(newHTTPTransport(cfg.InsecureTLS))
	c.SetRequestTimeout(cfg.Timeout)

	return &Fetcher{
		cfg:           cfg,
		clock:         clock,
		logger:        logger,
		baseCollector: c,
	}
}

// Fetch performs a GET, retrying transient failures with exponential backoff.
func (f *Fetcher) Fetch(ctx context.Context, url string) (mirror.FetchResponse, error) {
	start := f.clock.Now()
	maxAttempts := f.cfg.MaxRetries + 1

	var last attempt
	for n := 0; n < maxAttempts; n++ {
		if err := ctx.Err(); err != nil {
			return mirror.FetchResponse{}, f.fail(url, start, n, last, err)
		}
		if n > 0 {
			wait := f.backoff(n - 1)
			metrics.ObserveFetchRetry(url)
			f.logger.Debug("retrying fetch",
				zap.String("url", url),
				zap.Int("attempt", n+1),
				zap.Int("status", last.status),
				zap.Duration("backoff", wait),
				zap.Error(last.err),
			)
			if err := f.clock.Sleep(ctx, wait); err != nil {
				return mirror.FetchResponse{}, f.fail(url, start, n, last, err)
			}
		}

		last = f.visit(ctx, url, f.nextUserAgent())
		if last.err == nil {
			last.resp.Attempts = n + 1
			last.resp.Duration = f.clock.Now().Sub(start)
			metrics.ObserveFetch(url, last.resp.StatusCode, len(last.resp.Body), last.resp.Duration)
			return last.resp, nil
		}
		if !f.shouldRetry(ctx, last) {
			return mirror.FetchResponse{}, f.fail(url, start, n+1, last, nil)
		}
	}
	return mirror.FetchResponse{}, f.fail(url, start, maxAttempts, last, nil)
}

func (f *Fetcher) fail(url string, start time.Time, attempts int, last attempt, cause error) error {
	metrics.ObserveFetch(url, last.status, 0, f.clock.Now().Sub(start))
	err := last.err
	if cause != nil {
		err = cause
	}
	return &mirror.FetchError{
		URL:        url,
		StatusCode: last.status,
		Attempts:   attempts,
		Retryable:  last.sent && (last.status == 0 || mirror.RetryableStatus(last.status)),
		Err:        err,
	}
}

func (f *Fetcher) shouldRetry(ctx context.Context, a attempt) bool {
	if ctx.Err() != nil || !a.sent || errors.Is(a.err, context.Canceled) {
		return false
	}
	if a.status == 0 {
		return true
	}
	return mirror.RetryableStatus(a.status)
}

func (f *Fetcher) visit(ctx context.Context, url, userAgent string) attempt {
	observed := &attempt{}
	collector := f.baseCollector.Clone()
	collector.Context = ctx
	if userAgent != "" {
		collector.UserAgent = userAgent
	}
	configureCollectorHooks(collector, f.clock.Now(), f.clock, observed)

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		// The visit goroutine still owns observed; report the cancellation only.
		return attempt{err: fmt.Errorf("colly fetch canceled: %w", ctx.Err())}
	case err := <-done:
		a := *observed
		if a.err != nil {
			a.err = fmt.Errorf("colly response failed: %w", a.err)
		} else if err != nil {
			a.err = fmt.Errorf("colly visit failed: %w", err)
		} else if len(a.resp.Body) > f.cfg.MaxBodyBytes {
			a.err = fmt.Errorf("%w: more than %d bytes", ErrBodyTooLarge, f.cfg.MaxBodyBytes)
			a.resp = mirror.FetchResponse{}
		}
		return a
	}
}

func configureCollectorHooks(hooks collectorHooks, start time.Time, clock mirror.Clock, a *attempt) {
	hooks.OnResponse(func(r *colly.Response) {
		a.sent = true
		a.status = r.StatusCode
		var headers http.Header
		if r.Headers != nil {
			headers = r.Headers.Clone()
		}
		a.resp = mirror.FetchResponse{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    headers,
			Body:       append([]byte(nil), r.Body...),
			Duration:   clock.Now().Sub(start),
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		a.sent = true
		if r != nil {
			a.status = r.StatusCode
		}
		a.err = err
	})
}

func (f *Fetcher) nextUserAgent() string {
	if len(f.cfg.UserAgents) == 0 {
		return ""
	}
	i := f.uaCursor.Add(1) - 1
	return f.cfg.UserAgents[i%uint64(len(f.cfg.UserAgents))]
}

// backoff returns the wait before retry n (0-based): the capped exponential
// delay with its upper half jittered.
func (f *Fetcher) backoff(n int) time.Duration {
	delay := float64(f.cfg.BackoffInitial) * math.Pow(2, float64(n))
	if f.cfg.BackoffMax > 0 && delay > float64(f.cfg.BackoffMax) {
		delay = float64(f.cfg.BackoffMax)
	}
	half := time.Duration(delay / 2)
	return half + randomJitter(time.Duration(delay)-half)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

func newHTTPTransport(insecure bool) *http.Transport {
	t := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
	}
	if insecure {
		t.TLSClientConfig = legacyTLSConfig()
	}
	return t
}

// legacyTLSConfig accepts the source site's dated TLS setup.
func legacyTLSConfig() *tls.Config {
	suites := make([]uint16, 0, len(tls.CipherSuites())+len(tls.InsecureCipherSuites()))
	for _, s := range tls.CipherSuites() {
		suites = append(suites, s.ID)
	}
	for _, s := range tls.InsecureCipherSuites() {
		suites = append(suites, s.ID)
	}
	// #nosec G402 -- the mirrored site serves a certificate chain that fails verification.
	return &tls.Config{
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS10,
		CipherSuites:       suites,
	}
}

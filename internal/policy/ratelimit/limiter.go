// Package ratelimit implements the per-host politeness gate: a randomized
// fixed-interval spacing between dispatches plus an optional token bucket.
package ratelimit

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/column-mirror/internal/metrics"
	"github.com/JakeFAU/column-mirror/internal/mirror"
)

// ErrReservation is returned when the token bucket can never satisfy a request.
var ErrReservation = errors.New("rate limit reservation refused")

// Config holds gate configuration.
type Config struct {
	// DelayMin and DelayMax bound the randomized spacing between two
	// requests to the same host, regardless of how many workers ask.
	DelayMin time.Duration
	DelayMax time.Duration
	// RequestsPerSecond enables an additional token bucket when positive.
	RequestsPerSecond float64
	Burst             int
}

// Limiter manages per-host politeness state.
type Limiter struct {
	mu     sync.Mutex
	hosts  map[string]*hostState
	cfg    Config
	limit  rate.Limit
	burst  int
	clock  mirror.Clock
	jitter func(time.Duration) time.Duration
}

type hostState struct {
	bucket *rate.Limiter
	// next is the earliest time the following request may start.
	next time.Time
}

// New creates a new Limiter.
func New(cfg Config, clock mirror.Clock) *Limiter {
	if cfg.DelayMax < cfg.DelayMin {
		cfg.DelayMax = cfg.DelayMin
	}
	r := rate.Limit(cfg.RequestsPerSecond)
	if cfg.RequestsPerSecond <= 0 {
		r = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		hosts:  make(map[string]*hostState),
		cfg:    cfg,
		limit:  r,
		burst:  burst,
		clock:  clock,
		jitter: randomDuration,
	}
}

// Wait blocks until a request to rawURL is allowed, respecting the context.
// Slots are claimed in call order, so concurrent callers are spaced apart.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	domain := hostOf(rawURL)

	l.mu.Lock()
	state := l.state(domain)
	now := l.clock.Now()
	start := now
	if state.next.After(start) {
		start = state.next
	}
	reservation := state.bucket.ReserveN(start, 1)
	if !reservation.OK() {
		l.mu.Unlock()
		return fmt.Errorf("wait for %s: %w", domain, ErrReservation)
	}
	start = start.Add(reservation.DelayFrom(start))
	state.next = start.Add(l.spacing())
	l.mu.Unlock()

	wait := start.Sub(now)
	if wait <= 0 {
		return nil
	}
	if err := l.clock.Sleep(ctx, wait); err != nil {
		reservation.CancelAt(l.clock.Now())
		return fmt.Errorf("rate limit wait: %w", err)
	}
	metrics.ObserveRateLimitDelay(domain, wait)
	return nil
}

func (l *Limiter) state(domain string) *hostState {
	state, ok := l.hosts[domain]
	if !ok {
		state = &hostState{bucket: rate.NewLimiter(l.limit, l.burst)}
		l.hosts[domain] = state
	}
	return state
}

func (l *Limiter) spacing() time.Duration {
	span := l.cfg.DelayMax - l.cfg.DelayMin
	return l.cfg.DelayMin + l.jitter(span)
}

// randomDuration returns a uniform duration in [0, limit].
func randomDuration(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)+1))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return u.Hostname()
}

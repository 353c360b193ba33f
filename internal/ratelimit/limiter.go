// Package ratelimit enforces a minimum spacing between outbound requests for
// each harvest source, built on token buckets from golang.org/x/time/rate.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config holds rate limiter configuration.
type Config struct {
	// DefaultRPS is the request rate applied to sources without an explicit
	// rate. Zero or negative means unlimited.
	DefaultRPS float64
	// Burst is the token bucket size. It defaults to 1 so consecutive
	// acquisitions are spaced at least 1/RPS apart.
	Burst int
	// OnDelay, when set, is invoked with the wait each acquisition incurred.
	OnDelay func(source string, d time.Duration)
}

// Limiter manages one token bucket per source. A single Limiter may be shared
// by all workers of a job; the per-source buckets serialize their pacing.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rates    map[string]rate.Limit
	cfg      Config
}

// New creates a Limiter.
func New(cfg Config) *Limiter {
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		rates:    make(map[string]rate.Limit),
		cfg:      cfg,
	}
}

// SetRate overrides the request rate for one source. It applies to the
// existing bucket if one was already created. Zero or negative rps means
// unlimited.
func (l *Limiter) SetRate(source string, rps float64) {
	r := rate.Limit(rps)
	if rps <= 0 {
		r = rate.Inf
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rates[source] = r
	if lim, ok := l.limiters[source]; ok {
		lim.SetLimit(r)
	}
}

// Wait blocks until a token is available for the source, respecting ctx.
func (l *Limiter) Wait(ctx context.Context, source string) error {
	lim := l.limiterFor(source)

	start := time.Now()
	if err := lim.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if l.cfg.OnDelay != nil {
		if d := time.Since(start); d > time.Millisecond {
			l.cfg.OnDelay(source, d)
		}
	}
	return nil
}

func (l *Limiter) limiterFor(source string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lim, ok := l.limiters[source]; ok {
		return lim
	}
	r, ok := l.rates[source]
	if !ok {
		r = rate.Limit(l.cfg.DefaultRPS)
		if l.cfg.DefaultRPS <= 0 {
			r = rate.Inf
		}
	}
	lim := rate.NewLimiter(r, l.cfg.Burst)
	l.limiters[source] = lim
	return lim
}

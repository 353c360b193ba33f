// Package retry executes fallible operations with classified backoff. It
// distinguishes transient failures (exponential backoff), rate-limit signals
// (long, hint-aware delay), and fatal errors (no retry).
package retry

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/openharvest/harvester/internal/harvest"
)

// Defaults applied by New when a field is zero.
const (
	DefaultMaxAttempts       = 5
	DefaultInitialDelay      = 1 * time.Second
	DefaultMultiplier        = 2.0
	DefaultMaxDelay          = 60 * time.Second
	DefaultRateLimitFallback = 300 * time.Second
)

// Config holds the policy's tunables.
type Config struct {
	// MaxAttempts caps total attempts, including the first.
	MaxAttempts int `mapstructure:"max_attempts"`
	// InitialDelay seeds the exponential backoff for transient errors.
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	// Multiplier scales the delay per attempt.
	Multiplier float64 `mapstructure:"multiplier"`
	// MaxDelay caps any computed or hinted delay.
	MaxDelay time.Duration `mapstructure:"max_delay"`
	// RateLimitFallback is the wait after a rate-limit response that carries
	// no retry-after hint. Vendor rate windows are typically minutes, so this
	// is intentionally much longer than the generic backoff ceiling.
	RateLimitFallback time.Duration `mapstructure:"rate_limit_fallback"`
}

// Policy retries an operation according to its classification rules. A Policy
// keeps no state between Do calls and is safe for concurrent use.
type Policy struct {
	cfg    Config
	logger *zap.Logger

	// sleep is a seam for tests; it must honor ctx cancellation.
	sleep func(ctx context.Context, d time.Duration) error
}

// New builds a Policy, filling zero config fields with defaults.
func New(cfg Config, logger *zap.Logger) *Policy {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = DefaultInitialDelay
	}
	if cfg.Multiplier <= 1 {
		cfg.Multiplier = DefaultMultiplier
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultMaxDelay
	}
	if cfg.RateLimitFallback <= 0 {
		cfg.RateLimitFallback = DefaultRateLimitFallback
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Policy{cfg: cfg, logger: logger, sleep: sleepCtx}
}

// Do runs op until it succeeds, fails fatally, or attempts are exhausted.
// name labels the operation in logs. The last error is returned on
// exhaustion; the policy never swallows terminal failure.
func (p *Policy) Do(ctx context.Context, name string, op func(context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < p.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		ce := harvest.Classify(err)
		if ce.Class == harvest.ClassFatal {
			p.logger.Debug("operation failed fatally",
				zap.String("op", name),
				zap.Int("attempt", attempt+1),
				zap.Error(err),
			)
			return err
		}
		if attempt == p.cfg.MaxAttempts-1 {
			break
		}

		delay := p.backoff(ce, attempt)
		p.logger.Info("operation failed, retrying",
			zap.String("op", name),
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", p.cfg.MaxAttempts),
			zap.String("class", string(ce.Class)),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if err := p.sleep(ctx, delay); err != nil {
			return lastErr
		}
	}
	return fmt.Errorf("retries exhausted after %d attempts: %w", p.cfg.MaxAttempts, lastErr)
}

// backoff computes the wait before the next attempt. Rate-limit errors use
// the vendor hint when present, else the long fallback; transient errors use
// capped exponential backoff. attempt is 0-indexed.
func (p *Policy) backoff(ce *harvest.ClassifiedError, attempt int) time.Duration {
	if ce.Class == harvest.ClassRateLimited {
		if ce.RetryAfter > 0 {
			return min(ce.RetryAfter, p.cfg.MaxDelay)
		}
		return p.cfg.RateLimitFallback
	}
	delay := float64(p.cfg.InitialDelay) * math.Pow(p.cfg.Multiplier, float64(attempt))
	if delay > float64(p.cfg.MaxDelay) {
		return p.cfg.MaxDelay
	}
	return time.Duration(delay)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("retry wait: %w", ctx.Err())
	}
}

package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openharvest/harvester/internal/harvest"
)

// fakeSleeper records requested delays without actually sleeping.
type fakeSleeper struct {
	delays []time.Duration
}

func (f *fakeSleeper) sleep(_ context.Context, d time.Duration) error {
	f.delays = append(f.delays, d)
	return nil
}

func newTestPolicy(cfg Config) (*Policy, *fakeSleeper) {
	p := New(cfg, nil)
	fs := &fakeSleeper{}
	p.sleep = fs.sleep
	return p, fs
}

func TestDo_SucceedsFirstAttempt(t *testing.T) {
	t.Parallel()
	p, fs := newTestPolicy(Config{})

	attempts := 0
	err := p.Do(context.Background(), "op", func(context.Context) error {
		attempts++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
	assert.Empty(t, fs.delays)
}

func TestDo_RetriesTransientUntilSuccess(t *testing.T) {
	t.Parallel()
	p, fs := newTestPolicy(Config{MaxAttempts: 5})

	attempts := 0
	err := p.Do(context.Background(), "op", func(context.Context) error {
		attempts++
		if attempts < 3 {
			return harvest.Transient(errors.New("connection reset"))
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Len(t, fs.delays, 2)
}

func TestDo_ExhaustionMakesExactlyMaxAttempts(t *testing.T) {
	t.Parallel()
	p, fs := newTestPolicy(Config{MaxAttempts: 4})

	attempts := 0
	boom := harvest.Transient(errors.New("still down"))
	err := p.Do(context.Background(), "op", func(context.Context) error {
		attempts++
		return boom
	})

	require.Error(t, err)
	assert.Equal(t, 4, attempts)
	assert.Len(t, fs.delays, 3)
	assert.ErrorIs(t, err, boom.Err)
	assert.Contains(t, err.Error(), "retries exhausted")
}

func TestDo_FatalMakesExactlyOneAttempt(t *testing.T) {
	t.Parallel()
	p, fs := newTestPolicy(Config{MaxAttempts: 5})

	attempts := 0
	fatal := harvest.Fatal(errors.New("bad request"))
	err := p.Do(context.Background(), "op", func(context.Context) error {
		attempts++
		return fatal
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.Empty(t, fs.delays)
}

func TestDo_UnclassifiedErrorIsFatal(t *testing.T) {
	t.Parallel()
	p, _ := newTestPolicy(Config{MaxAttempts: 5})

	attempts := 0
	err := p.Do(context.Background(), "op", func(context.Context) error {
		attempts++
		return errors.New("totally unexpected")
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestDo_RateLimitHonorsRetryAfterHint(t *testing.T) {
	t.Parallel()
	p, fs := newTestPolicy(Config{MaxAttempts: 2, MaxDelay: 60 * time.Second})

	attempts := 0
	err := p.Do(context.Background(), "op", func(context.Context) error {
		attempts++
		if attempts == 1 {
			return harvest.RateLimited(10*time.Second, errors.New("throttled"))
		}
		return nil
	})

	require.NoError(t, err)
	require.Len(t, fs.delays, 1)
	assert.Equal(t, 10*time.Second, fs.delays[0])
}

func TestDo_RateLimitHintCappedAtMaxDelay(t *testing.T) {
	t.Parallel()
	p, fs := newTestPolicy(Config{MaxAttempts: 2, MaxDelay: 30 * time.Second})

	attempts := 0
	_ = p.Do(context.Background(), "op", func(context.Context) error {
		attempts++
		if attempts == 1 {
			return harvest.RateLimited(10*time.Minute, errors.New("throttled"))
		}
		return nil
	})

	require.Len(t, fs.delays, 1)
	assert.Equal(t, 30*time.Second, fs.delays[0])
}

func TestDo_RateLimitWithoutHintUsesFallback(t *testing.T) {
	t.Parallel()
	p, fs := newTestPolicy(Config{MaxAttempts: 2, RateLimitFallback: 300 * time.Second})

	attempts := 0
	_ = p.Do(context.Background(), "op", func(context.Context) error {
		attempts++
		if attempts == 1 {
			return harvest.RateLimited(0, errors.New("throttled"))
		}
		return nil
	})

	require.Len(t, fs.delays, 1)
	assert.Equal(t, 300*time.Second, fs.delays[0])
}

func TestDo_ExponentialBackoffGrowsAndCaps(t *testing.T) {
	t.Parallel()
	p, fs := newTestPolicy(Config{
		MaxAttempts:  5,
		InitialDelay: 1 * time.Second,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
	})

	boom := harvest.Transient(errors.New("flaky"))
	_ = p.Do(context.Background(), "op", func(context.Context) error {
		return boom
	})

	// Doubling from the initial delay, capped at MaxDelay; the final attempt
	// has no trailing sleep.
	require.Equal(t, []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		5 * time.Second,
	}, fs.delays)
}

func TestDo_CanceledContextStopsRetrying(t *testing.T) {
	t.Parallel()
	p := New(Config{MaxAttempts: 5, InitialDelay: 10 * time.Millisecond}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	err := p.Do(ctx, "op", func(context.Context) error {
		attempts++
		cancel()
		return harvest.Transient(errors.New("flaky"))
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

// Package runner implements the reusable harvest-job execution loop:
// enumerate items, skip what a prior run completed, process the remainder
// under a bounded worker pool with pacing and retries, and record every
// outcome to the checkpoint and the incremental sink.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openharvest/harvester/internal/checkpoint"
	"github.com/openharvest/harvester/internal/harvest"
	"github.com/openharvest/harvester/internal/progress"
	"github.com/openharvest/harvester/internal/ratelimit"
	"github.com/openharvest/harvester/internal/retry"
	"github.com/openharvest/harvester/internal/sink"
	"github.com/openharvest/harvester/internal/worker"
)

// ProcessFunc handles one item and returns the records it produced plus
// their size in bytes. Returning harvest.ErrSkipItem (possibly wrapped)
// records the item as skipped; any other error records it as failed once
// retries are exhausted.
type ProcessFunc[T any] func(ctx context.Context, item harvest.Item) ([]T, int64, error)

// EnumerateFunc produces the finite, deterministic item sequence for a run.
type EnumerateFunc func(ctx context.Context) ([]harvest.Item, error)

// Runner wires one source's enumerate/process functions to the engine. It
// implements harvest.Job. The Checkpoint and Sink are owned exclusively by
// this runner; the Limiter may be shared with other jobs hitting the same
// vendor.
type Runner[T any] struct {
	JobName   string
	Enumerate EnumerateFunc
	Process   ProcessFunc[T]
	// Category buckets a record for the by_category stats breakdown.
	// Optional.
	Category func(T) string

	Checkpoint *checkpoint.Store
	Sink       *sink.Sink[T]
	Limiter    *ratelimit.Limiter
	Retry      *retry.Policy

	// Workers bounds intra-job concurrency. Values below 1 mean sequential.
	Workers int
	// Params is recorded in the final artifact summary. Optional.
	Params map[string]string

	RunID    uuid.UUID
	Progress progress.Emitter
	Logger   *zap.Logger
}

// Name implements harvest.Job.
func (r *Runner[T]) Name() string {
	return r.JobName
}

// Download runs the job to completion and returns its stats. Item-level
// failures never fail the job; only enumeration errors and result-artifact
// write failures do.
func (r *Runner[T]) Download(ctx context.Context) (harvest.Stats, error) {
	logger := r.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("job", r.JobName))

	if err := r.validate(); err != nil {
		return harvest.Stats{}, err
	}

	if summary := r.Checkpoint.ResumeSummary(); summary != "" {
		logger.Info("checkpoint loaded", zap.String("resume", summary))
	}

	items, err := r.Enumerate(ctx)
	if err != nil {
		return harvest.Stats{}, fmt.Errorf("enumerate items: %w", err)
	}

	pending := make([]harvest.Item, 0, len(items))
	alreadyDone := 0
	for _, item := range items {
		if r.Checkpoint.IsCompleted(item.Key) {
			alreadyDone++
			continue
		}
		pending = append(pending, item)
	}
	if alreadyDone > 0 {
		logger.Info("skipping items completed in a prior run",
			zap.Int("already_completed", alreadyDone),
			zap.Int("pending", len(pending)),
		)
	}

	run := &jobRun[T]{
		runner:  r,
		records: r.Sink.LoadExisting(),
		stats:   harvest.Stats{},
	}

	worker.Run(ctx, r.Workers, pending, run.handleItem)

	r.Checkpoint.Finalize()
	if run.persistErr != nil {
		return run.stats, run.persistErr
	}
	if err := r.Sink.Finalize(run.records, run.stats, r.Params); err != nil {
		return run.stats, fmt.Errorf("finalize results: %w", err)
	}

	logger.Info("job finished",
		zap.Int("success", run.stats.Success),
		zap.Int("failed", run.stats.Failed),
		zap.Int("skipped", run.stats.Skipped),
		zap.Int64("total_size", run.stats.TotalSize),
	)
	return run.stats, nil
}

func (r *Runner[T]) validate() error {
	switch {
	case r.JobName == "":
		return errors.New("runner requires a job name")
	case r.Enumerate == nil:
		return errors.New("runner requires an enumerate func")
	case r.Process == nil:
		return errors.New("runner requires a process func")
	case r.Checkpoint == nil:
		return errors.New("runner requires a checkpoint store")
	case r.Sink == nil:
		return errors.New("runner requires a sink")
	case r.Retry == nil:
		return errors.New("runner requires a retry policy")
	}
	return nil
}

// jobRun holds the mutable state of one Download call. The mutex serializes
// outcome recording and the merged record collection across workers; the
// sink additionally serializes its own rewrites.
type jobRun[T any] struct {
	runner *Runner[T]

	mu         sync.Mutex
	records    []T
	stats      harvest.Stats
	persistErr error
}

func (jr *jobRun[T]) handleItem(ctx context.Context, item harvest.Item) {
	if ctx.Err() != nil {
		return
	}
	r := jr.runner
	start := time.Now()

	records, size, err := jr.processWithRetry(ctx, item)

	jr.mu.Lock()
	outcome := jr.recordOutcomeLocked(item, records, size, err)
	jr.mu.Unlock()

	r.emit(progress.Event{
		RunID:   r.RunID,
		Job:     r.JobName,
		TS:      time.Now().UTC(),
		Stage:   progress.StageItemDone,
		Key:     item.Key,
		Outcome: string(outcome),
		Bytes:   size,
		Dur:     time.Since(start),
	})
}

// recordOutcomeLocked applies one item's result to the checkpoint, sink, and
// stats. The caller holds jr.mu, so the merge-and-rewrite of the shared
// artifact is fully serialized across the job.
func (jr *jobRun[T]) recordOutcomeLocked(item harvest.Item, records []T, size int64, err error) harvest.OutcomeStatus {
	r := jr.runner
	switch {
	case err == nil:
		merged, perr := r.Sink.AppendAndPersist(jr.records, records)
		if perr != nil {
			// Losing harvested results is not acceptable; surface at the job
			// level after the pool drains.
			jr.persistErr = perr
			r.Checkpoint.MarkFailed(item.Key, perr)
			jr.stats.Failed++
			return harvest.OutcomeFailed
		}
		jr.records = merged
		r.Checkpoint.MarkCompleted(item.Key, map[string]any{"records": len(records), "bytes": size})
		jr.stats.Success++
		jr.stats.TotalSize += size
		if r.Category != nil {
			for _, rec := range records {
				if c := r.Category(rec); c != "" {
					if jr.stats.ByCategory == nil {
						jr.stats.ByCategory = make(map[string]int)
					}
					jr.stats.ByCategory[c]++
				}
			}
		}
		return harvest.OutcomeCompleted

	case errors.Is(err, harvest.ErrSkipItem):
		r.Checkpoint.MarkSkipped(item.Key, err.Error())
		jr.stats.Skipped++
		return harvest.OutcomeSkipped

	default:
		r.Checkpoint.MarkFailed(item.Key, err)
		jr.stats.Failed++
		return harvest.OutcomeFailed
	}
}

func (jr *jobRun[T]) processWithRetry(ctx context.Context, item harvest.Item) ([]T, int64, error) {
	r := jr.runner
	var (
		records []T
		size    int64
	)
	err := r.Retry.Do(ctx, r.JobName+"/"+item.Key, func(ctx context.Context) error {
		if r.Limiter != nil {
			if err := r.Limiter.Wait(ctx, r.JobName); err != nil {
				return harvest.Fatal(err)
			}
		}
		recs, n, err := r.Process(ctx, item)
		if err != nil {
			return err
		}
		records, size = recs, n
		return nil
	})
	return records, size, err
}

func (r *Runner[T]) emit(evt progress.Event) {
	if r.Progress == nil {
		return
	}
	r.Progress.Emit(evt)
}

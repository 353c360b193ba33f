// Package orchestrator sequences the configured harvest jobs, isolates
// per-job failures, and aggregates the standardized stats contract into a
// run summary.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openharvest/harvester/internal/harvest"
	"github.com/openharvest/harvester/internal/progress"
)

// Summary consolidates every job's stats for one harvest run.
type Summary struct {
	RunID      string                   `json:"run_id"`
	StartedAt  time.Time                `json:"started_at"`
	FinishedAt time.Time                `json:"finished_at"`
	Jobs       map[string]harvest.Stats `json:"jobs"`
	Errors     map[string]string        `json:"errors,omitempty"`
	Totals     harvest.Stats            `json:"totals"`
}

// Orchestrator runs jobs in priority order. A single source's total failure
// never aborts the overall harvest.
type Orchestrator struct {
	jobs    []harvest.Job
	emitter progress.Emitter
	logger  *zap.Logger
}

// New creates an Orchestrator over an ordered job list. The order is the
// execution order.
func New(jobs []harvest.Job, emitter progress.Emitter, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{jobs: jobs, emitter: emitter, logger: logger}
}

// RunAll executes every job sequentially and returns the consolidated
// summary. Job errors and panics are recorded as failure entries and the run
// continues with the next job.
func (o *Orchestrator) RunAll(ctx context.Context) Summary {
	runID := uuid.New()
	summary := Summary{
		RunID:     runID.String(),
		StartedAt: time.Now().UTC(),
		Jobs:      make(map[string]harvest.Stats, len(o.jobs)),
		Errors:    make(map[string]string),
	}

	for _, job := range o.jobs {
		if ctx.Err() != nil {
			o.logger.Warn("harvest run canceled", zap.Error(ctx.Err()))
			break
		}
		name := job.Name()
		start := time.Now()
		o.emit(progress.Event{
			RunID: runID, Job: name, TS: start.UTC(), Stage: progress.StageJobStart,
		})
		o.logger.Info("starting job", zap.String("job", name))

		stats, err := o.runJob(ctx, job)
		dur := time.Since(start)
		if err != nil {
			o.logger.Error("job failed", zap.String("job", name), zap.Error(err))
			summary.Jobs[name] = harvest.Stats{Failed: 1}
			summary.Errors[name] = err.Error()
			summary.Totals.Failed++
			o.emit(progress.Event{
				RunID: runID, Job: name, TS: time.Now().UTC(),
				Stage: progress.StageJobError, Dur: dur, Note: err.Error(),
			})
			continue
		}

		summary.Jobs[name] = stats
		summary.Totals.Add(stats)
		o.logger.Info("job completed",
			zap.String("job", name),
			zap.Int("success", stats.Success),
			zap.Int("failed", stats.Failed),
			zap.Int("skipped", stats.Skipped),
			zap.Int64("total_size", stats.TotalSize),
			zap.Duration("dur", dur),
		)
		o.emit(progress.Event{
			RunID: runID, Job: name, TS: time.Now().UTC(),
			Stage: progress.StageJobDone, Bytes: stats.TotalSize, Dur: dur,
		})
	}

	summary.FinishedAt = time.Now().UTC()
	o.logger.Info("harvest run finished",
		zap.String("run_id", summary.RunID),
		zap.Int("jobs", len(summary.Jobs)),
		zap.Int("job_errors", len(summary.Errors)),
		zap.Int("success", summary.Totals.Success),
		zap.Int("failed", summary.Totals.Failed),
		zap.Int("skipped", summary.Totals.Skipped),
		zap.Int64("total_size", summary.Totals.TotalSize),
	)
	return summary
}

// runJob isolates one job, converting panics into errors so a misbehaving
// source cannot take down the run.
func (o *Orchestrator) runJob(ctx context.Context, job harvest.Job) (stats harvest.Stats, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return job.Download(ctx)
}

func (o *Orchestrator) emit(evt progress.Event) {
	if o.emitter == nil {
		return
	}
	o.emitter.Emit(evt)
}

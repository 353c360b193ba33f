// Package progress defines the milestone events emitted by harvest jobs and
// the orchestrator, plus the hub that fans them out to sinks.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the milestone an Event represents.
type Stage string

// Supported progress stages.
const (
	StageJobStart Stage = "JOB_START"
	StageJobDone  Stage = "JOB_DONE"
	StageJobError Stage = "JOB_ERROR"
	StageItemDone Stage = "ITEM_DONE"
	StageRateWait Stage = "RATE_WAIT"
)

// Event captures a single component of harvest progress.
type Event struct {
	// RunID identifies the overall orchestrator run.
	RunID uuid.UUID
	// Job names the harvest source emitting the event.
	Job string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which milestone occurred.
	Stage Stage
	// Key is the item key for ITEM_DONE events.
	Key string
	// Outcome is completed/failed/skipped for ITEM_DONE events.
	Outcome string
	// Bytes carries the result size delta for the item.
	Bytes int64
	// Dur captures execution latency, or the introduced delay for RATE_WAIT.
	Dur time.Duration
	// Note lets emitters attach low-volume context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.Job == "" {
		return errors.New("job is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageJobStart, StageJobDone, StageJobError, StageRateWait:
	case StageItemDone:
		if e.Key == "" {
			return errors.New("item done requires key")
		}
		if e.Outcome == "" {
			return errors.New("item done requires outcome")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// Package harvest defines the core types shared by the harvest engine:
// jobs, items, outcomes, and the standardized stats contract every job
// returns to the orchestrator.
package harvest

import "context"

// Item is one logical unit of work within a job. Key must be deterministic
// across runs so resumption recognizes previously-seen items. Attrs carries
// whatever context the job needs to process the item.
type Item struct {
	Key   string
	Attrs map[string]string
}

// Stats is the standardized result contract every job returns. The
// orchestrator relies on this shape alone, decoupling it from any job's
// internals.
type Stats struct {
	Success    int            `json:"success"`
	Failed     int            `json:"failed"`
	Skipped    int            `json:"skipped"`
	TotalSize  int64          `json:"total_size"`
	ByCategory map[string]int `json:"by_category,omitempty"`
}

// Add merges other into s. ByCategory maps are summed per key.
func (s *Stats) Add(other Stats) {
	s.Success += other.Success
	s.Failed += other.Failed
	s.Skipped += other.Skipped
	s.TotalSize += other.TotalSize
	if len(other.ByCategory) > 0 {
		if s.ByCategory == nil {
			s.ByCategory = make(map[string]int, len(other.ByCategory))
		}
		for k, v := range other.ByCategory {
			s.ByCategory[k] += v
		}
	}
}

// Job is a single harvest source. Download runs the source to completion and
// returns its stats; a returned error means the job as a whole failed.
type Job interface {
	Name() string
	Download(ctx context.Context) (Stats, error)
}

// OutcomeStatus is the three-way per-item result classification.
type OutcomeStatus string

// Supported item outcomes.
const (
	OutcomeCompleted OutcomeStatus = "completed"
	OutcomeFailed    OutcomeStatus = "failed"
	OutcomeSkipped   OutcomeStatus = "skipped"
)

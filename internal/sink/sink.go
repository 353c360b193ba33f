// Package sink governs how a job's accumulating result set is persisted:
// load existing, merge with dedup, and atomically rewrite the artifact after
// every unit of work, so an interruption loses at most one unit's results.
package sink

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/openharvest/harvester/internal/harvest"
)

// KeyFunc extracts the domain-specific natural key used for deduplication.
// The natural key (URL, accession number, content hash) may differ from the
// checkpoint item key; concrete jobs document their choice.
type KeyFunc[T any] func(T) string

// Summary is the sibling metadata object written next to the final artifact.
type Summary struct {
	Job         string            `json:"job"`
	HarvestDate time.Time         `json:"harvest_date"`
	TotalCount  int               `json:"total_count"`
	Stats       harvest.Stats     `json:"stats"`
	Params      map[string]string `json:"params,omitempty"`
}

// Sink wraps one job's growing result collection. Rewrites are serialized by
// an internal mutex: concurrent workers queue on AppendAndPersist. A Sink is
// owned exclusively by one job.
type Sink[T any] struct {
	mu     sync.Mutex
	path   string
	job    string
	key    KeyFunc[T]
	logger *zap.Logger
}

// New creates a Sink writing the artifact at path. The parent directory is
// created if needed.
func New[T any](path, job string, key KeyFunc[T], logger *zap.Logger) (*Sink[T], error) {
	if path == "" {
		return nil, fmt.Errorf("sink path is required")
	}
	if key == nil {
		return nil, fmt.Errorf("sink key func is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create sink dir: %w", err)
	}
	return &Sink[T]{path: path, job: job, key: key, logger: logger}, nil
}

// Path returns the artifact location.
func (s *Sink[T]) Path() string {
	return s.path
}

// SummaryPath returns the sibling summary location.
func (s *Sink[T]) SummaryPath() string {
	return strings.TrimSuffix(s.path, ".json") + ".summary.json"
}

// LoadExisting reads whatever a prior, possibly-interrupted, run persisted.
// A missing or unreadable artifact yields an empty collection with a warning
// rather than an error.
func (s *Sink[T]) LoadExisting() []T {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("result artifact unreadable, starting empty",
				zap.String("job", s.job), zap.String("path", s.path), zap.Error(err))
		}
		return nil
	}
	var records []T
	if err := json.Unmarshal(data, &records); err != nil {
		s.logger.Warn("result artifact corrupt, starting empty",
			zap.String("job", s.job), zap.String("path", s.path), zap.Error(err))
		return nil
	}
	return records
}

// AppendAndPersist merges fresh records into existing, deduplicates, and
// atomically rewrites the whole artifact. It returns the merged collection.
// Unlike checkpoint persistence, a write failure here is surfaced: losing
// harvested results is not acceptable.
func (s *Sink[T]) AppendAndPersist(existing, fresh []T) ([]T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	merged := s.dedup(append(existing, fresh...))
	if err := s.persistLocked(merged); err != nil {
		return existing, err
	}
	return merged, nil
}

// Deduplicate removes records sharing a natural key, keeping the first
// occurrence in iteration order. It is idempotent.
func (s *Sink[T]) Deduplicate(records []T) []T {
	return s.dedup(records)
}

// Finalize writes the deduplicated final collection and the sibling summary
// once the job completes.
func (s *Sink[T]) Finalize(records []T, stats harvest.Stats, params map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	final := s.dedup(records)
	if err := s.persistLocked(final); err != nil {
		return err
	}

	sum := Summary{
		Job:         s.job,
		HarvestDate: time.Now().UTC(),
		TotalCount:  len(final),
		Stats:       stats,
		Params:      params,
	}
	data, err := json.MarshalIndent(sum, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	if err := writeAtomic(s.SummaryPath(), data); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	return nil
}

func (s *Sink[T]) dedup(records []T) []T {
	seen := make(map[string]struct{}, len(records))
	out := make([]T, 0, len(records))
	for _, rec := range records {
		k := s.key(rec)
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, rec)
	}
	return out
}

func (s *Sink[T]) persistLocked(records []T) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal results: %w", err)
	}
	if err := writeAtomic(s.path, data); err != nil {
		return fmt.Errorf("write results: %w", err)
	}
	return nil
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// Package checkpoint persists per-job harvest progress so interrupted runs
// can resume without reprocessing completed items. The durable record is a
// single JSON file per job, written atomically and kept human-inspectable for
// operational debugging.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Stats counts per-item outcomes. Processed counts distinct keys that were
// attempted (completed, failed, or skipped); a retried failure that later
// completes is not double-counted.
type Stats struct {
	Processed int `json:"processed"`
	Success   int `json:"success"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// ErrorEntry records diagnostics for a failed item.
type ErrorEntry struct {
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// Record is the durable checkpoint format. The three key sets are disjoint at
// all times.
type Record struct {
	Job       string                    `json:"job"`
	CreatedAt time.Time                 `json:"created_at"`
	UpdatedAt time.Time                 `json:"updated_at"`
	Completed []string                  `json:"completed"`
	Failed    []string                  `json:"failed"`
	Skipped   []string                  `json:"skipped"`
	Stats     Stats                     `json:"stats"`
	Metadata  map[string]map[string]any `json:"metadata,omitempty"`
	ErrorLog  map[string]ErrorEntry     `json:"error_log,omitempty"`
}

// Config controls checkpoint persistence.
type Config struct {
	// Dir is the directory holding one checkpoint file per job.
	Dir string `mapstructure:"dir"`
	// SaveEvery flushes the record to disk after this many marks. Zero
	// disables auto-save; Save/Finalize still persist explicitly.
	SaveEvery int `mapstructure:"save_every"`
}

// Store is the in-memory working copy of one job's checkpoint. All methods
// are safe for concurrent use; the read-modify-write per key is serialized by
// a single mutex so the three sets stay disjoint and the counters stay
// correct. A Store is owned exclusively by one job.
type Store struct {
	mu        sync.Mutex
	path      string
	job       string
	saveEvery int
	unsaved   int
	resumed   bool
	createdAt time.Time
	updatedAt time.Time
	completed map[string]struct{}
	failed    map[string]struct{}
	skipped   map[string]struct{}
	stats     Stats
	metadata  map[string]map[string]any
	errorLog  map[string]ErrorEntry
	logger    *zap.Logger
}

// Open loads the checkpoint for job from cfg.Dir, creating a fresh record if
// none exists. An unreadable or corrupt file degrades to a fresh record with
// a warning rather than failing the job: checkpoint loss means reprocessing,
// not crashing.
func Open(cfg Config, job string, logger *zap.Logger) (*Store, error) {
	if job == "" {
		return nil, fmt.Errorf("checkpoint job name is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}

	s := &Store{
		path:      filepath.Join(cfg.Dir, job+".checkpoint.json"),
		job:       job,
		saveEvery: cfg.SaveEvery,
		createdAt: time.Now().UTC(),
		completed: make(map[string]struct{}),
		failed:    make(map[string]struct{}),
		skipped:   make(map[string]struct{}),
		metadata:  make(map[string]map[string]any),
		errorLog:  make(map[string]ErrorEntry),
		logger:    logger,
	}
	s.load()
	return s, nil
}

func (s *Store) load() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("checkpoint unreadable, starting fresh",
				zap.String("job", s.job), zap.String("path", s.path), zap.Error(err))
		}
		return
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		s.logger.Warn("checkpoint corrupt, starting fresh",
			zap.String("job", s.job), zap.String("path", s.path), zap.Error(err))
		return
	}

	for _, k := range rec.Completed {
		s.completed[k] = struct{}{}
	}
	for _, k := range rec.Failed {
		s.failed[k] = struct{}{}
	}
	for _, k := range rec.Skipped {
		s.skipped[k] = struct{}{}
	}
	if rec.Metadata != nil {
		s.metadata = rec.Metadata
	}
	if rec.ErrorLog != nil {
		s.errorLog = rec.ErrorLog
	}
	s.stats = rec.Stats
	if !rec.CreatedAt.IsZero() {
		s.createdAt = rec.CreatedAt
	}
	s.updatedAt = rec.UpdatedAt
	s.resumed = len(s.completed)+len(s.failed)+len(s.skipped) > 0
}

// Path returns the durable file location.
func (s *Store) Path() string {
	return s.path
}

// IsCompleted reports whether key already completed in this or a prior run.
func (s *Store) IsCompleted(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.completed[key]
	return ok
}

// IsFailed reports whether key is currently recorded as failed.
func (s *Store) IsFailed(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.failed[key]
	return ok
}

// IsSkipped reports whether key is currently recorded as skipped.
func (s *Store) IsSkipped(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.skipped[key]
	return ok
}

// MarkCompleted records key as completed. Marking an already-completed key
// only merges metadata and never double-counts. A previously failed or
// skipped key transitions here, leaving the other sets.
func (s *Store) MarkCompleted(key string, meta map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, done := s.completed[key]; done {
		s.mergeMetaLocked(key, meta)
		return
	}
	switch {
	case s.removeLocked(s.failed, key):
		s.stats.Failed--
		delete(s.errorLog, key)
	case s.removeLocked(s.skipped, key):
		s.stats.Skipped--
	default:
		s.stats.Processed++
	}
	s.completed[key] = struct{}{}
	s.stats.Success++
	s.mergeMetaLocked(key, meta)
	s.touchLocked()
}

// MarkFailed records key as failed with diagnostics. Completed keys are left
// untouched; re-marking a failed key only refreshes the error log.
func (s *Store) MarkFailed(key string, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, done := s.completed[key]; done {
		return
	}
	text := ""
	if cause != nil {
		text = cause.Error()
	}
	if _, already := s.failed[key]; !already {
		if s.removeLocked(s.skipped, key) {
			s.stats.Skipped--
		} else {
			s.stats.Processed++
		}
		s.failed[key] = struct{}{}
		s.stats.Failed++
	}
	s.errorLog[key] = ErrorEntry{Error: text, Timestamp: time.Now().UTC()}
	s.touchLocked()
}

// MarkSkipped records key as intentionally not attempted.
func (s *Store) MarkSkipped(key, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, done := s.completed[key]; done {
		return
	}
	if _, already := s.skipped[key]; already {
		return
	}
	if s.removeLocked(s.failed, key) {
		s.stats.Failed--
		delete(s.errorLog, key)
	} else {
		s.stats.Processed++
	}
	s.skipped[key] = struct{}{}
	s.stats.Skipped++
	if reason != "" {
		s.mergeMetaLocked(key, map[string]any{"skip_reason": reason})
	}
	s.touchLocked()
}

// Save persists the full record durably. Write failures are logged, not
// returned: losing a checkpoint degrades to reprocessing.
func (s *Store) Save() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveLocked()
}

// Finalize flushes the record unconditionally at job end.
func (s *Store) Finalize() {
	s.Save()
}

// ResumeSummary describes prior progress when a non-empty checkpoint was
// loaded, or returns the empty string for a fresh job.
func (s *Store) ResumeSummary() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.resumed {
		return ""
	}
	return fmt.Sprintf("resuming %s: %d completed, %d failed, %d skipped (last update %s)",
		s.job, len(s.completed), len(s.failed), len(s.skipped),
		s.updatedAt.Format(time.RFC3339))
}

// Stats returns a copy of the current counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Snapshot returns a copy of the full record for reporting.
func (s *Store) Snapshot() Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recordLocked()
}

// Reset clears all in-memory state and removes the durable record, for
// explicit non-resumed restarts.
func (s *Store) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.completed = make(map[string]struct{})
	s.failed = make(map[string]struct{})
	s.skipped = make(map[string]struct{})
	s.metadata = make(map[string]map[string]any)
	s.errorLog = make(map[string]ErrorEntry)
	s.stats = Stats{}
	s.resumed = false
	s.unsaved = 0
	s.createdAt = time.Now().UTC()
	s.updatedAt = time.Time{}

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove checkpoint: %w", err)
	}
	return nil
}

func (s *Store) removeLocked(set map[string]struct{}, key string) bool {
	if _, ok := set[key]; !ok {
		return false
	}
	delete(set, key)
	return true
}

func (s *Store) mergeMetaLocked(key string, meta map[string]any) {
	if len(meta) == 0 {
		return
	}
	existing := s.metadata[key]
	if existing == nil {
		existing = make(map[string]any, len(meta))
		s.metadata[key] = existing
	}
	for k, v := range meta {
		existing[k] = v
	}
}

func (s *Store) touchLocked() {
	s.updatedAt = time.Now().UTC()
	s.unsaved++
	if s.saveEvery > 0 && s.unsaved >= s.saveEvery {
		s.saveLocked()
	}
}

func (s *Store) saveLocked() {
	rec := s.recordLocked()
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		s.logger.Warn("checkpoint marshal failed", zap.String("job", s.job), zap.Error(err))
		return
	}
	if err := writeAtomic(s.path, data); err != nil {
		s.logger.Warn("checkpoint save failed",
			zap.String("job", s.job), zap.String("path", s.path), zap.Error(err))
		return
	}
	s.unsaved = 0
}

func (s *Store) recordLocked() Record {
	rec := Record{
		Job:       s.job,
		CreatedAt: s.createdAt,
		UpdatedAt: s.updatedAt,
		Completed: sortedKeys(s.completed),
		Failed:    sortedKeys(s.failed),
		Skipped:   sortedKeys(s.skipped),
		Stats:     s.stats,
	}
	if len(s.metadata) > 0 {
		rec.Metadata = make(map[string]map[string]any, len(s.metadata))
		for k, v := range s.metadata {
			rec.Metadata[k] = v
		}
	}
	if len(s.errorLog) > 0 {
		rec.ErrorLog = make(map[string]ErrorEntry, len(s.errorLog))
		for k, v := range s.errorLog {
			rec.ErrorLog[k] = v
		}
	}
	return rec
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// writeAtomic writes data to path via a temp file and rename so readers never
// observe a partial record.
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

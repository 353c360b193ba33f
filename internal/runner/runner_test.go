package runner_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openharvest/harvester/internal/checkpoint"
	"github.com/openharvest/harvester/internal/harvest"
	"github.com/openharvest/harvester/internal/retry"
	"github.com/openharvest/harvester/internal/runner"
	"github.com/openharvest/harvester/internal/sink"
)

type doc struct {
	URL      string `json:"url"`
	Category string `json:"category"`
}

// fakeSource counts process calls per key and fails the keys listed in fail.
type fakeSource struct {
	mu    sync.Mutex
	calls map[string]int
	fail  map[string]error
}

func newFakeSource() *fakeSource {
	return &fakeSource{calls: make(map[string]int), fail: make(map[string]error)}
}

func (f *fakeSource) process(_ context.Context, item harvest.Item) ([]doc, int64, error) {
	f.mu.Lock()
	f.calls[item.Key]++
	err := f.fail[item.Key]
	f.mu.Unlock()
	if err != nil {
		return nil, 0, err
	}
	return []doc{{URL: "https://example.com/" + item.Key, Category: "news"}}, 100, nil
}

func (f *fakeSource) callCount(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}

func items(keys ...string) []harvest.Item {
	out := make([]harvest.Item, 0, len(keys))
	for _, k := range keys {
		out = append(out, harvest.Item{Key: k})
	}
	return out
}

func newRunner(t *testing.T, dir string, src *fakeSource, keys ...string) *runner.Runner[doc] {
	t.Helper()
	store, err := checkpoint.Open(checkpoint.Config{Dir: dir, SaveEvery: 1}, "news", nil)
	require.NoError(t, err)
	resultSink, err := sink.New(
		filepath.Join(dir, "news.json"),
		"news",
		func(d doc) string { return d.URL },
		nil,
	)
	require.NoError(t, err)
	return &runner.Runner[doc]{
		JobName: "news",
		Enumerate: func(context.Context) ([]harvest.Item, error) {
			return items(keys...), nil
		},
		Process:    src.process,
		Category:   func(d doc) string { return d.Category },
		Checkpoint: store,
		Sink:       resultSink,
		Retry:      retry.New(retry.Config{MaxAttempts: 1}, nil),
		Workers:    2,
	}
}

func TestDownload_HappyPath(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	src := newFakeSource()

	r := newRunner(t, dir, src, "a", "b", "c")
	stats, err := r.Download(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, stats.Success)
	assert.Equal(t, 0, stats.Failed)
	assert.Equal(t, int64(300), stats.TotalSize)
	assert.Equal(t, map[string]int{"news": 3}, stats.ByCategory)

	data, err := os.ReadFile(filepath.Join(dir, "news.json"))
	require.NoError(t, err)
	var persisted []doc
	require.NoError(t, json.Unmarshal(data, &persisted))
	assert.Len(t, persisted, 3)

	require.FileExists(t, filepath.Join(dir, "news.summary.json"))
}

func TestDownload_ItemFailureDoesNotFailJob(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	src := newFakeSource()
	src.fail["b"] = errors.New("vendor 500")

	r := newRunner(t, dir, src, "a", "b", "c")
	stats, err := r.Download(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, stats.Success)
	assert.Equal(t, 1, stats.Failed)
}

func TestDownload_SkipSentinel(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	src := newFakeSource()
	src.fail["b"] = fmt.Errorf("no ticker mapping: %w", harvest.ErrSkipItem)

	r := newRunner(t, dir, src, "a", "b")
	stats, err := r.Download(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Success)
	assert.Equal(t, 0, stats.Failed)
	assert.Equal(t, 1, stats.Skipped)
}

func TestDownload_ResumeSkipsCompletedKeys(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	// First run: b fails, a and c complete.
	src := newFakeSource()
	src.fail["b"] = errors.New("vendor 500")
	first := newRunner(t, dir, src, "a", "b", "c")
	_, err := first.Download(context.Background())
	require.NoError(t, err)

	// Second run with the same inputs: only b is reprocessed, and it now
	// succeeds. No duplicate calls for completed keys.
	src.mu.Lock()
	delete(src.fail, "b")
	src.mu.Unlock()
	second := newRunner(t, dir, src, "a", "b", "c")
	stats, err := second.Download(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, src.callCount("a"))
	assert.Equal(t, 1, src.callCount("c"))
	assert.Equal(t, 2, src.callCount("b"))
	assert.Equal(t, 1, stats.Success)

	// The final artifact holds all three results exactly once.
	data, err := os.ReadFile(filepath.Join(dir, "news.json"))
	require.NoError(t, err)
	var persisted []doc
	require.NoError(t, json.Unmarshal(data, &persisted))
	assert.Len(t, persisted, 3)
}

func TestDownload_InterruptedRunMatchesUninterrupted(t *testing.T) {
	t.Parallel()
	dirA := t.TempDir()
	dirB := t.TempDir()
	keys := []string{"a", "b", "c", "d", "e"}

	// Uninterrupted baseline.
	baseSrc := newFakeSource()
	base := newRunner(t, dirA, baseSrc, keys...)
	_, err := base.Download(context.Background())
	require.NoError(t, err)

	// Interrupted run: cancel after the first couple of items, then rerun.
	intSrc := newFakeSource()
	ctx, cancel := context.WithCancel(context.Background())
	interrupted := newRunner(t, dirB, intSrc, keys...)
	interrupted.Workers = 1
	origProcess := interrupted.Process
	processed := 0
	interrupted.Process = func(ctx context.Context, item harvest.Item) ([]doc, int64, error) {
		processed++
		if processed == 3 {
			cancel()
		}
		return origProcess(ctx, item)
	}
	_, _ = interrupted.Download(ctx)

	rerun := newRunner(t, dirB, intSrc, keys...)
	_, err = rerun.Download(context.Background())
	require.NoError(t, err)

	// Both paths end with the identical completed set and artifact size.
	for _, k := range keys {
		assert.Equal(t, 1, intSrc.callCount(k), "key %s processed more than once", k)
	}
	readDocs := func(dir string) []doc {
		data, err := os.ReadFile(filepath.Join(dir, "news.json"))
		require.NoError(t, err)
		var out []doc
		require.NoError(t, json.Unmarshal(data, &out))
		return out
	}
	assert.ElementsMatch(t, readDocs(dirA), readDocs(dirB))
}

func TestDownload_EnumerateErrorFailsJob(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	src := newFakeSource()

	r := newRunner(t, dir, src, "a")
	r.Enumerate = func(context.Context) ([]harvest.Item, error) {
		return nil, errors.New("bad credentials")
	}

	_, err := r.Download(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "enumerate items")
}

func TestDownload_PersistsAfterEachItem(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	src := newFakeSource()

	// Crash (cancel) after the second item: exactly two results must be on
	// disk, not zero and not all four.
	ctx, cancel := context.WithCancel(context.Background())
	r := newRunner(t, dir, src, "a", "b", "c", "d")
	r.Workers = 1
	origProcess := r.Process
	processed := 0
	r.Process = func(ctx context.Context, item harvest.Item) ([]doc, int64, error) {
		out, n, err := origProcess(ctx, item)
		processed++
		if processed == 2 {
			defer cancel()
		}
		return out, n, err
	}
	_, _ = r.Download(ctx)

	data, err := os.ReadFile(filepath.Join(dir, "news.json"))
	require.NoError(t, err)
	var persisted []doc
	require.NoError(t, json.Unmarshal(data, &persisted))
	assert.Len(t, persisted, 2)
}

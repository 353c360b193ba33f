package sink_test

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openharvest/harvester/internal/harvest"
	"github.com/openharvest/harvester/internal/sink"
)

type filing struct {
	Accession string `json:"accession"`
	Company   string `json:"company"`
}

func newSink(t *testing.T, dir string) *sink.Sink[filing] {
	t.Helper()
	s, err := sink.New(
		filepath.Join(dir, "filings.json"),
		"filings",
		func(f filing) string { return f.Accession },
		nil,
	)
	require.NoError(t, err)
	return s
}

func TestLoadExisting_MissingFile(t *testing.T) {
	t.Parallel()
	s := newSink(t, t.TempDir())
	assert.Empty(t, s.LoadExisting())
}

func TestLoadExisting_CorruptFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	s := newSink(t, dir)
	require.NoError(t, os.WriteFile(s.Path(), []byte("not json"), 0o600))
	assert.Empty(t, s.LoadExisting())
}

func TestAppendAndPersist_WritesAfterEveryUnit(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	s := newSink(t, dir)

	var records []filing
	// Simulate processing units 1..3 with a crash after each: the artifact on
	// disk must always hold exactly the units persisted so far.
	for i := 1; i <= 3; i++ {
		var err error
		records, err = s.AppendAndPersist(records, []filing{{Accession: fmt.Sprintf("acc-%d", i), Company: "ACME"}})
		require.NoError(t, err)

		data, err := os.ReadFile(s.Path())
		require.NoError(t, err)
		var onDisk []filing
		require.NoError(t, json.Unmarshal(data, &onDisk))
		assert.Len(t, onDisk, i)
	}
}

func TestAppendAndPersist_SurvivesReload(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s := newSink(t, dir)
	_, err := s.AppendAndPersist(nil, []filing{{Accession: "acc-1"}, {Accession: "acc-2"}})
	require.NoError(t, err)

	// A new sink (fresh run) picks up where the interrupted one stopped.
	resumed := newSink(t, dir)
	existing := resumed.LoadExisting()
	require.Len(t, existing, 2)

	merged, err := resumed.AppendAndPersist(existing, []filing{{Accession: "acc-3"}})
	require.NoError(t, err)
	assert.Len(t, merged, 3)
}

func TestDeduplicate_StableKeepFirst(t *testing.T) {
	t.Parallel()
	s := newSink(t, t.TempDir())

	in := []filing{
		{Accession: "a", Company: "first"},
		{Accession: "b", Company: "b co"},
		{Accession: "a", Company: "second"},
		{Accession: "c", Company: "c co"},
		{Accession: "b", Company: "dup"},
	}
	out := s.Deduplicate(in)

	require.Len(t, out, 3)
	assert.Equal(t, "a", out[0].Accession)
	assert.Equal(t, "first", out[0].Company)
	assert.Equal(t, "b", out[1].Accession)
	assert.Equal(t, "c", out[2].Accession)
}

func TestDeduplicate_Idempotent(t *testing.T) {
	t.Parallel()
	s := newSink(t, t.TempDir())

	in := []filing{
		{Accession: "a"}, {Accession: "a"}, {Accession: "b"}, {Accession: "a"},
	}
	once := s.Deduplicate(in)
	twice := s.Deduplicate(once)
	assert.Equal(t, once, twice)
}

func TestAppendAndPersist_DeduplicatesAcrossRuns(t *testing.T) {
	t.Parallel()
	s := newSink(t, t.TempDir())

	merged, err := s.AppendAndPersist(nil, []filing{{Accession: "a"}, {Accession: "b"}})
	require.NoError(t, err)
	// The same item reprocessed must not duplicate its records.
	merged, err = s.AppendAndPersist(merged, []filing{{Accession: "a"}})
	require.NoError(t, err)
	assert.Len(t, merged, 2)
}

func TestFinalize_WritesSummary(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	s := newSink(t, dir)

	records := []filing{{Accession: "a"}, {Accession: "b"}}
	stats := harvest.Stats{Success: 2, TotalSize: 512, ByCategory: map[string]int{"filings": 2}}
	require.NoError(t, s.Finalize(records, stats, map[string]string{"form": "10-K"}))

	data, err := os.ReadFile(s.SummaryPath())
	require.NoError(t, err)

	var sum sink.Summary
	require.NoError(t, json.Unmarshal(data, &sum))
	assert.Equal(t, "filings", sum.Job)
	assert.Equal(t, 2, sum.TotalCount)
	assert.Equal(t, stats, sum.Stats)
	assert.Equal(t, "10-K", sum.Params["form"])
	assert.False(t, sum.HarvestDate.IsZero())
}

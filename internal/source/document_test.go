package source_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openharvest/harvester/internal/source"
)

func TestMapDocuments_ArrayPayload(t *testing.T) {
	t.Parallel()
	body := []byte(`[{"id": 1, "title": "a"}, {"id": 2, "title": "b"}]`)
	now := time.Now().UTC()

	docs, err := source.MapDocuments("uspto", "patents", "https://api.example.com/grants", body, now)
	require.NoError(t, err)
	require.Len(t, docs, 2)

	assert.Equal(t, "uspto", docs[0].Source)
	assert.Equal(t, "patents", docs[0].Category)
	assert.Equal(t, "https://api.example.com/grants#1", docs[0].Key)
	assert.Equal(t, "https://api.example.com/grants#2", docs[1].Key)
	assert.JSONEq(t, `{"id": 1, "title": "a"}`, string(docs[0].Payload))
	assert.Equal(t, now, docs[0].FetchedAt)
}

func TestMapDocuments_ObjectPayload(t *testing.T) {
	t.Parallel()
	body := []byte(`{"total": 9, "page": 1}`)

	docs, err := source.MapDocuments("edgar", "filings", "https://api.example.com/filings", body, time.Now())
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "https://api.example.com/filings", docs[0].Key)
	assert.JSONEq(t, string(body), string(docs[0].Payload))
}

func TestMapDocuments_KeyPrefersPayloadURL(t *testing.T) {
	t.Parallel()
	body := []byte(`[{"url": "https://example.com/item/42"}, {"title": "no identity"}]`)

	docs, err := source.MapDocuments("news", "news", "https://api.example.com/feed", body, time.Now())
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "https://example.com/item/42", docs[0].Key)
	// No id or url: fall back to the positional key.
	assert.Equal(t, "https://api.example.com/feed#1", docs[1].Key)
}

func TestMapDocuments_StringIDs(t *testing.T) {
	t.Parallel()
	body := []byte(`[{"id": "US-1234-A1"}]`)

	docs, err := source.MapDocuments("uspto", "patents", "https://api.example.com/grants", body, time.Now())
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "https://api.example.com/grants#US-1234-A1", docs[0].Key)
}

func TestMapDocuments_InvalidJSON(t *testing.T) {
	t.Parallel()
	_, err := source.MapDocuments("news", "news", "https://api.example.com/feed", []byte("<html>"), time.Now())
	require.Error(t, err)
}

func TestNaturalKey_StableAcrossRuns(t *testing.T) {
	t.Parallel()
	body := []byte(`[{"id": 7}]`)

	first, err := source.MapDocuments("uspto", "patents", "https://api.example.com/grants", body, time.Now())
	require.NoError(t, err)
	second, err := source.MapDocuments("uspto", "patents", "https://api.example.com/grants", body, time.Now().Add(time.Hour))
	require.NoError(t, err)

	assert.Equal(t, first[0].NaturalKey(), second[0].NaturalKey())
}

package source

import (
	"encoding/json"
	"fmt"
	"time"
)

// Document is the result record produced by endpoint harvest jobs. The
// natural key for deduplication is NaturalKey: the payload's own "id" or
// "url" field when present, else the endpoint URL (suffixed with the element
// index for array payloads).
type Document struct {
	Source    string          `json:"source"`
	Endpoint  string          `json:"endpoint"`
	Key       string          `json:"key"`
	Category  string          `json:"category,omitempty"`
	FetchedAt time.Time       `json:"fetched_at"`
	Payload   json.RawMessage `json:"payload"`
}

// NaturalKey returns the dedup identity for the document.
func (d Document) NaturalKey() string {
	return d.Key
}

// MapDocuments converts a raw JSON response into result records. An array
// payload yields one document per element; anything else yields a single
// document for the whole body.
func MapDocuments(sourceName, category, endpoint string, body []byte, fetchedAt time.Time) ([]Document, error) {
	var elems []json.RawMessage
	if err := json.Unmarshal(body, &elems); err == nil {
		docs := make([]Document, 0, len(elems))
		for i, elem := range elems {
			docs = append(docs, Document{
				Source:    sourceName,
				Endpoint:  endpoint,
				Key:       elementKey(endpoint, elem, i),
				Category:  category,
				FetchedAt: fetchedAt,
				Payload:   elem,
			})
		}
		return docs, nil
	}

	if !json.Valid(body) {
		return nil, fmt.Errorf("response is not valid JSON")
	}
	return []Document{{
		Source:    sourceName,
		Endpoint:  endpoint,
		Key:       elementKey(endpoint, body, -1),
		Category:  category,
		FetchedAt: fetchedAt,
		Payload:   json.RawMessage(body),
	}}, nil
}

// elementKey prefers a stable identifier from the payload itself over the
// positional fallback.
func elementKey(endpoint string, elem json.RawMessage, index int) string {
	var fields struct {
		ID  any    `json:"id"`
		URL string `json:"url"`
	}
	if err := json.Unmarshal(elem, &fields); err == nil {
		if fields.ID != nil {
			return fmt.Sprintf("%s#%v", endpoint, fields.ID)
		}
		if fields.URL != "" {
			return fields.URL
		}
	}
	if index < 0 {
		return endpoint
	}
	return fmt.Sprintf("%s#%d", endpoint, index)
}

// Package search indexes published records and answers tenant-scoped
// full-text queries, through Meilisearch when it is reachable and Postgres
// full-text search otherwise.
package search

import (
	"context"
	"strings"

	"facilityops/api/internal/workflow"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Kind    workflow.Kind `json:"kind"`
	ID      string        `json:"id"`
	Title   string        `json:"title"`
	Snippet string        `json:"snippet"`
}

// Query describes a search request. TenantID is mandatory.
type Query struct {
	TenantID string
	Text     string
	Kind     workflow.Kind // empty = all kinds
	Limit    int
	Offset   int
}

func (q Query) limit() int {
	if q.Limit <= 0 || q.Limit > 100 {
		return 20
	}
	return q.Limit
}

func (q Query) offset() int {
	if q.Offset < 0 {
		return 0
	}
	return q.Offset
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Document is the indexed form of a published record.
type Document struct {
	DocID    string `json:"id"`
	Kind     string `json:"kind"`
	TenantID string `json:"tenantId"`
	RecordID string `json:"recordId"`
	Title    string `json:"title"`
	Body     string `json:"body"`
}

// DocID builds an index key from the compound record key. Meilisearch ids
// only allow letters, digits, '-' and '_'.
func DocID(key workflow.Key) string {
	clean := func(s string) string {
		return strings.Map(func(r rune) rune {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
				return r
			default:
				return '_'
			}
		}, s)
	}
	return clean(string(key.Kind)) + "__" + clean(key.TenantID) + "__" + clean(key.ID)
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push published records into a search index.
type Indexer interface {
	Healthy() bool
	IndexDocuments(docs []Document) error
	DeleteDocument(docID string) error
}

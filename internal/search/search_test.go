package search

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	meili "github.com/meilisearch/meilisearch-go"
	"go.uber.org/zap"

	"facilityops/api/internal/workflow"
)

type fakeSearcher struct {
	healthy bool
	results []Result
	err     error
	calls   int
	last    Query
}

func (f *fakeSearcher) Healthy() bool { return f.healthy }

func (f *fakeSearcher) Search(_ context.Context, q Query) ([]Result, int, error) {
	f.calls++
	f.last = q
	return f.results, len(f.results), f.err
}

type fakeIndex struct {
	healthy bool
	err     error
	indexed []Document
	deleted []string
}

func (f *fakeIndex) Healthy() bool { return f.healthy }

func (f *fakeIndex) IndexDocuments(docs []Document) error {
	if f.err != nil {
		return f.err
	}
	f.indexed = append(f.indexed, docs...)
	return nil
}

func (f *fakeIndex) DeleteDocument(id string) error {
	if f.err != nil {
		return f.err
	}
	f.deleted = append(f.deleted, id)
	return nil
}

type fakeLoader struct{ docs []Document }

func (f fakeLoader) LoadAllDocuments(context.Context) ([]Document, error) { return f.docs, nil }

func TestSearchPrefersHealthyPrimary(t *testing.T) {
	primary := &fakeSearcher{healthy: true, results: []Result{{ID: "m"}}}
	fallback := &fakeSearcher{healthy: true, results: []Result{{ID: "p"}}}
	svc := &Service{primary: primary, fallback: fallback, log: zap.NewNop()}

	resp := svc.Search(context.Background(), Query{TenantID: "t1", Text: "  leak  "})
	if len(resp.Results) != 1 || resp.Results[0].ID != "m" || fallback.calls != 0 {
		t.Fatalf("expected primary result, got %+v", resp)
	}
	if resp.Query != "leak" || primary.last.Text != "leak" {
		t.Fatalf("query text should be trimmed, got %q", resp.Query)
	}
}

func TestSearchFallsBack(t *testing.T) {
	fallback := &fakeSearcher{healthy: true, results: []Result{{ID: "p"}}}

	broken := &Service{primary: &fakeSearcher{healthy: true, err: errors.New("boom")}, fallback: fallback, log: zap.NewNop()}
	if resp := broken.Search(context.Background(), Query{TenantID: "t1", Text: "leak"}); resp.Results[0].ID != "p" {
		t.Fatalf("expected fallback after primary error, got %+v", resp)
	}

	down := &Service{primary: &fakeSearcher{healthy: false}, fallback: fallback, log: zap.NewNop()}
	if resp := down.Search(context.Background(), Query{TenantID: "t1", Text: "leak"}); resp.Results[0].ID != "p" {
		t.Fatalf("expected fallback for unhealthy primary, got %+v", resp)
	}
}

func TestSearchNeverReturnsNilResults(t *testing.T) {
	svc := &Service{fallback: &fakeSearcher{err: errors.New("db down")}, log: zap.NewNop()}
	resp := svc.Search(context.Background(), Query{TenantID: "t1", Text: "x"})
	if resp.Results == nil || resp.Total != 0 {
		t.Fatalf("expected empty non-nil results, got %+v", resp)
	}
}

func TestObserveIndexesPublishedAndDropsDeleted(t *testing.T) {
	idx := &fakeIndex{healthy: true}
	svc := &Service{index: idx, log: zap.NewNop()}
	key := workflow.Key{Kind: "group", TenantID: "plant 7", ID: "g/1"}
	content, _ := json.Marshal(map[string]string{"name": "Night shift", "description": "Boiler room"})

	for _, typ := range []workflow.EventType{workflow.EventUpdated, workflow.EventPublished, workflow.EventDeleted} {
		if err := svc.Observe(context.Background(), workflow.Event{Type: typ, Key: key, Content: content}); err != nil {
			t.Fatalf("observe %s: %v", typ, err)
		}
	}
	if len(idx.indexed) != 1 {
		t.Fatalf("expected one indexed document, got %d", len(idx.indexed))
	}
	doc := idx.indexed[0]
	if doc.DocID != "group__plant_7__g_1" || doc.Title != "Night shift" || doc.TenantID != "plant 7" || doc.RecordID != "g/1" {
		t.Fatalf("unexpected document %+v", doc)
	}
	if len(idx.deleted) != 1 || idx.deleted[0] != doc.DocID {
		t.Fatalf("unexpected deletions %v", idx.deleted)
	}
}

func TestResyncReplaysChangesMissedDuringOutage(t *testing.T) {
	idx := &fakeIndex{healthy: false}
	svc := &Service{index: idx, loader: fakeLoader{docs: []Document{{DocID: "notice__t1__n2"}}}, log: zap.NewNop()}
	ctx := context.Background()
	published := workflow.Key{Kind: "notice", TenantID: "t1", ID: "n2"}
	removed := workflow.Key{Kind: "notice", TenantID: "t1", ID: "n1"}
	content, _ := json.Marshal(map[string]string{"title": "Water outage", "body": "Floors 2-4"})

	if err := svc.Observe(ctx, workflow.Event{Type: workflow.EventPublished, Key: published, Content: content}); err != nil {
		t.Fatalf("observe publish: %v", err)
	}
	if err := svc.Observe(ctx, workflow.Event{Type: workflow.EventDeleted, Key: removed}); err != nil {
		t.Fatalf("observe delete: %v", err)
	}
	if len(idx.indexed) != 0 || len(idx.deleted) != 0 {
		t.Fatalf("nothing should reach an unhealthy index, got %v / %v", idx.indexed, idx.deleted)
	}

	svc.Resync(ctx)
	if len(idx.indexed) != 0 {
		t.Fatal("resync must wait for the index to recover")
	}

	idx.healthy = true
	svc.Resync(ctx)
	if len(idx.deleted) != 1 || idx.deleted[0] != DocID(removed) {
		t.Fatalf("expected queued deletion replayed, got %v", idx.deleted)
	}
	// One replayed publication plus one reindexed document.
	if len(idx.indexed) != 2 || idx.indexed[0].Title != "Water outage" {
		t.Fatalf("unexpected indexed documents %+v", idx.indexed)
	}
	if len(svc.pending) != 0 {
		t.Fatalf("expected queue drained, got %v", svc.pending)
	}
}

func TestObserveQueuesFailedIndexWrites(t *testing.T) {
	idx := &fakeIndex{healthy: true, err: errors.New("timeout")}
	svc := &Service{index: idx, log: zap.NewNop()}
	key := workflow.Key{Kind: "role", TenantID: "t1", ID: "r1"}

	if err := svc.Observe(context.Background(), workflow.Event{Type: workflow.EventDeleted, Key: key}); err == nil {
		t.Fatal("expected index error to surface")
	}
	idx.err = nil
	svc.Resync(context.Background())
	if len(idx.deleted) != 1 || idx.deleted[0] != DocID(key) {
		t.Fatalf("expected deletion retried, got %v", idx.deleted)
	}
}

func TestReindexAll(t *testing.T) {
	idx := &fakeIndex{healthy: true}
	svc := &Service{index: idx, loader: fakeLoader{docs: []Document{{DocID: "a"}, {DocID: "b"}}}, log: zap.NewNop()}
	svc.ReindexAll(context.Background())
	if len(idx.indexed) != 2 {
		t.Fatalf("expected 2 documents reindexed, got %d", len(idx.indexed))
	}
}

func TestFilterAlwaysScopesTenant(t *testing.T) {
	got := filterFor(Query{TenantID: "t1"})
	if len(got) != 1 || got[0] != `tenantId = "t1"` {
		t.Fatalf("unexpected filter %v", got)
	}
	got = filterFor(Query{TenantID: "t1", Kind: "notice"})
	if len(got) != 2 || got[1] != `kind = "notice"` {
		t.Fatalf("unexpected filter %v", got)
	}
}

func TestHitToResultPrefersHighlights(t *testing.T) {
	hit := meili.Hit{
		"kind":       json.RawMessage(`"corrective"`),
		"recordId":   json.RawMessage(`"c-9"`),
		"title":      json.RawMessage(`"Roof leak"`),
		"body":       json.RawMessage(`"Water in B2"`),
		"_formatted": json.RawMessage(`{"title":"Roof <mark>leak</mark>","body":""}`),
	}
	r := hitToResult(hit)
	if r.Kind != "corrective" || r.ID != "c-9" || r.Title != "Roof <mark>leak</mark>" || r.Snippet != "Water in B2" {
		t.Fatalf("unexpected result %+v", r)
	}
}

func TestQueryPaging(t *testing.T) {
	if (Query{}).limit() != 20 || (Query{Limit: 500}).limit() != 20 || (Query{Limit: 5}).limit() != 5 {
		t.Fatal("unexpected limit clamping")
	}
	if (Query{Offset: -3}).offset() != 0 {
		t.Fatal("negative offset should clamp to zero")
	}
}

package search

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"go.uber.org/zap"

	"facilityops/api/internal/workflow"
)

const idxRecords = "facilityops_records"

// Meili implements Searcher and Indexer via Meilisearch.
type Meili struct {
	client    meili.ServiceManager
	healthy   atomic.Bool
	onRecover atomic.Pointer[func()]
	done      chan struct{}
	log       *zap.Logger
}

// NewMeili creates a Meilisearch client and configures the index. An
// unreachable server is tolerated; the health loop picks it up later.
func NewMeili(url, apiKey string, log *zap.Logger) *Meili {
	m := &Meili{
		client: meili.New(url, meili.WithAPIKey(apiKey)),
		done:   make(chan struct{}),
		log:    log,
	}
	if _, err := m.client.Health(); err != nil {
		log.Warn("meilisearch unavailable", zap.String("url", url), zap.Error(err))
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}
	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{Uid: idxRecords, PrimaryKey: "id"}); err != nil {
		m.log.Debug("create index (may already exist)", zap.String("index", idxRecords), zap.Error(err))
	}
	index := m.client.Index(idxRecords)
	filterable := []interface{}{"tenantId", "kind"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		m.log.Warn("update filterable attributes", zap.Error(err))
	}
	searchable := []string{"title", "body"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		m.log.Warn("update searchable attributes", zap.Error(err))
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Swap(err == nil)
			if err == nil && !wasHealthy {
				m.log.Info("meilisearch recovered, reconfiguring index")
				m.configureIndex()
				if fn := m.onRecover.Load(); fn != nil {
					(*fn)()
				}
			}
		}
	}
}

// OnRecover registers fn to run each time the server becomes reachable again.
func (m *Meili) OnRecover(fn func()) {
	m.onRecover.Store(&fn)
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

func (m *Meili) Search(_ context.Context, q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}
	if q.Text == "" {
		return nil, 0, nil
	}
	req := &meili.SearchRequest{
		IndexUID:              idxRecords,
		Query:                 q.Text,
		Limit:                 int64(q.limit()),
		Offset:                int64(q.offset()),
		AttributesToHighlight: []string{"title", "body"},
		AttributesToCrop:      []string{"body"},
		CropLength:            30,
		HighlightPreTag:       "<mark>",
		HighlightPostTag:      "</mark>",
		Filter:                filterFor(q),
	}
	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{Queries: []*meili.SearchRequest{req}})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch search: %w", err)
	}

	var results []Result
	total := 0
	for _, sr := range resp.Results {
		total += int(sr.EstimatedTotalHits)
		for _, hit := range sr.Hits {
			results = append(results, hitToResult(hit))
		}
	}
	return results, total, nil
}

// filterFor always scopes to the tenant.
func filterFor(q Query) []string {
	filters := []string{fmt.Sprintf("tenantId = %q", q.TenantID)}
	if q.Kind != "" {
		filters = append(filters, fmt.Sprintf("kind = %q", string(q.Kind)))
	}
	return filters
}

func hitToResult(hit meili.Hit) Result {
	return Result{
		Kind:    workflow.Kind(decodeString(hit, "kind")),
		ID:      decodeString(hit, "recordId"),
		Title:   firstNonBlank(decodeFormattedString(hit, "title"), decodeString(hit, "title")),
		Snippet: firstNonBlank(decodeFormattedString(hit, "body"), decodeString(hit, "body")),
	}
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]any
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	s, _ := formatted[key].(string)
	return strings.TrimSpace(s)
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

func (m *Meili) IndexDocuments(docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	_, err := m.client.Index(idxRecords).AddDocuments(docs, nil)
	return err
}

func (m *Meili) DeleteDocument(docID string) error {
	_, err := m.client.Index(idxRecords).DeleteDocument(docID, nil)
	return err
}

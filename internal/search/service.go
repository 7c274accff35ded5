package search

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"facilityops/api/internal/facility"
	"facilityops/api/internal/workflow"
)

// Service is the facade that tries the primary index first and falls back to
// Postgres full-text search.
type Service struct {
	primary  Searcher
	index    Indexer
	fallback Searcher
	loader   Loader
	log      *zap.Logger

	mu sync.Mutex
	// pending holds index changes that could not be applied, keyed by
	// document id. A nil entry is a deletion.
	pending map[string]*Document
}

// Loader reads every published record for a full reindex.
type Loader interface {
	LoadAllDocuments(ctx context.Context) ([]Document, error)
}

// NewService wires meili as primary and index. meili may be nil if
// Meilisearch is not configured.
func NewService(meili *Meili, pgfts *PgFTS, log *zap.Logger) *Service {
	s := &Service{fallback: pgfts, loader: pgfts, log: log}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if meili != nil {
		s.primary, s.index = meili, meili
		meili.OnRecover(func() { s.Resync(context.Background()) })
	}
	return s
}

func (s *Service) Search(ctx context.Context, q Query) Response {
	q.Text = strings.TrimSpace(q.Text)
	if s.primary != nil && s.primary.Healthy() {
		results, total, err := s.primary.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.log.Warn("meilisearch error, falling back to pgfts", zap.Error(err))
	}

	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.log.Error("pgfts search failed", zap.Error(err))
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// Observe keeps the index in step with publications and deletions. The
// fallback reads record_published directly and needs no upkeep. Changes that
// arrive while the index is unreachable are queued for Resync.
func (s *Service) Observe(_ context.Context, ev workflow.Event) error {
	if s.index == nil {
		return nil
	}
	var doc *Document
	switch ev.Type {
	case workflow.EventPublished:
		d, err := documentOf(ev.Key, ev.Content)
		if err != nil {
			return err
		}
		doc = &d
	case workflow.EventDeleted:
	default:
		return nil
	}
	id := DocID(ev.Key)
	if !s.index.Healthy() {
		s.queue(id, doc)
		return nil
	}
	if err := s.apply(id, doc); err != nil {
		s.queue(id, doc)
		return err
	}
	return nil
}

func (s *Service) apply(id string, doc *Document) error {
	if doc == nil {
		return s.index.DeleteDocument(id)
	}
	return s.index.IndexDocuments([]Document{*doc})
}

func (s *Service) queue(id string, doc *Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		s.pending = make(map[string]*Document)
	}
	s.pending[id] = doc
}

// Resync replays queued changes and then reindexes every published record.
// It runs whenever the index comes back after an outage.
func (s *Service) Resync(ctx context.Context) {
	if s.index == nil || !s.index.Healthy() {
		return
	}
	s.mu.Lock()
	queued := s.pending
	s.pending = nil
	s.mu.Unlock()

	failed := 0
	for id, doc := range queued {
		if err := s.apply(id, doc); err != nil {
			failed++
			s.requeue(id, doc)
		}
	}
	if failed > 0 {
		s.log.Warn("search resync left changes queued", zap.Int("failed", failed))
	}
	s.ReindexAll(ctx)
}

// requeue keeps a failed change unless a newer one arrived meanwhile.
func (s *Service) requeue(id string, doc *Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		s.pending = make(map[string]*Document)
	}
	if _, newer := s.pending[id]; !newer {
		s.pending[id] = doc
	}
}

// ReindexAll pushes every published record from Postgres into the index.
func (s *Service) ReindexAll(ctx context.Context) {
	if s.index == nil || !s.index.Healthy() || s.loader == nil {
		return
	}
	docs, err := s.loader.LoadAllDocuments(ctx)
	if err != nil {
		s.log.Error("reindex load failed", zap.Error(err))
		return
	}
	if len(docs) == 0 {
		return
	}
	if err := s.index.IndexDocuments(docs); err != nil {
		s.log.Error("reindex failed", zap.Error(err))
		return
	}
	s.log.Info("search index rebuilt", zap.Int("documents", len(docs)))
}

func documentOf(key workflow.Key, content []byte) (Document, error) {
	title, body, err := facility.Describe(key.Kind, content)
	if err != nil {
		return Document{}, fmt.Errorf("index %s: %w", key, err)
	}
	return Document{
		DocID:    DocID(key),
		Kind:     string(key.Kind),
		TenantID: key.TenantID,
		RecordID: key.ID,
		Title:    title,
		Body:     body,
	}, nil
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}

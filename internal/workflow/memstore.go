package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"
)

// MemStore is a transactional in-memory Store used by the workflow and HTTP
// tests. Each transaction works on a deep copy that only replaces
// the committed state when fn returns nil. Versions are derived from a
// settable clock rather than the wall clock.
type MemStore struct {
	mu   sync.Mutex
	now  time.Time
	data *memData

	insertMemberHook func(side Side, id string) error
	lookupHook       func(key Key) error
}

type memData struct {
	entities  map[Key]EntityRow
	drafts    map[Key]DraftRow
	published map[Key]PublishedRow
	members   map[Side]map[Key][]string
	audit     []AuditEntry
}

func NewMemStore(now time.Time) *MemStore {
	return &MemStore{
		now: now,
		data: &memData{
			entities:  map[Key]EntityRow{},
			drafts:    map[Key]DraftRow{},
			published: map[Key]PublishedRow{},
			members:   map[Side]map[Key][]string{SideDraft: {}, SidePublished: {}},
		},
	}
}

// Clock returns the store's current time, suitable for Options.Now.
func (s *MemStore) Clock() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// Advance moves the store clock forward.
func (s *MemStore) Advance(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = s.now.Add(d)
}

func (d *memData) clone() *memData {
	out := &memData{
		entities:  make(map[Key]EntityRow, len(d.entities)),
		drafts:    make(map[Key]DraftRow, len(d.drafts)),
		published: make(map[Key]PublishedRow, len(d.published)),
		members:   map[Side]map[Key][]string{},
		audit:     append([]AuditEntry(nil), d.audit...),
	}
	for k, v := range d.entities {
		out.entities[k] = v
	}
	for k, v := range d.drafts {
		v.Content = append(json.RawMessage(nil), v.Content...)
		v.Request = cloneStamp(v.Request)
		v.Approval1 = cloneStamp(v.Approval1)
		out.drafts[k] = v
	}
	for k, v := range d.published {
		v.Content = append(json.RawMessage(nil), v.Content...)
		v.Request = cloneStamp(v.Request)
		v.Approval1 = cloneStamp(v.Approval1)
		v.Approval2 = cloneStamp(v.Approval2)
		out.published[k] = v
	}
	for side, sets := range d.members {
		out.members[side] = make(map[Key][]string, len(sets))
		for k, ids := range sets {
			out.members[side][k] = append([]string(nil), ids...)
		}
	}
	return out
}

func cloneStamp(s *Stamp) *Stamp {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

func (s *MemStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	work := s.data.clone()
	if err := fn(&memTx{store: s, data: work}); err != nil {
		return err
	}
	s.data = work
	return nil
}

func (s *MemStore) LookupEntity(ctx context.Context, key Key) (*EntityRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lookupHook != nil {
		if err := s.lookupHook(key); err != nil {
			return nil, err
		}
	}
	row, ok := s.data.entities[key]
	if !ok {
		return nil, nil
	}
	return &row, nil
}

func (s *MemStore) ListSummaries(ctx context.Context, kind Kind, tenantID string, filter ListFilter) ([]Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Summary
	for key, ent := range s.data.entities {
		if key.Kind != kind || key.TenantID != tenantID || ent.Deleted {
			continue
		}
		draft := s.data.drafts[key]
		if filter.State != "" && draft.State != filter.State {
			continue
		}
		out = append(out, Summary{
			Key: key, Version: ent.Version, State: draft.State, Published: ent.Published,
			Draft: draft.Content, UpdatedByName: ent.UpdatedByName, UpdatedAt: draft.UpdatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.ID < out[j].Key.ID })
	return out, nil
}

// snapshot returns a copy of the committed state for assertions.
func (s *MemStore) snapshot() *memData {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.clone()
}

type memTx struct {
	store *MemStore
	data  *memData
}

var errMissingRow = errors.New("row missing")

func (t *memTx) LoadEntity(ctx context.Context, key Key) (*EntityRow, error) {
	row, ok := t.data.entities[key]
	if !ok {
		return nil, nil
	}
	return &row, nil
}

func (t *memTx) LockEntity(ctx context.Context, key Key) (*EntityRow, error) {
	return t.LoadEntity(ctx, key)
}

func (t *memTx) InsertEntity(ctx context.Context, key Key, actor Actor) (Version, error) {
	if _, ok := t.data.entities[key]; ok {
		return "", errors.New("duplicate key")
	}
	now := t.store.now
	v := VersionOf(now)
	t.data.entities[key] = EntityRow{
		Key: key, Version: v, UpdatedBy: actor.UserID, UpdatedByName: actor.DisplayName,
		CreatedAt: now, CreatedBy: actor.UserID, CreatedByName: actor.DisplayName,
	}
	return v, nil
}

func (t *memTx) bump(key Key, actor Actor) (EntityRow, error) {
	row, ok := t.data.entities[key]
	if !ok {
		return row, errMissingRow
	}
	prev, _ := row.Version.Time()
	row.Version = VersionOf(NextVersion(prev, t.store.now))
	row.UpdatedBy = actor.UserID
	row.UpdatedByName = actor.DisplayName
	return row, nil
}

func (t *memTx) TouchEntity(ctx context.Context, key Key, actor Actor) (Version, error) {
	row, err := t.bump(key, actor)
	if err != nil {
		return "", err
	}
	t.data.entities[key] = row
	return row.Version, nil
}

func (t *memTx) MarkPublished(ctx context.Context, key Key) error {
	row, ok := t.data.entities[key]
	if !ok {
		return errMissingRow
	}
	row.Published = true
	t.data.entities[key] = row
	return nil
}

func (t *memTx) TombstoneEntity(ctx context.Context, key Key, actor Actor) (Version, error) {
	row, err := t.bump(key, actor)
	if err != nil {
		return "", err
	}
	row.Deleted = true
	row.DeletedBy = actor.UserID
	row.DeletedByName = actor.DisplayName
	t.data.entities[key] = row
	return row.Version, nil
}

func (t *memTx) LoadDraft(ctx context.Context, key Key) (*DraftRow, error) {
	row, ok := t.data.drafts[key]
	if !ok {
		return nil, nil
	}
	return &row, nil
}

func (t *memTx) SaveDraft(ctx context.Context, row DraftRow) error {
	t.data.drafts[row.Key] = row
	return nil
}

func (t *memTx) DeleteDraft(ctx context.Context, key Key) error {
	delete(t.data.drafts, key)
	return nil
}

func (t *memTx) LoadPublished(ctx context.Context, key Key) (*PublishedRow, error) {
	row, ok := t.data.published[key]
	if !ok {
		return nil, nil
	}
	return &row, nil
}

func (t *memTx) SavePublished(ctx context.Context, row PublishedRow) error {
	t.data.published[row.Key] = row
	return nil
}

func (t *memTx) DeletePublished(ctx context.Context, key Key) error {
	delete(t.data.published, key)
	return nil
}

func (t *memTx) Members(ctx context.Context, key Key, side Side) ([]string, error) {
	ids := append([]string(nil), t.data.members[side][key]...)
	sort.Strings(ids)
	return ids, nil
}

func (t *memTx) DeleteMembers(ctx context.Context, key Key, side Side) error {
	delete(t.data.members[side], key)
	return nil
}

func (t *memTx) InsertMember(ctx context.Context, key Key, side Side, memberID string) error {
	if hook := t.store.insertMemberHook; hook != nil {
		if err := hook(side, memberID); err != nil {
			return err
		}
	}
	for _, id := range t.data.members[side][key] {
		if id == memberID {
			return errors.New("duplicate member")
		}
	}
	t.data.members[side][key] = append(t.data.members[side][key], memberID)
	return nil
}

func (t *memTx) AppendAudit(ctx context.Context, entry AuditEntry) error {
	t.data.audit = append(t.data.audit, entry)
	return nil
}

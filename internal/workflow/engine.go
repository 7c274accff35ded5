package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Definition binds a content type to a workflow kind.
type Definition[C any] struct {
	Kind Kind
	// Prepare normalises content in place and returns a *ValidationError when
	// it is not acceptable.
	Prepare func(*C) error
}

type Options struct {
	Visibility Visibility
	Logger     *zap.Logger
	Observers  []Observer
	Now        func() time.Time
	NewID      func() string
}

// Engine runs the staged-edit and two-person approval workflow for one kind.
type Engine[C any] struct {
	def   Definition[C]
	store Store
	opts  Options
}

func NewEngine[C any](store Store, def Definition[C], opts Options) *Engine[C] {
	if opts.Visibility == "" {
		opts.Visibility = VisibilityDraft
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Engine[C]{def: def, store: store, opts: opts}
}

func (e *Engine[C]) Kind() Kind {
	return e.def.Kind
}

// Subscribe registers observers. Call it while wiring, before serving requests.
func (e *Engine[C]) Subscribe(observers ...Observer) {
	e.opts.Observers = append(e.opts.Observers, observers...)
}

// Record is the full editing view: the draft plus the published snapshot, if any.
type Record[C any] struct {
	Key           Key          `json:"key"`
	Version       Version      `json:"version"`
	State         State        `json:"state"`
	Content       C            `json:"content"`
	Members       []string     `json:"memberIds"`
	Request       *Stamp       `json:"request,omitempty"`
	Approval1     *Stamp       `json:"approval1,omitempty"`
	UpdatedByName string       `json:"updatedByName"`
	CreatedAt     time.Time    `json:"createdAt"`
	CreatedByName string       `json:"createdByName"`
	Published     *Snapshot[C] `json:"published,omitempty"`
}

type Snapshot[C any] struct {
	Content         C          `json:"content"`
	Members         []string   `json:"memberIds"`
	Request         *Stamp     `json:"request,omitempty"`
	Approval1       *Stamp     `json:"approval1,omitempty"`
	Approval2       *Stamp     `json:"approval2,omitempty"`
	CreatedOn       time.Time  `json:"createdOn"`
	LastPublishedOn *time.Time `json:"lastPublishedOn,omitempty"`
}

// View is what readers outside the editing workflow see.
type View[C any] struct {
	Key         Key        `json:"key"`
	Content     C          `json:"content"`
	Members     []string   `json:"memberIds"`
	Provisional bool       `json:"provisional"`
	PublishedOn *time.Time `json:"publishedOn,omitempty"`
}

type Listing[C any] struct {
	Key           Key       `json:"key"`
	Version       Version   `json:"version"`
	State         State     `json:"state"`
	Published     bool      `json:"published"`
	Content       C         `json:"content"`
	UpdatedByName string    `json:"updatedByName"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Create inserts the entity, its draft and the draft membership set. Nothing
// is published until the second approval.
func (e *Engine[C]) Create(ctx context.Context, actor Actor, content C, members []string) (Record[C], error) {
	if !actor.valid() {
		return Record[C]{}, Invalid("actor", "is required")
	}
	raw, err := e.encode(&content)
	if err != nil {
		return Record[C]{}, err
	}
	ids, err := DedupeMembers(members)
	if err != nil {
		return Record[C]{}, err
	}

	key := Key{Kind: e.def.Kind, TenantID: actor.TenantID, ID: e.opts.NewID()}
	now := e.opts.Now().UTC()
	var rec Record[C]
	err = e.store.InTx(ctx, func(tx Tx) error {
		version, err := tx.InsertEntity(ctx, key, actor)
		if err != nil {
			return fmt.Errorf("insert entity: %w", err)
		}
		draft := DraftRow{Key: key, State: StateDraft, Content: raw, UpdatedAt: now}
		if err := tx.SaveDraft(ctx, draft); err != nil {
			return fmt.Errorf("save draft: %w", err)
		}
		if _, err := ReplaceMembers(ctx, tx, key, SideDraft, ids); err != nil {
			return err
		}
		if err := tx.AppendAudit(ctx, auditOf(key, EventCreated, actor, "", version, now)); err != nil {
			return fmt.Errorf("append audit: %w", err)
		}
		rec, err = e.reload(ctx, tx, key)
		return err
	})
	if err != nil {
		return Record[C]{}, e.fail("create", key, err)
	}
	e.emit(ctx, Event{
		Type: EventCreated, Key: key, Actor: actor, State: rec.State, Version: rec.Version,
		Content: raw, Members: ids, At: now,
	})
	return rec, nil
}

// Update overwrites the draft content and replaces the draft membership set.
func (e *Engine[C]) Update(ctx context.Context, actor Actor, id string, content C, members []string, client Version) (Record[C], error) {
	raw, err := e.encode(&content)
	if err != nil {
		return Record[C]{}, err
	}
	ids, err := DedupeMembers(members)
	if err != nil {
		return Record[C]{}, err
	}
	return e.mutate(ctx, "update", actor, id, client, func(s *step) (Event, error) {
		next, err := s.draft.State.Next(ActionEdit)
		if err != nil {
			return Event{}, err
		}
		s.draft.State = next
		s.draft.Content = raw
		if err := s.saveDraft(ctx); err != nil {
			return Event{}, err
		}
		if _, err := ReplaceMembers(ctx, s.tx, s.key, SideDraft, ids); err != nil {
			return Event{}, err
		}
		return Event{Type: EventUpdated, Content: raw, Members: ids}, nil
	})
}

// Cancel discards draft edits by resyncing content and membership from the
// published snapshot. Any open approval request is dropped.
func (e *Engine[C]) Cancel(ctx context.Context, actor Actor, id string, client Version) (Record[C], error) {
	return e.mutate(ctx, "cancel", actor, id, client, func(s *step) (Event, error) {
		next, err := s.draft.State.Next(ActionCancel)
		if err != nil {
			return Event{}, err
		}
		pub, err := s.tx.LoadPublished(ctx, s.key)
		if err != nil {
			return Event{}, fmt.Errorf("load published: %w", err)
		}
		if pub == nil {
			return Event{}, ErrNothingPublished
		}
		members, err := s.tx.Members(ctx, s.key, SidePublished)
		if err != nil {
			return Event{}, fmt.Errorf("load published members: %w", err)
		}
		s.draft.State = next
		s.draft.Content = pub.Content
		s.draft.Request = nil
		s.draft.Approval1 = nil
		if err := s.saveDraft(ctx); err != nil {
			return Event{}, err
		}
		ids, err := ReplaceMembers(ctx, s.tx, s.key, SideDraft, members)
		if err != nil {
			return Event{}, err
		}
		return Event{Type: EventCancelled, Content: pub.Content, Members: ids}, nil
	})
}

// SendRequest opens an approval request on a draft that has none pending.
func (e *Engine[C]) SendRequest(ctx context.Context, actor Actor, id string, client Version) (Record[C], error) {
	return e.mutate(ctx, "send request", actor, id, client, func(s *step) (Event, error) {
		next, err := s.draft.State.Next(ActionSubmit)
		if err != nil {
			return Event{}, err
		}
		s.draft.State = next
		s.draft.Request = stampOf(actor, s.now, "")
		s.draft.Approval1 = nil
		if err := s.saveDraft(ctx); err != nil {
			return Event{}, err
		}
		return Event{Type: EventSubmitted, Content: s.draft.Content, Requester: s.draft.Request}, nil
	})
}

// Approve records the first approval on the draft, or on the second approval
// copies the draft, its approval trail and its membership into the published
// snapshot and resets the draft for the next round.
func (e *Engine[C]) Approve(ctx context.Context, actor Actor, id, comment string, client Version) (Record[C], error) {
	comment = strings.TrimSpace(comment)
	return e.mutate(ctx, "approve", actor, id, client, func(s *step) (Event, error) {
		next, err := s.draft.State.Next(ActionApprove)
		if err != nil {
			return Event{}, err
		}
		if s.draft.State == StatePendingApproval1 {
			s.draft.State = next
			s.draft.Approval1 = stampOf(actor, s.now, comment)
			if err := s.saveDraft(ctx); err != nil {
				return Event{}, err
			}
			return Event{Type: EventApproved, Content: s.draft.Content, Comment: comment, Requester: s.draft.Request}, nil
		}
		return s.publish(ctx, actor, next, comment)
	})
}

// Reject drops the approval trail and keeps the draft edits.
func (e *Engine[C]) Reject(ctx context.Context, actor Actor, id, comment string, client Version) (Record[C], error) {
	comment = strings.TrimSpace(comment)
	return e.mutate(ctx, "reject", actor, id, client, func(s *step) (Event, error) {
		next, err := s.draft.State.Next(ActionReject)
		if err != nil {
			return Event{}, err
		}
		requester := s.draft.Request
		s.draft.State = next
		s.draft.Request = nil
		s.draft.Approval1 = nil
		if err := s.saveDraft(ctx); err != nil {
			return Event{}, err
		}
		return Event{Type: EventRejected, Content: s.draft.Content, Comment: comment, Requester: requester}, nil
	})
}

// Delete tombstones the entity and removes the draft, the published snapshot
// and both membership sets in one transaction.
func (e *Engine[C]) Delete(ctx context.Context, actor Actor, id string, client Version) error {
	key := e.key(actor, id)
	if err := checkCall(actor, key); err != nil {
		return err
	}
	now := e.opts.Now().UTC()
	var version Version
	err := e.store.InTx(ctx, func(tx Tx) error {
		ent, err := tx.LockEntity(ctx, key)
		if err != nil {
			return fmt.Errorf("lock entity: %w", err)
		}
		if err := Classify(ent, client).Err(key); err != nil {
			return err
		}
		for _, side := range []Side{SideDraft, SidePublished} {
			if err := tx.DeleteMembers(ctx, key, side); err != nil {
				return fmt.Errorf("delete %s members: %w", side, err)
			}
		}
		if err := tx.DeletePublished(ctx, key); err != nil {
			return fmt.Errorf("delete published: %w", err)
		}
		if err := tx.DeleteDraft(ctx, key); err != nil {
			return fmt.Errorf("delete draft: %w", err)
		}
		if version, err = tx.TombstoneEntity(ctx, key, actor); err != nil {
			return fmt.Errorf("tombstone entity: %w", err)
		}
		if err := tx.AppendAudit(ctx, auditOf(key, EventDeleted, actor, "", version, now)); err != nil {
			return fmt.Errorf("append audit: %w", err)
		}
		return nil
	})
	if err != nil {
		return e.fail("delete", key, err)
	}
	e.emit(ctx, Event{Type: EventDeleted, Key: key, Actor: actor, Version: version, At: now})
	return nil
}

// Get returns the editing view of a live record.
func (e *Engine[C]) Get(ctx context.Context, actor Actor, id string) (Record[C], error) {
	key := e.key(actor, id)
	if err := checkCall(actor, key); err != nil {
		return Record[C]{}, err
	}
	var rec Record[C]
	err := e.store.InTx(ctx, func(tx Tx) error {
		var err error
		rec, err = e.reload(ctx, tx, key)
		return err
	})
	if err != nil {
		return Record[C]{}, e.fail("get", key, err)
	}
	return rec, nil
}

// CheckEditStatus classifies the client's token against the stored record.
func (e *Engine[C]) CheckEditStatus(ctx context.Context, actor Actor, id string, client Version) (EditCheck, error) {
	key := e.key(actor, id)
	if err := checkCall(actor, key); err != nil {
		return EditCheck{}, err
	}
	check, err := CheckEditStatus(ctx, e.store, key, client)
	if err != nil {
		return EditCheck{}, e.fail("check edit status", key, err)
	}
	return check, nil
}

// View returns the published snapshot. A record that was never published is
// shown as a provisional draft or hidden, depending on the visibility policy.
func (e *Engine[C]) View(ctx context.Context, actor Actor, id string) (View[C], error) {
	rec, err := e.Get(ctx, actor, id)
	if err != nil {
		return View[C]{}, err
	}
	if pub := rec.Published; pub != nil {
		on := pub.CreatedOn
		if pub.LastPublishedOn != nil {
			on = *pub.LastPublishedOn
		}
		return View[C]{Key: rec.Key, Content: pub.Content, Members: pub.Members, PublishedOn: &on}, nil
	}
	if e.opts.Visibility == VisibilityHidden {
		return View[C]{}, ErrNotFound
	}
	return View[C]{Key: rec.Key, Content: rec.Content, Members: rec.Members, Provisional: true}, nil
}

func (e *Engine[C]) List(ctx context.Context, actor Actor, filter ListFilter) ([]Listing[C], error) {
	if !actor.valid() {
		return nil, Invalid("actor", "is required")
	}
	rows, err := e.store.ListSummaries(ctx, e.def.Kind, actor.TenantID, filter)
	if err != nil {
		return nil, e.fail("list", Key{Kind: e.def.Kind, TenantID: actor.TenantID}, err)
	}
	out := make([]Listing[C], 0, len(rows))
	for _, row := range rows {
		item := Listing[C]{
			Key: row.Key, Version: row.Version, State: row.State, Published: row.Published,
			UpdatedByName: row.UpdatedByName, UpdatedAt: row.UpdatedAt,
		}
		if err := json.Unmarshal(row.Draft, &item.Content); err != nil {
			return nil, e.fail("list", row.Key, fmt.Errorf("decode draft content: %w", err))
		}
		out = append(out, item)
	}
	return out, nil
}

type step struct {
	tx    Tx
	key   Key
	ent   *EntityRow
	draft *DraftRow
	now   time.Time
}

func (s *step) saveDraft(ctx context.Context) error {
	s.draft.UpdatedAt = s.now
	if err := s.tx.SaveDraft(ctx, *s.draft); err != nil {
		return fmt.Errorf("save draft: %w", err)
	}
	return nil
}

func (s *step) publish(ctx context.Context, actor Actor, next State, comment string) (Event, error) {
	if s.draft.Approval1 == nil {
		return Event{}, fmt.Errorf("draft in %s without first approval", s.draft.State)
	}
	if s.draft.Approval1.UserID == actor.UserID {
		return Event{}, ErrSameApprover
	}
	prev, err := s.tx.LoadPublished(ctx, s.key)
	if err != nil {
		return Event{}, fmt.Errorf("load published: %w", err)
	}
	pub := PublishedRow{
		Key:       s.key,
		Content:   s.draft.Content,
		Request:   s.draft.Request,
		Approval1: s.draft.Approval1,
		Approval2: stampOf(actor, s.now, comment),
		CreatedOn: s.now,
	}
	if prev != nil && !prev.CreatedOn.IsZero() {
		pub.CreatedOn = prev.CreatedOn
		at := s.now
		pub.LastPublishedOn = &at
	}
	if err := s.tx.SavePublished(ctx, pub); err != nil {
		return Event{}, fmt.Errorf("save published: %w", err)
	}
	members, err := s.tx.Members(ctx, s.key, SideDraft)
	if err != nil {
		return Event{}, fmt.Errorf("load draft members: %w", err)
	}
	ids, err := ReplaceMembers(ctx, s.tx, s.key, SidePublished, members)
	if err != nil {
		return Event{}, err
	}
	requester := s.draft.Request
	s.draft.State = next
	s.draft.Request = nil
	s.draft.Approval1 = nil
	if err := s.saveDraft(ctx); err != nil {
		return Event{}, err
	}
	if !s.ent.Published {
		if err := s.tx.MarkPublished(ctx, s.key); err != nil {
			return Event{}, fmt.Errorf("mark published: %w", err)
		}
	}
	return Event{Type: EventPublished, Content: pub.Content, Members: ids, Comment: comment, Requester: requester}, nil
}

func (e *Engine[C]) mutate(ctx context.Context, op string, actor Actor, id string, client Version, fn func(s *step) (Event, error)) (Record[C], error) {
	key := e.key(actor, id)
	if err := checkCall(actor, key); err != nil {
		return Record[C]{}, err
	}
	now := e.opts.Now().UTC()
	var (
		rec Record[C]
		ev  Event
	)
	err := e.store.InTx(ctx, func(tx Tx) error {
		ent, err := tx.LockEntity(ctx, key)
		if err != nil {
			return fmt.Errorf("lock entity: %w", err)
		}
		if err := Classify(ent, client).Err(key); err != nil {
			return err
		}
		draft, err := tx.LoadDraft(ctx, key)
		if err != nil {
			return fmt.Errorf("load draft: %w", err)
		}
		if draft == nil {
			return errors.New("draft row missing")
		}
		ev, err = fn(&step{tx: tx, key: key, ent: ent, draft: draft, now: now})
		if err != nil {
			return err
		}
		version, err := tx.TouchEntity(ctx, key, actor)
		if err != nil {
			return fmt.Errorf("touch entity: %w", err)
		}
		if err := tx.AppendAudit(ctx, auditOf(key, ev.Type, actor, ev.Comment, version, now)); err != nil {
			return fmt.Errorf("append audit: %w", err)
		}
		rec, err = e.reload(ctx, tx, key)
		return err
	})
	if err != nil {
		return Record[C]{}, e.fail(op, key, err)
	}
	ev.Key, ev.Actor, ev.State, ev.Version, ev.At = key, actor, rec.State, rec.Version, now
	if ev.Members == nil {
		ev.Members = rec.Members
	}
	e.emit(ctx, ev)
	return rec, nil
}

func (e *Engine[C]) reload(ctx context.Context, tx Tx, key Key) (Record[C], error) {
	ent, err := tx.LoadEntity(ctx, key)
	if err != nil {
		return Record[C]{}, fmt.Errorf("load entity: %w", err)
	}
	if ent == nil || ent.Deleted {
		return Record[C]{}, ErrNotFound
	}
	draft, err := tx.LoadDraft(ctx, key)
	if err != nil {
		return Record[C]{}, fmt.Errorf("load draft: %w", err)
	}
	if draft == nil {
		return Record[C]{}, errors.New("draft row missing")
	}
	rec := Record[C]{
		Key:           key,
		Version:       ent.Version,
		State:         draft.State,
		Request:       draft.Request,
		Approval1:     draft.Approval1,
		UpdatedByName: ent.UpdatedByName,
		CreatedAt:     ent.CreatedAt,
		CreatedByName: ent.CreatedByName,
	}
	if err := json.Unmarshal(draft.Content, &rec.Content); err != nil {
		return Record[C]{}, fmt.Errorf("decode draft content: %w", err)
	}
	if rec.Members, err = membersOf(ctx, tx, key, SideDraft); err != nil {
		return Record[C]{}, err
	}

	pub, err := tx.LoadPublished(ctx, key)
	if err != nil {
		return Record[C]{}, fmt.Errorf("load published: %w", err)
	}
	if pub == nil {
		return rec, nil
	}
	snap := &Snapshot[C]{
		Request:         pub.Request,
		Approval1:       pub.Approval1,
		Approval2:       pub.Approval2,
		CreatedOn:       pub.CreatedOn,
		LastPublishedOn: pub.LastPublishedOn,
	}
	if err := json.Unmarshal(pub.Content, &snap.Content); err != nil {
		return Record[C]{}, fmt.Errorf("decode published content: %w", err)
	}
	if snap.Members, err = membersOf(ctx, tx, key, SidePublished); err != nil {
		return Record[C]{}, err
	}
	rec.Published = snap
	return rec, nil
}

func membersOf(ctx context.Context, tx Tx, key Key, side Side) ([]string, error) {
	ids, err := tx.Members(ctx, key, side)
	if err != nil {
		return nil, fmt.Errorf("load %s members: %w", side, err)
	}
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}

func (e *Engine[C]) encode(content *C) (json.RawMessage, error) {
	if e.def.Prepare != nil {
		if err := e.def.Prepare(content); err != nil {
			var invalid *ValidationError
			if errors.As(err, &invalid) {
				return nil, invalid
			}
			return nil, Invalid("content", err.Error())
		}
	}
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, Invalid("content", err.Error())
	}
	return raw, nil
}

func (e *Engine[C]) key(actor Actor, id string) Key {
	return Key{Kind: e.def.Kind, TenantID: actor.TenantID, ID: strings.TrimSpace(id)}
}

func checkCall(actor Actor, key Key) error {
	if !actor.valid() {
		return Invalid("actor", "is required")
	}
	if !key.valid() {
		return Invalid("id", "is required")
	}
	return nil
}

// fail passes domain outcomes through and turns everything else into a
// logged TxError.
func (e *Engine[C]) fail(op string, key Key, err error) error {
	if IsDomain(err) {
		return err
	}
	e.opts.Logger.Error("workflow operation failed",
		zap.String("op", op),
		zap.Stringer("key", key),
		zap.Error(err),
	)
	return &TxError{Op: op, Key: key, Err: err}
}

func (e *Engine[C]) emit(ctx context.Context, ev Event) {
	for _, obs := range e.opts.Observers {
		if err := obs.Observe(ctx, ev); err != nil {
			e.opts.Logger.Warn("workflow observer failed",
				zap.String("event", string(ev.Type)),
				zap.Stringer("key", ev.Key),
				zap.Error(err),
			)
		}
	}
}

func auditOf(key Key, ev EventType, actor Actor, comment string, version Version, at time.Time) AuditEntry {
	return AuditEntry{
		Key:     key,
		Event:   ev,
		ActorID: actor.UserID,
		Name:    actor.name(),
		Comment: comment,
		Version: version,
		At:      at,
	}
}

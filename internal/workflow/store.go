package workflow

import (
	"context"
	"encoding/json"
	"time"
)

// Stamp records who performed a workflow step and when.
type Stamp struct {
	UserID  string    `json:"userId"`
	Name    string    `json:"name"`
	At      time.Time `json:"at"`
	Comment string    `json:"comment,omitempty"`
}

func stampOf(actor Actor, at time.Time, comment string) *Stamp {
	return &Stamp{UserID: actor.UserID, Name: actor.name(), At: at, Comment: comment}
}

// DraftRow is the in-revision representation of a record.
type DraftRow struct {
	Key       Key
	State     State
	Content   json.RawMessage
	Request   *Stamp
	Approval1 *Stamp
	UpdatedAt time.Time
}

// PublishedRow is the last fully approved snapshot of a record.
type PublishedRow struct {
	Key             Key
	Content         json.RawMessage
	Request         *Stamp
	Approval1       *Stamp
	Approval2       *Stamp
	CreatedOn       time.Time
	LastPublishedOn *time.Time
}

// AuditEntry is appended inside the transaction of every successful transition.
type AuditEntry struct {
	Key     Key
	Event   EventType
	ActorID string
	Name    string
	Comment string
	Version Version
	At      time.Time
}

// Summary is one row of a per-kind listing.
type Summary struct {
	Key           Key
	Version       Version
	State         State
	Published     bool
	Draft         json.RawMessage
	UpdatedByName string
	UpdatedAt     time.Time
}

type ListFilter struct {
	State  State
	Limit  int
	Offset int
}

// Store is the persistence port of the workflow. Every mutation runs inside
// InTx; a non-nil error from fn rolls the transaction back.
type Store interface {
	InTx(ctx context.Context, fn func(tx Tx) error) error
	LookupEntity(ctx context.Context, key Key) (*EntityRow, error)
	ListSummaries(ctx context.Context, kind Kind, tenantID string, filter ListFilter) ([]Summary, error)
}

// Tx is the set of statements available inside one workflow transaction.
// Load methods return nil without error when the row does not exist.
type Tx interface {
	LoadEntity(ctx context.Context, key Key) (*EntityRow, error)
	LockEntity(ctx context.Context, key Key) (*EntityRow, error)
	InsertEntity(ctx context.Context, key Key, actor Actor) (Version, error)
	TouchEntity(ctx context.Context, key Key, actor Actor) (Version, error)
	MarkPublished(ctx context.Context, key Key) error
	TombstoneEntity(ctx context.Context, key Key, actor Actor) (Version, error)

	LoadDraft(ctx context.Context, key Key) (*DraftRow, error)
	SaveDraft(ctx context.Context, row DraftRow) error
	DeleteDraft(ctx context.Context, key Key) error

	LoadPublished(ctx context.Context, key Key) (*PublishedRow, error)
	SavePublished(ctx context.Context, row PublishedRow) error
	DeletePublished(ctx context.Context, key Key) error

	Members(ctx context.Context, key Key, side Side) ([]string, error)
	DeleteMembers(ctx context.Context, key Key, side Side) error
	InsertMember(ctx context.Context, key Key, side Side, memberID string) error

	AppendAudit(ctx context.Context, entry AuditEntry) error
}

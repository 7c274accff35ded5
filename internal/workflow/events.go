package workflow

import (
	"context"
	"encoding/json"
	"time"
)

type EventType string

const (
	EventCreated   EventType = "created"
	EventUpdated   EventType = "updated"
	EventCancelled EventType = "cancelled"
	EventSubmitted EventType = "submitted"
	EventApproved  EventType = "approved"
	EventPublished EventType = "published"
	EventRejected  EventType = "rejected"
	EventDeleted   EventType = "deleted"
)

// Event describes a committed transition. Content and Members carry the draft
// side, or the published side for EventPublished.
type Event struct {
	Type      EventType
	Key       Key
	Actor     Actor
	State     State
	Version   Version
	Content   json.RawMessage
	Members   []string
	Comment   string
	Requester *Stamp
	At        time.Time
}

// Observer reacts to committed transitions. Errors are logged and never undo
// the transition.
type Observer interface {
	Observe(ctx context.Context, ev Event) error
}

type ObserverFunc func(ctx context.Context, ev Event) error

func (f ObserverFunc) Observe(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

package workflow

import (
	"context"
	"time"
)

// EditStatus classifies a client's version token against the stored record.
type EditStatus int

const (
	NotExists      EditStatus = 0
	OK             EditStatus = 1
	EditedByOther  EditStatus = 2
	DeletedByOther EditStatus = 3
)

func (s EditStatus) String() string {
	switch s {
	case NotExists:
		return "not_exists"
	case OK:
		return "ok"
	case EditedByOther:
		return "edited_by_other"
	case DeletedByOther:
		return "deleted_by_other"
	default:
		return "unknown"
	}
}

// EditCheck is the outcome of a conflict check. OwnerName is the last editor,
// or the deleter when the record is gone.
type EditCheck struct {
	Status    EditStatus
	OwnerName string
	Version   Version
}

// EntityRow is the concurrency-relevant part of a stored record.
type EntityRow struct {
	Key           Key
	Version       Version
	UpdatedBy     string
	UpdatedByName string
	Deleted       bool
	DeletedBy     string
	DeletedByName string
	Published     bool
	CreatedAt     time.Time
	CreatedBy     string
	CreatedByName string
}

// Classify compares a client token to the stored row. A deleted row wins over
// any version comparison.
func Classify(row *EntityRow, client Version) EditCheck {
	switch {
	case row == nil:
		return EditCheck{Status: NotExists}
	case row.Deleted:
		return EditCheck{Status: DeletedByOther, OwnerName: row.DeletedByName, Version: row.Version}
	case !row.Version.Matches(client):
		return EditCheck{Status: EditedByOther, OwnerName: row.UpdatedByName, Version: row.Version}
	default:
		return EditCheck{Status: OK, OwnerName: row.UpdatedByName, Version: row.Version}
	}
}

// Err converts a failed check into the error a mutating call returns.
func (c EditCheck) Err(key Key) error {
	switch c.Status {
	case OK:
		return nil
	case NotExists:
		return ErrNotFound
	default:
		return &ConflictError{Key: key, Status: c.Status, OwnerName: c.OwnerName, Version: c.Version}
	}
}

// CheckEditStatus classifies a client token without taking any lock. Mutating
// operations repeat the check on a locked row, so the answer is advisory.
func CheckEditStatus(ctx context.Context, store Store, key Key, client Version) (EditCheck, error) {
	row, err := store.LookupEntity(ctx, key)
	if err != nil {
		return EditCheck{}, err
	}
	return Classify(row, client), nil
}

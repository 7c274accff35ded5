package workflow

import (
	"context"
	"fmt"
	"strings"
)

// DedupeMembers trims ids and drops repeats, keeping first-seen order.
func DedupeMembers(ids []string) ([]string, error) {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for i, raw := range ids {
		id := strings.TrimSpace(raw)
		if id == "" {
			return nil, Invalid(fmt.Sprintf("memberIds[%d]", i), "must not be blank")
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out, nil
}

// ReplaceMembers makes the membership set of key on side exactly equal to ids.
// The old rows are deleted and new ones inserted, so row metadata does not
// survive. It must run inside the caller's transaction.
func ReplaceMembers(ctx context.Context, tx Tx, key Key, side Side, ids []string) ([]string, error) {
	target, err := DedupeMembers(ids)
	if err != nil {
		return nil, err
	}
	if err := tx.DeleteMembers(ctx, key, side); err != nil {
		return nil, fmt.Errorf("clear %s members: %w", side, err)
	}
	for _, id := range target {
		if err := tx.InsertMember(ctx, key, side, id); err != nil {
			return nil, fmt.Errorf("insert %s member %s: %w", side, id, err)
		}
	}
	return target, nil
}

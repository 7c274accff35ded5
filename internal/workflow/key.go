package workflow

import (
	"fmt"
	"strings"
)

// Kind names an entity type that runs through the staged-edit workflow.
type Kind string

// Key is the compound identity of a workflow record.
type Key struct {
	Kind     Kind   `json:"kind"`
	TenantID string `json:"tenantId"`
	ID       string `json:"id"`
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Kind, k.TenantID, k.ID)
}

func (k Key) valid() bool {
	return k.Kind != "" && strings.TrimSpace(k.TenantID) != "" && strings.TrimSpace(k.ID) != ""
}

// Actor is the authenticated user on whose behalf an operation runs.
type Actor struct {
	UserID      string
	DisplayName string
	TenantID    string
}

func (a Actor) valid() bool {
	return strings.TrimSpace(a.UserID) != "" && strings.TrimSpace(a.TenantID) != ""
}

func (a Actor) name() string {
	if strings.TrimSpace(a.DisplayName) != "" {
		return a.DisplayName
	}
	return a.UserID
}

// Side selects one of the two parallel membership sets.
type Side string

const (
	SideDraft     Side = "draft"
	SidePublished Side = "published"
)

// Visibility decides what readers see for a record that has never been published.
type Visibility string

const (
	VisibilityDraft  Visibility = "draft"
	VisibilityHidden Visibility = "hidden"
)

func ParseVisibility(raw string) (Visibility, error) {
	switch Visibility(strings.ToLower(strings.TrimSpace(raw))) {
	case "", VisibilityDraft:
		return VisibilityDraft, nil
	case VisibilityHidden:
		return VisibilityHidden, nil
	default:
		return "", fmt.Errorf("unknown visibility %q", raw)
	}
}

package facility

import (
	"strings"
	"time"

	"facilityops/api/internal/workflow"
)

const (
	KindGroup      workflow.Kind = "group"
	KindDivision   workflow.Kind = "division"
	KindCorrective workflow.Kind = "corrective"
	KindNotice     workflow.Kind = "notice"
	KindRole       workflow.Kind = "role"
)

// Kinds lists every workflow kind in routing order.
var Kinds = []workflow.Kind{KindGroup, KindDivision, KindCorrective, KindNotice, KindRole}

// Group members are user ids.
type Group struct {
	Name        string `json:"name" validate:"required,max=120"`
	Description string `json:"description" validate:"max=2000"`
	Email       string `json:"email,omitempty" validate:"omitempty,email"`
}

func prepareGroup(g *Group) error {
	g.Name = strings.TrimSpace(g.Name)
	g.Description = strings.TrimSpace(g.Description)
	g.Email = strings.ToLower(strings.TrimSpace(g.Email))
	return validateContent(g)
}

// Division members are group ids.
type Division struct {
	Code        string `json:"code" validate:"required,max=20,alphanum"`
	Name        string `json:"name" validate:"required,max=120"`
	Description string `json:"description" validate:"max=2000"`
}

func prepareDivision(d *Division) error {
	d.Code = strings.ToUpper(strings.TrimSpace(d.Code))
	d.Name = strings.TrimSpace(d.Name)
	d.Description = strings.TrimSpace(d.Description)
	return validateContent(d)
}

// Corrective members are the assigned user ids.
type Corrective struct {
	Title       string `json:"title" validate:"required,max=200"`
	IncidentRef string `json:"incidentRef,omitempty" validate:"max=64"`
	Description string `json:"description" validate:"required,max=10000"`
	RootCause   string `json:"rootCause,omitempty" validate:"max=10000"`
	ActionPlan  string `json:"actionPlan,omitempty" validate:"max=10000"`
	Severity    string `json:"severity" validate:"required,oneof=low medium high critical"`
	DueDate     string `json:"dueDate,omitempty" validate:"omitempty,datetime=2006-01-02"`
}

func prepareCorrective(c *Corrective) error {
	c.Title = strings.TrimSpace(c.Title)
	c.IncidentRef = strings.TrimSpace(c.IncidentRef)
	c.Description = strings.TrimSpace(c.Description)
	c.RootCause = strings.TrimSpace(c.RootCause)
	c.ActionPlan = strings.TrimSpace(c.ActionPlan)
	c.Severity = strings.ToLower(strings.TrimSpace(c.Severity))
	c.DueDate = strings.TrimSpace(c.DueDate)
	return validateContent(c)
}

// Notice members are the audience group ids. Body is stored sanitised.
type Notice struct {
	Title        string     `json:"title" validate:"required,max=200"`
	Body         string     `json:"body" validate:"required"`
	Priority     string     `json:"priority" validate:"required,oneof=info normal urgent"`
	PublishFrom  *time.Time `json:"publishFrom,omitempty"`
	PublishUntil *time.Time `json:"publishUntil,omitempty"`
}

func prepareNotice(n *Notice) error {
	n.Title = strings.TrimSpace(n.Title)
	n.Body = strings.TrimSpace(SanitizeHTML(n.Body))
	n.Priority = strings.ToLower(strings.TrimSpace(n.Priority))
	if n.Priority == "" {
		n.Priority = "normal"
	}
	if err := validateContent(n); err != nil {
		return err
	}
	if n.PublishFrom != nil && n.PublishUntil != nil && !n.PublishUntil.After(*n.PublishFrom) {
		return workflow.Invalid("publishUntil", "must be after publishFrom")
	}
	return nil
}

// ActiveAt reports whether the notice window includes t.
func (n Notice) ActiveAt(t time.Time) bool {
	if n.PublishFrom != nil && t.Before(*n.PublishFrom) {
		return false
	}
	if n.PublishUntil != nil && !t.Before(*n.PublishUntil) {
		return false
	}
	return true
}

// Role members are the user ids holding the role.
type Role struct {
	Name        string   `json:"name" validate:"required,max=80"`
	Description string   `json:"description" validate:"max=2000"`
	Permissions []string `json:"permissions" validate:"dive,oneof=read write submit approve admin"`
}

func prepareRole(r *Role) error {
	r.Name = strings.TrimSpace(r.Name)
	r.Description = strings.TrimSpace(r.Description)
	seen := map[string]bool{}
	perms := make([]string, 0, len(r.Permissions))
	for _, p := range r.Permissions {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		perms = append(perms, p)
	}
	r.Permissions = perms
	return validateContent(r)
}

package email

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"facilityops/api/internal/facility"
	"facilityops/api/internal/rbac"
	"facilityops/api/internal/store"
	"facilityops/api/internal/workflow"
)

// Directory resolves who receives workflow mail.
type Directory interface {
	GetUserByID(ctx context.Context, id string) (store.User, error)
	UsersWithRole(ctx context.Context, tenantID string, roles ...string) ([]store.User, error)
}

// Mailer is the part of Service the notifier needs.
type Mailer interface {
	IsConfigured() bool
	SendHTMLEmail(to []string, subject, textBody, htmlBody string) error
}

// Notifier mails approvers when a record waits for them and the requester
// when their request is published or rejected.
type Notifier struct {
	mail Mailer
	dir  Directory
	log  *zap.Logger
}

func NewNotifier(mail Mailer, dir Directory, log *zap.Logger) *Notifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &Notifier{mail: mail, dir: dir, log: log}
}

func (n *Notifier) Observe(ctx context.Context, ev workflow.Event) error {
	if !n.mail.IsConfigured() {
		return nil
	}
	var (
		recipients []store.User
		headline   string
		err        error
	)
	switch ev.Type {
	case workflow.EventSubmitted:
		headline = "Approval requested"
		recipients, err = n.approvers(ctx, ev)
	case workflow.EventApproved:
		headline = "Second approval requested"
		recipients, err = n.approvers(ctx, ev)
	case workflow.EventPublished:
		headline = "Your request was published"
		recipients, err = n.requester(ctx, ev)
	case workflow.EventRejected:
		headline = "Your request was rejected"
		recipients, err = n.requester(ctx, ev)
	default:
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolve recipients for %s: %w", ev.Key, err)
	}

	to := addresses(recipients, ev.Actor.UserID)
	if len(to) == 0 {
		return nil
	}
	title, body, err := facility.Describe(ev.Key.Kind, ev.Content)
	if err != nil {
		return fmt.Errorf("workflow mail for %s: %w", ev.Key, err)
	}
	data := WorkflowData{
		AppName:   "Facility Ops",
		Headline:  headline,
		Kind:      string(ev.Key.Kind),
		Title:     title,
		ActorName: actorName(ev.Actor),
		Comment:   ev.Comment,
		Summary:   truncate(body, 280),
	}
	html, err := renderTemplate(workflowTemplate, data)
	if err != nil {
		return fmt.Errorf("render workflow template: %w", err)
	}
	text := fmt.Sprintf("%s\n\n%s: %s\nBy %s\n%s", headline, data.Kind, title, data.ActorName, ev.Comment)
	subject := fmt.Sprintf("[%s] %s: %s", data.Kind, headline, title)

	n.log.Debug("sending workflow mail", zap.String("key", ev.Key.String()), zap.String("event", string(ev.Type)), zap.Int("recipients", len(to)))
	return n.mail.SendHTMLEmail(to, subject, strings.TrimSpace(text), html)
}

func (n *Notifier) approvers(ctx context.Context, ev workflow.Event) ([]store.User, error) {
	return n.dir.UsersWithRole(ctx, ev.Key.TenantID, string(rbac.RoleApprover), string(rbac.RoleAdmin))
}

func (n *Notifier) requester(ctx context.Context, ev workflow.Event) ([]store.User, error) {
	if ev.Requester == nil || ev.Requester.UserID == "" {
		return nil, nil
	}
	user, err := n.dir.GetUserByID(ctx, ev.Requester.UserID)
	if err != nil {
		return nil, err
	}
	if user.TenantID != ev.Key.TenantID {
		return nil, nil
	}
	return []store.User{user}, nil
}

// addresses skips the acting user and deactivated accounts.
func addresses(users []store.User, actorID string) []string {
	out := make([]string, 0, len(users))
	for _, u := range users {
		if u.ID == actorID || !u.Active() || u.Email == "" {
			continue
		}
		out = append(out, u.Email)
	}
	return out
}

func actorName(a workflow.Actor) string {
	if a.DisplayName != "" {
		return a.DisplayName
	}
	return a.UserID
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}

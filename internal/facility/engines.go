package facility

import (
	"encoding/json"
	"fmt"
	"strings"

	"facilityops/api/internal/workflow"
)

// Engines holds one workflow engine per facility kind.
type Engines struct {
	Groups      *workflow.Engine[Group]
	Divisions   *workflow.Engine[Division]
	Correctives *workflow.Engine[Corrective]
	Notices     *workflow.Engine[Notice]
	Roles       *workflow.Engine[Role]
}

func NewEngines(store workflow.Store, opts workflow.Options) Engines {
	return Engines{
		Groups:      workflow.NewEngine(store, workflow.Definition[Group]{Kind: KindGroup, Prepare: prepareGroup}, opts),
		Divisions:   workflow.NewEngine(store, workflow.Definition[Division]{Kind: KindDivision, Prepare: prepareDivision}, opts),
		Correctives: workflow.NewEngine(store, workflow.Definition[Corrective]{Kind: KindCorrective, Prepare: prepareCorrective}, opts),
		Notices:     workflow.NewEngine(store, workflow.Definition[Notice]{Kind: KindNotice, Prepare: prepareNotice}, opts),
		Roles:       workflow.NewEngine(store, workflow.Definition[Role]{Kind: KindRole, Prepare: prepareRole}, opts),
	}
}

// Subscribe registers observers on every engine.
func (e Engines) Subscribe(observers ...workflow.Observer) {
	e.Groups.Subscribe(observers...)
	e.Divisions.Subscribe(observers...)
	e.Correctives.Subscribe(observers...)
	e.Notices.Subscribe(observers...)
	e.Roles.Subscribe(observers...)
}

// Describe extracts a title and a plain-text body from stored content, for
// search documents and notification mails. Content that does not decode as
// kind is an error.
func Describe(kind workflow.Kind, raw json.RawMessage) (title, body string, err error) {
	switch kind {
	case KindGroup:
		var g Group
		if err := decode(kind, raw, &g); err != nil {
			return "", "", err
		}
		return g.Name, joinText(g.Description, g.Email), nil
	case KindDivision:
		var d Division
		if err := decode(kind, raw, &d); err != nil {
			return "", "", err
		}
		return strings.TrimSpace(d.Code + " " + d.Name), d.Description, nil
	case KindCorrective:
		var c Corrective
		if err := decode(kind, raw, &c); err != nil {
			return "", "", err
		}
		return c.Title, joinText(c.IncidentRef, c.Description, c.RootCause, c.ActionPlan), nil
	case KindNotice:
		var n Notice
		if err := decode(kind, raw, &n); err != nil {
			return "", "", err
		}
		return n.Title, PlainText(n.Body), nil
	case KindRole:
		var r Role
		if err := decode(kind, raw, &r); err != nil {
			return "", "", err
		}
		return r.Name, joinText(r.Description, strings.Join(r.Permissions, " ")), nil
	default:
		return "", "", fmt.Errorf("describe: unknown kind %q", kind)
	}
}

func decode(kind workflow.Kind, raw json.RawMessage, dst any) error {
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode %s content: %w", kind, err)
	}
	return nil
}

func joinText(parts ...string) string {
	kept := parts[:0:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "\n")
}

// PathSegment maps a kind to its plural URL segment.
func PathSegment(kind workflow.Kind) string {
	return string(kind) + "s"
}

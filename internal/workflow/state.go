package workflow

import (
	"fmt"
	"strings"
)

// State is the explicit approval state stored on every draft.
type State string

const (
	StateDraft            State = "DRAFT"
	StatePendingApproval1 State = "PENDING_APPROVAL_1"
	StatePendingApproval2 State = "PENDING_APPROVAL_2"
)

type Action string

const (
	ActionEdit    Action = "edit"
	ActionSubmit  Action = "submit"
	ActionApprove Action = "approve"
	ActionReject  Action = "reject"
	ActionCancel  Action = "cancel"
)

var transitions = map[State]map[Action]State{
	StateDraft: {
		ActionEdit:   StateDraft,
		ActionSubmit: StatePendingApproval1,
		ActionCancel: StateDraft,
	},
	StatePendingApproval1: {
		ActionApprove: StatePendingApproval2,
		ActionReject:  StateDraft,
		ActionCancel:  StateDraft,
	},
	StatePendingApproval2: {
		// The second approval publishes and hands the draft back for the next round.
		ActionApprove: StateDraft,
		ActionReject:  StateDraft,
		ActionCancel:  StateDraft,
	},
}

func ParseState(raw string) (State, error) {
	s := State(strings.ToUpper(strings.TrimSpace(raw)))
	if _, ok := transitions[s]; !ok {
		return "", fmt.Errorf("unknown workflow state %q", raw)
	}
	return s, nil
}

// Next returns the state reached by applying action, or ErrIllegalTransition.
func (s State) Next(action Action) (State, error) {
	next, ok := transitions[s][action]
	if !ok {
		return "", fmt.Errorf("%w: cannot %s a record in state %s", ErrIllegalTransition, action, s)
	}
	return next, nil
}

// Pending reports whether an approval request is open.
func (s State) Pending() bool {
	return s == StatePendingApproval1 || s == StatePendingApproval2
}

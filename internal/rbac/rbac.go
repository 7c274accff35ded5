package rbac

type Role string
type Action string

const (
	RoleViewer   Role = "viewer"
	RoleEditor   Role = "editor"
	RoleApprover Role = "approver"
	RoleAdmin    Role = "admin"
)

const (
	ActionRead    Action = "read"
	ActionWrite   Action = "write"
	ActionSubmit  Action = "submit"
	ActionApprove Action = "approve"
	ActionAdmin   Action = "admin"
)

// Can reports whether role may perform action. Approvers can also edit, but
// the workflow still requires two distinct approvers per publication.
func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleApprover:
		return action != ActionAdmin
	case RoleEditor:
		return action == ActionRead || action == ActionWrite || action == ActionSubmit
	case RoleViewer:
		return action == ActionRead
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleEditor, RoleApprover, RoleAdmin:
		return Role(role)
	default:
		return RoleViewer
	}
}

// Valid reports whether role names a known role.
func Valid(role string) bool {
	return Normalize(role) == Role(role)
}

package rbac

import "testing"

func TestCan(t *testing.T) {
	cases := []struct {
		name   string
		role   Role
		action Action
		allow  bool
	}{
		{name: "viewer read", role: RoleViewer, action: ActionRead, allow: true},
		{name: "viewer write", role: RoleViewer, action: ActionWrite, allow: false},
		{name: "editor write", role: RoleEditor, action: ActionWrite, allow: true},
		{name: "editor submit", role: RoleEditor, action: ActionSubmit, allow: true},
		{name: "editor approve", role: RoleEditor, action: ActionApprove, allow: false},
		{name: "approver approve", role: RoleApprover, action: ActionApprove, allow: true},
		{name: "approver admin", role: RoleApprover, action: ActionAdmin, allow: false},
		{name: "admin admin", role: RoleAdmin, action: ActionAdmin, allow: true},
		{name: "unknown read", role: Role("ghost"), action: ActionRead, allow: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Can(tc.role, tc.action); got != tc.allow {
				t.Fatalf("Can(%q, %q) = %v, want %v", tc.role, tc.action, got, tc.allow)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	if got := Normalize("approver"); got != RoleApprover {
		t.Fatalf("Normalize(approver) = %q", got)
	}
	if got := Normalize("commenter"); got != RoleViewer {
		t.Fatalf("Normalize(commenter) = %q, want viewer", got)
	}
	if Valid("superuser") || !Valid("admin") {
		t.Fatal("Valid() mismatch")
	}
}

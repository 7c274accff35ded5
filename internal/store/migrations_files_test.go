package store

import (
	"io/fs"
	"regexp"
	"testing"
)

func TestMigrationsHaveMatchingUpAndDownFiles(t *testing.T) {
	entries, err := fs.ReadDir(migrationFiles, "migrations")
	if err != nil {
		t.Fatalf("read embedded migrations: %v", err)
	}

	pattern := regexp.MustCompile(`^(\d+)_.*\.(up|down)\.sql$`)
	byVersion := map[string]map[string]bool{}

	for _, entry := range entries {
		match := pattern.FindStringSubmatch(entry.Name())
		if match == nil {
			t.Fatalf("unexpected file in migrations: %s", entry.Name())
		}
		version, direction := match[1], match[2]
		if byVersion[version] == nil {
			byVersion[version] = map[string]bool{}
		}
		if byVersion[version][direction] {
			t.Fatalf("duplicate %s migration file for version %s", direction, version)
		}
		byVersion[version][direction] = true
	}

	if len(byVersion) == 0 {
		t.Fatal("no migrations discovered")
	}
	for version, dirs := range byVersion {
		if !dirs["up"] || !dirs["down"] {
			t.Fatalf("version %s must include both up and down files", version)
		}
	}
}

func TestWorkflowSchemaConstrainsDraftState(t *testing.T) {
	raw, err := fs.ReadFile(migrationFiles, "migrations/0002_workflow.up.sql")
	if err != nil {
		t.Fatalf("read workflow migration: %v", err)
	}
	for _, want := range []string{"record_drafts_state_trail", "PENDING_APPROVAL_2", "published_members", "draft_members"} {
		if !regexp.MustCompile(regexp.QuoteMeta(want)).Match(raw) {
			t.Fatalf("workflow migration is missing %s", want)
		}
	}
}

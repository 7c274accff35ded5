// Package archive keeps a git history of every publication. Each tenant gets
// one repository; each record is a JSON file at <kind>/<id>.json whose commits
// are the record's published versions.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"facilityops/api/internal/workflow"
)

var ErrNoSuchRevision = errors.New("no such revision")

// Snapshot is the file committed for each publication.
type Snapshot struct {
	Kind        workflow.Kind   `json:"kind"`
	ID          string          `json:"id"`
	Content     json.RawMessage `json:"content"`
	Members     []string        `json:"memberIds"`
	RequestedBy string          `json:"requestedBy,omitempty"`
	PublishedBy string          `json:"publishedBy"`
	Comment     string          `json:"comment,omitempty"`
	PublishedAt time.Time       `json:"publishedAt"`
}

// Entry is one commit touching a record.
type Entry struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{baseDir: baseDir, locks: make(map[string]*sync.Mutex)}
}

// Observe commits published snapshots and records deletions.
func (s *Service) Observe(_ context.Context, ev workflow.Event) error {
	switch ev.Type {
	case workflow.EventPublished:
		snap := Snapshot{
			Kind:        ev.Key.Kind,
			ID:          ev.Key.ID,
			Content:     ev.Content,
			Members:     ev.Members,
			PublishedBy: actorName(ev.Actor),
			Comment:     ev.Comment,
			PublishedAt: ev.At,
		}
		if ev.Requester != nil {
			snap.RequestedBy = ev.Requester.Name
		}
		_, err := s.Commit(ev.Key, snap)
		return err
	case workflow.EventDeleted:
		return s.Remove(ev.Key, actorName(ev.Actor), ev.At)
	default:
		return nil
	}
}

// Commit writes the snapshot and commits it on main.
func (s *Service) Commit(key workflow.Key, snap Snapshot) (Entry, error) {
	lock := s.tenantLock(key.TenantID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.openOrInit(key.TenantID)
	if err != nil {
		return Entry{}, err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return Entry{}, fmt.Errorf("open worktree: %w", err)
	}

	payload, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return Entry{}, fmt.Errorf("marshal snapshot: %w", err)
	}
	rel := recordPath(key)
	abs := filepath.Join(worktree.Filesystem.Root(), filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return Entry{}, fmt.Errorf("create kind dir: %w", err)
	}
	if err := os.WriteFile(abs, append(payload, '\n'), 0o644); err != nil {
		return Entry{}, fmt.Errorf("write %s: %w", rel, err)
	}
	if _, err := worktree.Add(rel); err != nil {
		return Entry{}, fmt.Errorf("git add %s: %w", rel, err)
	}

	message := fmt.Sprintf("Publish %s %s", key.Kind, key.ID)
	var trailer []string
	if snap.RequestedBy != "" {
		trailer = append(trailer, "requested-by: "+snap.RequestedBy)
	}
	trailer = append(trailer, "published-by: "+snap.PublishedBy)
	if snap.Comment != "" {
		trailer = append(trailer, "comment: "+snap.Comment)
	}
	message += "\n\n" + strings.Join(trailer, "\n")

	hash, err := worktree.Commit(message, &git.CommitOptions{
		AllowEmptyCommits: true,
		Author:            signature(snap.PublishedBy, snap.PublishedAt),
	})
	if err != nil {
		return Entry{}, fmt.Errorf("commit snapshot: %w", err)
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return Entry{}, fmt.Errorf("read commit object: %w", err)
	}
	return toEntry(commitObj), nil
}

// Remove commits the deletion of a record file. Records that were never
// published have no file and nothing is committed.
func (s *Service) Remove(key workflow.Key, author string, at time.Time) error {
	lock := s.tenantLock(key.TenantID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(key.TenantID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open repo: %w", err)
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	rel := recordPath(key)
	if _, err := os.Stat(filepath.Join(worktree.Filesystem.Root(), filepath.FromSlash(rel))); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if _, err := worktree.Remove(rel); err != nil {
		return fmt.Errorf("git rm %s: %w", rel, err)
	}
	_, err = worktree.Commit(fmt.Sprintf("Delete %s %s\n\ndeleted-by: %s", key.Kind, key.ID, author), &git.CommitOptions{
		Author: signature(author, at),
	})
	if err != nil {
		return fmt.Errorf("commit deletion: %w", err)
	}
	return nil
}

// History lists commits touching the record, newest first.
func (s *Service) History(key workflow.Key, limit int) ([]Entry, error) {
	lock := s.tenantLock(key.TenantID)
	lock.Lock()
	defer lock.Unlock()

	items := make([]Entry, 0)
	repo, err := git.PlainOpen(s.repoPath(key.TenantID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return items, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	head, err := repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return items, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve head: %w", err)
	}

	rel := recordPath(key)
	iter, err := repo.Log(&git.LogOptions{From: head.Hash(), FileName: &rel})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toEntry(commitObj))
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// SnapshotAt reads the record as committed in revision hash.
func (s *Service) SnapshotAt(key workflow.Key, hash string) (Snapshot, error) {
	lock := s.tenantLock(key.TenantID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(key.TenantID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return Snapshot{}, ErrNoSuchRevision
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("open repo: %w", err)
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrNoSuchRevision, hash)
	}
	commitObj, err := repo.CommitObject(*resolved)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrNoSuchRevision, hash)
	}
	file, err := commitObj.File(recordPath(key))
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: %s has no %s", ErrNoSuchRevision, hash, key)
	}
	raw, err := file.Contents()
	if err != nil {
		return Snapshot{}, fmt.Errorf("read snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}

func (s *Service) openOrInit(tenantID string) (*git.Repository, error) {
	dir := s.repoPath(tenantID)
	repo, err := git.PlainOpen(dir)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInit(dir, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))); err != nil {
		return nil, fmt.Errorf("set HEAD to main: %w", err)
	}
	return repo, nil
}

func (s *Service) repoPath(tenantID string) string {
	return filepath.Join(s.baseDir, safeName(tenantID))
}

func (s *Service) tenantLock(tenantID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[tenantID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[tenantID] = lock
	}
	return lock
}

func recordPath(key workflow.Key) string {
	return path.Join(safeName(string(key.Kind)), safeName(key.ID)+".json")
}

// safeName keeps path components inside the archive directory.
func safeName(s string) string {
	out := strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r < 0x20 {
			return '_'
		}
		return r
	}, s)
	if out == "" || out == "." || out == ".." {
		return "_"
	}
	return out
}

func signature(name string, at time.Time) *object.Signature {
	if at.IsZero() {
		at = time.Now()
	}
	return &object.Signature{
		Name:  name,
		Email: fmt.Sprintf("%s@archive.facilityops.local", sanitizeEmail(name)),
		When:  at,
	}
}

func toEntry(commitObj *object.Commit) Entry {
	return Entry{
		Hash:      commitObj.Hash.String(),
		Message:   strings.TrimSpace(commitObj.Message),
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When.UTC(),
	}
}

func actorName(a workflow.Actor) string {
	if a.DisplayName != "" {
		return a.DisplayName
	}
	return a.UserID
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'):
			out = append(out, r)
		case r == ' ' || r == '-' || r == '_':
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}

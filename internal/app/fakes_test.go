package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"facilityops/api/internal/authpw"
	"facilityops/api/internal/config"
	"facilityops/api/internal/facility"
	"facilityops/api/internal/search"
	"facilityops/api/internal/session"
	"facilityops/api/internal/store"
	"facilityops/api/internal/workflow"
)

const testTenant = "tenant-1"

var (
	adminUser    = store.User{ID: "u-admin", TenantID: testTenant, Email: "admin@example.com", DisplayName: "Ada", Role: "admin"}
	editorUser   = store.User{ID: "u-editor", TenantID: testTenant, Email: "eddie@example.com", DisplayName: "Eddie", Role: "editor"}
	approverA    = store.User{ID: "u-appr-a", TenantID: testTenant, Email: "alma@example.com", DisplayName: "Alma", Role: "approver"}
	approverB    = store.User{ID: "u-appr-b", TenantID: testTenant, Email: "bo@example.com", DisplayName: "Bo", Role: "approver"}
	viewerUser   = store.User{ID: "u-viewer", TenantID: testTenant, Email: "vic@example.com", DisplayName: "Vic", Role: "viewer"}
	outsiderUser = store.User{ID: "u-other", TenantID: "tenant-2", Email: "olga@example.com", DisplayName: "Olga", Role: "admin"}
)

type fakeStore struct {
	mu          sync.Mutex
	users       map[string]store.User
	attachments map[string]store.Attachment
	audit       []store.AuditEvent
	pingErr     error
	insertErr   error
}

func newFakeStore(users ...store.User) *fakeStore {
	fs := &fakeStore{users: map[string]store.User{}, attachments: map[string]store.Attachment{}}
	for _, u := range users {
		fs.users[u.ID] = u
	}
	return fs
}

func (f *fakeStore) Ping(context.Context) error { return f.pingErr }

func (f *fakeStore) GetUserByID(_ context.Context, id string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return store.User{}, store.ErrNotFound
	}
	return u, nil
}

func (f *fakeStore) ListUsers(_ context.Context, tenantID string) ([]store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.User
	for _, u := range f.users {
		if u.TenantID == tenantID {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeStore) UpdateUserRole(_ context.Context, tenantID, userID, role string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok || u.TenantID != tenantID {
		return store.ErrNotFound
	}
	u.Role = role
	f.users[userID] = u
	return nil
}

func (f *fakeStore) DeactivateUser(_ context.Context, tenantID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok || u.TenantID != tenantID {
		return store.ErrNotFound
	}
	now := time.Now()
	u.DeactivatedAt = &now
	f.users[userID] = u
	return nil
}

func (f *fakeStore) ListAuditEvents(_ context.Context, kind, tenantID, recordID string, _ int) ([]store.AuditEvent, error) {
	var out []store.AuditEvent
	for _, ev := range f.audit {
		if ev.Kind == kind && ev.TenantID == tenantID && ev.RecordID == recordID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *fakeStore) InsertAttachment(_ context.Context, a store.Attachment) (store.Attachment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return store.Attachment{}, f.insertErr
	}
	a.CreatedAt = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	f.attachments[a.ID] = a
	return a, nil
}

func (f *fakeStore) ListAttachments(_ context.Context, tenantID, correctiveID string) ([]store.Attachment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Attachment
	for _, a := range f.attachments {
		if a.TenantID == tenantID && a.CorrectiveID == correctiveID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeStore) GetAttachment(_ context.Context, tenantID, id string) (store.Attachment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.attachments[id]
	if !ok || a.TenantID != tenantID {
		return store.Attachment{}, store.ErrNotFound
	}
	return a, nil
}

func (f *fakeStore) DeleteAttachment(_ context.Context, tenantID, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.attachments[id]
	if !ok || a.TenantID != tenantID {
		return store.ErrNotFound
	}
	delete(f.attachments, id)
	return nil
}

type fakeAccounts struct {
	registerFn     func(ctx context.Context, req authpw.RegisterRequest) (store.User, error)
	signInFn       func(ctx context.Context, email, password string) (store.User, error)
	requestResetFn func(ctx context.Context, email string) (string, store.User, error)
	resetFn        func(ctx context.Context, token, newPassword string) error
}

func (f *fakeAccounts) Register(ctx context.Context, req authpw.RegisterRequest) (store.User, error) {
	if f.registerFn == nil {
		return store.User{}, errors.New("register not stubbed")
	}
	return f.registerFn(ctx, req)
}

func (f *fakeAccounts) SignIn(ctx context.Context, email, password string) (store.User, error) {
	if f.signInFn == nil {
		return store.User{}, authpw.ErrInvalidCredentials
	}
	return f.signInFn(ctx, email, password)
}

func (f *fakeAccounts) RequestPasswordReset(ctx context.Context, email string) (string, store.User, error) {
	if f.requestResetFn == nil {
		return "", store.User{}, nil
	}
	return f.requestResetFn(ctx, email)
}

func (f *fakeAccounts) ResetPassword(ctx context.Context, token, newPassword string) error {
	if f.resetFn == nil {
		return authpw.ErrInvalidResetToken
	}
	return f.resetFn(ctx, token, newPassword)
}

type fakeSessions struct {
	mu       sync.Mutex
	sessions map[string]session.Session
	revoked  []string
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{sessions: map[string]session.Session{}}
}

func (f *fakeSessions) Save(_ context.Context, hash string, sess session.Session, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[hash] = sess
	return nil
}

func (f *fakeSessions) Consume(_ context.Context, hash string) (session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[hash]
	if !ok {
		return session.Session{}, session.ErrSessionNotFound
	}
	delete(f.sessions, hash)
	return sess, nil
}

func (f *fakeSessions) Revoke(_ context.Context, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, hash)
	return nil
}

func (f *fakeSessions) RevokeUser(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for hash, sess := range f.sessions {
		if sess.UserID == userID {
			delete(f.sessions, hash)
		}
	}
	f.revoked = append(f.revoked, userID)
	return nil
}

type fakeObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	removed []string
	putErr  error
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{objects: map[string][]byte{}}
}

func (f *fakeObjects) Put(_ context.Context, key string, body io.Reader, _ int64, _ string) error {
	if f.putErr != nil {
		return f.putErr
	}
	raw, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = raw
	return nil
}

func (f *fakeObjects) PresignedURL(_ context.Context, key, _ string, _ time.Duration) (string, error) {
	return "https://files.test/" + key + "?sig=1", nil
}

func (f *fakeObjects) Remove(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	f.removed = append(f.removed, key)
	return nil
}

type fakeCache struct {
	mu      sync.Mutex
	entries map[workflow.Key][]byte
	gens    map[workflow.Key]int64
	// beforeSet runs once, outside the lock, ahead of the next Set.
	beforeSet func()
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: map[workflow.Key][]byte{}, gens: map[workflow.Key]int64{}}
}

func (f *fakeCache) Get(_ context.Context, key workflow.Key) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	body, ok := f.entries[key]
	return body, ok
}

func (f *fakeCache) Generation(_ context.Context, key workflow.Key) (int64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gens[key], true
}

func (f *fakeCache) Set(_ context.Context, key workflow.Key, gen int64, body []byte) {
	f.mu.Lock()
	hook := f.beforeSet
	f.beforeSet = nil
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gens[key] != gen {
		return
	}
	f.entries[key] = body
}

func (f *fakeCache) Observe(_ context.Context, ev workflow.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gens[ev.Key]++
	delete(f.entries, ev.Key)
	return nil
}

type fakeSearcher struct {
	last search.Query
}

func (f *fakeSearcher) Search(_ context.Context, q search.Query) search.Response {
	f.last = q
	return search.Response{Results: []search.Result{{Kind: "notice", ID: "n1", Title: "Water outage"}}, Total: 1}
}

type testEnv struct {
	svc      *Service
	server   http.Handler
	store    *fakeStore
	accounts *fakeAccounts
	sessions *fakeSessions
	objects  *fakeObjects
	cache    *fakeCache
	search   *fakeSearcher
	mem      *workflow.MemStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mem := workflow.NewMemStore(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
	env := &testEnv{
		store:    newFakeStore(adminUser, editorUser, approverA, approverB, viewerUser, outsiderUser),
		accounts: &fakeAccounts{},
		sessions: newFakeSessions(),
		objects:  newFakeObjects(),
		cache:    newFakeCache(),
		search:   &fakeSearcher{},
		mem:      mem,
	}
	engines := facility.NewEngines(mem, workflow.Options{Now: mem.Clock})
	env.svc = New(Deps{
		Config: config.Config{
			JWTSecret:  "test-secret",
			AccessTTL:  time.Hour,
			RefreshTTL: 24 * time.Hour,
			CORSOrigin: "*",
		},
		Store:    env.store,
		Accounts: env.accounts,
		Sessions: env.sessions,
		Engines:  engines,
		Search:   env.search,
		Files:    env.objects,
		Cache:    env.cache,
	})
	engines.Subscribe(env.cache, env.svc)
	env.server = NewHTTPServer(env.svc).Handler()
	return env
}

func (e *testEnv) token(t *testing.T, user store.User) string {
	t.Helper()
	sess, err := e.svc.issueSession(context.Background(), user)
	if err != nil {
		t.Fatalf("issue session for %s: %v", user.ID, err)
	}
	return sess.Token
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	e.server.ServeHTTP(rr, req)
	return rr
}

func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response %q: %v", rr.Body.String(), err)
	}
	return payload
}

func expectStatus(t *testing.T, rr *httptest.ResponseRecorder, status int) map[string]any {
	t.Helper()
	if rr.Code != status {
		t.Fatalf("expected status %d, got %d body=%s", status, rr.Code, rr.Body.String())
	}
	return decodeJSON(t, rr)
}

func recordOf(t *testing.T, payload map[string]any) (id, version, state string) {
	t.Helper()
	rec, ok := payload["record"].(map[string]any)
	if !ok {
		t.Fatalf("expected record in %v", payload)
	}
	key, _ := rec["key"].(map[string]any)
	id, _ = key["id"].(string)
	version, _ = rec["version"].(string)
	state, _ = rec["state"].(string)
	return id, version, state
}

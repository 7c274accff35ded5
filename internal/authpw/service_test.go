package authpw

import (
	"context"
	"errors"
	"testing"
	"time"

	"facilityops/api/internal/store"
)

// mockUserStore is a mock implementation of UserStore for testing
type mockUserStore struct {
	users      map[string]store.User
	emailIndex map[string]string // email -> userID
	resets     map[string]struct {
		userID    string
		expiresAt time.Time
		used      bool
	}
}

func newMockUserStore() *mockUserStore {
	return &mockUserStore{
		users:      make(map[string]store.User),
		emailIndex: make(map[string]string),
		resets: make(map[string]struct {
			userID    string
			expiresAt time.Time
			used      bool
		}),
	}
}

func (m *mockUserStore) GetUserByEmail(ctx context.Context, email string) (store.User, error) {
	if userID, ok := m.emailIndex[email]; ok {
		return m.users[userID], nil
	}
	return store.User{}, store.ErrNotFound
}

func (m *mockUserStore) CreateUser(ctx context.Context, user store.User) error {
	if _, ok := m.emailIndex[user.Email]; ok {
		return store.ErrEmailTaken
	}
	m.users[user.ID] = user
	m.emailIndex[user.Email] = user.ID
	return nil
}

func (m *mockUserStore) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	if user, ok := m.users[userID]; ok {
		user.PasswordHash = passwordHash
		m.users[userID] = user
		return nil
	}
	return store.ErrNotFound
}

func (m *mockUserStore) CreatePasswordReset(ctx context.Context, userID, tokenHash string, expiresAt time.Time) error {
	m.resets[tokenHash] = struct {
		userID    string
		expiresAt time.Time
		used      bool
	}{userID: userID, expiresAt: expiresAt}
	return nil
}

func (m *mockUserStore) ConsumePasswordReset(ctx context.Context, tokenHash string) (string, error) {
	reset, ok := m.resets[tokenHash]
	if !ok || reset.used || !time.Now().Before(reset.expiresAt) {
		return "", store.ErrNotFound
	}
	reset.used = true
	m.resets[tokenHash] = reset
	return reset.userID, nil
}

func TestRegister(t *testing.T) {
	ctx := context.Background()
	svc := NewService(newMockUserStore())

	t.Run("successful register", func(t *testing.T) {
		user, err := svc.Register(ctx, RegisterRequest{
			TenantID: "plant-7", Email: " Test@Example.com ", Password: "password123", DisplayName: "Test User", Role: "editor",
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if user.ID == "" || user.Email != "test@example.com" || user.Role != "editor" {
			t.Fatalf("unexpected user %+v", user)
		}
		if user.PasswordHash != "" {
			t.Error("password hash must not be returned")
		}
	})

	t.Run("duplicate email", func(t *testing.T) {
		_, err := svc.Register(ctx, RegisterRequest{
			TenantID: "plant-7", Email: "test@example.com", Password: "password123", DisplayName: "Other",
		})
		if !errors.Is(err, store.ErrEmailTaken) {
			t.Errorf("expected ErrEmailTaken, got %v", err)
		}
	})

	t.Run("short password", func(t *testing.T) {
		_, err := svc.Register(ctx, RegisterRequest{TenantID: "plant-7", Email: "a@example.com", Password: "short", DisplayName: "A"})
		if !errors.Is(err, ErrWeakPassword) {
			t.Errorf("expected ErrWeakPassword, got %v", err)
		}
	})

	t.Run("unknown role", func(t *testing.T) {
		_, err := svc.Register(ctx, RegisterRequest{TenantID: "plant-7", Email: "b@example.com", Password: "password123", DisplayName: "B", Role: "root"})
		if !errors.Is(err, ErrUnknownRole) {
			t.Errorf("expected ErrUnknownRole, got %v", err)
		}
	})

	t.Run("missing fields", func(t *testing.T) {
		if _, err := svc.Register(ctx, RegisterRequest{}); !errors.Is(err, ErrMissingFields) {
			t.Errorf("expected ErrMissingFields, got %v", err)
		}
	})
}

func TestSignIn(t *testing.T) {
	ctx := context.Background()
	mock := newMockUserStore()
	svc := NewService(mock)
	if _, err := svc.Register(ctx, RegisterRequest{
		TenantID: "plant-7", Email: "test@example.com", Password: "password123", DisplayName: "Test User",
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	t.Run("successful sign in", func(t *testing.T) {
		user, err := svc.SignIn(ctx, "test@example.com", "password123")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if user.Email != "test@example.com" || user.TenantID != "plant-7" {
			t.Errorf("unexpected user %+v", user)
		}
	})

	t.Run("wrong password", func(t *testing.T) {
		if _, err := svc.SignIn(ctx, "test@example.com", "wrongpassword"); !errors.Is(err, ErrInvalidCredentials) {
			t.Errorf("expected ErrInvalidCredentials, got %v", err)
		}
	})

	t.Run("unknown email", func(t *testing.T) {
		if _, err := svc.SignIn(ctx, "nobody@example.com", "password123"); !errors.Is(err, ErrInvalidCredentials) {
			t.Errorf("expected ErrInvalidCredentials, got %v", err)
		}
	})

	t.Run("deactivated account", func(t *testing.T) {
		id := mock.emailIndex["test@example.com"]
		user := mock.users[id]
		now := time.Now()
		user.DeactivatedAt = &now
		mock.users[id] = user
		if _, err := svc.SignIn(ctx, "test@example.com", "password123"); !errors.Is(err, ErrDeactivated) {
			t.Errorf("expected ErrDeactivated, got %v", err)
		}
	})
}

func TestPasswordReset(t *testing.T) {
	ctx := context.Background()
	svc := NewService(newMockUserStore())
	if _, err := svc.Register(ctx, RegisterRequest{
		TenantID: "plant-7", Email: "test@example.com", Password: "oldpassword", DisplayName: "Test User",
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	token, user, err := svc.RequestPasswordReset(ctx, "test@example.com")
	if err != nil || token == "" || user.Email != "test@example.com" {
		t.Fatalf("request reset: token=%q user=%+v err=%v", token, user, err)
	}

	if err := svc.ResetPassword(ctx, token, "newpassword123"); err != nil {
		t.Fatalf("reset password: %v", err)
	}
	if _, err := svc.SignIn(ctx, "test@example.com", "newpassword123"); err != nil {
		t.Fatalf("sign in with new password: %v", err)
	}
	if err := svc.ResetPassword(ctx, token, "anotherpassword"); !errors.Is(err, ErrInvalidResetToken) {
		t.Fatalf("reused token must fail, got %v", err)
	}

	token, _, err = svc.RequestPasswordReset(ctx, "nobody@example.com")
	if err != nil || token != "" {
		t.Fatalf("unknown email must be silent, got %q / %v", token, err)
	}
}

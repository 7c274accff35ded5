// Package authpw provides email/password accounts for facility staff.
package authpw

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"facilityops/api/internal/auth"
	"facilityops/api/internal/rbac"
	"facilityops/api/internal/store"
	"facilityops/api/internal/util"
)

var (
	ErrMissingFields      = errors.New("email, password and display name are required")
	ErrWeakPassword       = errors.New("password must be at least 8 characters")
	ErrUnknownRole        = errors.New("unknown role")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrDeactivated        = errors.New("account is deactivated")
	ErrInvalidResetToken  = errors.New("invalid or expired reset token")
)

const resetTTL = time.Hour

// Service provides email/password authentication
type Service struct {
	store UserStore
	now   func() time.Time
}

// UserStore defines the storage interface for auth
type UserStore interface {
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	CreateUser(ctx context.Context, user store.User) error
	UpdateUserPassword(ctx context.Context, userID, passwordHash string) error
	CreatePasswordReset(ctx context.Context, userID, tokenHash string, expiresAt time.Time) error
	ConsumePasswordReset(ctx context.Context, tokenHash string) (string, error)
}

func NewService(store UserStore) *Service {
	return &Service{store: store, now: time.Now}
}

// RegisterRequest provisions an account inside a tenant. Accounts are created
// by administrators; there is no self sign-up.
type RegisterRequest struct {
	TenantID    string
	Email       string
	Password    string
	DisplayName string
	Role        string
}

func (s *Service) Register(ctx context.Context, req RegisterRequest) (store.User, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	name := strings.TrimSpace(req.DisplayName)
	if email == "" || req.Password == "" || name == "" || strings.TrimSpace(req.TenantID) == "" {
		return store.User{}, ErrMissingFields
	}
	if len(req.Password) < 8 {
		return store.User{}, ErrWeakPassword
	}
	role := req.Role
	if role == "" {
		role = string(rbac.RoleViewer)
	}
	if !rbac.Valid(role) {
		return store.User{}, ErrUnknownRole
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return store.User{}, fmt.Errorf("hash password: %w", err)
	}
	user := store.User{
		ID:           util.NewID("usr"),
		TenantID:     req.TenantID,
		Email:        email,
		DisplayName:  name,
		Role:         role,
		PasswordHash: string(hash),
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrEmailTaken) {
			return store.User{}, err
		}
		return store.User{}, fmt.Errorf("create user: %w", err)
	}
	user.PasswordHash = ""
	return user, nil
}

// SignIn authenticates a user
func (s *Service) SignIn(ctx context.Context, email, password string) (store.User, error) {
	if strings.TrimSpace(email) == "" || password == "" {
		return store.User{}, ErrInvalidCredentials
	}
	user, err := s.store.GetUserByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		return store.User{}, ErrInvalidCredentials
	}
	if err != nil {
		return store.User{}, fmt.Errorf("lookup user: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return store.User{}, ErrInvalidCredentials
	}
	if !user.Active() {
		return store.User{}, ErrDeactivated
	}
	return user, nil
}

// RequestPasswordReset returns a one-time reset token and the account it
// belongs to. Unknown emails yield an empty token and no error.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) (string, store.User, error) {
	user, err := s.store.GetUserByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		return "", store.User{}, nil
	}
	if err != nil {
		return "", store.User{}, fmt.Errorf("lookup user: %w", err)
	}
	if !user.Active() {
		return "", store.User{}, nil
	}

	token, err := generateToken()
	if err != nil {
		return "", store.User{}, err
	}
	if err := s.store.CreatePasswordReset(ctx, user.ID, auth.HashToken(token), s.now().Add(resetTTL)); err != nil {
		return "", store.User{}, err
	}
	return token, user, nil
}

// ResetPassword resets a user's password using a reset token
func (s *Service) ResetPassword(ctx context.Context, token, newPassword string) error {
	if token == "" {
		return ErrInvalidResetToken
	}
	if len(newPassword) < 8 {
		return ErrWeakPassword
	}
	userID, err := s.store.ConsumePasswordReset(ctx, auth.HashToken(token))
	if errors.Is(err, store.ErrNotFound) {
		return ErrInvalidResetToken
	}
	if err != nil {
		return fmt.Errorf("consume reset token: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := s.store.UpdateUserPassword(ctx, userID, string(hash)); err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

// generateToken creates a secure random token
func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

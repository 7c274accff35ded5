package auth

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func validClaims(exp time.Time) Claims {
	return Claims{
		Sub:    "user-1",
		Name:   "Avery",
		Role:   "approver",
		Tenant: "plant-7",
		JTI:    "jti-1",
		Exp:    exp.Unix(),
	}
}

func TestIssueAndParseToken(t *testing.T) {
	secret := []byte("secret")
	issued, err := IssueToken(secret, validClaims(time.Now().Add(time.Hour)))
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	claims, err := ParseToken(secret, issued)
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}
	if claims.Sub != "user-1" || claims.Name != "Avery" || claims.Role != "approver" || claims.Tenant != "plant-7" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestParseTokenRejectsExpired(t *testing.T) {
	secret := []byte("secret")
	issued, err := IssueToken(secret, validClaims(time.Now().Add(-time.Minute)))
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	if _, err = ParseToken(secret, issued); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}

func TestParseTokenRejectsWrongSecretAndTampering(t *testing.T) {
	issued, err := IssueToken([]byte("secret"), validClaims(time.Now().Add(time.Hour)))
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	if _, err := ParseToken([]byte("other"), issued); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for wrong secret, got %v", err)
	}
	parts := strings.Split(issued, ".")
	tampered := parts[0] + "." + parts[1] + "x." + parts[2]
	if _, err := ParseToken([]byte("secret"), tampered); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for tampered token, got %v", err)
	}
}

func TestParseTokenRequiresTenant(t *testing.T) {
	claims := validClaims(time.Now().Add(time.Hour))
	claims.Tenant = ""
	issued, err := IssueToken([]byte("secret"), claims)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	if _, err := ParseToken([]byte("secret"), issued); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken without tenant, got %v", err)
	}
}

func TestHashTokenIsStable(t *testing.T) {
	if HashToken("abc") != HashToken("abc") || HashToken("abc") == HashToken("abd") {
		t.Fatal("HashToken must be deterministic and distinguish inputs")
	}
	if len(HashToken("abc")) != 64 {
		t.Fatalf("expected hex sha256, got %q", HashToken("abc"))
	}
}

package util

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestNewID(t *testing.T) {
	plain := NewID("")
	if _, err := uuid.Parse(plain); err != nil {
		t.Fatalf("expected a uuid, got %q", plain)
	}
	prefixed := NewID("att")
	if !strings.HasPrefix(prefixed, "att_") {
		t.Fatalf("expected att_ prefix, got %q", prefixed)
	}
	if NewID("") == NewID("") {
		t.Fatal("ids must not repeat")
	}
}

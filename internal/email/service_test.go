package email

import (
	"errors"
	"net/smtp"
	"strings"
	"testing"
)

func TestServiceIsConfigured(t *testing.T) {
	tests := []struct {
		name     string
		config   Config
		expected bool
	}{
		{name: "empty config", config: Config{}, expected: false},
		{name: "missing host", config: Config{Port: "587", From: "ops@example.com"}, expected: false},
		{name: "missing port", config: Config{Host: "smtp.example.com", From: "ops@example.com"}, expected: false},
		{name: "missing from", config: Config{Host: "smtp.example.com", Port: "587"}, expected: false},
		{name: "fully configured", config: Config{Host: "smtp.example.com", Port: "587", From: "ops@example.com"}, expected: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewService(tt.config)
			if svc.IsConfigured() != tt.expected {
				t.Errorf("IsConfigured() = %v, want %v", svc.IsConfigured(), tt.expected)
			}
		})
	}
}

type sentMail struct {
	addr string
	from string
	to   []string
	msg  string
}

func captureService(t *testing.T) (*Service, *[]sentMail) {
	t.Helper()
	svc := NewService(Config{Host: "smtp.example.com", Port: "587", From: "ops@example.com", FromName: "Facility Ops"})
	var sent []sentMail
	svc.send = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		sent = append(sent, sentMail{addr: addr, from: from, to: to, msg: string(msg)})
		return nil
	}
	return svc, &sent
}

func TestSendHTMLEmail(t *testing.T) {
	svc, sent := captureService(t)
	if err := svc.SendHTMLEmail([]string{"a@example.com", "b@example.com"}, "Hello", "plain", "<p>rich</p>"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(*sent) != 1 {
		t.Fatalf("expected one message, got %d", len(*sent))
	}
	m := (*sent)[0]
	if m.addr != "smtp.example.com:587" || m.from != "ops@example.com" {
		t.Errorf("unexpected envelope %+v", m)
	}
	for _, want := range []string{"To: a@example.com, b@example.com", "From: Facility Ops <ops@example.com>", "Subject: Hello", "plain", "<p>rich</p>"} {
		if !strings.Contains(m.msg, want) {
			t.Errorf("message missing %q", want)
		}
	}
}

func TestSendHTMLEmailNotConfigured(t *testing.T) {
	svc := NewService(Config{})
	if err := svc.SendHTMLEmail([]string{"a@example.com"}, "s", "t", "h"); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestSendPasswordResetEmail(t *testing.T) {
	svc, sent := captureService(t)
	if err := svc.SendPasswordResetEmail("a@example.com", "Ana", "tok-123"); err != nil {
		t.Fatalf("send: %v", err)
	}
	msg := (*sent)[0].msg
	if !strings.Contains(msg, "tok-123") || !strings.Contains(msg, "Ana") {
		t.Errorf("reset mail should carry token and name: %s", msg)
	}
}

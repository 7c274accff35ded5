// Package email sends account and workflow mail over SMTP.
package email

import (
	"bytes"
	"errors"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"
)

var ErrNotConfigured = errors.New("email not configured")

// Config holds SMTP configuration
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
}

// Service provides email sending
type Service struct {
	config Config
	server string
	auth   smtp.Auth
	send   func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewService(config Config) *Service {
	var auth smtp.Auth
	if config.Username != "" {
		auth = smtp.PlainAuth("", config.Username, config.Password, config.Host)
	}
	return &Service{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   auth,
		send:   smtp.SendMail,
	}
}

// IsConfigured returns true if email is configured
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

// SendHTMLEmail sends a multipart message with a plain text fallback.
func (s *Service) SendHTMLEmail(to []string, subject, textBody, htmlBody string) error {
	if !s.IsConfigured() {
		return ErrNotConfigured
	}
	if len(to) == 0 {
		return nil
	}

	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}
	boundary := "boundary-facilityops"

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n\r\n", boundary)

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	fmt.Fprintf(&msg, "%s\r\n\r\n", textBody)

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n\r\n")
	fmt.Fprintf(&msg, "%s\r\n\r\n", htmlBody)
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)

	return s.send(s.server, s.auth, s.config.From, to, msg.Bytes())
}

type PasswordResetData struct {
	AppName  string
	UserName string
	Token    string
}

// SendPasswordResetEmail mails the one-time reset token.
func (s *Service) SendPasswordResetEmail(to, userName, token string) error {
	data := PasswordResetData{AppName: "Facility Ops", UserName: userName, Token: token}
	html, err := renderTemplate(passwordResetTemplate, data)
	if err != nil {
		return fmt.Errorf("render password reset template: %w", err)
	}
	text := fmt.Sprintf("Hi %s,\n\nYour password reset code is %s. It expires in 1 hour.", userName, token)
	return s.SendHTMLEmail([]string{to}, "Reset your Facility Ops password", text, html)
}

func renderTemplate(tmpl *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

var passwordResetTemplate = template.Must(template.New("reset").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="UTF-8"><title>Reset your {{.AppName}} password</title></head>
<body style="font-family: sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto;">
    <h1>{{.AppName}}</h1>
    <p>Hi {{.UserName}},</p>
    <p>We received a request to reset your password. Use this code to choose a new one:</p>
    <p style="font-size: 20px; font-family: monospace;">{{.Token}}</p>
    <p><strong>Important:</strong> the code expires in 1 hour.</p>
    <p style="font-size: 12px; color: #666;">If you didn't request a reset, you can ignore this email.</p>
</body>
</html>`))

type WorkflowData struct {
	AppName   string
	Headline  string
	Kind      string
	Title     string
	ActorName string
	Comment   string
	Summary   string
}

var workflowTemplate = template.Must(template.New("workflow").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="UTF-8"><title>{{.Headline}}</title></head>
<body style="font-family: sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto;">
    <h1>{{.AppName}}</h1>
    <h2>{{.Headline}}</h2>
    <p><strong>{{.Kind}}:</strong> {{.Title}}</p>
    <p>By {{.ActorName}}</p>
    {{if .Comment}}<blockquote>{{.Comment}}</blockquote>{{end}}
    {{if .Summary}}<p>{{.Summary}}</p>{{end}}
</body>
</html>`))

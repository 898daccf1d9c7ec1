package executor

import (
	"context"
	"fmt"
	"net/smtp"
	"os"
	"path/filepath"
	"strings"
	"time"

	"vaultline/internal/task"
	"vaultline/internal/vault"
)

// Mail sends approved email replies over SMTP. Recipients on the
// blocked list never receive mail; the reply is saved as a draft
// for the operator instead, and the task still completes.
type Mail struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	Blocked  []string
	DraftDir string
	Now      func() time.Time
	// Send is smtp.SendMail unless a test substitutes it.
	Send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewMail builds the handler from SMTP_* environment variables, which
// vl loads from the vault's .env file at startup.
func NewMail(v vault.Vault, blocked []string) Mail {
	return Mail{
		Host:     os.Getenv("SMTP_HOST"),
		Port:     os.Getenv("SMTP_PORT"),
		Username: os.Getenv("SMTP_USERNAME"),
		Password: os.Getenv("SMTP_PASSWORD"),
		From:     os.Getenv("SMTP_FROM"),
		Blocked:  blocked,
		DraftDir: filepath.Join(v.SessionDir("email"), "drafts"),
	}
}

func (m Mail) Platform() string      { return "email" }
func (m Mail) RequiresSession() bool { return false }

func (m Mail) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m Mail) Execute(ctx context.Context, t task.Task) (Result, error) {
	to := recipient(t)
	if to == "" {
		return Result{}, fmt.Errorf("%w: task has no recipient", ErrValidation)
	}
	if m.Host == "" || m.From == "" {
		return Result{}, fmt.Errorf("%w: SMTP_HOST and SMTP_FROM must be set", ErrConfig)
	}

	subject := t.Meta.Subject
	if subject != "" && !strings.HasPrefix(strings.ToLower(subject), "re:") {
		subject = "Re: " + subject
	}
	msg := m.buildMessage(to, subject, t.Body)

	if m.blocked(to) {
		draft, err := m.saveDraft(to, msg)
		if err != nil {
			return Result{}, fmt.Errorf("%w: recipient %s is blocked and draft save failed: %v", ErrValidation, to, err)
		}
		return Result{Note: "drafted_instead", Details: map[string]any{"recipient": to, "draft": draft}}, nil
	}

	if err := ctx.Err(); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrRetry, err)
	}
	send := m.Send
	if send == nil {
		send = smtp.SendMail
	}
	var auth smtp.Auth
	if m.Username != "" {
		auth = smtp.PlainAuth("", m.Username, m.Password, m.Host)
	}
	port := m.Port
	if port == "" {
		port = "587"
	}
	if err := send(m.Host+":"+port, auth, m.From, []string{to}, msg); err != nil {
		return Result{}, fmt.Errorf("%w: smtp send to %s: %v", ErrRetry, to, err)
	}
	return Result{Note: "sent", Details: map[string]any{"recipient": to}}, nil
}

// blocked matches addresses case-insensitively; list entries come
// from operator config and carry whatever casing was typed there.
func (m Mail) blocked(to string) bool {
	for _, b := range m.Blocked {
		if strings.EqualFold(b, to) {
			return true
		}
	}
	return false
}

func (m Mail) buildMessage(to, subject, body string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", m.From)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	fmt.Fprintf(&b, "Date: %s\r\n", m.now().UTC().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	return []byte(b.String())
}

func (m Mail) saveDraft(to string, msg []byte) (string, error) {
	if err := os.MkdirAll(m.DraftDir, 0o755); err != nil {
		return "", err
	}
	name := fmt.Sprintf("%s_%s.eml", m.now().UTC().Format("20060102_150405"), task.Sanitize(to))
	path := filepath.Join(m.DraftDir, name)
	if err := os.WriteFile(path, msg, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func recipient(t task.Task) string {
	if to, ok := t.Meta.Extra["to"].(string); ok && to != "" {
		return to
	}
	return t.Meta.Sender
}

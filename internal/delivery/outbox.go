package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"net/mail"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Outbox writes each email as an RFC 5322 .eml file into a directory that
// an MTA or a human picks up from.
type Outbox struct {
	dir  string
	from string
	now  func() time.Time
}

// NewOutbox creates the outbox directory.
func NewOutbox(dir, from string) (*Outbox, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create outbox: %w", err)
	}
	return &Outbox{dir: dir, from: from, now: time.Now}, nil
}

// SendEmail validates the recipients and writes the message.
func (o *Outbox) SendEmail(ctx context.Context, msg Email) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(msg.To) == 0 {
		return "", fmt.Errorf("send email: no recipients")
	}
	to := make([]string, 0, len(msg.To))
	for _, addr := range msg.To {
		parsed, err := mail.ParseAddress(strings.TrimSpace(addr))
		if err != nil {
			return "", fmt.Errorf("send email: bad recipient %q: %w", addr, err)
		}
		to = append(to, parsed.String())
	}

	id := uuid.NewString()
	var b strings.Builder
	fmt.Fprintf(&b, "Message-ID: <%s@taskclaw>\r\n", id)
	fmt.Fprintf(&b, "Date: %s\r\n", o.now().UTC().Format(time.RFC1123Z))
	fmt.Fprintf(&b, "From: %s\r\n", o.from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", headerSafe(msg.Subject))
	if msg.TaskID != "" {
		fmt.Fprintf(&b, "X-Taskclaw-Task: %s\r\n", msg.TaskID)
	}
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(strings.ReplaceAll(msg.Body, "\n", "\r\n"))

	path := filepath.Join(o.dir, id+".eml")
	if err := os.WriteFile(path, []byte(b.String()), 0o600); err != nil {
		return "", fmt.Errorf("write outbox message: %w", err)
	}
	slog.Info("Email queued to outbox", "id", id, "task_id", msg.TaskID, "recipients", len(to))
	return id, nil
}

func headerSafe(s string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
}

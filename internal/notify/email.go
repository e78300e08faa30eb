package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nugget/skein/internal/config"
)

type sendFunc func(ctx context.Context, cfg config.SMTPConfig, from string, recipients []string, msg []byte) error

// Email sends notifications as markdown email to a fixed recipient
// list.
type Email struct {
	cfg    config.EmailConfig
	logger *slog.Logger
	send   sendFunc
}

// NewEmail creates an email notifier. An unconfigured notifier reports
// sent=false for every notification.
func NewEmail(cfg config.EmailConfig, logger *slog.Logger) *Email {
	return &Email{cfg: cfg, logger: logger.With("component", "email"), send: sendMail}
}

// Send implements [Notifier].
func (e *Email) Send(ctx context.Context, n Notification) (bool, error) {
	if !e.cfg.Configured() {
		return false, nil
	}

	raw, err := compose(message{
		From:     e.cfg.From,
		To:       e.cfg.To,
		Subject:  e.subject(n),
		Body:     n.Text,
		ThreadID: n.ThreadID,
	})
	if err != nil {
		return false, fmt.Errorf("compose notification: %w", err)
	}

	if err := e.send(ctx, e.cfg.SMTP, e.cfg.From, uniqueRecipients(e.cfg.To), raw); err != nil {
		return false, fmt.Errorf("send notification: %w", err)
	}
	e.logger.Info("notification emailed", "thread_id", n.ThreadID, "recipients", len(e.cfg.To))
	return true, nil
}

func (e *Email) subject(n Notification) string {
	subject := n.Title
	if subject == "" {
		subject = firstLine(n.Text, 72)
	}
	if e.cfg.SubjectPrefix != "" {
		subject = e.cfg.SubjectPrefix + " " + subject
	}
	return subject
}

func firstLine(s string, max int) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if r := []rune(s); len(r) > max {
		s = string(r[:max-1]) + "…"
	}
	return s
}

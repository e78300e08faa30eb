package notify

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/nugget/skein/internal/config"
)

func testEmailConfig() config.EmailConfig {
	return config.EmailConfig{
		SMTP:          config.SMTPConfig{Host: "smtp.example.com", Port: 587, StartTLS: true},
		From:          "Skein <skein@example.com>",
		To:            []string{"Ops <ops@example.com>", "ops@example.com", "oncall@example.com"},
		SubjectPrefix: "[skein]",
	}
}

func TestEmail_Unconfigured(t *testing.T) {
	e := NewEmail(config.EmailConfig{}, slog.Default())
	e.send = func(context.Context, config.SMTPConfig, string, []string, []byte) error {
		t.Fatal("send should not be called")
		return nil
	}
	sent, err := e.Send(context.Background(), Notification{Text: "hello"})
	if sent || err != nil {
		t.Errorf("Send() = (%v, %v), want (false, nil)", sent, err)
	}
}

func TestEmail_Send(t *testing.T) {
	e := NewEmail(testEmailConfig(), slog.Default())

	var (
		gotFrom  string
		gotRcpts []string
		gotMsg   string
	)
	e.send = func(_ context.Context, _ config.SMTPConfig, from string, rcpts []string, msg []byte) error {
		gotFrom, gotRcpts, gotMsg = from, rcpts, string(msg)
		return nil
	}

	sent, err := e.Send(context.Background(), Notification{
		ThreadID: "thread-1",
		Text:     "Backup **failed** on db01\nsecond line",
	})
	if err != nil || !sent {
		t.Fatalf("Send() = (%v, %v), want (true, nil)", sent, err)
	}
	if gotFrom != "Skein <skein@example.com>" {
		t.Errorf("from = %q", gotFrom)
	}
	if len(gotRcpts) != 2 || gotRcpts[0] != "ops@example.com" || gotRcpts[1] != "oncall@example.com" {
		t.Errorf("recipients = %v, want deduplicated bare addresses", gotRcpts)
	}
	for _, want := range []string{
		"Subject: [skein] Backup **failed** on db01",
		"X-Skein-Thread: thread-1",
		"Backup failed on db01",
		"<strong>failed</strong>",
	} {
		if !strings.Contains(gotMsg, want) {
			t.Errorf("message missing %q", want)
		}
	}
}

func TestEmail_SendError(t *testing.T) {
	e := NewEmail(testEmailConfig(), slog.Default())
	e.send = func(context.Context, config.SMTPConfig, string, []string, []byte) error {
		return errors.New("connection refused")
	}
	sent, err := e.Send(context.Background(), Notification{Title: "t", Text: "x"})
	if sent {
		t.Error("sent = true on send failure")
	}
	if err == nil || !strings.Contains(err.Error(), "connection refused") {
		t.Errorf("err = %v", err)
	}
}

func TestMarkdownToPlain(t *testing.T) {
	tests := []struct {
		name string
		md   string
		want string
	}{
		{"bold", "This is **bold** text", "This is bold text"},
		{"italic", "This is *italic* text", "This is italic text"},
		{"link", "Visit [Example](https://example.com) now", "Visit Example (https://example.com) now"},
		{"heading", "## Section Title\n\nSome text", "Section Title\n\nSome text"},
		{"inline code", "Use the `fmt.Println` function", "Use the fmt.Println function"},
		{"image", "See ![alt text](https://example.com/img.png) here", "See alt text here"},
		{"list items preserved", "- item one\n- item two", "- item one\n- item two"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := markdownToPlain(tt.md); got != tt.want {
				t.Errorf("markdownToPlain(%q) = %q, want %q", tt.md, got, tt.want)
			}
		})
	}
}

func TestExtractAddress(t *testing.T) {
	tests := []struct{ in, want string }{
		{"user@example.com", "user@example.com"},
		{"Name <user@example.com>", "user@example.com"},
		{" <user@example.com> ", "user@example.com"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := extractAddress(tt.in); got != tt.want {
			t.Errorf("extractAddress(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFirstLine(t *testing.T) {
	if got := firstLine("  hello\nworld", 72); got != "hello" {
		t.Errorf("firstLine = %q, want hello", got)
	}
	if got := firstLine(strings.Repeat("a", 100), 10); got != "aaaaaaaaa…" {
		t.Errorf("firstLine = %q, want truncated", got)
	}
}

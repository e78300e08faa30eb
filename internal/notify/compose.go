package notify

import (
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/yuin/goldmark"
)

// message is a single outbound notification email. Body is markdown.
type message struct {
	From     string
	To       []string
	Subject  string
	Body     string
	ThreadID string
}

// compose builds an RFC 5322 message whose markdown body is rendered
// as a multipart/alternative text/plain and text/html pair.
func compose(msg message) ([]byte, error) {
	var h mail.Header
	h.SetDate(time.Now())
	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("generate message-id: %w", err)
	}
	h.SetSubject(msg.Subject)

	from, err := mail.ParseAddress(msg.From)
	if err != nil {
		return nil, fmt.Errorf("parse from address %q: %w", msg.From, err)
	}
	h.SetAddressList("From", []*mail.Address{from})

	to := make([]*mail.Address, 0, len(msg.To))
	for _, a := range msg.To {
		parsed, err := mail.ParseAddress(a)
		if err != nil {
			return nil, fmt.Errorf("parse address %q: %w", a, err)
		}
		to = append(to, parsed)
	}
	h.SetAddressList("To", to)

	if msg.ThreadID != "" {
		h.Set("X-Skein-Thread", msg.ThreadID)
	}

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create mail writer: %w", err)
	}
	tw, err := mw.CreateInline()
	if err != nil {
		return nil, fmt.Errorf("create inline writer: %w", err)
	}

	html, err := markdownToHTML(msg.Body)
	if err != nil {
		return nil, fmt.Errorf("render markdown to HTML: %w", err)
	}
	parts := []struct{ contentType, body string }{
		{"text/plain; charset=utf-8", markdownToPlain(msg.Body)},
		{"text/html; charset=utf-8", html},
	}
	for _, p := range parts {
		var ph mail.InlineHeader
		ph.Set("Content-Type", p.contentType)
		pw, err := tw.CreatePart(ph)
		if err != nil {
			return nil, fmt.Errorf("create %s part: %w", p.contentType, err)
		}
		if _, err := io.WriteString(pw, p.body); err != nil {
			return nil, fmt.Errorf("write %s part: %w", p.contentType, err)
		}
		if err := pw.Close(); err != nil {
			return nil, fmt.Errorf("close %s part: %w", p.contentType, err)
		}
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close inline writer: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close mail writer: %w", err)
	}
	return buf.Bytes(), nil
}

func markdownToHTML(md string) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return "", err
	}
	return fmt.Sprintf(`<!DOCTYPE html>
<html><head><meta charset="utf-8"></head>
<body style="font-family: sans-serif; font-size: 14px; line-height: 1.5;">
%s
</body></html>`, buf.String()), nil
}

var (
	mdBold       = regexp.MustCompile(`\*\*(.+?)\*\*`)
	mdItalic     = regexp.MustCompile(`\*(.+?)\*`)
	mdLink       = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
	mdImage      = regexp.MustCompile(`!\[([^\]]*)\]\([^)]+\)`)
	mdHeading    = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	mdCodeBlock  = regexp.MustCompile("(?s)```[a-zA-Z]*\n?(.*?)```")
	mdInlineCode = regexp.MustCompile("`([^`]+)`")
)

// markdownToPlain strips markdown formatting. List markers are left
// alone since they read fine as plain text.
func markdownToPlain(md string) string {
	s := mdCodeBlock.ReplaceAllString(md, "$1")
	s = mdImage.ReplaceAllString(s, "$1")
	s = mdLink.ReplaceAllString(s, "$1 ($2)")
	s = mdBold.ReplaceAllString(s, "$1")
	s = mdItalic.ReplaceAllString(s, "$1")
	s = mdInlineCode.ReplaceAllString(s, "$1")
	s = mdHeading.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}

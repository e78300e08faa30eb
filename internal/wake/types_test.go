package wake

import (
	"errors"
	"testing"
	"time"
)

func TestParseDelay(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"45s", 45 * time.Second},
		{"10m", 10 * time.Minute},
		{"2h", 2 * time.Hour},
		{"3d", 72 * time.Hour},
	}
	for _, tt := range tests {
		got, err := ParseDelay(tt.in)
		if err != nil {
			t.Errorf("ParseDelay(%q) error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseDelay(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseDelayInvalid(t *testing.T) {
	for _, in := range []string{"", "0m", "10", "m", "1.5h", "10 minutes", "-5m", "2w", "1h30m", "99999d"} {
		_, err := ParseDelay(in)
		var ide *InvalidDelayError
		if !errors.As(err, &ide) {
			t.Errorf("ParseDelay(%q) error = %v, want *InvalidDelayError", in, err)
			continue
		}
		if ide.Input != in {
			t.Errorf("InvalidDelayError.Input = %q, want %q", ide.Input, in)
		}
	}
}

func TestPayloadRoundTrip(t *testing.T) {
	b, err := encodePayload(Payload{ThreadID: "t-1", Reason: "check the build"})
	if err != nil {
		t.Fatalf("encodePayload: %v", err)
	}
	again, err := encodePayload(Payload{ThreadID: "t-1", Reason: "check the build"})
	if err != nil {
		t.Fatalf("encodePayload: %v", err)
	}
	if string(b) != string(again) {
		t.Error("payload encoding is not deterministic")
	}

	p, err := decodePayload(b)
	if err != nil {
		t.Fatalf("decodePayload: %v", err)
	}
	if p.ThreadID != "t-1" || p.Reason != "check the build" {
		t.Errorf("decodePayload = %+v", p)
	}
}

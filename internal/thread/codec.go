package thread

import (
	"encoding/json"
	"fmt"
)

// EncodeMessages renders a transcript for a JSON column. A nil slice
// encodes as an empty array.
func EncodeMessages(msgs []Message) ([]byte, error) {
	if msgs == nil {
		msgs = []Message{}
	}
	b, err := json.Marshal(msgs)
	if err != nil {
		return nil, fmt.Errorf("encode messages: %w", err)
	}
	return b, nil
}

// DecodeMessages parses a transcript JSON column.
func DecodeMessages(b []byte) ([]Message, error) {
	msgs := []Message{}
	if len(b) == 0 {
		return msgs, nil
	}
	if err := json.Unmarshal(b, &msgs); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	return msgs, nil
}

// EncodeContext renders a context map for a JSON column.
func EncodeContext(ctx map[string]any) ([]byte, error) {
	if ctx == nil {
		ctx = map[string]any{}
	}
	b, err := json.Marshal(ctx)
	if err != nil {
		return nil, fmt.Errorf("encode context: %w", err)
	}
	return b, nil
}

// DecodeContext parses a context JSON column.
func DecodeContext(b []byte) (map[string]any, error) {
	ctx := map[string]any{}
	if len(b) == 0 {
		return ctx, nil
	}
	if err := json.Unmarshal(b, &ctx); err != nil {
		return nil, fmt.Errorf("decode context: %w", err)
	}
	return ctx, nil
}

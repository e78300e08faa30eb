package tools

import (
	"context"
	"errors"
	"testing"
)

func echoTool(name string) *Tool {
	return &Tool{
		Name:        name,
		Description: "echoes the caller",
		Parameters:  map[string]any{"type": "object"},
		Handler: func(ctx context.Context, call Call, args map[string]any) (string, error) {
			return call.ThreadID + ":" + name, nil
		},
	}
}

func TestRegistry_ListSorted(t *testing.T) {
	r := NewRegistry()
	r.Register(echoTool("zeta"))
	r.Register(echoTool("alpha"))
	r.Register(echoTool("mid"))

	list := r.List()
	if len(list) != 3 {
		t.Fatalf("List() returned %d tools, want 3", len(list))
	}
	var names []string
	for _, entry := range list {
		fn := entry["function"].(map[string]any)
		names = append(names, fn["name"].(string))
	}
	want := []string{"alpha", "mid", "zeta"}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("List()[%d] = %q, want %q", i, names[i], want[i])
		}
	}
}

func TestRegistry_ExecutePassesCall(t *testing.T) {
	r := NewRegistry()
	r.Register(echoTool("who"))

	got, err := r.Execute(context.Background(), Call{ThreadID: "t-42"}, "who", "")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got != "t-42:who" {
		t.Errorf("Execute = %q, want t-42:who", got)
	}
}

func TestRegistry_ExecuteUnknown(t *testing.T) {
	r := NewRegistry()
	_, err := r.Execute(context.Background(), Call{}, "missing", "{}")
	var unavailable *ErrToolUnavailable
	if !errors.As(err, &unavailable) {
		t.Fatalf("Execute(missing) error = %v, want *ErrToolUnavailable", err)
	}
}

func TestRegistry_ExecuteHandlerError(t *testing.T) {
	r := NewRegistry()
	r.Register(&Tool{
		Name: "broken",
		Handler: func(ctx context.Context, call Call, args map[string]any) (string, error) {
			return "", errors.New("nope")
		},
	})

	_, err := r.Execute(context.Background(), Call{}, "broken", `{"x":1}`)
	var execErr *ExecutionError
	if !errors.As(err, &execErr) || execErr.Tool != "broken" {
		t.Fatalf("Execute error = %v, want *ExecutionError for broken", err)
	}

	_, err = r.Execute(context.Background(), Call{}, "broken", `{not json`)
	if !errors.As(err, &execErr) {
		t.Fatalf("Execute(bad json) error = %v, want *ExecutionError", err)
	}
}

func TestUnion_LaterWins(t *testing.T) {
	domain := NewRegistry()
	domain.Register(echoTool("shared"))
	domain.Register(echoTool("domain_only"))

	meta := NewRegistry()
	override := echoTool("shared")
	override.Description = "meta"
	meta.Register(override)

	u := Union(domain, nil, meta)
	if u.Len() != 2 {
		t.Fatalf("Union has %d tools, want 2", u.Len())
	}
	if got := u.Get("shared").Description; got != "meta" {
		t.Errorf("shared description = %q, want meta", got)
	}
}

func TestArgs(t *testing.T) {
	args := map[string]any{"s": "  hi ", "blank": "  ", "f": float64(3), "frac": 2.5, "str": "7"}

	if v, ok := String(args, "s"); !ok || v != "hi" {
		t.Errorf("String(s) = %q, %v", v, ok)
	}
	if _, ok := String(args, "blank"); ok {
		t.Error("String(blank) reported present")
	}
	if v, ok := Int(args, "f"); !ok || v != 3 {
		t.Errorf("Int(f) = %d, %v", v, ok)
	}
	if _, ok := Int(args, "frac"); ok {
		t.Error("Int(frac) accepted a fraction")
	}
	if v, ok := Int(args, "str"); !ok || v != 7 {
		t.Errorf("Int(str) = %d, %v", v, ok)
	}
}

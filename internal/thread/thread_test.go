package thread

import "testing"

func TestStatusTerminal(t *testing.T) {
	tests := []struct {
		status Status
		want   bool
	}{
		{StatusActive, false},
		{StatusSleeping, false},
		{StatusComplete, true},
		{StatusFailed, true},
	}
	for _, tt := range tests {
		if got := tt.status.Terminal(); got != tt.want {
			t.Errorf("%s.Terminal() = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestPatchApply(t *testing.T) {
	th := &Thread{
		Status:     StatusSleeping,
		Context:    map[string]any{"a": 1},
		WakeHandle: "h",
		WakeReason: "r",
	}
	Patch{
		Status:       Ptr(StatusActive),
		ContextMerge: map[string]any{"b": 2},
		WakeHandle:   Ptr(""),
		WakeReason:   Ptr(""),
	}.Apply(th)

	if th.Status != StatusActive {
		t.Errorf("Status = %q, want active", th.Status)
	}
	if th.Context["a"] != 1 || th.Context["b"] != 2 {
		t.Errorf("Context = %v, want a and b", th.Context)
	}
	if th.HasPendingWake() || th.WakeReason != "" {
		t.Errorf("wake fields not cleared: %q %q", th.WakeHandle, th.WakeReason)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	orig := &Thread{
		Messages: []Message{{ID: "1", Content: "x"}},
		Context:  map[string]any{"k": "v"},
	}
	c := orig.Clone()
	c.Messages[0].Content = "changed"
	c.Context["k"] = "changed"

	if orig.Messages[0].Content != "x" || orig.Context["k"] != "v" {
		t.Error("mutating clone changed original")
	}
}

func TestPatchEmpty(t *testing.T) {
	if !(Patch{}).Empty() {
		t.Error("zero Patch should be empty")
	}
	if (Patch{Title: Ptr("")}).Empty() {
		t.Error("Patch with Title should not be empty")
	}
}

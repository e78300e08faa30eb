package trigger

import (
	"encoding/hex"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/zeebo/blake3"
)

// SourceAlert is the thread source used for alert-driven threads. The
// alert fingerprint is the source id.
const SourceAlert = "alert"

// Alert is an inbound alert from a monitoring system.
type Alert struct {
	Name        string            `json:"name"`
	Fingerprint string            `json:"fingerprint,omitempty"`
	Severity    string            `json:"severity,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
	Summary     string            `json:"summary,omitempty"`
	Description string            `json:"description,omitempty"`
}

// alertDomainKey separates alert fingerprints from any other keyed
// BLAKE3 use. Changing it changes every derived fingerprint.
var alertDomainKey = [32]byte{
	's', 'k', 'e', 'i', 'n', '.', 'a', 'l', 'e', 'r', 't', '.',
	'f', 'i', 'n', 'g', 'e', 'r', 'p', 'r', 'i', 'n', 't',
}

// Fingerprint returns the alert's dedup key. An explicit fingerprint
// wins; otherwise one is derived from the name and the sorted labels,
// so the same alert identity always maps to the same key regardless of
// label order.
func Fingerprint(a Alert) string {
	if fp := strings.TrimSpace(a.Fingerprint); fp != "" {
		return fp
	}

	hasher, err := blake3.NewKeyed(alertDomainKey[:])
	if err != nil {
		panic("trigger: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	var buf strings.Builder
	buf.WriteString(a.Name)
	for _, k := range slices.Sorted(maps.Keys(a.Labels)) {
		buf.WriteString("\x00" + k + "\x01" + a.Labels[k])
	}
	hasher.Write([]byte(buf.String()))
	return hex.EncodeToString(hasher.Sum(nil)[:16])
}

// Render formats the alert as the synthetic message that opens or
// continues an investigation.
func (a Alert) Render() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Alert: %s", a.Name)
	if a.Severity != "" {
		fmt.Fprintf(&sb, " (%s)", a.Severity)
	}
	sb.WriteString("\n")
	if a.Summary != "" {
		fmt.Fprintf(&sb, "\n%s\n", a.Summary)
	}
	if a.Description != "" {
		fmt.Fprintf(&sb, "\n%s\n", a.Description)
	}
	if len(a.Labels) > 0 {
		sb.WriteString("\nLabels:\n")
		for _, k := range slices.Sorted(maps.Keys(a.Labels)) {
			fmt.Fprintf(&sb, "- %s: %s\n", k, a.Labels[k])
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

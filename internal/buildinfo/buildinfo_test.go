package buildinfo

import (
	"strings"
	"testing"
)

func TestUserAgent(t *testing.T) {
	if ua := UserAgent(); !strings.HasPrefix(ua, "skein/"+Version) {
		t.Errorf("UserAgent() = %q, want skein/%s prefix", ua, Version)
	}
}

func TestInfoKeys(t *testing.T) {
	info := Info()
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "uptime"} {
		if _, ok := info[k]; !ok {
			t.Errorf("Info() missing %q", k)
		}
	}
}

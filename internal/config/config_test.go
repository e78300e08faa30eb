package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "skein.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestFindConfig_Explicit(t *testing.T) {
	path := writeConfig(t, "listen:\n  port: 9999\n")

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/skein.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "skein.yaml"), []byte("listen:\n  port: 8080\n"), 0600)
	t.Chdir(dir)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "skein.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "skein.yaml")
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "data_dir: /var/lib/skein\n"))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	if cfg.Agent.MaxIterations != 10 {
		t.Errorf("max_iterations = %d, want 10", cfg.Agent.MaxIterations)
	}
	if cfg.Agent.MaxDuration != 2*time.Minute {
		t.Errorf("max_duration = %v, want 2m", cfg.Agent.MaxDuration)
	}
	if cfg.Agent.ReconcileAttempts != 3 || cfg.Agent.ReconcileBackoff != 100*time.Millisecond {
		t.Errorf("reconcile = %d x %v, want 3 x 100ms", cfg.Agent.ReconcileAttempts, cfg.Agent.ReconcileBackoff)
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("storage.driver = %q, want sqlite", cfg.Storage.Driver)
	}
	if want := filepath.Join("/var/lib/skein", "threads.db"); cfg.Storage.Path != want {
		t.Errorf("storage.path = %q, want %q", cfg.Storage.Path, want)
	}
	if want := filepath.Join("/var/lib/skein", "wake.db"); cfg.Wake.Path != want {
		t.Errorf("wake.path = %q, want %q", cfg.Wake.Path, want)
	}
	if cfg.Embeddings.BaseURL != cfg.Ollama.URL {
		t.Errorf("embeddings.baseurl = %q, want ollama url %q", cfg.Embeddings.BaseURL, cfg.Ollama.URL)
	}
	if cfg.MQTT.Configured() || cfg.Email.Configured() {
		t.Error("notification channels should be unconfigured by default")
	}
}

func TestLoad_Durations(t *testing.T) {
	cfg, err := Load(writeConfig(t, "agent:\n  max_duration: 45s\n  reconcile_backoff: 250ms\n"))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Agent.MaxDuration != 45*time.Second {
		t.Errorf("max_duration = %v, want 45s", cfg.Agent.MaxDuration)
	}
	if cfg.Agent.ReconcileBackoff != 250*time.Millisecond {
		t.Errorf("reconcile_backoff = %v, want 250ms", cfg.Agent.ReconcileBackoff)
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	t.Setenv("SKEIN_TEST_MQTT_PASSWORD", "secret123")
	cfg, err := Load(writeConfig(t, "mqtt:\n  broker: mqtt://localhost:1883\n  password: ${SKEIN_TEST_MQTT_PASSWORD}\n"))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.MQTT.Password != "secret123" {
		t.Errorf("password = %q, want %q", cfg.MQTT.Password, "secret123")
	}
	if !cfg.MQTT.Configured() {
		t.Error("MQTT should be configured")
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"log level", "log_level: loud\n", "unknown log level"},
		{"log format", "log_format: xml\n", "log_format"},
		{"driver", "storage:\n  driver: mysql\n", "storage.driver"},
		{"postgres url", "storage:\n  driver: postgres\n", "postgres_url"},
		{"iterations", "agent:\n  max_iterations: -1\n", "max_iterations"},
		{"provider", "models:\n  providers:\n    gpt: openai\n", "unknown provider"},
		{"anthropic key", "models:\n  providers:\n    claude: anthropic\n", "api_key is empty"},
		{"mcp", "mcp:\n  servers:\n    - name: a\n", "name and url"},
		{"qos", "mqtt:\n  qos: 3\n", "mqtt.qos"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if err == nil {
				t.Fatal("Load should fail")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want substring %q", err, tt.want)
			}
		})
	}
}

func TestDefault_Validates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"", slog.LevelInfo},
		{"TRACE", LevelTrace},
		{" debug ", slog.LevelDebug},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if err != nil {
			t.Errorf("ParseLogLevel(%q) error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewLogger_RendersTrace(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "trace"
	cfg.LogFormat = "json"

	var buf bytes.Buffer
	logger, err := cfg.NewLogger(&buf)
	if err != nil {
		t.Fatal(err)
	}
	logger.Log(t.Context(), LevelTrace, "delta")
	if !strings.Contains(buf.String(), `"level":"TRACE"`) {
		t.Errorf("output = %q, want TRACE level", buf.String())
	}
}

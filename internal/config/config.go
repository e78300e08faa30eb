// Package config handles skein configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from --config) is checked first.
// Then: ./skein.yaml, ~/.config/skein/config.yaml, /etc/skein/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"skein.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "skein", "config.yaml"))
	}

	paths = append(paths, "/etc/skein/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all skein configuration.
type Config struct {
	Listen     ListenConfig     `yaml:"listen"`
	DataDir    string           `yaml:"data_dir"`
	LogLevel   string           `yaml:"log_level"`
	LogFormat  string           `yaml:"log_format"` // text (default) or json
	Models     ModelsConfig     `yaml:"models"`
	Anthropic  AnthropicConfig  `yaml:"anthropic"`
	Ollama     OllamaConfig     `yaml:"ollama"`
	Agent      AgentConfig      `yaml:"agent"`
	Storage    StorageConfig    `yaml:"storage"`
	Wake       WakeConfig       `yaml:"wake"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	Email      EmailConfig      `yaml:"email"`
	Embeddings EmbeddingsConfig `yaml:"embeddings"`
	MCP        MCPConfig        `yaml:"mcp"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// Addr returns the host:port the API server binds to.
func (l ListenConfig) Addr() string {
	return fmt.Sprintf("%s:%d", l.Address, l.Port)
}

// ModelsConfig defines model routing settings.
type ModelsConfig struct {
	// Default is used when a request does not name a model.
	Default string `yaml:"default"`
	// Providers maps a model name to the provider that serves it
	// (ollama or anthropic). Unlisted models go to ollama.
	Providers map[string]string `yaml:"providers"`
}

// AnthropicConfig defines Anthropic API settings. The provider is
// registered only when APIKey is set.
type AnthropicConfig struct {
	APIKey    string `yaml:"api_key"`
	BaseURL   string `yaml:"base_url"`
	MaxTokens int    `yaml:"max_tokens"`
}

// OllamaConfig defines the local Ollama endpoint.
type OllamaConfig struct {
	URL string `yaml:"url"`
}

// AgentConfig bounds the orchestration loop.
type AgentConfig struct {
	MaxIterations     int           `yaml:"max_iterations"`
	MaxDuration       time.Duration `yaml:"max_duration"`
	ReconcileAttempts int           `yaml:"reconcile_attempts"`
	ReconcileBackoff  time.Duration `yaml:"reconcile_backoff"`
	TitleTimeout      time.Duration `yaml:"title_timeout"`
	// TitleModel generates thread titles. Empty means the run's model.
	TitleModel string `yaml:"title_model"`
	// SystemPrompt overrides the built-in system prompt when set.
	SystemPrompt string `yaml:"system_prompt"`
}

// StorageConfig selects the thread store backend.
type StorageConfig struct {
	Driver      string `yaml:"driver"` // sqlite (default) or postgres
	Path        string `yaml:"path"`   // sqlite file; defaults to <data_dir>/threads.db
	PostgresURL string `yaml:"postgres_url"`
}

// WakeConfig defines the durable wake job store.
type WakeConfig struct {
	Path string `yaml:"path"` // defaults to <data_dir>/wake.db
	// QueueSize bounds deliveries waiting for the worker.
	QueueSize int `yaml:"queue_size"`
	// Timeout bounds a single wake delivery.
	Timeout time.Duration `yaml:"timeout"`
}

// MQTTConfig defines the MQTT notification channel. Disabled when
// Broker is empty.
type MQTTConfig struct {
	Broker      string `yaml:"broker"` // mqtt://host:1883 or mqtts://host:8883
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
	// MirrorEvents republishes every engine event under
	// <topic_prefix>/events/<kind>.
	MirrorEvents bool `yaml:"mirror_events"`
}

// Configured reports whether an MQTT broker is set.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// EmailConfig defines the email notification channel. Disabled when
// SMTP.Host or To is empty.
type EmailConfig struct {
	SMTP          SMTPConfig `yaml:"smtp"`
	From          string     `yaml:"from"`
	To            []string   `yaml:"to"`
	SubjectPrefix string     `yaml:"subject_prefix"`
}

// Configured reports whether outbound email can be sent.
func (c EmailConfig) Configured() bool {
	return c.SMTP.Host != "" && c.From != "" && len(c.To) > 0
}

// SMTPConfig holds outbound mail server settings.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// StartTLS upgrades a plain connection. When false and Port is 465,
	// implicit TLS is used.
	StartTLS bool `yaml:"starttls"`
}

// EmbeddingsConfig defines embedding generation for history search.
type EmbeddingsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Model   string `yaml:"model"`   // e.g. nomic-embed-text
	BaseURL string `yaml:"baseurl"` // defaults to ollama.url
	Path    string `yaml:"path"`    // defaults to <data_dir>/history.db
}

// MCPConfig lists remote MCP servers whose tools become domain tools.
type MCPConfig struct {
	Servers []MCPServerConfig `yaml:"servers"`
}

// MCPServerConfig describes one streamable-HTTP MCP server.
type MCPServerConfig struct {
	Name    string            `yaml:"name"`
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
}

// TelemetryConfig enables OTLP export of traces and metrics.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"` // host:port of the OTLP/HTTP collector
	Insecure    bool   `yaml:"insecure"`
	ServiceName string `yaml:"service_name"`
}

// Load reads configuration from a YAML file, expands ${VAR}
// references, fills defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Default returns a runnable configuration backed by SQLite in ./data
// and a local Ollama.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.Models.Default == "" {
		c.Models.Default = "qwen3:4b"
	}
	if c.Ollama.URL == "" {
		c.Ollama.URL = "http://localhost:11434"
	}
	if c.Anthropic.MaxTokens == 0 {
		c.Anthropic.MaxTokens = 4096
	}

	a := &c.Agent
	if a.MaxIterations == 0 {
		a.MaxIterations = 10
	}
	if a.MaxDuration == 0 {
		a.MaxDuration = 2 * time.Minute
	}
	if a.ReconcileAttempts == 0 {
		a.ReconcileAttempts = 3
	}
	if a.ReconcileBackoff == 0 {
		a.ReconcileBackoff = 100 * time.Millisecond
	}
	if a.TitleTimeout == 0 {
		a.TitleTimeout = 30 * time.Second
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(c.DataDir, "threads.db")
	}
	if c.Wake.Path == "" {
		c.Wake.Path = filepath.Join(c.DataDir, "wake.db")
	}
	if c.Wake.QueueSize == 0 {
		c.Wake.QueueSize = 64
	}
	if c.Wake.Timeout == 0 {
		c.Wake.Timeout = 5 * time.Minute
	}

	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "skein"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "skein"
	}
	if c.Email.SMTP.Port == 0 {
		c.Email.SMTP.Port = 587
	}

	if c.Embeddings.BaseURL == "" {
		c.Embeddings.BaseURL = c.Ollama.URL
	}
	if c.Embeddings.Model == "" {
		c.Embeddings.Model = "nomic-embed-text"
	}
	if c.Embeddings.Path == "" {
		c.Embeddings.Path = filepath.Join(c.DataDir, "history.db")
	}

	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "skein"
	}
}

// Validate reports configuration that cannot run.
func (c *Config) Validate() error {
	var errs []error

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q (valid: text, json)", c.LogFormat))
	}

	switch c.Storage.Driver {
	case "sqlite":
	case "postgres":
		if c.Storage.PostgresURL == "" {
			errs = append(errs, errors.New("storage.postgres_url is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q (valid: sqlite, postgres)", c.Storage.Driver))
	}

	if c.Agent.MaxIterations < 1 {
		errs = append(errs, fmt.Errorf("agent.max_iterations must be positive, got %d", c.Agent.MaxIterations))
	}
	if c.Agent.MaxDuration < 0 || c.Agent.ReconcileBackoff < 0 || c.Agent.TitleTimeout < 0 {
		errs = append(errs, errors.New("agent durations must not be negative"))
	}
	if c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS))
	}

	for model, provider := range c.Models.Providers {
		switch provider {
		case "ollama":
		case "anthropic":
			if c.Anthropic.APIKey == "" {
				errs = append(errs, fmt.Errorf("model %q routed to anthropic but anthropic.api_key is empty", model))
			}
		default:
			errs = append(errs, fmt.Errorf("model %q: unknown provider %q", model, provider))
		}
	}

	seen := make(map[string]bool)
	for i, s := range c.MCP.Servers {
		if s.Name == "" || s.URL == "" {
			errs = append(errs, fmt.Errorf("mcp.servers[%d]: name and url are required", i))
			continue
		}
		if seen[s.Name] {
			errs = append(errs, fmt.Errorf("mcp.servers: duplicate name %q", s.Name))
		}
		seen[s.Name] = true
	}

	return errors.Join(errs...)
}

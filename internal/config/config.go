// Package config provides YAML configuration loading and validation for the
// watchtower daemon.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by LoadConfig when the corresponding field is omitted.
const (
	DefaultDataDir        = "./data"
	DefaultLogLevel       = "info"
	DefaultHTTPAddr       = "127.0.0.1:3000"
	DefaultDebounce       = 100 * time.Millisecond
	DefaultLLMModel       = "gemini-2.0-flash"
	DefaultLLMTimeout     = 30 * time.Second
	DefaultWebhookTimeout = 10 * time.Second
	DefaultBatchSize      = 50
	DefaultPollInterval   = 2 * time.Second
	DefaultMaxAttempts    = 10

	// APIKeyEnv is consulted when llm.api_key is empty.
	APIKeyEnv = "GOOGLE_API_KEY"
)

// DefaultIgnoreNames drops dotfiles, dot directories and JavaScript build
// trees when watcher.ignore_names is omitted.
var DefaultIgnoreNames = []string{".*", "node_modules", ".next"}

// Config is the top-level configuration structure for watchtower.
type Config struct {
	// WatchDir is the directory tree to observe. Required.
	WatchDir string `yaml:"watch_dir"`

	// DataDir holds the rules file and the append-only journals.
	// Defaults to "./data".
	DataDir string `yaml:"data_dir"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// HTTPAddr is the listen address for the REST API, the live match feed
	// and /metrics. Defaults to "127.0.0.1:3000".
	HTTPAddr string `yaml:"http_addr"`

	Watcher WatcherConfig `yaml:"watcher"`
	LLM     LLMConfig     `yaml:"llm"`
	Webhook WebhookConfig `yaml:"webhook"`

	// OutboxPath is the SQLite file backing webhook delivery. Defaults to
	// "<data_dir>/outbox.db". Only used when webhook.url is set.
	OutboxPath string `yaml:"outbox_path"`

	Postgres PostgresConfig `yaml:"postgres"`
	Auth     AuthConfig     `yaml:"auth"`
}

// WatcherConfig tunes the filesystem watcher.
type WatcherConfig struct {
	// Debounce coalesces repeated change events for the same path.
	// Defaults to 100ms.
	Debounce time.Duration `yaml:"debounce"`

	// Ignore lists path patterns (same syntax as rule file patterns) whose
	// events are dropped before they reach the pipeline.
	Ignore []string `yaml:"ignore"`

	// IgnoreNames lists name patterns tested against each path element below
	// watch_dir. Defaults to DefaultIgnoreNames; an explicit empty list
	// disables it.
	IgnoreNames []string `yaml:"ignore_names"`
}

// LLMConfig configures the rule learner.
type LLMConfig struct {
	// APIKey for the Gemini API. Falls back to $GOOGLE_API_KEY. When both are
	// empty rule learning is disabled.
	APIKey  string        `yaml:"api_key"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

// WebhookConfig configures durable match delivery. An empty URL disables it.
type WebhookConfig struct {
	URL          string            `yaml:"url"`
	Timeout      time.Duration     `yaml:"timeout"`
	BatchSize    int               `yaml:"batch_size"`
	PollInterval time.Duration     `yaml:"poll_interval"`
	Headers      map[string]string `yaml:"headers"`

	// MaxAttempts is the number of failed sends after which a match is
	// dead-lettered. Defaults to 10.
	MaxAttempts int `yaml:"max_attempts"`
}

// PostgresConfig enables the match history store when DSN is set.
type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// AuthConfig enables JWT validation on the API when JWTPublicKeyPath is set.
type AuthConfig struct {
	// JWTPublicKeyPath is a PEM-encoded RSA public key.
	JWTPublicKeyPath string `yaml:"jwt_public_key_path"`
	Issuer           string `yaml:"issuer"`
	Audience         string `yaml:"audience"`
}

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// LoadConfig reads the YAML file at path, unmarshals it into Config, applies
// defaults, and validates all fields. The returned error joins every
// validation failure.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

// RulesPath returns the location of the rules file.
func (c *Config) RulesPath() string {
	return filepath.Join(c.DataDir, "rules.json")
}

// LearningEnabled reports whether an LLM API key is available.
func (c *Config) LearningEnabled() bool {
	return c.LLM.APIKey != ""
}

// applyDefaults fills in zero-value optional fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.DataDir == "" {
		cfg.DataDir = DefaultDataDir
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = DefaultHTTPAddr
	}

	if cfg.Watcher.Debounce == 0 {
		cfg.Watcher.Debounce = DefaultDebounce
	}
	if cfg.Watcher.IgnoreNames == nil {
		cfg.Watcher.IgnoreNames = append([]string(nil), DefaultIgnoreNames...)
	}

	if cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = os.Getenv(APIKeyEnv)
	}
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = DefaultLLMModel
	}
	if cfg.LLM.Timeout == 0 {
		cfg.LLM.Timeout = DefaultLLMTimeout
	}

	if cfg.Webhook.Timeout == 0 {
		cfg.Webhook.Timeout = DefaultWebhookTimeout
	}
	if cfg.Webhook.BatchSize == 0 {
		cfg.Webhook.BatchSize = DefaultBatchSize
	}
	if cfg.Webhook.PollInterval == 0 {
		cfg.Webhook.PollInterval = DefaultPollInterval
	}
	if cfg.Webhook.MaxAttempts == 0 {
		cfg.Webhook.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.OutboxPath == "" {
		cfg.OutboxPath = filepath.Join(cfg.DataDir, "outbox.db")
	}
}

// validate checks that all required fields are populated and that
// enumerated and numeric fields hold usable values.
func validate(cfg *Config) error {
	var errs []error

	if cfg.WatchDir == "" {
		errs = append(errs, errors.New("watch_dir is required"))
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}
	if cfg.Watcher.Debounce < 0 {
		errs = append(errs, fmt.Errorf("watcher.debounce %s must not be negative", cfg.Watcher.Debounce))
	}
	for i, p := range cfg.Watcher.Ignore {
		if p == "" {
			errs = append(errs, fmt.Errorf("watcher.ignore[%d] must not be empty", i))
		}
	}
	for i, p := range cfg.Watcher.IgnoreNames {
		if p == "" {
			errs = append(errs, fmt.Errorf("watcher.ignore_names[%d] must not be empty", i))
		}
	}
	if cfg.WatchDir != "" && containsPath(cfg.DataDir, cfg.WatchDir) {
		errs = append(errs, fmt.Errorf("data_dir %q must not be watch_dir or one of its parents", cfg.DataDir))
	}
	if cfg.LLM.Timeout < 0 {
		errs = append(errs, fmt.Errorf("llm.timeout %s must not be negative", cfg.LLM.Timeout))
	}

	if cfg.Webhook.URL != "" {
		u, err := url.Parse(cfg.Webhook.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("webhook.url %q must be an absolute http(s) URL", cfg.Webhook.URL))
		}
	}
	if cfg.Webhook.Timeout < 0 {
		errs = append(errs, fmt.Errorf("webhook.timeout %s must not be negative", cfg.Webhook.Timeout))
	}
	if cfg.Webhook.BatchSize < 0 {
		errs = append(errs, fmt.Errorf("webhook.batch_size %d must be positive", cfg.Webhook.BatchSize))
	}
	if cfg.Webhook.PollInterval < 0 {
		errs = append(errs, fmt.Errorf("webhook.poll_interval %s must not be negative", cfg.Webhook.PollInterval))
	}
	if cfg.Webhook.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("webhook.max_attempts %d must be positive", cfg.Webhook.MaxAttempts))
	}

	if cfg.Auth.JWTPublicKeyPath == "" && (cfg.Auth.Issuer != "" || cfg.Auth.Audience != "") {
		errs = append(errs, errors.New("auth.issuer and auth.audience require auth.jwt_public_key_path"))
	}

	return errors.Join(errs...)
}

// containsPath reports whether dir is path or one of its ancestors.
// Unresolvable paths never contain anything.
func containsPath(dir, path string) bool {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return false
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(absDir, absPath)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// Package config handles Tycho configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/tycho/config.yaml, /etc/tycho/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "tycho", "config.yaml"))
	}

	paths = append(paths, "/etc/tycho/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
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

// Config holds all Tycho configuration.
type Config struct {
	Listen       ListenConfig       `yaml:"listen"`
	Models       ModelsConfig       `yaml:"models"`
	Broker       BrokerConfig       `yaml:"broker"`
	Market       MarketConfig       `yaml:"market"`
	Memory       MemoryConfig       `yaml:"memory"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Search       SearchConfig       `yaml:"search"`
	Alerts       AlertsConfig       `yaml:"alerts"`
	MQTT         MQTTConfig         `yaml:"mqtt"`
	Retention    RetentionConfig    `yaml:"retention"`
	Watchlist    WatchlistConfig    `yaml:"watchlist"`
	DataDir      string             `yaml:"data_dir"`
	PlaybooksDir string             `yaml:"playbooks_dir"`
	PersonaFile  string             `yaml:"persona_file"`
	LogLevel     string             `yaml:"log_level"`
	LogFormat    string             `yaml:"log_format"` // text or json (default: text)
	LogFile      string             `yaml:"log_file"`   // optional JSON log sink alongside stdout
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// ModelsConfig defines model routing settings.
type ModelsConfig struct {
	Default   string        `yaml:"default"`
	Reasoning string        `yaml:"reasoning"` // slower model for the deep-analysis delegate
	OllamaURL string        `yaml:"ollama_url"`
	Available []ModelConfig `yaml:"available"`
}

// ModelConfig defines a single model's capabilities.
type ModelConfig struct {
	Name          string `yaml:"name"`
	Provider      string `yaml:"provider"` // ollama (others route through the multi client)
	SupportsTools bool   `yaml:"supports_tools"`
	ContextWindow int    `yaml:"context_window"`
}

// BrokerConfig defines the brokerage bridge connection.
// The bridge fronts the broker's gateway API and normalizes auth; Tycho
// never talks to the brokerage directly.
type BrokerConfig struct {
	BaseURL    string `yaml:"base_url"`
	AccountID  string `yaml:"account_id"`
	TimeoutSec int    `yaml:"timeout_sec"` // per-request timeout (default 15)
}

// MarketConfig defines market data sourcing.
type MarketConfig struct {
	// YahooFallback enables the public-quote fallback provider when the
	// broker bridge is down or unconfigured.
	YahooFallback bool `yaml:"yahoo_fallback"`
}

// MemoryConfig defines conversation memory settings.
type MemoryConfig struct {
	// ContextTokens caps the estimated token size of the history block
	// assembled for each model call (default 4000).
	ContextTokens int `yaml:"context_tokens"`
	// SnapshotTTLSec is how long cached market snapshots stay fresh
	// (default 300).
	SnapshotTTLSec int `yaml:"snapshot_ttl_sec"`
}

// OrchestratorConfig defines run ceilings. Zero values fall back to the
// built-in defaults.
type OrchestratorConfig struct {
	MaxToolCalls   int `yaml:"max_tool_calls"`   // default 10
	MaxIterations  int `yaml:"max_iterations"`   // default 10
	RunTimeoutSec  int `yaml:"run_timeout_sec"`  // default 300
	ToolTimeoutSec int `yaml:"tool_timeout_sec"` // default 300
	ToolRetries    int `yaml:"tool_retries"`     // default 3
}

// SearchConfig defines web search providers.
type SearchConfig struct {
	SearXNGURL  string `yaml:"searxng_url"`
	BraveAPIKey string `yaml:"brave_api_key"`
}

// AlertsConfig defines optional email alerts for validated trade proposals.
type AlertsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	SMTPHost string `yaml:"smtp_host"`
	SMTPPort int    `yaml:"smtp_port"` // default 587
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
	To       string `yaml:"to"`
}

// MQTTConfig defines the optional status/stats publisher.
type MQTTConfig struct {
	Enabled            bool   `yaml:"enabled"`
	BrokerURL          string `yaml:"broker_url"` // e.g. tcp://localhost:1883
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	TopicPrefix        string `yaml:"topic_prefix"`         // default "tycho"
	PublishIntervalSec int    `yaml:"publish_interval_sec"` // default 60
}

// RetentionConfig defines the cleanup sweep for aged conversations.
type RetentionConfig struct {
	MaxAgeHours      int `yaml:"max_age_hours"`      // default 720 (30 days)
	SweepIntervalHrs int `yaml:"sweep_interval_hrs"` // default 6
}

// WatchlistConfig defines the tracked-symbol set.
type WatchlistConfig struct {
	// Seed symbols are added on first start when the watchlist is empty.
	Seed []string `yaml:"seed"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{
		Listen: ListenConfig{Port: 8080},
	}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field requirements that YAML decoding cannot.
func (c *Config) Validate() error {
	if c.Alerts.Enabled {
		if c.Alerts.SMTPHost == "" {
			return fmt.Errorf("alerts.smtp_host is required when alerts are enabled")
		}
		if c.Alerts.From == "" || c.Alerts.To == "" {
			return fmt.Errorf("alerts.from and alerts.to are required when alerts are enabled")
		}
	}
	if c.MQTT.Enabled && c.MQTT.BrokerURL == "" {
		return fmt.Errorf("mqtt.broker_url is required when mqtt is enabled")
	}
	if c.Orchestrator.RunTimeoutSec < 0 || c.Orchestrator.ToolTimeoutSec < 0 {
		return fmt.Errorf("orchestrator timeouts must not be negative")
	}
	if c.Retention.MaxAgeHours < 0 {
		return fmt.Errorf("retention.max_age_hours must not be negative")
	}
	return nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: 8080},
		Models: ModelsConfig{
			Default:   "qwen3:8b",
			Reasoning: "qwen3:32b",
			OllamaURL: "http://localhost:11434",
			Available: []ModelConfig{
				{
					Name:          "qwen3:8b",
					Provider:      "ollama",
					SupportsTools: true,
					ContextWindow: 8192,
				},
				{
					Name:          "qwen3:32b",
					Provider:      "ollama",
					SupportsTools: true,
					ContextWindow: 32768,
				},
			},
		},
		Market: MarketConfig{YahooFallback: true},
		Memory: MemoryConfig{
			ContextTokens:  4000,
			SnapshotTTLSec: 300,
		},
		Retention: RetentionConfig{
			MaxAgeHours:      720,
			SweepIntervalHrs: 6,
		},
		Watchlist: WatchlistConfig{
			Seed: []string{"SPY", "QQQ"},
		},
	}
}

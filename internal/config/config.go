// ABOUTME: Configuration loading and parsing for byoa-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete byoa-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Registry  RegistryConfig  `yaml:"registry"`
	Storage   StorageConfig   `yaml:"storage"`
	Tailscale TailscaleConfig `yaml:"tailscale"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds the downstream HTTP listener configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// UpstreamConfig holds chat-server connection configuration.
// Backend selects the upstream implementation: "chatkit" (default) talks to
// the chat server's native WebSocket + REST API, "matrix" uses a Matrix
// homeserver instead.
type UpstreamConfig struct {
	Backend         string `yaml:"backend"`
	BaseURL         string `yaml:"base_url"`
	GatewayToken    string `yaml:"gateway_token"`
	GatewayUsername string `yaml:"gateway_username"`

	Matrix MatrixConfig `yaml:"matrix"`
}

// MatrixConfig holds Matrix upstream configuration (backend: matrix)
type MatrixConfig struct {
	Homeserver  string `yaml:"homeserver"`
	UserID      string `yaml:"user_id"`
	AccessToken string `yaml:"access_token"`
}

// RegistryConfig holds agent registry configuration
type RegistryConfig struct {
	// AgentsFile is the local bootstrap fallback used when the upstream
	// configuration endpoint is unreachable at startup.
	AgentsFile string `yaml:"agents_file"`

	RefreshInterval time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	RefreshIntervalRaw string `yaml:"refresh_interval"`
}

// StorageConfig holds paths for durable gateway state
type StorageConfig struct {
	// DatabasePath is the SQLite database backing the event log and
	// idempotency cache. ":memory:" is accepted for tests.
	DatabasePath string `yaml:"database_path"`

	ReadTrackerPath     string `yaml:"read_tracker_path"`
	MetricsLogPath      string `yaml:"metrics_log_path"`
	CredentialCachePath string `yaml:"credential_cache_path"`

	// InjectSocketDir holds per-agent unix sockets for local-inject
	// delivery. Empty disables the local sink.
	InjectSocketDir string `yaml:"inject_socket_dir"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
	HTTPS     bool   `yaml:"https"`
	Funnel    bool   `yaml:"funnel"` // Enable public Funnel (implies HTTPS)
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultRefreshInterval is how often the agent registry re-reads the
// authoritative agent list from the upstream configuration endpoint.
const DefaultRefreshInterval = 60 * time.Second

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyEnvOverrides lets deployment environments override the most common
// settings without editing the config file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("BYOA_HTTP_ADDR"); v != "" {
		cfg.Server.HTTPAddr = v
	}
	if v := os.Getenv("BYOA_UPSTREAM_URL"); v != "" {
		cfg.Upstream.BaseURL = v
	}
	if v := os.Getenv("BYOA_GATEWAY_TOKEN"); v != "" {
		cfg.Upstream.GatewayToken = v
	}
	if v := os.Getenv("BYOA_GATEWAY_USERNAME"); v != "" {
		cfg.Upstream.GatewayUsername = v
	}
	if v := os.Getenv("BYOA_AGENTS_FILE"); v != "" {
		cfg.Registry.AgentsFile = v
	}
	if v := os.Getenv("BYOA_DB_PATH"); v != "" {
		cfg.Storage.DatabasePath = v
	}
}

// applyDefaults fills in values that have sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.Upstream.Backend == "" {
		cfg.Upstream.Backend = "chatkit"
	}
	if cfg.Registry.RefreshInterval == 0 {
		cfg.Registry.RefreshInterval = DefaultRefreshInterval
	}
	if cfg.Storage.ReadTrackerPath == "" {
		cfg.Storage.ReadTrackerPath = "read-cursors.json"
	}
	if cfg.Storage.MetricsLogPath == "" {
		cfg.Storage.MetricsLogPath = "metrics.jsonl"
	}
	if cfg.Storage.CredentialCachePath == "" {
		cfg.Storage.CredentialCachePath = "credential-cache.json"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// The listener address is required unless Tailscale is enabled
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	switch c.Upstream.Backend {
	case "chatkit":
		if c.Upstream.BaseURL == "" {
			return fmt.Errorf("upstream.base_url is required")
		}
		if c.Upstream.GatewayToken == "" {
			return fmt.Errorf("upstream.gateway_token is required")
		}
		if c.Upstream.GatewayUsername == "" {
			return fmt.Errorf("upstream.gateway_username is required")
		}
	case "matrix":
		if c.Upstream.Matrix.Homeserver == "" {
			return fmt.Errorf("upstream.matrix.homeserver is required for matrix backend")
		}
		if c.Upstream.Matrix.UserID == "" {
			return fmt.Errorf("upstream.matrix.user_id is required for matrix backend")
		}
		if c.Upstream.Matrix.AccessToken == "" {
			return fmt.Errorf("upstream.matrix.access_token is required for matrix backend")
		}
	default:
		return fmt.Errorf("unknown upstream.backend %q (expected chatkit or matrix)", c.Upstream.Backend)
	}

	if c.Storage.DatabasePath == "" {
		return fmt.Errorf("storage.database_path is required")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Registry.RefreshIntervalRaw != "" {
		cfg.Registry.RefreshInterval, err = time.ParseDuration(cfg.Registry.RefreshIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing refresh_interval %q: %w", cfg.Registry.RefreshIntervalRaw, err)
		}
	}

	return nil
}

// Package config loads nodelink settings from YAML with environment overrides.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/odvcencio/nodelink/pkg/logging"
)

// Config is the complete client configuration.
type Config struct {
	Gateway   GatewayConfig   `yaml:"gateway"`
	Device    DeviceConfig    `yaml:"device"`
	Pairing   PairingConfig   `yaml:"pairing"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Storage   StorageConfig   `yaml:"storage"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Tracing   TracingConfig   `yaml:"tracing"`
	Bus       BusConfig       `yaml:"bus"`
}

// GatewayConfig locates the agent gateway.
type GatewayConfig struct {
	URL          string        `yaml:"url"`
	ClientType   string        `yaml:"client_type"`
	RPCTimeout   time.Duration `yaml:"rpc_timeout"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	PingInterval time.Duration `yaml:"ping_interval"`
}

// DeviceConfig describes this node to operators approving pairing.
type DeviceConfig struct {
	DisplayName string `yaml:"display_name"`
}

type PairingConfig struct {
	PollInterval    time.Duration `yaml:"poll_interval"`
	MaxPollAttempts int           `yaml:"max_poll_attempts"`
}

type ReconnectConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// StorageConfig places the identity database and the encrypted secret store.
// Relative paths resolve against DataDir.
type StorageConfig struct {
	DataDir     string `yaml:"data_dir"`
	Database    string `yaml:"database"`
	SecretsFile string `yaml:"secrets_file"`
	KeyFile     string `yaml:"key_file"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// MetricsConfig enables the Prometheus endpoint when Addr is set.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// TracingConfig enables span export to File (or stderr when empty).
type TracingConfig struct {
	Enabled bool   `yaml:"enabled"`
	File    string `yaml:"file"`
}

// BusConfig selects NATS when URL is set; otherwise events stay in process.
type BusConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	displayName, _ := os.Hostname()
	if displayName == "" {
		displayName = "nodelink"
	}
	return &Config{
		Gateway: GatewayConfig{
			URL:          "ws://127.0.0.1:18789",
			ClientType:   "nodelink",
			RPCTimeout:   30 * time.Second,
			DialTimeout:  15 * time.Second,
			PingInterval: 20 * time.Second,
		},
		Device: DeviceConfig{DisplayName: displayName},
		Pairing: PairingConfig{
			PollInterval:    2 * time.Second,
			MaxPollAttempts: 150,
		},
		Reconnect: ReconnectConfig{
			MaxAttempts: 5,
			BaseDelay:   time.Second,
			MaxDelay:    30 * time.Second,
		},
		Storage: StorageConfig{
			DataDir:     "~/.nodelink",
			Database:    "nodelink.db",
			SecretsFile: "secrets.age",
			KeyFile:     "identity.age",
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Bus:     BusConfig{Timeout: 5 * time.Second},
	}
}

// DefaultPath is ~/.nodelink/config.yaml, or $NODELINK_CONFIG when set.
func DefaultPath() string {
	if p := strings.TrimSpace(os.Getenv("NODELINK_CONFIG")); p != "" {
		return expandHomeDir(p)
	}
	return expandHomeDir("~/.nodelink/config.yaml")
}

// Load reads the config at path (DefaultPath when empty) over the defaults,
// applies environment overrides and validates the result. A missing file is
// not an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		path = DefaultPath()
	}

	if err := loadFile(cfg, path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("loading config from %s: %w", path, err)
	}

	configEnv := loadConfigEnvVars(filepath.Join(filepath.Dir(path), "config.env"))
	applyEnvOverrides(cfg, configEnv)
	cfg.resolvePaths()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

func loadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing YAML: %w", err)
	}
	return nil
}

// applyEnvOverrides applies NODELINK_* variables from the process
// environment, falling back to the config.env file values.
func applyEnvOverrides(cfg *Config, configEnv map[string]string) {
	get := func(key string) string {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return v
		}
		return configEnv[key]
	}

	if v := get("NODELINK_GATEWAY_URL"); v != "" {
		cfg.Gateway.URL = v
	}
	if v := get("NODELINK_CLIENT_TYPE"); v != "" {
		cfg.Gateway.ClientType = v
	}
	if v := get("NODELINK_RPC_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Gateway.RPCTimeout = d
		}
	}
	if v := get("NODELINK_DISPLAY_NAME"); v != "" {
		cfg.Device.DisplayName = v
	}
	if v := get("NODELINK_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := get("NODELINK_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := get("NODELINK_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := get("NODELINK_METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
	}
	if v := get("NODELINK_BUS_URL"); v != "" {
		cfg.Bus.URL = v
	}
	if v := get("NODELINK_TRACING"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Tracing.Enabled = b
		}
	}
}

func (c *Config) resolvePaths() {
	c.Storage.DataDir = expandHomeDir(c.Storage.DataDir)
	resolve := func(p string) string {
		p = expandHomeDir(p)
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(c.Storage.DataDir, p)
	}
	c.Storage.Database = resolve(c.Storage.Database)
	c.Storage.SecretsFile = resolve(c.Storage.SecretsFile)
	c.Storage.KeyFile = resolve(c.Storage.KeyFile)
	c.Logging.File = expandHomeDir(c.Logging.File)
	c.Tracing.File = expandHomeDir(c.Tracing.File)
}

// Validate checks the configuration for values the client cannot run with.
func (c *Config) Validate() error {
	u, err := url.Parse(strings.TrimSpace(c.Gateway.URL))
	if err != nil {
		return fmt.Errorf("gateway.url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	default:
		return fmt.Errorf("gateway.url must use ws:// or wss://, got %q", c.Gateway.URL)
	}
	if u.Host == "" {
		return fmt.Errorf("gateway.url has no host")
	}
	if strings.TrimSpace(c.Gateway.ClientType) == "" {
		return fmt.Errorf("gateway.client_type is required")
	}
	if c.Gateway.RPCTimeout <= 0 {
		return fmt.Errorf("gateway.rpc_timeout must be positive")
	}
	if c.Pairing.PollInterval <= 0 || c.Pairing.MaxPollAttempts <= 0 {
		return fmt.Errorf("pairing.poll_interval and pairing.max_poll_attempts must be positive")
	}
	if c.Reconnect.MaxAttempts < 1 {
		return fmt.Errorf("reconnect.max_attempts must be at least 1")
	}
	if c.Reconnect.BaseDelay <= 0 || c.Reconnect.MaxDelay < c.Reconnect.BaseDelay {
		return fmt.Errorf("reconnect delays must satisfy 0 < base_delay <= max_delay")
	}
	if strings.TrimSpace(c.Storage.DataDir) == "" {
		return fmt.Errorf("storage.data_dir is required")
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	switch logging.Format(c.Logging.Format) {
	case logging.FormatText, logging.FormatJSON, "":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	return nil
}

// loadConfigEnvVars parses KEY=VALUE lines from path. Blank lines, comments
// and an export prefix are tolerated.
func loadConfigEnvVars(path string) map[string]string {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}

	vars := make(map[string]string)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		vars[key] = strings.Trim(strings.TrimSpace(value), "\"'")
	}
	return vars
}

func expandHomeDir(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return ""
	}
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil || strings.TrimSpace(home) == "" {
			return path
		}
		if path == "~" {
			return home
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and thread-safe for concurrent reads.
type Config struct {
	Server   ServerConfig          `yaml:"server"`
	Database DatabaseConfig        `yaml:"database"`
	Auth     AuthConfig            `yaml:"auth"`
	Worker   WorkerConfig          `yaml:"worker"`
	Snapshot SnapshotStorageConfig `yaml:"snapshot"`
	Log      LogConfig             `yaml:"log"`
	Client   ClientConfig          `yaml:"client"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`

	// Build identifies the deployed release. Clients compare it with their
	// own build token to detect that an update is available.
	Build string `yaml:"build"`
}

// DatabaseConfig contains database settings.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig contains authentication settings.
type AuthConfig struct {
	APIKey string `yaml:"-"` // env-only, never in YAML
}

// WorkerConfig contains background worker settings.
type WorkerConfig struct {
	SnapshotInterval    Duration `yaml:"snapshot_interval"`
	SessionReapInterval Duration `yaml:"session_reap_interval"`
	SessionTimeout      Duration `yaml:"session_timeout"`
}

// SnapshotStorageConfig contains S3-compatible snapshot storage settings.
// An empty Bucket keeps snapshots local-only.
type SnapshotStorageConfig struct {
	Bucket    string   `yaml:"bucket"`
	Endpoint  string   `yaml:"endpoint"`
	Region    string   `yaml:"region"`
	Prefix    string   `yaml:"prefix"`
	UseSSL    *bool    `yaml:"use_ssl"`
	AccessKey string   `yaml:"-"`
	SecretKey string   `yaml:"-"`
	URLExpiry Duration `yaml:"url_expiry"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ClientConfig contains settings of the offline client tooling.
type ClientConfig struct {
	APIBaseURL string `yaml:"api_base_url"`
	APIKey     string `yaml:"-"` // env-only, never in YAML
	DeviceID   string `yaml:"device_id"`
	DBPath     string `yaml:"db_path"`

	QuotaBytes      int64    `yaml:"quota_bytes"`
	EvictThreshold  float64  `yaml:"evict_threshold"`
	RetentionWindow Duration `yaml:"retention_window"`

	MaxAttempts int      `yaml:"max_attempts"`
	DrainLease  Duration `yaml:"drain_lease"`

	APICacheMaxAge     Duration `yaml:"api_cache_max_age"`
	APICacheMaxEntries int      `yaml:"api_cache_max_entries"`
	APIReadPrefixes    []string `yaml:"api_read_prefixes"`
	StaticManifest     []string `yaml:"static_manifest"`
	BuildToken         string   `yaml:"build_token"`

	ProbeInterval   Duration `yaml:"probe_interval"`
	UploadBatchSize int      `yaml:"upload_batch_size"`
	ProxyListen     string   `yaml:"proxy_listen"`
}

// Duration is a wrapper around time.Duration that supports YAML string parsing.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Load loads configuration with precedence: defaults → YAML file → env vars.
// Returns an immutable Config suitable for concurrent read access.
func Load() (*Config, error) {
	cfg := newDefaults()

	configPath := getEnv("HERDSYNC_CONFIG_PATH", "config/herdsync.yaml")

	// Missing file is not an error
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromFile loads configuration from a specific path.
// Used for testing and explicit path specification.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// newDefaults returns a Config with all default values.
func newDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
			Build:           "dev",
		},
		Database: DatabaseConfig{
			Path: "data/herdsync.db",
		},
		Worker: WorkerConfig{
			SnapshotInterval:    Duration(1 * time.Hour),
			SessionReapInterval: Duration(1 * time.Minute),
			SessionTimeout:      Duration(10 * time.Minute),
		},
		Snapshot: SnapshotStorageConfig{
			Prefix:    "herdsync",
			URLExpiry: Duration(15 * time.Minute),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Client: ClientConfig{
			APIBaseURL:         "http://localhost:8080",
			DBPath:             "data/offline.db",
			QuotaBytes:         50 << 20,
			EvictThreshold:     0.9,
			RetentionWindow:    Duration(90 * 24 * time.Hour),
			MaxAttempts:        5,
			DrainLease:         Duration(30 * time.Second),
			APICacheMaxAge:     Duration(24 * time.Hour),
			APICacheMaxEntries: 100,
			APIReadPrefixes:    []string{"/api/v1/"},
			StaticManifest:     []string{"/", "/index.html", "/manifest.json"},
			BuildToken:         "dev",
			ProbeInterval:      Duration(30 * time.Second),
			UploadBatchSize:    100,
			ProxyListen:        "127.0.0.1:8787",
		},
	}
}

// loadYAMLFile loads configuration from a YAML file if it exists.
// Missing file is not an error; we just use defaults.
func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty env vars override config values; unparsable values are ignored.
func applyEnvOverrides(cfg *Config) {
	// Server
	envInt("HERDSYNC_PORT", &cfg.Server.Port)
	envDuration("HERDSYNC_READ_TIMEOUT", &cfg.Server.ReadTimeout)
	envDuration("HERDSYNC_WRITE_TIMEOUT", &cfg.Server.WriteTimeout)
	envDuration("HERDSYNC_SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)
	envString("HERDSYNC_BUILD", &cfg.Server.Build)

	// Database
	envString("HERDSYNC_DB_PATH", &cfg.Database.Path)

	// Auth
	envString("HERDSYNC_API_KEY", &cfg.Auth.APIKey)

	// Worker
	envDuration("HERDSYNC_SNAPSHOT_INTERVAL", &cfg.Worker.SnapshotInterval)
	envDuration("HERDSYNC_SESSION_REAP_INTERVAL", &cfg.Worker.SessionReapInterval)
	envDuration("HERDSYNC_SESSION_TIMEOUT", &cfg.Worker.SessionTimeout)

	// Snapshot storage
	envString("HERDSYNC_S3_BUCKET", &cfg.Snapshot.Bucket)
	envString("HERDSYNC_S3_ENDPOINT", &cfg.Snapshot.Endpoint)
	envString("HERDSYNC_S3_REGION", &cfg.Snapshot.Region)
	envString("HERDSYNC_S3_ACCESS_KEY", &cfg.Snapshot.AccessKey)
	envString("HERDSYNC_S3_SECRET_KEY", &cfg.Snapshot.SecretKey)
	if v := os.Getenv("HERDSYNC_S3_USE_SSL"); v != "" {
		useSSL := v == "true" || v == "1"
		cfg.Snapshot.UseSSL = &useSSL
	}

	// Log
	envString("HERDSYNC_LOG_LEVEL", &cfg.Log.Level)
	envString("HERDSYNC_LOG_FORMAT", &cfg.Log.Format)

	// Client
	envString("HERDSYNC_CLIENT_API_URL", &cfg.Client.APIBaseURL)
	envString("HERDSYNC_CLIENT_API_KEY", &cfg.Client.APIKey)
	envString("HERDSYNC_CLIENT_DEVICE_ID", &cfg.Client.DeviceID)
	envString("HERDSYNC_CLIENT_DB_PATH", &cfg.Client.DBPath)
	envString("HERDSYNC_CLIENT_BUILD_TOKEN", &cfg.Client.BuildToken)
	envString("HERDSYNC_CLIENT_PROXY_LISTEN", &cfg.Client.ProxyListen)
	envInt("HERDSYNC_CLIENT_MAX_ATTEMPTS", &cfg.Client.MaxAttempts)
	envDuration("HERDSYNC_CLIENT_PROBE_INTERVAL", &cfg.Client.ProbeInterval)
	if v := os.Getenv("HERDSYNC_CLIENT_QUOTA_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Client.QuotaBytes = n
		}
	}
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envDuration(key string, dst *Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = Duration(d)
		}
	}
}

// validate checks value ranges shared by server and client commands.
func (c *Config) validate() error {
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q: must be one of debug, info, warn, error", c.Log.Level)
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		return fmt.Errorf("log.format %q: must be json or text", c.Log.Format)
	}
	if c.Client.EvictThreshold <= 0 || c.Client.EvictThreshold > 1 {
		return fmt.Errorf("client.evict_threshold %v: must be in (0, 1]", c.Client.EvictThreshold)
	}
	if c.Client.MaxAttempts < 1 {
		return errors.New("client.max_attempts must be at least 1")
	}
	if c.Client.UploadBatchSize < 1 || c.Client.UploadBatchSize > 1000 {
		return errors.New("client.upload_batch_size must be between 1 and 1000")
	}
	return nil
}

// ValidateServer checks settings required to run the sync server.
// In dev mode (HERDSYNC_DEV_MODE=true), API key validation is skipped.
func (c *Config) ValidateServer() error {
	if os.Getenv("HERDSYNC_DEV_MODE") == "true" {
		return nil
	}
	if c.Auth.APIKey == "" {
		return errors.New("HERDSYNC_API_KEY is required")
	}
	return nil
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

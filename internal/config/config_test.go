package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

// Helper to clear all config-related env vars for the duration of a test
func clearEnv(t *testing.T) {
	t.Helper()
	envVars := []string{
		"HERDSYNC_CONFIG_PATH",
		"HERDSYNC_DEV_MODE",
		"HERDSYNC_PORT",
		"HERDSYNC_READ_TIMEOUT",
		"HERDSYNC_WRITE_TIMEOUT",
		"HERDSYNC_SHUTDOWN_TIMEOUT",
		"HERDSYNC_BUILD",
		"HERDSYNC_DB_PATH",
		"HERDSYNC_API_KEY",
		"HERDSYNC_SNAPSHOT_INTERVAL",
		"HERDSYNC_SESSION_REAP_INTERVAL",
		"HERDSYNC_SESSION_TIMEOUT",
		"HERDSYNC_S3_BUCKET",
		"HERDSYNC_S3_ENDPOINT",
		"HERDSYNC_S3_REGION",
		"HERDSYNC_S3_ACCESS_KEY",
		"HERDSYNC_S3_SECRET_KEY",
		"HERDSYNC_S3_USE_SSL",
		"HERDSYNC_LOG_LEVEL",
		"HERDSYNC_LOG_FORMAT",
		"HERDSYNC_CLIENT_API_URL",
		"HERDSYNC_CLIENT_API_KEY",
		"HERDSYNC_CLIENT_DEVICE_ID",
		"HERDSYNC_CLIENT_DB_PATH",
		"HERDSYNC_CLIENT_BUILD_TOKEN",
		"HERDSYNC_CLIENT_PROXY_LISTEN",
		"HERDSYNC_CLIENT_MAX_ATTEMPTS",
		"HERDSYNC_CLIENT_PROBE_INTERVAL",
		"HERDSYNC_CLIENT_QUOTA_BYTES",
	}
	for _, v := range envVars {
		t.Setenv(v, "")
	}
	// Point at a path that does not exist so a developer's local file is ignored.
	t.Setenv("HERDSYNC_CONFIG_PATH", filepath.Join(t.TempDir(), "absent.yaml"))
}

// dur converts Duration to time.Duration for comparison
func dur(d Duration) time.Duration {
	return time.Duration(d)
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "herdsync.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

// Test: Default values when no config file and no env vars
func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if dur(cfg.Server.ShutdownTimeout) != 15*time.Second {
		t.Errorf("Server.ShutdownTimeout = %v, want 15s", cfg.Server.ShutdownTimeout)
	}
	if cfg.Database.Path != "data/herdsync.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "data/herdsync.db")
	}
	if dur(cfg.Worker.SessionTimeout) != 10*time.Minute {
		t.Errorf("Worker.SessionTimeout = %v, want 10m", cfg.Worker.SessionTimeout)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "json" {
		t.Errorf("Log = %+v, want info/json", cfg.Log)
	}

	// Client defaults
	c := cfg.Client
	if c.EvictThreshold != 0.9 {
		t.Errorf("Client.EvictThreshold = %v, want 0.9", c.EvictThreshold)
	}
	if dur(c.RetentionWindow) != 90*24*time.Hour {
		t.Errorf("Client.RetentionWindow = %v, want 90 days", c.RetentionWindow)
	}
	if c.MaxAttempts != 5 {
		t.Errorf("Client.MaxAttempts = %d, want 5", c.MaxAttempts)
	}
	if len(c.APIReadPrefixes) != 1 || c.APIReadPrefixes[0] != "/api/v1/" {
		t.Errorf("Client.APIReadPrefixes = %v", c.APIReadPrefixes)
	}
	if c.UploadBatchSize != 100 {
		t.Errorf("Client.UploadBatchSize = %d, want 100", c.UploadBatchSize)
	}
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
server:
  port: 9090
  build: "2026.10.2"
worker:
  session_timeout: "2m"
client:
  api_base_url: "https://sync.example.org"
  quota_bytes: 1048576
  api_read_prefixes: ["/api/v1/breeds", "/api/v1/sync/status"]
  retention_window: "720h"
`)
	t.Setenv("HERDSYNC_CONFIG_PATH", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Server.Build != "2026.10.2" {
		t.Errorf("Server.Build = %q", cfg.Server.Build)
	}
	if dur(cfg.Worker.SessionTimeout) != 2*time.Minute {
		t.Errorf("Worker.SessionTimeout = %v, want 2m", cfg.Worker.SessionTimeout)
	}
	if cfg.Client.QuotaBytes != 1<<20 {
		t.Errorf("Client.QuotaBytes = %d", cfg.Client.QuotaBytes)
	}
	if len(cfg.Client.APIReadPrefixes) != 2 {
		t.Errorf("Client.APIReadPrefixes = %v", cfg.Client.APIReadPrefixes)
	}
	if dur(cfg.Client.RetentionWindow) != 30*24*time.Hour {
		t.Errorf("Client.RetentionWindow = %v", cfg.Client.RetentionWindow)
	}
	// Untouched values keep defaults
	if cfg.Client.MaxAttempts != 5 {
		t.Errorf("Client.MaxAttempts = %d, want default 5", cfg.Client.MaxAttempts)
	}
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "server:\n  port: 9090\nclient:\n  max_attempts: 3\n")
	t.Setenv("HERDSYNC_CONFIG_PATH", path)
	t.Setenv("HERDSYNC_PORT", "7070")
	t.Setenv("HERDSYNC_CLIENT_MAX_ATTEMPTS", "8")
	t.Setenv("HERDSYNC_CLIENT_QUOTA_BYTES", "2048")
	t.Setenv("HERDSYNC_S3_USE_SSL", "false")
	t.Setenv("HERDSYNC_API_KEY", "secret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 7070 {
		t.Errorf("Server.Port = %d, want 7070", cfg.Server.Port)
	}
	if cfg.Client.MaxAttempts != 8 {
		t.Errorf("Client.MaxAttempts = %d, want 8", cfg.Client.MaxAttempts)
	}
	if cfg.Client.QuotaBytes != 2048 {
		t.Errorf("Client.QuotaBytes = %d, want 2048", cfg.Client.QuotaBytes)
	}
	if cfg.Snapshot.UseSSL == nil || *cfg.Snapshot.UseSSL {
		t.Errorf("Snapshot.UseSSL = %v, want false", cfg.Snapshot.UseSSL)
	}
	if cfg.Auth.APIKey != "secret" {
		t.Errorf("Auth.APIKey not taken from env")
	}
}

func TestLoad_InvalidEnvValueIgnored(t *testing.T) {
	clearEnv(t)
	t.Setenv("HERDSYNC_PORT", "not-a-number")
	t.Setenv("HERDSYNC_SESSION_TIMEOUT", "soon")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want default 8080", cfg.Server.Port)
	}
	if dur(cfg.Worker.SessionTimeout) != 10*time.Minute {
		t.Errorf("Worker.SessionTimeout = %v, want default", cfg.Worker.SessionTimeout)
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"bad log level", "log:\n  level: verbose\n", "log.level"},
		{"bad log format", "log:\n  format: xml\n", "log.format"},
		{"threshold above one", "client:\n  evict_threshold: 1.5\n", "evict_threshold"},
		{"zero attempts", "client:\n  max_attempts: 0\n", "max_attempts"},
		{"batch too large", "client:\n  upload_batch_size: 5000\n", "upload_batch_size"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			_, err := LoadFromFile(writeConfig(t, tt.yaml))
			if err == nil {
				t.Fatal("LoadFromFile() error = nil, want validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromFile_MissingFile(t *testing.T) {
	clearEnv(t)

	_, err := LoadFromFile(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil || !strings.Contains(err.Error(), "reading config file") {
		t.Errorf("LoadFromFile(missing) error = %v", err)
	}
}

func TestLoadFromFile_MalformedYAML(t *testing.T) {
	clearEnv(t)

	_, err := LoadFromFile(writeConfig(t, "server: [unterminated"))
	if err == nil || !strings.Contains(err.Error(), "parsing config file") {
		t.Errorf("LoadFromFile(malformed) error = %v", err)
	}
}

func TestValidateServer(t *testing.T) {
	clearEnv(t)
	cfg := newDefaults()

	if err := cfg.ValidateServer(); err == nil {
		t.Error("ValidateServer() without API key = nil, want error")
	}

	t.Setenv("HERDSYNC_DEV_MODE", "true")
	if err := cfg.ValidateServer(); err != nil {
		t.Errorf("ValidateServer() in dev mode = %v, want nil", err)
	}
}

func TestDuration_YAMLRoundTrip(t *testing.T) {
	var holder struct {
		D Duration `yaml:"d"`
	}
	if err := yaml.Unmarshal([]byte(`d: "90s"`), &holder); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if dur(holder.D) != 90*time.Second {
		t.Errorf("D = %v, want 90s", holder.D)
	}

	out, err := yaml.Marshal(holder)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(out), "1m30s") {
		t.Errorf("marshal = %q, want 1m30s", out)
	}

	if err := yaml.Unmarshal([]byte(`d: "ninety"`), &holder); err == nil {
		t.Error("unmarshal invalid duration = nil, want error")
	}
}

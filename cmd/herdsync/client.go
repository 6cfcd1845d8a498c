package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/hyperengineering/herdsync/internal/config"
	"github.com/hyperengineering/herdsync/pkg/offline"
	"github.com/spf13/cobra"
)

var (
	clientDBOverride  string
	clientURLOverride string
	clientJSONOutput  bool
)

var clientCmd = &cobra.Command{
	Use:   "client",
	Short: "Operate a device's offline store",
	Long:  "Run the local offline proxy, sync, and inspect or repair the local store and write queue.",
}

func init() {
	clientCmd.PersistentFlags().StringVar(&clientDBOverride, "db", "",
		"Local database path (overrides config and HERDSYNC_CLIENT_DB_PATH)")
	clientCmd.PersistentFlags().StringVar(&clientURLOverride, "api-url", "",
		"Sync server base URL (overrides config and HERDSYNC_CLIENT_API_URL)")
	clientCmd.PersistentFlags().BoolVar(&clientJSONOutput, "json", false,
		"Output in JSON format")

	clientCmd.AddCommand(clientProxyCmd)
	clientCmd.AddCommand(clientSyncCmd)
	clientCmd.AddCommand(clientStatusCmd)
	clientCmd.AddCommand(clientDeadLetterCmd)
	clientCmd.AddCommand(clientExportCmd)
	clientCmd.AddCommand(clientImportCmd)
}

// openClient loads config, applies flag overrides and opens the offline
// client. Logs go to stderr so command output stays parseable.
func openClient(cmd *cobra.Command) (*offline.Client, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if clientDBOverride != "" {
		cfg.Client.DBPath = clientDBOverride
	}
	if clientURLOverride != "" {
		cfg.Client.APIBaseURL = clientURLOverride
	}
	slog.SetDefault(newLogger(cmd.ErrOrStderr(), cfg.Log))

	c, err := offline.New(offlineConfig(cfg.Client))
	if err != nil {
		return nil, nil, err
	}
	return c, cfg, nil
}

// offlineConfig maps the client config section onto offline.Config.
func offlineConfig(c config.ClientConfig) offline.Config {
	return offline.Config{
		APIBaseURL:         c.APIBaseURL,
		APIKey:             c.APIKey,
		DeviceID:           c.DeviceID,
		DBPath:             c.DBPath,
		QuotaBytes:         c.QuotaBytes,
		EvictThreshold:     c.EvictThreshold,
		RetentionWindow:    time.Duration(c.RetentionWindow),
		MaxAttempts:        c.MaxAttempts,
		DrainLease:         time.Duration(c.DrainLease),
		APICacheMaxAge:     time.Duration(c.APICacheMaxAge),
		APICacheMaxEntries: c.APICacheMaxEntries,
		APIReadPrefixes:    c.APIReadPrefixes,
		StaticManifest:     c.StaticManifest,
		BuildToken:         c.BuildToken,
		ProbeInterval:      time.Duration(c.ProbeInterval),
		UploadBatchSize:    c.UploadBatchSize,
	}
}

// printJSON marshals v to JSON and writes to the given writer.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newTabWriter returns a configured tabwriter for aligned columns.
func newTabWriter(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

// formatSize returns a human-readable byte count.
func formatSize(bytes int64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
	)
	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

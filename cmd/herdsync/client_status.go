package main

import (
	"fmt"
	"sort"

	"github.com/hyperengineering/herdsync/pkg/syncapi"
	"github.com/spf13/cobra"
)

var statusRemote bool

var clientStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show local store and queue status",
	Args:  cobra.NoArgs,
	RunE:  runClientStatus,
}

func init() {
	clientStatusCmd.Flags().BoolVar(&statusRemote, "remote", false,
		"Also fetch the server's per-type sync status")
}

func runClientStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	c, _, err := openClient(cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	st, err := c.Status(ctx)
	if err != nil {
		return fmt.Errorf("local status: %w", err)
	}

	var remote *syncapi.StatusResponse
	if statusRemote {
		if remote, err = c.RemoteStatus(ctx); err != nil {
			return fmt.Errorf("remote status: %w", err)
		}
	}

	out := cmd.OutOrStdout()
	if clientJSONOutput {
		doc := map[string]any{"local": st}
		if remote != nil {
			doc["remote"] = remote
		}
		return printJSON(out, doc)
	}

	fmt.Fprintf(out, "Device:        %s\n", st.DeviceID)
	fmt.Fprintf(out, "Build:         %s\n", st.ActiveBuild)
	fmt.Fprintf(out, "Queued writes: %d\n", st.QueuedOps)
	fmt.Fprintf(out, "Dead letters:  %d\n", st.DeadLetters)
	if st.Store != nil {
		usage := formatSize(st.Store.UsageBytes)
		if st.Store.QuotaBytes > 0 {
			usage += " of " + formatSize(st.Store.QuotaBytes)
		}
		fmt.Fprintf(out, "Records:       %d\n", st.Store.Records)
		fmt.Fprintf(out, "Storage:       %s\n", usage)

		kinds := make([]string, 0, len(st.Store.ByKind))
		for k := range st.Store.ByKind {
			kinds = append(kinds, k)
		}
		sort.Strings(kinds)
		for _, k := range kinds {
			fmt.Fprintf(out, "  %-20s %d\n", k, st.Store.ByKind[k])
		}
	}

	if remote != nil {
		fmt.Fprintln(out)
		w := newTabWriter(out)
		fmt.Fprintln(w, "TYPE\tLATEST VERSION\tLAST SYNC")
		for _, t := range remote.Types {
			last := "-"
			if t.LastSyncAt != nil {
				last = t.LastSyncAt.Local().Format("2006-01-02 15:04")
			}
			fmt.Fprintf(w, "%s\t%d\t%s\n", t.Type, t.LatestVersion, last)
		}
		return w.Flush()
	}
	return nil
}

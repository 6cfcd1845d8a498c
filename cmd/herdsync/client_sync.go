package main

import (
	"errors"
	"fmt"

	"github.com/hyperengineering/herdsync/pkg/offline"
	"github.com/spf13/cobra"
)

var clientSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Replay queued writes, then upload and download every record type",
	Args:  cobra.NoArgs,
	RunE:  runClientSync,
}

func runClientSync(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	c, _, err := openClient(cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	sums, err := c.Sync(ctx)
	if errors.Is(err, offline.ErrOffline) {
		return fmt.Errorf("sync server unreachable, local changes stay pending: %w", err)
	}
	if err != nil {
		return fmt.Errorf("sync: %w", err)
	}

	out := cmd.OutOrStdout()
	if clientJSONOutput {
		return printJSON(out, map[string]any{"types": sums})
	}

	w := newTabWriter(out)
	fmt.Fprintln(w, "TYPE\tSENT\tSYNCED\tFAILED\tSTALE\tRECEIVED\tAPPLIED\tCURSOR")
	for _, s := range sums {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\n",
			s.Kind,
			s.Upload.Sent,
			s.Upload.Synced,
			s.Upload.Failed,
			s.Upload.Stale,
			s.Download.Received,
			s.Download.Applied,
			s.Download.LastVersion,
		)
	}
	return w.Flush()
}

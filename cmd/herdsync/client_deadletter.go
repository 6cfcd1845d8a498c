package main

import (
	"bufio"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/hyperengineering/herdsync/pkg/offline"
	"github.com/spf13/cobra"
)

var discardForce bool

var clientDeadLetterCmd = &cobra.Command{
	Use:     "deadletter",
	Aliases: []string{"dl"},
	Short:   "Inspect and resolve writes the server rejected",
}

var deadLetterListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered writes",
	Args:  cobra.NoArgs,
	RunE:  runDeadLetterList,
}

var deadLetterRequeueCmd = &cobra.Command{
	Use:   "requeue <seq>",
	Short: "Put a dead-lettered write back in the queue",
	Args:  cobra.ExactArgs(1),
	RunE:  runDeadLetterRequeue,
}

var deadLetterDiscardCmd = &cobra.Command{
	Use:   "discard <seq>",
	Short: "Drop a dead-lettered write for good",
	Long:  "Permanently drop a dead-lettered write. Requires --force or interactive confirmation.",
	Args:  cobra.ExactArgs(1),
	RunE:  runDeadLetterDiscard,
}

func init() {
	deadLetterDiscardCmd.Flags().BoolVar(&discardForce, "force", false,
		"Skip confirmation prompt")

	clientDeadLetterCmd.AddCommand(deadLetterListCmd)
	clientDeadLetterCmd.AddCommand(deadLetterRequeueCmd)
	clientDeadLetterCmd.AddCommand(deadLetterDiscardCmd)
}

func runDeadLetterList(cmd *cobra.Command, args []string) error {
	c, _, err := openClient(cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	ops, err := c.Queue().DeadLetters(cmd.Context())
	if err != nil {
		return fmt.Errorf("list dead letters: %w", err)
	}

	out := cmd.OutOrStdout()
	if clientJSONOutput {
		items := make([]map[string]any, len(ops))
		for i, op := range ops {
			item := map[string]any{
				"seq":           op.Seq,
				"method":        op.Method,
				"url":           op.TargetURL,
				"enqueued_at":   op.EnqueuedAt,
				"attempt_count": op.AttemptCount,
				"last_error":    op.LastError,
			}
			if op.Record != nil {
				item["record_kind"] = op.Record.Kind
				item["record_id"] = op.Record.ID
			}
			items[i] = item
		}
		return printJSON(out, map[string]any{
			"dead_letters": items,
			"total":        len(items),
		})
	}

	if len(ops) == 0 {
		fmt.Fprintln(out, "No dead letters.")
		return nil
	}

	w := newTabWriter(out)
	fmt.Fprintln(w, "SEQ\tREQUEST\tRECORD\tATTEMPTS\tENQUEUED\tERROR")
	for _, op := range ops {
		record := "-"
		if op.Record != nil {
			record = op.Record.Kind + "/" + op.Record.ID
		}
		fmt.Fprintf(w, "%d\t%s %s\t%s\t%d\t%s\t%s\n",
			op.Seq,
			op.Method,
			op.TargetURL,
			record,
			op.AttemptCount,
			op.EnqueuedAt.Local().Format("2006-01-02 15:04"),
			op.LastError,
		)
	}
	return w.Flush()
}

func runDeadLetterRequeue(cmd *cobra.Command, args []string) error {
	seq, err := parseSeq(args[0])
	if err != nil {
		return err
	}

	c, _, err := openClient(cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Queue().Requeue(cmd.Context(), seq); err != nil {
		return deadLetterError(seq, err)
	}

	if clientJSONOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{"seq": seq, "requeued": true})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Requeued write %d\n", seq)
	return nil
}

func runDeadLetterDiscard(cmd *cobra.Command, args []string) error {
	seq, err := parseSeq(args[0])
	if err != nil {
		return err
	}

	c, _, err := openClient(cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	// Interactive confirmation unless --force
	if !discardForce {
		errOut := cmd.ErrOrStderr()
		fmt.Fprintf(errOut, "WARNING: This will permanently drop queued write %d.\n", seq)
		fmt.Fprint(errOut, "Type the sequence number to confirm: ")

		reader := bufio.NewReader(cmd.InOrStdin())
		input, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("failed to read confirmation: %w", err)
		}
		if strings.TrimSpace(input) != args[0] {
			fmt.Fprintln(errOut, "Aborted. Sequence number did not match.")
			return nil
		}
	}

	if err := c.Queue().Discard(cmd.Context(), seq); err != nil {
		return deadLetterError(seq, err)
	}

	if clientJSONOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{"seq": seq, "discarded": true})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Discarded write %d\n", seq)
	return nil
}

func parseSeq(s string) (int64, error) {
	seq, err := strconv.ParseInt(s, 10, 64)
	if err != nil || seq < 1 {
		return 0, fmt.Errorf("invalid sequence number %q", s)
	}
	return seq, nil
}

func deadLetterError(seq int64, err error) error {
	if errors.Is(err, offline.ErrNotFound) {
		return fmt.Errorf("no dead letter with sequence number %d", seq)
	}
	return err
}

package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

var clientExportCmd = &cobra.Command{
	Use:   "export [file]",
	Short: "Write every local record to a JSON backup",
	Long:  "Write every local record to a JSON backup. Writes to stdout when no file is given.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runClientExport,
}

var clientImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Load records from a JSON backup",
	Long:  "Load records from a JSON backup made by export. Records already present are left untouched. Use - to read stdin.",
	Args:  cobra.ExactArgs(1),
	RunE:  runClientImport,
}

func runClientExport(cmd *cobra.Command, args []string) error {
	c, _, err := openClient(cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	if len(args) == 0 || args[0] == "-" {
		return c.Store().Export(cmd.Context(), cmd.OutOrStdout())
	}

	f, err := os.Create(args[0])
	if err != nil {
		return fmt.Errorf("create export file: %w", err)
	}
	if err := c.Store().Export(cmd.Context(), f); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close export file: %w", err)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Exported records to %s\n", args[0])
	return nil
}

func runClientImport(cmd *cobra.Command, args []string) error {
	var r io.Reader = cmd.InOrStdin()
	if args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("open import file: %w", err)
		}
		defer f.Close()
		r = f
	}

	c, _, err := openClient(cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	n, err := c.Store().Import(cmd.Context(), r)
	if err != nil {
		return err
	}

	if clientJSONOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{"imported": n})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Imported %d records\n", n)
	return nil
}

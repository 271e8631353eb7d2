package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/zotroam/zsync/internal/ui"
	"github.com/zotroam/zsync/internal/zotero/store"
)

var exportCmd = &cobra.Command{
	Use:     "export [library]",
	GroupID: "advanced",
	Short:   "Write the stored items of a library as JSONL",
	Long: `Write every stored item of a library as one JSON object per line, to
stdout or to the file given with --output. The snapshot is read from the
local store; nothing is fetched.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		lib, err := s.library(args)
		if err != nil {
			return err
		}
		snap, ok := s.coord.Snapshot(lib.Path())
		if !ok {
			return fmt.Errorf("%s has not been synced, run 'zsync sync' first", lib.Path())
		}

		var w io.Writer = cmd.OutOrStdout()
		output, _ := cmd.Flags().GetString("output")
		if output != "" {
			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("failed to create %s: %w", output, err)
			}
			defer f.Close()
			w = f
		}

		n, err := store.WriteJSONL(w, snap.Items)
		if err != nil {
			return err
		}
		if output != "" {
			ui.Pass(cmd.OutOrStdout(), "Exported %d items of %s to %s", n, lib.Path(), output)
		}
		return nil
	},
}

var importCmd = &cobra.Command{
	Use:     "import <file>",
	GroupID: "advanced",
	Short:   "Create items in a library from a JSONL file",
	Long: `Create one item per line of a JSONL file. Lines may be bare item data
objects or full item records as written by 'zsync export'. Items are uploaded
in batches of 50, conditional on the stored library version.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", args[0], err)
		}
		defer f.Close()
		objects, err := store.ReadJSONL(f)
		if err != nil {
			return err
		}

		s, lib, err := writeSession(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		out, err := s.coord.CreateItems(cmd.Context(), lib, objects)
		return reportWrite(cmd, s, fmt.Sprintf("Uploaded %d item(s)", len(objects)), out, err)
	},
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	exportCmd.Flags().StringP("output", "o", "", "output file (default stdout)")
	importCmd.Flags().StringP("library", "l", "", "library path (default: the only configured library)")
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
}

package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/zotroam/zsync/internal/ui"
	"github.com/zotroam/zsync/internal/zotero/schema"
	zsync "github.com/zotroam/zsync/internal/zotero/sync"
)

var syncCmd = &cobra.Command{
	Use:     "sync [library]",
	GroupID: "sync",
	Short:   "Fully sync libraries into the local store",
	Long: `Fetch every item and collection of the configured libraries and replace
the stored snapshots.

This performs a full sync:
  1. Fetches every page of every data request of each library
  2. Extracts citekeys from item metadata
  3. Fetches all collections
  4. Saves the snapshot with the library version observed

Without a library argument every configured library is synced concurrently.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSync(cmd, args, func(c *zsync.Coordinator, ctx context.Context, lib schema.Library) (*zsync.Result, error) {
			return c.FullSync(ctx, lib)
		}, (*zsync.Coordinator).SyncAll)
	},
}

var refreshCmd = &cobra.Command{
	Use:     "refresh [library]",
	GroupID: "sync",
	Short:   "Fetch only what changed since the last sync",
	Long: `Fetch the items changed since the stored library version and merge them
into the snapshot. Collections are always replaced in full.

A library that has never been synced is fully synced instead. When the remote
no longer accepts the stored version, one full sync is run in its place.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSync(cmd, args, func(c *zsync.Coordinator, ctx context.Context, lib schema.Library) (*zsync.Result, error) {
			if snap, ok := c.Snapshot(lib.Path()); !ok || len(snap.Items) == 0 {
				return c.FullSync(ctx, lib)
			}
			return c.Refresh(ctx, lib)
		}, (*zsync.Coordinator).RefreshAll)
	},
}

type syncOne func(c *zsync.Coordinator, ctx context.Context, lib schema.Library) (*zsync.Result, error)
type syncEach func(c *zsync.Coordinator, ctx context.Context) []zsync.LibraryResult

func runSync(cmd *cobra.Command, args []string, one syncOne, each syncEach) error {
	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close()
	ctx := cmd.Context()

	var results []zsync.LibraryResult
	if len(args) == 1 {
		lib, err := s.library(args)
		if err != nil {
			return err
		}
		res, err := one(s.coord, ctx, lib)
		results = []zsync.LibraryResult{{Library: lib, Result: res, Err: err}}
	} else {
		results = each(s.coord, ctx)
	}

	if jsonOutput(cmd) {
		if err := s.printOutcomes(cmd.OutOrStdout()); err != nil {
			return err
		}
	} else {
		printResults(cmd.OutOrStdout(), results)
	}

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d libraries failed to sync", failed, len(results))
	}
	return nil
}

func printResults(w io.Writer, results []zsync.LibraryResult) {
	for _, r := range results {
		if r.Err != nil {
			ui.Fail(w, "%s: %v", r.Library.Path(), r.Err)
			if schema.IsRetryable(r.Err) {
				fmt.Fprintf(w, "   %s\n", ui.RenderMuted("temporary failure, try again later"))
			}
			continue
		}
		res := r.Result
		if res.NewCount+res.ModifiedCount == 0 && res.Mode == zsync.ModeIncremental {
			ui.Pass(w, "%s is up to date (version %d)", res.Library, res.LastVersion)
			continue
		}
		mode := string(res.Mode)
		if res.Fallback {
			mode = "full (version " + strconv.Itoa(res.Since) + " expired)"
		}
		ui.Pass(w, "%s synced in %v [%s]", res.Library, res.Duration.Round(time.Millisecond), mode)
		fmt.Fprintf(w, "   Items: %d (%d new, %d modified)\n", res.ItemCount, res.NewCount, res.ModifiedCount)
		fmt.Fprintf(w, "   Collections: %d\n", res.Collections)
		fmt.Fprintf(w, "   Version: %d\n", res.LastVersion)
	}
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show what is stored for each library",
	Long: `Display the stored snapshot of every configured library.

Shows:
  - Library version and last sync time
  - Number of items, attachments and notes
  - Number of items with a citekey`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		w := cmd.OutOrStdout()
		fmt.Fprintln(w, ui.HeaderStyle.Render("Libraries"))

		var rows [][]string
		for _, e := range s.plan.Libraries {
			snap, ok := s.coord.Snapshot(e.Path())
			if !ok {
				rows = append(rows, []string{e.Path(), "-", "-", "-", "-", ui.RenderWarn("never synced")})
				continue
			}
			list, _ := s.coord.Classified(e.Path())
			citekeys := 0
			for _, it := range snap.Items {
				if it.HasCitekey {
					citekeys++
				}
			}
			rows = append(rows, []string{
				e.Path(),
				strconv.Itoa(snap.LastVersion),
				strconv.Itoa(len(list.Items)),
				strconv.Itoa(len(list.PDFs)),
				strconv.Itoa(len(list.Notes)),
				fmt.Sprintf("%d citekeys, %s", citekeys, snap.UpdatedAt.Local().Format(time.DateTime)),
			})
		}
		fmt.Fprint(w, ui.Table([]string{"LIBRARY", "VERSION", "ITEMS", "PDFS", "NOTES", "SYNCED"}, rows))

		if s.db != nil {
			fmt.Fprintf(w, "\nStore: %s\n", s.db.Path())
		} else {
			fmt.Fprintf(w, "\nStore: %s\n", ui.RenderMuted("in memory"))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(refreshCmd)
	rootCmd.AddCommand(statusCmd)
}

package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/zotroam/zsync/internal/ui"
	"github.com/zotroam/zsync/internal/zotero/schema"
	"github.com/zotroam/zsync/internal/zotero/tags"
)

var tagsCmd = &cobra.Command{
	Use:     "tags",
	GroupID: "library",
	Short:   "List, delete and rename library tags",
}

var tagsListCmd = &cobra.Command{
	Use:   "list [library]",
	Short: "List tags grouped by initial",
	Long: `List the tags of a library, grouped by their first character. Tags that
differ only in case are shown as variants of one token.

With --local, tags are matched against a file of local tag names (one per
line); tokens without a local match are reported as automatic.`,
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
		var local []string
		if path, _ := cmd.Flags().GetString("local"); path != "" {
			if local, err = readLines(path); err != nil {
				return err
			}
		}

		report, err := s.coord.Tags(cmd.Context(), lib, local)
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return writeJSON(cmd.OutOrStdout(), report)
		}
		printTagList(cmd.OutOrStdout(), report.List, report.Stats, len(local) > 0)
		return nil
	},
}

func printTagList(w io.Writer, list tags.TagList, stats tags.Stats, matched bool) {
	for _, initial := range list.Initials() {
		fmt.Fprintln(w, ui.RenderAccent(strings.ToUpper(initial)))
		for _, e := range list[initial] {
			variants := make([]string, len(e.Zotero))
			for i, v := range e.Zotero {
				variants[i] = fmt.Sprintf("%s (%d)", v.Tag, v.Meta.NumItems)
			}
			line := "  " + strings.Join(variants, ", ")
			if matched && e.Automatic() {
				line += " " + ui.RenderMuted("automatic")
			}
			fmt.Fprintln(w, line)
		}
	}
	fmt.Fprintf(w, "\n%d tags in %d tokens", stats.NTags, stats.NTotal)
	if matched {
		fmt.Fprintf(w, ", %d in local graph, %d automatic", stats.NRoam, stats.NAuto)
	}
	fmt.Fprintln(w)
}

var tagsDeleteCmd = &cobra.Command{
	Use:   "delete <tag>...",
	Short: "Delete tags from every item of a library",
	Long: `Delete tags from a library in one request, conditional on the stored
library version. If the library changed since the last sync it is refreshed
and the deletion retried once.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, lib, err := writeSession(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		ok, err := confirm(cmd, fmt.Sprintf("Delete %d tag(s) from %s?", len(args), lib.Path()), strings.Join(args, ", "))
		if err != nil || !ok {
			return err
		}
		out, err := s.coord.DeleteTags(cmd.Context(), lib, args)
		return reportWrite(cmd, s, "Deleted", out, err)
	},
}

var tagsRenameCmd = &cobra.Command{
	Use:   "rename <tag>... --into <name>",
	Short: "Rename tags on every item that carries them",
	Long: `Replace the given tags with one new name on every item that carries any
of them. Each item is updated by its own request, so some items may be
renamed while others fail; the summary lists both.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		into, _ := cmd.Flags().GetString("into")
		if strings.TrimSpace(into) == "" {
			return schema.NewConfigurationError("into", "a new tag name is required")
		}
		s, lib, err := writeSession(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		ok, err := confirm(cmd, fmt.Sprintf("Rename %d tag(s) in %s to %q?", len(args), lib.Path(), into), strings.Join(args, ", "))
		if err != nil || !ok {
			return err
		}
		out, err := s.coord.ModifyTags(cmd.Context(), lib, args, into)
		return reportWrite(cmd, s, "Renamed", out, err)
	},
}

func writeSession(cmd *cobra.Command) (*session, schema.Library, error) {
	s, err := openSession(cmd)
	if err != nil {
		return nil, schema.Library{}, err
	}
	path, _ := cmd.Flags().GetString("library")
	lib, err := s.library([]string{path})
	if err != nil {
		s.Close()
		return nil, schema.Library{}, err
	}
	return s, lib, nil
}

// stdinIsTerminal is replaced in tests.
var stdinIsTerminal = func() bool { return ui.IsTerminal(os.Stdin) }

// confirm asks before a destructive write. --yes skips the prompt; without
// a terminal the prompt cannot be shown and --yes is required.
func confirm(cmd *cobra.Command, title, detail string) (bool, error) {
	if yes, _ := cmd.Flags().GetBool("yes"); yes {
		return true, nil
	}
	if !stdinIsTerminal() {
		return false, fmt.Errorf("refusing to write without confirmation, pass --yes")
	}

	var ok bool
	err := huh.NewConfirm().
		Title(title).
		Description(detail).
		Affirmative("Yes").
		Negative("No").
		Value(&ok).
		Run()
	if err != nil {
		return false, err
	}
	if !ok {
		fmt.Fprintln(cmd.OutOrStdout(), "Cancelled")
	}
	return ok, nil
}

// reportWrite prints a write outcome. Partial failure is reported, not
// returned as an error.
func reportWrite(cmd *cobra.Command, s *session, verb string, out *schema.WriteOutcome, err error) error {
	w := cmd.OutOrStdout()
	if jsonOutput(cmd) {
		if perr := s.printOutcomes(w); perr != nil {
			return perr
		}
		return err
	}

	switch {
	case err != nil && out.Empty():
		return err
	case out.Empty():
		ui.Pass(w, "Nothing to do")
	case len(out.Failed) == 0:
		ui.Pass(w, "%s (%d request(s))", verb, len(out.Successful))
	default:
		ui.Warn(w, "%s with %d of %d request(s) failed:", verb, len(out.Failed), len(out.Successful)+len(out.Failed))
		for _, f := range out.Failed {
			fmt.Fprintf(w, "   %s: %s\n", f.Target, f.Error)
		}
	}
	if v := out.MaxVersion(); v > 0 {
		fmt.Fprintf(w, "   Library version: %d\n", v)
	}
	return err
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	return lines, sc.Err()
}

func init() {
	tagsListCmd.Flags().String("local", "", "file of local tag names, one per line")

	for _, c := range []*cobra.Command{tagsDeleteCmd, tagsRenameCmd} {
		c.Flags().StringP("library", "l", "", "library path (default: the only configured library)")
		c.Flags().BoolP("yes", "y", false, "do not ask for confirmation")
	}
	tagsRenameCmd.Flags().String("into", "", "new tag name")

	tagsCmd.AddCommand(tagsListCmd, tagsDeleteCmd, tagsRenameCmd)
	rootCmd.AddCommand(tagsCmd)
}

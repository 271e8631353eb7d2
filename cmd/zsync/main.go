// Command zsync keeps a local copy of remote reference libraries current and
// edits their tags.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/zotroam/zsync/internal/ui"
)

var rootCmd = &cobra.Command{
	Use:   "zsync",
	Short: "Sync remote reference libraries into a local store",
	Long: `zsync fetches the items, collections and tags of one or more remote
reference libraries, keeps them current with cheap incremental refreshes and
applies tag edits under optimistic concurrency.

Libraries are declared in the config file (see 'zsync config init'). Every
command that takes a library accepts its path, e.g. users/123 or groups/4567,
and defaults to the only configured library when there is just one.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "library", Title: "Library Commands:"},
		&cobra.Group{ID: "advanced", Title: "Advanced Commands:"},
	)

	pf := rootCmd.PersistentFlags()
	pf.StringP("config", "c", "", "config file (default $XDG_CONFIG_HOME/zsync/zsync.toml)")
	pf.String("api-key", "", "fallback API key for requests that declare none")
	pf.String("store", "", "snapshot database path (\"-\" keeps snapshots in memory)")
	pf.Bool("json", false, "print outcome records as JSON")
	pf.BoolP("verbose", "v", false, "log component activity to stderr")
}

func main() {
	ui.Init(os.Stdout)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderFail("Error:"), err)
		os.Exit(1)
	}
}

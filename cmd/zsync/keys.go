package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/zotroam/zsync/internal/ui"
)

var keysCmd = &cobra.Command{
	Use:     "keys",
	GroupID: "library",
	Short:   "Show what each configured API key may access",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		w := cmd.OutOrStdout()
		var infos []any
		for _, cred := range s.plan.Credentials {
			info, err := s.client.FetchPermissions(cmd.Context(), cred)
			if err != nil {
				ui.Fail(w, "%s: %v", cred.Masked(), err)
				continue
			}
			if jsonOutput(cmd) {
				info.Key = cred.Masked()
				infos = append(infos, info)
				continue
			}

			ui.Pass(w, "%s (user %s, id %d)", cred.Masked(), info.Username, info.UserID)
			var libs []string
			for _, e := range s.plan.Libraries {
				if e.Credential != cred {
					continue
				}
				access := ui.RenderWarn("read only")
				if info.CanWrite(e.Library) {
					access = ui.RenderPass("read/write")
				}
				libs = append(libs, fmt.Sprintf("   %s: %s", e.Path(), access))
			}
			sort.Strings(libs)
			for _, l := range libs {
				fmt.Fprintln(w, l)
			}
		}
		if jsonOutput(cmd) {
			return writeJSON(w, infos)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(keysCmd)
}

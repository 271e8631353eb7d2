package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zotroam/zsync/internal/config"
	"github.com/zotroam/zsync/internal/ui"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "advanced",
	Short:   "Create or inspect the config file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter config file",
	Long: `Write a starter TOML config file declaring one user library. The file is
written to --config if given, otherwise to $XDG_CONFIG_HOME/zsync/zsync.toml.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Root().PersistentFlags().GetString("config")
		if path == "" {
			path = config.DefaultPath()
		}
		apiKey, _ := cmd.Root().PersistentFlags().GetString("api-key")
		userID, _ := cmd.Flags().GetString("user-id")
		force, _ := cmd.Flags().GetBool("force")

		if err := config.WriteStarter(path, apiKey, userID, force); err != nil {
			return err
		}
		ui.Pass(cmd.OutOrStdout(), "Wrote %s", path)
		fmt.Fprintln(cmd.OutOrStdout(), "   Edit the [[requests]] entries, then run 'zsync sync'")
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Print the configuration after defaults, the config file, ZSYNC_*
environment variables and flags are applied. API keys are masked.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if cfg.File != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "# %s\n", cfg.File)
		}
		return config.WriteYAML(cmd.OutOrStdout(), cfg)
	},
}

func init() {
	configInitCmd.Flags().String("user-id", "0", "numeric id of your user library")
	configInitCmd.Flags().Bool("force", false, "replace an existing file")
	configCmd.AddCommand(configInitCmd, configShowCmd)
	rootCmd.AddCommand(configCmd)
}

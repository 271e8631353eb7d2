package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zotroam/zsync/internal/ui"
	"github.com/zotroam/zsync/internal/zotero/daemon"
	"github.com/zotroam/zsync/internal/zotero/events"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Keep libraries current and stream outcomes over WebSocket",
	Long: `Run in the foreground, refreshing every configured library on an
interval (daemon.interval, default 60s). Libraries without a snapshot are
fully synced first.

Every sync and write outcome is streamed to WebSocket clients:
  ws://<daemon.listen>/ws       outcome records, recent ones replayed on connect
  http://<daemon.listen>/health server status
  http://<daemon.listen>/recent recent outcomes as JSON

When a config file is in use it is watched, and the session is rebuilt
whenever it changes.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		listen, _ := cmd.Flags().GetString("listen")
		if listen == "" {
			listen = s.cfg.Daemon.Listen
		}

		bus := events.NewBus(s.newLogger("events"))
		defer bus.Close()
		server := events.NewServer(&events.ServerConfig{Addr: listen, Logger: s.newLogger("events")})

		// Outcomes now go to the bus instead of the recorder.
		if err := s.build(cmd.Context(), bus); err != nil {
			return err
		}

		if err := server.Start(); err != nil {
			return fmt.Errorf("failed to start event server: %w", err)
		}
		defer server.Stop()
		server.Attach(bus)

		cfg := &daemon.Config{
			Interval:   s.cfg.Daemon.Interval,
			ConfigPath: s.cfg.File,
			Logger:     s.newLogger("daemon"),
		}
		if cfg.ConfigPath != "" {
			cfg.Reload = func(ctx context.Context) (daemon.Refresher, error) {
				next, _, err := loadConfig(cmd)
				if err != nil {
					return nil, err
				}
				if next.Store.Path != s.cfg.Store.Path {
					s.newLogger("daemon").Printf("Warning: store.path changes need a restart, keeping %s", s.cfg.Store.Path)
					next.Store = s.cfg.Store
				}
				s.cfg = next
				if err := s.build(ctx, bus); err != nil {
					return nil, err
				}
				return s.coord, nil
			}
		}

		d, err := daemon.New(s.coord, cfg)
		if err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		ui.Pass(w, "Daemon started for %d libraries", len(s.plan.Libraries))
		fmt.Fprintf(w, "   WebSocket endpoint: ws://%s/ws\n", server.Addr())
		fmt.Fprintf(w, "   Health check: http://%s/health\n", server.Addr())
		fmt.Fprintln(w, "\nPress Ctrl+C to stop...")

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		if err := d.Run(ctx); err != nil {
			return err
		}

		fmt.Fprintln(w, "\nDaemon stopped")
		return nil
	},
}

func init() {
	daemonCmd.Flags().String("listen", "", "event server address (default daemon.listen)")
	rootCmd.AddCommand(daemonCmd)
}

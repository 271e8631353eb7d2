// Package daemon keeps the configured libraries current in the background.
//
// The daemon:
//  1. Refreshes every library on start, fully syncing the ones without a
//     snapshot
//  2. Refreshes again on a fixed interval
//  3. Re-plans the sync session when the config file changes
//  4. Handles graceful shutdown
package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	zsync "github.com/zotroam/zsync/internal/zotero/sync"
)

// Refresher is the part of the sync coordinator the daemon drives.
type Refresher interface {
	RefreshAll(ctx context.Context) []zsync.LibraryResult
}

// ReloadFunc builds a new refresher after the config file changed.
type ReloadFunc func(ctx context.Context) (Refresher, error)

// Config holds configuration for the daemon.
type Config struct {
	// Interval between refreshes.
	Interval time.Duration

	// DebounceInterval is how long the config file must be quiet before a
	// reload.
	DebounceInterval time.Duration

	// ConfigPath is watched for changes when set, and Reload is then
	// required.
	ConfigPath string
	Reload     ReloadFunc

	// Logger for daemon activity
	Logger *log.Logger
}

// DefaultConfig returns the default settings.
func DefaultConfig() *Config {
	return &Config{
		Interval:         60 * time.Second,
		DebounceInterval: 250 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Stats counts daemon activity.
type Stats struct {
	Refreshes int
	Reloads   int
	Failures  int
	LastRun   time.Time
}

// Daemon runs periodic refreshes.
type Daemon struct {
	config *Config

	mu        sync.Mutex
	refresher Refresher
	stats     Stats

	trigger chan struct{}
}

// New creates a daemon driving r.
func New(r Refresher, config *Config) (*Daemon, error) {
	if r == nil {
		return nil, fmt.Errorf("refresher cannot be nil")
	}
	def := DefaultConfig()
	if config == nil {
		config = def
	}
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = def.DebounceInterval
	}
	if config.Logger == nil {
		config.Logger = def.Logger
	}
	if config.ConfigPath != "" && config.Reload == nil {
		return nil, fmt.Errorf("reload function required when watching %s", config.ConfigPath)
	}

	return &Daemon{
		config:    config,
		refresher: r,
		trigger:   make(chan struct{}, 1),
	}, nil
}

// Run refreshes until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	d.config.Logger.Printf("Starting daemon (interval %s)", d.config.Interval)

	var changes <-chan struct{}
	var watchErrs <-chan error
	if d.config.ConfigPath != "" {
		cw, err := NewConfigWatcher(d.config.ConfigPath)
		if err != nil {
			return err
		}
		defer cw.Close()
		changes = cw.Changes()
		watchErrs = cw.Errors()
		d.config.Logger.Printf("Watching: %s", cw.Path())
	}

	d.refresh(ctx)

	ticker := time.NewTicker(d.config.Interval)
	defer ticker.Stop()

	var debounce *time.Timer
	var debounced <-chan time.Time
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			d.config.Logger.Println("Daemon stopped")
			return nil

		case <-ticker.C:
			d.refresh(ctx)

		case <-d.trigger:
			d.refresh(ctx)

		case <-changes:
			if debounce == nil {
				debounce = time.NewTimer(d.config.DebounceInterval)
			} else {
				debounce.Reset(d.config.DebounceInterval)
			}
			debounced = debounce.C

		case <-debounced:
			debounced = nil
			d.reload(ctx)

		case err := <-watchErrs:
			d.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

// Trigger asks for an immediate refresh. It never blocks.
func (d *Daemon) Trigger() {
	select {
	case d.trigger <- struct{}{}:
	default:
	}
}

// Stats returns a copy of the activity counters.
func (d *Daemon) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

func (d *Daemon) current() Refresher {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.refresher
}

func (d *Daemon) refresh(ctx context.Context) {
	results := d.current().RefreshAll(ctx)

	failures := 0
	for _, r := range results {
		if r.Err != nil {
			failures++
			d.config.Logger.Printf("Warning: refresh of %s failed: %v", r.Library.Path(), r.Err)
			continue
		}
		if n := r.Result.NewCount + r.Result.ModifiedCount; n > 0 {
			d.config.Logger.Printf("%s: %d new, %d modified (version %d)",
				r.Library.Path(), r.Result.NewCount, r.Result.ModifiedCount, r.Result.LastVersion)
		}
	}

	d.mu.Lock()
	d.stats.Refreshes++
	d.stats.Failures += failures
	d.stats.LastRun = time.Now()
	d.mu.Unlock()
}

// reload swaps in a refresher built from the changed config. A config that
// fails to load keeps the current one.
func (d *Daemon) reload(ctx context.Context) {
	d.config.Logger.Printf("Config changed, reloading %s", d.config.ConfigPath)
	r, err := d.config.Reload(ctx)
	if err != nil {
		d.config.Logger.Printf("Warning: keeping previous config: %v", err)
		return
	}

	d.mu.Lock()
	d.refresher = r
	d.stats.Reloads++
	d.mu.Unlock()

	d.refresh(ctx)
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zotroam/zsync/internal/config"
	"github.com/zotroam/zsync/internal/logging"
	"github.com/zotroam/zsync/internal/zotero/api"
	"github.com/zotroam/zsync/internal/zotero/events"
	"github.com/zotroam/zsync/internal/zotero/plan"
	"github.com/zotroam/zsync/internal/zotero/schema"
	"github.com/zotroam/zsync/internal/zotero/store"
	zsync "github.com/zotroam/zsync/internal/zotero/sync"
)

// memoryStore is the --store value that disables persistence.
const memoryStore = "-"

// session is everything one command invocation needs, built once from the
// effective config.
type session struct {
	cfg    *config.Config
	plan   *plan.Plan
	client *api.Client
	store  store.Store
	db     *store.DB
	coord  *zsync.Coordinator

	outcomes *events.Recorder
	logOut   io.Writer
	closers  []io.Closer
}

// loadConfig layers defaults, the config file, ZSYNC_* and the root flags.
func loadConfig(cmd *cobra.Command) (*config.Config, *viper.Viper, error) {
	v := config.New()
	pf := cmd.Root().PersistentFlags()
	for key, flag := range map[string]string{"api_key": "api-key", "store.path": "store"} {
		if err := v.BindPFlag(key, pf.Lookup(flag)); err != nil {
			return nil, nil, err
		}
	}
	path, _ := pf.GetString("config")
	cfg, err := config.Load(v, path)
	if err != nil {
		return nil, nil, err
	}
	return cfg, v, nil
}

// newLogger returns the logger for component. Without --verbose or a log
// file, component logs are dropped.
func (s *session) newLogger(component string) *log.Logger {
	return logging.New(s.logOut, component)
}

func openSession(cmd *cobra.Command) (*session, error) {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	s := &session{cfg: cfg, outcomes: &events.Recorder{}, logOut: io.Discard}

	if cfg.Log.File != "" {
		w, c, err := logging.Writer(cfg.Log)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		s.logOut = w
		s.closers = append(s.closers, c)
	} else if verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose"); verbose {
		s.logOut = cmd.ErrOrStderr()
	}

	if err := s.build(cmd.Context(), s.outcomes); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// build plans the requests and wires the client, store and coordinator.
// Outcomes go to pub.
func (s *session) build(ctx context.Context, pub events.Publisher) error {
	p, err := s.cfg.Plan()
	if err != nil {
		return err
	}
	s.plan = p
	s.client = api.New(s.cfg.API(), &http.Client{Timeout: s.cfg.Timeout}, s.newLogger("api"))

	if s.store == nil {
		if err := s.openStore(); err != nil {
			return err
		}
	}

	s.coord = zsync.New(p, s.client, s.store, pub, s.newLogger("sync"))
	return s.coord.Load(ctx)
}

func (s *session) openStore() error {
	if s.cfg.Store.Path == "" || s.cfg.Store.Path == memoryStore {
		s.store = store.NewMemory()
		return nil
	}
	db, err := store.Open(s.cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	s.db = db
	s.store = db
	s.closers = append(s.closers, db)
	return nil
}

// Close releases the store and log file.
func (s *session) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i].Close()
	}
	s.closers = nil
}

// library resolves the optional library argument. With no argument the
// only configured library is used.
func (s *session) library(args []string) (schema.Library, error) {
	if len(args) == 0 || args[0] == "" {
		if len(s.plan.Libraries) == 1 {
			return s.plan.Libraries[0].Library, nil
		}
		return schema.Library{}, schema.NewConfigurationError("library", "%d libraries are configured, name one of them", len(s.plan.Libraries))
	}
	lib, err := schema.ParseLibraryPath(args[0])
	if err != nil {
		return schema.Library{}, err
	}
	if _, ok := s.plan.Library(lib.Path()); !ok {
		return schema.Library{}, schema.NewConfigurationError("library", "%s is not configured", lib.Path())
	}
	return lib, nil
}

// credential returns the credential bound to lib.
func (s *session) credential(lib schema.Library) schema.Credential {
	e, _ := s.plan.Library(lib.Path())
	return e.Credential
}

// jsonOutput reports whether --json was given.
func jsonOutput(cmd *cobra.Command) bool {
	v, _ := cmd.Root().PersistentFlags().GetBool("json")
	return v
}

// printOutcomes writes the recorded outcomes as JSON lines.
func (s *session) printOutcomes(w io.Writer) error {
	enc := json.NewEncoder(w)
	for _, o := range s.outcomes.Outcomes() {
		if err := enc.Encode(o); err != nil {
			return err
		}
	}
	return nil
}

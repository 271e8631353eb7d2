package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	gosync "sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zotroam/zsync/internal/zotero/api"
	"github.com/zotroam/zsync/internal/zotero/classify"
	"github.com/zotroam/zsync/internal/zotero/events"
	"github.com/zotroam/zsync/internal/zotero/plan"
	"github.com/zotroam/zsync/internal/zotero/schema"
	"github.com/zotroam/zsync/internal/zotero/store"
	"github.com/zotroam/zsync/internal/zotero/tags"
)

// Mode tells how a sync fetched its data.
type Mode string

const (
	// ModeFull fetched every entity.
	ModeFull Mode = "full"
	// ModeIncremental fetched only entities changed since a version.
	ModeIncremental Mode = "incremental"
)

// Result summarizes one library sync.
type Result struct {
	Library     string        `json:"library"`
	Mode        Mode          `json:"mode"`
	Since       int           `json:"since,omitempty"`
	LastVersion int           `json:"lastVersion"`
	ItemCount   int           `json:"itemCount"`
	Collections int           `json:"collections"`
	Duration    time.Duration `json:"duration"`

	// Fallback is set when an incremental refresh had to be replaced by a
	// full sync.
	Fallback bool `json:"fallback,omitempty"`

	Delta
}

// LibraryResult pairs a library with the result or error of its sync.
type LibraryResult struct {
	Library schema.Library
	Result  *Result
	Err     error
}

// Config holds coordinator settings.
type Config struct {
	// MaxConcurrentLibraries bounds SyncAll and RefreshAll (default 4).
	MaxConcurrentLibraries int
}

// DefaultConfig returns the default coordinator settings.
func DefaultConfig() Config {
	return Config{MaxConcurrentLibraries: 4}
}

// Coordinator owns the sync state of every planned library. It is safe for
// concurrent use.
type Coordinator struct {
	plan   *plan.Plan
	remote Remote
	store  store.Store
	events events.Publisher
	logger *log.Logger
	cfg    Config
	now    func() time.Time

	mu       gosync.Mutex
	states   map[string]*schema.SyncState
	inflight map[string]bool
}

// New creates a coordinator.
//
// If st is nil, snapshots are kept in memory only. If pub is nil, outcomes
// are discarded. If logger is nil, a default logger writing to stderr is
// used.
func New(p *plan.Plan, remote Remote, st store.Store, pub events.Publisher, logger *log.Logger) *Coordinator {
	if st == nil {
		st = store.NewMemory()
	}
	if pub == nil {
		pub = events.Discard
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	return &Coordinator{
		plan:     p,
		remote:   remote,
		store:    st,
		events:   pub,
		logger:   logger,
		cfg:      DefaultConfig(),
		now:      time.Now,
		states:   make(map[string]*schema.SyncState),
		inflight: make(map[string]bool),
	}
}

// WithConfig replaces the coordinator settings. Call it before use.
func (c *Coordinator) WithConfig(cfg Config) *Coordinator {
	if cfg.MaxConcurrentLibraries <= 0 {
		cfg.MaxConcurrentLibraries = DefaultConfig().MaxConcurrentLibraries
	}
	c.cfg = cfg
	return c
}

// Plan returns the plan the coordinator was built from.
func (c *Coordinator) Plan() *plan.Plan {
	return c.plan
}

// Load reads the stored snapshot of every planned library. Libraries
// without a snapshot are left empty.
func (c *Coordinator) Load(ctx context.Context) error {
	for _, entry := range c.plan.Libraries {
		snap, err := c.store.Get(ctx, entry.Path())
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to load snapshot for %s: %w", entry.Path(), err)
		}

		c.mu.Lock()
		c.states[entry.Path()] = snap.State()
		c.mu.Unlock()
		c.logger.Printf("Loaded %s: %d items at version %d", entry.Path(), len(snap.Items), snap.LastVersion)
	}
	return nil
}

// Snapshot returns a copy of the current state of the library at path.
func (c *Coordinator) Snapshot(path string) (schema.Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states[path]
	if !ok {
		return schema.Snapshot{}, false
	}
	return st.Snapshot(), true
}

// Classified returns the partitioned items of the library at path.
func (c *Coordinator) Classified(path string) (*classify.ItemList, bool) {
	snap, ok := c.Snapshot(path)
	if !ok {
		return nil, false
	}
	return classify.Categorize(snap.Items), true
}

func (c *Coordinator) entry(lib schema.Library) (plan.LibraryEntry, error) {
	e, ok := c.plan.Library(lib.Path())
	if !ok {
		return plan.LibraryEntry{}, schema.NewConfigurationError("library", "%s is not part of the configured requests", lib.Path())
	}
	return e, nil
}

// begin marks path as in flight.
func (c *Coordinator) begin(path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inflight[path] {
		return fmt.Errorf("%s: %w", path, schema.ErrRefreshInProgress)
	}
	c.inflight[path] = true
	return nil
}

func (c *Coordinator) end(path string) {
	c.mu.Lock()
	delete(c.inflight, path)
	c.mu.Unlock()
}

func (c *Coordinator) state(path string) *schema.SyncState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.states[path]
}

// commit saves next and makes it the current state.
func (c *Coordinator) commit(ctx context.Context, next *schema.SyncState) error {
	next.UpdatedAt = c.now()
	if err := c.store.Put(ctx, next.Snapshot()); err != nil {
		return fmt.Errorf("failed to save snapshot for %s: %w", next.Library.Path(), err)
	}
	c.mu.Lock()
	c.states[next.Library.Path()] = next
	c.mu.Unlock()
	return nil
}

// FullSync fetches every item of every data request of lib and all of its
// collections, and replaces the stored state.
func (c *Coordinator) FullSync(ctx context.Context, lib schema.Library) (*Result, error) {
	entry, err := c.entry(lib)
	if err != nil {
		return nil, err
	}
	if err := c.begin(lib.Path()); err != nil {
		return nil, err
	}
	defer c.end(lib.Path())

	res, err := c.fullSync(ctx, entry)
	c.publishUpdate(lib, res, 0, err)
	return res, err
}

// Refresh fetches the items of lib changed since the stored version and
// merges them. It fails with *schema.PreconditionError if lib has not been
// fully synced yet.
func (c *Coordinator) Refresh(ctx context.Context, lib schema.Library) (*Result, error) {
	entry, err := c.entry(lib)
	if err != nil {
		return nil, err
	}
	if err := c.begin(lib.Path()); err != nil {
		return nil, err
	}
	defer c.end(lib.Path())

	prior := c.state(lib.Path())
	since := 0
	if prior != nil {
		since = prior.LastVersion
	}
	res, err := c.refresh(ctx, entry, prior)
	c.publishUpdate(lib, res, since, err)
	return res, err
}

func (c *Coordinator) fullSync(ctx context.Context, entry plan.LibraryEntry) (*Result, error) {
	start := c.now()
	lib := entry.Library

	items, version, err := c.fetchItems(ctx, lib, 0)
	if err != nil {
		return nil, err
	}
	cols, err := c.remote.FetchCollections(ctx, lib, entry.Credential, api.FetchOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch collections: %w", err)
	}

	next := build(lib, items)
	next.LastVersion = version
	next.Collections = cols.Data

	prior := c.state(lib.Path())
	if prior == nil {
		prior = schema.NewSyncState(lib)
	}
	delta := diff(prior, next)

	if err := c.commit(ctx, next); err != nil {
		return nil, err
	}

	res := &Result{
		Library:     lib.Path(),
		Mode:        ModeFull,
		LastVersion: version,
		ItemCount:   len(next.Items),
		Collections: len(next.Collections),
		Duration:    c.now().Sub(start),
		Delta:       delta,
	}
	c.logger.Printf("Synced %s: %d items, %d collections at version %d", lib.Path(), res.ItemCount, res.Collections, version)
	return res, nil
}

func (c *Coordinator) refresh(ctx context.Context, entry plan.LibraryEntry, prior *schema.SyncState) (*Result, error) {
	lib := entry.Library
	if prior == nil || len(prior.Items) == 0 {
		return nil, &schema.PreconditionError{Library: lib.Path(), Reason: "no items synced yet, a full sync is required"}
	}
	start := c.now()
	since := prior.LastVersion

	changed, version, err := c.fetchItems(ctx, lib, since)
	if schema.RequiresFullResync(err) {
		c.logger.Printf("Warning: %s no longer accepts version %d (%v), running a full sync", lib.Path(), since, err)
		res, ferr := c.fullSync(ctx, entry)
		if ferr != nil {
			return nil, ferr
		}
		res.Since = since
		res.Fallback = true
		return res, nil
	}
	if err != nil {
		return nil, err
	}

	cols, err := c.remote.FetchCollections(ctx, lib, entry.Credential, api.FetchOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch collections: %w", err)
	}

	next, delta := Merge(prior, changed)
	next.LastVersion = max(version, since)
	next.Collections = cols.Data

	if err := c.commit(ctx, next); err != nil {
		return nil, err
	}

	res := &Result{
		Library:     lib.Path(),
		Mode:        ModeIncremental,
		Since:       since,
		LastVersion: next.LastVersion,
		ItemCount:   len(next.Items),
		Collections: len(next.Collections),
		Duration:    c.now().Sub(start),
		Delta:       delta,
	}
	if delta.NewCount+delta.ModifiedCount > 0 {
		c.logger.Printf("Refreshed %s since %d: %d new, %d modified", lib.Path(), since, delta.NewCount, delta.ModifiedCount)
	}
	return res, nil
}

// fetchItems runs every data request of lib concurrently and returns their
// items with citekeys extracted, in request order, and the lowest library
// version the requests observed.
func (c *Coordinator) fetchItems(ctx context.Context, lib schema.Library, since int) ([]schema.Item, int, error) {
	reqs := c.plan.RequestsFor(lib)
	results := make([]*api.FetchResult[schema.Item], len(reqs))

	g, gctx := errgroup.WithContext(ctx)
	for i, req := range reqs {
		g.Go(func() error {
			res, err := c.remote.FetchItems(gctx, req, api.FetchOptions{Since: since})
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, 0, err
	}

	var items []schema.Item
	versions := make([]int, 0, len(results))
	for _, res := range results {
		items = append(items, classify.ExtractCitekeys(res.Data)...)
		versions = append(versions, res.LastUpdated)
	}
	return items, minVersion(versions), nil
}

func (c *Coordinator) publishUpdate(lib schema.Library, res *Result, since int, err error) {
	o := events.Outcome{
		Kind:      events.KindUpdate,
		Library:   lib.Path(),
		Since:     since,
		Success:   err == nil,
		Timestamp: c.now(),
	}
	if res != nil {
		o.Args = map[string]any{"mode": string(res.Mode)}
		o.Data = res
	}
	if err != nil {
		o.Error = err.Error()
	}
	c.events.Publish(o)
}

// SyncAll runs FullSync for every planned library.
func (c *Coordinator) SyncAll(ctx context.Context) []LibraryResult {
	return c.each(ctx, c.FullSync)
}

// RefreshAll refreshes every planned library, running a full sync for the
// ones that have no state yet.
func (c *Coordinator) RefreshAll(ctx context.Context) []LibraryResult {
	return c.each(ctx, func(ctx context.Context, lib schema.Library) (*Result, error) {
		if st := c.state(lib.Path()); st == nil || len(st.Items) == 0 {
			return c.FullSync(ctx, lib)
		}
		return c.Refresh(ctx, lib)
	})
}

// each runs op for every library. Libraries are independent: one failure
// does not stop the others.
func (c *Coordinator) each(ctx context.Context, op func(context.Context, schema.Library) (*Result, error)) []LibraryResult {
	out := make([]LibraryResult, len(c.plan.Libraries))

	var g errgroup.Group
	g.SetLimit(c.cfg.MaxConcurrentLibraries)
	for i, entry := range c.plan.Libraries {
		g.Go(func() error {
			res, err := op(ctx, entry.Library)
			out[i] = LibraryResult{Library: entry.Library, Result: res, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// TagReport is the grouped tag list of a library.
type TagReport struct {
	Library     string       `json:"library"`
	LastUpdated int          `json:"lastUpdated"`
	List        tags.TagList `json:"list"`
	Stats       tags.Stats   `json:"stats"`
}

// Tags fetches the tag list of lib and matches it against local.
func (c *Coordinator) Tags(ctx context.Context, lib schema.Library, local []string) (*TagReport, error) {
	entry, err := c.entry(lib)
	if err != nil {
		return nil, err
	}
	res, err := c.remote.FetchTags(ctx, lib, entry.Credential, api.FetchOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch tags: %w", err)
	}

	list := tags.MakeTagList(res.Data)
	tags.MatchLocal(list, local)
	return &TagReport{
		Library:     lib.Path(),
		LastUpdated: res.LastUpdated,
		List:        list,
		Stats:       tags.ComputeStats(list),
	}, nil
}

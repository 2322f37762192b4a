// Package engine wires the cache components into one explicitly
// constructed object owned by the application.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	offlinecache "github.com/wolfeidau/offline-cache"
	"github.com/wolfeidau/offline-cache/backend"
	"github.com/wolfeidau/offline-cache/breaker"
	"github.com/wolfeidau/offline-cache/entry"
	"github.com/wolfeidau/offline-cache/expiry"
	"github.com/wolfeidau/offline-cache/lifecycle"
	"github.com/wolfeidau/offline-cache/postauth"
	"github.com/wolfeidau/offline-cache/remote"
	"github.com/wolfeidau/offline-cache/syncer"
	"github.com/wolfeidau/offline-cache/teardown"
)

const (
	// LocalStoreName names the key/value store.
	LocalStoreName = "local"

	// EntriesDatabase is the structured database holding cache entries.
	EntriesDatabase = "conference_cache"

	// ResponseCache is the blob cache used for REST revalidation.
	ResponseCache = "api-responses"
)

// Config holds engine configuration.
type Config struct {
	// DataDir holds every on-device store.
	DataDir string

	// Databases are the structured databases to open. Cache entries are
	// written to EntriesDatabase, which is always opened.
	Databases []string

	// Caches are the blob caches to open. ResponseCache is always opened.
	Caches []string

	// RemoteURL is the REST API base URL.
	RemoteURL string

	// APIKey is sent as the apikey header.
	APIKey string

	// PostgresDSN reads tables straight from PostgreSQL instead of REST.
	PostgresDSN string

	// Remote overrides RemoteURL and PostgresDSN.
	Remote syncer.Remote

	// Tables defaults to syncer.DefaultTables().
	Tables []syncer.Table

	// RequiredTables must be cached for the populated check.
	RequiredTables []string

	// SyncWorkers bounds concurrent table syncs.
	SyncWorkers int

	Breaker breaker.Config
	Sweep   expiry.Config

	// Logger for every component.
	Logger *slog.Logger
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		DataDir:        "./offline-cache",
		Databases:      []string{EntriesDatabase},
		Caches:         []string{ResponseCache, "conference-assets"},
		RequiredTables: lifecycle.DefaultRequiredTables,
		SyncWorkers:    4,
		Breaker:        breaker.DefaultConfig(),
		Sweep:          expiry.DefaultConfig(),
		Logger:         slog.Default(),
	}
}

// tokenSetter is implemented by remotes that authenticate per user.
type tokenSetter interface {
	SetToken(token string)
}

// Engine owns every cache component for one process.
type Engine struct {
	config Config
	logger *slog.Logger
	now    func() time.Time

	Local     backend.Backend
	Databases []backend.Backend
	Caches    []backend.Backend

	Codec     *entry.Codec
	Entries   *entry.Store
	Breaker   *breaker.Breaker
	Tracker   *syncer.Tracker
	Validator *lifecycle.Validator
	Teardown  *teardown.Orchestrator
	PostAuth  *postauth.Orchestrator
	Sweeper   *expiry.Manager

	remote  syncer.Remote
	closers []func() error

	mu       sync.Mutex
	sweepCtx context.Context
}

// New opens every store under cfg.DataDir and wires the components.
func New(ctx context.Context, cfg Config) (*Engine, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("data dir is required: %w", offlinecache.ErrInvalidInput)
	}
	if len(cfg.Tables) == 0 {
		cfg.Tables = syncer.DefaultTables()
	}
	cfg.Databases = withName(cfg.Databases, EntriesDatabase)
	cfg.Caches = withName(cfg.Caches, ResponseCache)

	e := &Engine{
		config: cfg,
		logger: cfg.Logger.With("component", "engine"),
		now:    time.Now,
	}
	if err := e.open(ctx); err != nil {
		_ = e.Close()
		return nil, err
	}
	return e, nil
}

func withName(names []string, name string) []string {
	for _, n := range names {
		if n == name {
			return names
		}
	}
	return append([]string{name}, names...)
}

func (e *Engine) open(ctx context.Context) error {
	cfg := e.config
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}

	local, err := backend.OpenBolt(LocalStoreName, filepath.Join(cfg.DataDir, "local.db"), backend.WithBoltLogger(cfg.Logger))
	if err != nil {
		return err
	}
	e.Local = e.track(backend.NewInstrumentedBackend(local))

	var entriesDB backend.Backend
	for _, name := range cfg.Databases {
		db, err := backend.OpenSQLite(ctx, name, filepath.Join(cfg.DataDir, name+".sqlite"), backend.WithSQLiteLogger(cfg.Logger))
		if err != nil {
			return err
		}
		b := e.track(backend.NewInstrumentedBackend(db))
		e.Databases = append(e.Databases, b)
		if name == EntriesDatabase {
			entriesDB = b
		}
	}

	var responses *backend.Filesystem
	for _, name := range cfg.Caches {
		fs, err := backend.NewFilesystem(name, filepath.Join(cfg.DataDir, "caches", name))
		if err != nil {
			return err
		}
		e.Caches = append(e.Caches, e.track(backend.NewInstrumentedBackend(fs)))
		if name == ResponseCache {
			responses = fs
		}
	}

	e.remote, err = e.openRemote(ctx, responses)
	if err != nil {
		return err
	}

	all := append([]backend.Backend{e.Local}, e.Databases...)
	all = append(all, e.Caches...)

	e.Codec = entry.NewCodec(entry.WithLogger(cfg.Logger))
	e.Entries = entry.NewStore(entriesDB, e.Codec, cfg.Logger)

	brkCfg := cfg.Breaker
	if brkCfg.Logger == nil {
		brkCfg.Logger = cfg.Logger
	}
	e.Breaker = breaker.New(brkCfg)

	e.Tracker = syncer.New(e.remote, e.Local, e.Entries, e.Breaker, syncer.Config{
		Tables:  cfg.Tables,
		Workers: cfg.SyncWorkers,
		Logger:  cfg.Logger,
	})

	e.Validator = lifecycle.New(lifecycle.Config{
		Local:          e.Local,
		Backends:       all,
		Entries:        e.Entries,
		RequiredTables: cfg.RequiredTables,
		Logger:         cfg.Logger,
	})

	e.Teardown = teardown.New(teardown.Config{
		Local:     e.Local,
		Databases: e.Databases,
		Caches:    e.Caches,
		Hooks: []teardown.Hook{
			{Name: "breakers", Reset: func(context.Context) error { e.Breaker.ResetAll(); return nil }},
			{Name: "sync-stats", Reset: func(context.Context) error { e.Tracker.ResetStats(); return nil }},
			{Name: "remote-token", Reset: func(context.Context) error {
				if ts, ok := e.remote.(tokenSetter); ok {
					ts.SetToken("")
				}
				return nil
			}},
		},
		Logger: cfg.Logger,
	})

	e.PostAuth = postauth.New(e.Tracker, e.Validator, postauth.Config{Logger: cfg.Logger})

	sweepCfg := cfg.Sweep
	if sweepCfg.Logger == nil {
		sweepCfg.Logger = cfg.Logger
	}
	e.Sweeper = expiry.NewManager(e.Entries, e.Tracker, sweepCfg)

	e.logger.Info("engine ready",
		"data_dir", cfg.DataDir,
		"databases", cfg.Databases,
		"caches", cfg.Caches,
	)
	return nil
}

func (e *Engine) openRemote(ctx context.Context, responses *backend.Filesystem) (syncer.Remote, error) {
	cfg := e.config
	switch {
	case cfg.Remote != nil:
		return cfg.Remote, nil
	case cfg.PostgresDSN != "":
		pg, err := remote.NewPostgres(ctx, cfg.PostgresDSN, remote.WithPostgresLogger(cfg.Logger))
		if err != nil {
			return nil, fmt.Errorf("connecting to postgres: %w", err)
		}
		e.closers = append(e.closers, pg.Close)
		return pg, nil
	case cfg.RemoteURL != "":
		opts := []remote.HTTPOption{
			remote.WithAPIKey(cfg.APIKey),
			remote.WithResponseCache(responses),
			remote.WithHTTPLogger(cfg.Logger),
		}
		for _, tbl := range cfg.Tables {
			opts = append(opts, remote.WithTableFilter(tbl.Name, tbl.Filter))
		}
		return remote.NewHTTP(cfg.RemoteURL, opts...), nil
	}
	return nil, fmt.Errorf("no remote configured: %w", offlinecache.ErrInvalidInput)
}

func (e *Engine) track(b *backend.InstrumentedBackend) backend.Backend {
	e.closers = append(e.closers, b.Close)
	return b
}

// Login records the auth marker for token and populates the cache.
func (e *Engine) Login(ctx context.Context, token string) (*postauth.Result, error) {
	if token == "" {
		return nil, fmt.Errorf("token is required: %w", offlinecache.ErrInvalidInput)
	}
	marker, err := lifecycle.EncodeAuthMarker(token, e.now())
	if err != nil {
		return nil, err
	}
	if err := e.Local.Set(ctx, offlinecache.AuthStateKey, marker); err != nil {
		return nil, fmt.Errorf("%w: saving auth marker: %w", offlinecache.ErrStorageUnavailable, err)
	}
	if ts, ok := e.remote.(tokenSetter); ok {
		ts.SetToken(token)
	}
	res := e.PostAuth.SyncAfterAuthentication(ctx)
	e.resumeSweeper()
	return res, nil
}

// LogoutResult pairs the teardown report with its verification.
type LogoutResult struct {
	Report   *teardown.Report `json:"report"`
	Verified bool             `json:"verified"`
}

// Logout destroys every cached artefact and verifies nothing survived.
// Background sweeps are stopped first so none can repopulate the cache.
func (e *Engine) Logout(ctx context.Context) *LogoutResult {
	e.Sweeper.Stop()
	r := e.Teardown.ClearAllData(ctx)
	ok := e.Teardown.Verify(ctx)
	if !ok {
		e.logger.Error("logout left sensitive data behind", "teardown_id", r.ID, "errors", r.Errors)
	}
	return &LogoutResult{Report: r, Verified: ok}
}

// Sync refreshes changed tables, or every table when force is set.
// It fails with ErrNotAuthenticated once the user has logged out.
func (e *Engine) Sync(ctx context.Context, force bool) (*syncer.Result, error) {
	if err := e.requireAuth(ctx); err != nil {
		return nil, err
	}
	if force {
		return e.Tracker.ForceSyncAll(ctx), nil
	}
	return e.Tracker.SyncChangedTables(ctx), nil
}

// Load reads table through the cache. Like Sync it requires an auth marker.
func (e *Engine) Load(ctx context.Context, table string) (*syncer.Loaded, error) {
	if err := e.requireAuth(ctx); err != nil {
		return nil, err
	}
	return e.Tracker.Load(ctx, table)
}

// requireAuth fails unless Login has stored an auth marker that neither
// Logout nor Reset has since removed.
func (e *Engine) requireAuth(ctx context.Context) error {
	_, err := e.Local.Get(ctx, offlinecache.AuthStateKey)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, backend.ErrNotFound):
		return fmt.Errorf("%w: %w", offlinecache.ErrNotAuthenticated, offlinecache.ErrInvalidInput)
	default:
		return fmt.Errorf("%w: reading auth marker: %w", offlinecache.ErrStorageUnavailable, err)
	}
}

// StartSweeper runs background expiry sweeps under ctx. Logout pauses the
// sweeper and the next Login resumes it.
func (e *Engine) StartSweeper(ctx context.Context) error {
	e.mu.Lock()
	e.sweepCtx = ctx
	e.mu.Unlock()
	return e.Sweeper.Start(ctx)
}

// StopSweeper stops background sweeps without resuming them on Login.
func (e *Engine) StopSweeper() {
	e.mu.Lock()
	e.sweepCtx = nil
	e.mu.Unlock()
	e.Sweeper.Stop()
}

func (e *Engine) resumeSweeper() {
	e.mu.Lock()
	ctx := e.sweepCtx
	e.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	if err := e.Sweeper.Start(ctx); err != nil {
		e.logger.Warn("resuming expiry sweeper failed", "error", err)
	}
}

// Status is a point-in-time diagnostic snapshot.
type Status struct {
	Lifecycle  lifecycle.State        `json:"lifecycle"`
	Health     entry.Health           `json:"health"`
	Sync       syncer.Stats           `json:"sync"`
	Timestamps map[string]time.Time   `json:"timestamps"`
	Circuits   []breaker.CircuitState `json:"circuits"`
	Errors     []string               `json:"errors,omitempty"`
}

// Status collects lifecycle, entry health, sync and breaker state.
func (e *Engine) Status(ctx context.Context) *Status {
	st := &Status{
		Lifecycle: e.Validator.CacheState(ctx),
		Sync:      e.Tracker.Stats(),
		Circuits:  e.Breaker.States(),
	}

	entries, err := e.Entries.All(ctx)
	if err != nil {
		st.Errors = append(st.Errors, err.Error())
	}
	list := make([]*entry.Entry, 0, len(entries))
	for _, en := range entries {
		list = append(list, en)
	}
	st.Health = e.Codec.HealthMetrics(list)

	st.Timestamps, err = e.Tracker.Timestamps(ctx)
	if err != nil {
		st.Errors = append(st.Errors, err.Error())
	}
	return st
}

// Verify reports whether no sensitive data remains on the device.
func (e *Engine) Verify(ctx context.Context) bool {
	return e.Teardown.Verify(ctx)
}

// Reset removes every cache entry, sync timestamp and auth marker.
func (e *Engine) Reset(ctx context.Context) lifecycle.CleanupResult {
	return e.Validator.ForceCleanCache(ctx)
}

// Sweep runs one expiry sweep.
func (e *Engine) Sweep(ctx context.Context) *expiry.SweepResult {
	return e.Sweeper.RunOnce(ctx)
}

// Close stops background work and closes every store.
func (e *Engine) Close() error {
	if e.Sweeper != nil {
		e.StopSweeper()
	}
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	e.closers = nil
	return errors.Join(errs...)
}

// Package teardown destroys all cached state on logout. Every storage
// backend is purged independently; failures are itemized in the report and
// never stop the remaining purges. Verify is the authoritative check that
// nothing sensitive survived.
package teardown

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	offlinecache "github.com/wolfeidau/offline-cache"
	"github.com/wolfeidau/offline-cache/backend"
	"github.com/wolfeidau/offline-cache/telemetry"
)

// Hook resets in-memory state that must not outlive a session, such as
// circuit breakers or sync counters.
type Hook struct {
	Name  string
	Reset func(ctx context.Context) error
}

// Config holds orchestrator configuration.
type Config struct {
	// Local is the key/value store.
	Local backend.Backend

	// Databases are the named structured databases.
	Databases []backend.Backend

	// Caches are the named blob caches.
	Caches []backend.Backend

	// Hooks run after every purge has finished.
	Hooks []Hook

	// Logger for teardown events.
	Logger *slog.Logger
}

// Orchestrator purges every storage surface.
type Orchestrator struct {
	config Config
	logger *slog.Logger
	now    func() time.Time
}

// New creates an orchestrator.
func New(cfg Config) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Orchestrator{
		config: cfg,
		logger: cfg.Logger.With("component", "teardown"),
		now:    time.Now,
	}
}

// AddHook registers a reset hook.
func (o *Orchestrator) AddHook(h Hook) {
	o.config.Hooks = append(o.config.Hooks, h)
}

// Report is the per-backend outcome of one ClearAllData call.
type Report struct {
	ID string `json:"id"`

	// Success is true once the teardown ran to completion, even if some
	// surfaces failed to clear. Inspect Errors or call Verify.
	Success bool `json:"success"`

	// LocalStore is true only when a configured local store was purged.
	LocalStore  bool            `json:"local_store"`
	Databases   map[string]bool `json:"databases"`
	NamedCaches bool            `json:"named_caches"`
	Caches      map[string]bool `json:"caches"`
	Hooks       map[string]bool `json:"hooks,omitempty"`
	Errors      []string        `json:"errors"`

	Start    time.Time     `json:"start"`
	End      time.Time     `json:"end"`
	Duration time.Duration `json:"duration"`
}

// ClearAllData purges the local store, every database and every cache
// concurrently, waits for all of them, then runs the reset hooks.
func (o *Orchestrator) ClearAllData(ctx context.Context) *Report {
	ctx = telemetry.WithOperation(ctx, telemetry.OpTeardown)
	r := &Report{
		ID:        uuid.NewString(),
		Databases: make(map[string]bool, len(o.config.Databases)),
		Caches:    make(map[string]bool, len(o.config.Caches)),
		Errors:    []string{},
		Start:     o.now(),
	}
	logger := o.logger.With("teardown_id", r.ID)
	logger.Info("clearing all data",
		"databases", len(o.config.Databases),
		"caches", len(o.config.Caches),
	)

	var mu sync.Mutex
	fail := func(msg string) {
		mu.Lock()
		r.Errors = append(r.Errors, msg)
		mu.Unlock()
	}

	// Purges never return errors to the group so one failure cannot
	// cancel the others.
	var g errgroup.Group
	if o.config.Local != nil {
		g.Go(func() error {
			err := purge(ctx, o.config.Local)
			mu.Lock()
			r.LocalStore = err == nil
			mu.Unlock()
			if err != nil {
				fail(fmt.Sprintf("local store: %v", err))
			}
			return nil
		})
	}
	for _, db := range o.config.Databases {
		g.Go(func() error {
			err := purge(ctx, db)
			mu.Lock()
			r.Databases[db.Name()] = err == nil
			mu.Unlock()
			if err != nil {
				fail(fmt.Sprintf("database %s: %v", db.Name(), err))
			}
			return nil
		})
	}
	for _, c := range o.config.Caches {
		g.Go(func() error {
			err := purge(ctx, c)
			mu.Lock()
			r.Caches[c.Name()] = err == nil
			mu.Unlock()
			if err != nil {
				fail(fmt.Sprintf("cache %s: %v", c.Name(), err))
			}
			return nil
		})
	}
	_ = g.Wait()

	r.NamedCaches = true
	for _, ok := range r.Caches {
		r.NamedCaches = r.NamedCaches && ok
	}

	if len(o.config.Hooks) > 0 {
		r.Hooks = make(map[string]bool, len(o.config.Hooks))
		for _, h := range o.config.Hooks {
			err := runHook(ctx, h)
			r.Hooks[h.Name] = err == nil
			if err != nil {
				r.Errors = append(r.Errors, fmt.Sprintf("reset %s: %v", h.Name, err))
			}
		}
	}

	r.End = o.now()
	r.Duration = r.End.Sub(r.Start)
	r.Success = true
	telemetry.RecordTeardown(ctx, len(r.Errors), r.Duration)

	if len(r.Errors) > 0 {
		logger.Warn("teardown completed with errors", "errors", r.Errors, "duration", r.Duration)
	} else {
		logger.Info("teardown complete", "duration", r.Duration)
	}
	return r
}

// purge clears b, recovering from panics so a misbehaving backend is
// reported like any other failure.
func purge(ctx context.Context, b backend.Backend) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("purge panicked: %v", r)
		}
	}()
	return b.Purge(ctx)
}

func runHook(ctx context.Context, h Hook) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("hook panicked: %v", r)
		}
	}()
	return h.Reset(ctx)
}

// Verify re-reads every backend and reports whether no auth marker, cache
// entry, sync timestamp or cached blob survived. Enumeration failures count
// as residue.
func (o *Orchestrator) Verify(ctx context.Context) bool {
	ok, err := o.VerifyDetail(ctx)
	if err != nil {
		o.logger.Warn("teardown verification failed", "error", err)
	}
	return ok
}

// ErrResidue is returned by VerifyDetail when sensitive keys remain.
var ErrResidue = errors.New("sensitive data remains after teardown")

// VerifyDetail is Verify with the reason for a false result.
func (o *Orchestrator) VerifyDetail(ctx context.Context) (bool, error) {
	ctx = telemetry.WithOperation(ctx, telemetry.OpValidate)
	var errs []error
	check := func(b backend.Backend, sensitive func(string) bool) {
		keys, err := b.Keys(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("enumerating %s: %w", b.Name(), err))
			return
		}
		for _, k := range keys {
			if sensitive(k) {
				errs = append(errs, fmt.Errorf("%w: %s/%s", ErrResidue, b.Name(), k))
			}
		}
	}

	if o.config.Local != nil {
		check(o.config.Local, offlinecache.IsSensitiveKey)
	}
	for _, db := range o.config.Databases {
		check(db, offlinecache.IsSensitiveKey)
	}
	// blob caches hold raw remote responses; anything left is residue
	for _, c := range o.config.Caches {
		check(c, func(string) bool { return true })
	}

	if len(errs) > 0 {
		return false, errors.Join(errs...)
	}
	return true, nil
}

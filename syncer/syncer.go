// Package syncer keeps cached tables in step with the remote source. It
// stores a last-synced timestamp per table, probes the remote for changes,
// and re-fetches only the tables that changed, in parallel and behind the
// circuit breaker.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	offlinecache "github.com/wolfeidau/offline-cache"
	"github.com/wolfeidau/offline-cache/backend"
	"github.com/wolfeidau/offline-cache/breaker"
	"github.com/wolfeidau/offline-cache/entry"
	"github.com/wolfeidau/offline-cache/telemetry"
)

// Remote is the remote source of truth.
type Remote interface {
	// FetchTable returns every current record of table.
	FetchTable(ctx context.Context, table string) ([]offlinecache.Record, error)

	// ProbeLastModified returns when table last changed upstream.
	ProbeLastModified(ctx context.Context, table string) (time.Time, error)
}

// Circuit breaker key prefixes.
const (
	probeKeyPrefix = "probe:"
	fetchKeyPrefix = "fetch:"
	loadKeyPrefix  = "load:"
)

// Config holds tracker configuration.
type Config struct {
	// Tables are the tables kept in sync. Defaults to DefaultTables().
	Tables []Table

	// Workers bounds concurrent table syncs in a batch. Default is 4.
	Workers int

	// Logger for sync events.
	Logger *slog.Logger
}

// Tracker decides which tables changed upstream and refreshes them.
type Tracker struct {
	config  Config
	tables  map[string]Table
	remote  Remote
	state   backend.Backend
	entries *entry.Store
	breaker *breaker.Breaker
	logger  *slog.Logger
	now     func() time.Time

	group singleflight.Group
	stats counters
}

// New creates a tracker. Timestamps are kept in state, entries in entries.
func New(remote Remote, state backend.Backend, entries *entry.Store, b *breaker.Breaker, cfg Config) *Tracker {
	if len(cfg.Tables) == 0 {
		cfg.Tables = DefaultTables()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	tables := make(map[string]Table, len(cfg.Tables))
	for _, tbl := range cfg.Tables {
		tables[tbl.Name] = tbl
	}
	return &Tracker{
		config:  cfg,
		tables:  tables,
		remote:  remote,
		state:   state,
		entries: entries,
		breaker: b,
		logger:  cfg.Logger.With("component", "syncer"),
		now:     time.Now,
	}
}

// Tables returns the configured table names in configuration order.
func (t *Tracker) Tables() []string {
	names := make([]string, len(t.config.Tables))
	for i, tbl := range t.config.Tables {
		names[i] = tbl.Name
	}
	return names
}

// LastSynced returns the stored last-synced instant for table.
func (t *Tracker) LastSynced(ctx context.Context, table string) (time.Time, bool, error) {
	raw, err := t.state.Get(ctx, offlinecache.SyncTimestampKey(table))
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("reading sync timestamp for %s: %w", table, err)
	}
	ts, err := time.Parse(time.RFC3339Nano, string(raw))
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parsing sync timestamp for %s: %w", table, err)
	}
	return ts, true, nil
}

// Timestamps returns every stored last-synced instant keyed by table.
func (t *Tracker) Timestamps(ctx context.Context) (map[string]time.Time, error) {
	out := make(map[string]time.Time)
	for _, name := range t.Tables() {
		ts, ok, err := t.LastSynced(ctx, name)
		if err != nil {
			return nil, err
		}
		if ok {
			out[name] = ts
		}
	}
	return out, nil
}

// HasTableChanged reports whether table must be re-fetched. A table that was
// never synced has changed. Probe and storage failures also report a change.
func (t *Tracker) HasTableChanged(ctx context.Context, table string) bool {
	t.stats.totalChecks.Add(1)

	last, ok, err := t.LastSynced(ctx, table)
	if err != nil {
		t.logger.Warn("sync timestamp unreadable, assuming changed", "table", table, "error", err)
		t.stats.tablesChanged.Add(1)
		return true
	}
	if !ok {
		t.stats.tablesChanged.Add(1)
		return true
	}

	res := breaker.Execute(ctx, t.breaker, probeKeyPrefix+table, func(ctx context.Context) (time.Time, error) {
		return t.remote.ProbeLastModified(ctx, table)
	}, nil)
	if !res.Success {
		t.logger.Warn("last-modified probe failed, assuming changed", "table", table, "error", res.Err)
		t.stats.probeFailures.Add(1)
		t.stats.tablesChanged.Add(1)
		return true
	}

	if res.Data.After(last) {
		t.stats.tablesChanged.Add(1)
		return true
	}
	t.stats.tablesUnchanged.Add(1)
	return false
}

// SyncTable fetches table, shapes it and writes its entry, returning the
// record count. Concurrent calls for the same table share one fetch.
func (t *Tracker) SyncTable(ctx context.Context, table string) (int, error) {
	v, err, shared := t.group.Do(table, func() (any, error) {
		return t.syncTable(ctx, table)
	})
	if shared {
		t.logger.Debug("joined in-flight sync", "table", table)
	}
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

func (t *Tracker) syncTable(ctx context.Context, table string) (int, error) {
	tbl, ok := t.tables[table]
	if !ok {
		return 0, fmt.Errorf("unknown table %q: %w", table, offlinecache.ErrInvalidInput)
	}
	ctx = telemetry.WithOperation(ctx, telemetry.OpSync)
	start := t.now()

	n, err := t.fetchAndStore(ctx, tbl)
	duration := t.now().Sub(start)
	if err != nil {
		t.stats.syncsFailed.Add(1)
		telemetry.RecordTableSync(ctx, table, "error", 0, duration)
		return 0, err
	}

	if err := t.state.Set(ctx, offlinecache.SyncTimestampKey(table), []byte(start.UTC().Format(time.RFC3339Nano))); err != nil {
		t.logger.Warn("recording sync timestamp failed", "table", table, "error", err)
	}

	t.stats.syncsSucceeded.Add(1)
	t.stats.recordsSynced.Add(int64(n))
	t.stats.setLastSync(start)
	telemetry.RecordTableSync(ctx, table, "success", n, duration)
	t.logger.Debug("table synced", "table", table, "records", n, "duration", duration)
	return n, nil
}

func (t *Tracker) fetchAndStore(ctx context.Context, tbl Table) (int, error) {
	res := breaker.Execute(ctx, t.breaker, fetchKeyPrefix+tbl.Name, func(ctx context.Context) ([]offlinecache.Record, error) {
		return t.remote.FetchTable(ctx, tbl.Name)
	}, nil)
	if !res.Success {
		return 0, fmt.Errorf("fetching %s: %w: %w", tbl.Name, offlinecache.ErrRemoteFailure, res.Err)
	}

	recs := res.Data
	if recs == nil {
		recs = []offlinecache.Record{}
	}

	if tbl.Filter != nil {
		t.logUnclassified(tbl, recs)
		filtered, err := tbl.Filter.FilterMany(recs)
		if err != nil {
			return 0, fmt.Errorf("filtering %s: %w", tbl.Name, err)
		}
		recs = filtered
	}

	if _, err := t.entries.Write(ctx, tbl.Name, recs, entry.WithKind(tbl.Kind)); err != nil {
		return 0, fmt.Errorf("%w: %w", offlinecache.ErrStorageUnavailable, err)
	}
	return len(recs), nil
}

// logUnclassified warns once per sync about fields the filter does not know.
func (t *Tracker) logUnclassified(tbl Table, recs []offlinecache.Record) {
	seen := make(map[string]struct{})
	for _, rec := range recs {
		for _, field := range tbl.Filter.Unclassified(rec) {
			seen[field] = struct{}{}
		}
	}
	if len(seen) == 0 {
		return
	}
	fields := make([]string, 0, len(seen))
	for f := range seen {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	t.logger.Warn("unclassified fields dropped", "table", tbl.Name, "filter", tbl.Filter.Name(), "fields", fields)
}

// Result is the outcome of a batch sync.
type Result struct {
	RunID         string        `json:"run_id"`
	Success       bool          `json:"success"`
	SyncedTables  []string      `json:"synced_tables"`
	SkippedTables []string      `json:"skipped_tables,omitempty"`
	Errors        []string      `json:"errors,omitempty"`
	TotalRecords  int           `json:"total_records"`
	Duration      time.Duration `json:"duration"`
}

// SyncChangedTables syncs every table whose HasTableChanged is true.
func (t *Tracker) SyncChangedTables(ctx context.Context) *Result {
	return t.syncAll(ctx, true)
}

// ForceSyncAll syncs every table regardless of change state.
func (t *Tracker) ForceSyncAll(ctx context.Context) *Result {
	return t.syncAll(ctx, false)
}

type tableOutcome struct {
	skipped bool
	records int
	err     error
}

func (t *Tracker) syncAll(ctx context.Context, onlyChanged bool) *Result {
	start := t.now()
	runID := uuid.NewString()
	logger := t.logger.With("run_id", runID)

	outcomes := make([]tableOutcome, len(t.config.Tables))

	var g errgroup.Group
	g.SetLimit(t.config.Workers)
	for i, tbl := range t.config.Tables {
		g.Go(func() error {
			if onlyChanged && !t.HasTableChanged(ctx, tbl.Name) {
				outcomes[i] = tableOutcome{skipped: true}
				return nil
			}
			n, err := t.SyncTable(ctx, tbl.Name)
			outcomes[i] = tableOutcome{records: n, err: err}
			return nil
		})
	}
	_ = g.Wait()

	res := &Result{RunID: runID, SyncedTables: []string{}}
	for i, tbl := range t.config.Tables {
		o := outcomes[i]
		switch {
		case o.skipped:
			res.SkippedTables = append(res.SkippedTables, tbl.Name)
		case o.err != nil:
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", tbl.Name, o.err))
		default:
			res.SyncedTables = append(res.SyncedTables, tbl.Name)
			res.TotalRecords += o.records
		}
	}
	res.Success = len(res.Errors) == 0
	res.Duration = t.now().Sub(start)

	logger.Info("sync run complete",
		"only_changed", onlyChanged,
		"synced", len(res.SyncedTables),
		"skipped", len(res.SkippedTables),
		"failed", len(res.Errors),
		"records", res.TotalRecords,
		"duration", res.Duration,
	)
	return res
}

// ClearAllTimestamps removes every last-synced marker so the next sync of
// each table is treated as a first sync.
func (t *Tracker) ClearAllTimestamps(ctx context.Context) error {
	keys, err := t.state.Keys(ctx)
	if err != nil {
		return fmt.Errorf("listing sync timestamps: %w", err)
	}
	var errs []error
	for _, k := range keys {
		if !offlinecache.IsSyncTimestampKey(k) {
			continue
		}
		if err := t.state.Remove(ctx, k); err != nil {
			errs = append(errs, fmt.Errorf("removing %s: %w", k, err))
		}
	}
	return errors.Join(errs...)
}

// Stats are process-lifetime sync counters.
type Stats struct {
	TotalChecks     int64     `json:"total_checks"`
	TablesChanged   int64     `json:"tables_changed"`
	TablesUnchanged int64     `json:"tables_unchanged"`
	ProbeFailures   int64     `json:"probe_failures"`
	SyncsSucceeded  int64     `json:"syncs_succeeded"`
	SyncsFailed     int64     `json:"syncs_failed"`
	RecordsSynced   int64     `json:"records_synced"`
	LastSyncAt      time.Time `json:"last_sync_at,omitzero"`
}

type counters struct {
	totalChecks     atomic.Int64
	tablesChanged   atomic.Int64
	tablesUnchanged atomic.Int64
	probeFailures   atomic.Int64
	syncsSucceeded  atomic.Int64
	syncsFailed     atomic.Int64
	recordsSynced   atomic.Int64

	mu         sync.Mutex
	lastSyncAt time.Time
}

func (c *counters) setLastSync(t time.Time) {
	c.mu.Lock()
	if t.After(c.lastSyncAt) {
		c.lastSyncAt = t
	}
	c.mu.Unlock()
}

// Stats returns a snapshot of the sync counters.
func (t *Tracker) Stats() Stats {
	t.stats.mu.Lock()
	last := t.stats.lastSyncAt
	t.stats.mu.Unlock()
	return Stats{
		TotalChecks:     t.stats.totalChecks.Load(),
		TablesChanged:   t.stats.tablesChanged.Load(),
		TablesUnchanged: t.stats.tablesUnchanged.Load(),
		ProbeFailures:   t.stats.probeFailures.Load(),
		SyncsSucceeded:  t.stats.syncsSucceeded.Load(),
		SyncsFailed:     t.stats.syncsFailed.Load(),
		RecordsSynced:   t.stats.recordsSynced.Load(),
		LastSyncAt:      last,
	}
}

// ResetStats zeroes the sync counters.
func (t *Tracker) ResetStats() {
	t.stats.totalChecks.Store(0)
	t.stats.tablesChanged.Store(0)
	t.stats.tablesUnchanged.Store(0)
	t.stats.probeFailures.Store(0)
	t.stats.syncsSucceeded.Store(0)
	t.stats.syncsFailed.Store(0)
	t.stats.recordsSynced.Store(0)
	t.stats.mu.Lock()
	t.stats.lastSyncAt = time.Time{}
	t.stats.mu.Unlock()
}

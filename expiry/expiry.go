// Package expiry sweeps the entry store on an interval, removing entries
// that can no longer be trusted and refreshing the ones close to expiry.
package expiry

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/wolfeidau/offline-cache/entry"
	"github.com/wolfeidau/offline-cache/telemetry"
)

// Refresher re-fetches a table. syncer.Tracker satisfies it.
type Refresher interface {
	SyncTable(ctx context.Context, table string) (int, error)
}

// Config holds sweep configuration.
type Config struct {
	// MaxStale is how long past its TTL an entry is kept as a degraded
	// fallback before it is removed. Zero removes entries as soon as they
	// expire.
	MaxStale time.Duration

	// CheckInterval is how often to sweep.
	// Default is 15 minutes.
	CheckInterval time.Duration

	// RefreshThreshold is the fraction of TTL after which an entry is
	// refreshed. Default is entry.DefaultRefreshThreshold.
	RefreshThreshold float64

	// Logger for sweep events.
	Logger *slog.Logger
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		MaxStale:         30 * 24 * time.Hour,
		CheckInterval:    15 * time.Minute,
		RefreshThreshold: entry.DefaultRefreshThreshold,
		Logger:           slog.Default(),
	}
}

// Manager runs sweeps over an entry store.
type Manager struct {
	config    Config
	store     *entry.Store
	refresher Refresher
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewManager creates a sweep manager. refresher may be nil, in which case
// stale entries are left for the next sync.
func NewManager(store *entry.Store, refresher Refresher, cfg Config) *Manager {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 15 * time.Minute
	}
	if cfg.RefreshThreshold == 0 {
		cfg.RefreshThreshold = entry.DefaultRefreshThreshold
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Manager{
		config:    cfg,
		store:     store,
		refresher: refresher,
		logger:    cfg.Logger.With("component", "expiry"),
		now:       time.Now,
	}
}

// Start begins background sweeps. A manager can be started again after
// Stop, or after the context of a previous Start was cancelled.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		select {
		case <-m.doneCh:
		default:
			return nil
		}
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})

	go m.run(ctx, m.stopCh, m.doneCh)
	return nil
}

// Stop stops background sweeps and waits for the current one to finish.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	stopCh, doneCh := m.stopCh, m.doneCh
	m.mu.Unlock()

	close(stopCh)
	<-doneCh
}

// Running reports whether background sweeps are active.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return false
	}
	select {
	case <-m.doneCh:
		return false
	default:
		return true
	}
}

func (m *Manager) run(ctx context.Context, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(m.config.CheckInterval)
	defer ticker.Stop()

	m.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			m.RunOnce(ctx)
		}
	}
}

// SweepResult contains the results of one sweep.
type SweepResult struct {
	Checked       int           `json:"checked"`
	Removed       []string      `json:"removed"`
	RefreshQueued []string      `json:"refresh_queued"`
	Errors        []string      `json:"errors"`
	Duration      time.Duration `json:"duration"`
	Health        entry.Health  `json:"health"`
}

// RunOnce performs a single sweep.
func (m *Manager) RunOnce(ctx context.Context) *SweepResult {
	ctx = telemetry.WithOperation(ctx, telemetry.OpSweep)
	start := m.now()
	result := &SweepResult{Removed: []string{}, RefreshQueued: []string{}, Errors: []string{}}

	m.logger.Debug("starting sweep")

	entries, err := m.store.All(ctx)
	if err != nil {
		m.logger.Error("failed to list entries", "error", err)
		result.Errors = append(result.Errors, err.Error())
		result.Duration = m.now().Sub(start)
		return result
	}

	tables := make([]string, 0, len(entries))
	all := make([]*entry.Entry, 0, len(entries))
	for table, e := range entries {
		tables = append(tables, table)
		all = append(all, e)
	}
	sort.Strings(tables)
	result.Checked = len(tables)

	codec := m.store.Codec()
	result.Health = codec.HealthMetrics(all)

	for _, table := range tables {
		e := entries[table]
		switch reason := m.removalReason(codec, e); {
		case reason != "":
			if err := m.store.Delete(ctx, table); err != nil {
				m.logger.Warn("failed to remove entry", "table", table, "error", err)
				result.Errors = append(result.Errors, err.Error())
				continue
			}
			result.Removed = append(result.Removed, table)
			m.logger.Debug("removed entry", "table", table, "reason", reason)
		case m.refresher != nil && codec.NeedsRefreshAt(e, m.config.RefreshThreshold):
			result.RefreshQueued = append(result.RefreshQueued, table)
		}
	}

	for _, table := range result.RefreshQueued {
		if _, err := m.refresher.SyncTable(ctx, table); err != nil {
			m.logger.Warn("failed to refresh entry", "table", table, "error", err)
			result.Errors = append(result.Errors, err.Error())
		}
	}

	h := result.Health
	telemetry.UpdateEntryHealth(ctx, h.ValidEntries, h.ExpiredEntries, h.IntegrityFailures, h.VersionMismatches)
	result.Duration = m.now().Sub(start)
	telemetry.RecordSweepCycle(ctx, len(result.Removed), result.Duration)

	if len(result.Removed) > 0 || len(result.RefreshQueued) > 0 {
		m.logger.Info("sweep complete",
			"checked", result.Checked,
			"removed", len(result.Removed),
			"refreshed", len(result.RefreshQueued),
			"duration", result.Duration,
		)
	} else {
		m.logger.Debug("sweep complete, nothing to do")
	}

	return result
}

// removalReason returns why e should be removed, or "" to keep it.
func (m *Manager) removalReason(codec *entry.Codec, e *entry.Entry) string {
	if e == nil {
		return "unreadable"
	}
	v := codec.Validate(e)
	switch {
	case !v.IsChecksumValid:
		return "checksum mismatch"
	case !v.IsVersionValid:
		return "version mismatch"
	case v.Age > e.TTL+m.config.MaxStale:
		return "stale"
	}
	return ""
}

// ForceExpire removes every entry older than olderThan regardless of TTL.
func (m *Manager) ForceExpire(ctx context.Context, olderThan time.Duration) *SweepResult {
	ctx = telemetry.WithOperation(ctx, telemetry.OpSweep)
	start := m.now()
	result := &SweepResult{Removed: []string{}, RefreshQueued: []string{}, Errors: []string{}}

	entries, err := m.store.All(ctx)
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
		return result
	}

	cutoff := m.now().Add(-olderThan)
	for table, e := range entries {
		result.Checked++
		if e != nil && !e.Timestamp.Before(cutoff) {
			continue
		}
		if err := m.store.Delete(ctx, table); err != nil {
			result.Errors = append(result.Errors, err.Error())
			continue
		}
		result.Removed = append(result.Removed, table)
	}
	sort.Strings(result.Removed)

	result.Duration = m.now().Sub(start)
	telemetry.RecordSweepCycle(ctx, len(result.Removed), result.Duration)
	return result
}

// Package lifecycle inspects the aggregate state of every storage backend to
// assert that the cache is clean after logout or populated after login, and
// can force a factory reset of cache and auth residue.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	offlinecache "github.com/wolfeidau/offline-cache"
	"github.com/wolfeidau/offline-cache/backend"
	"github.com/wolfeidau/offline-cache/entry"
	"github.com/wolfeidau/offline-cache/telemetry"
)

// DefaultRequiredTables must be cached for the state to count as populated.
var DefaultRequiredTables = []string{
	offlinecache.TableAttendees,
	offlinecache.TableSessions,
	offlinecache.TableSponsors,
}

// Config holds validator configuration.
type Config struct {
	// Local is the key/value store holding the auth marker.
	Local backend.Backend

	// Backends are every storage surface to enumerate, Local included.
	Backends []backend.Backend

	// Entries reads cache entries for the populated check.
	Entries *entry.Store

	// RequiredTables defaults to DefaultRequiredTables.
	RequiredTables []string

	// Logger for diagnostics.
	Logger *slog.Logger
}

// Validator checks lifecycle invariants across storage backends.
type Validator struct {
	config Config
	logger *slog.Logger
	now    func() time.Time
}

// New creates a validator.
func New(cfg Config) *Validator {
	if len(cfg.RequiredTables) == 0 {
		cfg.RequiredTables = DefaultRequiredTables
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Validator{
		config: cfg,
		logger: cfg.Logger.With("component", "lifecycle"),
		now:    time.Now,
	}
}

// inventory is the sensitive keys found across all backends, qualified as
// <backend>/<key>.
type inventory struct {
	cacheKeys []string
	syncKeys  []string
	authKeys  []string
}

func (v *Validator) enumerate(ctx context.Context) (*inventory, error) {
	inv := &inventory{}
	for _, b := range v.config.Backends {
		keys, err := b.Keys(ctx)
		if err != nil {
			return nil, fmt.Errorf("enumerating %s: %w: %w", b.Name(), offlinecache.ErrStorageUnavailable, err)
		}
		for _, k := range keys {
			qualified := b.Name() + "/" + k
			switch {
			case offlinecache.IsCacheKey(k):
				inv.cacheKeys = append(inv.cacheKeys, qualified)
			case offlinecache.IsSyncTimestampKey(k):
				inv.syncKeys = append(inv.syncKeys, qualified)
			case k == offlinecache.AuthStateKey:
				inv.authKeys = append(inv.authKeys, qualified)
			}
		}
	}
	return inv, nil
}

// CleanResult is the outcome of ValidateCleanState.
type CleanResult struct {
	IsClean bool     `json:"is_clean"`
	Issues  []string `json:"issues"`
}

// ValidateCleanState requires no cache entries, no auth marker and no sync
// timestamps in any backend. Enumeration failures fail closed.
func (v *Validator) ValidateCleanState(ctx context.Context) CleanResult {
	ctx = telemetry.WithOperation(ctx, telemetry.OpValidate)
	inv, err := v.enumerate(ctx)
	if err != nil {
		return CleanResult{Issues: []string{fmt.Sprintf("Failed to validate clean state: %v", err)}}
	}
	issues := cleanIssues(inv)
	return CleanResult{IsClean: len(issues) == 0, Issues: issues}
}

func cleanIssues(inv *inventory) []string {
	issues := []string{}
	if n := len(inv.cacheKeys); n > 0 {
		issues = append(issues, fmt.Sprintf("Found %d cache entries: %s", n, strings.Join(inv.cacheKeys, ", ")))
	}
	if len(inv.authKeys) > 0 {
		issues = append(issues, fmt.Sprintf("Authentication state still present: %s", strings.Join(inv.authKeys, ", ")))
	}
	if n := len(inv.syncKeys); n > 0 {
		issues = append(issues, fmt.Sprintf("Found %d sync timestamps: %s", n, strings.Join(inv.syncKeys, ", ")))
	}
	return issues
}

// PopulatedResult is the outcome of ValidatePopulatedState.
type PopulatedResult struct {
	IsPopulated bool     `json:"is_populated"`
	Missing     []string `json:"missing,omitempty"`
	Issues      []string `json:"issues"`
}

// ValidatePopulatedState requires a present, parseable entry for every
// required table. Each missing table is reported individually.
func (v *Validator) ValidatePopulatedState(ctx context.Context) PopulatedResult {
	ctx = telemetry.WithOperation(ctx, telemetry.OpValidate)
	res := PopulatedResult{Issues: []string{}}
	for _, table := range v.config.RequiredTables {
		_, err := v.config.Entries.Get(ctx, table)
		switch {
		case err == nil:
			continue
		case errors.Is(err, backend.ErrNotFound):
			res.Issues = append(res.Issues, fmt.Sprintf("Missing cache entry for %s", table))
		case errors.Is(err, entry.ErrUnreadable):
			res.Issues = append(res.Issues, fmt.Sprintf("Unparseable cache entry for %s", table))
		default:
			res.Issues = append(res.Issues, fmt.Sprintf("Failed to read cache entry for %s: %v", table, err))
		}
		res.Missing = append(res.Missing, table)
	}
	res.IsPopulated = len(res.Missing) == 0
	return res
}

// State is the combined lifecycle view.
type State struct {
	IsClean     bool       `json:"is_clean"`
	IsPopulated bool       `json:"is_populated"`
	Auth        *AuthState `json:"auth,omitempty"`
	CacheKeys   []string   `json:"cache_keys"`
	Issues      []string   `json:"issues"`
}

// CacheState composes both validations with an inspection of the auth
// marker. An enumeration failure degrades the whole result to the safe
// defaults.
func (v *Validator) CacheState(ctx context.Context) State {
	ctx = telemetry.WithOperation(ctx, telemetry.OpValidate)
	inv, err := v.enumerate(ctx)
	if err != nil {
		return State{
			CacheKeys: []string{},
			Issues:    []string{fmt.Sprintf("Failed to read cache state: %v", err)},
		}
	}

	issues := cleanIssues(inv)
	populated := v.ValidatePopulatedState(ctx)

	st := State{
		IsClean:     len(issues) == 0,
		IsPopulated: populated.IsPopulated,
		Auth:        v.inspectAuth(ctx),
		CacheKeys:   append([]string{}, inv.cacheKeys...),
	}
	st.Issues = append(issues, populated.Issues...)
	return st
}

func (v *Validator) inspectAuth(ctx context.Context) *AuthState {
	if v.config.Local == nil {
		return &AuthState{}
	}
	raw, err := v.config.Local.Get(ctx, offlinecache.AuthStateKey)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return &AuthState{}
		}
		return &AuthState{Error: fmt.Sprintf("reading auth marker: %v", err)}
	}
	return InspectAuth(raw, v.now())
}

// CleanupResult is the outcome of ForceCleanCache.
type CleanupResult struct {
	Success     bool     `json:"success"`
	ClearedKeys []string `json:"cleared_keys"`
	Error       string   `json:"error,omitempty"`
}

// ForceCleanCache removes every cache entry, sync timestamp and auth marker
// from every backend. The first failure aborts the reset; keys cleared
// before it are reported.
func (v *Validator) ForceCleanCache(ctx context.Context) CleanupResult {
	ctx = telemetry.WithOperation(ctx, telemetry.OpTeardown)
	res := CleanupResult{ClearedKeys: []string{}}
	for _, b := range v.config.Backends {
		keys, err := b.Keys(ctx)
		if err != nil {
			res.Error = fmt.Sprintf("enumerating %s: %v", b.Name(), err)
			v.logger.Error("force clean aborted", "backend", b.Name(), "error", err)
			return res
		}
		for _, k := range keys {
			if !offlinecache.IsSensitiveKey(k) {
				continue
			}
			if err := b.Remove(ctx, k); err != nil {
				res.Error = fmt.Sprintf("removing %s/%s: %v", b.Name(), k, err)
				v.logger.Error("force clean aborted", "backend", b.Name(), "key", k, "error", err)
				return res
			}
			res.ClearedKeys = append(res.ClearedKeys, b.Name()+"/"+k)
		}
	}
	res.Success = true
	v.logger.Info("force clean complete", "cleared", len(res.ClearedKeys))
	return res
}

// LogCacheState logs the combined lifecycle view. It never panics.
func (v *Validator) LogCacheState(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			v.logger.Error("logging cache state failed", "panic", r)
		}
	}()
	st := v.CacheState(ctx)
	attrs := []any{
		"clean", st.IsClean,
		"populated", st.IsPopulated,
		"cache_keys", len(st.CacheKeys),
		"auth_present", st.Auth != nil && st.Auth.Present,
	}
	if st.Auth != nil && st.Auth.Subject != "" {
		attrs = append(attrs, "subject", st.Auth.Subject)
	}
	if len(st.Issues) > 0 {
		attrs = append(attrs, "issues", st.Issues)
	}
	v.logger.Info("cache state", attrs...)
}

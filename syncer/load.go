package syncer

import (
	"context"
	"errors"
	"fmt"

	"github.com/wolfeidau/offline-cache/backend"
	"github.com/wolfeidau/offline-cache/breaker"
	"github.com/wolfeidau/offline-cache/entry"
	"github.com/wolfeidau/offline-cache/telemetry"
)

// Source says where a loaded entry came from.
type Source string

const (
	SourceCache  Source = "cache"
	SourceRemote Source = "remote"
	SourceStale  Source = "stale"
)

// Loaded is the outcome of Load.
type Loaded struct {
	Entry  *entry.Entry
	Source Source

	// Degraded is set when a stale entry was served because the refresh failed.
	Degraded bool

	// Cause is the refresh failure behind a degraded result.
	Cause error
}

// Load returns the entry for table, reading through to the remote when the
// cached entry is missing, invalid or due for refresh. When the refresh
// fails, any cached entry with an intact checksum is served as stale.
func (t *Tracker) Load(ctx context.Context, table string) (*Loaded, error) {
	ctx = telemetry.WithOperation(ctx, telemetry.OpRead)
	codec := t.entries.Codec()

	cached, err := t.entries.Get(ctx, table)
	if err != nil && !errors.Is(err, backend.ErrNotFound) && !errors.Is(err, entry.ErrUnreadable) {
		t.logger.Warn("reading cached entry failed", "table", table, "error", err)
	}
	if cached != nil && !codec.NeedsRefresh(cached) {
		return &Loaded{Entry: cached, Source: SourceCache}, nil
	}

	res := breaker.Execute(ctx, t.breaker, loadKeyPrefix+table,
		func(ctx context.Context) (*entry.Entry, error) {
			if _, err := t.SyncTable(ctx, table); err != nil {
				return nil, err
			}
			return t.entries.Get(ctx, table)
		},
		func(context.Context, error) (*entry.Entry, error) {
			if cached == nil || !codec.Validate(cached).IsChecksumValid {
				return nil, fmt.Errorf("no usable cached copy of %s", table)
			}
			return cached, nil
		},
	)
	if !res.Success {
		return nil, fmt.Errorf("loading %s: %w", table, res.Err)
	}
	if res.FromFallback {
		t.logger.Warn("serving stale entry", "table", table, "error", res.Err)
		return &Loaded{Entry: res.Data, Source: SourceStale, Degraded: true, Cause: res.Err}, nil
	}
	return &Loaded{Entry: res.Data, Source: SourceRemote}, nil
}

package syncer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	offlinecache "github.com/wolfeidau/offline-cache"
	"github.com/wolfeidau/offline-cache/entry"
)

func TestLoadReadsThroughOnMiss(t *testing.T) {
	f := newFixture(t)
	f.remote.tables["sponsors"] = []offlinecache.Record{{"name": "Acme"}}

	got, err := f.tracker.Load(context.Background(), "sponsors")
	require.NoError(t, err)
	require.Equal(t, SourceRemote, got.Source)
	require.False(t, got.Degraded)
	require.JSONEq(t, `[{"name":"Acme"}]`, string(got.Entry.Data))
}

func TestLoadServesFreshCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.entries.Write(ctx, "sponsors", []string{"cached"}, entry.WithTTL(time.Hour))
	require.NoError(t, err)

	got, err := f.tracker.Load(ctx, "sponsors")
	require.NoError(t, err)
	require.Equal(t, SourceCache, got.Source)
	require.Zero(t, f.remote.calls("sponsors"))
}

func TestLoadServesStaleWhenRemoteFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	stale := f.entries.Codec().Create([]string{"old"}, entry.WithTTL(time.Minute))
	stale.Timestamp = f.now.Add(-time.Hour)
	require.NoError(t, f.entries.Put(ctx, "sponsors", stale))
	f.remote.fetchErr["sponsors"] = errUpstream

	got, err := f.tracker.Load(ctx, "sponsors")
	require.NoError(t, err)
	require.Equal(t, SourceStale, got.Source)
	require.True(t, got.Degraded)
	require.ErrorIs(t, got.Cause, errUpstream)
	require.JSONEq(t, `["old"]`, string(got.Entry.Data))
}

func TestLoadFailsWithoutCachedCopy(t *testing.T) {
	f := newFixture(t)
	f.remote.fetchErr["sponsors"] = errUpstream

	_, err := f.tracker.Load(context.Background(), "sponsors")
	require.Error(t, err)
	require.ErrorIs(t, err, errUpstream)
}

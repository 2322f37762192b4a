package expiry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	offlinecache "github.com/wolfeidau/offline-cache"
	"github.com/wolfeidau/offline-cache/backend"
	"github.com/wolfeidau/offline-cache/entry"
)

var baseTime = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type fakeRefresher struct {
	mu     sync.Mutex
	tables []string
	err    error
}

func (f *fakeRefresher) SyncTable(_ context.Context, table string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tables = append(f.tables, table)
	return 1, f.err
}

func newTestStore(t *testing.T) (*entry.Store, *backend.Memory, *clock) {
	t.Helper()
	clk := &clock{now: baseTime}
	codec := entry.NewCodec(entry.WithClock(clk.Now))
	mem := backend.NewMemory("conference_cache", backend.KindDatabase)
	return entry.NewStore(mem, codec, nil), mem, clk
}

// writeAt stores data for table as if it had been written at ts.
func writeAt(t *testing.T, s *entry.Store, clk *clock, ts time.Time, table string, kind entry.Kind) {
	t.Helper()
	prev := clk.Now()
	clk.Set(ts)
	_, err := s.Write(context.Background(), table, []offlinecache.Record{{"id": table}}, entry.WithKind(kind))
	require.NoError(t, err)
	clk.Set(prev)
}

func newTestManager(s *entry.Store, r Refresher, clk *clock) *Manager {
	mgr := NewManager(s, r, DefaultConfig())
	mgr.now = clk.Now
	return mgr
}

func TestManagerRunOnce(t *testing.T) {
	s, mem, clk := newTestStore(t)
	ctx := context.Background()

	writeAt(t, s, clk, baseTime.Add(-time.Hour), "sponsors", entry.KindStatic)
	writeAt(t, s, clk, baseTime.Add(-270*time.Second), "agenda_items", entry.KindDynamic)
	writeAt(t, s, clk, baseTime.Add(-time.Hour), "seat_assignments", entry.KindDynamic)
	writeAt(t, s, clk, baseTime.Add(-40*24*time.Hour), "hotels", entry.KindStatic)
	require.NoError(t, mem.Set(ctx, offlinecache.CacheKey("dining_options"), []byte("not json")))

	tampered := s.Codec().Create([]offlinecache.Record{{"id": 1}})
	tampered.Checksum = "blake3:00"
	require.NoError(t, s.Put(ctx, "attendees", tampered))

	r := &fakeRefresher{}
	result := newTestManager(s, r, clk).RunOnce(ctx)

	require.Equal(t, 6, result.Checked)
	require.Equal(t, []string{"attendees", "dining_options", "hotels"}, result.Removed)
	require.Equal(t, []string{"agenda_items", "seat_assignments"}, result.RefreshQueued)
	require.Equal(t, []string{"agenda_items", "seat_assignments"}, r.tables)
	require.Empty(t, result.Errors)

	require.Equal(t, 6, result.Health.TotalEntries)
	require.Equal(t, 2, result.Health.IntegrityFailures)

	tables, err := s.Tables(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"agenda_items", "seat_assignments", "sponsors"}, tables)
}

func TestManagerRunOnceWithoutRefresher(t *testing.T) {
	s, _, clk := newTestStore(t)

	writeAt(t, s, clk, baseTime.Add(-time.Hour), "agenda_items", entry.KindDynamic)

	result := newTestManager(s, nil, clk).RunOnce(context.Background())
	require.Empty(t, result.RefreshQueued)
	require.Empty(t, result.Removed)
	require.Equal(t, 1, result.Health.ExpiredEntries)
}

func TestManagerRefreshErrors(t *testing.T) {
	s, _, clk := newTestStore(t)

	writeAt(t, s, clk, baseTime.Add(-time.Hour), "agenda_items", entry.KindDynamic)

	r := &fakeRefresher{err: errors.New("circuit open")}
	result := newTestManager(s, r, clk).RunOnce(context.Background())
	require.Equal(t, []string{"agenda_items"}, result.RefreshQueued)
	require.Len(t, result.Errors, 1)
}

func TestManagerListFailure(t *testing.T) {
	s, mem, clk := newTestStore(t)
	mem.Fail(backend.OpKeys, errors.New("disk gone"))

	result := newTestManager(s, &fakeRefresher{}, clk).RunOnce(context.Background())
	require.Len(t, result.Errors, 1)
	require.Zero(t, result.Checked)
}

func TestManagerZeroMaxStale(t *testing.T) {
	s, _, clk := newTestStore(t)

	writeAt(t, s, clk, baseTime.Add(-10*time.Minute), "agenda_items", entry.KindDynamic)

	mgr := NewManager(s, nil, Config{CheckInterval: time.Hour})
	mgr.now = clk.Now

	result := mgr.RunOnce(context.Background())
	require.Equal(t, []string{"agenda_items"}, result.Removed)
}

func TestManagerForceExpire(t *testing.T) {
	s, _, clk := newTestStore(t)

	// written at -1h, -3h, -5h to avoid the exact boundary
	writeAt(t, s, clk, baseTime.Add(-1*time.Hour), "sponsors", entry.KindStatic)
	writeAt(t, s, clk, baseTime.Add(-3*time.Hour), "hotels", entry.KindStatic)
	writeAt(t, s, clk, baseTime.Add(-5*time.Hour), "dining_options", entry.KindStatic)

	mgr := newTestManager(s, nil, clk)
	result := mgr.ForceExpire(context.Background(), 2*time.Hour)

	require.Equal(t, 3, result.Checked)
	require.Equal(t, []string{"dining_options", "hotels"}, result.Removed)
}

func TestManagerBackgroundRun(t *testing.T) {
	s, _, _ := newTestStore(t)

	cfg := Config{CheckInterval: 50 * time.Millisecond}
	mgr := NewManager(s, nil, cfg)

	require.NoError(t, mgr.Start(context.Background()))
	// second start is a no-op
	require.NoError(t, mgr.Start(context.Background()))

	time.Sleep(150 * time.Millisecond)

	mgr.Stop()
	mgr.Stop()
}

func TestManagerRestartsAfterStop(t *testing.T) {
	s, _, _ := newTestStore(t)
	mgr := NewManager(s, nil, Config{CheckInterval: time.Hour})

	require.NoError(t, mgr.Start(context.Background()))
	require.True(t, mgr.Running())
	mgr.Stop()
	require.False(t, mgr.Running())

	require.NoError(t, mgr.Start(context.Background()))
	require.True(t, mgr.Running())
	mgr.Stop()
	require.False(t, mgr.Running())
}

func TestManagerRestartsAfterContextCancel(t *testing.T) {
	s, _, _ := newTestStore(t)
	mgr := NewManager(s, nil, Config{CheckInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, mgr.Start(ctx))
	cancel()
	require.Eventually(t, func() bool { return !mgr.Running() }, time.Second, 10*time.Millisecond)

	require.NoError(t, mgr.Start(context.Background()))
	require.True(t, mgr.Running())
	mgr.Stop()
}

package entry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	offlinecache "github.com/wolfeidau/offline-cache"
	"github.com/wolfeidau/offline-cache/backend"
)

func newTestStore(t *testing.T) (*Store, *backend.Memory, *fakeClock) {
	t.Helper()
	c, clock := newTestCodec()
	mem := backend.NewMemory("conference_cache", backend.KindDatabase)
	return NewStore(mem, c, nil), mem, clock
}

func TestStorePutGet(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	e, err := s.Write(ctx, offlinecache.TableSponsors, []offlinecache.Record{{"name": "Acme"}}, WithTTL(time.Hour))
	require.NoError(t, err)

	got, err := s.Get(ctx, offlinecache.TableSponsors)
	require.NoError(t, err)
	require.Equal(t, e, got)
	require.True(t, s.Codec().Validate(got).IsValid)
}

func TestStoreGetMissing(t *testing.T) {
	s, _, _ := newTestStore(t)

	_, err := s.Get(context.Background(), "hotels")
	require.ErrorIs(t, err, backend.ErrNotFound)
}

func TestStoreGetMigratesAndRewrites(t *testing.T) {
	s, mem, _ := newTestStore(t)
	ctx := context.Background()

	legacy := `{"data":[{"id":7}],"timestamp":1741597080000}`
	require.NoError(t, mem.Set(ctx, offlinecache.CacheKey("hotels"), []byte(legacy)))

	e, err := s.Get(ctx, "hotels")
	require.NoError(t, err)
	require.Equal(t, CurrentVersion, e.Version)

	raw, err := mem.Get(ctx, offlinecache.CacheKey("hotels"))
	require.NoError(t, err)
	require.Contains(t, string(raw), `"version":"2.1.0"`)
}

func TestStoreGetMigrateRewriteFailureIsNotFatal(t *testing.T) {
	s, mem, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, mem.Set(ctx, offlinecache.CacheKey("hotels"), []byte(`{"data":[]}`)))
	mem.Fail(backend.OpSet, errors.New("disk full"))

	e, err := s.Get(ctx, "hotels")
	require.NoError(t, err)
	require.NotNil(t, e)
}

func TestStoreGetUnreadable(t *testing.T) {
	s, mem, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, mem.Set(ctx, offlinecache.CacheKey("hotels"), []byte("garbage")))

	_, err := s.Get(ctx, "hotels")
	require.ErrorIs(t, err, ErrUnreadable)
	require.ErrorIs(t, err, offlinecache.ErrIntegrityMismatch)
}

func TestStoreTablesAndAll(t *testing.T) {
	s, mem, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Write(ctx, "sponsors", []string{"a"})
	require.NoError(t, err)
	_, err = s.Write(ctx, "attendees", []string{"b"})
	require.NoError(t, err)
	require.NoError(t, mem.Set(ctx, offlinecache.CacheKey("hotels"), []byte("garbage")))
	require.NoError(t, mem.Set(ctx, offlinecache.AuthStateKey, []byte("{}")))

	tables, err := s.Tables(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"attendees", "hotels", "sponsors"}, tables)

	all, err := s.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Nil(t, all["hotels"])
	require.NotNil(t, all["sponsors"])
}

func TestStoreDelete(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Write(ctx, "sponsors", []string{"a"})
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, "sponsors"))

	_, err = s.Get(ctx, "sponsors")
	require.ErrorIs(t, err, backend.ErrNotFound)
}

func TestStorePutNil(t *testing.T) {
	s, _, _ := newTestStore(t)
	require.ErrorIs(t, s.Put(context.Background(), "x", nil), offlinecache.ErrInvalidInput)
}

func TestStoreOnSQLite(t *testing.T) {
	ctx := context.Background()
	db, err := backend.OpenSQLite(ctx, "conference_cache", ":memory:")
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	c, _ := newTestCodec()
	s := NewStore(db, c, nil)

	e, err := s.Write(ctx, "agenda_items", []offlinecache.Record{{"title": "Opening"}}, WithKind(KindDynamic))
	require.NoError(t, err)

	got, err := s.Get(ctx, "agenda_items")
	require.NoError(t, err)
	require.Equal(t, e.Checksum, got.Checksum)
	require.Equal(t, DynamicTTL, got.TTL)
}

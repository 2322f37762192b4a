package backend

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// runContract exercises the storage contract every backend must honour.
func runContract(t *testing.T, newBackend func(t *testing.T) Backend) {
	t.Run("set get", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()

		require.NoError(t, b.Set(ctx, "cache_attendees", []byte(`{"data":[]}`)))

		got, err := b.Get(ctx, "cache_attendees")
		require.NoError(t, err)
		require.Equal(t, []byte(`{"data":[]}`), got)
	})

	t.Run("get missing", func(t *testing.T) {
		b := newBackend(t)
		_, err := b.Get(context.Background(), "missing")
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("overwrite", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()

		require.NoError(t, b.Set(ctx, "k", []byte("initial")))
		require.NoError(t, b.Set(ctx, "k", []byte("new content that is longer")))

		got, err := b.Get(ctx, "k")
		require.NoError(t, err)
		require.Equal(t, "new content that is longer", string(got))
	})

	t.Run("remove idempotent", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()

		require.NoError(t, b.Set(ctx, "k", []byte("v")))
		require.NoError(t, b.Remove(ctx, "k"))
		require.NoError(t, b.Remove(ctx, "k"))

		_, err := b.Get(ctx, "k")
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("keys", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()

		for _, k := range []string{"cache_sponsors", "conference_auth", "sync_ts_hotels"} {
			require.NoError(t, b.Set(ctx, k, []byte("x")))
		}

		keys, err := b.Keys(ctx)
		require.NoError(t, err)
		require.ElementsMatch(t, []string{"cache_sponsors", "conference_auth", "sync_ts_hotels"}, keys)
	})

	t.Run("purge", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()

		require.NoError(t, b.Set(ctx, "a", []byte("1")))
		require.NoError(t, b.Set(ctx, "b", []byte("2")))
		require.NoError(t, b.Purge(ctx))

		keys, err := b.Keys(ctx)
		require.NoError(t, err)
		require.Empty(t, keys)

		// usable after purge
		require.NoError(t, b.Set(ctx, "c", []byte("3")))
		got, err := b.Get(ctx, "c")
		require.NoError(t, err)
		require.Equal(t, "3", string(got))
	})
}

func TestMemoryContract(t *testing.T) {
	runContract(t, func(t *testing.T) Backend {
		return NewMemory("local", KindLocalStore)
	})
}

func TestBoltContract(t *testing.T) {
	runContract(t, func(t *testing.T) Backend {
		b, err := OpenBolt("local", filepath.Join(t.TempDir(), "local.db"), WithBoltNoSync(true))
		require.NoError(t, err)
		t.Cleanup(func() { _ = b.Close() })
		return b
	})
}

func TestSQLiteContract(t *testing.T) {
	runContract(t, func(t *testing.T) Backend {
		s, err := OpenSQLite(context.Background(), "conference_cache", filepath.Join(t.TempDir(), "cache.sqlite"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestFilesystemContract(t *testing.T) {
	runContract(t, func(t *testing.T) Backend {
		fs, err := NewFilesystem("api-responses", t.TempDir())
		require.NoError(t, err)
		t.Cleanup(func() { _ = fs.Close() })
		return fs
	})
}

func TestInstrumentedContract(t *testing.T) {
	runContract(t, func(t *testing.T) Backend {
		return NewInstrumentedBackend(NewMemory("local", KindLocalStore))
	})
}

func TestBoltPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "local.db")
	ctx := context.Background()

	b, err := OpenBolt("local", path)
	require.NoError(t, err)
	require.NoError(t, b.Set(ctx, "conference_auth", []byte(`{"user":"u1"}`)))
	require.NoError(t, b.Close())

	b, err = OpenBolt("local", path)
	require.NoError(t, err)
	defer func() { _ = b.Close() }()

	got, err := b.Get(ctx, "conference_auth")
	require.NoError(t, err)
	require.Equal(t, `{"user":"u1"}`, string(got))
}

func TestMemoryFail(t *testing.T) {
	m := NewMemory("local", KindLocalStore)
	ctx := context.Background()

	m.Fail(OpKeys, ErrNotFound)
	_, err := m.Keys(ctx)
	require.ErrorIs(t, err, ErrNotFound)

	m.Fail(OpKeys, nil)
	_, err = m.Keys(ctx)
	require.NoError(t, err)
}

func TestClose(t *testing.T) {
	require.NoError(t, Close(NewMemory("m", KindLocalStore)))

	fs, err := NewFilesystem("c", t.TempDir())
	require.NoError(t, err)
	require.NoError(t, Close(fs))
}

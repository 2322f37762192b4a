package lifecycle

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	offlinecache "github.com/wolfeidau/offline-cache"
	"github.com/wolfeidau/offline-cache/backend"
	"github.com/wolfeidau/offline-cache/entry"
)

type fixture struct {
	validator *Validator
	local     *backend.Memory
	db        *backend.Memory
	entries   *entry.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	local := backend.NewMemory("local", backend.KindLocalStore)
	db := backend.NewMemory("conference_cache", backend.KindDatabase)
	entries := entry.NewStore(db, entry.NewCodec(), nil)
	v := New(Config{
		Local:    local,
		Backends: []backend.Backend{local, db},
		Entries:  entries,
	})
	return &fixture{validator: v, local: local, db: db, entries: entries}
}

func signedToken(t *testing.T, subject string, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(exp),
	})
	s, err := tok.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return s
}

func TestValidateCleanStateEmpty(t *testing.T) {
	f := newFixture(t)

	res := f.validator.ValidateCleanState(context.Background())
	require.True(t, res.IsClean)
	require.Empty(t, res.Issues)
}

func TestValidateCleanStateOneCacheKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.local.Set(ctx, "cache_attendees", []byte("{}")))
	require.NoError(t, f.local.Set(ctx, "theme", []byte("dark")))

	res := f.validator.ValidateCleanState(ctx)
	require.False(t, res.IsClean)
	require.Len(t, res.Issues, 1)
	require.True(t, strings.HasPrefix(res.Issues[0], "Found 1 cache entries"))
}

func TestValidateCleanStateAuthAndSyncResidue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.local.Set(ctx, offlinecache.AuthStateKey, []byte("{}")))
	require.NoError(t, f.local.Set(ctx, offlinecache.SyncTimestampKey("hotels"), []byte("2025-01-01T00:00:00Z")))

	res := f.validator.ValidateCleanState(ctx)
	require.False(t, res.IsClean)
	require.Len(t, res.Issues, 2)
}

func TestValidateCleanStateFailsClosed(t *testing.T) {
	f := newFixture(t)
	f.db.Fail(backend.OpKeys, errors.New("database locked"))

	res := f.validator.ValidateCleanState(context.Background())
	require.False(t, res.IsClean)
	require.Len(t, res.Issues, 1)
	require.Contains(t, res.Issues[0], "database locked")
}

func TestValidatePopulatedState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res := f.validator.ValidatePopulatedState(ctx)
	require.False(t, res.IsPopulated)
	require.Equal(t, DefaultRequiredTables, res.Missing)
	require.Len(t, res.Issues, 3)

	for _, table := range DefaultRequiredTables {
		_, err := f.entries.Write(ctx, table, []string{})
		require.NoError(t, err)
	}
	require.NoError(t, f.db.Set(ctx, offlinecache.CacheKey(offlinecache.TableSponsors), []byte("garbage")))

	res = f.validator.ValidatePopulatedState(ctx)
	require.False(t, res.IsPopulated)
	require.Equal(t, []string{offlinecache.TableSponsors}, res.Missing)
	require.Contains(t, res.Issues[0], "Unparseable")

	_, err := f.entries.Write(ctx, offlinecache.TableSponsors, []string{})
	require.NoError(t, err)
	res = f.validator.ValidatePopulatedState(ctx)
	require.True(t, res.IsPopulated)
	require.Empty(t, res.Issues)
}

func TestCacheState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	marker, err := EncodeAuthMarker(signedToken(t, "user-42", exp), time.Now())
	require.NoError(t, err)
	require.NoError(t, f.local.Set(ctx, offlinecache.AuthStateKey, marker))
	for _, table := range DefaultRequiredTables {
		_, err := f.entries.Write(ctx, table, []string{})
		require.NoError(t, err)
	}

	st := f.validator.CacheState(ctx)
	require.False(t, st.IsClean)
	require.True(t, st.IsPopulated)
	require.Len(t, st.CacheKeys, 3)
	require.NotNil(t, st.Auth)
	require.True(t, st.Auth.Present)
	require.Equal(t, "user-42", st.Auth.Subject)
	require.True(t, exp.Equal(st.Auth.ExpiresAt))
	require.False(t, st.Auth.Expired)
}

func TestCacheStateDegradesOnEnumerationFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.entries.Write(ctx, offlinecache.TableAttendees, []string{})
	require.NoError(t, err)
	f.local.Fail(backend.OpKeys, errors.New("quota exceeded"))

	st := f.validator.CacheState(ctx)
	require.False(t, st.IsClean)
	require.False(t, st.IsPopulated)
	require.NotNil(t, st.CacheKeys)
	require.Empty(t, st.CacheKeys)
	require.Len(t, st.Issues, 1)
}

func TestForceCleanCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.local.Set(ctx, offlinecache.AuthStateKey, []byte("{}")))
	require.NoError(t, f.local.Set(ctx, "theme", []byte("dark")))
	_, err := f.entries.Write(ctx, offlinecache.TableHotels, []string{})
	require.NoError(t, err)

	res := f.validator.ForceCleanCache(ctx)
	require.True(t, res.Success)
	require.ElementsMatch(t, []string{"local/conference_auth", "conference_cache/cache_hotels"}, res.ClearedKeys)

	require.True(t, f.validator.ValidateCleanState(ctx).IsClean)
	_, err = f.local.Get(ctx, "theme")
	require.NoError(t, err, "unrelated keys survive")
}

func TestForceCleanCacheAbortsOnFirstError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.local.Set(ctx, offlinecache.AuthStateKey, []byte("{}")))
	_, err := f.entries.Write(ctx, offlinecache.TableHotels, []string{})
	require.NoError(t, err)
	f.db.Fail(backend.OpRemove, errors.New("read-only"))

	res := f.validator.ForceCleanCache(ctx)
	require.False(t, res.Success)
	require.Equal(t, []string{"local/conference_auth"}, res.ClearedKeys)
	require.Contains(t, res.Error, "read-only")
}

func TestLogCacheStateDoesNotPanic(t *testing.T) {
	f := newFixture(t)
	f.local.Fail(backend.OpKeys, errors.New("boom"))

	require.NotPanics(t, func() { f.validator.LogCacheState(context.Background()) })
}

func TestInspectAuth(t *testing.T) {
	now := time.Now()

	st := InspectAuth([]byte("not json"), now)
	require.True(t, st.Present)
	require.NotEmpty(t, st.Error)

	st = InspectAuth([]byte(`{"access_token":""}`), now)
	require.NotEmpty(t, st.Error)

	st = InspectAuth([]byte(`{"access_token":"abc.def"}`), now)
	require.NotEmpty(t, st.Error)

	marker, err := EncodeAuthMarker(signedToken(t, "u1", now.Add(-time.Minute)), now)
	require.NoError(t, err)
	st = InspectAuth(marker, now)
	require.Empty(t, st.Error)
	require.True(t, st.Expired)
}

package offlinecache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCacheKeyRoundTrip(t *testing.T) {
	key := CacheKey(TableAttendees)
	require.Equal(t, "cache_attendees", key)
	require.True(t, IsCacheKey(key))

	table, ok := TableFromCacheKey(key)
	require.True(t, ok)
	require.Equal(t, TableAttendees, table)
}

func TestKeyClassification(t *testing.T) {
	tests := []struct {
		key       string
		cache     bool
		syncTS    bool
		sensitive bool
	}{
		{key: "cache_sponsors", cache: true, sensitive: true},
		{key: "cache_", cache: false},
		{key: "sync_ts_hotels", syncTS: true, sensitive: true},
		{key: AuthStateKey, sensitive: true},
		{key: "theme", cache: false},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			require.Equal(t, tt.cache, IsCacheKey(tt.key))
			require.Equal(t, tt.syncTS, IsSyncTimestampKey(tt.key))
			require.Equal(t, tt.sensitive, IsSensitiveKey(tt.key))
		})
	}
}

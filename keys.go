// Package offlinecache holds the persisted-state contract shared by every
// component of the offline cache engine: key naming, the record shape
// returned by remote sources, and the error taxonomy.
package offlinecache

import "strings"

// Persisted key layout. These names are part of the on-device contract and
// must stay stable so that legacy entries can be recognised and migrated.
const (
	// CacheKeyPrefix prefixes every cache entry key: cache_<table>.
	CacheKeyPrefix = "cache_"

	// AuthStateKey holds the authentication state marker.
	AuthStateKey = "conference_auth"

	// SyncTimestampPrefix prefixes the last-synced marker per table: sync_ts_<table>.
	SyncTimestampPrefix = "sync_ts_"
)

// Known tables.
const (
	TableAttendees       = "attendees"
	TableSessions        = "agenda_items"
	TableSponsors        = "sponsors"
	TableSeatAssignments = "seat_assignments"
	TableSeatingConfigs  = "seating_configurations"
	TableDiningOptions   = "dining_options"
	TableHotels          = "hotels"
)

// Record is a single row returned by a remote source.
type Record = map[string]any

// CacheKey returns the storage key for a table's cache entry.
func CacheKey(table string) string {
	return CacheKeyPrefix + table
}

// SyncTimestampKey returns the storage key for a table's last-synced marker.
func SyncTimestampKey(table string) string {
	return SyncTimestampPrefix + table
}

// IsCacheKey reports whether key follows the cache entry naming convention.
func IsCacheKey(key string) bool {
	return strings.HasPrefix(key, CacheKeyPrefix) && len(key) > len(CacheKeyPrefix)
}

// IsSyncTimestampKey reports whether key is a last-synced marker.
func IsSyncTimestampKey(key string) bool {
	return strings.HasPrefix(key, SyncTimestampPrefix) && len(key) > len(SyncTimestampPrefix)
}

// TableFromCacheKey extracts the table name from a cache key.
func TableFromCacheKey(key string) (string, bool) {
	if !IsCacheKey(key) {
		return "", false
	}
	return strings.TrimPrefix(key, CacheKeyPrefix), true
}

// IsSensitiveKey reports whether key must not survive a logout.
func IsSensitiveKey(key string) bool {
	return key == AuthStateKey || IsCacheKey(key) || IsSyncTimestampKey(key)
}

package syncer

import (
	offlinecache "github.com/wolfeidau/offline-cache"
	"github.com/wolfeidau/offline-cache/entry"
	"github.com/wolfeidau/offline-cache/filter"
)

// Table describes one synchronisable table.
type Table struct {
	// Name is the remote table name and the cache key suffix.
	Name string

	// Kind selects the entry TTL.
	Kind entry.Kind

	// Filter, when set, strips confidential fields before records are cached.
	Filter *filter.Filter
}

// DefaultTables returns the conference tables kept offline.
func DefaultTables() []Table {
	return []Table{
		{Name: offlinecache.TableAttendees, Kind: entry.KindStatic, Filter: filter.Attendee},
		{Name: offlinecache.TableSessions, Kind: entry.KindDynamic},
		{Name: offlinecache.TableSponsors, Kind: entry.KindStatic},
		{Name: offlinecache.TableSeatAssignments, Kind: entry.KindDynamic},
		{Name: offlinecache.TableSeatingConfigs, Kind: entry.KindStatic},
		{Name: offlinecache.TableDiningOptions, Kind: entry.KindStatic},
		{Name: offlinecache.TableHotels, Kind: entry.KindStatic},
	}
}

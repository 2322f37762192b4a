package entry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	offlinecache "github.com/wolfeidau/offline-cache"
	"github.com/wolfeidau/offline-cache/backend"
)

// ErrUnreadable is returned when a stored entry cannot be decoded or migrated.
var ErrUnreadable = fmt.Errorf("unreadable cache entry: %w", offlinecache.ErrIntegrityMismatch)

// Store persists entries in a backend under cache_<table> keys.
// Put is synchronous: a successful Put is visible to the next Get.
type Store struct {
	backend backend.Backend
	codec   *Codec
	logger  *slog.Logger
}

// NewStore creates a store over b.
func NewStore(b backend.Backend, codec *Codec, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		backend: b,
		codec:   codec,
		logger:  logger.With("component", "entry-store", "backend", b.Name()),
	}
}

// Backend returns the underlying backend.
func (s *Store) Backend() backend.Backend {
	return s.backend
}

// Codec returns the codec used to read and write entries.
func (s *Store) Codec() *Codec {
	return s.codec
}

// Put writes e for table.
func (s *Store) Put(ctx context.Context, table string, e *Entry) error {
	if e == nil {
		return fmt.Errorf("put %s: %w", table, offlinecache.ErrInvalidInput)
	}
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding entry for %s: %w", table, err)
	}
	if err := s.backend.Set(ctx, offlinecache.CacheKey(table), b); err != nil {
		return fmt.Errorf("writing entry for %s: %w", table, err)
	}
	return nil
}

// Write creates an entry for data and stores it.
func (s *Store) Write(ctx context.Context, table string, data any, opts ...CreateOption) (*Entry, error) {
	e := s.codec.Create(data, opts...)
	if err := s.Put(ctx, table, e); err != nil {
		return nil, err
	}
	return e, nil
}

// Get reads the entry for table. Legacy entries are migrated and written
// back in the current format; a failed rewrite is logged, not returned.
// Returns backend.ErrNotFound when no entry exists and ErrUnreadable when
// the stored value cannot be decoded.
func (s *Store) Get(ctx context.Context, table string) (*Entry, error) {
	raw, err := s.backend.Get(ctx, offlinecache.CacheKey(table))
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("reading entry for %s: %w", table, err)
	}
	e, upgraded := s.codec.migrate(raw)
	if e == nil {
		return nil, fmt.Errorf("%s: %w", table, ErrUnreadable)
	}
	if upgraded {
		if err := s.Put(ctx, table, e); err != nil {
			s.logger.Warn("rewriting migrated entry failed", "table", table, "error", err)
		}
	}
	return e, nil
}

// Delete removes the entry for table.
func (s *Store) Delete(ctx context.Context, table string) error {
	if err := s.backend.Remove(ctx, offlinecache.CacheKey(table)); err != nil {
		return fmt.Errorf("removing entry for %s: %w", table, err)
	}
	return nil
}

// Tables lists every table with a stored entry, sorted.
func (s *Store) Tables(ctx context.Context) ([]string, error) {
	keys, err := s.backend.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing entries: %w", err)
	}
	var tables []string
	for _, k := range keys {
		if table, ok := offlinecache.TableFromCacheKey(k); ok {
			tables = append(tables, table)
		}
	}
	sort.Strings(tables)
	return tables, nil
}

// All reads every stored entry. Unreadable entries map to nil so callers
// can tell them apart from missing ones.
func (s *Store) All(ctx context.Context) (map[string]*Entry, error) {
	tables, err := s.Tables(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*Entry, len(tables))
	for _, table := range tables {
		e, err := s.Get(ctx, table)
		switch {
		case err == nil:
			out[table] = e
		case errors.Is(err, backend.ErrNotFound):
			// removed concurrently
		case errors.Is(err, ErrUnreadable):
			out[table] = nil
		default:
			return nil, err
		}
	}
	return out, nil
}

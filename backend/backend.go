// Package backend provides the storage backends the offline cache persists
// to: a key/value local store, structured on-device databases and named blob
// caches. All of them satisfy the same small Backend interface so the engine
// can enumerate, read, write and purge them uniformly.
package backend

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a key does not exist in the backend.
var ErrNotFound = errors.New("not found")

// Kind classifies a backend for reporting purposes.
type Kind string

const (
	KindLocalStore Kind = "local_store"
	KindDatabase   Kind = "structured_db"
	KindNamedCache Kind = "named_cache"
)

// Backend defines the interface for storage backends.
// Every operation is independently failable and callers are expected to
// handle errors per call rather than per batch.
type Backend interface {
	// Name identifies the backend instance (database or cache name).
	Name() string

	// Kind reports which storage surface the backend represents.
	Kind() Kind

	// Get retrieves the value stored at key.
	// Returns ErrNotFound if the key does not exist.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value at key, overwriting any previous value.
	// The write is visible to subsequent Get calls once Set returns.
	Set(ctx context.Context, key string, value []byte) error

	// Remove deletes key. Returns nil if the key does not exist (idempotent).
	Remove(ctx context.Context, key string) error

	// Keys enumerates every key currently stored.
	Keys(ctx context.Context) ([]string, error)

	// Purge removes every key held by the backend.
	Purge(ctx context.Context) error
}

// Closer is implemented by backends holding open resources.
type Closer interface {
	Close() error
}

// Close closes b if it holds resources.
func Close(b Backend) error {
	if c, ok := b.(Closer); ok {
		return c.Close()
	}
	return nil
}

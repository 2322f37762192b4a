package backend

import (
	"context"
	"errors"
	"time"

	"github.com/wolfeidau/offline-cache/telemetry"
)

// InstrumentedBackend wraps a Backend with metrics recording.
type InstrumentedBackend struct {
	backend Backend
}

// NewInstrumentedBackend creates a new instrumented backend wrapper.
func NewInstrumentedBackend(b Backend) *InstrumentedBackend {
	return &InstrumentedBackend{backend: b}
}

func (ib *InstrumentedBackend) Name() string { return ib.backend.Name() }

func (ib *InstrumentedBackend) Kind() Kind { return ib.backend.Kind() }

func (ib *InstrumentedBackend) Get(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()
	data, err := ib.backend.Get(ctx, key)
	ib.record(ctx, "get", err, start, int64(len(data)))
	return data, err
}

func (ib *InstrumentedBackend) Set(ctx context.Context, key string, value []byte) error {
	start := time.Now()
	err := ib.backend.Set(ctx, key, value)
	ib.record(ctx, "set", err, start, int64(len(value)))
	return err
}

func (ib *InstrumentedBackend) Remove(ctx context.Context, key string) error {
	start := time.Now()
	err := ib.backend.Remove(ctx, key)
	ib.record(ctx, "remove", err, start, 0)
	return err
}

func (ib *InstrumentedBackend) Keys(ctx context.Context) ([]string, error) {
	start := time.Now()
	keys, err := ib.backend.Keys(ctx)
	ib.record(ctx, "keys", err, start, 0)
	return keys, err
}

func (ib *InstrumentedBackend) Purge(ctx context.Context) error {
	start := time.Now()
	err := ib.backend.Purge(ctx)
	ib.record(ctx, "purge", err, start, 0)
	return err
}

// Close closes the wrapped backend if it holds resources.
func (ib *InstrumentedBackend) Close() error {
	return Close(ib.backend)
}

// Unwrap returns the underlying backend.
func (ib *InstrumentedBackend) Unwrap() Backend {
	return ib.backend
}

func (ib *InstrumentedBackend) record(ctx context.Context, op string, err error, start time.Time, bytes int64) {
	telemetry.RecordBackendOp(ctx, ib.backend.Name(), string(ib.backend.Kind()), op, outcomeFromError(err), time.Since(start), bytes)
}

func outcomeFromError(err error) string {
	if err == nil {
		return "success"
	}
	if errors.Is(err, ErrNotFound) {
		return "not_found"
	}
	return "error"
}

// Compile-time interface checks
var (
	_ Backend = (*InstrumentedBackend)(nil)
	_ Closer  = (*InstrumentedBackend)(nil)
)

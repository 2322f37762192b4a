package backend

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"
)

// bucketKV holds every key/value pair of the local store.
var bucketKV = []byte("kv")

// Bolt implements Backend as the synchronous key/value local store using bbolt.
type Bolt struct {
	db     *bbolt.DB
	name   string
	logger *slog.Logger
	noSync bool
}

// BoltOption configures a Bolt backend.
type BoltOption func(*Bolt)

// WithBoltLogger sets the logger for the backend.
func WithBoltLogger(logger *slog.Logger) BoltOption {
	return func(b *Bolt) {
		b.logger = logger
	}
}

// WithBoltNoSync disables fsync per transaction.
// Use only for testing, never in production.
func WithBoltNoSync(noSync bool) BoltOption {
	return func(b *Bolt) {
		b.noSync = noSync
	}
}

// OpenBolt opens (or creates) the local store at path.
func OpenBolt(name, path string, opts ...BoltOption) (*Bolt, error) {
	b := &Bolt{
		name:   name,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  b.noSync,
	})
	if err != nil {
		return nil, fmt.Errorf("opening local store: %w", err)
	}
	b.db = db

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketKV)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating bucket %s: %w", bucketKV, err)
	}

	b.logger.Debug("opened local store", "name", name, "path", path)
	return b, nil
}

func (b *Bolt) Name() string { return b.name }

func (b *Bolt) Kind() Kind { return KindLocalStore }

// Get retrieves the value stored at key.
func (b *Bolt) Get(_ context.Context, key string) ([]byte, error) {
	var data []byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketKV)
		if bucket == nil {
			return ErrNotFound
		}
		val := bucket.Get([]byte(key))
		if val == nil {
			return ErrNotFound
		}
		// bbolt values are only valid for the life of the transaction
		data = make([]byte, len(val))
		copy(data, val)
		return nil
	})
	return data, err
}

// Set stores value at key.
func (b *Bolt) Set(_ context.Context, key string, value []byte) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(bucketKV)
		if err != nil {
			return err
		}
		if err := bucket.Put([]byte(key), value); err != nil {
			return fmt.Errorf("putting %s: %w", key, err)
		}
		return nil
	})
}

// Remove deletes key.
func (b *Bolt) Remove(_ context.Context, key string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketKV)
		if bucket == nil {
			return nil
		}
		return bucket.Delete([]byte(key))
	})
}

// Keys enumerates every stored key.
func (b *Bolt) Keys(_ context.Context) ([]string, error) {
	var keys []string
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketKV)
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("enumerating keys: %w", err)
	}
	return keys, nil
}

// Purge drops and recreates the bucket in a single transaction.
func (b *Bolt) Purge(_ context.Context) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketKV) != nil {
			if err := tx.DeleteBucket(bucketKV); err != nil {
				return fmt.Errorf("deleting bucket: %w", err)
			}
		}
		_, err := tx.CreateBucket(bucketKV)
		return err
	})
}

// Close closes the database and releases resources.
func (b *Bolt) Close() error {
	if b.db == nil {
		return nil
	}
	b.logger.Debug("closing local store", "name", b.name)
	return b.db.Close()
}

var _ Backend = (*Bolt)(nil)

package backend

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	offlinecache "github.com/wolfeidau/offline-cache"
)

// ErrCorrupted is returned when a blob's content hash does not match its header.
var ErrCorrupted = errors.New("blob content hash mismatch")

// ErrInvalidKey is returned for keys that would escape the cache root.
var ErrInvalidKey = errors.New("invalid key")

// Filesystem implements Backend as a named blob cache on the local filesystem.
// Values are stored framed with a JSON header carrying the content hash and
// encoding. Writes are atomic using a temp file and rename pattern.
type Filesystem struct {
	root  string
	name  string
	codec *blobCodec
	now   func() time.Time
}

// NewFilesystem creates a named cache rooted at the given path.
// The directory will be created if it does not exist.
func NewFilesystem(name, root string) (*Filesystem, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving root path: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0o755); err != nil {
		return nil, fmt.Errorf("creating root directory: %w", err)
	}
	codec, err := newBlobCodec()
	if err != nil {
		return nil, err
	}
	return &Filesystem{root: absRoot, name: name, codec: codec, now: time.Now}, nil
}

// Root returns the root directory path.
func (fs *Filesystem) Root() string {
	return fs.root
}

func (fs *Filesystem) Name() string { return fs.name }

func (fs *Filesystem) Kind() Kind { return KindNamedCache }

// Get retrieves and verifies the blob stored at key.
func (fs *Filesystem) Get(ctx context.Context, key string) ([]byte, error) {
	_, data, err := fs.GetBlob(ctx, key)
	return data, err
}

// GetBlob retrieves the blob stored at key together with its header.
// Unframed files written by older versions are returned with a nil header.
func (fs *Filesystem) GetBlob(_ context.Context, key string) (*BlobHeader, []byte, error) {
	path, err := fs.keyToPath(key)
	if err != nil {
		return nil, nil, err
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("reading file: %w", err)
	}
	if !IsFrame(raw) {
		return nil, raw, nil
	}

	header, body, err := DecodeFrame(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", key, err)
	}
	data, err := fs.codec.decode(body, header.Encoding, header.ContentLength)
	if err != nil {
		return nil, nil, err
	}
	if header.ContentHash != "" && offlinecache.HashBytes(data).Checksum() != header.ContentHash {
		return nil, nil, fmt.Errorf("%s: %w", key, ErrCorrupted)
	}
	return header, data, nil
}

// Set stores value at key.
func (fs *Filesystem) Set(ctx context.Context, key string, value []byte) error {
	return fs.SetBlob(ctx, key, value, &BlobHeader{})
}

// SetBlob stores value at key with the supplied header fields.
// ContentLength, ContentHash, Encoding and CachedAt are always recomputed.
func (fs *Filesystem) SetBlob(_ context.Context, key string, value []byte, header *BlobHeader) error {
	path, err := fs.keyToPath(key)
	if err != nil {
		return err
	}

	body, encoding := fs.codec.encode(value)
	hdr := *header
	hdr.ContentLength = int64(len(value))
	hdr.ContentHash = offlinecache.HashBytes(value).Checksum()
	hdr.Encoding = encoding
	hdr.CachedAt = fs.now().UTC().Format(time.RFC3339Nano)

	frame, err := EncodeFrame(&hdr, body)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(frame); err != nil {
		return fmt.Errorf("writing blob: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("syncing file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}

	success = true
	return nil
}

// Remove deletes the blob at key.
func (fs *Filesystem) Remove(_ context.Context, key string) error {
	path, err := fs.keyToPath(key)
	if err != nil {
		return err
	}
	err = os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing file: %w", err)
	}
	return nil
}

// Keys returns every key stored in the cache.
func (fs *Filesystem) Keys(_ context.Context) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(fs.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		// Skip temp files
		if strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		rel, err := filepath.Rel(fs.root, path)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking directory: %w", err)
	}
	return keys, nil
}

// Purge removes every blob, leaving an empty cache root behind.
func (fs *Filesystem) Purge(_ context.Context) error {
	entries, err := os.ReadDir(fs.root)
	if err != nil {
		if os.IsNotExist(err) {
			return os.MkdirAll(fs.root, 0o755)
		}
		return fmt.Errorf("reading cache root: %w", err)
	}
	var errs []error
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(fs.root, e.Name())); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("purging %s: %w", fs.name, errors.Join(errs...))
	}
	return nil
}

// Close releases the compression codec.
func (fs *Filesystem) Close() error {
	fs.codec.close()
	return nil
}

// keyToPath converts a key to a filesystem path inside the root.
func (fs *Filesystem) keyToPath(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return filepath.Join(fs.root, clean), nil
}

// Compile-time interface checks
var (
	_ Backend = (*Filesystem)(nil)
	_ Closer  = (*Filesystem)(nil)
)

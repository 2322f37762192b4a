// Package entry implements the cache entry envelope: every payload persisted
// by the engine is wrapped with a format version, creation timestamp, TTL and
// a BLAKE3 checksum of its canonical JSON form. The Codec creates, validates
// and migrates entries; the Store persists them under cache_<table> keys.
package entry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	offlinecache "github.com/wolfeidau/offline-cache"
)

// CurrentVersion is the cache format version written by this build.
const CurrentVersion = "2.1.0"

const (
	// DynamicTTL applies to fast-changing data such as sessions.
	DynamicTTL = 5 * time.Minute

	// StaticTTL applies to slow-changing reference data.
	StaticTTL = 7 * 24 * time.Hour

	// DefaultRefreshThreshold is the fraction of the TTL after which an entry
	// should be refreshed proactively.
	DefaultRefreshThreshold = 0.8
)

// Kind tags a payload with its volatility. It selects the default TTL.
type Kind int

const (
	KindStatic Kind = iota
	KindDynamic
)

func (k Kind) String() string {
	if k == KindDynamic {
		return "dynamic"
	}
	return "static"
}

// TTL returns the default time-to-live for the kind.
func (k Kind) TTL() time.Duration {
	if k == KindDynamic {
		return DynamicTTL
	}
	return StaticTTL
}

// ParseKind parses "dynamic" or "static".
func ParseKind(s string) (Kind, error) {
	switch s {
	case "dynamic":
		return KindDynamic, nil
	case "static", "":
		return KindStatic, nil
	}
	return KindStatic, fmt.Errorf("unknown entry kind %q: %w", s, offlinecache.ErrInvalidInput)
}

// Entry is the envelope persisted for each table.
// Entries are values: migration and refresh produce new entries.
type Entry struct {
	Data      json.RawMessage
	Version   string
	Timestamp time.Time
	TTL       time.Duration
	Checksum  string
}

// wireEntry is the persisted JSON shape. TTL is in milliseconds.
type wireEntry struct {
	Data      json.RawMessage `json:"data"`
	Version   string          `json:"version"`
	Timestamp string          `json:"timestamp"`
	TTL       int64           `json:"ttl"`
	Checksum  string          `json:"checksum"`
}

// looseEntry accepts every historical variant of the wire format.
type looseEntry struct {
	Data      json.RawMessage `json:"data"`
	Version   *string         `json:"version"`
	Timestamp json.RawMessage `json:"timestamp"`
	TTL       *float64        `json:"ttl"`
	Checksum  *string         `json:"checksum"`
}

// MarshalJSON implements json.Marshaler.
func (e Entry) MarshalJSON() ([]byte, error) {
	data := e.Data
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	return json.Marshal(wireEntry{
		Data:      data,
		Version:   e.Version,
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano),
		TTL:       e.TTL.Milliseconds(),
		Checksum:  e.Checksum,
	})
}

// UnmarshalJSON implements json.Unmarshaler. Missing fields are left zero;
// use Codec.Migrate to upgrade legacy entries.
func (e *Entry) UnmarshalJSON(b []byte) error {
	var le looseEntry
	if err := json.Unmarshal(b, &le); err != nil {
		return err
	}
	ts, err := parseTimestamp(le.Timestamp)
	if err != nil {
		return err
	}
	*e = Entry{Data: le.Data, Timestamp: ts}
	if le.Version != nil {
		e.Version = *le.Version
	}
	if le.TTL != nil {
		e.TTL = time.Duration(*le.TTL) * time.Millisecond
	}
	if le.Checksum != nil {
		e.Checksum = *le.Checksum
	}
	return nil
}

// parseTimestamp accepts an ISO-8601 string or epoch milliseconds.
// A missing timestamp yields the zero time.
func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Time{}, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, err
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
		}
		return t, nil
	}
	var ms float64
	if err := json.Unmarshal(raw, &ms); err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp: %w", err)
	}
	return time.UnixMilli(int64(ms)).UTC(), nil
}

// canonicalJSON serializes v so that equal values always produce equal bytes:
// object keys sorted, numbers preserved verbatim.
func canonicalJSON(v any) ([]byte, error) {
	var b []byte
	if raw, ok := v.(json.RawMessage); ok {
		b = raw
	} else {
		var err error
		if b, err = json.Marshal(v); err != nil {
			return nil, err
		}
	}

	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, fmt.Errorf("trailing data after JSON value: %w", offlinecache.ErrInvalidInput)
	}
	return json.Marshal(generic)
}

// Checksum returns the persisted checksum of data, or InvalidChecksum when
// data cannot be canonicalised.
func Checksum(data json.RawMessage) string {
	canon, err := canonicalJSON(data)
	if err != nil {
		return offlinecache.InvalidChecksum
	}
	return offlinecache.HashBytes(canon).Checksum()
}

// DecodeData unmarshals the entry payload into T.
func DecodeData[T any](e *Entry) (T, error) {
	var out T
	if e == nil {
		return out, fmt.Errorf("decoding nil entry: %w", offlinecache.ErrInvalidInput)
	}
	if err := json.Unmarshal(e.Data, &out); err != nil {
		return out, fmt.Errorf("decoding entry data: %w", err)
	}
	return out, nil
}

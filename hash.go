package offlinecache

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
)

// HashSize is the size of a BLAKE3 hash in bytes (256 bits).
const HashSize = 32

// ChecksumPrefix identifies the algorithm in persisted checksum strings.
const ChecksumPrefix = "blake3:"

// InvalidChecksum is stored in place of a digest when the payload could not
// be serialized. It never matches a recomputed checksum.
const InvalidChecksum = "invalid"

// Hash represents a BLAKE3 256-bit digest.
type Hash [HashSize]byte

// String returns the hex-encoded representation of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// ShortString returns a shortened hex representation for display.
func (h Hash) ShortString() string {
	return hex.EncodeToString(h[:8])
}

// IsZero returns true if the hash is all zeros (uninitialized).
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// Checksum returns the canonical persisted form "blake3:<hex>".
func (h Hash) Checksum() string {
	return ChecksumPrefix + h.String()
}

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	if len(text) != HashSize*2 {
		return fmt.Errorf("invalid hash length: expected %d hex chars, got %d", HashSize*2, len(text))
	}
	_, err := hex.Decode(h[:], text)
	return err
}

// ParseHash parses a hex-encoded hash string.
func ParseHash(s string) (Hash, error) {
	var h Hash
	if err := h.UnmarshalText([]byte(s)); err != nil {
		return Hash{}, err
	}
	return h, nil
}

// ParseChecksum parses a checksum in the "blake3:<hex>" form.
// Plain hex strings are accepted as legacy checksums.
func ParseChecksum(s string) (Hash, error) {
	return ParseHash(strings.TrimPrefix(strings.ToLower(s), ChecksumPrefix))
}

// HashBytes computes the BLAKE3 hash of the given bytes.
func HashBytes(data []byte) Hash {
	return Hash(blake3.Sum256(data))
}

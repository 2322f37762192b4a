package backend

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

// Frame layout: magic | uvarint header length | JSON header | body.
var frameMagic = []byte("OCB2")

var (
	// ErrInvalidFrame is returned for data that is not a readable frame.
	ErrInvalidFrame = errors.New("invalid blob frame")

	// ErrHeaderTooLarge is returned when the header exceeds MaxHeaderSize.
	ErrHeaderTooLarge = errors.New("header exceeds maximum size")
)

// MaxHeaderSize bounds the JSON header of a frame.
const MaxHeaderSize = 64 * 1024

// Content encodings recorded in BlobHeader.Encoding.
const (
	EncodingIdentity = "identity"
	EncodingZstd     = "zstd"
)

// BlobHeader describes a cached response body. Table, Filter and Records
// are set by callers caching table responses; the remaining fields are
// maintained by the Filesystem.
type BlobHeader struct {
	Table       string `json:"table,omitempty"`
	Filter      string `json:"filter,omitempty"`
	Records     int    `json:"records,omitempty"`
	ETag        string `json:"etag,omitempty"`
	ContentType string `json:"content_type,omitempty"`

	ContentLength int64  `json:"content_length"`
	ContentHash   string `json:"content_hash"`
	Encoding      string `json:"encoding"`
	CachedAt      string `json:"cached_at"`
}

// EncodeFrame prepends header to body.
func EncodeFrame(header *BlobHeader, body []byte) ([]byte, error) {
	hdr, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("marshaling header: %w", err)
	}
	if len(hdr) > MaxHeaderSize {
		return nil, ErrHeaderTooLarge
	}
	out := make([]byte, 0, len(frameMagic)+binary.MaxVarintLen32+len(hdr)+len(body))
	out = append(out, frameMagic...)
	out = binary.AppendUvarint(out, uint64(len(hdr)))
	out = append(out, hdr...)
	return append(out, body...), nil
}

// DecodeFrame splits a frame into its header and body. The body aliases data.
func DecodeFrame(data []byte) (*BlobHeader, []byte, error) {
	if !IsFrame(data) {
		return nil, nil, ErrInvalidFrame
	}
	rest := data[len(frameMagic):]
	n, w := binary.Uvarint(rest)
	if w <= 0 {
		return nil, nil, fmt.Errorf("%w: bad header length", ErrInvalidFrame)
	}
	if n > MaxHeaderSize {
		return nil, nil, ErrHeaderTooLarge
	}
	rest = rest[w:]
	if uint64(len(rest)) < n {
		return nil, nil, fmt.Errorf("%w: truncated header", ErrInvalidFrame)
	}
	var header BlobHeader
	if err := json.Unmarshal(rest[:n], &header); err != nil {
		return nil, nil, fmt.Errorf("parsing header: %w", err)
	}
	return &header, rest[n:], nil
}

// IsFrame reports whether data starts with the frame magic.
func IsFrame(data []byte) bool {
	return bytes.HasPrefix(data, frameMagic)
}

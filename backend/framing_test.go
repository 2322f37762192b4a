package backend

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	header := &BlobHeader{
		Table:         "attendees",
		Filter:        "attendee",
		Records:       2,
		ETag:          `"v1"`,
		ContentType:   "application/json",
		ContentLength: 13,
		ContentHash:   "blake3:deadbeef",
		Encoding:      EncodingIdentity,
		CachedAt:      "2025-01-15T10:30:00Z",
	}
	body := []byte("hello, world!")

	frame, err := EncodeFrame(header, body)
	require.NoError(t, err)
	require.True(t, IsFrame(frame))

	got, gotBody, err := DecodeFrame(frame)
	require.NoError(t, err)
	require.Equal(t, header, got)
	require.Equal(t, body, gotBody)
}

func TestFrameEmptyBody(t *testing.T) {
	frame, err := EncodeFrame(&BlobHeader{}, nil)
	require.NoError(t, err)

	_, body, err := DecodeFrame(frame)
	require.NoError(t, err)
	require.Empty(t, body)
}

func TestDecodeFrameRejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		err  error
	}{
		{name: "no magic", data: []byte("NOPE...."), err: ErrInvalidFrame},
		{name: "short", data: []byte("OC"), err: ErrInvalidFrame},
		{name: "missing length", data: []byte("OCB2"), err: ErrInvalidFrame},
		{name: "truncated header", data: append([]byte("OCB2"), 10, '{'), err: ErrInvalidFrame},
		{name: "oversized header", data: binary.AppendUvarint([]byte("OCB2"), MaxHeaderSize+1), err: ErrHeaderTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := DecodeFrame(tt.data)
			require.ErrorIs(t, err, tt.err)
		})
	}
}

package offlinecache

import "errors"

// Error taxonomy shared across the engine.
var (
	// ErrInvalidInput is returned by pure filters and validators for nil or
	// wrongly shaped arguments.
	ErrInvalidInput = errors.New("invalid input")

	// ErrStorageUnavailable wraps failures raised by a storage backend.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrRemoteFailure wraps failures raised by a remote data source.
	ErrRemoteFailure = errors.New("remote failure")

	// ErrNotAuthenticated is returned when a read or sync is attempted
	// without an auth marker. It is always joined with ErrInvalidInput.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrIntegrityMismatch marks entries failing checksum, version or TTL checks.
	ErrIntegrityMismatch = errors.New("integrity mismatch")
)

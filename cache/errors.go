package cache

import (
	"github.com/cockroachdb/errors"
)

var (
	// ErrConfiguration indicates an invalid configuration value. It is only
	// returned from layer constructors, never from a running layer.
	ErrConfiguration = errors.New("invalid cache configuration")

	// ErrCorrupted indicates that a stored payload could not be decrypted,
	// decompressed, or deserialized. Unlike backend failures this is never
	// degraded to a miss: it means the stored data or the encryption key is
	// wrong and the caller has to know.
	ErrCorrupted = errors.New("cache entry corrupted")

	// ErrBackendUnavailable indicates the remote store could not be reached.
	// Layers recover from it internally (miss + errors counter + error
	// event); it surfaces only through the event stream.
	ErrBackendUnavailable = errors.New("cache backend unavailable")
)

func configErrorf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrConfiguration)
}

func corruptedError(err error, what string) error {
	return errors.Mark(errors.Wrapf(err, "failed to %s cached payload", what), ErrCorrupted)
}

// IsCorrupted reports whether err is a corruption-class error (decrypt,
// decompress, or unmarshal failure on a stored payload).
func IsCorrupted(err error) bool {
	return errors.Is(err, ErrCorrupted)
}

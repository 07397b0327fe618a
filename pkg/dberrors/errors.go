// Package dberrors defines the error taxonomy of the storage engine.
//
// Key absence is not an error: lookups report it through their boolean
// result. The sentinels here cover everything that is.
package dberrors

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by any operation on a closed engine.
	ErrClosed = errors.New("lsmkv: closed")

	// ErrCorruption reports a checksum mismatch, malformed footer or index,
	// or a truncated record outside the WAL tail.
	ErrCorruption = errors.New("lsmkv: corruption")

	// ErrCapacity reports an exhausted resource, e.g. a full disk or an
	// entry larger than the cache can hold.
	ErrCapacity = errors.New("lsmkv: capacity exceeded")

	// ErrInvalidArgument reports a malformed key, value or range.
	ErrInvalidArgument = errors.New("lsmkv: invalid argument")

	// ErrInvariant reports a violated internal invariant. Always fatal to
	// the operation that detected it.
	ErrInvariant = errors.New("lsmkv: internal invariant violated")
)

// Corruptionf wraps ErrCorruption with context.
func Corruptionf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCorruption, fmt.Sprintf(format, args...))
}

// Invariantf wraps ErrInvariant with context.
func Invariantf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvariant, fmt.Sprintf(format, args...))
}

// IsCorruption reports whether err is a corruption error.
func IsCorruption(err error) bool {
	return errors.Is(err, ErrCorruption)
}

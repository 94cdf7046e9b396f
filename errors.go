package connect

import (
	"github.com/cockroachdb/errors"
)

var (
	// ErrAlreadyConnected is returned by Create and Connect when the source
	// and destination already share a connected connection.
	ErrAlreadyConnected = errors.New("connect: already connected")

	// ErrNotConnected is returned by Destroy and Disconnect when the source
	// and destination are not connected.
	ErrNotConnected = errors.New("connect: not connected")

	// ErrInvalidFilter is returned when a filter fails validation.
	ErrInvalidFilter = errors.New("connect: invalid filter")

	// ErrStorage marks failures of the repository backend. They are passed
	// through the Manager unchanged.
	ErrStorage = errors.New("connect: storage failure")
)

// StorageError marks err as a backend failure so callers can tell it apart
// from lifecycle conflicts with errors.Is(err, ErrStorage). The cause stays
// reachable through Unwrap.
func StorageError(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &storageError{cause: errors.Wrapf(err, format, args...)}
}

type storageError struct {
	cause error
}

func (e *storageError) Error() string { return e.cause.Error() }
func (e *storageError) Unwrap() error { return e.cause }

func (e *storageError) Is(target error) bool { return target == ErrStorage }

func invalidFilter(key FilterKey, format string, args ...any) error {
	return errors.Wrapf(ErrInvalidFilter, "%s: "+format, append([]any{key}, args...)...)
}

package scratch

import "github.com/cockroachdb/errors"

var (
	// ErrInvalidRequest is returned for malformed sizes, counts, tiers or instances. It indicates a caller
	// bug and is never retried.
	ErrInvalidRequest = errors.New("invalid scratch request")
	// ErrOutOfMemory is returned when a tier cannot supply the bytes a launch needs. The launch does not
	// proceed, and the previously committed buffer is left untouched.
	ErrOutOfMemory = errors.New("scratch tier out of memory")
	// ErrUseAfterRetire is returned when a handle or launch is used after the launch completed
	ErrUseAfterRetire = errors.New("scratch used after its launch retired")
)

func invalidRequestf(format string, args ...any) error {
	return errors.Wrapf(ErrInvalidRequest, format, args...)
}

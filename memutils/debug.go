package memutils

import cerrors "github.com/cockroachdb/errors"

// Validatable is used by the DebugValidate method to allow it to act upon
// all types with a Validate method
type Validatable interface {
	Validate() error
}

// CheckRange verifies that the half-open range [offset, offset+length) lies within [0, capacity).
// DebugCheckRange calls this and panics on failure when the debug_mem_utils build tag is present.
func CheckRange(offset, length, capacity int) error {
	if offset < 0 || length < 0 {
		return cerrors.Newf("range [%d, +%d) has a negative component", offset, length)
	}
	end, ok := AddChecked(offset, length)
	if !ok || end > capacity {
		return cerrors.Newf("range [%d, %d) exceeds capacity %d", offset, offset+length, capacity)
	}
	return nil
}

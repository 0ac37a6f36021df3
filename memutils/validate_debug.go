//go:build debug_mem_utils

package memutils

import "encoding/binary"

const (
	// DebugMargin is the number of guard bytes placed after every team slice in a scratch buffer
	DebugMargin int = 16
	// corruptionDetectionMagicValue is a 4-byte pattern repeated across the guard bytes
	corruptionDetectionMagicValue uint32 = 0x7F84E666
)

// WriteMagicValue writes an easy-to-identify marker across DebugMargin bytes of data starting at offset.
// This method no-ops unless the debug_mem_utils build tag is present.
func WriteMagicValue(data []byte, offset int) {
	for i := 0; i < DebugMargin; i += 4 {
		binary.LittleEndian.PutUint32(data[offset+i:], corruptionDetectionMagicValue)
	}
}

// ValidateMagicValue verifies that the marker written by WriteMagicValue is still present.
// It returns true if the value is still present and false otherwise.
// This method always returns true unless the debug_mem_utils build tag is present.
func ValidateMagicValue(data []byte, offset int) bool {
	for i := 0; i < DebugMargin; i += 4 {
		if binary.LittleEndian.Uint32(data[offset+i:]) != corruptionDetectionMagicValue {
			return false
		}
	}

	return true
}

// DebugValidate will call Validate on the provided object and panics if any errors are returned. This
// method no-ops unless the debug_mem_utils build tag is present
func DebugValidate(validatable Validatable) {
	err := validatable.Validate()
	if err != nil {
		panic(err)
	}
}

// DebugCheckPow2 will verify that the numerical value passed in is a power of two, and panics if it is not.
// This method no-ops unless the debug_mem_utils build tag is present.
func DebugCheckPow2[T Number](value T, name string) {
	err := CheckPow2[T](value, name)
	if err != nil {
		panic(err)
	}
}

// DebugCheckRange panics if [offset, offset+length) does not lie within [0, capacity).
// This method no-ops unless the debug_mem_utils build tag is present.
func DebugCheckRange(offset, length, capacity int) {
	err := CheckRange(offset, length, capacity)
	if err != nil {
		panic(err)
	}
}

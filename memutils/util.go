package memutils

import (
	"math/bits"

	cerrors "github.com/cockroachdb/errors"
)

type Number interface {
	~int | ~uint
}

// CheckPow2 returns PowerOfTwoError if number is not a power of two. Zero is rejected as well, since
// it cannot be used as an alignment.
func CheckPow2[T Number](number T, name string) error {
	if number == 0 || number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

func AlignUp(value int, alignment uint) int {
	return (value + int(alignment) - 1) & int(^(alignment - 1))
}

func AlignDown(value int, alignment uint) int {
	return value & int(^(alignment - 1))
}

func IsAligned(value int, alignment uint) bool {
	return value&int(alignment-1) == 0
}

// MulChecked multiplies two non-negative sizes, returning false if the product does not fit in an int
func MulChecked(a, b int) (int, bool) {
	if a < 0 || b < 0 {
		return 0, false
	}
	hi, lo := bits.Mul64(uint64(a), uint64(b))
	if hi != 0 || lo > uint64(maxInt) {
		return 0, false
	}
	return int(lo), true
}

// AddChecked adds two non-negative sizes, returning false if the sum does not fit in an int
func AddChecked(a, b int) (int, bool) {
	if a < 0 || b < 0 {
		return 0, false
	}
	sum := a + b
	if sum < a {
		return 0, false
	}
	return sum, true
}

const maxInt = int(^uint(0) >> 1)

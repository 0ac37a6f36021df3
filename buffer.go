package scratch

import (
	"sync/atomic"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/scratch/memutils"
)

// scratchBuffer is one committed span of tier memory. Its data never moves or changes size; a pool
// grows by replacing the whole buffer.
type scratchBuffer struct {
	id         int
	tier       Tier
	data       []byte
	alignment  uint
	generation uint64

	// Number of launches that may still slice this buffer
	pins atomic.Int32
}

func newScratchBuffer(id int, tier Tier, data []byte, alignment uint, generation uint64) *scratchBuffer {
	buffer := &scratchBuffer{
		id:         id,
		tier:       tier,
		data:       data,
		alignment:  alignment,
		generation: generation,
	}
	memutils.DebugValidate(buffer)
	return buffer
}

func (b *scratchBuffer) capacity() int {
	if b == nil {
		return 0
	}
	return len(b.data)
}

func (b *scratchBuffer) baseAddress() int {
	return int(uintptr(unsafe.Pointer(unsafe.SliceData(b.data))))
}

func (b *scratchBuffer) Validate() error {
	if len(b.data) == 0 {
		return errors.Newf("%s buffer %d has no memory", b.tier, b.id)
	}
	if cap(b.data) != len(b.data) {
		return errors.Newf("%s buffer %d has capacity %d but length %d", b.tier, b.id, cap(b.data), len(b.data))
	}
	if !memutils.IsAligned(b.baseAddress(), b.alignment) {
		return errors.Newf("%s buffer %d base %#x is not aligned to %d", b.tier, b.id, b.baseAddress(), b.alignment)
	}
	if pins := b.pins.Load(); pins < 0 {
		return errors.Newf("%s buffer %d has a negative pin count %d", b.tier, b.id, pins)
	}

	return nil
}

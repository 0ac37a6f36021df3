package device

import (
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/scratch/internal/utils"
	"github.com/vkngwrapper/scratch/memutils"
)

// MaxTiers is the largest number of memory tiers a Memory can account for
const MaxTiers int = 8

var (
	ErrOutOfDeviceMemory = errors.New("out of device memory")
	ErrTooManyObjects    = errors.New("too many device memory allocations")
)

type Budget struct {
	Statistics memutils.Statistics
	Usage      int
	Budget     int
}

type MemoryCallbacks interface {
	Allocate(tier int, size int)
	Free(tier int, size int)
}

type TierProperties struct {
	// Capacity is the number of bytes the tier can hold across every live buffer
	Capacity int
	// Alignment is the minimum alignment of every buffer handed out from this tier
	Alignment uint
	Backing   Backing
}

// Memory accounts for every buffer allocated out of the device's tiers and enforces each tier's
// capacity. It is safe for concurrent use: all counters are updated atomically.
type Memory struct {
	// Number of live buffers in each tier
	bufferCount [MaxTiers]int32
	// Bytes held by live buffers in each tier
	bufferBytes [MaxTiers]int64

	memoryCount        uint32
	maxAllocationCount int
	memoryCallbacks    MemoryCallbacks
	tiers              []TierProperties
}

func NewMemory(
	memoryCallbacks MemoryCallbacks,
	tiers []TierProperties,
	maxAllocationCount int,
) (*Memory, error) {
	if len(tiers) == 0 || len(tiers) > MaxTiers {
		return nil, errors.Newf("tier count must be between 1 and %d, but was %d", MaxTiers, len(tiers))
	}
	if maxAllocationCount < 0 {
		return nil, errors.Newf("max allocation count must not be negative, but was %d", maxAllocationCount)
	}

	for tier, props := range tiers {
		if props.Capacity <= 0 {
			return nil, errors.Newf("tier %d has invalid capacity %d", tier, props.Capacity)
		}
		err := memutils.CheckPow2(props.Alignment, fmt.Sprintf("tier %d alignment", tier))
		if err != nil {
			return nil, err
		}
		if props.Backing == nil {
			return nil, errors.Newf("tier %d has no backing", tier)
		}
	}

	return &Memory{
		memoryCallbacks:    memoryCallbacks,
		maxAllocationCount: maxAllocationCount,
		tiers:              tiers,
	}, nil
}

func (m *Memory) TierCount() int {
	return len(m.tiers)
}

func (m *Memory) TierAlignment(tier int) uint {
	return m.tiers[tier].Alignment
}

func (m *Memory) TierCapacity(tier int) int {
	return m.tiers[tier].Capacity
}

func (m *Memory) addBufferWithBudget(tier, size int) error {
	maxAllocatable := int64(m.tiers[tier].Capacity)
	for {
		currentVal := atomic.LoadInt64(&m.bufferBytes[tier])
		targetVal := currentVal + int64(size)

		if targetVal > maxAllocatable {
			return errors.Wrapf(ErrOutOfDeviceMemory,
				"tier %d: %d bytes requested, %d of %d bytes in use", tier, size, currentVal, maxAllocatable)
		}

		if atomic.CompareAndSwapInt64(&m.bufferBytes[tier], currentVal, targetVal) {
			break
		}
	}

	atomic.AddInt32(&m.bufferCount[tier], 1)
	return nil
}

func (m *Memory) removeBuffer(tier, size int) {
	newVal := atomic.AddInt64(&m.bufferBytes[tier], int64(-size))
	if newVal < 0 {
		panic(fmt.Sprintf("buffer bytes for tier %d went negative", tier))
	}

	newCountVal := atomic.AddInt32(&m.bufferCount[tier], -1)
	if newCountVal < 0 {
		panic(fmt.Sprintf("buffer count for tier %d went negative", tier))
	}
}

// Allocate reserves size bytes of the tier's capacity and obtains the memory from the tier's
// backing. Nothing is reserved if an error is returned.
func (m *Memory) Allocate(tier int, size int) (data []byte, err error) {
	if size <= 0 {
		return nil, errors.Newf("attempted to allocate %d bytes from tier %d", size, tier)
	}

	newDeviceCount := atomic.AddUint32(&m.memoryCount, 1)
	defer func() {
		// If we failed out, roll back the device increment
		if err != nil {
			atomic.AddUint32(&m.memoryCount, ^uint32(0))
		}
	}()

	if m.maxAllocationCount > 0 && int(newDeviceCount) > m.maxAllocationCount {
		return nil, errors.Wrapf(ErrTooManyObjects, "limit is %d", m.maxAllocationCount)
	}

	err = m.addBufferWithBudget(tier, size)
	if err != nil {
		return nil, err
	}
	defer func() {
		// If we failed out, roll back the budget
		if err != nil {
			m.removeBuffer(tier, size)
		}
	}()

	props := m.tiers[tier]
	data, err = props.Backing.Allocate(size, props.Alignment)
	if err != nil {
		return nil, utils.Classify(errors.Wrapf(err, "tier %d backing failed to supply %d bytes", tier, size), ErrOutOfDeviceMemory)
	}

	if len(data) != size || !memutils.IsAligned(baseAddress(data), props.Alignment) {
		freeErr := props.Backing.Free(data)
		err = errors.Newf("tier %d backing returned a span of %d bytes at %#x, wanted %d bytes aligned to %d",
			tier, len(data), baseAddress(data), size, props.Alignment)
		return nil, errors.CombineErrors(err, freeErr)
	}

	if m.memoryCallbacks != nil {
		m.memoryCallbacks.Allocate(tier, size)
	}

	return data, nil
}

func (m *Memory) Free(tier int, data []byte) error {
	size := len(data)
	if m.memoryCallbacks != nil {
		m.memoryCallbacks.Free(tier, size)
	}

	err := m.tiers[tier].Backing.Free(data)

	m.removeBuffer(tier, size)
	// Decrement
	atomic.AddUint32(&m.memoryCount, ^uint32(0))

	return err
}

func (m *Memory) TierBudget(tier int) Budget {
	var budget Budget
	budget.Statistics.BufferCount = int(atomic.LoadInt32(&m.bufferCount[tier]))
	budget.Statistics.BufferBytes = int(atomic.LoadInt64(&m.bufferBytes[tier]))
	budget.Usage = budget.Statistics.BufferBytes
	budget.Budget = m.tiers[tier].Capacity
	return budget
}

func (m *Memory) AllocationCount() uint32 {
	return atomic.LoadUint32(&m.memoryCount)
}

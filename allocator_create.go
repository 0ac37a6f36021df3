package scratch

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/scratch/internal/device"
	"github.com/vkngwrapper/scratch/internal/utils"
	"github.com/vkngwrapper/scratch/memutils"
	"golang.org/x/exp/slog"
)

// Backing supplies the process memory behind a tier. See NewHeapBacking and NewMmapBacking.
type Backing = device.Backing

// Budget reports how much of a tier's capacity is committed to scratch buffers
type Budget = device.Budget

// NewHeapBacking returns a Backing that carves aligned spans out of the Go heap
func NewHeapBacking() Backing {
	return device.HeapBacking{}
}

// NewMmapBacking returns a Backing that maps anonymous pages for every span. On platforms without
// anonymous mappings it falls back to the Go heap.
func NewMmapBacking() Backing {
	return device.NewMmapBacking()
}

const (
	// ScratchAlignment is the minimum alignment of every tier, wide enough for any fixed-width element
	ScratchAlignment uint = 8

	// defaultFastCapacity is the capacity of TierFast when none is provided via TierOptions. It is
	// equal to 64Mb.
	defaultFastCapacity int = 64 * 1024 * 1024
	// defaultBulkCapacity is the capacity of TierBulk when none is provided via TierOptions. It is
	// equal to 1Gb.
	defaultBulkCapacity int = 1024 * 1024 * 1024

	defaultFastAlignment uint = ScratchAlignment
	defaultBulkAlignment uint = 64
)

// TierOptions configures a single tier. Every field may be left at its zero value.
type TierOptions struct {
	// Capacity is the total number of bytes the tier can commit across every instance's pool.
	// Requests that would exceed it fail with ErrOutOfMemory.
	Capacity int
	// Alignment is the alignment of every buffer and every team slice in this tier. It must be a
	// power of two no smaller than ScratchAlignment.
	Alignment uint
	// GrowQuantum is the granularity that grown buffers are rounded up to. It must be a power of two;
	// it defaults to Alignment.
	GrowQuantum uint
	// Backing supplies the tier's memory. TierFast defaults to the Go heap, TierBulk to anonymous
	// mappings.
	Backing Backing
}

// CreateOptions contains optional settings when creating an allocator
type CreateOptions struct {
	// Flags indicates specific allocator behaviors to activate or deactivate
	Flags CreateFlags
	// Tiers holds per-tier settings, indexed by Tier
	Tiers [TierCount]TierOptions
	// MaxAllocationCount limits the number of live buffers across all tiers. 0 means no limit.
	MaxAllocationCount int

	// MemoryCallbackOptions is an optional set of callbacks that will be executed when scratch memory
	// is committed or released
	MemoryCallbackOptions *MemoryCallbackOptions
}

func (o TierOptions) withDefaults(tier Tier) TierOptions {
	switch tier {
	case TierFast:
		if o.Capacity == 0 {
			o.Capacity = defaultFastCapacity
		}
		if o.Alignment == 0 {
			o.Alignment = defaultFastAlignment
		}
		if o.Backing == nil {
			o.Backing = NewHeapBacking()
		}
	case TierBulk:
		if o.Capacity == 0 {
			o.Capacity = defaultBulkCapacity
		}
		if o.Alignment == 0 {
			o.Alignment = defaultBulkAlignment
		}
		if o.Backing == nil {
			o.Backing = NewMmapBacking()
		}
	default:
		panic(fmt.Sprintf("unknown tier: %s", tier.String()))
	}

	if o.GrowQuantum == 0 {
		o.GrowQuantum = o.Alignment
	}

	return o
}

func (o TierOptions) validate(tier Tier) error {
	if o.Capacity < 0 {
		return errors.Newf("%s capacity must not be negative, but was %d", tier, o.Capacity)
	}
	err := memutils.CheckPow2(o.Alignment, fmt.Sprintf("%s alignment", tier))
	if err != nil {
		return err
	}
	if o.Alignment < ScratchAlignment {
		return errors.Newf("%s alignment %d is smaller than the minimum scratch alignment %d", tier, o.Alignment, ScratchAlignment)
	}
	return memutils.CheckPow2(o.GrowQuantum, fmt.Sprintf("%s grow quantum", tier))
}

// New creates a new Allocator with an implicit default instance
//
// logger - Destination for diagnostic output. slog.Default() is used if it is nil.
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, options CreateOptions) (*Allocator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	useMutex := options.Flags&AllocatorCreateExternallySynchronized == 0

	allocator := &Allocator{
		useMutex:    useMutex,
		logger:      logger,
		createFlags: options.Flags,
		instancesMutex: utils.OptionalRWMutex{
			UseMutex: useMutex,
		},
		instances: swiss.NewMap[int, *Instance](8),
	}

	tierProperties := make([]device.TierProperties, TierCount)
	for _, tier := range Tiers {
		tierOptions := options.Tiers[tier].withDefaults(tier)
		err := tierOptions.validate(tier)
		if err != nil {
			return nil, err
		}

		allocator.growQuantum[tier] = tierOptions.GrowQuantum
		tierProperties[tier] = device.TierProperties{
			Capacity:  tierOptions.Capacity,
			Alignment: tierOptions.Alignment,
			Backing:   tierOptions.Backing,
		}
	}

	var err error
	allocator.deviceMemory, err = device.NewMemory(
		&memoryCallbacks{
			Callbacks: options.MemoryCallbackOptions,
			Allocator: allocator,
		},
		tierProperties,
		options.MaxAllocationCount,
	)
	if err != nil {
		return nil, err
	}

	allocator.defaultInstance = newInstance(allocator, defaultInstanceID, "default")
	allocator.instances.Put(defaultInstanceID, allocator.defaultInstance)
	allocator.nextInstanceID = defaultInstanceID + 1

	logger.LogAttrs(context.Background(), slog.LevelDebug, "scratch allocator created",
		slog.String("flags", options.Flags.String()),
		slog.Int("fastCapacity", tierProperties[TierFast].Capacity),
		slog.Int("bulkCapacity", tierProperties[TierBulk].Capacity),
	)

	return allocator, nil
}

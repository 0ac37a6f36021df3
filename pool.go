package scratch

import (
	"context"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/scratch/internal/device"
	"github.com/vkngwrapper/scratch/internal/utils"
	"github.com/vkngwrapper/scratch/memutils"
	"golang.org/x/exp/slog"
)

type poolSlot struct {
	current     atomic.Pointer[scratchBuffer]
	alignment   uint
	growQuantum uint
	generation  uint64

	grows       int
	reuses      int
	failedGrows int
}

// Pool owns one scratch buffer per tier for a single Instance. Buffers only grow: a reservation that
// does not fit commits a larger buffer and retires the old one, which is released once no in-flight
// launch can still reference it.
type Pool struct {
	logger       *slog.Logger
	instance     *Instance
	deviceMemory *device.Memory

	mutex        utils.OptionalMutex
	slots        [TierCount]poolSlot
	retired      []*scratchBuffer
	nextBufferID int
	destroyed    bool
}

func newPool(instance *Instance) *Pool {
	allocator := instance.allocator
	pool := &Pool{
		logger:       instance.logger,
		instance:     instance,
		deviceMemory: allocator.deviceMemory,
		mutex: utils.OptionalMutex{
			UseMutex: allocator.useMutex,
		},
	}

	for _, tier := range Tiers {
		pool.slots[tier].alignment = allocator.deviceMemory.TierAlignment(int(tier))
		pool.slots[tier].growQuantum = allocator.growQuantum[tier]
	}

	return pool
}

// Capacity returns the number of bytes in the tier's committed buffer
func (p *Pool) Capacity(tier Tier) int {
	if !tier.Valid() {
		return 0
	}
	return p.slots[tier].current.Load().capacity()
}

// Generation returns the number of buffers that have been committed to the tier over the pool's lifetime
func (p *Pool) Generation(tier Tier) uint64 {
	if !tier.Valid() {
		return 0
	}
	buffer := p.slots[tier].current.Load()
	if buffer == nil {
		return 0
	}
	return buffer.generation
}

// Alignment returns the alignment of the tier's buffers, or 0 for an unknown tier
func (p *Pool) Alignment(tier Tier) uint {
	if !tier.Valid() {
		return 0
	}
	return p.slots[tier].alignment
}

// Reserve ensures that the tier's buffer can hold teamCount slices of bytesPerTeam bytes and returns
// the committed capacity. If the request already fits, the existing buffer is reused. Otherwise a
// new buffer is allocated before the old one is retired, so on failure the old buffer remains
// committed and the error satisfies errors.Is(err, ErrOutOfMemory).
func (p *Pool) Reserve(tier Tier, bytesPerTeam, teamCount int) (int, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return p.reserveAfterLock(tier, bytesPerTeam, teamCount)
}

func (p *Pool) reserveAfterLock(tier Tier, bytesPerTeam, teamCount int) (int, error) {
	if !tier.Valid() {
		return 0, invalidRequestf("unknown tier %d", int(tier))
	}
	if bytesPerTeam < 0 || teamCount < 0 {
		return 0, invalidRequestf("%s reservation of %d bytes for %d teams has a negative component", tier, bytesPerTeam, teamCount)
	}
	if p.destroyed {
		return 0, invalidRequestf("the pool of instance %d has been destroyed", p.instance.id)
	}

	required, ok := memutils.MulChecked(bytesPerTeam, teamCount)
	if !ok {
		return 0, utils.Classify(
			errors.Wrapf(memutils.SizeOverflowError, "%s reservation of %d bytes for %d teams", tier, bytesPerTeam, teamCount),
			ErrInvalidRequest)
	}

	slot := &p.slots[tier]
	current := slot.current.Load()
	capacity := current.capacity()

	if required == 0 {
		return capacity, nil
	}

	if required <= capacity {
		slot.reuses++
		return capacity, nil
	}

	// Retired buffers that are no longer pinned still count against the tier
	err := p.reclaimAfterLock()
	if err != nil {
		return capacity, err
	}

	if required > int(^uint(0)>>1)-int(slot.growQuantum) {
		return capacity, utils.Classify(
			errors.Wrapf(memutils.SizeOverflowError, "%s reservation of %d bytes", tier, required),
			ErrInvalidRequest)
	}
	size := memutils.AlignUp(required, slot.growQuantum)

	data, err := p.deviceMemory.Allocate(int(tier), size)
	if err != nil {
		slot.failedGrows++
		p.logger.LogAttrs(context.Background(), slog.LevelWarn, "scratch buffer could not grow",
			slog.Int("instance", p.instance.id),
			slog.String("tier", tier.String()),
			slog.Int("capacity", capacity),
			slog.Int("requested", size),
			slog.Any("error", err),
		)
		return capacity, utils.Classify(
			errors.Wrapf(err, "instance %d could not grow %s scratch from %d to %d bytes", p.instance.id, tier, capacity, size),
			ErrOutOfMemory)
	}

	slot.generation++
	p.nextBufferID++
	buffer := newScratchBuffer(p.nextBufferID, tier, data, slot.alignment, slot.generation)

	// Teams of later launches slice whichever buffer they pin; the swap is a single pointer store
	slot.current.Store(buffer)
	slot.grows++

	p.logger.LogAttrs(context.Background(), slog.LevelDebug, "scratch buffer grown",
		slog.Int("instance", p.instance.id),
		slog.String("tier", tier.String()),
		slog.Int("previousCapacity", capacity),
		slog.Int("capacity", size),
		slog.Uint64("generation", slot.generation),
	)

	if current != nil {
		err = p.retireAfterLock(current)
		if err != nil {
			return size, err
		}
	}

	return size, nil
}

func (p *Pool) retireAfterLock(buffer *scratchBuffer) error {
	if buffer.pins.Load() == 0 {
		return p.freeBufferAfterLock(buffer)
	}

	p.logger.LogAttrs(context.Background(), slog.LevelDebug, "scratch buffer retired while pinned",
		slog.Int("instance", p.instance.id),
		slog.String("tier", buffer.tier.String()),
		slog.Int("capacity", buffer.capacity()),
		slog.Int("pins", int(buffer.pins.Load())),
	)
	p.retired = append(p.retired, buffer)
	return nil
}

// reclaimAfterLock releases every retired buffer that no launch pins anymore
func (p *Pool) reclaimAfterLock() error {
	var err error
	kept := p.retired[:0]
	for _, buffer := range p.retired {
		if buffer.pins.Load() > 0 {
			kept = append(kept, buffer)
			continue
		}

		err = errors.CombineErrors(err, p.freeBufferAfterLock(buffer))
	}

	for i := len(kept); i < len(p.retired); i++ {
		p.retired[i] = nil
	}
	p.retired = kept
	return err
}

func (p *Pool) reclaim() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return p.reclaimAfterLock()
}

func (p *Pool) freeBufferAfterLock(buffer *scratchBuffer) error {
	err := p.deviceMemory.Free(int(buffer.tier), buffer.data)
	if err != nil {
		return errors.Wrapf(err, "failed to release %s buffer %d of instance %d", buffer.tier, buffer.id, p.instance.id)
	}
	return nil
}

// acquire reserves every tier with a nonzero stride and pins the resulting buffers. Nothing is
// pinned if an error is returned.
func (p *Pool) acquire(strides [TierCount]int, teamCount int) ([TierCount]*scratchBuffer, error) {
	var buffers [TierCount]*scratchBuffer

	p.mutex.Lock()
	defer p.mutex.Unlock()

	for _, tier := range Tiers {
		if strides[tier] == 0 || teamCount == 0 {
			continue
		}

		_, err := p.reserveAfterLock(tier, strides[tier], teamCount)
		if err != nil {
			return buffers, err
		}
	}

	for _, tier := range Tiers {
		if strides[tier] == 0 || teamCount == 0 {
			continue
		}

		buffer := p.slots[tier].current.Load()
		buffer.pins.Add(1)
		buffers[tier] = buffer
	}

	return buffers, nil
}

// release unpins buffers pinned by acquire and releases any retired buffer that is now unreferenced
func (p *Pool) release(buffers [TierCount]*scratchBuffer) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	for _, buffer := range buffers {
		if buffer == nil {
			continue
		}

		if buffer.pins.Add(-1) < 0 {
			panic("scratch buffer pin count went negative")
		}
	}

	return p.reclaimAfterLock()
}

// Reset releases every buffer, returning the pool to zero capacity. It fails if any launch still
// pins one of the pool's buffers.
func (p *Pool) Reset() error {
	p.logger.Debug("Pool::Reset")

	p.mutex.Lock()
	defer p.mutex.Unlock()

	return p.releaseAllAfterLock()
}

func (p *Pool) releaseAllAfterLock() error {
	pinned := 0
	for _, tier := range Tiers {
		buffer := p.slots[tier].current.Load()
		if buffer != nil && buffer.pins.Load() > 0 {
			p.logUnreleasedMemory(buffer)
			pinned++
		}
	}
	for _, buffer := range p.retired {
		if buffer.pins.Load() > 0 {
			p.logUnreleasedMemory(buffer)
			pinned++
		}
	}
	if pinned > 0 {
		return errors.Newf("%d buffers of instance %d are still pinned by in-flight launches", pinned, p.instance.id)
	}

	var err error
	for _, tier := range Tiers {
		buffer := p.slots[tier].current.Swap(nil)
		if buffer != nil {
			err = errors.CombineErrors(err, p.freeBufferAfterLock(buffer))
		}
	}

	return errors.CombineErrors(err, p.reclaimAfterLock())
}

func (p *Pool) logUnreleasedMemory(buffer *scratchBuffer) {
	p.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] pinned scratch buffer",
		slog.Int("instance", p.instance.id),
		slog.String("tier", buffer.tier.String()),
		slog.Int("capacity", buffer.capacity()),
		slog.Int("pins", int(buffer.pins.Load())),
	)
}

func (p *Pool) destroy() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	err := p.releaseAllAfterLock()
	if err != nil {
		return err
	}

	p.destroyed = true
	return nil
}

func (p *Pool) Validate() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	for _, tier := range Tiers {
		buffer := p.slots[tier].current.Load()
		if buffer == nil {
			continue
		}
		if buffer.tier != tier {
			return errors.Newf("buffer %d of tier %s is committed to tier %s", buffer.id, buffer.tier, tier)
		}
		err := buffer.Validate()
		if err != nil {
			return err
		}
	}

	for _, buffer := range p.retired {
		if buffer.pins.Load() == 0 {
			return errors.Newf("retired %s buffer %d is unpinned but was not released", buffer.tier, buffer.id)
		}
	}

	return nil
}

// AddDetailedStatistics sums this pool's statistics for tier into stats
func (p *Pool) AddDetailedStatistics(tier Tier, stats *memutils.DetailedStatistics) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	slot := &p.slots[tier]
	if buffer := slot.current.Load(); buffer != nil {
		stats.AddBuffer(buffer.capacity())
	}
	for _, buffer := range p.retired {
		if buffer.tier == tier {
			stats.AddRetired(buffer.capacity())
		}
	}
	stats.GrowCount += slot.grows
	stats.ReuseCount += slot.reuses
	stats.FailedGrowCount += slot.failedGrows
}

func (p *Pool) printDetailedMap(json *jwriter.ObjectState) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	for _, tier := range Tiers {
		slot := &p.slots[tier]
		buffer := slot.current.Load()

		tierObj := json.Name(tier.String()).Object()
		tierObj.Name("Capacity").Int(buffer.capacity())
		tierObj.Name("Generation").Int(int(slot.generation))
		tierObj.Name("Alignment").Int(int(slot.alignment))
		tierObj.Name("Grows").Int(slot.grows)
		tierObj.Name("Reuses").Int(slot.reuses)
		tierObj.Name("FailedGrows").Int(slot.failedGrows)
		if buffer != nil {
			tierObj.Name("Pins").Int(int(buffer.pins.Load()))
		}

		retired := 0
		for _, r := range p.retired {
			if r.tier == tier {
				retired++
			}
		}
		tierObj.Name("Retired").Int(retired)
		tierObj.End()
	}
}

package scratch

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/scratch/memutils"
	"golang.org/x/exp/constraints"
)

// Element is any fixed-width numeric type that can be laid over scratch bytes
type Element interface {
	constraints.Integer | constraints.Float
}

// TeamScratchHandle is one team's lease on its slices of the instance's scratch buffers. It is valid
// until the issuing launch completes and must not be shared with other teams.
type TeamScratchHandle struct {
	launch *Launch
	team   int
	views  [TierCount][]byte
}

// Team returns the index of the team that owns the handle
func (h *TeamScratchHandle) Team() int {
	return h.team
}

// Len returns the number of bytes in the team's slice of tier
func (h *TeamScratchHandle) Len(tier Tier) int {
	if !tier.Valid() {
		return 0
	}
	return len(h.views[tier])
}

// View returns the team's slice of tier. The slice's capacity equals its length, so appending to it
// never writes into a neighbouring team's slice. Tiers the launch requested no scratch in yield an
// empty slice.
func (h *TeamScratchHandle) View(tier Tier) ([]byte, error) {
	if !tier.Valid() {
		return nil, invalidRequestf("unknown tier %d", int(tier))
	}
	if h.launch.retired.Load() {
		return nil, errors.Wrapf(ErrUseAfterRetire, "%s scratch of team %d in launch %d", tier, h.team, h.launch.id)
	}

	return h.views[tier], nil
}

// ThreadView returns the per-thread portion of tier belonging to worker thread. Per-thread scratch
// follows the team's shared scratch, one block per worker.
func (h *TeamScratchHandle) ThreadView(tier Tier, thread int) ([]byte, error) {
	view, err := h.View(tier)
	if err != nil {
		return nil, err
	}

	launch := h.launch
	if thread < 0 || thread >= launch.teamSize {
		return nil, invalidRequestf("thread %d is outside of a team of %d", thread, launch.teamSize)
	}
	if len(view) == 0 {
		return view, nil
	}

	perThread := launch.perThread[tier]
	offset := launch.perTeam[tier] + thread*perThread
	memutils.DebugCheckRange(offset, perThread, len(view))
	return view[offset : offset+perThread : offset+perThread], nil
}

// SharedView returns the portion of tier shared by every worker of the team
func (h *TeamScratchHandle) SharedView(tier Tier) ([]byte, error) {
	view, err := h.View(tier)
	if err != nil {
		return nil, err
	}
	if len(view) == 0 {
		return view, nil
	}

	perTeam := h.launch.perTeam[tier]
	return view[:perTeam:perTeam], nil
}

// ViewAs lays count elements of T over the start of the team's slice of tier. It fails if the slice
// is too small or not aligned for T.
func ViewAs[T Element](h *TeamScratchHandle, tier Tier, count int) ([]T, error) {
	view, err := h.View(tier)
	if err != nil {
		return nil, err
	}

	return castView[T](view, count)
}

func castView[T Element](view []byte, count int) ([]T, error) {
	var zero T
	size := int(unsafe.Sizeof(zero))

	if count < 0 {
		return nil, invalidRequestf("element count %d is negative", count)
	}
	required, ok := memutils.MulChecked(count, size)
	if !ok || required > len(view) {
		return nil, invalidRequestf("%d elements of %d bytes do not fit in %d bytes of scratch", count, size, len(view))
	}
	if count == 0 {
		return []T{}, nil
	}

	data := unsafe.Pointer(unsafe.SliceData(view))
	if !memutils.IsAligned(int(uintptr(data)), uint(unsafe.Alignof(zero))) {
		return nil, invalidRequestf("scratch at %#x is not aligned for %d-byte elements", uintptr(data), unsafe.Alignof(zero))
	}

	return unsafe.Slice((*T)(data), count), nil
}

package scratch

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/scratch/internal/utils"
	"github.com/vkngwrapper/scratch/memutils"
)

// LaunchRequest describes one kernel launch: how many teams run, how many workers each team has,
// and how much scratch each team needs in every tier. A request is consumed by Allocator.Submit.
type LaunchRequest struct {
	// Instance is the execution instance the launch is submitted to. nil selects the default instance.
	Instance *Instance
	// TeamCount is the league size. Zero is valid and produces a launch with no teams.
	TeamCount int
	// TeamSize is the number of workers per team. 0 is treated as 1.
	TeamSize int
	// ChunkSize is the number of consecutive teams a single dispatch worker runs. 0 is treated as 1.
	ChunkSize int

	// PerTeamBytes is the scratch shared by every worker of a team, indexed by Tier
	PerTeamBytes [TierCount]int
	// PerThreadBytes is the scratch each worker of a team receives in addition, indexed by Tier
	PerThreadBytes [TierCount]int

	// Name is attached to log output about the launch
	Name string
}

// SetScratchSize sets the per-team and per-thread scratch for tier and returns the request for chaining
func (r *LaunchRequest) SetScratchSize(tier Tier, perTeam, perThread int) (*LaunchRequest, error) {
	if !tier.Valid() {
		return r, invalidRequestf("unknown tier %d", int(tier))
	}
	if perTeam < 0 || perThread < 0 {
		return r, invalidRequestf("%s scratch of %d bytes per team and %d bytes per thread has a negative size", tier, perTeam, perThread)
	}

	r.PerTeamBytes[tier] = perTeam
	r.PerThreadBytes[tier] = perThread
	return r, nil
}

func (r *LaunchRequest) teamSize() int {
	if r.TeamSize == 0 {
		return 1
	}
	return r.TeamSize
}

func (r *LaunchRequest) chunkSize() int {
	if r.ChunkSize == 0 {
		return 1
	}
	return r.ChunkSize
}

// Validate verifies that every count and size in the request is non-negative and that no team's
// footprint overflows
func (r *LaunchRequest) Validate() error {
	if r.TeamCount < 0 {
		return invalidRequestf("team count %d is negative", r.TeamCount)
	}
	if r.TeamSize < 0 {
		return invalidRequestf("team size %d is negative", r.TeamSize)
	}
	if r.ChunkSize < 0 {
		return invalidRequestf("chunk size %d is negative", r.ChunkSize)
	}

	for _, tier := range Tiers {
		if r.PerTeamBytes[tier] < 0 {
			return invalidRequestf("%s per-team scratch %d is negative", tier, r.PerTeamBytes[tier])
		}
		if r.PerThreadBytes[tier] < 0 {
			return invalidRequestf("%s per-thread scratch %d is negative", tier, r.PerThreadBytes[tier])
		}
		if _, err := r.TeamFootprint(tier); err != nil {
			return err
		}
	}

	return nil
}

// TeamFootprint returns the number of scratch bytes one team of this request uses in tier
func (r *LaunchRequest) TeamFootprint(tier Tier) (int, error) {
	if !tier.Valid() {
		return 0, invalidRequestf("unknown tier %d", int(tier))
	}

	perThread, ok := memutils.MulChecked(r.PerThreadBytes[tier], r.teamSize())
	if ok {
		var footprint int
		footprint, ok = memutils.AddChecked(r.PerTeamBytes[tier], perThread)
		if ok {
			return footprint, nil
		}
	}

	return 0, utils.Classify(
		errors.Wrapf(memutils.SizeOverflowError, "%s footprint of %d bytes per team plus %d bytes for each of %d threads",
			tier, r.PerTeamBytes[tier], r.PerThreadBytes[tier], r.teamSize()),
		ErrInvalidRequest)
}

// teamStride is the distance between the starts of consecutive team slices. The guard bytes of debug
// builds sit between the end of one footprint and the start of the next slice.
func teamStride(footprint int, alignment uint) (int, error) {
	padded, ok := memutils.AddChecked(footprint, memutils.DebugMargin+int(alignment))
	if !ok {
		return 0, utils.Classify(
			errors.Wrapf(memutils.SizeOverflowError, "team footprint of %d bytes", footprint),
			ErrInvalidRequest)
	}

	return memutils.AlignUp(padded-int(alignment), alignment), nil
}

// RequiredBytes returns the number of scratch bytes needed to hold elementCount elements of
// elementSize bytes, rounded up to ScratchAlignment
func RequiredBytes(elementCount, elementSize int) (int, error) {
	if elementCount < 0 || elementSize < 0 {
		return 0, invalidRequestf("%d elements of %d bytes has a negative component", elementCount, elementSize)
	}

	size, ok := memutils.MulChecked(elementCount, elementSize)
	if !ok || size > int(^uint(0)>>1)-int(ScratchAlignment) {
		return 0, utils.Classify(
			errors.Wrapf(memutils.SizeOverflowError, "%d elements of %d bytes", elementCount, elementSize),
			ErrInvalidRequest)
	}

	return memutils.AlignUp(size, ScratchAlignment), nil
}

// RequiredBytesFor returns the number of scratch bytes needed to hold count elements of type T
func RequiredBytesFor[T Element](count int) (int, error) {
	var zero T
	return RequiredBytes(count, int(unsafe.Sizeof(zero)))
}

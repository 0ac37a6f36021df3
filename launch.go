package scratch

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/scratch/memutils"
	"golang.org/x/exp/slog"
	"golang.org/x/sync/errgroup"
)

// Kernel is the per-team callback of a launch. It is invoked once for every team, possibly from many
// goroutines at once.
type Kernel func(ctx context.Context, team *Team) error

// Launch is the token returned by Allocator.Submit. It pins the scratch buffers the launch's teams
// slice until Complete is called.
type Launch struct {
	id        uint64
	name      string
	instance  *Instance
	pool      *Pool
	teamCount int
	teamSize  int
	chunkSize int

	perTeam    [TierCount]int
	perThread  [TierCount]int
	footprints [TierCount]int
	strides    [TierCount]int
	buffers    [TierCount]*scratchBuffer

	retired      atomic.Bool
	completeOnce sync.Once
	completeErr  error
}

func (l *Launch) ID() uint64 {
	return l.id
}

func (l *Launch) Name() string {
	return l.name
}

func (l *Launch) TeamCount() int {
	return l.teamCount
}

func (l *Launch) TeamSize() int {
	return l.teamSize
}

func (l *Launch) Instance() *Instance {
	return l.instance
}

// Retired returns true once Complete has been called
func (l *Launch) Retired() bool {
	return l.retired.Load()
}

// Stride returns the distance in bytes between the slices of consecutive teams in tier
func (l *Launch) Stride(tier Tier) int {
	if !tier.Valid() {
		return 0
	}
	return l.strides[tier]
}

// Handle returns the scratch lease of team. It fails with ErrUseAfterRetire once the launch has completed.
func (l *Launch) Handle(team int) (*TeamScratchHandle, error) {
	if l.retired.Load() {
		return nil, errors.Wrapf(ErrUseAfterRetire, "launch %d", l.id)
	}
	if team < 0 || team >= l.teamCount {
		return nil, invalidRequestf("team %d is outside of launch %d with %d teams", team, l.id, l.teamCount)
	}

	handle := &TeamScratchHandle{
		launch: l,
		team:   team,
	}
	for _, tier := range Tiers {
		buffer := l.buffers[tier]
		if buffer == nil {
			handle.views[tier] = []byte{}
			continue
		}

		offset := team * l.strides[tier]
		end := offset + l.footprints[tier]
		memutils.DebugCheckRange(offset, l.strides[tier], buffer.capacity())
		handle.views[tier] = buffer.data[offset:end:end]
	}

	return handle, nil
}

// Dispatch invokes kernel once per team and returns after every team has finished. Teams run
// concurrently, at most GOMAXPROCS chunks at a time. Launches on the same instance dispatch one at a
// time. A cancelled ctx prevents a launch from starting, but does not interrupt teams that are
// already running; kernels may observe it themselves. The first kernel error is returned.
func (l *Launch) Dispatch(ctx context.Context, kernel Kernel) error {
	if l.retired.Load() {
		return errors.Wrapf(ErrUseAfterRetire, "launch %d", l.id)
	}
	if kernel == nil {
		return invalidRequestf("launch %d was dispatched without a kernel", l.id)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	l.instance.streamMutex.Lock()
	defer l.instance.streamMutex.Unlock()

	l.instance.logger.LogAttrs(ctx, slog.LevelDebug, "dispatching launch",
		slog.Uint64("launch", l.id),
		slog.String("name", l.name),
		slog.Int("teams", l.teamCount),
		slog.Int("teamSize", l.teamSize),
	)

	l.writeGuards()

	var group errgroup.Group
	group.SetLimit(runtime.GOMAXPROCS(0))

	for start := 0; start < l.teamCount; start += l.chunkSize {
		first := start
		last := min(start+l.chunkSize, l.teamCount)

		group.Go(func() error {
			var err error
			for index := first; index < last; index++ {
				err = errors.CombineErrors(err, l.runTeam(ctx, kernel, index))
			}
			return err
		})
	}

	err := group.Wait()
	l.validateGuards()

	return err
}

func (l *Launch) runTeam(ctx context.Context, kernel Kernel, index int) error {
	handle, err := l.Handle(index)
	if err != nil {
		return err
	}

	err = kernel(ctx, &Team{
		index:   index,
		launch:  l,
		scratch: handle,
	})
	if err != nil {
		return errors.Wrapf(err, "team %d of launch %d", index, l.id)
	}
	return nil
}

func (l *Launch) writeGuards() {
	if memutils.DebugMargin == 0 {
		return
	}

	for _, tier := range Tiers {
		buffer := l.buffers[tier]
		if buffer == nil {
			continue
		}
		for team := 0; team < l.teamCount; team++ {
			memutils.WriteMagicValue(buffer.data, team*l.strides[tier]+l.footprints[tier])
		}
	}
}

func (l *Launch) validateGuards() {
	if memutils.DebugMargin == 0 {
		return
	}

	for _, tier := range Tiers {
		buffer := l.buffers[tier]
		if buffer == nil {
			continue
		}
		for team := 0; team < l.teamCount; team++ {
			if !memutils.ValidateMagicValue(buffer.data, team*l.strides[tier]+l.footprints[tier]) {
				panic(errors.Newf("MEMORY CORRUPTION DETECTED AFTER %s SLICE OF TEAM %d", tier, team))
			}
		}
	}
}

// Complete retires the launch: its handles stop working, its buffers are unpinned and any buffer
// retired while the launch ran is released. Calling Complete more than once has no further effect.
func (l *Launch) Complete() error {
	l.completeOnce.Do(func() {
		l.retired.Store(true)
		defer l.instance.inFlight.End()

		if l.pool != nil {
			l.completeErr = l.pool.release(l.buffers)
		}
	})

	return l.completeErr
}

// Run dispatches kernel and then completes the launch, whether or not a team failed
func (l *Launch) Run(ctx context.Context, kernel Kernel) error {
	err := l.Dispatch(ctx, kernel)
	return errors.CombineErrors(err, l.Complete())
}

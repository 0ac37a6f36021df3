package scratch

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/scratch/internal/utils"
	"github.com/vkngwrapper/scratch/memutils"
	"golang.org/x/exp/slog"
)

const defaultInstanceID int = 0

type instanceState int

const (
	instanceActive instanceState = iota
	instanceDestroying
	instanceDestroyed
)

// Instance is an independent execution stream. It owns its own scratch Pool and shares no mutable
// state with any other Instance. Launches on one Instance execute one at a time, so the teams of
// two launches never slice the same buffer concurrently.
type Instance struct {
	id        int
	name      string
	allocator *Allocator
	logger    *slog.Logger

	stateMutex utils.OptionalRWMutex
	state      instanceState

	poolMutex utils.OptionalMutex
	pool      *Pool

	// Held for the duration of each dispatch to serialize execution on this stream
	streamMutex sync.Mutex
	inFlight    utils.InFlight
}

func newInstance(allocator *Allocator, id int, name string) *Instance {
	return &Instance{
		id:        id,
		name:      name,
		allocator: allocator,
		logger:    allocator.logger.With(slog.Int("instance", id)),
		stateMutex: utils.OptionalRWMutex{
			UseMutex: allocator.useMutex,
		},
		poolMutex: utils.OptionalMutex{
			UseMutex: allocator.useMutex,
		},
	}
}

func (i *Instance) ID() int {
	return i.id
}

func (i *Instance) Name() string {
	i.logger.Debug("Instance::Name")

	return i.name
}

func (i *Instance) SetName(name string) {
	i.logger.Debug("Instance::SetName")

	i.name = name
}

// IsDefault returns true for the implicit instance used by requests that name no instance
func (i *Instance) IsDefault() bool {
	return i == i.allocator.defaultInstance
}

// InFlight returns the number of launches submitted to this instance that have not completed
func (i *Instance) InFlight() int {
	return i.inFlight.Count()
}

// Pool returns the instance's scratch pool, creating it if no scratch has been requested yet
func (i *Instance) Pool() *Pool {
	i.poolMutex.Lock()
	defer i.poolMutex.Unlock()

	if i.pool == nil {
		i.pool = newPool(i)
	}
	return i.pool
}

func (i *Instance) existingPool() *Pool {
	i.poolMutex.Lock()
	defer i.poolMutex.Unlock()

	return i.pool
}

// Fence blocks until every launch submitted to this instance so far has completed, then releases
// the buffers those launches kept alive
func (i *Instance) Fence(ctx context.Context) error {
	i.logger.Debug("Instance::Fence")

	err := i.inFlight.Wait(ctx)
	if err != nil {
		return err
	}

	pool := i.existingPool()
	if pool == nil {
		return nil
	}

	err = pool.reclaim()
	if err != nil {
		return err
	}
	memutils.DebugValidate(pool)
	return nil
}

// ParallelFor submits request to this instance, runs kernel once per team and completes the launch
func (i *Instance) ParallelFor(ctx context.Context, request LaunchRequest, kernel Kernel) error {
	request.Instance = i
	launch, err := i.allocator.Submit(request)
	if err != nil {
		return err
	}

	return launch.Run(ctx, kernel)
}

func (i *Instance) submit(request LaunchRequest) (*Launch, error) {
	i.stateMutex.RLock()
	defer i.stateMutex.RUnlock()

	if i.state != instanceActive {
		return nil, invalidRequestf("instance %d has been destroyed", i.id)
	}

	launch := &Launch{
		id:        i.allocator.nextLaunchID.Add(1),
		name:      request.Name,
		instance:  i,
		teamCount: request.TeamCount,
		teamSize:  request.teamSize(),
		chunkSize: request.chunkSize(),
	}

	pool := i.Pool()
	for _, tier := range Tiers {
		footprint, err := request.TeamFootprint(tier)
		if err != nil {
			return nil, err
		}
		if footprint == 0 || request.TeamCount == 0 {
			continue
		}

		stride, err := teamStride(footprint, pool.Alignment(tier))
		if err != nil {
			return nil, err
		}
		launch.perTeam[tier] = request.PerTeamBytes[tier]
		launch.perThread[tier] = request.PerThreadBytes[tier]
		launch.footprints[tier] = footprint
		launch.strides[tier] = stride
	}

	i.inFlight.Begin()
	buffers, err := pool.acquire(launch.strides, launch.teamCount)
	if err != nil {
		i.inFlight.End()
		return nil, err
	}
	launch.pool = pool
	launch.buffers = buffers

	return launch, nil
}

func (i *Instance) destroy(ctx context.Context) error {
	i.stateMutex.Lock()
	if i.state != instanceActive {
		i.stateMutex.Unlock()
		return invalidRequestf("instance %d has already been destroyed", i.id)
	}
	i.state = instanceDestroying
	i.stateMutex.Unlock()

	err := i.inFlight.Wait(ctx)
	if err != nil {
		i.stateMutex.Lock()
		i.state = instanceActive
		i.stateMutex.Unlock()

		return errors.Wrapf(err, "instance %d still has %d launches in flight", i.id, i.inFlight.Count())
	}

	pool := i.existingPool()
	if pool != nil {
		err = pool.destroy()
	}

	i.stateMutex.Lock()
	i.state = instanceDestroyed
	i.stateMutex.Unlock()

	return err
}

func (i *Instance) printDetailedMap(json *jwriter.ObjectState) {
	json.Name("Name").String(i.name)
	json.Name("InFlight").Int(i.InFlight())

	pool := i.existingPool()
	if pool == nil {
		return
	}

	poolObj := json.Name("Pool").Object()
	pool.printDetailedMap(&poolObj)
	poolObj.End()
}

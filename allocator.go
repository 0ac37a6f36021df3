package scratch

import (
	"context"
	"sort"
	"strconv"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/scratch/internal/device"
	"github.com/vkngwrapper/scratch/internal/utils"
	"github.com/vkngwrapper/scratch/memutils"
	"golang.org/x/exp/slog"
)

// Allocator hands out per-team scratch memory to launches on any number of independent instances.
// Each instance owns a separate Pool; the only state instances share is the tier budget.
type Allocator struct {
	useMutex    bool
	logger      *slog.Logger
	createFlags CreateFlags

	deviceMemory *device.Memory
	growQuantum  [TierCount]uint

	instancesMutex  utils.OptionalRWMutex
	instances       *swiss.Map[int, *Instance]
	nextInstanceID  int
	defaultInstance *Instance
	destroyed       bool

	nextLaunchID atomic.Uint64
}

// CreateInstance creates a new execution instance. Its pool is created the first time a launch on it
// requests scratch.
func (a *Allocator) CreateInstance(name string) (*Instance, error) {
	a.logger.Debug("Allocator::CreateInstance", slog.String("Name", name))

	a.instancesMutex.Lock()
	defer a.instancesMutex.Unlock()

	if a.destroyed {
		return nil, invalidRequestf("the allocator has been destroyed")
	}

	instance := newInstance(a, a.nextInstanceID, name)
	a.nextInstanceID++
	a.instances.Put(instance.id, instance)

	return instance, nil
}

// DestroyInstance blocks until every launch submitted to instance has completed, then releases its
// pool. If ctx ends first, the context's error is returned and the instance remains usable. The
// default instance can only be destroyed with the allocator.
func (a *Allocator) DestroyInstance(ctx context.Context, instance *Instance) error {
	if instance == nil {
		return invalidRequestf("cannot destroy a nil instance")
	}
	a.logger.Debug("Allocator::DestroyInstance", slog.Int("ID", instance.id))

	if instance.allocator != a {
		return invalidRequestf("instance %d belongs to a different allocator", instance.id)
	}
	if instance == a.defaultInstance {
		return invalidRequestf("the default instance cannot be destroyed")
	}

	err := instance.destroy(ctx)
	if err != nil {
		return err
	}

	a.instancesMutex.Lock()
	defer a.instancesMutex.Unlock()

	a.instances.Delete(instance.id)
	return nil
}

// Instance looks up a live instance by id
func (a *Allocator) Instance(id int) (*Instance, bool) {
	a.instancesMutex.RLock()
	defer a.instancesMutex.RUnlock()

	return a.instances.Get(id)
}

// DefaultInstance returns the implicit instance used by requests that name no instance
func (a *Allocator) DefaultInstance() *Instance {
	return a.defaultInstance
}

// InstanceCount returns the number of live instances, including the default instance
func (a *Allocator) InstanceCount() int {
	a.instancesMutex.RLock()
	defer a.instancesMutex.RUnlock()

	return a.instances.Count()
}

// sortedInstances returns every live instance ordered by id
func (a *Allocator) sortedInstances() []*Instance {
	a.instancesMutex.RLock()
	defer a.instancesMutex.RUnlock()

	instances := make([]*Instance, 0, a.instances.Count())
	a.instances.Iter(func(id int, instance *Instance) bool {
		instances = append(instances, instance)
		return false
	})
	sort.Slice(instances, func(i, j int) bool {
		return instances[i].id < instances[j].id
	})

	return instances
}

// Submit validates request, grows the target instance's pool as needed and pins the buffers the
// launch's teams will slice. The returned Launch must be completed, either with Complete or with Run.
// Errors are marked with ErrInvalidRequest or ErrOutOfMemory; nothing remains pinned on failure.
func (a *Allocator) Submit(request LaunchRequest) (*Launch, error) {
	a.logger.Debug("Allocator::Submit",
		slog.String("Name", request.Name),
		slog.Int("TeamCount", request.TeamCount),
		slog.Int("TeamSize", request.TeamSize),
	)

	err := request.Validate()
	if err != nil {
		return nil, err
	}

	instance := request.Instance
	if instance == nil {
		instance = a.defaultInstance
	}
	if instance.allocator != a {
		return nil, invalidRequestf("instance %d belongs to a different allocator", instance.id)
	}

	return instance.submit(request)
}

// ParallelFor submits request and runs kernel across its teams, then completes the launch
func (a *Allocator) ParallelFor(ctx context.Context, request LaunchRequest, kernel Kernel) error {
	launch, err := a.Submit(request)
	if err != nil {
		return err
	}

	return launch.Run(ctx, kernel)
}

// Fence waits for every launch on every instance to complete
func (a *Allocator) Fence(ctx context.Context) error {
	var err error
	for _, instance := range a.sortedInstances() {
		err = errors.CombineErrors(err, instance.Fence(ctx))
	}
	return err
}

// TierBudgets returns the committed bytes and capacity of every tier
func (a *Allocator) TierBudgets() [TierCount]Budget {
	var budgets [TierCount]Budget
	for _, tier := range Tiers {
		budgets[tier] = a.deviceMemory.TierBudget(int(tier))
	}
	return budgets
}

// TotalStatistics sums the pool statistics of every live instance
type TotalStatistics struct {
	Tiers [TierCount]memutils.DetailedStatistics
	Total memutils.DetailedStatistics
}

// CalculateStatistics gathers the statistics of every live instance's pool
func (a *Allocator) CalculateStatistics(stats *TotalStatistics) {
	stats.Total.Clear()
	for _, tier := range Tiers {
		stats.Tiers[tier].Clear()
	}

	for _, instance := range a.sortedInstances() {
		pool := instance.existingPool()
		if pool == nil {
			continue
		}

		for _, tier := range Tiers {
			pool.AddDetailedStatistics(tier, &stats.Tiers[tier])
		}
	}

	for _, tier := range Tiers {
		stats.Total.AddDetailedStatistics(&stats.Tiers[tier])
	}
}

// BuildStatsString returns a JSON document describing the tier budgets and every instance's pool
func (a *Allocator) BuildStatsString(detailedMap bool) string {
	var stats TotalStatistics
	a.CalculateStatistics(&stats)
	budgets := a.TierBudgets()

	writer := jwriter.NewWriter()
	obj := writer.Object()

	obj.Name("General").String(a.createFlags.String())

	totalObj := obj.Name("Total").Object()
	printDetailedStatistics(&totalObj, &stats.Total)
	totalObj.End()

	tiersObj := obj.Name("Tiers").Object()
	for _, tier := range Tiers {
		tierObj := tiersObj.Name(tier.String()).Object()

		budgetObj := tierObj.Name("Budget").Object()
		budgetObj.Name("BufferCount").Int(budgets[tier].Statistics.BufferCount)
		budgetObj.Name("BufferBytes").Int(budgets[tier].Statistics.BufferBytes)
		budgetObj.Name("UsageBytes").Int(budgets[tier].Usage)
		budgetObj.Name("BudgetBytes").Int(budgets[tier].Budget)
		budgetObj.End()

		statsObj := tierObj.Name("Stats").Object()
		printDetailedStatistics(&statsObj, &stats.Tiers[tier])
		statsObj.End()

		tierObj.End()
	}
	tiersObj.End()

	if detailedMap {
		instancesObj := obj.Name("Instances").Object()
		for _, instance := range a.sortedInstances() {
			instanceObj := instancesObj.Name(strconv.Itoa(instance.id)).Object()
			instance.printDetailedMap(&instanceObj)
			instanceObj.End()
		}
		instancesObj.End()
	}

	obj.End()
	return string(writer.Bytes())
}

func printDetailedStatistics(json *jwriter.ObjectState, stats *memutils.DetailedStatistics) {
	json.Name("BufferCount").Int(stats.BufferCount)
	json.Name("BufferBytes").Int(stats.BufferBytes)
	json.Name("RetiredCount").Int(stats.RetiredCount)
	json.Name("RetiredBytes").Int(stats.RetiredBytes)
	json.Name("GrowCount").Int(stats.GrowCount)
	json.Name("ReuseCount").Int(stats.ReuseCount)
	json.Name("FailedGrowCount").Int(stats.FailedGrowCount)

	if stats.BufferCount > 0 {
		json.Name("CapacityMin").Int(stats.CapacityMin)
		json.Name("CapacityMax").Int(stats.CapacityMax)
	}
}

// Destroy destroys every instance, including the default instance, once their launches have
// completed. Instances whose launches are still in flight when ctx ends are logged and left alive.
func (a *Allocator) Destroy(ctx context.Context) error {
	a.logger.Debug("Allocator::Destroy")

	a.instancesMutex.Lock()
	a.destroyed = true
	a.instancesMutex.Unlock()

	var err error
	for _, instance := range a.sortedInstances() {
		destroyErr := instance.destroy(ctx)
		if destroyErr != nil {
			a.logger.LogAttrs(ctx, slog.LevelError, "[UNRELEASED MEMORY] instance could not be destroyed",
				slog.Int("instance", instance.id),
				slog.String("name", instance.name),
				slog.Int("inFlight", instance.InFlight()),
				slog.Any("error", destroyErr),
			)
			err = errors.CombineErrors(err, destroyErr)
			continue
		}

		a.instancesMutex.Lock()
		a.instances.Delete(instance.id)
		a.instancesMutex.Unlock()
	}

	return err
}

// Package stress drives many instances through growing scratch requests and verifies that no team
// ever observes another team's or another instance's scratch.
package stress

import (
	"context"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/scratch"
	"golang.org/x/exp/slog"
	"golang.org/x/sync/errgroup"
)

// Config controls a stress run
type Config struct {
	// Iterations is the number of times every team increments each of its elements per launch
	Iterations int
	// Teams is the league size of every launch
	Teams int
	// TeamSize is the number of workers per team
	TeamSize int
	// BaseElements is the number of int64 elements instance 0 requests per team
	BaseElements int
	// Step is how many more elements each subsequent instance requests than the previous one
	Step int
	// Instances is the number of independent instances driven at once
	Instances int
	// Repeats is the number of launches each instance issues per phase
	Repeats int
	// Tier is the scratch tier every launch requests
	Tier scratch.Tier
}

// DefaultConfig returns a configuration that finishes in seconds on a laptop
func DefaultConfig() Config {
	return Config{
		Iterations:   1000,
		Teams:        10,
		TeamSize:     8,
		BaseElements: 150,
		Step:         5,
		Instances:    4,
		Repeats:      15,
		Tier:         scratch.TierBulk,
	}
}

func (c Config) validate() error {
	if c.Iterations < 0 || c.Teams < 0 || c.TeamSize < 0 || c.BaseElements < 0 || c.Step < 0 || c.Repeats < 0 {
		return errors.Newf("stress configuration has a negative field: %+v", c)
	}
	if c.Instances <= 0 {
		return errors.Newf("stress configuration needs at least one instance, but had %d", c.Instances)
	}
	if !c.Tier.Valid() {
		return errors.Newf("unknown tier %d", int(c.Tier))
	}
	return nil
}

// Result summarizes a stress run
type Result struct {
	// Mismatches is the number of elements that did not hold exactly Iterations after a launch
	Mismatches int64
	// Launches is the number of launches that ran
	Launches int
	// Capacities is the final committed capacity of each instance's pool in the configured tier
	Capacities []int
}

// Run creates cfg.Instances instances and drives them in two phases. In the first phase every
// instance runs its launches concurrently with the others, each instance requesting a different size.
// In the second phase the instances run one after another in reverse order, so every request is
// satisfied by buffers that were grown in the first phase. The instances it created are destroyed
// before Run returns, whether or not the run succeeded.
func Run(ctx context.Context, logger *slog.Logger, allocator *scratch.Allocator, cfg Config) (result Result, err error) {
	err = cfg.validate()
	if err != nil {
		return result, err
	}

	instances := make([]*scratch.Instance, 0, cfg.Instances)
	defer func() {
		for _, instance := range instances {
			err = errors.CombineErrors(err, allocator.DestroyInstance(ctx, instance))
		}
	}()

	for tid := 0; tid < cfg.Instances; tid++ {
		var instance *scratch.Instance
		instance, err = allocator.CreateInstance("stress")
		if err != nil {
			return result, err
		}
		instances = append(instances, instance)
	}

	var mismatches atomic.Int64
	var launches atomic.Int64

	group, groupCtx := errgroup.WithContext(ctx)
	for tid := range instances {
		tid := tid
		group.Go(func() error {
			return runInstance(groupCtx, instances[tid], tid, cfg, &mismatches, &launches)
		})
	}
	err = group.Wait()
	if err != nil {
		return result, errors.Wrap(err, "concurrent phase")
	}

	logger.LogAttrs(ctx, slog.LevelInfo, "concurrent phase complete",
		slog.Int64("mismatches", mismatches.Load()),
	)

	for tid := len(instances) - 1; tid >= 0; tid-- {
		err = runInstance(ctx, instances[tid], tid, cfg, &mismatches, &launches)
		if err != nil {
			return result, errors.Wrap(err, "reverse phase")
		}
	}

	err = allocator.Fence(ctx)
	if err != nil {
		return result, err
	}

	result.Capacities = make([]int, len(instances))
	for tid, instance := range instances {
		result.Capacities[tid] = instance.Pool().Capacity(cfg.Tier)
	}

	result.Mismatches = mismatches.Load()
	result.Launches = int(launches.Load())
	return result, nil
}

func runInstance(ctx context.Context, instance *scratch.Instance, tid int, cfg Config, mismatches, launches *atomic.Int64) error {
	elements := cfg.BaseElements + tid*cfg.Step
	bytes, err := scratch.RequiredBytesFor[int64](elements)
	if err != nil {
		return err
	}

	request := scratch.LaunchRequest{
		Instance:  instance,
		TeamCount: cfg.Teams,
		TeamSize:  cfg.TeamSize,
		Name:      "stress",
	}
	_, err = request.SetScratchSize(cfg.Tier, bytes, 0)
	if err != nil {
		return err
	}

	kernel := func(ctx context.Context, team *scratch.Team) error {
		counters, err := scratch.ViewAs[int64](team.Scratch(), cfg.Tier, elements)
		if err != nil {
			return err
		}

		team.ThreadRange(elements, func(_, i int) { counters[i] = 0 })
		for iteration := 0; iteration < cfg.Iterations; iteration++ {
			team.ThreadRange(elements, func(_, i int) { counters[i]++ })
		}
		team.ThreadRange(elements, func(_, i int) {
			if counters[i] != int64(cfg.Iterations) {
				mismatches.Add(1)
			}
		})

		return nil
	}

	for repeat := 0; repeat < cfg.Repeats; repeat++ {
		err = instance.ParallelFor(ctx, request, kernel)
		if err != nil {
			return errors.Wrapf(err, "instance %d repeat %d", tid, repeat)
		}
		launches.Add(1)
	}

	return nil
}

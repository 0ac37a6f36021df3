package scratch

import (
	"context"
	stderrors "errors"
	"io"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	mock_device "github.com/vkngwrapper/scratch/internal/device/mocks"
	"github.com/vkngwrapper/scratch/memutils"
	"go.uber.org/mock/gomock"
	"golang.org/x/exp/slog"
)

func readyAllocator(t *testing.T, options CreateOptions) *Allocator {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	for _, tier := range Tiers {
		if options.Tiers[tier].Backing == nil {
			options.Tiers[tier].Backing = NewHeapBacking()
		}
	}

	allocator, err := New(logger, options)
	require.NoError(t, err)
	return allocator
}

func submitFast(t *testing.T, allocator *Allocator, instance *Instance, perTeam, teams int) *Launch {
	request := LaunchRequest{
		Instance:  instance,
		TeamCount: teams,
	}
	_, err := request.SetScratchSize(TierFast, perTeam, 0)
	require.NoError(t, err)

	launch, err := allocator.Submit(request)
	require.NoError(t, err)
	return launch
}

func TestPoolReuseAndGrow(t *testing.T) {
	allocator := readyAllocator(t, CreateOptions{})
	pool := allocator.DefaultInstance().Pool()

	require.Equal(t, 0, pool.Capacity(TierFast))
	require.Equal(t, uint64(0), pool.Generation(TierFast))

	capacity, err := pool.Reserve(TierFast, 64, 10)
	require.NoError(t, err)
	require.Equal(t, 640, capacity)
	require.Equal(t, uint64(1), pool.Generation(TierFast))

	// Smaller and equal requests reuse the buffer
	capacity, err = pool.Reserve(TierFast, 32, 10)
	require.NoError(t, err)
	require.Equal(t, 640, capacity)
	capacity, err = pool.Reserve(TierFast, 64, 10)
	require.NoError(t, err)
	require.Equal(t, 640, capacity)
	require.Equal(t, uint64(1), pool.Generation(TierFast))

	// A larger request grows exactly once, rounded to the tier alignment
	capacity, err = pool.Reserve(TierFast, 65, 10)
	require.NoError(t, err)
	require.Equal(t, 656, capacity)
	require.Equal(t, uint64(2), pool.Generation(TierFast))

	capacity, err = pool.Reserve(TierFast, 65, 10)
	require.NoError(t, err)
	require.Equal(t, 656, capacity)
	require.Equal(t, uint64(2), pool.Generation(TierFast))

	// The unpinned buffer that was replaced is released immediately
	budget := allocator.TierBudgets()[TierFast]
	require.Equal(t, 656, budget.Usage)
	require.Equal(t, 1, budget.Statistics.BufferCount)

	var stats memutils.DetailedStatistics
	stats.Clear()
	pool.AddDetailedStatistics(TierFast, &stats)
	require.Equal(t, 2, stats.GrowCount)
	require.Equal(t, 3, stats.ReuseCount)
	require.Equal(t, 0, stats.FailedGrowCount)
	require.Equal(t, 1, stats.BufferCount)
	require.Equal(t, 656, stats.BufferBytes)

	// The other tier was never touched
	require.Equal(t, 0, pool.Capacity(TierBulk))
	require.NoError(t, pool.Validate())
	require.NoError(t, allocator.Destroy(context.Background()))
}

func TestPoolGrowQuantum(t *testing.T) {
	var options CreateOptions
	options.Tiers[TierBulk].GrowQuantum = 4096
	allocator := readyAllocator(t, options)
	pool := allocator.DefaultInstance().Pool()

	capacity, err := pool.Reserve(TierBulk, 1, 1)
	require.NoError(t, err)
	require.Equal(t, 4096, capacity)
	require.Equal(t, uint(64), pool.Alignment(TierBulk))

	capacity, err = pool.Reserve(TierBulk, 4097, 1)
	require.NoError(t, err)
	require.Equal(t, 8192, capacity)
}

func TestPoolReserveZero(t *testing.T) {
	allocator := readyAllocator(t, CreateOptions{})
	pool := allocator.DefaultInstance().Pool()

	capacity, err := pool.Reserve(TierFast, 0, 100)
	require.NoError(t, err)
	require.Equal(t, 0, capacity)

	capacity, err = pool.Reserve(TierFast, 100, 0)
	require.NoError(t, err)
	require.Equal(t, 0, capacity)

	require.Equal(t, uint32(0), allocator.deviceMemory.AllocationCount())
}

func TestPoolReserveInvalid(t *testing.T) {
	allocator := readyAllocator(t, CreateOptions{})
	pool := allocator.DefaultInstance().Pool()

	_, err := pool.Reserve(Tier(7), 1, 1)
	require.ErrorIs(t, err, ErrInvalidRequest)

	_, err = pool.Reserve(TierFast, -1, 1)
	require.ErrorIs(t, err, ErrInvalidRequest)

	_, err = pool.Reserve(TierFast, 1, -1)
	require.ErrorIs(t, err, ErrInvalidRequest)

	_, err = pool.Reserve(TierFast, int(^uint(0)>>1), 2)
	require.ErrorIs(t, err, ErrInvalidRequest)
	require.ErrorIs(t, err, memutils.SizeOverflowError)

	for _, tier := range []Tier{Tier(-1), Tier(TierCount), Tier(7)} {
		require.Equal(t, uint(0), pool.Alignment(tier))
		require.Equal(t, 0, pool.Capacity(tier))
		require.Equal(t, uint64(0), pool.Generation(tier))
	}
}

func TestPoolOutOfMemoryKeepsBuffer(t *testing.T) {
	var options CreateOptions
	options.Tiers[TierFast].Capacity = 1000
	allocator := readyAllocator(t, options)
	instance := allocator.DefaultInstance()

	launch := submitFast(t, allocator, nil, 64, 10)
	committed := launch.Stride(TierFast) * 10
	require.Equal(t, committed, instance.Pool().Capacity(TierFast))

	handle, err := launch.Handle(3)
	require.NoError(t, err)
	view, err := handle.View(TierFast)
	require.NoError(t, err)
	for i := range view {
		view[i] = 0xAB
	}

	// Growing needs a second buffer while the first is still committed
	_, err = instance.Pool().Reserve(TierFast, 100, 10)
	require.ErrorIs(t, err, ErrOutOfMemory)
	require.Equal(t, committed, instance.Pool().Capacity(TierFast))
	require.Equal(t, uint64(1), instance.Pool().Generation(TierFast))

	// The same failure surfaces at submit, and nothing stays pinned
	request := LaunchRequest{TeamCount: 10}
	_, err = request.SetScratchSize(TierFast, 100, 0)
	require.NoError(t, err)
	_, err = allocator.Submit(request)
	require.ErrorIs(t, err, ErrOutOfMemory)
	require.Equal(t, int32(1), launch.buffers[TierFast].pins.Load())
	require.Equal(t, 1, instance.InFlight())

	// The in-flight launch still sees its data
	view, err = handle.View(TierFast)
	require.NoError(t, err)
	for _, b := range view {
		require.Equal(t, byte(0xAB), b)
	}

	var stats memutils.DetailedStatistics
	stats.Clear()
	instance.Pool().AddDetailedStatistics(TierFast, &stats)
	require.Equal(t, 2, stats.FailedGrowCount)

	require.NoError(t, launch.Complete())
	require.NoError(t, allocator.Destroy(context.Background()))
}

func TestSubmitErrorsMatchStandardErrorsIs(t *testing.T) {
	var options CreateOptions
	options.Tiers[TierFast].Capacity = 1000
	allocator := readyAllocator(t, options)

	request := LaunchRequest{TeamCount: 4}
	_, err := request.SetScratchSize(TierFast, 4096, 0)
	require.NoError(t, err)
	_, err = allocator.Submit(request)
	require.True(t, stderrors.Is(err, ErrOutOfMemory))
	require.True(t, errors.Is(err, ErrOutOfMemory))
	require.False(t, stderrors.Is(err, ErrInvalidRequest))

	overflow := LaunchRequest{TeamCount: 1, TeamSize: 2}
	_, err = overflow.SetScratchSize(TierFast, 0, int(^uint(0)>>1)/2+1)
	require.NoError(t, err)
	_, err = allocator.Submit(overflow)
	require.True(t, stderrors.Is(err, ErrInvalidRequest))
	require.True(t, stderrors.Is(err, memutils.SizeOverflowError))
	require.False(t, stderrors.Is(err, ErrOutOfMemory))

	require.Equal(t, 0, allocator.DefaultInstance().InFlight())
	require.Equal(t, 0, allocator.DefaultInstance().Pool().Capacity(TierFast))
}

func TestPoolBackingFailureIsOutOfMemory(t *testing.T) {
	ctrl := gomock.NewController(t)
	backing := mock_device.NewMockBacking(ctrl)
	backing.EXPECT().Allocate(64, uint(8)).Return(nil, errors.New("no pages left"))

	var options CreateOptions
	options.Tiers[TierFast].Backing = backing
	allocator := readyAllocator(t, options)

	_, err := allocator.DefaultInstance().Pool().Reserve(TierFast, 64, 1)
	require.ErrorIs(t, err, ErrOutOfMemory)
	require.Contains(t, err.Error(), "no pages left")
	require.Equal(t, 0, allocator.TierBudgets()[TierFast].Usage)
}

func TestPoolTooManyBuffersIsOutOfMemory(t *testing.T) {
	allocator := readyAllocator(t, CreateOptions{MaxAllocationCount: 1})
	pool := allocator.DefaultInstance().Pool()

	_, err := pool.Reserve(TierFast, 64, 1)
	require.NoError(t, err)

	_, err = pool.Reserve(TierBulk, 64, 1)
	require.ErrorIs(t, err, ErrOutOfMemory)
}

func TestPoolDeferredRetirement(t *testing.T) {
	allocator := readyAllocator(t, CreateOptions{})
	instance := allocator.DefaultInstance()
	pool := instance.Pool()

	launch := submitFast(t, allocator, nil, 64, 10)
	first := launch.Stride(TierFast) * 10

	handle, err := launch.Handle(9)
	require.NoError(t, err)
	view, err := handle.View(TierFast)
	require.NoError(t, err)
	for i := range view {
		view[i] = byte(i)
	}

	// Growing while the launch is in flight retires the pinned buffer instead of freeing it
	second, err := pool.Reserve(TierFast, 128, 10)
	require.NoError(t, err)
	require.Equal(t, 1280, second)
	require.Equal(t, first+second, allocator.TierBudgets()[TierFast].Usage)

	var stats TotalStatistics
	allocator.CalculateStatistics(&stats)
	require.Equal(t, 1, stats.Tiers[TierFast].RetiredCount)
	require.Equal(t, first, stats.Tiers[TierFast].RetiredBytes)
	require.NoError(t, pool.Validate())

	view, err = handle.View(TierFast)
	require.NoError(t, err)
	for i := range view {
		require.Equal(t, byte(i), view[i])
	}

	require.NoError(t, launch.Complete())
	require.Equal(t, second, allocator.TierBudgets()[TierFast].Usage)

	allocator.CalculateStatistics(&stats)
	require.Equal(t, 0, stats.Tiers[TierFast].RetiredCount)
	require.NoError(t, allocator.Destroy(context.Background()))
}

func TestPoolResetWhilePinned(t *testing.T) {
	allocator := readyAllocator(t, CreateOptions{})
	pool := allocator.DefaultInstance().Pool()

	launch := submitFast(t, allocator, nil, 64, 2)
	require.Error(t, pool.Reset())
	require.Equal(t, launch.Stride(TierFast)*2, pool.Capacity(TierFast))

	require.NoError(t, launch.Complete())
	require.NoError(t, pool.Reset())
	require.Equal(t, 0, pool.Capacity(TierFast))
	require.Equal(t, 0, allocator.TierBudgets()[TierFast].Usage)

	// Generations keep counting after a reset
	_, err := pool.Reserve(TierFast, 8, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(2), pool.Generation(TierFast))
}

func TestFenceWaitsForLaunches(t *testing.T) {
	allocator := readyAllocator(t, CreateOptions{})
	instance, err := allocator.CreateInstance("fenced")
	require.NoError(t, err)

	launch := submitFast(t, allocator, instance, 16, 4)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, instance.Fence(ctx), context.DeadlineExceeded)

	done := make(chan error, 1)
	go func() {
		done <- instance.Fence(context.Background())
	}()

	require.NoError(t, launch.Complete())
	require.NoError(t, <-done)
	require.Equal(t, 0, instance.InFlight())

	require.NoError(t, allocator.Fence(context.Background()))
	require.NoError(t, allocator.DestroyInstance(context.Background(), instance))
}

package scratch

import (
	"context"
	"encoding/json"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/scratch/memutils"
)

func TestNewValidatesTierOptions(t *testing.T) {
	var options CreateOptions
	options.Tiers[TierFast].Alignment = 12
	_, err := New(nil, options)
	require.ErrorIs(t, err, memutils.PowerOfTwoError)

	options = CreateOptions{}
	options.Tiers[TierBulk].Alignment = 4
	_, err = New(nil, options)
	require.Error(t, err)

	options = CreateOptions{}
	options.Tiers[TierBulk].GrowQuantum = 3
	_, err = New(nil, options)
	require.ErrorIs(t, err, memutils.PowerOfTwoError)

	options = CreateOptions{}
	options.Tiers[TierFast].Capacity = -1
	_, err = New(nil, options)
	require.Error(t, err)

	_, err = New(nil, CreateOptions{MaxAllocationCount: -1})
	require.Error(t, err)
}

func TestNewDefaults(t *testing.T) {
	allocator, err := New(nil, CreateOptions{})
	require.NoError(t, err)

	budgets := allocator.TierBudgets()
	require.Equal(t, defaultFastCapacity, budgets[TierFast].Budget)
	require.Equal(t, defaultBulkCapacity, budgets[TierBulk].Budget)
	require.Equal(t, defaultFastAlignment, allocator.DefaultInstance().Pool().Alignment(TierFast))
	require.Equal(t, defaultBulkAlignment, allocator.DefaultInstance().Pool().Alignment(TierBulk))

	// The default bulk tier maps pages of its own
	_, err = allocator.DefaultInstance().Pool().Reserve(TierBulk, 4096, 2)
	require.NoError(t, err)
	require.NoError(t, allocator.Destroy(context.Background()))
	require.Equal(t, 0, allocator.TierBudgets()[TierBulk].Usage)
}

func TestMemoryCallbacks(t *testing.T) {
	var allocated, freed [TierCount]int
	var owner *Allocator

	allocator := readyAllocator(t, CreateOptions{
		MemoryCallbackOptions: &MemoryCallbackOptions{
			Allocate: func(allocator *Allocator, tier Tier, size int, userData any) {
				owner = allocator
				allocated[tier] += size
				require.Equal(t, "user", userData)
			},
			Free: func(allocator *Allocator, tier Tier, size int, userData any) {
				freed[tier] += size
			},
			UserData: "user",
		},
	})

	pool := allocator.DefaultInstance().Pool()
	_, err := pool.Reserve(TierFast, 64, 1)
	require.NoError(t, err)
	_, err = pool.Reserve(TierFast, 128, 1)
	require.NoError(t, err)
	_, err = pool.Reserve(TierBulk, 64, 1)
	require.NoError(t, err)

	require.Same(t, allocator, owner)
	require.Equal(t, 192, allocated[TierFast])
	require.Equal(t, 64, allocated[TierBulk])
	require.Equal(t, 64, freed[TierFast])

	require.NoError(t, allocator.Destroy(context.Background()))
	require.Equal(t, 192, freed[TierFast])
	require.Equal(t, 64, freed[TierBulk])
}

func TestCalculateStatistics(t *testing.T) {
	allocator := readyAllocator(t, CreateOptions{})

	small, err := allocator.CreateInstance("small")
	require.NoError(t, err)
	large, err := allocator.CreateInstance("large")
	require.NoError(t, err)

	_, err = small.Pool().Reserve(TierBulk, 64, 2)
	require.NoError(t, err)
	_, err = large.Pool().Reserve(TierBulk, 64, 20)
	require.NoError(t, err)
	_, err = large.Pool().Reserve(TierBulk, 64, 10)
	require.NoError(t, err)

	var stats TotalStatistics
	allocator.CalculateStatistics(&stats)

	bulk := stats.Tiers[TierBulk]
	require.Equal(t, 2, bulk.BufferCount)
	require.Equal(t, 128+1280, bulk.BufferBytes)
	require.Equal(t, 128, bulk.CapacityMin)
	require.Equal(t, 1280, bulk.CapacityMax)
	require.Equal(t, 2, bulk.GrowCount)
	require.Equal(t, 1, bulk.ReuseCount)

	require.Equal(t, 0, stats.Tiers[TierFast].BufferCount)
	require.Equal(t, 2, stats.Total.BufferCount)
	require.Equal(t, 128+1280, stats.Total.BufferBytes)
}

func TestBuildStatsString(t *testing.T) {
	allocator := readyAllocator(t, CreateOptions{})

	instance, err := allocator.CreateInstance("stats")
	require.NoError(t, err)
	_, err = instance.Pool().Reserve(TierFast, 32, 4)
	require.NoError(t, err)

	var summary map[string]any
	require.NoError(t, json.Unmarshal([]byte(allocator.BuildStatsString(false)), &summary))
	require.Equal(t, "None", summary["General"])
	require.Contains(t, summary, "Total")
	require.NotContains(t, summary, "Instances")

	tiers := summary["Tiers"].(map[string]any)
	fast := tiers["TierFast"].(map[string]any)
	budget := fast["Budget"].(map[string]any)
	require.Equal(t, float64(128), budget["UsageBytes"])

	var detailed map[string]any
	require.NoError(t, json.Unmarshal([]byte(allocator.BuildStatsString(true)), &detailed))
	instances := detailed["Instances"].(map[string]any)
	require.Len(t, instances, allocator.InstanceCount())
	defaultInstance := instances[strconv.Itoa(allocator.DefaultInstance().ID())].(map[string]any)
	require.Equal(t, "default", defaultInstance["Name"])
	statsInstance := instances[strconv.Itoa(instance.ID())].(map[string]any)
	require.Equal(t, "stats", statsInstance["Name"])
	pool := statsInstance["Pool"].(map[string]any)
	fastPool := pool["TierFast"].(map[string]any)
	require.Equal(t, float64(128), fastPool["Capacity"])
	require.Equal(t, float64(1), fastPool["Generation"])
	require.Equal(t, float64(0), fastPool["Pins"])
}

func TestBuildStatsStringSameNamedInstances(t *testing.T) {
	allocator := readyAllocator(t, CreateOptions{})

	first, err := allocator.CreateInstance("worker")
	require.NoError(t, err)
	second, err := allocator.CreateInstance("worker")
	require.NoError(t, err)
	_, err = second.Pool().Reserve(TierBulk, 64, 3)
	require.NoError(t, err)

	var detailed map[string]any
	require.NoError(t, json.Unmarshal([]byte(allocator.BuildStatsString(true)), &detailed))
	instances := detailed["Instances"].(map[string]any)
	require.Len(t, instances, 3)
	require.Equal(t, 3, allocator.InstanceCount())

	firstEntry := instances[strconv.Itoa(first.ID())].(map[string]any)
	require.Equal(t, "worker", firstEntry["Name"])
	require.NotContains(t, firstEntry, "Pool")

	secondEntry := instances[strconv.Itoa(second.ID())].(map[string]any)
	require.Equal(t, "worker", secondEntry["Name"])
	bulkPool := secondEntry["Pool"].(map[string]any)["TierBulk"].(map[string]any)
	require.Equal(t, float64(192), bulkPool["Capacity"])

	require.NoError(t, allocator.Destroy(context.Background()))
}

func TestExternallySynchronized(t *testing.T) {
	allocator := readyAllocator(t, CreateOptions{Flags: AllocatorCreateExternallySynchronized})
	require.False(t, allocator.useMutex)

	request := LaunchRequest{TeamCount: 4, TeamSize: 2}
	_, err := request.SetScratchSize(TierFast, 64, 0)
	require.NoError(t, err)

	for repeat := 0; repeat < 3; repeat++ {
		err = allocator.ParallelFor(context.Background(), request, func(ctx context.Context, team *Team) error {
			view, err := team.Scratch().View(TierFast)
			if err != nil {
				return err
			}
			team.ThreadRange(len(view), func(_, i int) { view[i] = byte(team.Index()) })
			return nil
		})
		require.NoError(t, err)
	}

	require.NoError(t, allocator.Destroy(context.Background()))
}

func TestFlagsAndTierStrings(t *testing.T) {
	require.Equal(t, "None", CreateFlags(0).String())
	require.Equal(t, "AllocatorCreateExternallySynchronized", AllocatorCreateExternallySynchronized.String())
	require.Equal(t, "AllocatorCreateExternallySynchronized|CreateFlags(0x4)", (AllocatorCreateExternallySynchronized | 4).String())

	require.Equal(t, "TierFast", TierFast.String())
	require.Equal(t, "TierBulk", TierBulk.String())
	require.Equal(t, "unknown Tier", Tier(9).String())
	require.False(t, Tier(-1).Valid())
	require.True(t, TierBulk.Valid())
}

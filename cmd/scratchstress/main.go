package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/vkngwrapper/scratch"
	"github.com/vkngwrapper/scratch/internal/stress"
	"golang.org/x/exp/slog"
)

var (
	cfg         = stress.DefaultConfig()
	tierName    string
	bulkMiB     int
	fastMiB     int
	timeout     time.Duration
	verbose     bool
	printStats  bool
	detailedMap bool
)

var rootCmd = &cobra.Command{
	Use:   "scratchstress",
	Short: "Drive concurrent instances through growing team scratch requests",
	Long: `scratchstress creates several independent instances and has each of them
launch teams that zero, increment and verify their scratch. Every instance requests
a different size, first concurrently and then in reverse order, so buffers are grown
while other instances are running and later reused by smaller requests.

Any element that does not hold exactly the iteration count is a mismatch, and the
command exits with a nonzero status.

Example:
  scratchstress
  scratchstress --iterations 100000 --team-size 64 --stats`,
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStress(cmd.Context())
	},
}

func init() {
	flags := rootCmd.Flags()
	flags.IntVarP(&cfg.Iterations, "iterations", "n", cfg.Iterations, "Increments per element per launch")
	flags.IntVarP(&cfg.Teams, "teams", "t", cfg.Teams, "Teams per launch")
	flags.IntVar(&cfg.TeamSize, "team-size", cfg.TeamSize, "Workers per team")
	flags.IntVarP(&cfg.BaseElements, "elements", "m", cfg.BaseElements, "int64 elements per team on the first instance")
	flags.IntVar(&cfg.Step, "step", cfg.Step, "Additional elements per team on each subsequent instance")
	flags.IntVarP(&cfg.Instances, "instances", "k", cfg.Instances, "Number of concurrent instances")
	flags.IntVarP(&cfg.Repeats, "repeats", "r", cfg.Repeats, "Launches per instance per phase")
	flags.StringVar(&tierName, "tier", "bulk", "Scratch tier to request: fast or bulk")
	flags.IntVar(&fastMiB, "fast-mib", 0, "Capacity of the fast tier in MiB (0 for the default)")
	flags.IntVar(&bulkMiB, "bulk-mib", 0, "Capacity of the bulk tier in MiB (0 for the default)")
	flags.DurationVar(&timeout, "timeout", 10*time.Minute, "Abort the run after this long")
	flags.BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	flags.BoolVar(&printStats, "stats", false, "Print allocator statistics as JSON")
	flags.BoolVar(&detailedMap, "detailed", false, "Include every instance's pool in the statistics")
}

func runStress(ctx context.Context) error {
	switch tierName {
	case "fast":
		cfg.Tier = scratch.TierFast
	case "bulk":
		cfg.Tier = scratch.TierBulk
	default:
		return errors.Newf("unknown tier %q: expected fast or bulk", tierName)
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	var options scratch.CreateOptions
	options.Tiers[scratch.TierFast].Capacity = fastMiB * 1024 * 1024
	options.Tiers[scratch.TierBulk].Capacity = bulkMiB * 1024 * 1024

	allocator, err := scratch.New(logger, options)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	result, err := stress.Run(ctx, logger, allocator, cfg)
	if err != nil {
		return err
	}
	elapsed := time.Since(start)

	if printStats {
		fmt.Fprintln(os.Stdout, allocator.BuildStatsString(detailedMap))
	}

	err = allocator.Destroy(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stdout, "launches:   %d\n", result.Launches)
	fmt.Fprintf(os.Stdout, "capacities: %v\n", result.Capacities)
	fmt.Fprintf(os.Stdout, "elapsed:    %s\n", elapsed.Round(time.Millisecond))
	fmt.Fprintf(os.Stdout, "mismatches: %d\n", result.Mismatches)

	if result.Mismatches != 0 {
		return errors.Newf("%d scratch elements did not hold %d", result.Mismatches, cfg.Iterations)
	}
	return nil
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"fibtrie/internal/fib"
	"fibtrie/internal/traffic"
)

var (
	statsInterval  time.Duration
	statsThreshold uint64
	statsDuration  time.Duration
	statsWorkers   int
	statsCache     bool
	statsChurn     bool
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Run a lookup workload and display FIB statistics",
	Long: `Run concurrent lookups against the loaded table and print statistics.

Workers look up the first host of random prefixes of the table. With
--churn a writer keeps replacing routes at the same time, so reclamation
counters move too. Statistics are printed every interval while the
workload runs, then once in full. Press Ctrl+C to stop early.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		m, err := loadManager(ctx)
		if err != nil {
			return err
		}
		defer m.Close()

		t, ok := m.Table(table())
		if !ok {
			return fmt.Errorf("table %d has no routes", table())
		}
		t.SetCacheEnabled(statsCache || cfg.Cache.Enabled)

		var routes []*fib.Route
		var prefixes []fib.Prefix
		for r := range m.Routes(table()) {
			routes = append(routes, r)
			prefixes = append(prefixes, r.Prefix)
		}
		targets := traffic.Targets(prefixes, len(prefixes), rand.New(rand.NewSource(time.Now().UnixNano())))
		if len(targets) == 0 {
			return fmt.Errorf("table %d has no prefix with host addresses", table())
		}
		keys := make([]uint32, len(targets))
		for i, a := range targets {
			keys[i] = fib.AddrToU32(a)
		}

		fmt.Printf("Running %d workers for %s (interval: %s, threshold: %d lookups)...\n",
			statsWorkers, statsDuration, statsInterval, statsThreshold)
		fmt.Println("Press Ctrl+C to stop.")

		ctx, cancel := context.WithTimeout(ctx, statsDuration)
		defer cancel()
		g, gctx := errgroup.WithContext(ctx)
		for w := 0; w < statsWorkers; w++ {
			g.Go(func() error {
				rng := rand.New(rand.NewSource(int64(w)))
				for gctx.Err() == nil {
					for range 1024 {
						t.Lookup(keys[rng.Intn(len(keys))])
					}
				}
				return nil
			})
		}
		if statsChurn {
			g.Go(func() error {
				for i := 0; gctx.Err() == nil; i = (i + 1) % len(routes) {
					if err := m.Insert(gctx, routes[i]); err != nil && gctx.Err() == nil {
						return err
					}
				}
				return nil
			})
		}
		g.Go(func() error {
			return m.RunReclaimer(gctx, cfg.FIB.ReclaimInterval.Duration)
		})
		g.Go(func() error {
			return m.WatchStats(gctx, os.Stdout, table(), statsInterval, statsThreshold)
		})
		if err := g.Wait(); err != nil {
			return err
		}

		fmt.Println()
		s, err := m.Stats(table())
		if err != nil {
			return err
		}
		fib.PrintStats(os.Stdout, s)
		return nil
	},
}

func init() {
	statsCmd.Flags().DurationVarP(&statsInterval, "interval", "n", 100*time.Millisecond, "Stats polling interval")
	statsCmd.Flags().Uint64Var(&statsThreshold, "threshold", 100000, "Lookup threshold for printing")
	statsCmd.Flags().DurationVarP(&statsDuration, "duration", "d", 5*time.Second, "Workload duration")
	statsCmd.Flags().IntVarP(&statsWorkers, "workers", "w", 4, "Concurrent lookup workers")
	statsCmd.Flags().BoolVar(&statsCache, "cache", false, "Enable the lookup cache")
	statsCmd.Flags().BoolVar(&statsChurn, "churn", false, "Replace routes while looking up")
	rootCmd.AddCommand(statsCmd)
}

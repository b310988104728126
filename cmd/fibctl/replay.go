package main

import (
	"cmp"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"fibtrie/internal/ecmp"
	"fibtrie/internal/fib"
	"fibtrie/internal/traffic"
)

var replayTop int

var replayCmd = &cobra.Command{
	Use:   "replay <input.pcap>",
	Short: "Forward the packets of a PCAP file through the FIB",
	Long: `Look up every IPv4 packet of a PCAP file in the loaded table and select
its next hop from the packet's flow, then print how traffic spread over
next hops.

Example:
  fibctl replay -r routes.txt traffic.pcap`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := loadManager(cmd.Context())
		if err != nil {
			return err
		}
		defer m.Close()

		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("opening %s: %w", args[0], err)
		}
		defer f.Close()

		res := cfg.Resolver()
		perHop := make(map[fib.NextHop]int)
		var unrouted int
		start := time.Now()
		st, err := traffic.ReadFlows(f, func(flow ecmp.FlowKey) error {
			nh, _, ok := res.Forward(m, table(), flow)
			if !ok {
				unrouted++
				return nil
			}
			perHop[nh]++
			return nil
		})
		if err != nil {
			return err
		}
		elapsed := time.Since(start)

		type hopCount struct {
			hop fib.NextHop
			n   int
		}
		counts := make([]hopCount, 0, len(perHop))
		for hop, n := range perHop {
			counts = append(counts, hopCount{hop, n})
		}
		slices.SortFunc(counts, func(a, b hopCount) int {
			if c := cmp.Compare(b.n, a.n); c != 0 {
				return c
			}
			return a.hop.Gateway.Compare(b.hop.Gateway)
		})

		routed := st.Packets - st.Skipped - unrouted
		fmt.Printf("Packets: %d (%d not IPv4, %d without route) in %s\n", st.Packets, st.Skipped, unrouted, elapsed)
		fmt.Printf("Next hops (%s):\n", res.Mode)
		for i, c := range counts {
			if replayTop > 0 && i == replayTop {
				fmt.Printf("  ... %d more\n", len(counts)-i)
				break
			}
			fmt.Printf("  %-32s %10d  %5.1f%%\n", c.hop, c.n, float64(c.n)/float64(routed)*100)
		}
		return nil
	},
}

func init() {
	replayCmd.Flags().IntVar(&replayTop, "top", 20, "Show at most this many next hops (0: all)")
	rootCmd.AddCommand(replayCmd)
}

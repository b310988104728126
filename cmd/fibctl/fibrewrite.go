package main

import (
	"fmt"
	"net/netip"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"fibtrie/internal/fib"
)

var rewriteNextHop string

var fibRewriteCmd = &cobra.Command{
	Use:   "fib-rewrite <input-fib> <output-fib>",
	Short: "Rewrite all next-hops in a FIB file",
	Long: `Rewrite all next-hops in a FIB file to a single configured next-hop.

This is useful for hairpin testing setups where all traffic should be
forwarded to the same next-hop (typically back out the same interface).
Multipath routes collapse to that single next-hop.

Example:
  fibctl fib-rewrite data/dag_test1.txt routes.txt --next-hop 192.168.1.1

Input:
  0.0.0.0/3    0.0.0.1
  32.0.0.0/3   via 0.0.0.2 via 0.0.0.3

Output:
  0.0.0.0/3 via 192.168.1.1
  32.0.0.0/3 via 192.168.1.1`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		inputFile, outputFile := args[0], args[1]

		nextHop, err := netip.ParseAddr(rewriteNextHop)
		if err != nil || !nextHop.Is4() {
			return fmt.Errorf("invalid next-hop IP: %s", rewriteNextHop)
		}

		in, err := os.Open(inputFile)
		if err != nil {
			return fmt.Errorf("opening input file: %w", err)
		}
		defer in.Close()

		routes, err := fib.ReadRoutes(in, table())
		if err != nil {
			return fmt.Errorf("reading %s: %w", inputFile, err)
		}
		for _, r := range routes {
			r.NextHops = []fib.NextHop{{Gateway: nextHop}}
		}

		out, err := os.Create(outputFile)
		if err != nil {
			return fmt.Errorf("creating output file: %w", err)
		}
		defer out.Close()

		count, err := fib.WriteRoutes(out, slices.Values(routes))
		if err != nil {
			return fmt.Errorf("writing %s: %w", outputFile, err)
		}

		fmt.Printf("Rewrote %d routes from %s to %s (next-hop: %s)\n",
			count, inputFile, outputFile, nextHop)
		return nil
	},
}

func init() {
	fibRewriteCmd.Flags().StringVar(&rewriteNextHop, "next-hop", "", "Next-hop IP to use for all routes (required)")
	fibRewriteCmd.MarkFlagRequired("next-hop")
	rootCmd.AddCommand(fibRewriteCmd)
}

package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var importCmd = &cobra.Command{
	Use:   "import <file>...",
	Short: "Import routes from files and report table sizes",
	Long: `Import routes from one or more files in bulk.

File format: one route per line, "prefix/len [via] next-hop" optionally
followed by "dev <ifindex>", "weight <w>", further next hops,
"metric <m>" and "table <id>". A next hop without gateway starts with
"nexthop". Lines starting with # are comments.

Example file content:
  # My routes
  10.0.0.0/8 192.168.1.1
  172.16.0.0/12 via 192.168.1.2 dev 3 weight 2 via 192.168.1.3 dev 3

Usage:
  fibctl import routes.txt`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		start := time.Now()
		m, err := loadManager(ctx, args...)
		if err != nil {
			return err
		}
		defer m.Close()
		elapsed := time.Since(start)

		total := 0
		for _, id := range m.Tables() {
			s, err := m.Stats(id)
			if err != nil {
				return err
			}
			total += s.Routes
			fmt.Printf("Table %d: %d routes, %d trie nodes\n", id, s.Routes, s.Arena.Live)
		}
		fmt.Printf("Successfully imported %d routes in %s\n", total, elapsed)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(importCmd)
}

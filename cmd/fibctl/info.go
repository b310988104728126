package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show FIB information",
	Long:  `Display information about the loaded FIB: routes, trie nodes, node store, reclamation and cache state per table.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := loadManager(cmd.Context())
		if err != nil {
			return err
		}
		defer m.Close()

		fmt.Println("FIB Information")
		fmt.Println("===============")
		fmt.Printf("Tables:          %d\n", len(m.Tables()))
		fmt.Printf("ECMP mode:       %s\n", cfg.Resolver().Mode)
		for _, id := range m.Tables() {
			s, err := m.Stats(id)
			if err != nil {
				return err
			}
			cacheStatus := "disabled"
			if s.Cache.Enabled {
				cacheStatus = "enabled"
			}
			fmt.Println()
			fmt.Printf("Table %d\n", id)
			fmt.Printf("  Routes in trie:  %d\n", s.Routes)
			fmt.Printf("  Trie nodes:      %d live, %d free (%d slabs)\n", s.Arena.Live, s.Arena.Free, s.Arena.Slabs)
			fmt.Printf("  Epoch:           %d\n", s.Epoch)
			fmt.Printf("  Retired nodes:   %d (%d pending)\n", s.Retired, s.Pending)
			fmt.Printf("  Cache status:    %s\n", cacheStatus)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(infoCmd)
}

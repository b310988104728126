package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"fibtrie/internal/fib"
	"fibtrie/internal/netutil"
)

var (
	kernelWatch bool
	kernelList  bool
)

var kernelSyncCmd = &cobra.Command{
	Use:   "kernel-sync",
	Short: "Mirror kernel routing tables into the FIB",
	Long: `Read the IPv4 routes of kernel routing tables via netlink and install
them next to the configured route files.

The tables are [kernel] tables from the configuration, or --table when
given. With --watch the command keeps applying kernel route changes until
interrupted.

Example:
  fibctl kernel-sync --list
  fibctl kernel-sync -t 100 --watch --log-level debug`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		tables := cfg.KernelTables()
		if cmd.Flags().Changed("table") {
			tables = []fib.TableID{table()}
		}

		m, err := loadManager(ctx)
		if err != nil {
			return err
		}
		defer m.Close()

		for _, id := range tables {
			n, err := netutil.SyncKernelTable(ctx, m, id)
			if err != nil {
				return err
			}
			fmt.Printf("Table %d: synced %d kernel routes (%d total)\n", id, n, m.Len(id))
		}

		if kernelWatch {
			fmt.Println("Watching kernel route changes. Press Ctrl+C to stop.")
			go m.RunReclaimer(ctx, cfg.FIB.ReclaimInterval.Duration)
			if err := netutil.WatchKernelRoutes(ctx, m, tables); err != nil {
				return err
			}
		}

		if kernelList {
			for _, id := range tables {
				if _, err := fib.WriteRoutes(os.Stdout, m.Routes(id)); err != nil {
					return err
				}
			}
		}
		return nil
	},
}

func init() {
	kernelSyncCmd.Flags().BoolVarP(&kernelWatch, "watch", "w", false, "Keep following kernel route changes")
	kernelSyncCmd.Flags().BoolVarP(&kernelList, "list", "l", false, "Print the resulting routes")
	rootCmd.AddCommand(kernelSyncCmd)
}

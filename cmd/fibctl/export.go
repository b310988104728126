package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"fibtrie/internal/bpfmap"
	"fibtrie/internal/fib"
	"fibtrie/internal/log"
	"fibtrie/internal/netutil"
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write the FIB into the pinned BPF LPM map",
	Long: `Load the configured routes and write one table into a pinned BPF LPM
trie map for XDP forwarding. Each prefix maps to the output interface and
MAC addresses of its heaviest next hop, resolved via netlink. Map entries
without a route are deleted.

The map is pinned as ` + bpfmap.MapName + ` under [bpf] pin_path and is
created when missing. Requires root (or CAP_BPF + CAP_NET_ADMIN).

Example:
  sudo fibctl export -r routes.txt`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		id := exportTable(cmd.Flags().Changed("table"))

		m, err := loadManager(ctx)
		if err != nil {
			return err
		}
		defer m.Close()

		exp, _, err := openExporter()
		if err != nil {
			return err
		}
		defer exp.Close()

		res, err := exp.Sync(ctx, m.Routes(id))
		if err != nil {
			return err
		}
		fmt.Printf("Exported table %d to %s/%s: %s\n", id, cfg.BPF.PinPath, bpfmap.MapName, res)
		return nil
	},
}

// exportTable is --table when given, [bpf] table otherwise.
func exportTable(flagSet bool) fib.TableID {
	if flagSet {
		return table()
	}
	return fib.TableID(cfg.BPF.Table)
}

func openExporter() (*bpfmap.Exporter, *netutil.CachingResolver, error) {
	store, err := bpfmap.Open(cfg.BPF.PinPath, cfg.BPF.MaxEntries)
	if err != nil {
		return nil, nil, err
	}
	res := netutil.NewCachingResolver()
	return bpfmap.NewExporter(store, res.Resolve), res, nil
}

// runExporter syncs table into exp now, after route changes settle and at
// every interval, until ctx is done. Neighbor entries are re-resolved on
// every interval tick.
func runExporter(ctx context.Context, m *fib.Manager, exp *bpfmap.Exporter, res *netutil.CachingResolver, table fib.TableID, interval time.Duration) error {
	ctx = log.WithModule(ctx, "export")
	changes, cancel := m.Watch(table)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	const settle = 50 * time.Millisecond
	debounce := time.NewTimer(settle)
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-changes:
			debounce.Reset(settle)
			continue
		case <-debounce.C:
		case <-ticker.C:
			res.Forget()
		}
		r, err := exp.Sync(ctx, m.Routes(table))
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if r.Updated+r.Deleted > 0 {
			log.G(ctx).WithField("table", table).Infof("map synced: %s", r)
		}
	}
}

func init() {
	rootCmd.AddCommand(exportCmd)
}

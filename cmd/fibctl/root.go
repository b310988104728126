package main

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"fibtrie/internal/config"
	"fibtrie/internal/fib"
	"fibtrie/internal/log"
	"fibtrie/internal/netutil"
)

var (
	configPath    string
	logLevel      string
	tableID       uint32
	routeFiles    []string
	resolveIfaces bool

	// cfg is loaded before any command runs.
	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "fibctl",
	Short: "Concurrent FIB with lock-free longest-prefix-match lookups",
	Long: `fibctl drives an in-process forwarding information base.

Every routing table is a path-compressed binary trie. Lookups run without
locks against an immutable snapshot, updates are copy-on-write and replaced
nodes are reclaimed once no reader can still see them. Routes come from
route files (-r, config route_files) or from the kernel via netlink, and
can be exported to a pinned BPF LPM map for XDP forwarding.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c := config.Default()
		if configPath != "" {
			var err error
			if c, err = config.Load(configPath); err != nil {
				return err
			}
		}
		if cmd.Flags().Changed("log-level") {
			c.LogLevel = logLevel
		}
		if err := log.SetLevel(c.LogLevel); err != nil {
			return fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
		}
		cfg = c
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "TOML configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().Uint32VarP(&tableID, "table", "t", uint32(fib.MainTable), "Routing table ID")
	rootCmd.PersistentFlags().StringArrayVarP(&routeFiles, "routes", "r", nil, "Route file to load (repeatable)")
	rootCmd.PersistentFlags().BoolVar(&resolveIfaces, "resolve", false, "Resolve output interfaces of gateways via netlink")
}

func table() fib.TableID {
	return fib.TableID(tableID)
}

func importOptions() fib.ImportOptions {
	opts := fib.ImportOptions{Table: table()}
	if resolveIfaces {
		opts.ResolveInterface = netutil.ResolveInterface
	}
	return opts
}

// loadManager builds a FIB from the configured route files followed by the
// --routes files and extra.
func loadManager(ctx context.Context, extra ...string) (*fib.Manager, error) {
	m := fib.NewManager(ctx, cfg.FIBOptions())
	if err := importRouteFiles(ctx, m, extra...); err != nil {
		m.Close()
		return nil, err
	}
	return m, nil
}

func importRouteFiles(ctx context.Context, m *fib.Manager, extra ...string) error {
	files := slices.Concat(cfg.RouteFiles, routeFiles, extra)
	opts := importOptions()
	for _, f := range files {
		start := time.Now()
		n, err := m.ImportFile(ctx, f, opts)
		if err != nil {
			return fmt.Errorf("importing %s: %w (imported %d routes before error)", f, err, n)
		}
		log.G(ctx).WithFields(logrus.Fields{
			"file":    f,
			"routes":  n,
			"elapsed": time.Since(start),
		}).Debug("routes imported")
	}
	return nil
}

// allRoutes yields the routes of every table, by table then address.
func allRoutes(m *fib.Manager) iter.Seq[*fib.Route] {
	return func(yield func(*fib.Route) bool) {
		for _, id := range m.Tables() {
			for r := range m.Routes(id) {
				if !yield(r) {
					return
				}
			}
		}
	}
}

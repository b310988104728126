package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"fibtrie/internal/fib"
	"fibtrie/internal/log"
	"fibtrie/internal/netutil"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the FIB as a long-lived daemon",
	Long: `Load the configured routes and keep the FIB running until interrupted.

Depending on the configuration the daemon also mirrors kernel routing
tables ([kernel] sync, watch), keeps the pinned BPF map in line with the
exported table ([bpf] export) and serves Prometheus metrics ([metrics]
address).

SIGHUP drops every table and reloads the route files and kernel tables.

Example:
  sudo fibctl serve -c fibctl.toml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

func serve(ctx context.Context) error {
	m, err := loadManager(ctx)
	if err != nil {
		return err
	}
	defer m.Close()

	tables := cfg.KernelTables()
	if err := syncKernel(ctx, m, tables); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return m.RunReclaimer(ctx, cfg.FIB.ReclaimInterval.Duration)
	})
	g.Go(func() error {
		return reloadOnHangup(ctx, m, tables)
	})
	if cfg.Kernel.Watch {
		g.Go(func() error {
			return netutil.WatchKernelRoutes(ctx, m, tables)
		})
	}
	if cfg.BPF.Export {
		exp, res, err := openExporter()
		if err != nil {
			return err
		}
		defer exp.Close()
		g.Go(func() error {
			return runExporter(ctx, m, exp, res, fib.TableID(cfg.BPF.Table), cfg.BPF.Interval.Duration)
		})
	}
	if cfg.Metrics.Address != "" {
		g.Go(func() error {
			return serveMetrics(ctx, m, cfg.Metrics.Address)
		})
	}

	log.G(ctx).WithFields(logrus.Fields{
		"tables": m.Tables(),
		"routes": totalRoutes(m),
	}).Info("fib serving")
	return g.Wait()
}

func syncKernel(ctx context.Context, m *fib.Manager, tables []fib.TableID) error {
	if !cfg.Kernel.Sync {
		return nil
	}
	for _, id := range tables {
		if _, err := netutil.SyncKernelTable(ctx, m, id); err != nil {
			return err
		}
	}
	return nil
}

// reloadOnHangup rebuilds the FIB from its sources on every SIGHUP. Lookups
// miss while the tables refill.
func reloadOnHangup(ctx context.Context, m *fib.Manager, tables []fib.TableID) error {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hup:
		}
		logger := log.G(ctx)
		logger.Info("reloading routes")
		if err := m.Reset(ctx); err != nil {
			return err
		}
		err := importRouteFiles(ctx, m)
		if err == nil {
			err = syncKernel(ctx, m, tables)
		}
		if err != nil {
			logger.WithError(err).Error("reload failed")
			continue
		}
		logger.WithField("routes", totalRoutes(m)).Info("routes reloaded")
	}
}

func totalRoutes(m *fib.Manager) int {
	var n int
	for _, id := range m.Tables() {
		n += m.Len(id)
	}
	return n
}

// serveMetrics exposes m and the process collectors on /metrics until ctx
// is done.
func serveMetrics(ctx context.Context, m *fib.Manager, addr string) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		m,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.G(ctx).WithField("address", addr).Info("serving metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

package fib

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Stats is a point-in-time summary of one table.
type Stats struct {
	Table     TableID
	Routes    int
	Lookups   uint64
	Matched   uint64
	Inserts   uint64
	Replaces  uint64
	Deletes   uint64
	NotFound  uint64
	Exhausted uint64

	Epoch         uint64
	ActiveReaders int
	Retired       uint64
	Freed         uint64
	Pending       int

	Arena     ArenaStats
	Cache     CacheStats
	Timestamp time.Time
}

// Stats collects the counters of one table.
func (t *Table) Stats() Stats {
	lookups, matched := t.rec.lookupCounts()
	return Stats{
		Table:         t.id,
		Routes:        t.Len(),
		Lookups:       lookups + t.cache.hits.Load(),
		Matched:       matched,
		Inserts:       t.inserts.Load(),
		Replaces:      t.replaces.Load(),
		Deletes:       t.deletes.Load(),
		NotFound:      t.notFound.Load(),
		Exhausted:     t.exhausted.Load(),
		Epoch:         t.rec.Epoch(),
		ActiveReaders: t.rec.ActiveReaders(),
		Retired:       t.rec.retired.Load(),
		Freed:         t.rec.freed.Load(),
		Pending:       t.rec.Pending(),
		Arena:         t.arena.stats(),
		Cache:         t.cache.stats(),
		Timestamp:     time.Now(),
	}
}

// Stats returns the statistics of table.
func (m *Manager) Stats(table TableID) (Stats, error) {
	t, ok := m.Table(table)
	if !ok {
		return Stats{}, fmt.Errorf("%w: %d", ErrTableNotFound, table)
	}
	return t.Stats(), nil
}

// PrintStats writes s in the fibctl text layout.
func PrintStats(w io.Writer, s Stats) {
	fmt.Fprintf(w, "Table:           %d\n", s.Table)
	fmt.Fprintf(w, "Routes:          %d\n", s.Routes)
	fmt.Fprintf(w, "Lookups:         %d (%.2f%% matched)\n", s.Lookups, percent(s.Matched, s.Lookups-s.Cache.Hits))
	fmt.Fprintf(w, "Inserts:         %d (+%d replaced)\n", s.Inserts, s.Replaces)
	fmt.Fprintf(w, "Deletes:         %d (%d not found)\n", s.Deletes, s.NotFound)
	fmt.Fprintf(w, "Exhausted:       %d\n", s.Exhausted)
	fmt.Fprintf(w, "Epoch:           %d (%d active readers)\n", s.Epoch, s.ActiveReaders)
	fmt.Fprintf(w, "Nodes retired:   %d (%d freed, %d pending)\n", s.Retired, s.Freed, s.Pending)
	fmt.Fprintf(w, "Arena:           %d live, %d free, %d slabs\n", s.Arena.Live, s.Arena.Free, s.Arena.Slabs)

	cacheStatus := "disabled"
	if s.Cache.Enabled {
		cacheStatus = "enabled"
	}
	fmt.Fprintf(w, "Cache:           %s, ~%d entries, %.2f%% hit rate\n",
		cacheStatus, s.Cache.Entries, percent(s.Cache.Hits, s.Cache.Hits+s.Cache.Misses))
}

func percent(n, total uint64) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) / float64(total) * 100
}

// WatchStats prints a line for table every interval in which at least
// threshold lookups happened, until ctx is done.
func (m *Manager) WatchStats(ctx context.Context, w io.Writer, table TableID, interval time.Duration, threshold uint64) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last uint64
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s, err := m.Stats(table)
			if err != nil {
				return err
			}
			if s.Lookups < last+threshold {
				continue
			}
			fmt.Fprintf(w, "[%s] Lookups: %d, Matched: %d, Cache: %.1f%% hit, Routes: %d, Pending: %d, Epoch: %d\n",
				s.Timestamp.Format("15:04:05"), s.Lookups, s.Matched,
				percent(s.Cache.Hits, s.Cache.Hits+s.Cache.Misses),
				s.Routes, s.Pending, s.Epoch)
			last = s.Lookups
		}
	}
}

var (
	tableLabel = []string{"table"}

	descRoutes    = prometheus.NewDesc("fib_routes", "Routes installed in the table.", tableLabel, nil)
	descLookups   = prometheus.NewDesc("fib_lookups_total", "Longest-prefix-match lookups.", tableLabel, nil)
	descMatched   = prometheus.NewDesc("fib_lookups_matched_total", "Trie lookups that found a route.", tableLabel, nil)
	descMutations = prometheus.NewDesc("fib_mutations_total", "Committed mutations by operation.", []string{"table", "op"}, nil)
	descFailures  = prometheus.NewDesc("fib_mutation_failures_total", "Rejected mutations by reason.", []string{"table", "reason"}, nil)
	descRetired   = prometheus.NewDesc("fib_nodes_retired_total", "Trie nodes handed to the reclaimer.", tableLabel, nil)
	descFreed     = prometheus.NewDesc("fib_nodes_freed_total", "Trie nodes released after their grace period.", tableLabel, nil)
	descPending   = prometheus.NewDesc("fib_nodes_pending", "Retired nodes waiting for a grace period.", tableLabel, nil)
	descLive      = prometheus.NewDesc("fib_nodes_live", "Nodes allocated from the node store.", tableLabel, nil)
	descEpoch     = prometheus.NewDesc("fib_epoch", "Current reclamation epoch.", tableLabel, nil)
	descReaders   = prometheus.NewDesc("fib_active_readers", "Read sections in progress.", tableLabel, nil)
	descCacheHits = prometheus.NewDesc("fib_cache_hits_total", "Lookups served by the cache.", tableLabel, nil)
	descCacheMiss = prometheus.NewDesc("fib_cache_misses_total", "Lookups that missed the cache.", tableLabel, nil)
)

// Describe implements prometheus.Collector.
func (m *Manager) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		descRoutes, descLookups, descMatched, descMutations, descFailures,
		descRetired, descFreed, descPending, descLive, descEpoch, descReaders,
		descCacheHits, descCacheMiss,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (m *Manager) Collect(ch chan<- prometheus.Metric) {
	for _, id := range m.Tables() {
		t, ok := m.Table(id)
		if !ok {
			continue
		}
		s := t.Stats()
		table := strconv.FormatUint(uint64(id), 10)

		gauge := func(d *prometheus.Desc, v float64, labels ...string) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, append([]string{table}, labels...)...)
		}
		counter := func(d *prometheus.Desc, v uint64, labels ...string) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), append([]string{table}, labels...)...)
		}

		gauge(descRoutes, float64(s.Routes))
		counter(descLookups, s.Lookups)
		counter(descMatched, s.Matched)
		counter(descMutations, s.Inserts, "insert")
		counter(descMutations, s.Replaces, "replace")
		counter(descMutations, s.Deletes, "delete")
		counter(descFailures, s.NotFound, "not_found")
		counter(descFailures, s.Exhausted, "resource_exhausted")
		counter(descRetired, s.Retired)
		counter(descFreed, s.Freed)
		gauge(descPending, float64(s.Pending))
		gauge(descLive, float64(s.Arena.Live))
		gauge(descEpoch, float64(s.Epoch))
		gauge(descReaders, float64(s.ActiveReaders))
		counter(descCacheHits, s.Cache.Hits)
		counter(descCacheMiss, s.Cache.Misses)
	}
}

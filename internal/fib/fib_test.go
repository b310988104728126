package fib

import (
	"context"
	"errors"
	"net/netip"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var addrComparer = cmp.Comparer(func(a, b netip.Addr) bool { return a == b })

func newTestManager(t *testing.T, opts Options) *Manager {
	t.Helper()
	m := NewManager(context.Background(), opts)
	t.Cleanup(func() { m.Close() })
	return m
}

func mustInsert(t *testing.T, m *Manager, table TableID, prefix, gw string) {
	t.Helper()
	require.NoError(t, m.InsertRoute(context.Background(), table, MustPrefix(prefix), via(gw), 0))
}

func gateway(t *testing.T, m *Manager, table TableID, a string) string {
	t.Helper()
	r, ok := m.Lookup(table, addr(a))
	if !ok {
		return ""
	}
	return r.NextHops[0].Gateway.String()
}

func TestManagerScenario(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, Options{})

	mustInsert(t, m, MainTable, "0.0.0.0/0", "192.0.2.100")
	mustInsert(t, m, MainTable, "10.0.0.0/8", "192.0.2.1")
	mustInsert(t, m, MainTable, "10.1.0.0/16", "192.0.2.2")

	assert.Equal(t, "192.0.2.2", gateway(t, m, MainTable, "10.1.2.3"))
	assert.Equal(t, "192.0.2.1", gateway(t, m, MainTable, "10.2.2.3"))
	assert.Equal(t, "192.0.2.100", gateway(t, m, MainTable, "192.168.1.1"))

	require.NoError(t, m.DeleteRoute(ctx, MainTable, MustPrefix("10.1.0.0/16")))
	assert.Equal(t, "192.0.2.1", gateway(t, m, MainTable, "10.1.2.3"))
	assert.Equal(t, 2, m.Len(MainTable))
}

func TestManagerInsertValidation(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, Options{})

	err := m.InsertRoute(ctx, MainTable, Prefix{Len: 33}, via("192.0.2.1"), 0)
	assert.ErrorIs(t, err, ErrInvalidPrefix)
	assert.Empty(t, m.Tables(), "rejected inserts create no table")

	// Host bits are ignored.
	require.NoError(t, m.InsertRoute(ctx, MainTable, Prefix{Addr: addr("10.1.2.3"), Len: 8}, via("192.0.2.1"), 7))
	r, ok := m.Get(MainTable, MustPrefix("10.0.0.0/8"))
	require.True(t, ok)
	assert.Equal(t, uint32(7), r.Metric)
}

func TestManagerCopiesRoutes(t *testing.T) {
	m := newTestManager(t, Options{})
	hops := via("192.0.2.1")
	r := &Route{Table: MainTable, Prefix: MustPrefix("10.0.0.0/8"), NextHops: hops}
	require.NoError(t, m.Insert(context.Background(), r))

	hops[0].Gateway = netip.MustParseAddr("192.0.2.66")
	r.Metric = 99
	assert.Equal(t, "192.0.2.1", gateway(t, m, MainTable, "10.0.0.1"))
	got, _ := m.Get(MainTable, r.Prefix)
	assert.Equal(t, uint32(0), got.Metric)
}

func TestManagerReplace(t *testing.T) {
	m := newTestManager(t, Options{})
	mustInsert(t, m, MainTable, "10.0.0.0/24", "192.0.2.1")
	mustInsert(t, m, MainTable, "10.0.0.0/24", "192.0.2.2")

	routes := slices.Collect(m.Routes(MainTable))
	require.Len(t, routes, 1)
	assert.Equal(t, "192.0.2.2", routes[0].NextHops[0].Gateway.String())
}

func TestManagerDeleteErrors(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, Options{})

	err := m.DeleteRoute(ctx, 7, MustPrefix("10.0.0.0/8"))
	assert.ErrorIs(t, err, ErrNotFound)

	mustInsert(t, m, MainTable, "10.0.0.0/8", "192.0.2.1")
	err = m.DeleteRoute(ctx, MainTable, MustPrefix("10.0.0.0/16"))
	assert.ErrorIs(t, err, ErrNotFound)
	err = m.DeleteRoute(ctx, MainTable, Prefix{Len: 40})
	assert.ErrorIs(t, err, ErrInvalidPrefix)

	s, err := m.Stats(MainTable)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), s.NotFound)
}

func TestManagerTablesIndependent(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, Options{})

	mustInsert(t, m, MainTable, "10.0.0.0/8", "192.0.2.1")
	mustInsert(t, m, 100, "10.0.0.0/8", "198.51.100.1")
	mustInsert(t, m, 100, "0.0.0.0/0", "198.51.100.254")

	assert.Equal(t, []TableID{100, MainTable}, m.Tables())
	assert.Equal(t, "192.0.2.1", gateway(t, m, MainTable, "10.0.0.1"))
	assert.Equal(t, "198.51.100.1", gateway(t, m, 100, "10.0.0.1"))
	assert.Equal(t, "", gateway(t, m, MainTable, "11.0.0.1"))
	assert.Equal(t, "198.51.100.254", gateway(t, m, 100, "11.0.0.1"))
	assert.Equal(t, "", gateway(t, m, 42, "10.0.0.1"))

	require.NoError(t, m.DeleteRoute(ctx, 100, MustPrefix("10.0.0.0/8")))
	assert.Equal(t, "192.0.2.1", gateway(t, m, MainTable, "10.0.0.1"))
}

func TestManagerLookupAddr(t *testing.T) {
	m := newTestManager(t, Options{})
	mustInsert(t, m, MainTable, "0.0.0.0/0", "192.0.2.1")

	_, ok := m.LookupAddr(MainTable, netip.MustParseAddr("203.0.113.9"))
	assert.True(t, ok)
	_, ok = m.LookupAddr(MainTable, netip.MustParseAddr("2001:db8::1"))
	assert.False(t, ok)
}

func TestManagerRoutes(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, Options{})

	for _, p := range []string{"192.168.0.0/16", "10.1.0.0/16", "0.0.0.0/0", "10.0.0.0/8", "10.1.2.3/32"} {
		mustInsert(t, m, MainTable, p, "192.0.2.1")
	}
	seq := m.Routes(MainTable)

	var got []Prefix
	for r := range seq {
		got = append(got, r.Prefix)
	}
	want := []Prefix{
		MustPrefix("0.0.0.0/0"),
		MustPrefix("10.0.0.0/8"),
		MustPrefix("10.1.0.0/16"),
		MustPrefix("10.1.2.3/32"),
		MustPrefix("192.168.0.0/16"),
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("routes mismatch (-want +got):\n%s", diff)
	}

	// Ranging again observes later changes.
	require.NoError(t, m.DeleteRoute(ctx, MainTable, MustPrefix("10.1.0.0/16")))
	assert.Len(t, slices.Collect(seq), 4)

	// Stopping early releases the snapshot.
	for range seq {
		break
	}
	tbl, _ := m.Table(MainTable)
	assert.Equal(t, 0, tbl.Reclaimer().ActiveReaders())

	assert.Empty(t, slices.Collect(m.Routes(9)))
}

func TestManagerRoutesDeepEqual(t *testing.T) {
	m := newTestManager(t, Options{})
	in := []*Route{
		{Table: MainTable, Prefix: MustPrefix("10.0.0.0/8"), NextHops: []NextHop{
			{Gateway: netip.MustParseAddr("192.0.2.1"), Interface: 2, Weight: 1},
			{Gateway: netip.MustParseAddr("192.0.2.2"), Interface: 3, Weight: 2},
		}, Metric: 10},
		{Table: MainTable, Prefix: MustPrefix("172.16.0.0/12"), NextHops: []NextHop{{Interface: 4}}},
	}
	for _, r := range in {
		require.NoError(t, m.Insert(context.Background(), r))
	}
	if diff := cmp.Diff(in, slices.Collect(m.Routes(MainTable)), addrComparer); diff != "" {
		t.Errorf("routes mismatch (-want +got):\n%s", diff)
	}
}

func TestManagerSnapshot(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, Options{})

	_, err := m.Snapshot(MainTable)
	assert.ErrorIs(t, err, ErrTableNotFound)

	mustInsert(t, m, MainTable, "10.0.0.0/8", "192.0.2.1")
	s, err := m.Snapshot(MainTable)
	require.NoError(t, err)
	defer s.Release()

	require.NoError(t, m.DeleteRoute(ctx, MainTable, MustPrefix("10.0.0.0/8")))
	_, ok := m.Lookup(MainTable, addr("10.0.0.1"))
	assert.False(t, ok)

	r, ok := s.Lookup(addr("10.0.0.1"))
	require.True(t, ok)
	assert.Equal(t, MustPrefix("10.0.0.0/8"), r.Prefix)
	assert.Equal(t, 1, s.Len())
}

func TestManagerCanceled(t *testing.T) {
	m := newTestManager(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := m.InsertRoute(ctx, MainTable, MustPrefix("10.0.0.0/8"), via("192.0.2.1"), 0)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, m.Len(MainTable))
}

func TestManagerWriterTimeout(t *testing.T) {
	m := newTestManager(t, Options{})
	mustInsert(t, m, MainTable, "10.0.0.0/8", "192.0.2.1")
	tbl, _ := m.Table(MainTable)

	require.NoError(t, tbl.lock(context.Background()))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := m.InsertRoute(ctx, MainTable, MustPrefix("10.1.0.0/16"), via("192.0.2.2"), 0)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// Readers are not held up by the writer.
	assert.Equal(t, "192.0.2.1", gateway(t, m, MainTable, "10.1.0.1"))

	// Other tables are not held up either.
	mustInsert(t, m, 100, "10.1.0.0/16", "192.0.2.2")
	tbl.unlock()

	mustInsert(t, m, MainTable, "10.1.0.0/16", "192.0.2.2")
	assert.Equal(t, "192.0.2.2", gateway(t, m, MainTable, "10.1.0.1"))
}

func TestManagerResourceExhausted(t *testing.T) {
	m := newTestManager(t, Options{MaxNodes: 2})
	mustInsert(t, m, MainTable, "10.0.0.0/8", "192.0.2.1")

	err := m.InsertRoute(context.Background(), MainTable, MustPrefix("11.0.0.0/8"), via("192.0.2.2"), 0)
	require.ErrorIs(t, err, ErrResourceExhausted)
	assert.Equal(t, "192.0.2.1", gateway(t, m, MainTable, "10.0.0.1"))

	// A replace needs one node, and the old one is reclaimed after publish.
	mustInsert(t, m, MainTable, "10.0.0.0/8", "192.0.2.3")
	assert.Equal(t, "192.0.2.3", gateway(t, m, MainTable, "10.0.0.1"))

	s, err := m.Stats(MainTable)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), s.Exhausted)
}

func TestManagerConcurrent(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, Options{ReaderSlots: 16})
	mustInsert(t, m, MainTable, "10.0.0.0/8", "192.0.2.1")

	var (
		wg      sync.WaitGroup
		stop    = make(chan struct{})
		readErr = make(chan error, 16)
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				gw := ""
				if r, ok := m.Lookup(MainTable, addr("10.1.2.3")); ok {
					gw = r.NextHops[0].Gateway.String()
				}
				if gw != "192.0.2.1" && gw != "192.0.2.2" && gw != "192.0.2.3" {
					readErr <- errors.New("unexpected gateway " + gw)
					return
				}
				for range m.Routes(MainTable) {
				}
			}
		}()
	}

	var writers sync.WaitGroup
	for w, table := range []TableID{MainTable, MainTable, 100} {
		writers.Add(1)
		go func() {
			defer writers.Done()
			gw := []string{"192.0.2.2", "192.0.2.3", "192.0.2.4"}[w]
			for i := 0; i < 500; i++ {
				p := MustPrefix("10.1.0.0/16")
				if err := m.InsertRoute(ctx, table, p, via(gw), 0); err != nil {
					t.Error(err)
					return
				}
				err := m.DeleteRoute(ctx, table, p)
				if err != nil && !errors.Is(err, ErrNotFound) {
					t.Error(err)
					return
				}
			}
		}()
	}
	writers.Wait()
	close(stop)
	wg.Wait()
	close(readErr)
	for err := range readErr {
		t.Error(err)
	}

	m.Reclaim()
	s, err := m.Stats(MainTable)
	require.NoError(t, err)
	assert.Equal(t, 0, s.Pending)
	assert.Equal(t, s.Freed, s.Retired)
	assert.Equal(t, 1, s.Routes)
	assert.Equal(t, 1, s.Arena.Live)
}

func TestManagerDropAndReset(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, Options{})
	mustInsert(t, m, MainTable, "10.0.0.0/8", "192.0.2.1")
	mustInsert(t, m, MainTable, "10.1.0.0/16", "192.0.2.1")
	mustInsert(t, m, 100, "10.0.0.0/8", "192.0.2.1")

	require.NoError(t, m.Reset(ctx))
	assert.Equal(t, []TableID{100, MainTable}, m.Tables())
	assert.Equal(t, 0, m.Len(MainTable))
	_, ok := m.Lookup(MainTable, addr("10.0.0.1"))
	assert.False(t, ok)

	tbl, _ := m.Table(MainTable)
	s := tbl.Stats()
	assert.Equal(t, 0, s.Arena.Live)

	require.NoError(t, m.DropTable(ctx, 100))
	assert.Equal(t, []TableID{MainTable}, m.Tables())
	assert.ErrorIs(t, m.DropTable(ctx, 100), ErrTableNotFound)

	mustInsert(t, m, MainTable, "10.0.0.0/8", "192.0.2.1")
	assert.Equal(t, 1, m.Len(MainTable))
}

func TestManagerDropTableQueuedWriters(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, Options{})
	mustInsert(t, m, 7, "192.168.0.0/16", "192.0.2.1")
	tbl, _ := m.Table(7)

	// Hold the writer slot so the drop and the writers queue up behind it,
	// in that order.
	require.NoError(t, tbl.lock(ctx))
	dropped := make(chan error, 1)
	go func() { dropped <- m.DropTable(ctx, 7) }()
	time.Sleep(20 * time.Millisecond)

	inserted := make(chan error, 1)
	go func() {
		inserted <- m.InsertRoute(ctx, 7, MustPrefix("10.0.0.0/8"), via("192.0.2.2"), 0)
	}()
	deleted := make(chan error, 1)
	go func() {
		deleted <- m.DeleteRoute(ctx, 7, MustPrefix("192.168.0.0/16"))
	}()
	time.Sleep(20 * time.Millisecond)
	tbl.unlock()

	require.NoError(t, <-dropped)
	require.NoError(t, <-inserted)
	// The delete either found the fresh table without the prefix or no
	// table at all.
	assert.ErrorIs(t, <-deleted, ErrNotFound)

	fresh, ok := m.Table(7)
	require.True(t, ok)
	assert.NotSame(t, tbl, fresh)
	assert.Equal(t, "192.0.2.2", gateway(t, m, 7, "10.1.2.3"))
	assert.Equal(t, "", gateway(t, m, 7, "192.168.1.1"))
	assert.Equal(t, 0, tbl.Len())
}

func TestTableDroppedRejectsWriters(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, Options{})
	mustInsert(t, m, 7, "192.168.0.0/16", "192.0.2.1")
	tbl, _ := m.Table(7)
	require.NoError(t, m.DropTable(ctx, 7))

	r := route("10.0.0.0/8", "192.0.2.2")
	assert.ErrorIs(t, tbl.insert(ctx, r), errTableDropped)
	assert.ErrorIs(t, tbl.delete(ctx, MustPrefix("192.168.0.0/16")), errTableDropped)
	require.NoError(t, tbl.clear(ctx))
	assert.Equal(t, 0, tbl.Len())
	assert.Empty(t, m.Tables())
}

func TestManagerResetKeepsErrorChain(t *testing.T) {
	m := newTestManager(t, Options{})
	mustInsert(t, m, MainTable, "10.0.0.0/8", "192.0.2.1")
	mustInsert(t, m, 100, "10.0.0.0/8", "192.0.2.1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := m.Reset(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Contains(t, err.Error(), "clearing table 100")
	assert.Equal(t, 1, m.Len(MainTable))
}

func TestRunReclaimer(t *testing.T) {
	m := newTestManager(t, Options{})
	mustInsert(t, m, MainTable, "10.0.0.0/8", "192.0.2.1")

	s, err := m.Snapshot(MainTable)
	require.NoError(t, err)
	mustInsert(t, m, MainTable, "10.0.0.0/8", "192.0.2.2")
	tbl, _ := m.Table(MainTable)
	require.Equal(t, 1, tbl.Reclaimer().Pending())
	s.Release()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- m.RunReclaimer(ctx, time.Millisecond) }()

	require.Eventually(t, func() bool {
		return tbl.Reclaimer().Pending() == 0
	}, 5*time.Second, time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}

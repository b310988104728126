package fib

import (
	"slices"

	"github.com/docker/go-events"
)

// EventKind classifies a committed table change.
type EventKind int

const (
	RouteAdded EventKind = iota
	RouteReplaced
	RouteDeleted
	TableCleared
)

func (k EventKind) String() string {
	switch k {
	case RouteAdded:
		return "add"
	case RouteReplaced:
		return "replace"
	case RouteDeleted:
		return "delete"
	case TableCleared:
		return "clear"
	default:
		return "unknown"
	}
}

// RouteEvent is published after a mutation has been made visible to readers.
// Route is the new route for adds and replaces, Old the route that was
// replaced or deleted. TableCleared events carry neither.
type RouteEvent struct {
	Kind  EventKind
	Table TableID
	Route *Route
	Old   *Route
}

func (m *Manager) publish(ev RouteEvent) {
	if err := m.broadcast.Write(ev); err != nil {
		m.logger.WithError(err).Debug("dropping route event")
	}
}

// Watch returns a channel receiving RouteEvents for the given tables, or for
// every table when none is given, and a function that stops the watch.
// Delivery is queued, so a slow watcher never holds up writers. The channel
// is not closed by the cancel function; stop reading once it is called.
func (m *Manager) Watch(tables ...TableID) (<-chan events.Event, func()) {
	ch := events.NewChannel(0)
	queue := events.NewQueue(ch)

	var sink events.Sink = queue
	if len(tables) > 0 {
		tables = slices.Clone(tables)
		sink = events.NewFilter(queue, events.MatcherFunc(func(ev events.Event) bool {
			re, ok := ev.(RouteEvent)
			return ok && slices.Contains(tables, re.Table)
		}))
	}

	if err := m.broadcast.Add(sink); err != nil {
		m.logger.WithError(err).Warn("adding route watcher")
	}
	cancel := func() {
		_ = m.broadcast.Remove(sink)
		// Close the channel first so a queued write to it can't block the queue.
		_ = ch.Close()
		_ = sink.Close()
	}
	return ch.C, cancel
}

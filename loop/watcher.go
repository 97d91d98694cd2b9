package loop

import (
	"time"

	"github.com/google/uuid"
)

// WatcherKind identifies the class of event a watcher reacts to.
type WatcherKind int

const (
	// KindDefer fires exactly once, on the tick after it becomes armed.
	KindDefer WatcherKind = iota
	// KindDelay fires exactly once, after its delay elapses.
	KindDelay
	// KindRepeat fires repeatedly, coalescing missed ticks.
	KindRepeat
	// KindReadable fires whenever the underlying stream is readable.
	KindReadable
	// KindWritable fires whenever the underlying stream is writable.
	KindWritable
	// KindSignal fires whenever the underlying OS signal is delivered.
	KindSignal
)

// String returns the lower-case name used in [Info] and log output.
func (k WatcherKind) String() string {
	switch k {
	case KindDefer:
		return "defer"
	case KindDelay:
		return "delay"
	case KindRepeat:
		return "repeat"
	case KindReadable:
		return "readable"
	case KindWritable:
		return "writable"
	case KindSignal:
		return "signal"
	default:
		return "unknown"
	}
}

// WatcherID is an opaque, unforgeable handle to a registered watcher. The
// zero value never identifies a live watcher.
type WatcherID struct {
	id uuid.UUID
}

// String renders the id for logs and diagnostics.
func (w WatcherID) String() string {
	return w.id.String()
}

// IsZero reports whether w is the zero WatcherID.
func (w WatcherID) IsZero() bool {
	return w.id == uuid.Nil
}

func newWatcherID() WatcherID {
	return WatcherID{id: uuid.New()}
}

// watcherStatus is the logical enable state of a watcher, independent of
// whether it has been armed into a live dispatch structure yet.
type watcherStatus int

const (
	statusEnabled watcherStatus = iota
	statusDisabled
	statusInvalid
)

// Callback is invoked for defer, delay and repeat watchers.
type Callback func(id WatcherID, datum any)

// IOCallback is invoked for readable and writable watchers.
type IOCallback func(id WatcherID, fd int, datum any)

// SignalCallback is invoked for signal watchers.
type SignalCallback func(id WatcherID, signo int, datum any)

// watcher is the internal record backing every registered watcher
// (component A of the design: identity, type, state, and referencing).
type watcher struct {
	id         WatcherID
	kind       WatcherKind
	status     watcherStatus
	referenced bool
	armed      bool
	datum      any

	// timer payload (delay, repeat)
	interval time.Duration
	deadline time.Time
	heapIdx  int
	// tickGen is the driver's tick generation at the time this timer was
	// (re-)armed. A timer is only eligible to fire once d.currentTick has
	// advanced past it, enforcing the activation rule for watchers created
	// or re-enabled from inside a callback.
	tickGen int

	// I/O payload (readable, writable)
	fd int

	// signal payload
	signo int

	cb    Callback
	ioCB  IOCallback
	sigCB SignalCallback
}

// watcherTable is the registry of every watcher known to a [Driver]
// (component A). It is only ever touched from the loop thread, per the
// single-threaded contract in package doc.go, so it carries no locking.
type watcherTable struct {
	byID map[WatcherID]*watcher
}

func (t *watcherTable) init() {
	if t.byID == nil {
		t.byID = make(map[WatcherID]*watcher)
	}
}

func (t *watcherTable) add(w *watcher) {
	t.init()
	t.byID[w.id] = w
}

func (t *watcherTable) get(id WatcherID) (*watcher, bool) {
	w, ok := t.byID[id]
	return w, ok
}

func (t *watcherTable) remove(id WatcherID) {
	delete(t.byID, id)
}

// snapshot returns every known watcher, live or invalidated. Callers must
// not retain it across a tick boundary.
func (t *watcherTable) snapshot() []*watcher {
	out := make([]*watcher, 0, len(t.byID))
	for _, w := range t.byID {
		out = append(out, w)
	}
	return out
}

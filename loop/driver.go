package loop

import (
	"container/heap"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"
)

// Driver is the single-threaded cooperative event loop. It must be run
// from one goroutine via [Driver.Run]; every other exported method may be
// called from that same goroutine only, except [Driver.Stop] which is
// explicitly safe to call cross-goroutine.
type Driver struct {
	opts *options

	watchers watcherTable
	state    runState

	deferQueue  []WatcherID
	timers      timerHeap
	pendingIO   []ioReady
	fdRegs      map[int]*fdRegistration
	currentTick int

	poller  Multiplexer
	signals *signalBridge

	errHandler func(error)

	userState map[string]any

	stopRequested atomic.Bool
}

// New constructs a [Driver]. The driver does not start running until
// [Driver.Run] is called.
func New(opts ...Option) (*Driver, error) {
	o := resolveOptions(opts)

	poller := o.poller
	if poller == nil {
		p, err := newPlatformMultiplexer()
		if err != nil {
			return nil, fmt.Errorf("loop: creating platform multiplexer: %w", err)
		}
		poller = p
	}

	d := &Driver{
		opts:       o,
		poller:     poller,
		signals:    newSignalBridge(),
		errHandler: o.errorHandler,
		userState:  make(map[string]any),
		fdRegs:     make(map[int]*fdRegistration),
	}
	heap.Init(&d.timers)
	return d, nil
}

func (d *Driver) now() time.Time { return d.opts.now() }

// SetErrorHandler installs the callback invoked when a watcher callback
// panics; the recovered panic is passed to it as an error. A nil handler
// means such a panic terminates [Driver.Run].
func (d *Driver) SetErrorHandler(h func(error)) {
	d.errHandler = h
}

// SetState stores an arbitrary value under key, for use by callbacks that
// need to share driver-scoped state without a closure.
func (d *Driver) SetState(key string, value any) {
	d.userState[key] = value
}

// GetState retrieves a value previously stored with [Driver.SetState].
func (d *Driver) GetState(key string) (any, bool) {
	v, ok := d.userState[key]
	return v, ok
}

// GetInfo returns a point-in-time snapshot of watcher counts.
func (d *Driver) GetInfo() Info {
	info := Info{
		Running:  d.state.load() == StateRunning,
		Watchers: make(map[WatcherKind]KindCounts, 6),
	}
	for _, w := range d.watchers.snapshot() {
		kc := info.Watchers[w.kind]
		switch w.status {
		case statusEnabled:
			kc.Enabled++
		case statusDisabled:
			kc.Disabled++
		}
		info.Watchers[w.kind] = kc

		if w.status == statusEnabled {
			if w.referenced {
				info.EnabledWatchers.Referenced++
			} else {
				info.EnabledWatchers.Unreferenced++
			}
		}
	}
	return info
}

// --- watcher constructors ---

// Defer registers a callback to fire on the next tick after this one.
func (d *Driver) Defer(cb Callback, datum any) WatcherID {
	w := &watcher{id: newWatcherID(), kind: KindDefer, status: statusEnabled, referenced: true, datum: datum, cb: cb}
	d.watchers.add(w)
	d.activate(w)
	d.logArm(w)
	return w.id
}

// Delay registers a callback to fire once after ms milliseconds.
func (d *Driver) Delay(ms int64, cb Callback, datum any) WatcherID {
	w := &watcher{id: newWatcherID(), kind: KindDelay, status: statusEnabled, referenced: true, datum: datum, cb: cb, interval: time.Duration(ms) * time.Millisecond}
	w.deadline = d.now().Add(w.interval)
	w.tickGen = d.currentTick
	d.watchers.add(w)
	heap.Push(&d.timers, w)
	d.logArm(w)
	return w.id
}

// Repeat registers a callback to fire every intervalMs milliseconds. Each
// firing's next deadline is computed from the firing time, not the
// previous deadline, so a slow callback does not cause a burst of
// catch-up firings.
func (d *Driver) Repeat(intervalMs int64, cb Callback, datum any) WatcherID {
	w := &watcher{id: newWatcherID(), kind: KindRepeat, status: statusEnabled, referenced: true, datum: datum, cb: cb, interval: time.Duration(intervalMs) * time.Millisecond}
	w.deadline = d.now().Add(w.interval)
	w.tickGen = d.currentTick
	d.watchers.add(w)
	heap.Push(&d.timers, w)
	d.logArm(w)
	return w.id
}

// OnReadable registers a callback to fire whenever fd is ready for
// reading. Returns [ErrUnsupportedFeature] on platforms without a wired
// multiplexer.
func (d *Driver) OnReadable(fd int, cb IOCallback, datum any) (WatcherID, error) {
	return d.onIO(fd, EventRead, cb, datum)
}

// OnWritable registers a callback to fire whenever fd is ready for
// writing.
func (d *Driver) OnWritable(fd int, cb IOCallback, datum any) (WatcherID, error) {
	return d.onIO(fd, EventWrite, cb, datum)
}

// fdRegistration tracks every watcher currently interested in a given
// fd, so that OnReadable and OnWritable on the same fd combine into one
// poller registration instead of clobbering each other. The poller only
// ever sees the union of interest for a fd, updated via ModifyFD as
// watchers come and go; RegisterFD is called exactly once, on the first
// watcher for that fd, and UnregisterFD exactly once, when the last one
// is released.
type fdRegistration struct {
	readers []*watcher
	writers []*watcher
}

func (r *fdRegistration) combinedEvents() IOEvents {
	var events IOEvents
	if len(r.readers) > 0 {
		events |= EventRead
	}
	if len(r.writers) > 0 {
		events |= EventWrite
	}
	return events
}

func (r *fdRegistration) empty() bool {
	return len(r.readers) == 0 && len(r.writers) == 0
}

func (r *fdRegistration) remove(w *watcher) {
	r.readers = removeWatcherPtr(r.readers, w)
	r.writers = removeWatcherPtr(r.writers, w)
}

func removeWatcherPtr(list []*watcher, w *watcher) []*watcher {
	for i, x := range list {
		if x == w {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

func (d *Driver) onIO(fd int, events IOEvents, cb IOCallback, datum any) (WatcherID, error) {
	w := &watcher{id: newWatcherID(), kind: kindForIOEvent(events), status: statusEnabled, referenced: true, datum: datum, ioCB: cb, fd: fd}

	reg, exists := d.fdRegs[fd]
	if !exists {
		reg = &fdRegistration{}
		d.fdRegs[fd] = reg
	}
	if events&EventRead != 0 {
		reg.readers = append(reg.readers, w)
	}
	if events&EventWrite != 0 {
		reg.writers = append(reg.writers, w)
	}

	var err error
	if !exists {
		err = d.poller.RegisterFD(fd, reg.combinedEvents(), func(fired IOEvents) {
			d.dispatchIOReady(fd, fired)
		})
	} else {
		err = d.poller.ModifyFD(fd, reg.combinedEvents())
	}
	if err != nil {
		reg.remove(w)
		if reg.empty() {
			delete(d.fdRegs, fd)
		}
		return WatcherID{}, err
	}

	d.watchers.add(w)
	d.logArm(w)
	return w.id, nil
}

// dispatchIOReady fans a single poller readiness callback for fd out to
// every watcher currently registered on it whose direction fired.
func (d *Driver) dispatchIOReady(fd int, fired IOEvents) {
	reg, ok := d.fdRegs[fd]
	if !ok {
		return
	}
	special := fired & (EventError | EventHangup)
	if fired&EventRead != 0 || special != 0 {
		for _, w := range reg.readers {
			d.pendingIO = append(d.pendingIO, ioReady{watcher: w, events: fired})
		}
	}
	if fired&EventWrite != 0 || special != 0 {
		for _, w := range reg.writers {
			d.pendingIO = append(d.pendingIO, ioReady{watcher: w, events: fired})
		}
	}
}

// releaseIOWatcher drops w from its fd's combined registration, either
// narrowing the poller's interest to what remains or unregistering the
// fd entirely once nothing is left watching it.
func (d *Driver) releaseIOWatcher(w *watcher) {
	reg, ok := d.fdRegs[w.fd]
	if !ok {
		return
	}
	reg.remove(w)
	if reg.empty() {
		delete(d.fdRegs, w.fd)
		_ = d.poller.UnregisterFD(w.fd)
		return
	}
	_ = d.poller.ModifyFD(w.fd, reg.combinedEvents())
}

func kindForIOEvent(events IOEvents) WatcherKind {
	if events&EventWrite != 0 {
		return KindWritable
	}
	return KindReadable
}

// OnSignal registers a callback to fire when signo is delivered to the
// process. Returns [ErrUnsupportedFeature] on platforms without wired-in
// signal support.
func (d *Driver) OnSignal(signo int, cb SignalCallback, datum any) (WatcherID, error) {
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" {
		return WatcherID{}, fmt.Errorf("%w: on-signal on %s", ErrUnsupportedFeature, runtime.GOOS)
	}
	w := &watcher{id: newWatcherID(), kind: KindSignal, status: statusEnabled, referenced: true, datum: datum, sigCB: cb, signo: signo}
	d.watchers.add(w)
	d.signals.watch(signo)
	d.logArm(w)
	return w.id, nil
}

// --- watcher controls ---

// Enable re-activates a disabled watcher. Fails with [ErrInvalidWatcher]
// if id is unknown or already cancelled.
func (d *Driver) Enable(id WatcherID) error {
	w, ok := d.watchers.get(id)
	if !ok || w.status == statusInvalid {
		return fmt.Errorf("%w: %s", ErrInvalidWatcher, id)
	}
	if w.status == statusEnabled {
		return nil
	}
	w.status = statusEnabled
	switch w.kind {
	case KindDefer:
		d.activate(w)
	case KindDelay, KindRepeat:
		// Disable always removes the watcher from the timer heap (see
		// Disable/Cancel below), so re-enabling restarts the interval from
		// now rather than resuming a stale deadline. The tick generation is
		// also refreshed, so a watcher re-enabled mid-tick still obeys the
		// activation rule instead of firing later in this same tick.
		w.deadline = d.now().Add(w.interval)
		w.tickGen = d.currentTick
		heap.Push(&d.timers, w)
	}
	return nil
}

// Disable deactivates a watcher without releasing its resources.
// Idempotent: succeeds (no error) for unknown or already-cancelled ids.
func (d *Driver) Disable(id WatcherID) error {
	w, ok := d.watchers.get(id)
	if !ok || w.status != statusEnabled {
		return nil
	}
	w.status = statusDisabled
	if (w.kind == KindDelay || w.kind == KindRepeat) && w.heapIdx >= 0 {
		heap.Remove(&d.timers, w.heapIdx)
	}
	return nil
}

// Cancel permanently invalidates a watcher and releases any OS resources
// it held. Idempotent: succeeds (no error) for unknown ids.
func (d *Driver) Cancel(id WatcherID) error {
	w, ok := d.watchers.get(id)
	if !ok || w.status == statusInvalid {
		return nil
	}
	w.status = statusInvalid
	switch w.kind {
	case KindDelay, KindRepeat:
		if w.heapIdx >= 0 {
			heap.Remove(&d.timers, w.heapIdx)
		}
	case KindReadable, KindWritable:
		d.releaseIOWatcher(w)
	case KindSignal:
		d.signals.unwatch(w.signo)
	}
	d.log(LevelDebug, "watcher disarmed", nil, map[string]any{"kind": w.kind.String(), "id": w.id.String()})
	d.watchers.remove(id)
	return nil
}

// Reference marks a watcher as keeping the loop alive. Fails with
// [ErrInvalidWatcher] if id is unknown or cancelled.
func (d *Driver) Reference(id WatcherID) error {
	w, ok := d.watchers.get(id)
	if !ok || w.status == statusInvalid {
		return fmt.Errorf("%w: %s", ErrInvalidWatcher, id)
	}
	w.referenced = true
	return nil
}

// Unreference marks a watcher as not keeping the loop alive. Fails with
// [ErrInvalidWatcher] if id is unknown or cancelled.
func (d *Driver) Unreference(id WatcherID) error {
	w, ok := d.watchers.get(id)
	if !ok || w.status == statusInvalid {
		return fmt.Errorf("%w: %s", ErrInvalidWatcher, id)
	}
	w.referenced = false
	return nil
}

// --- activation queue ---

// activate marks w as pending activation: it becomes eligible to fire
// starting with the *next* tick, never the current one. This implements
// the activation rule for defer watchers; timers get the same guarantee
// from the currentTick/tickGen check in tick's class 2, and I/O and
// signal watchers are always cross-tick because polling only happens
// between ticks.
func (d *Driver) activate(w *watcher) {
	w.armed = false
	d.deferQueue = append(d.deferQueue, w.id)
}

// logArm emits a debug entry for a newly registered watcher. Called once
// per watcher constructor, after the watcher is fully wired up.
func (d *Driver) logArm(w *watcher) {
	d.log(LevelDebug, "watcher armed", nil, map[string]any{"kind": w.kind.String(), "id": w.id.String()})
}

// pendingIO accumulates readiness callbacks fired synchronously from
// within [Multiplexer.Poll], for dispatch after Poll returns so that I/O
// callbacks run on the loop goroutine in class order like everything
// else.
type ioReady struct {
	watcher *watcher
	events  IOEvents
}

// Run drives the loop until stopped or no referenced enabled watcher
// remains. It returns the first unhandled callback error, or nil on a
// clean stop.
func (d *Driver) Run() error {
	if d.state.load() == StateStopped {
		return ErrLoopStopped
	}
	if !d.state.compareAndSwap(StateCreated, StateRunning) {
		return ErrLoopAlreadyRunning
	}
	d.log(LevelInfo, "driver started", nil, nil)
	defer d.state.store(StateStopped)

	var runErr error
	for {
		if d.stopRequested.Load() {
			break
		}
		if !d.hasReferencedWork() {
			break
		}

		if err := d.tick(); err != nil {
			runErr = err
			break
		}
	}
	if runErr != nil {
		d.log(LevelError, "driver stopped", runErr, nil)
	} else {
		d.log(LevelInfo, "driver stopped", nil, nil)
	}
	return runErr
}

// log emits a structured entry through the configured [Logger], skipping
// the entry allocation entirely when the level isn't enabled.
func (d *Driver) log(level LogLevel, msg string, err error, fields map[string]any) {
	if !d.opts.logger.IsEnabled(level) {
		return
	}
	d.opts.logger.Log(LogEntry{Level: level, Message: msg, Fields: fields, Err: err, Time: d.now()})
}

// ScheduleContinuation implements the promise package's Scheduler
// interface by deferring fn to the next tick, giving promise
// continuations the loop's own next-tick dispatch guarantee for free.
func (d *Driver) ScheduleContinuation(fn func()) {
	d.Defer(func(WatcherID, any) { fn() }, nil)
}

// Stop requests the loop to exit after the current tick completes. Safe
// to call from any goroutine.
func (d *Driver) Stop() {
	d.state.compareAndSwap(StateRunning, StateStopping)
	d.stopRequested.Store(true)
	d.poller.Wake()
}

func (d *Driver) hasReferencedWork() bool {
	for _, w := range d.watchers.snapshot() {
		if w.status == statusEnabled && w.referenced {
			return true
		}
	}
	return false
}

// tick executes one full pass of the class-ordered dispatch described in
// the package documentation: it fires due defer and timer watchers, then
// blocks in the multiplexer until the next timer deadline or a
// readiness/wake event, then dispatches the I/O readiness that poll
// reported and the signals delivered so far.
func (d *Driver) tick() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = d.fireErr(fmt.Errorf("loop: panic in watcher callback: %v", r))
		}
	}()

	d.currentTick++
	d.log(LevelDebug, "tick", nil, map[string]any{"tick": d.currentTick})

	// class 1: defer
	ready := d.deferQueue
	d.deferQueue = nil
	for _, id := range ready {
		w, ok := d.watchers.get(id)
		if !ok || w.status != statusEnabled {
			continue
		}
		w.armed = true
		if err = d.fireDefer(w); err != nil {
			return err
		}
	}

	// class 2: timers. A timer due but armed this same tick (tickGen ==
	// currentTick) is due-not-eligible: it's popped off the heap so a
	// later, already-eligible timer isn't blocked behind it, then pushed
	// back unfired once the pass completes, per the activation rule.
	now := d.now()
	var notYetEligible []*watcher
	for d.timers.Len() > 0 {
		w := d.timers[0]
		if w.status == statusInvalid || w.deadline.After(now) {
			break
		}
		heap.Pop(&d.timers)
		if w.status != statusEnabled {
			continue
		}
		if w.tickGen >= d.currentTick {
			notYetEligible = append(notYetEligible, w)
			continue
		}
		if err = d.fireTimer(w); err != nil {
			return err
		}
		if w.kind == KindRepeat && w.status == statusEnabled {
			w.deadline = d.now().Add(w.interval)
			heap.Push(&d.timers, w)
		}
	}
	for _, w := range notYetEligible {
		heap.Push(&d.timers, w)
	}

	// class 3: I/O — Poll invokes the readiness closures synchronously,
	// which stash into pendingIO; drain and dispatch those in class order.
	timeout := d.nextTimeout()
	if perr := d.poller.Poll(timeout); perr != nil {
		return perr
	}
	pending := d.pendingIO
	d.pendingIO = nil
	for _, r := range pending {
		if r.watcher.status != statusEnabled {
			continue
		}
		if err = d.fireIO(r.watcher, r.events); err != nil {
			return err
		}
	}

	// class 4: signals
	for _, signo := range d.signals.drain() {
		for _, w := range d.watchers.snapshot() {
			if w.kind == KindSignal && w.status == statusEnabled && w.signo == signo {
				if err = d.fireSignal(w); err != nil {
					return err
				}
			}
		}
	}

	return nil
}

func (d *Driver) nextTimeout() time.Duration {
	if d.timers.Len() == 0 {
		if !d.hasReferencedIO() {
			return 0
		}
		return -1
	}
	remaining := d.timers[0].deadline.Sub(d.now())
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (d *Driver) hasReferencedIO() bool {
	for _, w := range d.watchers.snapshot() {
		if w.status != statusEnabled || !w.referenced {
			continue
		}
		if w.kind == KindReadable || w.kind == KindWritable || w.kind == KindSignal {
			return true
		}
	}
	return false
}

func (d *Driver) fireDefer(w *watcher) error {
	w.status = statusInvalid
	err := d.safeCall(func() { w.cb(w.id, w.datum) })
	// One-shot: this id can never fire or be looked up again, so it's
	// dropped from the table instead of lingering there forever.
	d.watchers.remove(w.id)
	return err
}

func (d *Driver) fireTimer(w *watcher) error {
	oneShot := w.kind == KindDelay
	if oneShot {
		w.status = statusInvalid
	}
	err := d.safeCall(func() { w.cb(w.id, w.datum) })
	if oneShot {
		d.watchers.remove(w.id)
	}
	return err
}

func (d *Driver) fireIO(w *watcher, events IOEvents) error {
	_ = events
	return d.safeCall(func() { w.ioCB(w.id, w.fd, w.datum) })
}

func (d *Driver) fireSignal(w *watcher) error {
	return d.safeCall(func() { w.sigCB(w.id, w.signo, w.datum) })
}

// safeCall invokes fn, funneling a panic through the installed error
// handler per the error funnel described in the package documentation.
// It returns a non-nil error only when the callback panicked and either
// no handler is installed or the handler itself panicked — both cases
// terminate [Driver.Run].
func (d *Driver) safeCall(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprintf("loop: panic in watcher callback: %v", r)
			if d.opts.debug {
				buf := make([]byte, 8192)
				n := runtime.Stack(buf, false)
				msg += "\n" + string(buf[:n])
			}
			panicErr := errors.New(msg)
			d.log(LevelWarn, "watcher callback panicked, funneling to error handler", panicErr, nil)
			err = d.fireErr(panicErr)
		}
	}()
	fn()
	return nil
}

func (d *Driver) fireErr(err error) (result error) {
	if d.errHandler == nil {
		d.log(LevelError, "unhandled watcher error, no error handler installed", err, nil)
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			result = fmt.Errorf("loop: panic in error handler: %v", r)
		}
	}()
	d.errHandler(err)
	return nil
}

// timerHeap orders watchers by deadline for the [container/heap] used by
// [Driver.Delay] and [Driver.Repeat].
type timerHeap []*watcher

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIdx = i
	h[j].heapIdx = j
}
func (h *timerHeap) Push(x any) {
	w := x.(*watcher)
	w.heapIdx = len(*h)
	*h = append(*h, w)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	w.heapIdx = -1
	*h = old[:n-1]
	return w
}

package loop

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeMultiplexer never reports any fd ready. Poll fast-forwards the
// injected test clock by the requested timeout instead of actually
// blocking, so timer-driven tests advance deterministically without
// touching real time or busy-spinning.
type fakeMultiplexer struct {
	advance func(time.Duration)
	woken   chan struct{}
	polls   int
}

func newFakeMultiplexer(advance func(time.Duration)) *fakeMultiplexer {
	return &fakeMultiplexer{advance: advance, woken: make(chan struct{}, 1)}
}

func (f *fakeMultiplexer) RegisterFD(int, IOEvents, func(IOEvents)) error { return ErrUnsupportedFeature }
func (f *fakeMultiplexer) UnregisterFD(int) error                        { return ErrUnsupportedFeature }
func (f *fakeMultiplexer) ModifyFD(int, IOEvents) error                  { return ErrUnsupportedFeature }
func (f *fakeMultiplexer) Poll(timeout time.Duration) error {
	f.polls++
	select {
	case <-f.woken:
		return nil
	default:
	}
	if timeout > 0 {
		f.advance(timeout)
	}
	return nil
}
func (f *fakeMultiplexer) Wake() {
	select {
	case f.woken <- struct{}{}:
	default:
	}
}
func (f *fakeMultiplexer) Close() error { return nil }

// ioReg is a single fd's current registration inside [ioMultiplexer].
type ioReg struct {
	events IOEvents
	cb     func(IOEvents)
}

// ioMultiplexer is a [Multiplexer] double that actually tracks
// per-fd registrations (unlike fakeMultiplexer, which rejects every FD
// call), so tests can assert on merged interest and drive readiness
// callbacks directly via fire, without a real fd.
type ioMultiplexer struct {
	advance func(time.Duration)
	woken   chan struct{}

	mu   sync.Mutex
	regs map[int]*ioReg
}

func newIOMultiplexer(advance func(time.Duration)) *ioMultiplexer {
	return &ioMultiplexer{advance: advance, woken: make(chan struct{}, 1), regs: make(map[int]*ioReg)}
}

func (m *ioMultiplexer) RegisterFD(fd int, events IOEvents, cb func(IOEvents)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.regs[fd]; ok {
		return errors.New("ioMultiplexer: fd already registered")
	}
	m.regs[fd] = &ioReg{events: events, cb: cb}
	return nil
}

func (m *ioMultiplexer) UnregisterFD(fd int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.regs, fd)
	return nil
}

func (m *ioMultiplexer) ModifyFD(fd int, events IOEvents) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	reg, ok := m.regs[fd]
	if !ok {
		return ErrInvalidWatcher
	}
	reg.events = events
	return nil
}

func (m *ioMultiplexer) Poll(timeout time.Duration) error {
	select {
	case <-m.woken:
		return nil
	default:
	}
	if timeout > 0 {
		m.advance(timeout)
	}
	return nil
}

func (m *ioMultiplexer) Wake() {
	select {
	case m.woken <- struct{}{}:
	default:
	}
}

func (m *ioMultiplexer) Close() error { return nil }

// fire invokes fd's registered callback as if the poller observed
// events, simulating readiness without a real fd.
func (m *ioMultiplexer) fire(fd int, events IOEvents) {
	m.mu.Lock()
	reg, ok := m.regs[fd]
	m.mu.Unlock()
	if ok && reg.cb != nil {
		reg.cb(events)
	}
}

// eventsFor exposes the currently registered combined interest for fd.
func (m *ioMultiplexer) eventsFor(fd int) (IOEvents, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	reg, ok := m.regs[fd]
	if !ok {
		return 0, false
	}
	return reg.events, true
}

// newTestClock returns a now func and an advance func sharing the same
// mutable instant, for driving [Driver.Delay]/[Driver.Repeat] tests
// without real sleeps.
func newTestClock(start time.Time) (now func() time.Time, advance func(time.Duration)) {
	current := start
	return func() time.Time { return current },
		func(d time.Duration) { current = current.Add(d) }
}

func newTestDriver(t *testing.T, now func() time.Time, advance func(time.Duration)) *Driver {
	t.Helper()
	d, err := New(WithMultiplexer(newFakeMultiplexer(advance)), WithNowFunc(now))
	require.NoError(t, err)
	return d
}

func TestDeferFiresBeforeTimer(t *testing.T) {
	now, advance := newTestClock(time.Unix(0, 0))
	d := newTestDriver(t, now, advance)

	var order []string
	d.Delay(0, func(WatcherID, any) { order = append(order, "timer") }, nil)
	d.Defer(func(WatcherID, any) { order = append(order, "defer") }, nil)

	require.NoError(t, d.Run())
	assert.Equal(t, []string{"defer", "timer"}, order)
}

func TestActivationRuleDefersToNextTick(t *testing.T) {
	now, advance := newTestClock(time.Unix(0, 0))
	d := newTestDriver(t, now, advance)

	var order []string
	first := d.Defer(func(WatcherID, any) {
		order = append(order, "first")
		d.Defer(func(WatcherID, any) {
			order = append(order, "second")
		}, nil)
	}, nil)
	_ = first

	require.NoError(t, d.Run())
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestDisableInSameTickPreventsLaterDeferFiring(t *testing.T) {
	now, advance := newTestClock(time.Unix(0, 0))
	d := newTestDriver(t, now, advance)

	var fired bool
	var second WatcherID
	d.Defer(func(WatcherID, any) {
		_ = d.Disable(second)
	}, nil)
	second = d.Defer(func(WatcherID, any) { fired = true }, nil)

	require.NoError(t, d.Run())
	assert.False(t, fired, "a defer disabled earlier in the same tick must not fire that tick")
}

func TestRepeatCoalescesFromFiringTime(t *testing.T) {
	now, advance := newTestClock(time.Unix(0, 0))
	d := newTestDriver(t, now, advance)

	count := 0
	var fireTimes []time.Duration
	var id WatcherID
	id = d.Repeat(10, func(WatcherID, any) {
		count++
		fireTimes = append(fireTimes, now().Sub(time.Unix(0, 0)))
		if count == 1 {
			// a slow first callback: 55ms pass before it returns
			advance(55 * time.Millisecond)
		}
		if count >= 3 {
			_ = d.Cancel(id)
		}
	}, nil)

	require.NoError(t, d.Run())
	assert.Equal(t, 3, count)
	// the second firing is due 10ms after the slow callback returned
	// (10+55+10 = 75ms), not 10ms after the first deadline (20ms)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 75 * time.Millisecond, 85 * time.Millisecond}, fireTimes)
}

func TestCancelIsIdempotentAndInvalidatesID(t *testing.T) {
	now, advance := newTestClock(time.Unix(0, 0))
	d := newTestDriver(t, now, advance)

	id := d.Defer(func(WatcherID, any) {}, nil)
	require.NoError(t, d.Cancel(id))
	require.NoError(t, d.Cancel(id), "a second cancel must succeed")
	require.NoError(t, d.Disable(id), "disable after cancel must succeed as a no-op")

	assert.ErrorIs(t, d.Enable(id), ErrInvalidWatcher)
	assert.ErrorIs(t, d.Reference(id), ErrInvalidWatcher)
	assert.ErrorIs(t, d.Unreference(id), ErrInvalidWatcher)
}

func TestDisableUnknownIDIsNoOp(t *testing.T) {
	d := newTestDriver(t, time.Now, func(time.Duration) {})
	assert.NoError(t, d.Disable(newWatcherID()))
	assert.NoError(t, d.Cancel(newWatcherID()))
}

func TestUnreferencedWatcherDoesNotKeepLoopAlive(t *testing.T) {
	now, advance := newTestClock(time.Unix(0, 0))
	d := newTestDriver(t, now, advance)

	id := d.Repeat(10, func(WatcherID, any) {}, nil)
	require.NoError(t, d.Unreference(id))

	done := make(chan error, 1)
	go func() { done <- d.Run() }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit despite no referenced watchers")
	}
}

func TestErrorHandlerReceivesPanicAndRunContinues(t *testing.T) {
	now, advance := newTestClock(time.Unix(0, 0))
	d := newTestDriver(t, now, advance)

	var handled error
	d.SetErrorHandler(func(err error) { handled = err })

	var secondRan bool
	d.Defer(func(WatcherID, any) { panic("boom") }, nil)
	d.Defer(func(WatcherID, any) { secondRan = true }, nil)

	require.NoError(t, d.Run())
	require.Error(t, handled)
	assert.True(t, secondRan)
}

func TestRunWithoutHandlerPropagatesPanic(t *testing.T) {
	now, advance := newTestClock(time.Unix(0, 0))
	d := newTestDriver(t, now, advance)

	d.Defer(func(WatcherID, any) { panic("boom") }, nil)

	err := d.Run()
	require.Error(t, err)
}

func TestGetInfoReflectsWatcherCounts(t *testing.T) {
	now, advance := newTestClock(time.Unix(0, 0))
	d := newTestDriver(t, now, advance)

	id := d.Defer(func(WatcherID, any) {}, nil)
	require.NoError(t, d.Disable(id))
	d.Delay(1000, func(WatcherID, any) {}, nil)

	info := d.GetInfo()
	assert.Equal(t, 1, info.Watchers[KindDefer].Disabled)
	assert.Equal(t, 1, info.Watchers[KindDelay].Enabled)
}

func TestSecondRunFailsWhileFirstIsRunning(t *testing.T) {
	d := newTestDriver(t, time.Now, func(time.Duration) {})
	d.Repeat(1000, func(WatcherID, any) {}, nil)

	go func() { _ = d.Run() }()
	// give Run a moment to flip state to running
	for i := 0; i < 100 && d.state.load() != StateRunning; i++ {
		time.Sleep(time.Millisecond)
	}

	err := d.Run()
	assert.ErrorIs(t, err, ErrLoopAlreadyRunning)

	d.Stop()
}

func TestDualWatcherPerFDCombinesInterest(t *testing.T) {
	now, advance := newTestClock(time.Unix(0, 0))
	mux := newIOMultiplexer(advance)
	d, err := New(WithMultiplexer(mux), WithNowFunc(now))
	require.NoError(t, err)

	const fd = 7
	_, err = d.OnReadable(fd, func(WatcherID, int, any) {}, nil)
	require.NoError(t, err)
	_, err = d.OnWritable(fd, func(WatcherID, int, any) {}, nil)
	require.NoError(t, err)

	events, ok := mux.eventsFor(fd)
	require.True(t, ok)
	assert.Equal(t, EventRead|EventWrite, events, "OnReadable and OnWritable on one fd must merge into a single registration")
}

func TestReadableAndWritableBothDispatchOnSameFD(t *testing.T) {
	now, advance := newTestClock(time.Unix(0, 0))
	mux := newIOMultiplexer(advance)
	d, err := New(WithMultiplexer(mux), WithNowFunc(now))
	require.NoError(t, err)

	const fd = 9
	var readFired, writeFired bool
	var rID, wID WatcherID
	rID, err = d.OnReadable(fd, func(WatcherID, int, any) {
		readFired = true
		_ = d.Cancel(rID)
	}, nil)
	require.NoError(t, err)
	wID, err = d.OnWritable(fd, func(WatcherID, int, any) {
		writeFired = true
		_ = d.Cancel(wID)
	}, nil)
	require.NoError(t, err)

	mux.fire(fd, EventRead|EventWrite)

	require.NoError(t, d.Run())
	assert.True(t, readFired, "readable watcher must still fire when a writable watcher shares the fd")
	assert.True(t, writeFired, "writable watcher must still fire when a readable watcher shares the fd")
}

func TestCancelOneIOWatcherNarrowsRatherThanUnregisters(t *testing.T) {
	now, advance := newTestClock(time.Unix(0, 0))
	mux := newIOMultiplexer(advance)
	d, err := New(WithMultiplexer(mux), WithNowFunc(now))
	require.NoError(t, err)

	const fd = 3
	rID, err := d.OnReadable(fd, func(WatcherID, int, any) {}, nil)
	require.NoError(t, err)
	_, err = d.OnWritable(fd, func(WatcherID, int, any) {}, nil)
	require.NoError(t, err)

	require.NoError(t, d.Cancel(rID))

	events, ok := mux.eventsFor(fd)
	require.True(t, ok, "fd must remain registered while the writable watcher is still live")
	assert.Equal(t, EventWrite, events)
}

func TestCancelLastIOWatcherUnregistersFD(t *testing.T) {
	now, advance := newTestClock(time.Unix(0, 0))
	mux := newIOMultiplexer(advance)
	d, err := New(WithMultiplexer(mux), WithNowFunc(now))
	require.NoError(t, err)

	const fd = 4
	rID, err := d.OnReadable(fd, func(WatcherID, int, any) {}, nil)
	require.NoError(t, err)

	require.NoError(t, d.Cancel(rID))

	_, ok := mux.eventsFor(fd)
	assert.False(t, ok, "the fd must be unregistered once its last watcher is cancelled")
}

func TestDebugEnabledFromEnv(t *testing.T) {
	t.Setenv("AMP_DEBUG", "1")
	assert.True(t, debugEnabledFromEnv())

	t.Setenv("AMP_DEBUG", "0")
	assert.False(t, debugEnabledFromEnv())

	t.Setenv("AMP_DEBUG", "false")
	assert.False(t, debugEnabledFromEnv())
}

func TestEnableWrapsInvalidWatcherWithID(t *testing.T) {
	d := newTestDriver(t, time.Now, func(time.Duration) {})

	id := newWatcherID()
	err := d.Enable(id)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidWatcher, "the wrapped error must still satisfy errors.Is against the sentinel")
	assert.Contains(t, err.Error(), id.String(), "the wrap must add the watcher id as context")
}

func TestActivationRuleDefersDelayToNextTick(t *testing.T) {
	now, advance := newTestClock(time.Unix(0, 0))
	mux := newFakeMultiplexer(advance)
	d, err := New(WithMultiplexer(mux), WithNowFunc(now))
	require.NoError(t, err)

	var pollsAtRegistration, pollsAtFire int
	d.Defer(func(WatcherID, any) {
		pollsAtRegistration = mux.polls
		d.Delay(0, func(WatcherID, any) {
			pollsAtFire = mux.polls
		}, nil)
	}, nil)

	require.NoError(t, d.Run())
	assert.Greater(t, pollsAtFire, pollsAtRegistration, "a delay watcher created mid-tick must not fire before the next tick's poll")
}

func TestActivationRuleDefersReenabledRepeatToNextTick(t *testing.T) {
	now, advance := newTestClock(time.Unix(0, 0))
	mux := newFakeMultiplexer(advance)
	d, err := New(WithMultiplexer(mux), WithNowFunc(now))
	require.NoError(t, err)

	var pollsAtEnable, pollsAtFire int
	var id WatcherID
	id = d.Repeat(0, func(WatcherID, any) {
		pollsAtFire = mux.polls
		_ = d.Cancel(id)
	}, nil)
	require.NoError(t, d.Disable(id))

	d.Defer(func(WatcherID, any) {
		pollsAtEnable = mux.polls
		require.NoError(t, d.Enable(id))
	}, nil)

	require.NoError(t, d.Run())
	assert.Greater(t, pollsAtFire, pollsAtEnable, "a repeat watcher re-enabled mid-tick must not fire before the next tick's poll")
}

func TestOneShotWatchersAreRemovedFromTableAfterFiring(t *testing.T) {
	now, advance := newTestClock(time.Unix(0, 0))
	d := newTestDriver(t, now, advance)

	deferID := d.Defer(func(WatcherID, any) {}, nil)
	delayID := d.Delay(0, func(WatcherID, any) {}, nil)

	require.NoError(t, d.Run())

	_, ok := d.watchers.get(deferID)
	assert.False(t, ok, "a fired defer watcher must be removed from the table, not left invalid forever")
	_, ok = d.watchers.get(delayID)
	assert.False(t, ok, "a fired delay watcher must be removed from the table, not left invalid forever")
}

func TestRepeatWatcherRemovedFromTableOnCancel(t *testing.T) {
	now, advance := newTestClock(time.Unix(0, 0))
	d := newTestDriver(t, now, advance)

	count := 0
	var id WatcherID
	id = d.Repeat(10, func(WatcherID, any) {
		count++
		if count >= 2 {
			_ = d.Cancel(id)
		}
	}, nil)

	require.NoError(t, d.Run())

	_, ok := d.watchers.get(id)
	assert.False(t, ok, "cancelling a repeat watcher must remove it from the table")
}

func TestCancelRemovesWatcherFromTable(t *testing.T) {
	d := newTestDriver(t, time.Now, func(time.Duration) {})

	id := d.Defer(func(WatcherID, any) {}, nil)
	require.NoError(t, d.Cancel(id))

	_, ok := d.watchers.get(id)
	assert.False(t, ok, "Cancel must drop the watcher from the table instead of leaving it as an invalid entry forever")
}

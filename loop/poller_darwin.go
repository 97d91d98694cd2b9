//go:build darwin

package loop

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// kqueueMultiplexer implements [Multiplexer] using BSD kqueue, mirroring
// the registration/dispatch split of the Linux epoll implementation.
type kqueueMultiplexer struct {
	kq int

	mu  sync.Mutex
	fds map[int]kqueueEntry

	wakeR, wakeW int
	buf          [128]unix.Kevent_t
}

type kqueueEntry struct {
	events IOEvents
	cb     func(IOEvents)
}

// newPlatformMultiplexer constructs the default Darwin poller.
func newPlatformMultiplexer() (Multiplexer, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}

	fds := make([]int, 2)
	if err := unix.Pipe2(fds, unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		_ = unix.Close(kq)
		return nil, err
	}

	p := &kqueueMultiplexer{
		kq:    kq,
		fds:   make(map[int]kqueueEntry),
		wakeR: fds[0],
		wakeW: fds[1],
	}

	ev := unix.Kevent_t{
		Ident:  uint64(p.wakeR),
		Filter: unix.EVFILT_READ,
		Flags:  unix.EV_ADD | unix.EV_ENABLE,
	}
	if _, err := unix.Kevent(kq, []unix.Kevent_t{ev}, nil, nil); err != nil {
		_ = unix.Close(p.wakeR)
		_ = unix.Close(p.wakeW)
		_ = unix.Close(kq)
		return nil, err
	}

	return p, nil
}

func (p *kqueueMultiplexer) RegisterFD(fd int, events IOEvents, cb func(IOEvents)) error {
	p.mu.Lock()
	p.fds[fd] = kqueueEntry{events: events, cb: cb}
	p.mu.Unlock()

	return p.applyChanges(fd, events)
}

func (p *kqueueMultiplexer) UnregisterFD(fd int) error {
	p.mu.Lock()
	delete(p.fds, fd)
	p.mu.Unlock()

	changes := []unix.Kevent_t{
		{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_DELETE},
		{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_DELETE},
	}
	_, err := unix.Kevent(p.kq, changes, nil, nil)
	return err
}

func (p *kqueueMultiplexer) ModifyFD(fd int, events IOEvents) error {
	p.mu.Lock()
	entry, ok := p.fds[fd]
	if !ok {
		p.mu.Unlock()
		return ErrInvalidWatcher
	}
	entry.events = events
	p.fds[fd] = entry
	p.mu.Unlock()

	return p.applyChanges(fd, events)
}

func (p *kqueueMultiplexer) applyChanges(fd int, events IOEvents) error {
	var changes []unix.Kevent_t
	if events&EventRead != 0 {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_ADD | unix.EV_ENABLE})
	} else {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_DELETE})
	}
	if events&EventWrite != 0 {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_ADD | unix.EV_ENABLE})
	} else {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_DELETE})
	}
	_, err := unix.Kevent(p.kq, changes, nil, nil)
	// EV_DELETE on a filter that was never added returns ENOENT; ignore it,
	// this happens whenever a watcher only ever registers one direction.
	if err == unix.ENOENT {
		return nil
	}
	return err
}

func (p *kqueueMultiplexer) Poll(timeout time.Duration) error {
	var ts *unix.Timespec
	if timeout >= 0 {
		t := unix.NsecToTimespec(timeout.Nanoseconds())
		ts = &t
	}

	n, err := unix.Kevent(p.kq, nil, p.buf[:], ts)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return err
	}

	for i := 0; i < n; i++ {
		ev := p.buf[i]
		fd := int(ev.Ident)
		if fd == p.wakeR {
			p.drainWake()
			continue
		}

		p.mu.Lock()
		entry, ok := p.fds[fd]
		p.mu.Unlock()
		if !ok || entry.cb == nil {
			continue
		}

		var events IOEvents
		switch ev.Filter {
		case unix.EVFILT_READ:
			events = EventRead
		case unix.EVFILT_WRITE:
			events = EventWrite
		}
		if ev.Flags&unix.EV_EOF != 0 {
			events |= EventHangup
		}
		if ev.Flags&unix.EV_ERROR != 0 {
			events |= EventError
		}
		entry.cb(events)
	}
	return nil
}

func (p *kqueueMultiplexer) drainWake() {
	var b [64]byte
	for {
		_, err := unix.Read(p.wakeR, b[:])
		if err != nil {
			return
		}
	}
}

func (p *kqueueMultiplexer) Wake() {
	var one = [1]byte{1}
	_, _ = unix.Write(p.wakeW, one[:])
}

func (p *kqueueMultiplexer) Close() error {
	_ = unix.Close(p.wakeR)
	_ = unix.Close(p.wakeW)
	return unix.Close(p.kq)
}

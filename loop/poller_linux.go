//go:build linux

package loop

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// epollMultiplexer implements [Multiplexer] using Linux epoll, following
// the registration/dispatch split used throughout this design's teacher
// material: callbacks are copied out under lock and invoked outside it.
type epollMultiplexer struct {
	epfd int

	mu  sync.Mutex
	fds map[int]epollEntry

	wakeR, wakeW int
	buf          [128]unix.EpollEvent
}

type epollEntry struct {
	events IOEvents
	cb     func(IOEvents)
}

// newPlatformMultiplexer constructs the default Linux poller.
func newPlatformMultiplexer() (Multiplexer, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}

	fds := make([]int, 2)
	if err := unix.Pipe2(fds, unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		_ = unix.Close(epfd)
		return nil, err
	}

	p := &epollMultiplexer{
		epfd:  epfd,
		fds:   make(map[int]epollEntry),
		wakeR: fds[0],
		wakeW: fds[1],
	}

	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, p.wakeR, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(p.wakeR),
	}); err != nil {
		_ = unix.Close(p.wakeR)
		_ = unix.Close(p.wakeW)
		_ = unix.Close(epfd)
		return nil, err
	}

	return p, nil
}

func (p *epollMultiplexer) RegisterFD(fd int, events IOEvents, cb func(IOEvents)) error {
	p.mu.Lock()
	p.fds[fd] = epollEntry{events: events, cb: cb}
	p.mu.Unlock()

	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: eventsToEpoll(events),
		Fd:     int32(fd),
	})
}

func (p *epollMultiplexer) UnregisterFD(fd int) error {
	p.mu.Lock()
	delete(p.fds, fd)
	p.mu.Unlock()
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (p *epollMultiplexer) ModifyFD(fd int, events IOEvents) error {
	p.mu.Lock()
	entry, ok := p.fds[fd]
	if !ok {
		p.mu.Unlock()
		return ErrInvalidWatcher
	}
	entry.events = events
	p.fds[fd] = entry
	p.mu.Unlock()

	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{
		Events: eventsToEpoll(events),
		Fd:     int32(fd),
	})
}

func (p *epollMultiplexer) Poll(timeout time.Duration) error {
	ms := durationToEpollTimeout(timeout)
	n, err := unix.EpollWait(p.epfd, p.buf[:], ms)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return err
	}

	for i := 0; i < n; i++ {
		fd := int(p.buf[i].Fd)
		if fd == p.wakeR {
			p.drainWake()
			continue
		}

		p.mu.Lock()
		entry, ok := p.fds[fd]
		p.mu.Unlock()
		if ok && entry.cb != nil {
			entry.cb(epollToEvents(p.buf[i].Events))
		}
	}
	return nil
}

func (p *epollMultiplexer) drainWake() {
	var b [64]byte
	for {
		_, err := unix.Read(p.wakeR, b[:])
		if err != nil {
			return
		}
	}
}

func (p *epollMultiplexer) Wake() {
	var one = [1]byte{1}
	_, _ = unix.Write(p.wakeW, one[:])
}

func (p *epollMultiplexer) Close() error {
	_ = unix.Close(p.wakeR)
	_ = unix.Close(p.wakeW)
	return unix.Close(p.epfd)
}

func durationToEpollTimeout(d time.Duration) int {
	if d < 0 {
		return -1
	}
	ms := d.Milliseconds()
	if ms == 0 && d > 0 {
		return 1
	}
	return int(ms)
}

func eventsToEpoll(events IOEvents) uint32 {
	var e uint32
	if events&EventRead != 0 {
		e |= unix.EPOLLIN
	}
	if events&EventWrite != 0 {
		e |= unix.EPOLLOUT
	}
	return e
}

func epollToEvents(e uint32) IOEvents {
	var events IOEvents
	if e&unix.EPOLLIN != 0 {
		events |= EventRead
	}
	if e&unix.EPOLLOUT != 0 {
		events |= EventWrite
	}
	if e&unix.EPOLLERR != 0 {
		events |= EventError
	}
	if e&unix.EPOLLHUP != 0 {
		events |= EventHangup
	}
	return events
}

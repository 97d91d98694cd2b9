package loop

import "sync/atomic"

// RunState describes the lifecycle of a [Driver].
type RunState int32

const (
	// StateCreated is the state of a driver that has never run.
	StateCreated RunState = iota
	// StateRunning is the state while inside [Driver.Run].
	StateRunning
	// StateStopping indicates [Driver.Stop] was called and the driver is
	// draining its final tick.
	StateStopping
	// StateStopped is the terminal state after Run returns.
	StateStopped
)

// String implements fmt.Stringer.
func (s RunState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// runState is a small atomic state cell. Stop() is the only method that
// may be legitimately called from a goroutine other than the loop thread
// (e.g. a signal handler asking the loop to shut down), so this needs to
// be atomic even though the rest of the driver assumes single-threaded
// access.
type runState struct {
	v atomic.Int32
}

func (s *runState) load() RunState {
	return RunState(s.v.Load())
}

func (s *runState) store(v RunState) {
	s.v.Store(int32(v))
}

func (s *runState) compareAndSwap(from, to RunState) bool {
	return s.v.CompareAndSwap(int32(from), int32(to))
}

package loop

import "errors"

// Sentinel errors returned by [Driver] operations. Wrap these with
// fmt.Errorf("%w: ...") at call sites that need extra context; errors.Is
// keeps working through the wrap.
var (
	// ErrInvalidWatcher is returned by enable, reference, and unreference
	// when the watcher id is unknown or was previously cancelled.
	ErrInvalidWatcher = errors.New("loop: invalid watcher")

	// ErrUnsupportedFeature is returned when a watcher kind isn't available
	// on the current platform, e.g. on-signal without OS signal support.
	ErrUnsupportedFeature = errors.New("loop: unsupported feature")

	// ErrLoopAlreadyRunning is returned by Run when the driver is already
	// executing on another goroutine.
	ErrLoopAlreadyRunning = errors.New("loop: already running")

	// ErrLoopStopped is returned by Run when the driver has already run
	// and stopped; a Driver runs at most once.
	ErrLoopStopped = errors.New("loop: stopped")
)

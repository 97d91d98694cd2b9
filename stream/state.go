package stream

import (
	"os"
	"runtime"
	"sync"

	"github.com/domyhero/amp/promise"
)

// debugEnabledFromEnv implements the same AMP_DEBUG contract as the loop
// package: set and not "0"/"false" enables capture of the stack trace at
// the first completion, for inclusion in a subsequent double-completion
// error.
func debugEnabledFromEnv() bool {
	v, ok := os.LookupEnv("AMP_DEBUG")
	if !ok {
		return false
	}
	return v != "0" && v != "false"
}

func captureStack() string {
	buf := make([]byte, 8192)
	n := runtime.Stack(buf, false)
	return string(buf[:n])
}

// queuedValue pairs a buffered value with the backpressure deferred the
// producer is awaiting for it.
type queuedValue[T any] struct {
	value T
	bp    *promise.Deferred[struct{}]
}

// sharedState is the buffer and control state shared between a Producer
// and its single Consumer (component G of the design: producer/consumer
// coupled through one buffer, one backpressure queue, and one completion
// slot).
type sharedState[T any] struct {
	scheduler    promise.Scheduler
	debugEnabled bool

	mu sync.Mutex

	queue []queuedValue[T]

	complete    bool
	completeErr error
	firstStack  string

	waiting *promise.Deferred[bool]

	disposed      bool
	consumerTaken bool
}

// finish settles the completion slot exactly once. err == nil means a
// clean end (Complete); non-nil means Fail. A second call returns
// ErrAlreadyComplete, including the first call's stack trace when debug
// capture is enabled.
func (s *sharedState[T]) finish(err error) error {
	s.mu.Lock()
	if s.complete {
		stack := s.firstStack
		s.mu.Unlock()
		if stack != "" {
			return &CompletionError{Stack: stack}
		}
		return ErrAlreadyComplete
	}
	s.complete = true
	s.completeErr = err
	if s.debugEnabled {
		s.firstStack = captureStack()
	}
	w := s.waiting
	s.waiting = nil
	s.mu.Unlock()

	if w != nil {
		if err != nil {
			_ = w.Fail(err)
		} else {
			_ = w.Resolve(false)
		}
	}
	return nil
}

// CompletionError wraps [ErrAlreadyComplete] with the stack trace of the
// first completion call, when AMP_DEBUG capture is enabled.
type CompletionError struct {
	Stack string
}

func (e *CompletionError) Error() string {
	return ErrAlreadyComplete.Error() + "\nfirst completed at:\n" + e.Stack
}

func (e *CompletionError) Unwrap() error {
	return ErrAlreadyComplete
}

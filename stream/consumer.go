package stream

import (
	"github.com/domyhero/amp/promise"
)

// Consumer is the single-consumer read side of a stream, obtained once
// via [Producer.Consumer]. It is not safe to call Advance concurrently
// with itself — a second call while one is outstanding fails with
// [ErrOverlappedAdvance].
type Consumer[T any] struct {
	state *sharedState[T]

	position int

	haveCurrent bool
	current     T
	currentBP   *promise.Deferred[struct{}]

	advancePending bool
}

// Advance releases the backpressure on the current value (if any),
// discards it, and moves to the next one. It returns a promise settling
// with true if a value is immediately available, false if the producer
// has completed with nothing left, or the producer's failure if it
// failed. A second Advance call while the first's promise is still
// pending fails with [ErrOverlappedAdvance].
func (c *Consumer[T]) Advance() promise.Promise[bool] {
	s := c.state

	s.mu.Lock()
	if c.advancePending {
		s.mu.Unlock()
		return promise.Failure[bool](s.scheduler, ErrOverlappedAdvance)
	}

	if c.currentBP != nil {
		bp := c.currentBP
		c.currentBP = nil
		s.mu.Unlock()
		_ = bp.Resolve(struct{}{})
		s.mu.Lock()
	}

	c.haveCurrent = false
	c.position++

	if len(s.queue) > 0 {
		item := s.queue[0]
		s.queue = s.queue[1:]
		c.current = item.value
		c.haveCurrent = true
		c.currentBP = item.bp
		s.mu.Unlock()

		p, _ := promise.Success[bool](s.scheduler, true)
		return p
	}

	if s.complete {
		err := s.completeErr
		s.mu.Unlock()
		if err != nil {
			return promise.Failure[bool](s.scheduler, err)
		}
		p, _ := promise.Success[bool](s.scheduler, false)
		return p
	}

	d := promise.NewDeferred[bool](s.scheduler)
	s.waiting = d
	c.advancePending = true
	s.mu.Unlock()

	// Registered before any caller's handler, so the value that woke this
	// Advance is already current by the time the caller observes true.
	d.Promise().When(func(err error, ok bool) {
		s.mu.Lock()
		c.advancePending = false
		if err == nil && ok && len(s.queue) > 0 {
			item := s.queue[0]
			s.queue = s.queue[1:]
			c.current = item.value
			c.haveCurrent = true
			c.currentBP = item.bp
		}
		s.mu.Unlock()
	})
	return d.Promise()
}

// Current returns the value at the consumer's current position.
// [ErrCompleted] if the buffer is empty and the producer has completed;
// [ErrNotReady] if no Advance has settled onto a value yet.
func (c *Consumer[T]) Current() (T, error) {
	s := c.state
	s.mu.Lock()
	defer s.mu.Unlock()

	var zero T
	if c.haveCurrent {
		return c.current, nil
	}
	if s.complete && len(s.queue) == 0 {
		return zero, ErrCompleted
	}
	return zero, ErrNotReady
}

// Close disposes the consumer. Idempotent. Any outstanding backpressure
// deferred (for the current value or anything still buffered) is
// resolved so the producer's Emit returns; the producer's next Emit
// after that observes [ErrDisposed]. An outstanding Advance, if any, is
// failed with [ErrDisposed] so nothing awaiting it hangs forever.
func (c *Consumer[T]) Close() error {
	s := c.state

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return nil
	}
	s.disposed = true

	queue := s.queue
	s.queue = nil

	currentBP := c.currentBP
	c.currentBP = nil

	waiting := s.waiting
	s.waiting = nil
	s.mu.Unlock()

	if currentBP != nil {
		_ = currentBP.Resolve(struct{}{})
	}
	for _, item := range queue {
		_ = item.bp.Resolve(struct{}{})
	}
	if waiting != nil {
		_ = waiting.Fail(ErrDisposed)
	}
	return nil
}

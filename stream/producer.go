package stream

import (
	"github.com/domyhero/amp/promise"
)

// Producer is the write side of a backpressured stream. It is safe to
// call from the single goroutine driving production; nothing in this
// package makes it safe to call Emit/Complete/Fail concurrently from
// multiple goroutines, matching the design's shared-resource rules.
type Producer[T any] struct {
	state *sharedState[T]
}

// NewProducer creates a producer backed by scheduler for continuation
// dispatch. Call [Producer.Consumer] once to obtain the paired consumer
// handle.
func NewProducer[T any](scheduler promise.Scheduler) *Producer[T] {
	return &Producer[T]{state: &sharedState[T]{
		scheduler:    scheduler,
		debugEnabled: debugEnabledFromEnv(),
	}}
}

// Consumer returns the single consumer handle for this producer. Any
// call after the first returns [ErrConsumerAlreadyTaken].
func (p *Producer[T]) Consumer() (*Consumer[T], error) {
	p.state.mu.Lock()
	defer p.state.mu.Unlock()
	if p.state.consumerTaken {
		return nil, ErrConsumerAlreadyTaken
	}
	p.state.consumerTaken = true
	return &Consumer[T]{state: p.state}, nil
}

// Emit appends value to the buffer and returns a promise that settles
// once the consumer has advanced past this specific value — one-by-one
// backpressure. If the consumer has already been disposed, Emit fails
// with [ErrDisposed] and marks the producer itself complete with that
// same failure. If the producer has already completed, Emit fails with
// [ErrAlreadyComplete]. If value is itself a [promise.PromiseLike], Emit
// adopts it: it awaits the value, then re-emits the resolved value
// transparently, or fails the producer if the wait itself fails.
func (p *Producer[T]) Emit(value T) promise.Promise[struct{}] {
	s := p.state

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		_ = s.finish(ErrDisposed)
		return promise.Failure[struct{}](s.scheduler, ErrDisposed)
	}
	if s.complete {
		s.mu.Unlock()
		return promise.Failure[struct{}](s.scheduler, ErrAlreadyComplete)
	}
	if pl, ok := any(value).(promise.PromiseLike[T]); ok {
		s.mu.Unlock()
		return p.emitAdopted(pl)
	}

	bp := promise.NewDeferred[struct{}](s.scheduler)
	s.queue = append(s.queue, queuedValue[T]{value: value, bp: bp})
	w := s.waiting
	s.waiting = nil
	s.mu.Unlock()

	if w != nil {
		_ = w.Resolve(true)
	}
	return bp.Promise()
}

// emitAdopted awaits a promise-like value, then re-emits its resolved
// value once it settles. Adoption is flat: the returned promise settles
// exactly once, when the ultimately re-emitted value's own backpressure
// settles, not once per link in the adoption chain.
//
// If the producer completes (or fails) while this adoption is still
// waiting on the inner promise, the wait's eventual success races the
// producer's own completion. That race fails out with
// [ErrEmitRacedCompletion] rather than the plain [ErrAlreadyComplete] a
// direct Emit call would observe, since the caller of the original Emit
// never got a chance to observe the completed producer before handing
// over a promise-like value.
func (p *Producer[T]) emitAdopted(pl promise.PromiseLike[T]) promise.Promise[struct{}] {
	out := promise.NewDeferred[struct{}](p.state.scheduler)
	s := p.state
	pl.When(func(err error, val T) {
		if err != nil {
			_ = s.finish(err)
			_ = out.Fail(err)
			return
		}
		s.mu.Lock()
		racedCompletion := s.complete
		s.mu.Unlock()
		if racedCompletion {
			_ = out.Fail(ErrEmitRacedCompletion)
			return
		}
		inner := p.Emit(val)
		inner.When(func(err error, _ struct{}) {
			if err != nil {
				_ = out.Fail(err)
			} else {
				_ = out.Resolve(struct{}{})
			}
		})
	})
	return out.Promise()
}

// Complete marks the producer done: the consumer's current or next
// Advance yields a fulfilled false. A second call returns
// [ErrAlreadyComplete] (or a [CompletionError] carrying the first call's
// stack trace, when AMP_DEBUG capture is enabled).
func (p *Producer[T]) Complete() error {
	return p.state.finish(nil)
}

// Fail marks the producer done with a failure: the consumer's current or
// next Advance re-raises err. A second call to Complete or Fail returns
// [ErrAlreadyComplete] (or a [CompletionError]).
func (p *Producer[T]) Fail(err error) error {
	return p.state.finish(err)
}

package stream

import "errors"

var (
	// ErrOverlappedAdvance is returned when Advance is called while a
	// prior call's promise has not yet settled.
	ErrOverlappedAdvance = errors.New("stream: overlapped advance")
	// ErrCompleted is returned by Current when the buffer is empty and
	// the producer has completed.
	ErrCompleted = errors.New("stream: completed")
	// ErrNotReady is returned by Current when no value is at the
	// consumer's current position yet.
	ErrNotReady = errors.New("stream: not ready")
	// ErrDisposed is the terminal failure a producer's Emit observes
	// after its consumer has been closed.
	ErrDisposed = errors.New("stream: disposed")
	// ErrAlreadyComplete is returned by Emit or Complete/Fail once the
	// producer has already completed.
	ErrAlreadyComplete = errors.New("stream: already complete")
	// ErrConsumerAlreadyTaken is returned by Producer.Consumer on any
	// call after the first — a producer has exactly one consumer.
	ErrConsumerAlreadyTaken = errors.New("stream: consumer already taken")
	// ErrEmitRacedCompletion is returned by the promise Emit returns for
	// an adopted (promise-like) value when the producer completes or
	// fails while that adoption is still waiting on the inner promise —
	// distinct from [ErrAlreadyComplete], which is what a direct
	// Emit/Complete/Fail call observes once already complete.
	ErrEmitRacedCompletion = errors.New("stream: iterator was completed before the promise result could be emitted")
)

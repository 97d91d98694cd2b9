// Package stream implements a backpressured, single-consumer async
// iterator layered on the promise package.
//
// A [Producer] emits values one at a time; each [Producer.Emit] returns a
// promise that settles only once the [Consumer] has advanced past that
// specific value, giving one-by-one backpressure without an unbounded
// buffer. A [Consumer] is obtained exactly once from its producer —
// further attempts fail — and drives iteration with [Consumer.Advance]
// and reads the current value with [Consumer.Current]. Dropping a
// consumer via [Consumer.Close] propagates back to the producer: any
// value it was waiting to emit resolves immediately, and the producer's
// next Emit fails with [ErrDisposed], ending its production loop.
package stream

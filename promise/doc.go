// Package promise implements a single-assignment future with ordered,
// always-deferred continuation dispatch.
//
// A [Promise] holds exactly one of three states: pending, fulfilled, or
// failed. Once settled its state never changes. Continuations registered
// with [Promise.When] fire in registration order and always on the next
// tick of the [Scheduler] backing the promise, whether the promise was
// already settled at registration time or settles later. This is what
// lets callers reason about a promise's continuations the same way
// regardless of timing: synchronous resolution never leaks synchronous
// callback execution.
//
// [Deferred] is the write side of a pending promise, exposing exactly
// one legal resolve/fail transition. Resolving a deferred with another
// [PromiseLike] value adopts it: the deferred's own promise settles with
// whatever the adopted value eventually settles with, rather than
// nesting one promise inside another.
package promise

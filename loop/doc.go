// Package loop implements a single-threaded, cooperative event loop driver.
//
// # Architecture
//
// A [Driver] multiplexes six kinds of watcher onto one OS thread: deferred
// callbacks, delayed callbacks, repeating timers, stream-readability
// watchers, stream-writability watchers, and signal watchers. Each call to
// [Driver.Run] blocks, running ticks until the driver is stopped or every
// referenced, enabled watcher has drained.
//
// # Tick discipline
//
// Within a single tick, watchers dispatch in a fixed class order: defer
// callbacks, then expired timers, then ready I/O, then accumulated signal
// deliveries. A watcher that is newly registered or re-enabled during a
// tick is armed for dispatch no earlier than the following tick - this is
// the activation rule, and it is what makes the ordering tests in the
// package tests deterministic.
//
// # Platform support
//
// I/O readiness is delivered through a per-OS [Multiplexer]: epoll on
// Linux, kqueue on Darwin. Other platforms fall back to a poller that
// supports timers only and reports [ErrUnsupportedFeature] for
// on-readable, on-writable and on-signal registration.
//
// # Thread safety
//
// Watcher registration, control, and callback dispatch are expected to
// happen on the goroutine that calls [Driver.Run] - the same
// single-threaded discipline the rest of this module assumes. The one
// exception is signal delivery, which necessarily arrives from the Go
// runtime's own signal-handling goroutine and is funneled back onto the
// loop thread via an internal wake mechanism.
package loop

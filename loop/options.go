package loop

import (
	"os"
	"time"
)

// options holds configuration resolved from a slice of [Option]s.
type options struct {
	errorHandler func(error)
	logger       Logger
	debug        bool
	now          func() time.Time
	poller       Multiplexer
}

// Option configures a [Driver] at construction time.
type Option func(*options)

// WithErrorHandler installs the initial error handler, equivalent to
// calling [Driver.SetErrorHandler] immediately after [New].
func WithErrorHandler(handler func(error)) Option {
	return func(o *options) {
		o.errorHandler = handler
	}
}

// WithLogger configures structured logging for driver-internal events
// (watcher arm/disarm, tick counts, funneled panics). The default is a
// [NoOpLogger].
func WithLogger(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithDebug forces debug capture on or off for the driver, overriding the
// AMP_DEBUG environment variable (see debugEnabledFromEnv below).
func WithDebug(enabled bool) Option {
	return func(o *options) {
		o.debug = enabled
	}
}

// WithNowFunc injects the clock used for timer scheduling. Tests use this
// to drive delay/repeat watchers deterministically instead of sleeping.
func WithNowFunc(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithMultiplexer overrides the platform-default I/O poller. Primarily
// useful for tests that need a fake readiness source.
func WithMultiplexer(m Multiplexer) Option {
	return func(o *options) {
		o.poller = m
	}
}

func resolveOptions(opts []Option) *options {
	o := &options{
		logger: NewNoOpLogger(),
		now:    time.Now,
		debug:  debugEnabledFromEnv(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// debugEnabledFromEnv implements the AMP_DEBUG contract: set and not
// equal to "0" or "false" enables debug capture, anything else (including
// absence) disables it.
func debugEnabledFromEnv() bool {
	v, ok := os.LookupEnv("AMP_DEBUG")
	if !ok {
		return false
	}
	return v != "0" && v != "false"
}

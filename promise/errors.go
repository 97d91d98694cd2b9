package promise

import "errors"

var (
	// ErrAlreadySettled is returned by a second call to Resolve or Fail on
	// the same Deferred.
	ErrAlreadySettled = errors.New("promise: already settled")
	// ErrInvalidArgument is returned when Success is constructed with a
	// value that is itself a promise.
	ErrInvalidArgument = errors.New("promise: invalid argument")
)

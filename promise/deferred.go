package promise

// Deferred is a write-capability over exactly one promise: created
// paired with a fresh pending promise, it supports Resolve and Fail
// exactly once. A second settlement call fails with [ErrAlreadySettled],
// even while an adoption started by the first call is still outstanding
// (its inner promise hasn't settled yet, so the wrapped promise is still
// pending — Deferred tracks its own used bit instead of inferring
// "already settled" from the promise's state, precisely to cover that
// window). Dropping a Deferred without settling it is legal — it just
// leaves the promise pending forever.
type Deferred[T any] struct {
	p    *promise[T]
	used bool
}

// NewDeferred creates a fresh pending promise paired with its Deferred.
func NewDeferred[T any](s Scheduler) *Deferred[T] {
	return &Deferred[T]{p: newPromise[T](s)}
}

// Promise returns the read side of the deferred.
func (d *Deferred[T]) Promise() Promise[T] {
	return d.p
}

// Resolve settles the promise as fulfilled with value. If value is
// itself a [PromiseLike], Resolve adopts it instead: the deferred's
// promise settles with whatever value's promise eventually settles with,
// at the time it settles, rather than nesting one promise in another.
// Adoption composes flat — adopting a promise that itself was adopted
// does not add extra tick delays beyond what the chain already has.
func (d *Deferred[T]) Resolve(value T) error {
	if pl, ok := any(value).(PromiseLike[T]); ok {
		return d.adopt(pl)
	}
	if !d.markUsed() {
		return ErrAlreadySettled
	}
	return d.p.settle(nil, value)
}

// Fail settles the promise as failed with err.
func (d *Deferred[T]) Fail(err error) error {
	if !d.markUsed() {
		return ErrAlreadySettled
	}
	var zero T
	return d.p.settle(err, zero)
}

// markUsed claims this Deferred's single settlement slot, returning false
// if it was already claimed by an earlier Resolve, Fail, or adopt call —
// regardless of whether that call has settled the underlying promise yet.
func (d *Deferred[T]) markUsed() bool {
	d.p.mu.Lock()
	defer d.p.mu.Unlock()
	if d.used {
		return false
	}
	d.used = true
	return true
}

func (d *Deferred[T]) adopt(pl PromiseLike[T]) error {
	if !d.markUsed() {
		return ErrAlreadySettled
	}

	pl.When(func(err error, val T) {
		_ = d.p.settle(err, val)
	})
	return nil
}

package amp

import (
	"errors"
	"sync"

	"github.com/domyhero/amp/loop"
)

// ErrNoDriver is returned by every passthrough when no driver is
// installed.
var ErrNoDriver = errors.New("amp: no driver installed")

var (
	mu               sync.Mutex
	current          *loop.Driver
	cleared          bool
	defaultAttempted bool
)

// Set installs driver as the process-wide driver. Set(nil) clears it;
// subsequent passthroughs fail with [ErrNoDriver] until Set is called
// again with a non-nil driver.
func Set(driver *loop.Driver) {
	mu.Lock()
	defer mu.Unlock()
	current = driver
	cleared = driver == nil
}

// Get returns the currently installed driver, lazily creating a default
// one with [loop.New] the first time it's needed (unless Set(nil) was
// called explicitly, which suppresses lazy creation).
func Get() (*loop.Driver, error) {
	mu.Lock()
	d := current
	needDefault := d == nil && !cleared && !defaultAttempted
	if needDefault {
		defaultAttempted = true
	}
	mu.Unlock()

	if needDefault {
		nd, err := loop.New()
		if err == nil {
			mu.Lock()
			if current == nil && !cleared {
				current = nd
			}
			d = current
			mu.Unlock()
		}
	}

	if d == nil {
		return nil, ErrNoDriver
	}
	return d, nil
}

// Run passes through to the installed driver's Run.
func Run() error {
	d, err := Get()
	if err != nil {
		return err
	}
	return d.Run()
}

// Stop passes through to the installed driver's Stop.
func Stop() error {
	d, err := Get()
	if err != nil {
		return err
	}
	d.Stop()
	return nil
}

// Defer passes through to the installed driver's Defer.
func Defer(cb loop.Callback, datum any) (loop.WatcherID, error) {
	d, err := Get()
	if err != nil {
		return loop.WatcherID{}, err
	}
	return d.Defer(cb, datum), nil
}

// Delay passes through to the installed driver's Delay.
func Delay(ms int64, cb loop.Callback, datum any) (loop.WatcherID, error) {
	d, err := Get()
	if err != nil {
		return loop.WatcherID{}, err
	}
	return d.Delay(ms, cb, datum), nil
}

// Repeat passes through to the installed driver's Repeat.
func Repeat(intervalMs int64, cb loop.Callback, datum any) (loop.WatcherID, error) {
	d, err := Get()
	if err != nil {
		return loop.WatcherID{}, err
	}
	return d.Repeat(intervalMs, cb, datum), nil
}

// OnReadable passes through to the installed driver's OnReadable.
func OnReadable(fd int, cb loop.IOCallback, datum any) (loop.WatcherID, error) {
	d, err := Get()
	if err != nil {
		return loop.WatcherID{}, err
	}
	return d.OnReadable(fd, cb, datum)
}

// OnWritable passes through to the installed driver's OnWritable.
func OnWritable(fd int, cb loop.IOCallback, datum any) (loop.WatcherID, error) {
	d, err := Get()
	if err != nil {
		return loop.WatcherID{}, err
	}
	return d.OnWritable(fd, cb, datum)
}

// OnSignal passes through to the installed driver's OnSignal.
func OnSignal(signo int, cb loop.SignalCallback, datum any) (loop.WatcherID, error) {
	d, err := Get()
	if err != nil {
		return loop.WatcherID{}, err
	}
	return d.OnSignal(signo, cb, datum)
}

// Enable passes through to the installed driver's Enable.
func Enable(id loop.WatcherID) error {
	d, err := Get()
	if err != nil {
		return err
	}
	return d.Enable(id)
}

// Disable passes through to the installed driver's Disable.
func Disable(id loop.WatcherID) error {
	d, err := Get()
	if err != nil {
		return err
	}
	return d.Disable(id)
}

// Cancel passes through to the installed driver's Cancel.
func Cancel(id loop.WatcherID) error {
	d, err := Get()
	if err != nil {
		return err
	}
	return d.Cancel(id)
}

// Reference passes through to the installed driver's Reference.
func Reference(id loop.WatcherID) error {
	d, err := Get()
	if err != nil {
		return err
	}
	return d.Reference(id)
}

// Unreference passes through to the installed driver's Unreference.
func Unreference(id loop.WatcherID) error {
	d, err := Get()
	if err != nil {
		return err
	}
	return d.Unreference(id)
}

// SetErrorHandler passes through to the installed driver's
// SetErrorHandler.
func SetErrorHandler(h func(error)) error {
	d, err := Get()
	if err != nil {
		return err
	}
	d.SetErrorHandler(h)
	return nil
}

// SetState passes through to the installed driver's SetState.
func SetState(key string, value any) error {
	d, err := Get()
	if err != nil {
		return err
	}
	d.SetState(key, value)
	return nil
}

// GetState passes through to the installed driver's GetState.
func GetState(key string) (any, error) {
	d, err := Get()
	if err != nil {
		return nil, err
	}
	v, _ := d.GetState(key)
	return v, nil
}

// GetInfo passes through to the installed driver's GetInfo.
func GetInfo() (loop.Info, error) {
	d, err := Get()
	if err != nil {
		return loop.Info{}, err
	}
	return d.GetInfo(), nil
}

//go:build !linux && !darwin

package loop

// signalBridge is a stub on platforms without wired-in signal support;
// [Driver.OnSignal] returns [ErrUnsupportedFeature] before ever touching
// this type.
type signalBridge struct{}

func newSignalBridge() *signalBridge { return &signalBridge{} }

func (b *signalBridge) watch(int)   {}
func (b *signalBridge) unwatch(int) {}
func (b *signalBridge) drain() []int { return nil }
func (b *signalBridge) close()      {}

package amp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/domyhero/amp/loop"
)

func TestSetNilClearsDriverAndFailsPassthroughs(t *testing.T) {
	d, err := loop.New()
	require.NoError(t, err)
	Set(d)
	t.Cleanup(func() { Set(nil); defaultAttempted = false; cleared = false })

	got, err := Get()
	require.NoError(t, err)
	assert.Same(t, d, got)

	Set(nil)
	_, err = Get()
	assert.ErrorIs(t, err, ErrNoDriver)

	_, err = Defer(func(loop.WatcherID, any) {}, nil)
	assert.ErrorIs(t, err, ErrNoDriver)
}

func TestSetInstallsExplicitDriver(t *testing.T) {
	d, err := loop.New()
	require.NoError(t, err)
	Set(d)
	t.Cleanup(func() { Set(nil); defaultAttempted = false; cleared = false })

	id, err := Defer(func(loop.WatcherID, any) {}, nil)
	require.NoError(t, err)
	assert.False(t, id.IsZero())
}

package memwatch

import (
	"context"
	"errors"
	"testing"

	"github.com/rpcpool/invindex/indexconfig"
	"github.com/stretchr/testify/require"
)

func TestCheckFiresOnCrossing(t *testing.T) {
	ctx := context.Background()
	usage := 50.0
	w := New(indexconfig.Default(), func(context.Context) (float64, error) { return usage, nil })

	calls := 0
	unregister := w.Register(func() { calls++ })
	require.Equal(t, 1, w.Listeners())

	fired, err := w.Check(ctx)
	require.NoError(t, err)
	require.False(t, fired)

	usage = 95
	fired, err = w.Check(ctx)
	require.NoError(t, err)
	require.True(t, fired)
	require.Equal(t, 1, calls)

	fired, err = w.Check(ctx)
	require.NoError(t, err)
	require.False(t, fired, "still above, no new crossing")

	usage = 10
	_, err = w.Check(ctx)
	require.NoError(t, err)
	usage = 91
	_, err = w.Check(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, calls)

	unregister()
	require.Zero(t, w.Listeners())
	usage = 10
	_, _ = w.Check(ctx)
	usage = 99
	_, err = w.Check(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, calls)
}

func TestCheckDisabledAndErrors(t *testing.T) {
	cfg := indexconfig.Default()
	cfg.LowMemory.Threshold = 0
	w := New(cfg, func(context.Context) (float64, error) { return 100, nil })
	fired, err := w.Check(context.Background())
	require.NoError(t, err)
	require.False(t, fired)

	boom := errors.New("no /proc")
	w = New(indexconfig.Default(), func(context.Context) (float64, error) { return 0, boom })
	_, err = w.Check(context.Background())
	require.ErrorIs(t, err, boom)
}

func TestRunStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w := New(indexconfig.Default(), func(context.Context) (float64, error) { return 0, nil })
	require.NoError(t, w.Run(ctx))
}

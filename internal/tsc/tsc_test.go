package tsc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClocks ticks the counter on every read and advances only when slept.
type fakeClocks struct {
	tick      int64
	cyclesPer int64 // per nanosecond slept
	cycles    int64
	ns        int64
	clockErr  error
}

func (f *fakeClocks) Cycles() int64 {
	f.cycles += f.tick
	return f.cycles
}

func (f *fakeClocks) Nanotime() (int64, error) { return f.ns, f.clockErr }

func (f *fakeClocks) sleep(_ context.Context, d time.Duration) error {
	f.ns += int64(d)
	f.cycles += int64(d) * f.cyclesPer
	return nil
}

func TestCalibrate(t *testing.T) {
	f := &fakeClocks{tick: 5, cyclesPer: 3}
	c := &Calibrator{Clocks: f, Window: 100 * time.Millisecond, Sleep: f.sleep}

	hz, err := c.Calibrate(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 3e9, float64(hz), 1000)
}

func TestCalibrateDefaultsWindow(t *testing.T) {
	f := &fakeClocks{tick: 1, cyclesPer: 2}
	var slept time.Duration
	c := &Calibrator{Clocks: f, Sleep: func(ctx context.Context, d time.Duration) error {
		slept = d
		return f.sleep(ctx, d)
	}}

	_, err := c.Calibrate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DefaultWindow, slept)
}

func TestCalibrateFailures(t *testing.T) {
	t.Run("stalled", func(t *testing.T) {
		f := &fakeClocks{tick: 1}
		c := &Calibrator{Clocks: f, Sleep: func(context.Context, time.Duration) error { return nil }}
		_, err := c.Calibrate(context.Background())
		require.ErrorIs(t, err, ErrCounterStalled)
	})

	t.Run("implausible", func(t *testing.T) {
		f := &fakeClocks{tick: 1}
		c := &Calibrator{Clocks: f, Sleep: f.sleep}
		_, err := c.Calibrate(context.Background())
		require.ErrorIs(t, err, ErrImplausible)
	})

	t.Run("overhead", func(t *testing.T) {
		f := &fakeClocks{tick: 2 * maxOverhead, cyclesPer: 3}
		c := &Calibrator{Clocks: f, Sleep: f.sleep}
		_, err := c.Calibrate(context.Background())
		require.ErrorIs(t, err, ErrOverheadTooHigh)
	})

	t.Run("clock", func(t *testing.T) {
		clockErr := errors.New("no clock")
		f := &fakeClocks{tick: 1, clockErr: clockErr}
		c := &Calibrator{Clocks: f, Sleep: f.sleep}
		_, err := c.Calibrate(context.Background())
		require.ErrorIs(t, err, clockErr)
	})

	t.Run("canceled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		c := &Calibrator{Clocks: &fakeClocks{tick: 1, cyclesPer: 3}, Window: time.Hour}
		_, err := c.Calibrate(ctx)
		require.ErrorIs(t, err, context.Canceled)
	})
}

func TestCalibrateHost(t *testing.T) {
	if testing.Short() {
		t.Skip("calibrates against the real clock")
	}
	hz, err := Calibrate(context.Background(), 20*time.Millisecond)
	if errors.Is(err, ErrImplausible) || errors.Is(err, ErrOverheadTooHigh) {
		t.Skipf("host counter unusable: %v", err)
	}
	require.NoError(t, err)
	assert.NotZero(t, hz)
}

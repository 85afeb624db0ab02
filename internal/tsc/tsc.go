// Package tsc measures the host time stamp counter frequency against the
// monotonic clock.
package tsc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sys/unix"
	stime "gvisor.dev/gvisor/pkg/sentry/time"
)

const (
	DefaultWindow = 100 * time.Millisecond

	// maxOverhead bounds the cycles a single reference read may take
	// before the sample is retried.
	maxOverhead = 100000
	maxAttempts = 20

	// Frequencies outside this range mean the counter is unusable.
	minPlausibleHz = 100_000_000
	maxPlausibleHz = 10_000_000_000
)

var (
	ErrCounterStalled  = errors.New("tsc: counter did not advance")
	ErrOverheadTooHigh = errors.New("tsc: reference clock reads too slow")
	ErrImplausible     = errors.New("tsc: implausible frequency")
)

// Clocks pairs a cycle counter with a nanosecond reference clock.
type Clocks interface {
	Cycles() int64
	Nanotime() (int64, error)
}

type hostClocks struct{}

func (hostClocks) Cycles() int64 { return int64(stime.Rdtsc()) }

func (hostClocks) Nanotime() (int64, error) {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0, fmt.Errorf("tsc: clock_gettime: %w", err)
	}
	return ts.Nano(), nil
}

// HostClocks reads RDTSC and CLOCK_MONOTONIC.
func HostClocks() Clocks { return hostClocks{} }

type sample struct {
	before int64
	after  int64
	ref    int64
}

func (s sample) mid() int64 { return s.before + (s.after-s.before)/2 }

// Calibrator measures the counter frequency over Window.
type Calibrator struct {
	Clocks Clocks
	Window time.Duration
	Logger *slog.Logger

	// Sleep waits between the two samples; nil uses a timer bound to ctx.
	Sleep func(ctx context.Context, d time.Duration) error
}

func (c *Calibrator) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// sample reads the reference clock bracketed by two counter reads,
// retrying until the bracket is tight.
func (c *Calibrator) sample() (sample, error) {
	var best sample
	found := false
	for i := 0; i < maxAttempts; i++ {
		var s sample
		var err error
		s.before = c.Clocks.Cycles()
		s.ref, err = c.Clocks.Nanotime()
		s.after = c.Clocks.Cycles()
		if err != nil {
			return sample{}, err
		}
		if s.after < s.before {
			c.logger().Warn("tsc went backwards", "before", s.before, "after", s.after)
			continue
		}
		if !found || s.after-s.before < best.after-best.before {
			best, found = s, true
		}
		if s.after-s.before <= maxOverhead/10 {
			break
		}
	}
	if !found || best.after-best.before > maxOverhead {
		return sample{}, ErrOverheadTooHigh
	}
	return best, nil
}

// Calibrate returns the counter frequency in Hz.
func (c *Calibrator) Calibrate(ctx context.Context) (uint64, error) {
	if c.Clocks == nil {
		c.Clocks = HostClocks()
	}
	window := c.Window
	if window <= 0 {
		window = DefaultWindow
	}
	sleep := c.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	start, err := c.sample()
	if err != nil {
		return 0, err
	}
	if err := sleep(ctx, window); err != nil {
		return 0, err
	}
	end, err := c.sample()
	if err != nil {
		return 0, err
	}

	cycles := end.mid() - start.mid()
	elapsed := end.ref - start.ref
	if cycles <= 0 || elapsed <= 0 {
		return 0, fmt.Errorf("%w: %d cycles in %dns", ErrCounterStalled, cycles, elapsed)
	}

	hz := uint64(float64(cycles) * float64(time.Second) / float64(elapsed))
	if hz < minPlausibleHz || hz > maxPlausibleHz {
		return hz, fmt.Errorf("%w: %d Hz", ErrImplausible, hz)
	}

	c.logger().Debug("tsc calibrated",
		"hz", hz,
		"window", time.Duration(elapsed),
		"overhead", max(start.after-start.before, end.after-end.before))
	return hz, nil
}

// Calibrate measures the host counter over window.
func Calibrate(ctx context.Context, window time.Duration) (uint64, error) {
	c := &Calibrator{Window: window}
	return c.Calibrate(ctx)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-t.C:
		return nil
	}
}

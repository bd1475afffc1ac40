// Package clock provides the trace clock used to stamp ring buffer events.
package clock

import (
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// Clock returns a monotonically non-decreasing nanosecond counter.
type Clock interface {
	Now() uint64
}

// Monotonic reads CLOCK_MONOTONIC directly, the same base the kernel uses
// for its perf and trace clocks.
type Monotonic struct{}

func (Monotonic) Now() uint64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return uint64(time.Now().UnixNano())
	}
	return uint64(ts.Nano())
}

// Manual is a settable clock for tests and replay.
type Manual struct {
	now atomic.Uint64
}

func NewManual(start uint64) *Manual {
	m := &Manual{}
	m.now.Store(start)
	return m
}

func (m *Manual) Now() uint64 {
	return m.now.Load()
}

func (m *Manual) Set(ns uint64) {
	m.now.Store(ns)
}

// Advance moves the clock forward by d and returns the new reading.
func (m *Manual) Advance(d uint64) uint64 {
	return m.now.Add(d)
}

// Ticker advances by Step on every read, so successive events always get
// distinct, increasing stamps.
type Ticker struct {
	Step uint64
	now  atomic.Uint64
}

func (t *Ticker) Now() uint64 {
	return t.now.Add(t.Step)
}

// Package clock abstracts the logical clock the allocation engine stamps and
// expires requests with. Heights are monotonically non-decreasing; one unit is
// one "block" of the hosting environment.
package clock

import (
	"sync/atomic"
	"time"
)

// Clock yields the current logical height.
type Clock interface {
	Height() uint64
}

// Interval derives the height from wall time at a fixed cadence.
type Interval struct {
	Genesis time.Time
	Step    time.Duration
}

// NewInterval creates a wall-clock-backed logical clock ticking once per step.
func NewInterval(genesis time.Time, step time.Duration) Interval {
	if step <= 0 {
		step = 10 * time.Minute
	}
	return Interval{Genesis: genesis.UTC(), Step: step}
}

func (c Interval) Height() uint64 {
	elapsed := time.Now().UTC().Sub(c.Genesis)
	if elapsed < 0 {
		return 0
	}
	return uint64(elapsed / c.Step)
}

// Manual is a hand-advanced clock for tests.
type Manual struct {
	height atomic.Uint64
}

// NewManual creates a manual clock positioned at the given height.
func NewManual(height uint64) *Manual {
	m := &Manual{}
	m.height.Store(height)
	return m
}

func (m *Manual) Height() uint64 { return m.height.Load() }

// Advance moves the clock forward by delta heights.
func (m *Manual) Advance(delta uint64) { m.height.Add(delta) }

// Set positions the clock at an absolute height.
func (m *Manual) Set(height uint64) { m.height.Store(height) }

package ratelimit

import (
	"time"

	"grindstone/internal/core"
)

// Ramp describes how a worker grows its thread count: Initial threads at
// start, then Increment more every Interval until Max are running.
type Ramp struct {
	Initial   int
	Increment int
	Interval  time.Duration
	Max       int
}

// Immediate reports whether every thread starts at once.
func (r Ramp) Immediate() bool {
	return r.Increment <= 0 || r.Interval <= 0 || r.Initial >= r.Max
}

type RampManager struct {
	ramp      Ramp
	startTime time.Time
	clock     core.Clock
}

// NewRampManager creates a RampManager with a real clock.
func NewRampManager(ramp Ramp) *RampManager {
	return NewRampManagerWithClock(ramp, core.RealClock{})
}

// NewRampManagerWithClock creates a RampManager with a custom clock (for testing).
func NewRampManagerWithClock(ramp Ramp, clock core.Clock) *RampManager {
	return &RampManager{
		ramp:      ramp,
		startTime: clock.Now(),
		clock:     clock,
	}
}

func (rm *RampManager) Elapsed() time.Duration {
	return rm.clock.Since(rm.startTime)
}

// TargetThreads returns how many threads should be running now.
func (rm *RampManager) TargetThreads() int {
	r := rm.ramp
	if r.Max <= 0 {
		return 0
	}
	if r.Immediate() {
		return r.Max
	}
	steps := int(rm.Elapsed() / r.Interval)
	target := max(r.Initial, 0) + steps*r.Increment
	return min(target, r.Max)
}

func (rm *RampManager) IsComplete() bool {
	return rm.TargetThreads() >= rm.ramp.Max
}

// UntilNextStep returns the time left before the target next grows, or zero
// once the ramp is complete.
func (rm *RampManager) UntilNextStep() time.Duration {
	if rm.IsComplete() {
		return 0
	}
	elapsed := rm.Elapsed()
	return rm.ramp.Interval - elapsed%rm.ramp.Interval
}

// Package motion holds the time-stepped motion primitives used by the
// actuator devices: a linear ramp, a trapezoidal position profile and a
// PID controller. Nothing in here touches hardware.
package motion

import "time"

// Ramp moves a value linearly towards a target at a fixed slope.
type Ramp struct {
	slope  float64 // units per microsecond
	value  float64
	target float64
	last   time.Time
}

// NewRamp creates a ramp with the given slope in units per microsecond.
// A non-positive slope makes the ramp jump straight to its target.
func NewRamp(slopePerMicrosecond float64) *Ramp {
	return &Ramp{slope: slopePerMicrosecond}
}

// Reset forces the ramp to value and makes it the current target.
func (r *Ramp) Reset(value float64, now time.Time) {
	r.value = value
	r.target = value
	r.last = now
}

// SetTarget changes the target without moving the current value.
func (r *Ramp) SetTarget(target float64, now time.Time) {
	if r.value == r.target {
		r.last = now
	}
	r.target = target
}

// Update advances the ramp to now and returns the new value.
func (r *Ramp) Update(now time.Time) float64 {
	dt := now.Sub(r.last)
	r.last = now
	if r.value == r.target {
		return r.value
	}
	if r.slope <= 0 || dt < 0 {
		r.value = r.target
		return r.value
	}

	step := r.slope * float64(dt.Microseconds())
	if r.value < r.target {
		r.value += step
		if r.value > r.target {
			r.value = r.target
		}
	} else {
		r.value -= step
		if r.value < r.target {
			r.value = r.target
		}
	}
	return r.value
}

// Value returns the current ramp output.
func (r *Ramp) Value() float64 {
	return r.value
}

// Target returns the value the ramp is heading for.
func (r *Ramp) Target() float64 {
	return r.target
}

// Done reports whether the ramp has reached its target.
func (r *Ramp) Done() bool {
	return r.value == r.target
}

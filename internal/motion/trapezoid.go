package motion

import (
	"math"
	"time"
)

// TrapezoidConfig bounds a trapezoidal velocity profile. Units are position
// units per second and per second squared.
type TrapezoidConfig struct {
	Acceleration float64 `yaml:"acceleration"`
	TravelSpeed  float64 `yaml:"travel_speed"`
}

type segment struct {
	accel    float64
	duration float64 // seconds
}

// Trapezoid generates a position/velocity trajectory towards a target with
// an accelerate, cruise and decelerate phase. When the remaining distance is
// too short to reach travel speed the cruise phase is dropped (triangular
// profile); when the current speed cannot be shed in time the profile is a
// single braking phase.
type Trapezoid struct {
	cfg TrapezoidConfig

	pos    float64
	vel    float64
	target float64

	origin   time.Time
	segments []segment
	startPos float64
	startVel float64
	landing  bool
	running  bool
}

// NewTrapezoid creates a stopped generator at position 0.
func NewTrapezoid(cfg TrapezoidConfig) *Trapezoid {
	return &Trapezoid{cfg: cfg}
}

// Reset stops the generator at pos.
func (t *Trapezoid) Reset(pos float64) {
	t.pos = pos
	t.vel = 0
	t.target = pos
	t.segments = nil
	t.running = false
}

// SetTarget plans a new profile from the current position and velocity.
func (t *Trapezoid) SetTarget(target float64, now time.Time) {
	t.target = target
	t.plan(now)
}

// Update advances the profile to now and returns the commanded position
// and velocity.
func (t *Trapezoid) Update(now time.Time) (float64, float64) {
	if !t.running {
		return t.pos, t.vel
	}

	elapsed := now.Sub(t.origin).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}

	pos, vel := t.startPos, t.startVel
	for _, s := range t.segments {
		dt := s.duration
		if elapsed < dt {
			t.pos = pos + vel*elapsed + 0.5*s.accel*elapsed*elapsed
			t.vel = vel + s.accel*elapsed
			return t.pos, t.vel
		}
		pos += vel*dt + 0.5*s.accel*dt*dt
		vel += s.accel * dt
		elapsed -= dt
	}

	if t.landing {
		t.pos = t.target
		t.vel = 0
		t.running = false
		t.segments = nil
		return t.pos, t.vel
	}

	// braked to a standstill away from the target, plan again from rest
	t.pos = pos
	t.vel = 0
	t.plan(now)
	return t.pos, t.vel
}

// Position returns the last commanded position.
func (t *Trapezoid) Position() float64 { return t.pos }

// Velocity returns the last commanded velocity.
func (t *Trapezoid) Velocity() float64 { return t.vel }

// Target returns the current target.
func (t *Trapezoid) Target() float64 { return t.target }

// Stopped reports whether the profile has completed.
func (t *Trapezoid) Stopped() bool { return !t.running }

func (t *Trapezoid) plan(now time.Time) {
	t.origin = now
	t.startPos = t.pos
	t.startVel = t.vel
	t.segments = t.segments[:0]

	d := t.target - t.pos
	if d == 0 && t.vel == 0 {
		t.running = false
		t.landing = true
		return
	}

	a := t.cfg.Acceleration
	vmax := t.cfg.TravelSpeed
	if a <= 0 || vmax <= 0 {
		// unconfigured: jump
		t.pos = t.target
		t.vel = 0
		t.running = false
		t.landing = true
		return
	}

	dir := 1.0
	if d < 0 {
		dir = -1.0
	}
	dist := math.Abs(d)
	u := t.vel * dir // speed towards the target

	t.running = true

	switch {
	case u < 0 || (d == 0 && t.vel != 0):
		// moving away: brake to a standstill, then replan
		speed := math.Abs(t.vel)
		brake := -a
		if t.vel < 0 {
			brake = a
		}
		t.segments = append(t.segments, segment{accel: brake, duration: speed / a})
		t.landing = false

	case u*u/(2*a) >= dist:
		// pure braking, decelerate just enough to land on the target
		decel := u * u / (2 * dist)
		t.segments = append(t.segments, segment{accel: -dir * decel, duration: u / decel})
		t.landing = true

	default:
		var t1, t2, t3 float64
		accel := a
		if u > vmax {
			accel = -a
		}
		d1 := (vmax*vmax - u*u) / (2 * accel)
		d3 := vmax * vmax / (2 * a)
		if d1+d3 <= dist {
			t1 = math.Abs(vmax-u) / a
			t2 = (dist - d1 - d3) / vmax
			t3 = vmax / a
		} else {
			accel = a
			peak := math.Sqrt((2*a*dist + u*u) / 2)
			t1 = (peak - u) / a
			t3 = peak / a
		}
		if t1 > 0 {
			t.segments = append(t.segments, segment{accel: dir * accel, duration: t1})
		}
		if t2 > 0 {
			t.segments = append(t.segments, segment{accel: 0, duration: t2})
		}
		t.segments = append(t.segments, segment{accel: -dir * a, duration: t3})
		t.landing = true
	}
}

package device

import (
	"log"
	"time"

	"github.com/librescoot/cleaning-service/internal/motion"
)

// RampConfig parameterises a motor that ramps between zero and a fixed
// duty cycle.
type RampConfig struct {
	Speed float64 `yaml:"speed"`
	// Slope in duty per second.
	Slope float64 `yaml:"slope"`
	// RunOn keeps the motor at speed for a while after Stop before the
	// ramp down begins.
	RunOn time.Duration `yaml:"run_on"`

	CurrentLimit         int `yaml:"current_limit"`
	OvercurrentScale     int `yaml:"overcurrent_scale"`
	OvercurrentThreshold int `yaml:"overcurrent_threshold"`
}

// RampDevice is a motor whose output follows a rate-limited ramp.
type RampDevice struct {
	base
	cfg  RampConfig
	act  Actuator
	ramp *motion.Ramp
	oc   overcurrent

	runOnUntil time.Time
	last       time.Time
}

// NewRampDevice creates a ramp device in the Disabled state.
func NewRampDevice(name string, cfg RampConfig, act Actuator, logger *log.Logger) *RampDevice {
	return &RampDevice{
		base: base{name: name, logger: logger},
		cfg:  cfg,
		act:  act,
		ramp: motion.NewRamp(cfg.Slope / 1e6),
		oc: overcurrent{
			limit:     cfg.CurrentLimit,
			scale:     cfg.OvercurrentScale,
			threshold: cfg.OvercurrentThreshold,
		},
	}
}

// NewBrush creates the scrubbing brush motor.
func NewBrush(cfg RampConfig, act Actuator, logger *log.Logger) *RampDevice {
	return NewRampDevice("brush", cfg, act, logger)
}

// NewSuction creates the suction fan.
func NewSuction(cfg RampConfig, act Actuator, logger *log.Logger) *RampDevice {
	return NewRampDevice("suction", cfg, act, logger)
}

func (d *RampDevice) Enable() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch d.status {
	case StatusDisabled:
		d.ramp.Reset(0, d.last)
		d.oc.reset()
		d.req = reqNone
		d.setStatus(StatusStopped)
	case StatusError:
		return ErrFault
	}
	return nil
}

func (d *RampDevice) Disable() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	stop(d.act)
	d.ramp.Reset(0, d.last)
	d.req = reqNone
	d.setStatus(StatusDisabled)
	return nil
}

func (d *RampDevice) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.requestStart()
}

func (d *RampDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.requestStop()
}

func (d *RampDevice) SetHold(hold bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if hold && !d.hold {
		stop(d.act)
	}
	d.hold = hold
}

// Output returns the current ramp value.
func (d *RampDevice) Output() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ramp.Value()
}

func (d *RampDevice) Tick(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.last = now

	mA := d.sample(d.act.Current)
	if d.hold {
		stop(d.act)
		return
	}

	if d.status != StatusDisabled && d.status != StatusError && d.oc.sample(mA) {
		d.logger.Printf("%s overcurrent: %d mA", d.name, mA)
		stop(d.act)
		d.ramp.Reset(0, now)
		d.req = reqNone
		d.setStatus(StatusError)
		return
	}

	switch d.status {
	case StatusDisabled, StatusError, StatusInitializing:
		stop(d.act)
		return
	case StatusStopped:
		if d.takeRequest() == reqStart {
			d.ramp.SetTarget(d.cfg.Speed, now)
			d.setStatus(StatusStarting)
		}
	case StatusStarting, StatusRunning:
		if d.takeRequest() == reqStop {
			d.runOnUntil = now.Add(d.cfg.RunOn)
			d.setStatus(StatusStopping)
			break
		}
		if d.status == StatusStarting && d.ramp.Done() {
			d.setStatus(StatusRunning)
		}
	case StatusStopping:
		if d.takeRequest() == reqStart {
			d.ramp.SetTarget(d.cfg.Speed, now)
			d.setStatus(StatusStarting)
			break
		}
		if now.Before(d.runOnUntil) {
			break
		}
		if d.ramp.Target() != 0 {
			d.ramp.SetTarget(0, now)
		}
		if d.ramp.Done() {
			d.setStatus(StatusStopped)
		}
	}

	drive(d.act, d.ramp.Update(now))
}

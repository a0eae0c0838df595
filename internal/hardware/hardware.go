// Package hardware defines the narrow I/O contracts the control core
// consumes and provides the backends that satisfy them: GPIO lines via the
// Linux character device, Modbus RTU motor boards, and an in-memory board
// for dry runs and tests.
package hardware

// DigitalInput is a sampled binary signal.
type DigitalInput interface {
	Read() bool
}

// DigitalOutput is a binary output that can be read back.
type DigitalOutput interface {
	Set()
	Reset()
	Read() bool
}

// AnalogInput is an analog readback, scaled to milliamps for current sensors.
type AnalogInput interface {
	Read() int
}

// PWMMode selects the H-bridge drive mode.
type PWMMode int

const (
	PWMCoast PWMMode = iota
	PWMForward
	PWMReverse
	PWMBrake
)

func (m PWMMode) String() string {
	switch m {
	case PWMCoast:
		return "coast"
	case PWMForward:
		return "forward"
	case PWMReverse:
		return "reverse"
	case PWMBrake:
		return "brake"
	default:
		return "unknown"
	}
}

// PWM drives a motor channel. Ratio is the duty cycle in [0, 1].
type PWM interface {
	SetRatio(ratio float64)
	SetMode(mode PWMMode)
}

// PulseCounter counts edges from a hall or flow sensor. Counting happens
// asynchronously; Take returns the pulses seen since the previous Take.
type PulseCounter interface {
	Enable(enabled bool)
	Take() int
}

// Watchdog is refreshed periodically by the control loop.
type Watchdog interface {
	Refresh()
}

// FuncInput adapts a function to DigitalInput.
type FuncInput func() bool

// Read calls f.
func (f FuncInput) Read() bool { return f() }

// Drive applies a signed duty cycle to a PWM channel: positive runs
// forward, negative reverse, zero brakes.
func Drive(p PWM, duty float64) {
	switch {
	case duty > 0:
		p.SetMode(PWMForward)
		p.SetRatio(clampRatio(duty))
	case duty < 0:
		p.SetMode(PWMReverse)
		p.SetRatio(clampRatio(-duty))
	default:
		p.SetRatio(0)
		p.SetMode(PWMBrake)
	}
}

func clampRatio(r float64) float64 {
	if r > 1 {
		return 1
	}
	if r < 0 {
		return 0
	}
	return r
}

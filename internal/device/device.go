// Package device implements the cleaning unit's actuators behind one
// lifecycle contract. Devices are stepped by Tick at the PWM period and
// never block; callers only place requests which the next Tick executes.
package device

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/librescoot/cleaning-service/internal/hardware"
)

// Status is the lifecycle state shared by all devices.
type Status int

const (
	StatusDisabled Status = iota
	StatusInitializing
	StatusStopped
	StatusStarting
	StatusRunning
	StatusStopping
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusDisabled:
		return "disabled"
	case StatusInitializing:
		return "initializing"
	case StatusStopped:
		return "stopped"
	case StatusStarting:
		return "starting"
	case StatusRunning:
		return "running"
	case StatusStopping:
		return "stopping"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

var (
	ErrNotEnabled       = errors.New("device not enabled")
	ErrNotReady         = errors.New("device still initializing")
	ErrFault            = errors.New("device in error")
	ErrInvalidPositions = errors.New("invalid lift positions")
)

// Device is the capability contract every actuator implements.
type Device interface {
	Name() string

	Enable() error
	Start() error
	Stop() error
	Disable() error

	Status() Status
	Current() int
	MaxCurrent() int
	ResetMaxCurrent()

	// SetHold freezes the device with zero output. A held device ignores
	// Start and Stop and reports Stopped.
	SetHold(hold bool)
	Held() bool

	Tick(now time.Time)
}

// Positioner is a device with a rest and a working position.
type Positioner interface {
	Device
	Lift() error
	Lower() error
	IsUp() bool
	Executing() bool
}

// Consumer is what a lift needs to know about the tool it carries.
type Consumer interface {
	Status() Status
	Current() int
}

// Actuator bundles the hardware of one motor channel. Blocked and Pulses
// are optional.
type Actuator struct {
	PWM     hardware.PWM
	Current hardware.AnalogInput
	Blocked hardware.DigitalInput
	Pulses  hardware.PulseCounter
}

type request int

const (
	reqNone request = iota
	reqStart
	reqStop
)

// base carries the bookkeeping common to all devices.
type base struct {
	mu     sync.Mutex
	name   string
	logger *log.Logger

	status     Status
	hold       bool
	req        request
	current    int
	maxCurrent int
}

func (b *base) Name() string { return b.name }

func (b *base) setStatus(s Status) {
	if b.status == s {
		return
	}
	b.logger.Printf("%s status: %s -> %s", b.name, b.status, s)
	b.status = s
}

func (b *base) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reportedStatus()
}

func (b *base) reportedStatus() Status {
	if b.hold && b.status != StatusDisabled {
		return StatusStopped
	}
	return b.status
}

func (b *base) Current() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

func (b *base) MaxCurrent() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.maxCurrent
}

func (b *base) ResetMaxCurrent() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maxCurrent = 0
}

func (b *base) Held() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hold
}

func (b *base) sample(in hardware.AnalogInput) int {
	if in == nil {
		return 0
	}
	c := in.Read()
	b.current = c
	if c > b.maxCurrent {
		b.maxCurrent = c
	}
	return c
}

// requestStart validates and records a start request. Must hold mu.
func (b *base) requestStart() error {
	if b.hold {
		return nil
	}
	switch b.status {
	case StatusDisabled:
		return ErrNotEnabled
	case StatusInitializing:
		return ErrNotReady
	case StatusError:
		return ErrFault
	case StatusStarting, StatusRunning:
		if b.req == reqStop {
			b.req = reqStart
		}
		return nil
	}
	b.req = reqStart
	return nil
}

// requestStop records a stop request. Must hold mu.
func (b *base) requestStop() error {
	if b.hold {
		return nil
	}
	switch b.status {
	case StatusStarting, StatusRunning:
		b.req = reqStop
	case StatusStopping, StatusStopped:
		if b.req == reqStart {
			b.req = reqStop
		}
	}
	return nil
}

func (b *base) takeRequest() request {
	r := b.req
	b.req = reqNone
	return r
}

// overcurrent is a saturating counter that trips after a number of
// samples above a limit; samples further over the limit count more.
type overcurrent struct {
	limit     int
	scale     int
	threshold int
	count     int
}

func (o *overcurrent) sample(mA int) bool {
	if o.limit <= 0 || o.threshold <= 0 {
		return false
	}
	if mA > o.limit {
		step := 1
		if o.scale > 0 {
			step += (mA - o.limit) / o.scale
		}
		o.count += step
	} else if o.count > 0 {
		o.count--
	}
	if o.count >= o.threshold {
		o.count = 0
		return true
	}
	return false
}

func (o *overcurrent) reset() { o.count = 0 }

func stop(a Actuator) {
	if a.PWM != nil {
		hardware.Drive(a.PWM, 0)
	}
}

func drive(a Actuator, duty float64) {
	if a.PWM != nil {
		hardware.Drive(a.PWM, duty)
	}
}

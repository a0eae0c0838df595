package hardware

import (
	"math"
	"sync/atomic"
)

// MemInput is an in-memory DigitalInput.
type MemInput struct {
	v atomic.Bool
}

// NewMemInput creates an input with an initial level.
func NewMemInput(v bool) *MemInput {
	in := &MemInput{}
	in.v.Store(v)
	return in
}

func (i *MemInput) Read() bool { return i.v.Load() }

// Put changes the level seen by readers.
func (i *MemInput) Put(v bool) { i.v.Store(v) }

// MemOutput is an in-memory DigitalOutput.
type MemOutput struct {
	v atomic.Bool
}

func (o *MemOutput) Set()       { o.v.Store(true) }
func (o *MemOutput) Reset()     { o.v.Store(false) }
func (o *MemOutput) Read() bool { return o.v.Load() }

// MemAnalog is an in-memory AnalogInput.
type MemAnalog struct {
	v atomic.Int64
}

func (a *MemAnalog) Read() int { return int(a.v.Load()) }

// Put changes the value seen by readers.
func (a *MemAnalog) Put(v int) { a.v.Store(int64(v)) }

// MemPWM records the last duty cycle and mode.
type MemPWM struct {
	ratio atomic.Uint64
	mode  atomic.Int32
}

func (p *MemPWM) SetRatio(ratio float64) { p.ratio.Store(math.Float64bits(clampRatio(ratio))) }
func (p *MemPWM) SetMode(mode PWMMode)   { p.mode.Store(int32(mode)) }

// Ratio returns the last duty cycle.
func (p *MemPWM) Ratio() float64 { return math.Float64frombits(p.ratio.Load()) }

// Mode returns the last drive mode.
func (p *MemPWM) Mode() PWMMode { return PWMMode(p.mode.Load()) }

// Duty returns the signed duty cycle implied by mode and ratio.
func (p *MemPWM) Duty() float64 {
	switch p.Mode() {
	case PWMForward:
		return p.Ratio()
	case PWMReverse:
		return -p.Ratio()
	default:
		return 0
	}
}

// MemPulseCounter is a lock-free PulseCounter fed by Add.
type MemPulseCounter struct {
	enabled atomic.Bool
	count   atomic.Int64
	total   atomic.Int64
}

// Add records n pulses if counting is enabled.
func (c *MemPulseCounter) Add(n int) {
	if !c.enabled.Load() {
		return
	}
	c.count.Add(int64(n))
	c.total.Add(int64(n))
}

func (c *MemPulseCounter) Enable(enabled bool) { c.enabled.Store(enabled) }
func (c *MemPulseCounter) Enabled() bool       { return c.enabled.Load() }
func (c *MemPulseCounter) Take() int           { return int(c.count.Swap(0)) }

// Total returns all pulses counted so far.
func (c *MemPulseCounter) Total() int { return int(c.total.Load()) }

// MemWatchdog counts refreshes.
type MemWatchdog struct {
	n atomic.Int64
}

func (w *MemWatchdog) Refresh()       { w.n.Add(1) }
func (w *MemWatchdog) Refreshes() int { return int(w.n.Load()) }

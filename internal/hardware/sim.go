package hardware

import (
	"math"
	"sync"
	"time"
)

// SimMotorConfig describes a simulated motor and its mechanics.
type SimMotorConfig struct {
	PulsesPerSecond float64 // at full duty
	Min, Max        int     // travel limits in pulses, ignored when Max <= Min
	Start           int
	IdleCurrent     int // mA at zero duty
	LoadCurrent     int // mA at full duty
	StallCurrent    int // mA against an end stop
}

// SimMotor is a motor channel with a crude plant model, used for dry runs.
// The plant advances lazily whenever one of its signals is accessed.
type SimMotor struct {
	mu      sync.Mutex
	cfg     SimMotorConfig
	now     func() time.Time
	last    time.Time
	pos     float64
	frac    float64
	duty    float64
	ratio   float64
	mode    PWMMode
	stalled bool
	counter MemPulseCounter
	extraMA int
}

// NewSimMotor creates a simulated motor using now as its clock.
func NewSimMotor(cfg SimMotorConfig, now func() time.Time) *SimMotor {
	if now == nil {
		now = time.Now
	}
	return &SimMotor{cfg: cfg, now: now, last: now(), pos: float64(cfg.Start)}
}

func (m *SimMotor) advance() {
	t := m.now()
	dt := t.Sub(m.last).Seconds()
	m.last = t
	if dt <= 0 {
		return
	}

	move := m.duty * m.cfg.PulsesPerSecond * dt
	next := m.pos + move
	m.stalled = false
	if m.cfg.Max > m.cfg.Min {
		if next < float64(m.cfg.Min) {
			next = float64(m.cfg.Min)
			m.stalled = m.duty < 0
		}
		if next > float64(m.cfg.Max) {
			next = float64(m.cfg.Max)
			m.stalled = m.duty > 0
		}
	}

	m.frac += math.Abs(next - m.pos)
	m.pos = next
	if whole := int(m.frac); whole > 0 {
		m.frac -= float64(whole)
		m.counter.Add(whole)
	}
}

func (m *SimMotor) SetRatio(ratio float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.advance()
	m.ratio = clampRatio(ratio)
	m.applyDuty()
}

func (m *SimMotor) SetMode(mode PWMMode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.advance()
	m.mode = mode
	m.applyDuty()
}

func (m *SimMotor) applyDuty() {
	switch m.mode {
	case PWMForward:
		m.duty = m.ratio
	case PWMReverse:
		m.duty = -m.ratio
	default:
		m.duty = 0
	}
}

// Read returns the motor current in mA.
func (m *SimMotor) Read() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.advance()
	if m.stalled {
		return m.cfg.StallCurrent + m.extraMA
	}
	return m.cfg.IdleCurrent + int(math.Abs(m.duty)*float64(m.cfg.LoadCurrent)) + m.extraMA
}

// AddLoad adds a constant offset to the reported current.
func (m *SimMotor) AddLoad(mA int) {
	m.mu.Lock()
	m.extraMA = mA
	m.mu.Unlock()
}

// Position returns the physical position in pulses.
func (m *SimMotor) Position() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.advance()
	return int(math.Round(m.pos))
}

// Pulses returns the hall sensor counter of this motor.
func (m *SimMotor) Pulses() PulseCounter { return simPulses{m} }

// Blocked returns an input that is high while the motor pushes an end stop.
func (m *SimMotor) Blocked() DigitalInput {
	return FuncInput(func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.advance()
		return m.stalled
	})
}

type simPulses struct{ m *SimMotor }

func (p simPulses) Enable(enabled bool) {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	p.m.advance()
	p.m.counter.Enable(enabled)
}

func (p simPulses) Take() int {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	p.m.advance()
	return p.m.counter.Take()
}

// SimBoard is a complete in-memory cleaning unit: safety signals with
// working loop-backs, motors with plants and a flow meter.
type SimBoard struct {
	MainPower      *MemInput
	Power24V       *MemInput
	EMStop         *MemInput
	CompanionAlive *MemInput
	Bumpers        [4]*MemInput
	Floor          [4]*MemInput

	ArmOK         *MemOutput
	Recovery      *MemOutput
	SafetyLog     *MemOutput
	CompanionTest *MemOutput
	TestMux       [2]*MemOutput

	Brush       *SimMotor
	Suction     *SimMotor
	BrushLift   *SimMotor
	SuctionLift *SimMotor
	WaterPump   *SimMotor
	Flow        *MemPulseCounter
	Watchdog    *MemWatchdog
}

// Loop-back selections of the safety test multiplexer.
const (
	MuxPower24V = iota
	MuxRecovery
	MuxArmOK
	MuxSensorChain
)

// NewSimBoard creates a board with all signals nominal.
func NewSimBoard(now func() time.Time) *SimBoard {
	b := &SimBoard{
		MainPower:      NewMemInput(true),
		Power24V:       NewMemInput(true),
		EMStop:         NewMemInput(false),
		CompanionAlive: NewMemInput(true),
		ArmOK:          &MemOutput{},
		Recovery:       &MemOutput{},
		SafetyLog:      &MemOutput{},
		CompanionTest:  &MemOutput{},
		Flow:           &MemPulseCounter{},
		Watchdog:       &MemWatchdog{},
	}
	for i := range b.Bumpers {
		b.Bumpers[i] = NewMemInput(false)
		b.Floor[i] = NewMemInput(false)
	}
	for i := range b.TestMux {
		b.TestMux[i] = &MemOutput{}
	}

	rotary := SimMotorConfig{PulsesPerSecond: 3000, IdleCurrent: 50, LoadCurrent: 1500}
	lift := SimMotorConfig{PulsesPerSecond: 4000, Min: 0, Max: 40000, Start: 2000,
		IdleCurrent: 20, LoadCurrent: 400, StallCurrent: 2500}
	b.Brush = NewSimMotor(rotary, now)
	b.Suction = NewSimMotor(rotary, now)
	b.BrushLift = NewSimMotor(lift, now)
	b.SuctionLift = NewSimMotor(lift, now)
	b.WaterPump = NewSimMotor(SimMotorConfig{PulsesPerSecond: 200, IdleCurrent: 10, LoadCurrent: 300}, now)
	return b
}

// TestIn is the multiplexed loop-back input of the safety chain.
func (b *SimBoard) TestIn() DigitalInput {
	return FuncInput(func() bool {
		sel := 0
		if b.TestMux[0].Read() {
			sel |= 1
		}
		if b.TestMux[1].Read() {
			sel |= 2
		}
		switch sel {
		case MuxPower24V:
			return b.Power24V.Read()
		case MuxRecovery:
			return b.Recovery.Read()
		case MuxArmOK:
			return b.ArmOK.Read()
		default:
			for i := range b.Bumpers {
				if b.Bumpers[i].Read() || b.Floor[i].Read() {
					return false
				}
			}
			return true
		}
	})
}

// CompanionOK mirrors the companion system: alive and not under test.
func (b *SimBoard) CompanionOK() DigitalInput {
	return FuncInput(func() bool {
		return b.CompanionAlive.Read() && !b.CompanionTest.Read()
	})
}

package device

import (
	"log"
	"time"

	"github.com/librescoot/cleaning-service/internal/hardware"
)

// MaxWaterLevel is the highest water level setting. Level 0 keeps the
// pump off while the unit runs.
const MaxWaterLevel = 3

// PulseTiming is one on/off dosing cycle.
type PulseTiming struct {
	On  time.Duration `yaml:"on"`
	Off time.Duration `yaml:"off"`
}

type WaterPumpConfig struct {
	Duty      float64       `yaml:"duty"`
	PrimeTime time.Duration `yaml:"prime_time"`
	// Levels holds the dosing cycle for levels 1..MaxWaterLevel.
	Levels [MaxWaterLevel]PulseTiming `yaml:"levels"`

	CurrentLimit         int `yaml:"current_limit"`
	OvercurrentScale     int `yaml:"overcurrent_scale"`
	OvercurrentThreshold int `yaml:"overcurrent_threshold"`
}

// WaterPump doses water in pulses. Starting primes the line, Running
// cycles the pump according to the water level and Stopping finishes an
// on-pulse that is already under way.
type WaterPump struct {
	base
	cfg  WaterPumpConfig
	act  Actuator
	flow hardware.PulseCounter
	oc   overcurrent

	level  int
	dryRun bool

	on         bool
	phaseUntil time.Time
	flowTotal  int
}

// NewWaterPump creates the water pump. flow may be nil.
func NewWaterPump(cfg WaterPumpConfig, act Actuator, flow hardware.PulseCounter, logger *log.Logger) *WaterPump {
	return &WaterPump{
		base: base{name: "water-pump", logger: logger},
		cfg:  cfg,
		act:  act,
		flow: flow,
		oc: overcurrent{
			limit:     cfg.CurrentLimit,
			scale:     cfg.OvercurrentScale,
			threshold: cfg.OvercurrentThreshold,
		},
		level: 1,
	}
}

// SetLevel selects the dosing level, clamped to 0..MaxWaterLevel.
func (p *WaterPump) SetLevel(level int) {
	if level < 0 {
		level = 0
	}
	if level > MaxWaterLevel {
		level = MaxWaterLevel
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.level = level
}

func (p *WaterPump) Level() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.level
}

// SetDryRun keeps the dosing sequence but suppresses pump output.
func (p *WaterPump) SetDryRun(dry bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dryRun = dry
}

// Pumping reports whether the sequence is in an on phase.
func (p *WaterPump) Pumping() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.on
}

// FlowPulses returns the flow meter pulses counted since the last reset.
func (p *WaterPump) FlowPulses() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.flowTotal
}

func (p *WaterPump) ResetFlowPulses() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flowTotal = 0
}

func (p *WaterPump) Enable() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.status {
	case StatusDisabled:
		p.on = false
		p.oc.reset()
		p.req = reqNone
		p.setStatus(StatusStopped)
	case StatusError:
		return ErrFault
	}
	return nil
}

func (p *WaterPump) Disable() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.off()
	p.req = reqNone
	p.setStatus(StatusDisabled)
	return nil
}

func (p *WaterPump) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requestStart()
}

func (p *WaterPump) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requestStop()
}

func (p *WaterPump) SetHold(hold bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if hold && !p.hold {
		p.off()
	}
	p.hold = hold
}

func (p *WaterPump) off() {
	p.on = false
	stop(p.act)
	if p.flow != nil {
		p.flow.Enable(false)
	}
}

func (p *WaterPump) timing() (PulseTiming, bool) {
	if p.level <= 0 {
		return PulseTiming{}, false
	}
	return p.cfg.Levels[p.level-1], true
}

func (p *WaterPump) Tick(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	mA := p.sample(p.act.Current)
	if p.flow != nil {
		p.flowTotal += p.flow.Take()
	}
	if p.hold {
		p.off()
		return
	}

	if p.status != StatusDisabled && p.status != StatusError && p.oc.sample(mA) {
		p.logger.Printf("%s overcurrent: %d mA", p.name, mA)
		p.off()
		p.req = reqNone
		p.setStatus(StatusError)
		return
	}

	switch p.status {
	case StatusDisabled, StatusError, StatusInitializing:
		p.off()
		return
	case StatusStopped:
		p.off()
		if p.takeRequest() != reqStart {
			return
		}
		p.on = true
		p.phaseUntil = now.Add(p.cfg.PrimeTime)
		p.setStatus(StatusStarting)
	case StatusStarting:
		if p.takeRequest() == reqStop {
			p.setStatus(StatusStopping)
			break
		}
		if !now.Before(p.phaseUntil) {
			p.setStatus(StatusRunning)
			p.nextPhase(now, false)
		}
	case StatusRunning:
		if p.takeRequest() == reqStop {
			p.setStatus(StatusStopping)
			break
		}
		if !now.Before(p.phaseUntil) {
			p.nextPhase(now, !p.on)
		}
	case StatusStopping:
		if p.takeRequest() == reqStart {
			// resume without priming again
			p.on = true
			p.phaseUntil = now
			p.setStatus(StatusStarting)
			break
		}
		if !p.on || !now.Before(p.phaseUntil) {
			p.off()
			p.setStatus(StatusStopped)
			return
		}
	}

	p.output()
}

// nextPhase switches to the on or off half of the dosing cycle.
func (p *WaterPump) nextPhase(now time.Time, on bool) {
	t, ok := p.timing()
	if !ok {
		p.on = false
		p.phaseUntil = now
		return
	}
	if on && t.On <= 0 {
		on = false
	}
	p.on = on
	if on {
		p.phaseUntil = now.Add(t.On)
	} else {
		p.phaseUntil = now.Add(t.Off)
	}
}

func (p *WaterPump) output() {
	if p.flow != nil {
		p.flow.Enable(p.on)
	}
	if !p.on || p.dryRun {
		stop(p.act)
		return
	}
	drive(p.act, p.cfg.Duty)
}

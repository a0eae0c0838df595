package hardware

import (
	"context"
	"encoding/binary"
	"fmt"
	"log"
	"math"
	"sync/atomic"
	"time"

	"github.com/goburrow/modbus"
)

// Motor board register map (Modbus RTU, one slave per board).
const (
	regMode    = 0 // holding: PWMMode
	regDuty    = 1 // holding: duty cycle in permille
	regCurrent = 0 // input: motor current in mA
	regPulses  = 1 // input: free running hall/flow pulse counter
	inBlocked  = 0 // discrete input: driver reports a blocked motor
)

// ModbusConfig configures the serial motor board bus.
type ModbusConfig struct {
	Device     string        `yaml:"device"`
	BaudRate   int           `yaml:"baud_rate"`
	DataBits   int           `yaml:"data_bits"`
	StopBits   int           `yaml:"stop_bits"`
	Parity     string        `yaml:"parity"`
	Timeout    time.Duration `yaml:"timeout"`
	PollPeriod time.Duration `yaml:"poll_period"`
}

// ModbusBus polls motor driver boards on one RTU line. All bus traffic
// happens on the Run goroutine; the boards exchange values with the control
// loop through atomics only.
type ModbusBus struct {
	handler *modbus.RTUClientHandler
	client  modbus.Client
	boards  []*MotorBoard
	period  time.Duration
	logger  *log.Logger
}

// NewModbusBus opens the serial line.
func NewModbusBus(cfg ModbusConfig, logger *log.Logger) (*ModbusBus, error) {
	handler := modbus.NewRTUClientHandler(cfg.Device)
	handler.BaudRate = cfg.BaudRate
	handler.DataBits = cfg.DataBits
	handler.StopBits = cfg.StopBits
	handler.Parity = cfg.Parity
	handler.Timeout = cfg.Timeout

	if err := handler.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect Modbus RTU on %s: %w", cfg.Device, err)
	}

	period := cfg.PollPeriod
	if period <= 0 {
		period = 5 * time.Millisecond
	}

	return &ModbusBus{
		handler: handler,
		client:  modbus.NewClient(handler),
		period:  period,
		logger:  logger,
	}, nil
}

// Board registers a motor board with the given slave id.
func (b *ModbusBus) Board(name string, slaveID byte) *MotorBoard {
	mb := &MotorBoard{name: name, slaveID: slaveID}
	mb.dirty.Store(true)
	b.boards = append(b.boards, mb)
	return mb
}

// Run polls all boards until ctx is cancelled.
func (b *ModbusBus) Run(ctx context.Context) {
	ticker := time.NewTicker(b.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, mb := range b.boards {
				b.poll(mb)
			}
		}
	}
}

func (b *ModbusBus) poll(mb *MotorBoard) {
	b.handler.SlaveId = mb.slaveID

	if mb.dirty.Swap(false) {
		values := make([]byte, 4)
		binary.BigEndian.PutUint16(values[0:], uint16(mb.mode.Load()))
		binary.BigEndian.PutUint16(values[2:], uint16(math.Round(mb.Ratio()*1000)))
		if _, err := b.client.WriteMultipleRegisters(regMode, 2, values); err != nil {
			mb.dirty.Store(true)
			b.fail(mb, "write drive", err)
			return
		}
	}

	regs, err := b.client.ReadInputRegisters(regCurrent, 2)
	if err != nil || len(regs) < 4 {
		b.fail(mb, "read inputs", err)
		return
	}
	mb.current.Store(int64(binary.BigEndian.Uint16(regs[0:])))
	raw := binary.BigEndian.Uint16(regs[2:])
	if mb.havePulses {
		delta := raw - mb.lastPulses
		if mb.pulsesEnabled.Load() {
			mb.pulses.Add(int64(delta))
		}
	}
	mb.lastPulses = raw
	mb.havePulses = true

	bits, err := b.client.ReadDiscreteInputs(inBlocked, 1)
	if err != nil || len(bits) < 1 {
		b.fail(mb, "read blocked flag", err)
		return
	}
	mb.blocked.Store(bits[0]&0x01 != 0)

	if mb.failed.Swap(false) {
		b.logger.Printf("Motor board %s (slave %d) recovered", mb.name, mb.slaveID)
	}
}

func (b *ModbusBus) fail(mb *MotorBoard, op string, err error) {
	if err == nil {
		err = fmt.Errorf("short response")
	}
	if !mb.failed.Swap(true) {
		b.logger.Printf("Motor board %s (slave %d): failed to %s: %v", mb.name, mb.slaveID, op, err)
	}
}

// Close stops all boards and closes the serial line.
func (b *ModbusBus) Close() error {
	for _, mb := range b.boards {
		mb.SetRatio(0)
		mb.SetMode(PWMBrake)
		b.poll(mb)
	}
	return b.handler.Close()
}

// MotorBoard is one H-bridge channel on the Modbus bus.
type MotorBoard struct {
	name    string
	slaveID byte

	ratio   atomic.Uint64
	mode    atomic.Int32
	dirty   atomic.Bool
	current atomic.Int64
	blocked atomic.Bool
	failed  atomic.Bool

	pulses        atomic.Int64
	pulsesEnabled atomic.Bool
	lastPulses    uint16 // poll goroutine only
	havePulses    bool
}

func (mb *MotorBoard) SetRatio(ratio float64) {
	bits := math.Float64bits(clampRatio(ratio))
	if mb.ratio.Swap(bits) != bits {
		mb.dirty.Store(true)
	}
}

func (mb *MotorBoard) SetMode(mode PWMMode) {
	if PWMMode(mb.mode.Swap(int32(mode))) != mode {
		mb.dirty.Store(true)
	}
}

// Ratio returns the last commanded duty cycle.
func (mb *MotorBoard) Ratio() float64 { return math.Float64frombits(mb.ratio.Load()) }

// Current returns the board's current readback.
func (mb *MotorBoard) Current() AnalogInput {
	return analogFunc(func() int { return int(mb.current.Load()) })
}

// Blocked returns the board's blocked flag.
func (mb *MotorBoard) Blocked() DigitalInput {
	return FuncInput(mb.blocked.Load)
}

// Pulses returns the board's pulse counter.
func (mb *MotorBoard) Pulses() PulseCounter { return boardPulses{mb} }

// Healthy reports whether the last poll succeeded.
func (mb *MotorBoard) Healthy() bool { return !mb.failed.Load() }

type boardPulses struct{ mb *MotorBoard }

func (p boardPulses) Enable(enabled bool) {
	p.mb.pulsesEnabled.Store(enabled)
	if !enabled {
		p.mb.pulses.Store(0)
	}
}

func (p boardPulses) Take() int { return int(p.mb.pulses.Swap(0)) }

type analogFunc func() int

func (f analogFunc) Read() int { return f() }

package service

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/librescoot/cleaning-service/internal/config"
	"github.com/librescoot/cleaning-service/internal/device"
	"github.com/librescoot/cleaning-service/internal/hardware"
	"github.com/librescoot/cleaning-service/internal/safety"
)

// Board is the hardware of one cleaning unit, independent of the backend.
type Board struct {
	Safety    safety.Signals
	MainPower hardware.DigitalInput

	Brush       device.Actuator
	Suction     device.Actuator
	BrushLift   device.Actuator
	SuctionLift device.Actuator
	WaterPump   device.Actuator
	Flow        hardware.PulseCounter
	Watchdog    hardware.Watchdog

	// run is started with the service context, close releases the hardware
	run   func(ctx context.Context)
	close func() error
}

func (b *Board) Run(ctx context.Context) {
	if b.run != nil {
		b.run(ctx)
	}
}

func (b *Board) Close() error {
	if b.close != nil {
		return b.close()
	}
	return nil
}

func motorActuator(m *hardware.SimMotor) device.Actuator {
	return device.Actuator{PWM: m, Current: m, Blocked: m.Blocked(), Pulses: m.Pulses()}
}

// NewSimBoard wraps the in-memory board.
func NewSimBoard(sim *hardware.SimBoard) *Board {
	return &Board{
		Safety: safety.Signals{
			Power24V:      sim.Power24V,
			EMStop:        sim.EMStop,
			CompanionOK:   sim.CompanionOK(),
			TestIn:        sim.TestIn(),
			Bumpers:       [4]hardware.DigitalInput{sim.Bumpers[0], sim.Bumpers[1], sim.Bumpers[2], sim.Bumpers[3]},
			Floor:         [4]hardware.DigitalInput{sim.Floor[0], sim.Floor[1], sim.Floor[2], sim.Floor[3]},
			ArmOK:         sim.ArmOK,
			Recovery:      sim.Recovery,
			SafetyLog:     sim.SafetyLog,
			CompanionTest: sim.CompanionTest,
			TestMux:       [2]hardware.DigitalOutput{sim.TestMux[0], sim.TestMux[1]},
		},
		MainPower:   sim.MainPower,
		Brush:       motorActuator(sim.Brush),
		Suction:     motorActuator(sim.Suction),
		BrushLift:   motorActuator(sim.BrushLift),
		SuctionLift: motorActuator(sim.SuctionLift),
		WaterPump:   motorActuator(sim.WaterPump),
		Flow:        sim.Flow,
		Watchdog:    sim.Watchdog,
	}
}

func boardActuator(mb *hardware.MotorBoard) device.Actuator {
	return device.Actuator{PWM: mb, Current: mb.Current(), Blocked: mb.Blocked(), Pulses: mb.Pulses()}
}

// NewGPIOBoard requests the safety lines from the GPIO chip and opens the
// Modbus motor boards.
func NewGPIOBoard(cfg *config.Config, p config.DeviceParams, wd hardware.Watchdog, logger *log.Logger) (*Board, error) {
	gpio, err := hardware.NewGPIOManager(cfg.GPIOChip, logger)
	if err != nil {
		return nil, err
	}

	b := &Board{Watchdog: wd}
	fail := func(err error) (*Board, error) {
		gpio.Close()
		return nil, err
	}

	in := func(name string, lc hardware.LineConfig) hardware.DigitalInput {
		if err != nil {
			return nil
		}
		var i hardware.DigitalInput
		i, err = gpio.Input(name, lc)
		return i
	}
	out := func(name string, lc hardware.LineConfig) hardware.DigitalOutput {
		if err != nil {
			return nil
		}
		var o hardware.DigitalOutput
		o, err = gpio.Output(name, lc)
		return o
	}

	l := p.Lines
	b.MainPower = in("main-power", l.MainPower)
	b.Safety.Power24V = in("power-24v", l.Power24V)
	b.Safety.EMStop = in("emstop", l.EMStop)
	b.Safety.CompanionOK = in("companion-ok", l.CompanionOK)
	b.Safety.TestIn = in("test-in", l.TestIn)
	for i := range l.Bumpers {
		b.Safety.Bumpers[i] = in(fmt.Sprintf("bumper-%d", i), l.Bumpers[i])
		b.Safety.Floor[i] = in(fmt.Sprintf("floor-%d", i), l.Floor[i])
	}
	b.Safety.ArmOK = out("arm-ok", l.ArmOK)
	b.Safety.Recovery = out("recovery", l.Recovery)
	b.Safety.SafetyLog = out("safety-log", l.SafetyLog)
	b.Safety.CompanionTest = out("companion-test", l.CompanionTest)
	b.Safety.TestMux[0] = out("test-mux-0", l.TestMux[0])
	b.Safety.TestMux[1] = out("test-mux-1", l.TestMux[1])
	if err != nil {
		return fail(err)
	}

	b.Flow, err = gpio.PulseCounter("flow", l.Flow)
	if err != nil {
		return fail(err)
	}

	serial := p.Motors.Serial
	serial.Device = cfg.ModbusDevice
	serial.BaudRate = cfg.ModbusBaud
	if serial.Timeout <= 0 {
		serial.Timeout = 50 * time.Millisecond
	}
	mbus, err := hardware.NewModbusBus(serial, logger)
	if err != nil {
		return fail(err)
	}
	b.Brush = boardActuator(mbus.Board("brush", p.Motors.Brush))
	b.Suction = boardActuator(mbus.Board("suction", p.Motors.Suction))
	b.BrushLift = boardActuator(mbus.Board("brush-lift", p.Motors.BrushLift))
	b.SuctionLift = boardActuator(mbus.Board("suction-lift", p.Motors.SuctionLift))
	b.WaterPump = boardActuator(mbus.Board("water-pump", p.Motors.WaterPump))

	b.run = mbus.Run
	b.close = func() error {
		var lastErr error
		if err := mbus.Close(); err != nil {
			logger.Printf("Failed to close motor bus: %v", err)
			lastErr = err
		}
		if err := gpio.Close(); err != nil {
			lastErr = err
		}
		return lastErr
	}
	return b, nil
}

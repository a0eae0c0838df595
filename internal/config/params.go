package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/librescoot/cleaning-service/internal/cleaning"
	"github.com/librescoot/cleaning-service/internal/device"
	"github.com/librescoot/cleaning-service/internal/hardware"
	"github.com/librescoot/cleaning-service/internal/motion"
	"github.com/librescoot/cleaning-service/internal/safety"
)

// ErrInvalid is returned for device parameters that fail validation.
var ErrInvalid = errors.New("invalid device parameters")

// Lines maps the board signals to GPIO lines.
type Lines struct {
	MainPower   hardware.LineConfig    `yaml:"main_power"`
	Power24V    hardware.LineConfig    `yaml:"power_24v"`
	EMStop      hardware.LineConfig    `yaml:"emstop"`
	CompanionOK hardware.LineConfig    `yaml:"companion_ok"`
	TestIn      hardware.LineConfig    `yaml:"test_in"`
	Bumpers     [4]hardware.LineConfig `yaml:"bumpers"`
	Floor       [4]hardware.LineConfig `yaml:"floor"`

	ArmOK         hardware.LineConfig    `yaml:"arm_ok"`
	Recovery      hardware.LineConfig    `yaml:"recovery"`
	SafetyLog     hardware.LineConfig    `yaml:"safety_log"`
	CompanionTest hardware.LineConfig    `yaml:"companion_test"`
	TestMux       [2]hardware.LineConfig `yaml:"test_mux"`

	Flow hardware.LineConfig `yaml:"flow"`
}

// Motors maps the devices to Modbus slave ids.
type Motors struct {
	Serial      hardware.ModbusConfig `yaml:"serial"`
	Brush       byte                  `yaml:"brush"`
	Suction     byte                  `yaml:"suction"`
	BrushLift   byte                  `yaml:"brush_lift"`
	SuctionLift byte                  `yaml:"suction_lift"`
	WaterPump   byte                  `yaml:"water_pump"`
}

// DeviceParams is the content of the device parameter file.
type DeviceParams struct {
	Brush       device.RampConfig      `yaml:"brush"`
	Suction     device.RampConfig      `yaml:"suction"`
	BrushLift   device.LiftConfig      `yaml:"brush_lift"`
	SuctionLift device.LiftConfig      `yaml:"suction_lift"`
	WaterPump   device.WaterPumpConfig `yaml:"water_pump"`
	Safety      safety.Config          `yaml:"safety"`
	Cleaning    cleaning.Config        `yaml:"cleaning"`
	Lines       Lines                  `yaml:"lines"`
	Motors      Motors                 `yaml:"motors"`
}

func defaultLift() device.LiftConfig {
	return device.LiftConfig{
		HomeDirection: -1,
		HomePosition:  0,
		RestPosition:  5000,
		WorkPosition:  33000,
		Tolerance:     30,

		StartDuty:     0.3,
		StartCurrent:  10000,
		StartTime:     50 * time.Millisecond,
		HomingDuty:    0.5,
		HomingCurrent: 2000,
		HomingTimeout: 15 * time.Second,
		MoveTimeout:   20 * time.Second,

		CurrentLimit:         3000,
		OvercurrentScale:     500,
		OvercurrentThreshold: 20,
		OvercurrentLockout:   2 * time.Second,

		AdjustDuty:         0.2,
		AdjustLow:          600,
		AdjustHigh:         900,
		AdjustMin:          200,
		AdjustCurrentLimit: 1500,
		AdjustDwell:        500 * time.Millisecond,
		AdjustWindow:       64,

		Trapezoid: motion.TrapezoidConfig{Acceleration: 6000, TravelSpeed: 3000},
		PID: motion.PIDConfig{
			Kp: 0.01, Ki: 0.002,
			OutMin: -1, OutMax: 1,
			IntegralMin: -0.3, IntegralMax: 0.3,
		},
	}
}

// DefaultDeviceParams returns the parameters of the reference unit.
func DefaultDeviceParams() DeviceParams {
	p := DeviceParams{
		Brush: device.RampConfig{
			Speed:                0.8,
			Slope:                0.5,
			CurrentLimit:         2500,
			OvercurrentScale:     500,
			OvercurrentThreshold: 200,
		},
		Suction: device.RampConfig{
			Speed:                0.9,
			Slope:                0.3,
			RunOn:                5 * time.Second,
			CurrentLimit:         3000,
			OvercurrentScale:     500,
			OvercurrentThreshold: 200,
		},
		BrushLift:   defaultLift(),
		SuctionLift: defaultLift(),
		WaterPump: device.WaterPumpConfig{
			Duty:      0.6,
			PrimeTime: 2 * time.Second,
			Levels: [device.MaxWaterLevel]device.PulseTiming{
				{On: 200 * time.Millisecond, Off: 1800 * time.Millisecond},
				{On: 500 * time.Millisecond, Off: 1000 * time.Millisecond},
				{On: time.Second, Off: 500 * time.Millisecond},
			},
			CurrentLimit:         800,
			OvercurrentScale:     100,
			OvercurrentThreshold: 200,
		},
		Safety: safety.Config{
			SettleDelay:       20 * time.Millisecond,
			RetryDelay:        time.Second,
			BumperTest:        true,
			BumperTestTimeout: time.Minute,
			Debounce:          3,
			EMStopDebounce:    2,
			WatchdogMisses:    10,
			HoldOff:           500 * time.Millisecond,
			RecoveryTimeout:   time.Minute,
			SimulateFor:       2 * time.Second,
		},
		Cleaning: cleaning.Config{
			EnableTimeout:   30 * time.Second,
			SequenceTimeout: 30 * time.Second,
			SettleTime:      100 * time.Millisecond,
			RetryDelay:      5 * time.Second,
			FatalMax:        20,
			FatalThreshold:  5,
			FatalDecay:      time.Minute,
		},
		Motors: Motors{
			Serial: hardware.ModbusConfig{
				BaudRate:   115200,
				DataBits:   8,
				StopBits:   1,
				Parity:     "N",
				Timeout:    50 * time.Millisecond,
				PollPeriod: 5 * time.Millisecond,
			},
			Brush:       1,
			Suction:     2,
			BrushLift:   3,
			SuctionLift: 4,
			WaterPump:   5,
		},
	}
	p.SuctionLift.WorkPosition = 30000

	offset := 0
	next := func() hardware.LineConfig {
		offset++
		return hardware.LineConfig{Offset: offset}
	}
	p.Lines.MainPower = next()
	p.Lines.Power24V = next()
	p.Lines.EMStop = next()
	p.Lines.EMStop.FailSafe = true
	p.Lines.CompanionOK = next()
	p.Lines.TestIn = next()
	for i := range p.Lines.Bumpers {
		p.Lines.Bumpers[i] = next()
		p.Lines.Bumpers[i].FailSafe = true
	}
	for i := range p.Lines.Floor {
		p.Lines.Floor[i] = next()
		p.Lines.Floor[i].FailSafe = true
	}
	p.Lines.ArmOK = next()
	p.Lines.Recovery = next()
	p.Lines.SafetyLog = next()
	p.Lines.CompanionTest = next()
	p.Lines.TestMux[0] = next()
	p.Lines.TestMux[1] = next()
	p.Lines.Flow = next()
	return p
}

// LoadDeviceParams reads the parameter file on top of the defaults. An
// empty path returns the defaults.
func LoadDeviceParams(path string) (DeviceParams, error) {
	p := DefaultDeviceParams()
	if path == "" {
		return p, p.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("failed to read device parameters: %w", err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("failed to parse device parameters %s: %w", path, err)
	}
	return p, p.Validate()
}

// Validate checks the parameters for values the devices cannot work with.
func (p DeviceParams) Validate() error {
	for _, r := range []struct {
		name string
		cfg  device.RampConfig
	}{{"brush", p.Brush}, {"suction", p.Suction}} {
		if r.cfg.Speed <= 0 || r.cfg.Speed > 1 {
			return fmt.Errorf("%w: %s speed %v out of (0, 1]", ErrInvalid, r.name, r.cfg.Speed)
		}
		if r.cfg.Slope <= 0 {
			return fmt.Errorf("%w: %s slope must be positive", ErrInvalid, r.name)
		}
		if r.cfg.CurrentLimit <= 0 {
			return fmt.Errorf("%w: %s current limit must be positive", ErrInvalid, r.name)
		}
	}

	for _, l := range []struct {
		name string
		cfg  device.LiftConfig
	}{{"brush_lift", p.BrushLift}, {"suction_lift", p.SuctionLift}} {
		if err := validateLift(l.name, l.cfg); err != nil {
			return err
		}
	}

	if p.WaterPump.Duty <= 0 || p.WaterPump.Duty > 1 {
		return fmt.Errorf("%w: water_pump duty %v out of (0, 1]", ErrInvalid, p.WaterPump.Duty)
	}
	for i, lv := range p.WaterPump.Levels {
		if lv.On <= 0 || lv.Off < 0 {
			return fmt.Errorf("%w: water_pump level %d timing", ErrInvalid, i+1)
		}
	}

	if p.Safety.Debounce <= 0 || p.Safety.EMStopDebounce <= 0 || p.Safety.WatchdogMisses <= 0 {
		return fmt.Errorf("%w: safety debounce counts must be positive", ErrInvalid)
	}
	if p.Cleaning.FatalThreshold <= 0 || p.Cleaning.FatalMax < p.Cleaning.FatalThreshold {
		return fmt.Errorf("%w: fatal threshold %d with maximum %d", ErrInvalid,
			p.Cleaning.FatalThreshold, p.Cleaning.FatalMax)
	}
	if p.Cleaning.EnableTimeout <= 0 || p.Cleaning.SequenceTimeout <= 0 {
		return fmt.Errorf("%w: cleaning timeouts must be positive", ErrInvalid)
	}
	return nil
}

func validateLift(name string, c device.LiftConfig) error {
	if c.HomeDirection != 1 && c.HomeDirection != -1 {
		return fmt.Errorf("%w: %s home direction must be 1 or -1", ErrInvalid, name)
	}
	if c.WorkPosition == c.RestPosition {
		return fmt.Errorf("%w: %s work position equals rest position", ErrInvalid, name)
	}
	if c.Tolerance <= 0 {
		return fmt.Errorf("%w: %s tolerance must be positive", ErrInvalid, name)
	}
	if c.CurrentLimit <= 0 || c.HomingCurrent <= 0 {
		return fmt.Errorf("%w: %s current limits must be positive", ErrInvalid, name)
	}
	if c.AdjustLow >= c.AdjustHigh {
		return fmt.Errorf("%w: %s adjust band [%d, %d] is empty", ErrInvalid, name, c.AdjustLow, c.AdjustHigh)
	}
	if c.Trapezoid.Acceleration <= 0 || c.Trapezoid.TravelSpeed <= 0 {
		return fmt.Errorf("%w: %s trapezoid needs positive acceleration and speed", ErrInvalid, name)
	}
	if c.PID.OutMin >= c.PID.OutMax {
		return fmt.Errorf("%w: %s PID output range is empty", ErrInvalid, name)
	}
	if c.PID.IntegralMin > c.PID.IntegralMax {
		return fmt.Errorf("%w: %s PID integral range is inverted", ErrInvalid, name)
	}
	return nil
}

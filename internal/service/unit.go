package service

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/librescoot/cleaning-service/internal/bus"
	"github.com/librescoot/cleaning-service/internal/cleaning"
	"github.com/librescoot/cleaning-service/internal/config"
	"github.com/librescoot/cleaning-service/internal/device"
	"github.com/librescoot/cleaning-service/internal/safety"
)

// Unit is the control core of one cleaning unit: its devices, the safety
// manager and the orchestrator on top of a board.
type Unit struct {
	board  *Board
	safety *safety.Manager
	orch   *cleaning.Orchestrator
	logger *log.Logger

	brush       *device.RampDevice
	suction     *device.RampDevice
	brushLift   *device.Lift
	suctionLift *device.Lift
	pump        *device.WaterPump
	devices     []device.Device

	safetyTicks uint64
	deviceTicks uint64
}

// NewUnit builds the devices from the parameters. The brush lift adjusts
// to the brush current, the suction lift to the suction fan current.
func NewUnit(p config.DeviceParams, board *Board, logger *log.Logger) (*Unit, error) {
	u := &Unit{board: board, logger: logger}

	u.brush = device.NewBrush(p.Brush, board.Brush, logger)
	u.suction = device.NewSuction(p.Suction, board.Suction, logger)
	u.brushLift = device.NewLift("brush-lift", p.BrushLift, board.BrushLift, u.brush, logger)
	u.suctionLift = device.NewLift("suction-lift", p.SuctionLift, board.SuctionLift, u.suction, logger)
	u.pump = device.NewWaterPump(p.WaterPump, board.WaterPump, board.Flow, logger)

	if err := u.brushLift.InitPositions(p.BrushLift.RestPosition, p.BrushLift.WorkPosition); err != nil {
		return nil, fmt.Errorf("failed to set brush lift positions: %w", err)
	}
	if err := u.suctionLift.InitPositions(p.SuctionLift.RestPosition, p.SuctionLift.WorkPosition); err != nil {
		return nil, fmt.Errorf("failed to set suction lift positions: %w", err)
	}

	// lifts first so a stop request reaches them before their consumers
	u.devices = []device.Device{u.brushLift, u.suctionLift, u.brush, u.suction, u.pump}

	u.safety = safety.New(p.Safety, board.Safety, logger)
	u.orch = cleaning.New(p.Cleaning, cleaning.Devices{
		Brush:       u.brush,
		Suction:     u.suction,
		BrushLift:   u.brushLift,
		SuctionLift: u.suctionLift,
		WaterPump:   u.pump,
	}, u.safety, board.MainPower, logger)
	return u, nil
}

// TickDevices runs one PWM period of every device.
func (u *Unit) TickDevices(now time.Time) {
	for _, d := range u.devices {
		d.Tick(now)
	}
	u.deviceTicks++
}

func (u *Unit) TickSafety(now time.Time) {
	u.safety.Tick(now)
	u.safetyTicks++
}

func (u *Unit) TickOrchestrator(now time.Time) {
	u.orch.Tick(now)
}

// CheckSafetyChain runs the safety chain self-test.
func (u *Unit) CheckSafetyChain(ctx context.Context, retries int) error {
	return u.safety.CheckSafetyChain(ctx, retries)
}

// RecheckRequested takes a pending supervisor reset.
func (u *Unit) RecheckRequested() bool {
	return u.safety.RecheckRequested()
}

// Kick keeps the safety watchdog fed while the orchestrator is idle.
func (u *Unit) Kick() {
	u.safety.Kick()
}

// ApplySettings pushes the water settings from the exchange to the pump.
func (u *Unit) ApplySettings(ex *bus.Exchange) {
	u.pump.SetLevel(ex.WaterLevel.Read())
	u.pump.SetDryRun(ex.DryRun.Read())
}

// Halt cuts every output immediately and releases the safety relays.
func (u *Unit) Halt(now time.Time) {
	for _, d := range u.devices {
		d.SetHold(true)
		d.Tick(now)
		if err := d.Disable(); err != nil {
			u.logger.Printf("Failed to disable %s: %v", d.Name(), err)
		}
	}
	u.board.Safety.ArmOK.Reset()
	u.board.Safety.Recovery.Reset()
	u.board.Safety.SafetyLog.Reset()
}

// Busy reports whether the unit is in a motion sequence.
func (u *Unit) Busy() bool {
	switch u.orch.State() {
	case cleaning.StateStarting, cleaning.StateRunning, cleaning.StateStopping:
		return true
	}
	return false
}

// Snapshot collects everything published on the bus.
func (u *Unit) Snapshot(lifecycle string, ex *bus.Exchange) bus.Snapshot {
	fatal, _ := u.orch.Fatal()
	dbg := u.orch.Debug()
	snap := bus.Snapshot{
		Lifecycle:    lifecycle,
		Status:       u.orch.Status(),
		State:        u.orch.State().String(),
		Errors:       u.orch.Errors().String(),
		Fatal:        fatal,
		SafetyStatus: u.safety.Status(),
		SafetyState:  u.safety.State().String(),
		SafetyFaults: u.safety.Faults().String(),
		FlowPulses:   u.orch.FlowPulses(),
		WaterLevel:   u.pump.Level(),
		DryRun:       ex.DryRun.Read(),
		Debug: map[string]uint64{
			"cycles":        dbg.Cycles,
			"errors":        dbg.Errors,
			"em-stops":      dbg.EMStops,
			"em-recoveries": dbg.EMRecoveries,
			"rejected":      dbg.Rejected,
			"safety-ticks":  u.safetyTicks,
			"device-ticks":  u.deviceTicks,
		},
	}
	if err := u.safety.CheckError(); err != nil {
		snap.SafetyCheck = err.Error()
	}
	snap.Fault = u.Fault()
	snap.Busy = u.Busy()

	for i, name := range cleaning.DeviceNames {
		d := u.orch.Device(cleaning.DeviceIndex(i))
		ds := bus.DeviceSnapshot{
			Name:       name,
			Status:     d.Status().String(),
			Current:    d.Current(),
			MaxCurrent: d.MaxCurrent(),
			Running:    d.Status() == device.StatusRunning,
		}
		if p, ok := d.(device.Positioner); ok {
			ds.Up = p.IsUp()
		}
		snap.Devices = append(snap.Devices, ds)
	}
	return snap
}

// Fault describes the most relevant fault, empty when there is none.
func (u *Unit) Fault() string {
	if err := u.safety.CheckError(); err != nil && u.safety.State() == safety.StateCheckFailed && !u.safety.Checking() {
		return "safety check: " + err.Error()
	}
	if f := u.safety.Faults(); f != 0 {
		return "safety: " + f.String()
	}
	if u.orch.State() == cleaning.StateError {
		if _, met := u.orch.Fatal(); met {
			return "cleaning: fatal lockout (" + u.orch.Errors().String() + ")"
		}
		return "cleaning: " + u.orch.Errors().String()
	}
	return ""
}

// Command parses and queues a cleaning request.
func (u *Unit) Command(cmd string) error {
	req, sel, err := cleaning.ParseCommand(cmd)
	if err != nil {
		return err
	}
	u.orch.Request(req, sel)
	return nil
}

// SafetyCommand parses and queues a safety request.
func (u *Unit) SafetyCommand(cmd string) error {
	req, err := safety.ParseRequest(cmd)
	if err != nil {
		return err
	}
	u.safety.Request(req)
	return nil
}

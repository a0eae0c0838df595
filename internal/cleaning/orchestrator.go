// Package cleaning sequences the cleaning unit. The Orchestrator owns the
// device table, runs the top state machine and the emergency stop
// recovery, and decides between automatic recovery and error lockout.
package cleaning

import (
	"log"
	"sync"
	"time"

	"github.com/librescoot/cleaning-service/internal/device"
	"github.com/librescoot/cleaning-service/internal/hardware"
)

// Safety is what the orchestrator needs from the safety manager.
type Safety interface {
	IsOk() bool
	IsEMstopActive() bool
	// Faulted reports latched runtime faults (24V, companion, watchdog).
	Faulted() bool
	ClearErrors()
	Kick()
}

// DeviceIndex addresses the device table.
type DeviceIndex int

const (
	Brush DeviceIndex = iota
	Suction
	BrushLift
	SuctionLift
	WaterPump

	numDevices
)

// DeviceNames lists the table in index order.
var DeviceNames = [numDevices]string{"brush", "suction", "brush-lift", "suction-lift", "water-pump"}

// Devices is the set of devices the orchestrator manages.
type Devices struct {
	Brush       device.Device
	Suction     device.Device
	BrushLift   device.Positioner
	SuctionLift device.Positioner
	WaterPump   device.Device
}

type Config struct {
	EnableTimeout   time.Duration `yaml:"enable_timeout"`
	SequenceTimeout time.Duration `yaml:"sequence_timeout"`
	SettleTime      time.Duration `yaml:"settle_time"`
	RetryDelay      time.Duration `yaml:"retry_delay"`

	FatalMax       int           `yaml:"fatal_max"`
	FatalThreshold int           `yaml:"fatal_threshold"`
	FatalDecay     time.Duration `yaml:"fatal_decay"`
}

// Debug holds diagnostic counters.
type Debug struct {
	Cycles       uint64
	Errors       uint64
	EMStops      uint64
	EMRecoveries uint64
	Rejected     uint64
}

// Orchestrator is the top level cleaning state machine. Tick is called
// once per control cycle; everything else may be called concurrently.
type Orchestrator struct {
	cfg    Config
	safety Safety
	power  hardware.DigitalInput
	logger *log.Logger

	devs        [numDevices]device.Device
	brushLift   device.Positioner
	suctionLift device.Positioner

	mu           sync.Mutex
	state        State
	since        time.Time
	errors       ErrorFlags
	req          Request
	cmds         []command
	fatal        *FatalCounter
	em           emState
	emSince      time.Time
	emFail       ErrorFlags
	startPending bool
	startAt      time.Time
	motorsOn     bool
	powerOK      bool
	debug        Debug
}

// New creates an orchestrator. power is the main power present input.
func New(cfg Config, devs Devices, safety Safety, power hardware.DigitalInput, logger *log.Logger) *Orchestrator {
	o := &Orchestrator{
		cfg:         cfg,
		safety:      safety,
		power:       power,
		logger:      logger,
		brushLift:   devs.BrushLift,
		suctionLift: devs.SuctionLift,
		fatal:       NewFatalCounter(cfg.FatalMax, cfg.FatalThreshold, cfg.FatalDecay),
	}
	o.devs[Brush] = devs.Brush
	o.devs[Suction] = devs.Suction
	o.devs[BrushLift] = devs.BrushLift
	o.devs[SuctionLift] = devs.SuctionLift
	o.devs[WaterPump] = devs.WaterPump
	return o
}

const deviceRequests = RequestStartDevice | RequestStopDevice | RequestMoveDeviceUp | RequestMoveDeviceDown | RequestResetMaxCurrent

// command is a device request with the selector it applies to.
type command struct {
	req Request
	sel Selector
}

// Request queues request bits for the next cycle. Device requests apply
// to the devices selected by sel.
func (o *Orchestrator) Request(r Request, sel Selector) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.req |= r &^ deviceRequests
	if r&deviceRequests != 0 && sel != 0 {
		o.cmds = append(o.cmds, command{req: r & deviceRequests, sel: sel})
	}
}

// ClearErrorCounters resets the fatal error counter and its latch.
func (o *Orchestrator) ClearErrorCounters() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.fatal.Clear()
}

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) Errors() ErrorFlags {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.errors
}

// Fatal returns the fatal counter value and whether its threshold was met.
func (o *Orchestrator) Fatal() (int, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.fatal.Value(), o.fatal.Met()
}

func (o *Orchestrator) Debug() Debug {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.debug
}

// Device returns a device from the table.
func (o *Orchestrator) Device(i DeviceIndex) device.Device {
	return o.devs[i]
}

// DeviceStatus returns the status of a device.
func (o *Orchestrator) DeviceStatus(i DeviceIndex) device.Status {
	return o.devs[i].Status()
}

// MaxCurrent returns the peak current of a device since its last reset.
func (o *Orchestrator) MaxCurrent(i DeviceIndex) int {
	return o.devs[i].MaxCurrent()
}

type flowMeter interface {
	FlowPulses() int
}

// FlowPulses returns the water flow pulses counted by the pump.
func (o *Orchestrator) FlowPulses() int {
	if f, ok := o.devs[WaterPump].(flowMeter); ok {
		return f.FlowPulses()
	}
	return 0
}

// Status returns the packed status word.
func (o *Orchestrator) Status() uint32 {
	o.mu.Lock()
	defer o.mu.Unlock()

	w := StatusWord{
		State:     o.state,
		Errors:    o.errors,
		BrushUp:   o.brushLift.IsUp(),
		SuctionUp: o.suctionLift.IsUp(),
	}
	groups := []struct {
		sel  Selector
		devs []device.Device
	}{
		{SelectBrush, []device.Device{o.devs[Brush], o.devs[BrushLift]}},
		{SelectSuction, []device.Device{o.devs[Suction], o.devs[SuctionLift]}},
		{SelectWaterPump, []device.Device{o.devs[WaterPump]}},
	}
	for _, g := range groups {
		if g.devs[0].Status() == device.StatusRunning {
			w.Running |= g.sel
		}
		for _, d := range g.devs {
			if isMoving(d) {
				w.Executing |= g.sel
			}
		}
	}
	if o.em != emStart {
		w.Aux |= AuxEMStop
	}
	if o.fatal.Met() {
		w.Aux |= AuxFatal
	}
	if o.powerOK {
		w.Aux |= AuxMainPower
	}
	if o.startPending {
		w.Aux |= AuxStartPending
	}
	return w.Pack()
}

func isMoving(d device.Device) bool {
	switch d.Status() {
	case device.StatusStarting, device.StatusStopping, device.StatusInitializing:
		return true
	}
	if p, ok := d.(device.Positioner); ok {
		return p.Executing()
	}
	return false
}

func isStopped(d device.Device) bool { return d.Status() == device.StatusStopped }
func isRunning(d device.Device) bool { return d.Status() == device.StatusRunning }
func isError(d device.Device) bool   { return d.Status() == device.StatusError }

func (o *Orchestrator) allDevices(f func(device.Device) bool) bool {
	for _, d := range o.devs {
		if !f(d) {
			return false
		}
	}
	return true
}

func (o *Orchestrator) anyDevice(f func(device.Device) bool) bool {
	for _, d := range o.devs {
		if f(d) {
			return true
		}
	}
	return false
}

func (o *Orchestrator) setState(s State, now time.Time) {
	if o.state == s {
		return
	}
	o.logger.Printf("Cleaning state: %s -> %s", o.state, s)
	o.state = s
	o.since = now
}

// fail enters StateError. Devices are disabled unless the emergency stop
// recovery holds them.
func (o *Orchestrator) fail(now time.Time, flags ErrorFlags) {
	o.errors |= flags
	o.fatal.CountUp(now)
	o.debug.Errors++
	o.startPending = false
	o.motorsOn = false
	if o.em == emStart {
		for _, d := range o.devs {
			d.Disable()
		}
	}
	o.logger.Printf("Cleaning error: %s (fatal count %d)", flags, o.fatal.Value())
	o.setState(StateError, now)
}

// Tick runs one control cycle.
func (o *Orchestrator) Tick(now time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.debug.Cycles++
	o.safety.Kick()
	o.fatal.BeginCycle()

	req, cmds := o.req, o.cmds
	o.req, o.cmds = 0, nil

	o.powerOK = o.power == nil || o.power.Read()
	o.stepEMStop(now, o.powerOK && !o.safety.IsEMstopActive())

	for _, c := range cmds {
		if c.req&RequestResetMaxCurrent != 0 {
			o.resetMaxCurrent(c.sel)
		}
	}

	// a failed recovery only clears through tickError
	if o.em == emError && o.state != StateError {
		o.fail(now, o.emFail)
		return
	}

	switch o.state {
	case StateNotInitialized:
		o.tickNotInitialized(now)
	case StateInitializing:
		o.tickInitializing(now)
	case StateStopped:
		o.tickStopped(now, req)
	case StateStarting:
		o.tickStarting(now, req)
	case StateRunning:
		o.tickRunning(now, req, cmds)
	case StateStopping:
		o.tickStopping(now)
	case StateError:
		o.tickError(now, req)
	}
}

func (o *Orchestrator) emClear() bool { return o.em == emStart }

func (o *Orchestrator) tickNotInitialized(now time.Time) {
	o.fatal.CountDown(now)
	if !o.powerOK || o.safety.IsEMstopActive() || !o.emClear() {
		return
	}
	for _, d := range o.devs {
		if err := d.Enable(); err != nil {
			o.logger.Printf("Failed to enable %s: %v", d.Name(), err)
			o.fail(now, ErrorEnable)
			return
		}
	}
	// latched faults from before must not fail the new attempt
	o.safety.ClearErrors()
	o.setState(StateInitializing, now)
}

func (o *Orchestrator) tickInitializing(now time.Time) {
	if !o.emClear() {
		o.setState(StateNotInitialized, now)
		return
	}
	if o.anyDevice(isError) {
		o.fail(now, ErrorDevice)
		return
	}
	if o.safety.Faulted() {
		o.fail(now, ErrorSafety)
		return
	}
	if o.allDevices(isStopped) {
		o.safety.ClearErrors()
		o.setState(StateStopped, now)
		return
	}
	if now.Sub(o.since) > o.cfg.EnableTimeout {
		o.logger.Printf("Devices not ready after %s", o.cfg.EnableTimeout)
		o.forceStuck()
		o.fail(now, ErrorTimeout)
	}
}

// forceStuck puts every device still initializing into Error, which cuts
// its output.
func (o *Orchestrator) forceStuck() {
	for _, d := range o.devs {
		if f, ok := d.(interface{ ForceError() }); ok && d.Status() == device.StatusInitializing {
			f.ForceError()
		}
	}
}

// checkRunning reports a fault that must stop the unit, if any.
func (o *Orchestrator) checkRunning() (ErrorFlags, bool) {
	if o.anyDevice(isError) {
		return ErrorDevice, true
	}
	if !o.emClear() || !o.safety.IsOk() {
		return ErrorSafety, true
	}
	return 0, false
}

func (o *Orchestrator) tickStopped(now time.Time, req Request) {
	o.fatal.CountDown(now)
	if o.anyDevice(isError) {
		o.fail(now, ErrorDevice)
		return
	}
	if !o.emClear() {
		o.startPending = false
		return
	}
	if req&RequestStart != 0 && !o.startPending {
		o.safety.ClearErrors()
		o.startPending = true
		o.startAt = now.Add(o.cfg.SettleTime)
	}
	if !o.startPending || now.Before(o.startAt) {
		return
	}
	o.startPending = false
	if !o.safety.IsOk() {
		o.logger.Printf("Start rejected: safety not ok")
		o.debug.Rejected++
		return
	}
	o.motorsOn = false
	o.devs[BrushLift].Start()
	o.devs[SuctionLift].Start()
	o.devs[Suction].Start()
	o.setState(StateStarting, now)
}

func (o *Orchestrator) tickStarting(now time.Time, req Request) {
	o.fatal.CountDown(now)
	if flags, bad := o.checkRunning(); bad {
		o.fail(now, flags)
		return
	}
	if req&RequestStop != 0 {
		o.beginStop(now)
		return
	}
	if !o.motorsOn && isRunning(o.devs[BrushLift]) && isRunning(o.devs[SuctionLift]) {
		o.devs[Brush].Start()
		o.devs[WaterPump].Start()
		o.motorsOn = true
	}
	if o.allDevices(isRunning) {
		o.setState(StateRunning, now)
		return
	}
	if now.Sub(o.since) > o.cfg.SequenceTimeout {
		o.logger.Printf("Start sequence timed out")
		o.fail(now, ErrorTimeout)
	}
}

func (o *Orchestrator) tickRunning(now time.Time, req Request, cmds []command) {
	o.fatal.CountDown(now)
	if flags, bad := o.checkRunning(); bad {
		o.fail(now, flags)
		return
	}
	if req&RequestStop != 0 {
		o.beginStop(now)
		return
	}

	for _, c := range cmds {
		brush := c.sel&SelectBrush != 0
		suction := c.sel&SelectSuction != 0
		pump := c.sel&SelectWaterPump != 0

		if c.req&RequestStartDevice != 0 {
			o.forGroup(brush, suction, pump, device.Device.Start)
		}
		if c.req&RequestStopDevice != 0 {
			o.forGroup(brush, suction, pump, device.Device.Stop)
		}
		if c.req&RequestMoveDeviceUp != 0 {
			o.forLifts(brush, suction, device.Positioner.Lift)
		}
		if c.req&RequestMoveDeviceDown != 0 {
			o.forLifts(brush, suction, device.Positioner.Lower)
		}
	}
}

func (o *Orchestrator) forGroup(brush, suction, pump bool, op func(device.Device) error) {
	var devs []device.Device
	if brush {
		devs = append(devs, o.devs[BrushLift], o.devs[Brush])
	}
	if suction {
		devs = append(devs, o.devs[SuctionLift], o.devs[Suction])
	}
	if pump {
		devs = append(devs, o.devs[WaterPump])
	}
	for _, d := range devs {
		if err := op(d); err != nil {
			o.logger.Printf("Request for %s failed: %v", d.Name(), err)
		}
	}
}

func (o *Orchestrator) forLifts(brush, suction bool, op func(device.Positioner) error) {
	var lifts []device.Positioner
	if brush {
		lifts = append(lifts, o.brushLift)
	}
	if suction {
		lifts = append(lifts, o.suctionLift)
	}
	for _, l := range lifts {
		if err := op(l); err != nil {
			o.logger.Printf("Move request for %s failed: %v", l.Name(), err)
		}
	}
}

func (o *Orchestrator) resetMaxCurrent(sel Selector) {
	if sel&SelectBrush != 0 {
		o.devs[Brush].ResetMaxCurrent()
		o.devs[BrushLift].ResetMaxCurrent()
	}
	if sel&SelectSuction != 0 {
		o.devs[Suction].ResetMaxCurrent()
		o.devs[SuctionLift].ResetMaxCurrent()
	}
	if sel&SelectWaterPump != 0 {
		o.devs[WaterPump].ResetMaxCurrent()
	}
}

func (o *Orchestrator) beginStop(now time.Time) {
	o.devs[Brush].Stop()
	o.devs[WaterPump].Stop()
	o.setState(StateStopping, now)
}

func (o *Orchestrator) tickStopping(now time.Time) {
	o.fatal.CountDown(now)
	if flags, bad := o.checkRunning(); bad {
		o.fail(now, flags)
		return
	}

	o.devs[Brush].Stop()
	o.devs[WaterPump].Stop()
	if isStopped(o.devs[Brush]) && isStopped(o.devs[WaterPump]) {
		o.devs[BrushLift].Stop()
		o.devs[SuctionLift].Stop()
		if isStopped(o.devs[BrushLift]) && isStopped(o.devs[SuctionLift]) {
			o.devs[Suction].Stop()
		}
	}
	if o.allDevices(isStopped) {
		o.motorsOn = false
		o.setState(StateStopped, now)
		return
	}
	if now.Sub(o.since) > o.cfg.SequenceTimeout {
		o.logger.Printf("Stop sequence timed out")
		o.fail(now, ErrorTimeout)
	}
}

func (o *Orchestrator) tickError(now time.Time, req Request) {
	if req&RequestClearError != 0 {
		o.logger.Printf("Clearing errors")
		o.fatal.Clear()
		o.errors = 0
		o.safety.ClearErrors()
		if o.em == emError {
			o.setEM(emActive, now)
		}
		o.setState(StateNotInitialized, now)
		return
	}
	if o.fatal.Met() {
		return
	}
	if !o.emClear() || !o.powerOK || now.Sub(o.since) < o.cfg.RetryDelay {
		return
	}
	o.logger.Printf("Recovering from error: %s", o.errors)
	o.errors = 0
	o.setState(StateNotInitialized, now)
}

package cleaning

import (
	"io"
	"log"
	"testing"
	"time"

	"github.com/librescoot/cleaning-service/internal/device"
	"github.com/librescoot/cleaning-service/internal/hardware"
)

var quiet = log.New(io.Discard, "", 0)

type fakeDevice struct {
	name       string
	status     device.Status
	hold       bool
	stuck      bool
	enableErr  error
	calls      []string
	maxCurrent int
}

func (f *fakeDevice) Name() string { return f.name }

func (f *fakeDevice) Enable() error {
	f.calls = append(f.calls, "enable")
	if f.enableErr != nil {
		return f.enableErr
	}
	if f.status == device.StatusDisabled {
		f.status = device.StatusInitializing
	}
	return nil
}

func (f *fakeDevice) Start() error {
	f.calls = append(f.calls, "start")
	if !f.hold && f.status == device.StatusStopped {
		f.status = device.StatusStarting
	}
	return nil
}

func (f *fakeDevice) Stop() error {
	f.calls = append(f.calls, "stop")
	if !f.hold && (f.status == device.StatusRunning || f.status == device.StatusStarting) {
		f.status = device.StatusStopping
	}
	return nil
}

func (f *fakeDevice) Disable() error {
	f.calls = append(f.calls, "disable")
	f.status = device.StatusDisabled
	return nil
}

func (f *fakeDevice) Status() device.Status {
	if f.hold && f.status != device.StatusDisabled {
		return device.StatusStopped
	}
	return f.status
}

func (f *fakeDevice) Current() int      { return 0 }
func (f *fakeDevice) MaxCurrent() int   { return f.maxCurrent }
func (f *fakeDevice) ResetMaxCurrent()  { f.maxCurrent = 0 }
func (f *fakeDevice) SetHold(hold bool) { f.hold = hold }
func (f *fakeDevice) Held() bool        { return f.hold }
func (f *fakeDevice) IsUp() bool        { return f.status != device.StatusRunning }
func (f *fakeDevice) Executing() bool   { return false }
func (f *fakeDevice) ForceError()       { f.status = device.StatusError }
func (f *fakeDevice) clearCalls()       { f.calls = nil }

func (f *fakeDevice) Lift() error {
	f.calls = append(f.calls, "lift")
	return nil
}

func (f *fakeDevice) Lower() error {
	f.calls = append(f.calls, "lower")
	return nil
}

func (f *fakeDevice) called(c string) bool {
	for _, x := range f.calls {
		if x == c {
			return true
		}
	}
	return false
}

func (f *fakeDevice) Tick(time.Time) {
	if f.hold {
		return
	}
	switch f.status {
	case device.StatusInitializing:
		if !f.stuck {
			f.status = device.StatusStopped
		}
	case device.StatusStarting:
		f.status = device.StatusRunning
	case device.StatusStopping:
		f.status = device.StatusStopped
	}
}

type fakeSafety struct {
	ok      bool
	em      bool
	faulted bool
	clears  int
	kicks   int
}

func (s *fakeSafety) IsOk() bool           { return s.ok && !s.em }
func (s *fakeSafety) IsEMstopActive() bool { return s.em }
func (s *fakeSafety) Faulted() bool        { return s.faulted }
func (s *fakeSafety) ClearErrors()         { s.clears++ }
func (s *fakeSafety) Kick()                { s.kicks++ }

type rig struct {
	o      *Orchestrator
	safety *fakeSafety
	power  *hardware.MemInput
	devs   [numDevices]*fakeDevice
	now    time.Time
}

func testConfig() Config {
	return Config{
		EnableTimeout:   time.Second,
		SequenceTimeout: time.Second,
		SettleTime:      50 * time.Millisecond,
		RetryDelay:      200 * time.Millisecond,
		FatalMax:        10,
		FatalThreshold:  3,
		FatalDecay:      time.Second,
	}
}

func newRig(cfg Config) *rig {
	r := &rig{safety: &fakeSafety{ok: true}, power: hardware.NewMemInput(true), now: time.Unix(1000, 0)}
	for i := range r.devs {
		r.devs[i] = &fakeDevice{name: DeviceNames[i]}
	}
	r.o = New(cfg, Devices{
		Brush:       r.devs[Brush],
		Suction:     r.devs[Suction],
		BrushLift:   r.devs[BrushLift],
		SuctionLift: r.devs[SuctionLift],
		WaterPump:   r.devs[WaterPump],
	}, r.safety, r.power, quiet)
	return r
}

// cycle advances devices and then the orchestrator by one 10 ms period.
func (r *rig) cycle(n int) {
	for i := 0; i < n; i++ {
		r.now = r.now.Add(10 * time.Millisecond)
		for _, d := range r.devs {
			d.Tick(r.now)
		}
		r.o.Tick(r.now)
	}
}

func (r *rig) until(t *testing.T, s State, max int) {
	t.Helper()
	for i := 0; i < max; i++ {
		if r.o.State() == s {
			return
		}
		r.cycle(1)
	}
	if r.o.State() != s {
		t.Fatalf("state = %s, want %s", r.o.State(), s)
	}
}

func (r *rig) running(t *testing.T) {
	t.Helper()
	r.until(t, StateStopped, 40)
	r.o.Request(RequestStart, 0)
	r.until(t, StateRunning, 20)
}

func TestStartupAndSequencing(t *testing.T) {
	r := newRig(testConfig())
	r.cycle(1)
	if r.o.State() != StateInitializing {
		t.Fatalf("state = %s, want initializing", r.o.State())
	}
	r.until(t, StateStopped, 5)
	if r.safety.clears != 2 {
		t.Errorf("safety cleared %d times on initialization, want 2", r.safety.clears)
	}

	r.o.Request(RequestStart, 0)
	r.cycle(1)
	if r.o.State() != StateStopped || UnpackStatus(r.o.Status()).Aux&AuxStartPending == 0 {
		t.Fatalf("start should wait for the settle time")
	}
	r.cycle(5)
	if r.o.State() != StateStarting {
		t.Fatalf("state = %s, want starting", r.o.State())
	}
	if r.devs[Brush].called("start") {
		t.Errorf("brush started before the lifts were down")
	}
	r.until(t, StateRunning, 10)

	w := UnpackStatus(r.o.Status())
	if w.Running != SelectAll || w.BrushUp || w.SuctionUp {
		t.Errorf("running status word %+v", w)
	}

	for _, d := range r.devs {
		d.clearCalls()
	}
	r.o.Request(RequestStop, 0)
	r.cycle(1)
	if r.o.State() != StateStopping {
		t.Fatalf("state = %s, want stopping", r.o.State())
	}
	if r.devs[BrushLift].called("stop") || r.devs[Suction].called("stop") {
		t.Errorf("lifts or suction stopped before the brush")
	}
	r.until(t, StateStopped, 10)
	if !r.devs[Suction].called("stop") {
		t.Errorf("suction never stopped")
	}
}

func TestWaitsForPowerAndEMStop(t *testing.T) {
	r := newRig(testConfig())
	r.power.Put(false)
	r.cycle(10)
	if r.o.State() != StateNotInitialized {
		t.Fatalf("initialized without main power")
	}
	if UnpackStatus(r.o.Status()).Aux&AuxMainPower != 0 {
		t.Errorf("main power flag set")
	}

	r.power.Put(true)
	r.safety.em = true
	r.cycle(10)
	if r.o.State() != StateNotInitialized {
		t.Fatalf("initialized during emergency stop")
	}

	r.safety.em = false
	r.until(t, StateStopped, 20)
}

func TestEmergencyStopHoldsWithinOneCycle(t *testing.T) {
	r := newRig(testConfig())
	r.running(t)
	for _, d := range r.devs {
		d.clearCalls()
	}

	r.safety.em = true
	r.cycle(1)
	for i, d := range r.devs {
		if d.Status() != device.StatusStopped {
			t.Errorf("%s reports %s, want stopped", DeviceNames[i], d.Status())
		}
		if d.called("stop") || d.called("disable") {
			t.Errorf("%s went through %v instead of hold", DeviceNames[i], d.calls)
		}
	}
	if r.o.State() != StateError {
		t.Errorf("state = %s, want error", r.o.State())
	}
	if UnpackStatus(r.o.Status()).Aux&AuxEMStop == 0 {
		t.Errorf("emergency stop flag missing")
	}

	r.cycle(50)
	if r.o.State() != StateError {
		t.Fatalf("recovered while emergency stop active")
	}

	r.safety.em = false
	r.cycle(1)
	for i, d := range r.devs {
		if d.hold || !d.called("disable") || !d.called("enable") {
			t.Errorf("%s not re-enabled after release: %v", DeviceNames[i], d.calls)
		}
	}
	r.until(t, StateStopped, 50)
	if d := r.o.Debug(); d.EMStops != 1 || d.EMRecoveries != 1 {
		t.Errorf("debug counters %+v", d)
	}
}

// stoppedAfterEMStop reaches Stopped, then asserts and releases the
// emergency stop so the recovery machine is re-enabling the devices.
// The stuck devices will not finish initializing.
func stoppedAfterEMStop(t *testing.T, r *rig, stuck ...DeviceIndex) {
	t.Helper()
	r.until(t, StateStopped, 40)
	r.safety.em = true
	r.cycle(1)
	for _, i := range stuck {
		r.devs[i].stuck = true
	}
	r.safety.em = false
	r.cycle(1)
	if r.o.em != emInitializing {
		t.Fatalf("recovery = %s, want initializing", r.o.em)
	}
}

func TestEMStopRecoveryTimeoutIsReported(t *testing.T) {
	r := newRig(testConfig())
	stoppedAfterEMStop(t, r, BrushLift)

	r.o.Request(RequestStart, 0)
	r.cycle(20)
	if r.o.State() != StateStopped {
		t.Fatalf("started during recovery: %s", r.o.State())
	}

	r.cycle(90)
	if r.o.State() != StateError || r.o.Errors() != ErrorTimeout {
		t.Fatalf("state %s errors %s, want timeout error", r.o.State(), r.o.Errors())
	}
	if r.devs[BrushLift].Status() != device.StatusError {
		t.Errorf("stuck lift is %s, want error", r.devs[BrushLift].Status())
	}
	if n, _ := r.o.Fatal(); n != 1 {
		t.Errorf("fatal = %d, want 1", n)
	}

	r.cycle(100)
	if r.o.State() != StateError {
		t.Fatalf("recovered on its own with recovery failed: %s", r.o.State())
	}

	r.devs[BrushLift].stuck = false
	r.o.Request(RequestClearError, 0)
	r.cycle(1)
	if r.o.State() != StateNotInitialized || r.o.em != emActive {
		t.Fatalf("state %s recovery %s after clear", r.o.State(), r.o.em)
	}
	r.until(t, StateStopped, 20)
	if d := r.o.Debug(); d.EMRecoveries != 1 {
		t.Errorf("recoveries = %d, want 1", d.EMRecoveries)
	}

	r.o.Request(RequestStart, 0)
	r.until(t, StateRunning, 20)
}

func TestEMStopRecoveryDeviceError(t *testing.T) {
	r := newRig(testConfig())
	stoppedAfterEMStop(t, r)

	r.devs[Suction].status = device.StatusError
	r.cycle(1)
	if r.o.em != emError {
		t.Fatalf("recovery = %s, want error", r.o.em)
	}
	if r.o.State() != StateError || r.o.Errors() != ErrorDevice {
		t.Fatalf("state %s errors %s, want device error", r.o.State(), r.o.Errors())
	}

	r.o.Request(RequestClearError, 0)
	r.until(t, StateStopped, 20)
	if r.o.em != emStart {
		t.Errorf("recovery = %s after clear", r.o.em)
	}
}

func TestEMStopReassertedDuringRecovery(t *testing.T) {
	r := newRig(testConfig())
	stoppedAfterEMStop(t, r, BrushLift)

	r.safety.em = true
	r.cycle(1)
	if r.o.em != emActive {
		t.Fatalf("recovery = %s, want active", r.o.em)
	}
	for i, d := range r.devs {
		if !d.hold {
			t.Errorf("%s not held after the second emergency stop", DeviceNames[i])
		}
	}

	r.cycle(200)
	if r.o.State() != StateStopped {
		t.Fatalf("state = %s while held, want stopped", r.o.State())
	}

	r.devs[BrushLift].stuck = false
	r.safety.em = false
	r.until(t, StateStopped, 20)
	r.cycle(2)
	if d := r.o.Debug(); d.EMStops != 2 || d.EMRecoveries != 1 {
		t.Errorf("debug counters %+v", d)
	}
	if r.o.em != emStart {
		t.Errorf("recovery = %s, want start", r.o.em)
	}
}

func TestSafetyFaultDuringInitialization(t *testing.T) {
	r := newRig(testConfig())
	r.devs[BrushLift].stuck = true
	r.cycle(1)
	if r.o.State() != StateInitializing || r.safety.clears != 1 {
		t.Fatalf("state %s clears %d, want initializing with one clear", r.o.State(), r.safety.clears)
	}

	r.safety.faulted = true
	r.cycle(1)
	if r.o.State() != StateError || r.o.Errors() != ErrorSafety {
		t.Fatalf("state %s errors %s, want safety error", r.o.State(), r.o.Errors())
	}
	if r.devs[BrushLift].Status() != device.StatusDisabled {
		t.Errorf("homing lift is %s, want disabled", r.devs[BrushLift].Status())
	}

	r.safety.faulted = false
	r.devs[BrushLift].stuck = false
	r.until(t, StateStopped, 40)
}

func TestFatalCountDownWhileNotInitialized(t *testing.T) {
	r := newRig(testConfig())
	r.devs[SuctionLift].enableErr = device.ErrInvalidPositions
	r.cycle(1)
	if n, _ := r.o.Fatal(); r.o.State() != StateError || n != 1 {
		t.Fatalf("state %s fatal %d, want error with 1", r.o.State(), n)
	}

	r.devs[SuctionLift].enableErr = nil
	r.until(t, StateNotInitialized, 30)
	r.power.Put(false)
	r.cycle(150)
	if r.o.State() != StateNotInitialized {
		t.Fatalf("state = %s without main power", r.o.State())
	}
	if n, _ := r.o.Fatal(); n != 0 {
		t.Errorf("fatal = %d after 1.5 s without error, want 0", n)
	}
}

func TestDeviceErrorStopsAllAndRecovers(t *testing.T) {
	r := newRig(testConfig())
	r.running(t)

	r.devs[SuctionLift].status = device.StatusError
	r.cycle(1)
	if r.o.State() != StateError || r.o.Errors() != ErrorDevice {
		t.Fatalf("state %s errors %s, want device error", r.o.State(), r.o.Errors())
	}
	for i, d := range r.devs {
		if d.Status() != device.StatusDisabled {
			t.Errorf("%s is %s, want disabled", DeviceNames[i], d.Status())
		}
	}
	if n, met := r.o.Fatal(); n != 1 || met {
		t.Errorf("fatal = %d %v, want 1 false", n, met)
	}

	r.cycle(15)
	if r.o.State() != StateError {
		t.Fatalf("recovered before the retry delay")
	}
	r.cycle(10)
	r.until(t, StateStopped, 10)
	if r.o.Errors() != 0 {
		t.Errorf("errors not cleared: %s", r.o.Errors())
	}
}

func TestSafetyFailureWhileRunning(t *testing.T) {
	r := newRig(testConfig())
	r.running(t)
	r.safety.ok = false
	r.cycle(1)
	if r.o.State() != StateError || r.o.Errors()&ErrorSafety == 0 {
		t.Fatalf("state %s errors %s", r.o.State(), r.o.Errors())
	}
}

func TestStartRejectedWhenSafetyNotOk(t *testing.T) {
	r := newRig(testConfig())
	r.until(t, StateStopped, 10)
	r.safety.ok = false
	r.o.Request(RequestStart, 0)
	r.cycle(10)
	if r.o.State() != StateStopped {
		t.Fatalf("state = %s, want stopped", r.o.State())
	}
	if r.o.Debug().Rejected != 1 {
		t.Errorf("rejected = %d", r.o.Debug().Rejected)
	}
}

func TestFatalLockoutNeedsClear(t *testing.T) {
	r := newRig(testConfig())
	for i := 0; i < 3; i++ {
		r.running(t)
		r.devs[Brush].status = device.StatusError
		r.cycle(1)
	}
	if _, met := r.o.Fatal(); !met {
		t.Fatalf("fatal threshold not met after 3 errors")
	}

	r.cycle(500)
	if r.o.State() != StateError {
		t.Fatalf("latched error recovered on its own: %s", r.o.State())
	}
	if UnpackStatus(r.o.Status()).Aux&AuxFatal == 0 {
		t.Errorf("fatal flag missing")
	}

	r.o.Request(RequestClearError, 0)
	r.cycle(1)
	if r.o.State() != StateNotInitialized {
		t.Fatalf("state after clear = %s", r.o.State())
	}
	if n, met := r.o.Fatal(); n != 0 || met {
		t.Errorf("fatal = %d %v after clear", n, met)
	}
	r.until(t, StateStopped, 10)
}

func TestInitializationTimeout(t *testing.T) {
	r := newRig(testConfig())
	r.devs[BrushLift].stuck = true
	r.cycle(110)
	if r.o.State() != StateError || r.o.Errors()&ErrorTimeout == 0 {
		t.Fatalf("state %s errors %s, want timeout", r.o.State(), r.o.Errors())
	}
}

func TestEnableFailure(t *testing.T) {
	r := newRig(testConfig())
	r.devs[SuctionLift].enableErr = device.ErrInvalidPositions
	r.cycle(1)
	if r.o.State() != StateError || r.o.Errors()&ErrorEnable == 0 {
		t.Fatalf("state %s errors %s, want enable error", r.o.State(), r.o.Errors())
	}
}

func TestDeviceSubCommands(t *testing.T) {
	r := newRig(testConfig())
	r.running(t)
	for _, d := range r.devs {
		d.clearCalls()
	}

	r.o.Request(RequestStopDevice, SelectWaterPump)
	r.o.Request(RequestMoveDeviceUp, SelectBrush)
	r.cycle(1)
	if !r.devs[WaterPump].called("stop") || r.devs[Brush].called("stop") {
		t.Errorf("stop-device dispatched wrong: pump %v brush %v", r.devs[WaterPump].calls, r.devs[Brush].calls)
	}
	if !r.devs[BrushLift].called("lift") || r.devs[SuctionLift].called("lift") {
		t.Errorf("move-up dispatched wrong")
	}
	r.cycle(2)
	if r.o.State() != StateRunning {
		t.Fatalf("device stop left running state: %s", r.o.State())
	}
	if UnpackStatus(r.o.Status()).Running&SelectWaterPump != 0 {
		t.Errorf("water pump still reported running")
	}

	r.o.Request(RequestStartDevice, SelectWaterPump)
	r.o.Request(RequestMoveDeviceDown, SelectSuction)
	r.cycle(2)
	if r.devs[WaterPump].Status() != device.StatusRunning || !r.devs[SuctionLift].called("lower") {
		t.Errorf("start-device/move-down not dispatched")
	}

	r.devs[Suction].maxCurrent = 900
	r.o.Request(RequestResetMaxCurrent, SelectSuction)
	r.cycle(1)
	if r.o.MaxCurrent(Suction) != 0 {
		t.Errorf("max current not reset")
	}
}

func TestFatalCounter(t *testing.T) {
	now := time.Unix(0, 0)
	f := NewFatalCounter(5, 3, time.Second)

	for i := 0; i < 2; i++ {
		f.BeginCycle()
		f.CountUp(now)
	}
	if f.Met() {
		t.Fatalf("met below threshold")
	}

	f.BeginCycle()
	f.CountUp(now)
	f.CountDown(now.Add(time.Hour))
	if f.Value() != 3 {
		t.Errorf("count down in the same cycle as count up: %d", f.Value())
	}
	if !f.Met() {
		t.Fatalf("threshold crossed without latch")
	}

	for i := 1; i <= 10; i++ {
		f.BeginCycle()
		f.CountDown(now.Add(time.Duration(i) * 500 * time.Millisecond))
	}
	if f.Value() != 0 {
		t.Errorf("value = %d after 5 s of decay, want 0", f.Value())
	}
	if !f.Met() {
		t.Errorf("latch cleared by decay")
	}

	for i := 0; i < 20; i++ {
		f.BeginCycle()
		f.CountUp(now)
	}
	if f.Value() != 5 {
		t.Errorf("value = %d, want saturation at 5", f.Value())
	}

	f.Clear()
	if f.Value() != 0 || f.Met() {
		t.Errorf("clear left %d %v", f.Value(), f.Met())
	}
}

func TestStatusWordLayout(t *testing.T) {
	w := StatusWord{
		State:     StateRunning,
		Errors:    ErrorSafety,
		Running:   SelectBrush | SelectWaterPump,
		Executing: SelectSuction,
		SuctionUp: true,
		Aux:       AuxMainPower,
	}
	v := w.Pack()
	want := uint32(5) | 2<<4 | 5<<8 | 2<<11 | 1<<15 | 4<<16
	if v != want {
		t.Fatalf("Pack = %#x, want %#x", v, want)
	}
	if got := UnpackStatus(v); got != w {
		t.Errorf("UnpackStatus = %+v, want %+v", got, w)
	}
}

func TestParseCommand(t *testing.T) {
	req, sel, err := ParseCommand("move-down:brush,water-pump")
	if err != nil || req != RequestMoveDeviceDown || sel != SelectBrush|SelectWaterPump {
		t.Errorf("got %v %v %v", req, sel, err)
	}
	if req, _, err := ParseCommand("clear-error"); err != nil || req != RequestClearError {
		t.Errorf("clear-error: %v %v", req, err)
	}
	for _, bad := range []string{"start:brush", "start-device", "start-device:mop", "dance"} {
		if _, _, err := ParseCommand(bad); err == nil {
			t.Errorf("%q accepted", bad)
		}
	}
}

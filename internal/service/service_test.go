package service

import (
	"context"
	"io"
	"log"
	"strings"
	"testing"
	"time"

	"github.com/librescoot/librefsm"

	"github.com/librescoot/cleaning-service/internal/config"
	"github.com/librescoot/cleaning-service/internal/fsm"
	"github.com/librescoot/cleaning-service/internal/hardware"
	"github.com/librescoot/cleaning-service/internal/systemd"
)

var quiet = log.New(io.Discard, "", 0)

func testParams() config.DeviceParams {
	p := config.DefaultDeviceParams()
	p.Safety.BumperTest = false
	p.Safety.SettleDelay = time.Millisecond
	p.Safety.RetryDelay = time.Millisecond
	return p
}

type rig struct {
	s       *Service
	sim     *hardware.SimBoard
	now     time.Time
	cancel  context.CancelFunc
	stopped bool
}

func newRig(t *testing.T) *rig {
	t.Helper()
	t.Setenv("NOTIFY_SOCKET", "")

	r := &rig{now: time.Unix(1000, 0)}
	r.sim = hardware.NewSimBoard(func() time.Time { return r.now })

	cfg := config.New()
	cfg.CheckRetries = 0
	cfg.CheckTimeout = 5 * time.Second

	s, err := newService(cfg, testParams(), NewSimBoard(r.sim), systemd.NewClient(time.Second), quiet)
	if err != nil {
		t.Fatalf("Failed to create service: %v", err)
	}
	r.s = s
	return r
}

func (r *rig) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	if err := r.s.start(ctx); err != nil {
		t.Fatalf("Failed to start: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		if !r.stopped {
			r.s.machine.Stop()
		}
	})
}

// run steps the scheduler through d of simulated time.
func (r *rig) run(d time.Duration) {
	end := r.now.Add(d)
	for r.now.Before(end) {
		r.now = r.now.Add(r.s.config.DeviceTick)
		r.s.sched.step(r.now)
	}
}

// waitLifecycle handles posted events until the lifecycle reaches want.
func (r *rig) waitLifecycle(t *testing.T, want librefsm.StateID) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for r.s.lifecycle.Read() != string(want) {
		select {
		case evt := <-r.s.events:
			r.s.handleEvent(evt)
		case <-time.After(5 * time.Millisecond):
		case <-deadline:
			t.Fatalf("lifecycle = %q, want %q", r.s.lifecycle.Read(), want)
		}
	}
}

func (r *rig) operational(t *testing.T) {
	t.Helper()
	r.start(t)
	r.waitLifecycle(t, fsm.StateOperational)
	for i := 0; i < 100; i++ {
		r.run(100 * time.Millisecond)
		if r.s.ex.Snapshot.Read().State == "stopped" {
			return
		}
	}
	t.Fatalf("unit not initialized, snapshot %+v", r.s.ex.Snapshot.Read())
}

func TestSelfTestThenOperational(t *testing.T) {
	r := newRig(t)
	r.operational(t)

	snap := r.s.ex.Snapshot.Read()
	if snap.Lifecycle != "operational" || snap.SafetyState != "ok" {
		t.Errorf("lifecycle %q, safety %q", snap.Lifecycle, snap.SafetyState)
	}
	if snap.Fault != "" || snap.Busy {
		t.Errorf("idle unit reports fault %q busy %v", snap.Fault, snap.Busy)
	}
	for _, name := range []string{"brush-lift", "suction-lift"} {
		d, ok := snap.Device(name)
		if !ok || d.Status != "stopped" || !d.Up {
			t.Errorf("%s after initialization: %+v", name, d)
		}
	}
	if !r.sim.ArmOK.Read() {
		t.Errorf("ARM-ok released while operational")
	}
}

func TestOrchestratorWaitsForSelfTest(t *testing.T) {
	r := newRig(t)
	r.sim.Power24V.Put(false)
	r.start(t)
	r.waitLifecycle(t, fsm.StateCheckFailed)

	r.run(time.Second)
	snap := r.s.ex.Snapshot.Read()
	if snap.State != "not-initialized" {
		t.Errorf("orchestrator state %q while the check failed", snap.State)
	}
	if !strings.HasPrefix(snap.Fault, "safety check") {
		t.Errorf("fault = %q", snap.Fault)
	}
	if snap.SafetyCheck == "" {
		t.Errorf("check error not published")
	}
}

func TestSupervisorResetRerunsCheck(t *testing.T) {
	r := newRig(t)
	r.sim.Power24V.Put(false)
	r.start(t)
	r.waitLifecycle(t, fsm.StateCheckFailed)

	r.sim.Power24V.Put(true)
	if err := r.s.SafetyCommand("clear-errors"); err != nil {
		t.Fatalf("SafetyCommand failed: %v", err)
	}
	r.run(20 * time.Millisecond)
	r.waitLifecycle(t, fsm.StateOperational)
}

func TestCommands(t *testing.T) {
	r := newRig(t)
	r.operational(t)

	if err := r.s.Command("jump"); err == nil {
		t.Errorf("unknown command accepted")
	}
	if err := r.s.SafetyCommand("panic"); err == nil {
		t.Errorf("unknown safety command accepted")
	}

	if err := r.s.Command("start"); err != nil {
		t.Fatalf("Command failed: %v", err)
	}
	r.run(500 * time.Millisecond)

	snap := r.s.ex.Snapshot.Read()
	if snap.State != "starting" && snap.State != "running" {
		t.Fatalf("state after start = %q", snap.State)
	}
	if !snap.Busy {
		t.Errorf("starting unit not busy")
	}

	if err := r.s.Command("stop"); err != nil {
		t.Fatalf("Command failed: %v", err)
	}
	r.run(100 * time.Millisecond)
	if s := r.s.ex.Snapshot.Read().State; s != "stopping" && s != "stopped" {
		t.Errorf("state after stop = %q", s)
	}
}

func TestSettingsReachPump(t *testing.T) {
	r := newRig(t)

	r.s.ex.WaterLevel.Write(3)
	r.s.ex.DryRun.Write(true)
	r.run(200 * time.Millisecond)

	snap := r.s.ex.Snapshot.Read()
	if snap.WaterLevel != 3 || !snap.DryRun {
		t.Errorf("water level %d dry-run %v", snap.WaterLevel, snap.DryRun)
	}
}

func TestWatchdogRefresh(t *testing.T) {
	r := newRig(t)
	r.run(3500 * time.Millisecond)
	if n := r.sim.Watchdog.Refreshes(); n != 4 {
		t.Errorf("watchdog refreshed %d times, want 4", n)
	}
	if n := r.s.ex.Snapshot.Read().Debug["safety-ticks"]; n < 300 {
		t.Errorf("only %d safety ticks", n)
	}
}

func TestShutdownReleasesOutputs(t *testing.T) {
	r := newRig(t)
	r.operational(t)
	r.cancel()

	r.stopped = true
	r.s.shutdown()
	if r.sim.ArmOK.Read() || r.sim.SafetyLog.Read() {
		t.Errorf("safety outputs still asserted after shutdown")
	}
	for _, m := range []*hardware.SimMotor{r.sim.Brush, r.sim.Suction, r.sim.BrushLift, r.sim.SuctionLift} {
		if m.Read() > 100 {
			t.Errorf("motor still loaded after shutdown: %d mA", m.Read())
		}
	}
	if r.s.inhibitorManager.Held() {
		t.Errorf("inhibitor held after shutdown")
	}
}

func TestSchedulerPeriods(t *testing.T) {
	sc := newScheduler()
	var fast, slow int
	sc.add("fast", time.Millisecond, func(time.Time) { fast++ })
	sc.add("slow", 10*time.Millisecond, func(time.Time) { slow++ })

	now := time.Unix(0, 0)
	for i := 0; i < 100; i++ {
		sc.step(now)
		now = now.Add(time.Millisecond)
	}
	if fast != 100 || slow != 10 {
		t.Errorf("fast ran %d, slow ran %d", fast, slow)
	}

	// a stall skips the missed periods
	now = now.Add(50 * time.Millisecond)
	sc.step(now)
	if fast != 101 || sc.overruns("fast") != 1 {
		t.Errorf("fast ran %d with %d overruns after a stall", fast, sc.overruns("fast"))
	}
}

// Package safety gates all actuation behind an independent safety
// monitor. The Manager runs a blocking self-test of the safety chain at
// startup and then derives the safety state from the sensor and test
// lines every period.
package safety

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/librescoot/cleaning-service/internal/hardware"
)

// Signals are the board lines the Manager reads and drives.
type Signals struct {
	Power24V    hardware.DigitalInput
	EMStop      hardware.DigitalInput
	CompanionOK hardware.DigitalInput
	TestIn      hardware.DigitalInput
	Bumpers     [4]hardware.DigitalInput
	Floor       [4]hardware.DigitalInput

	ArmOK         hardware.DigitalOutput
	Recovery      hardware.DigitalOutput
	SafetyLog     hardware.DigitalOutput
	CompanionTest hardware.DigitalOutput
	TestMux       [2]hardware.DigitalOutput
}

// Config holds timing and debounce settings.
type Config struct {
	SettleDelay       time.Duration `yaml:"settle_delay"`
	RetryDelay        time.Duration `yaml:"retry_delay"`
	BumperTest        bool          `yaml:"bumper_test"`
	BumperTestTimeout time.Duration `yaml:"bumper_test_timeout"`

	// Debounce is the number of periods a fault must persist.
	Debounce        int           `yaml:"debounce"`
	EMStopDebounce  int           `yaml:"emstop_debounce"`
	WatchdogMisses  int           `yaml:"watchdog_misses"`
	HoldOff         time.Duration `yaml:"hold_off"`
	RecoveryTimeout time.Duration `yaml:"recovery_timeout"`
	SimulateFor     time.Duration `yaml:"simulate_for"`
}

// Manager owns the safety chain check and the runtime safety state.
type Manager struct {
	cfg    Config
	sig    Signals
	logger *log.Logger
	sleep  func(ctx context.Context, d time.Duration) error
	poll   time.Duration

	checking atomic.Bool
	kicked   atomic.Bool

	mu       sync.RWMutex
	state    State
	faults   Fault
	sensors  Sensors
	checkErr *CheckError
	requests Request
	noBumper bool
	recheck  bool

	emStop      hysteresis
	power       hysteresis
	companion   hysteresis
	consistency hysteresis
	watchdog    hysteresis

	emActive         bool
	triggered        bool
	clearSince       time.Time
	recoveryDeadline time.Time
	simulateUntil    time.Time
}

// New creates a Manager. Until a chain check succeeds the Manager reports
// CheckFailed and keeps ARM-ok released.
func New(cfg Config, sig Signals, logger *log.Logger) *Manager {
	m := &Manager{
		cfg:      cfg,
		sig:      sig,
		logger:   logger,
		sleep:    sleepCtx,
		poll:     10 * time.Millisecond,
		state:    StateCheckFailed,
		checkErr: &CheckError{Step: CheckNotRun},
		noBumper: !cfg.BumperTest,
	}
	m.emStop.max = max(cfg.EMStopDebounce, 1)
	m.power.max = max(cfg.Debounce, 1)
	m.companion.max = max(cfg.Debounce, 1)
	m.consistency.max = max(cfg.Debounce, 1)
	m.watchdog.max = max(cfg.WatchdogMisses, 1)
	m.releaseOutputs()
	return m
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Kick tells the monitor that the control loop is alive. A missing kick
// between two ticks counts as a watchdog miss.
func (m *Manager) Kick() {
	m.kicked.Store(true)
}

// Request queues request bits for the next tick.
func (m *Manager) Request(r Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r&RequestNoBumperTestRequired != 0 {
		m.noBumper = true
		r &^= RequestNoBumperTestRequired
	}
	if r&RequestClearErrors != 0 && m.state == StateCheckFailed && !m.checking.Load() {
		m.recheck = true
	}
	m.requests |= r
}

// ClearErrors requests clearing latched faults.
func (m *Manager) ClearErrors() {
	m.Request(RequestClearErrors)
}

// ClearErrorCounters resets all debounce counters and latched faults.
func (m *Manager) ClearErrorCounters() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clearCounters()
}

func (m *Manager) clearCounters() {
	m.emStop.reset()
	m.power.reset()
	m.companion.reset()
	m.consistency.reset()
	m.watchdog.reset()
	m.faults = 0
	m.kicked.Store(true)
}

// IsOk reports whether actuation is permitted.
func (m *Manager) IsOk() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state == StateOk
}

// IsEMstopActive reports the debounced emergency stop.
func (m *Manager) IsEMstopActive() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.emActive
}

func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Manager) Faults() Fault {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.faults
}

// Faulted reports whether any runtime fault is latched.
func (m *Manager) Faulted() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.faults != 0
}

func (m *Manager) Sensors() Sensors {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sensors
}

// CheckError returns the outcome of the last chain check, nil on success.
func (m *Manager) CheckError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.checkErr == nil {
		return nil
	}
	return m.checkErr
}

// RecheckRequested reports whether a clear was requested while the
// chain check had failed. Taking it resets the flag.
func (m *Manager) RecheckRequested() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.recheck
	m.recheck = false
	return r
}

// Checking reports whether a chain check is running.
func (m *Manager) Checking() bool {
	return m.checking.Load()
}

// Status returns the packed status word.
func (m *Manager) Status() uint32 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w := StatusWord{State: m.state}
	if m.faults != 0 {
		w.Flags |= StatusNeedsClearing
	}
	if m.emActive {
		w.Flags |= StatusEMStop
	}
	if m.triggered {
		w.Flags |= StatusSensorsTriggered
	}
	if m.recheck {
		w.Flags |= StatusRecheckRequested
	}
	if !m.simulateUntil.IsZero() {
		w.Flags |= StatusSimulatedObstacle
	}
	if m.checking.Load() {
		w.Flags |= StatusChecking
	}

	switch m.state {
	case StateError:
		w.Detail = uint16(m.faults)
	case StateCheckFailed:
		if m.checkErr != nil {
			w.Detail = uint16(m.checkErr.Step)
		}
	default:
		w.Detail = uint16(m.sensors)
	}
	return w.Pack()
}

func (m *Manager) readSensors() Sensors {
	var s Sensors
	for i := range m.sig.Bumpers {
		if m.sig.Bumpers[i] != nil && m.sig.Bumpers[i].Read() {
			s |= 1 << i
		}
		if m.sig.Floor[i] != nil && m.sig.Floor[i].Read() {
			s |= 1 << (i + floorShift)
		}
	}
	return s
}

func (m *Manager) selectTest(sel int) {
	for i, out := range m.sig.TestMux {
		if out == nil {
			continue
		}
		if sel&(1<<i) != 0 {
			out.Set()
		} else {
			out.Reset()
		}
	}
}

func (m *Manager) releaseOutputs() {
	resetOut(m.sig.ArmOK)
	resetOut(m.sig.Recovery)
	resetOut(m.sig.SafetyLog)
}

func setOut(o hardware.DigitalOutput) {
	if o != nil {
		o.Set()
	}
}

func resetOut(o hardware.DigitalOutput) {
	if o != nil {
		o.Reset()
	}
}

func readIn(in hardware.DigitalInput, def bool) bool {
	if in == nil {
		return def
	}
	return in.Read()
}

func (m *Manager) setState(s State, now time.Time) {
	if m.state == s {
		return
	}
	m.logger.Printf("Safety state: %s -> %s (faults %s, sensors %#x)", m.state, s, m.faults, m.sensors)
	m.state = s
	if s == StateSafetyActivated {
		m.clearSince = now
	}
}

// Tick runs one monitoring period. It does nothing while a chain check
// is in progress.
func (m *Manager) Tick(now time.Time) {
	if m.checking.Load() {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	req := m.requests
	m.requests = 0

	if req&RequestSimulateObstacle != 0 {
		m.simulateUntil = now.Add(m.cfg.SimulateFor)
	}
	if !m.simulateUntil.IsZero() && !now.Before(m.simulateUntil) {
		m.simulateUntil = time.Time{}
	}

	m.sample(now)

	if m.state == StateCheckFailed {
		m.applyOutputs()
		return
	}

	if req&RequestClearErrors != 0 {
		m.clearCounters()
		if m.state == StateError {
			m.setState(StateSafetyActivated, now)
		}
	}
	m.step(now, req)
	m.applyOutputs()
}

// sample updates all debounce counters from the lines.
func (m *Manager) sample(now time.Time) {
	m.sensors = m.readSensors()
	chainBroken := !readIn(m.sig.TestIn, true)
	m.triggered = m.sensors != 0 || chainBroken || !m.simulateUntil.IsZero()

	m.emActive = m.emStop.update(readIn(m.sig.EMStop, false))

	if m.state == StateCheckFailed {
		return
	}

	missed := !m.kicked.Swap(false)
	if m.watchdog.update(missed) {
		m.latch(FaultWatchdog)
	}
	if m.power.update(!readIn(m.sig.Power24V, true)) {
		m.latch(FaultPower24V)
	}
	if m.companion.update(!readIn(m.sig.CompanionOK, true)) {
		m.latch(FaultCompanion)
	}
	// The chain line must agree with the individual sensors unless the
	// recovery relay bypasses it.
	inconsistent := m.state != StateRecovering && chainBroken != (m.sensors != 0)
	if m.consistency.update(inconsistent) {
		m.latch(FaultConsistency)
	}
}

func (m *Manager) latch(f Fault) {
	if m.faults&f == 0 {
		m.logger.Printf("Safety fault: %s", f)
	}
	m.faults |= f
}

func (m *Manager) step(now time.Time, req Request) {
	switch {
	case m.state == StateError:
		return
	case m.emActive:
		m.setState(StateEmergencyStop, now)
		return
	case m.state == StateEmergencyStop:
		// re-confirm through SafetyActivated after every emergency stop
		m.setState(StateSafetyActivated, now)
		return
	case m.faults != 0:
		m.setState(StateError, now)
		return
	}

	if m.state == StateRecovering {
		switch {
		case req&RequestLeaveRecovery != 0:
			m.setState(StateSafetyActivated, now)
		case !now.Before(m.recoveryDeadline):
			m.latch(FaultRecoveryTimeout)
			m.setState(StateError, now)
		}
		return
	}

	if req&RequestEnterRecovery != 0 {
		m.recoveryDeadline = now.Add(m.cfg.RecoveryTimeout)
		m.setState(StateRecovering, now)
		return
	}

	if m.triggered {
		m.setState(StateSafetyActivated, now)
		m.clearSince = now
		return
	}

	if m.state == StateSafetyActivated && now.Sub(m.clearSince) < m.cfg.HoldOff {
		return
	}
	m.setState(StateOk, now)
}

// applyOutputs drives ARM-ok, the recovery relay and the safety log line
// from the current state.
func (m *Manager) applyOutputs() {
	switch m.state {
	case StateOk:
		setOut(m.sig.ArmOK)
		resetOut(m.sig.Recovery)
		setOut(m.sig.SafetyLog)
	case StateRecovering:
		setOut(m.sig.ArmOK)
		setOut(m.sig.Recovery)
		setOut(m.sig.SafetyLog)
	case StateSafetyActivated, StateEmergencyStop:
		resetOut(m.sig.ArmOK)
		resetOut(m.sig.Recovery)
		setOut(m.sig.SafetyLog)
	default:
		m.releaseOutputs()
	}
}

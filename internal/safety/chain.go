package safety

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/librescoot/cleaning-service/internal/hardware"
)

// ErrChainCheck is wrapped by every chain check failure.
var ErrChainCheck = errors.New("safety chain check failed")

// CheckStep identifies a step of the safety chain check.
type CheckStep uint16

const (
	CheckNone CheckStep = iota
	CheckPower24V
	CheckRecoveryRelay
	CheckArmOK
	CheckCompanion
	CheckSensorChain
	CheckBumperTest
	CheckAborted
	CheckNotRun
)

func (s CheckStep) String() string {
	switch s {
	case CheckNone:
		return "none"
	case CheckPower24V:
		return "24v"
	case CheckRecoveryRelay:
		return "recovery-relay"
	case CheckArmOK:
		return "arm-ok"
	case CheckCompanion:
		return "companion"
	case CheckSensorChain:
		return "sensor-chain"
	case CheckBumperTest:
		return "bumper-test"
	case CheckAborted:
		return "aborted"
	case CheckNotRun:
		return "not-run"
	default:
		return "unknown"
	}
}

// CheckError describes the step a chain check failed at.
type CheckError struct {
	Step    CheckStep
	Sensors Sensors
	Err     error
}

func (e *CheckError) Error() string {
	msg := fmt.Sprintf("safety chain check failed at %s", e.Step)
	if e.Sensors != 0 {
		msg += fmt.Sprintf(" (sensors %#x)", uint16(e.Sensors))
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CheckError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrChainCheck, e.Err}
	}
	return []error{ErrChainCheck}
}

// CheckSafetyChain runs the ordered self-test of the safety chain. On a
// mismatch it waits the retry delay and starts over, up to retries more
// times. Success leaves ARM-ok and the safety log asserted with the
// recovery relay open, and resets all runtime counters.
func (m *Manager) CheckSafetyChain(ctx context.Context, retries int) error {
	if !m.checking.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: already running", ErrChainCheck)
	}
	defer m.checking.Store(false)

	m.mu.RLock()
	skipBumpers := m.noBumper
	m.mu.RUnlock()

	var cerr *CheckError
	for attempt := 0; ; attempt++ {
		cerr = m.runChain(ctx, skipBumpers)
		if cerr == nil || cerr.Step == CheckAborted || attempt >= retries {
			break
		}
		m.logger.Printf("%v, retrying (%d/%d)", cerr, attempt+1, retries)
		if err := m.sleep(ctx, m.cfg.RetryDelay); err != nil {
			cerr = &CheckError{Step: CheckAborted, Err: err}
			break
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if cerr != nil {
		m.releaseOutputs()
		m.checkErr = cerr
		m.setState(StateCheckFailed, now)
		m.logger.Printf("%v", cerr)
		return cerr
	}

	m.checkErr = nil
	m.recheck = false
	m.requests = 0
	m.simulateUntil = time.Time{}
	m.clearCounters()
	m.setState(StateOk, now)
	m.logger.Printf("Safety chain check passed")
	setOut(m.sig.ArmOK)
	resetOut(m.sig.Recovery)
	setOut(m.sig.SafetyLog)
	return nil
}

type chainStep struct {
	step CheckStep
	run  func(context.Context) (bool, error)
}

// runChain performs one pass. Each step leaves the hardware in the state
// the next one relies on.
func (m *Manager) runChain(ctx context.Context, skipBumpers bool) *CheckError {
	m.releaseOutputs()
	resetOut(m.sig.CompanionTest)

	steps := []chainStep{
		{CheckPower24V, m.checkPower},
		{CheckRecoveryRelay, m.checkRecovery},
		{CheckArmOK, m.checkArmOK},
		{CheckCompanion, m.checkCompanion},
		{CheckSensorChain, m.checkSensorChain},
	}
	if !skipBumpers {
		steps = append(steps, chainStep{CheckBumperTest, m.checkBumpers})
	}

	for _, s := range steps {
		ok, err := s.run(ctx)
		if err != nil {
			m.releaseOutputs()
			return &CheckError{Step: CheckAborted, Err: err}
		}
		if !ok {
			m.releaseOutputs()
			resetOut(m.sig.CompanionTest)
			m.selectTest(hardware.MuxSensorChain)
			return &CheckError{Step: s.step, Sensors: m.readSensors()}
		}
	}
	m.selectTest(hardware.MuxSensorChain)
	return nil
}

// expect sets up a loop-back, waits for it to settle and compares.
func (m *Manager) expect(ctx context.Context, in hardware.DigitalInput, want bool) (bool, error) {
	if err := m.sleep(ctx, m.cfg.SettleDelay); err != nil {
		return false, err
	}
	return readIn(in, !want) == want, nil
}

func (m *Manager) checkPower(ctx context.Context) (bool, error) {
	if !readIn(m.sig.Power24V, false) {
		return false, nil
	}
	m.selectTest(hardware.MuxPower24V)
	return m.expect(ctx, m.sig.TestIn, true)
}

func (m *Manager) checkRecovery(ctx context.Context) (bool, error) {
	m.selectTest(hardware.MuxRecovery)
	setOut(m.sig.Recovery)
	if ok, err := m.expect(ctx, m.sig.TestIn, true); !ok || err != nil {
		return ok, err
	}
	resetOut(m.sig.Recovery)
	return m.expect(ctx, m.sig.TestIn, false)
}

func (m *Manager) checkArmOK(ctx context.Context) (bool, error) {
	m.selectTest(hardware.MuxArmOK)
	resetOut(m.sig.ArmOK)
	if ok, err := m.expect(ctx, m.sig.TestIn, false); !ok || err != nil {
		return ok, err
	}
	setOut(m.sig.ArmOK)
	return m.expect(ctx, m.sig.TestIn, true)
}

func (m *Manager) checkCompanion(ctx context.Context) (bool, error) {
	if ok, err := m.expect(ctx, m.sig.CompanionOK, true); !ok || err != nil {
		return ok, err
	}
	setOut(m.sig.CompanionTest)
	ok, err := m.expect(ctx, m.sig.CompanionOK, false)
	resetOut(m.sig.CompanionTest)
	if !ok || err != nil {
		return ok, err
	}
	return m.expect(ctx, m.sig.CompanionOK, true)
}

func (m *Manager) checkSensorChain(ctx context.Context) (bool, error) {
	m.selectTest(hardware.MuxSensorChain)
	if m.readSensors() != 0 {
		return false, nil
	}
	return m.expect(ctx, m.sig.TestIn, true)
}

// checkBumpers waits for an operator to press and release every bumper
// in turn, each press must break the chain.
func (m *Manager) checkBumpers(ctx context.Context) (bool, error) {
	m.selectTest(hardware.MuxSensorChain)
	for i, b := range m.sig.Bumpers {
		if b == nil {
			continue
		}
		m.logger.Printf("Bumper test: press bumper %d", i+1)
		pressed, err := m.waitFor(ctx, func() bool { return b.Read() && !readIn(m.sig.TestIn, true) })
		if err != nil || !pressed {
			return false, err
		}
		released, err := m.waitFor(ctx, func() bool { return !b.Read() && readIn(m.sig.TestIn, false) })
		if err != nil || !released {
			return false, err
		}
	}
	return true, nil
}

func (m *Manager) waitFor(ctx context.Context, cond func() bool) (bool, error) {
	deadline := time.Now().Add(m.cfg.BumperTestTimeout)
	for {
		if cond() {
			return true, nil
		}
		if !time.Now().Before(deadline) {
			return false, nil
		}
		if err := m.sleep(ctx, m.poll); err != nil {
			return false, err
		}
	}
}

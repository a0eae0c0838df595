package fsm_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/librescoot/cleaning-service/internal/fsm"
	"github.com/librescoot/librefsm"
)

// mockActions implements fsm.Actions for testing
type mockActions struct {
	checkIdle   atomic.Bool
	selfTests   atomic.Int32
	timeouts    atomic.Int32
	operational atomic.Bool
}

func (m *mockActions) EnterSelfTest(c *librefsm.Context) error {
	m.selfTests.Add(1)
	return nil
}
func (m *mockActions) EnterOperational(c *librefsm.Context) error {
	m.operational.Store(true)
	return nil
}
func (m *mockActions) ExitOperational(c *librefsm.Context) error {
	m.operational.Store(false)
	return nil
}
func (m *mockActions) EnterCheckFailed(c *librefsm.Context) error { return nil }
func (m *mockActions) EnterShutdown(c *librefsm.Context) error    { return nil }
func (m *mockActions) IsCheckIdle(c *librefsm.Context) bool       { return m.checkIdle.Load() }
func (m *mockActions) OnCheckTimeout(c *librefsm.Context) error {
	m.timeouts.Add(1)
	return nil
}
func (m *mockActions) PublishState(state string) error { return nil }

func startMachine(t *testing.T, actions *mockActions, checkTimeout time.Duration) *librefsm.Machine {
	t.Helper()
	def := fsm.NewDefinition(actions, checkTimeout)
	machine, err := def.Build()
	if err != nil {
		t.Fatalf("Failed to build FSM: %v", err)
	}

	if err := machine.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start FSM: %v", err)
	}
	return machine
}

func TestSelfTestPasses(t *testing.T) {
	actions := &mockActions{}
	actions.checkIdle.Store(true)
	machine := startMachine(t, actions, time.Second)
	defer machine.Stop()

	time.Sleep(10 * time.Millisecond)
	if !machine.IsInState(fsm.StateSelfTest) {
		t.Fatalf("Expected StateSelfTest, got %v", machine.CurrentState())
	}
	if actions.selfTests.Load() != 1 {
		t.Errorf("Expected one self-test entry, got %d", actions.selfTests.Load())
	}

	machine.Send(librefsm.Event{ID: fsm.EvCheckPassed})
	time.Sleep(10 * time.Millisecond)
	if !machine.IsInState(fsm.StateOperational) {
		t.Errorf("Expected StateOperational, got %v", machine.CurrentState())
	}
	if !actions.operational.Load() {
		t.Errorf("Expected operational entry action to run")
	}

	// A reset has no meaning once operational
	machine.Send(librefsm.Event{ID: fsm.EvSupervisorReset})
	time.Sleep(10 * time.Millisecond)
	if !machine.IsInState(fsm.StateOperational) {
		t.Errorf("Expected StateOperational after reset, got %v", machine.CurrentState())
	}
}

func TestSelfTestFailureAndSupervisorReset(t *testing.T) {
	actions := &mockActions{}
	machine := startMachine(t, actions, time.Second)
	defer machine.Stop()

	machine.Send(librefsm.Event{ID: fsm.EvCheckFailed})
	time.Sleep(10 * time.Millisecond)
	if !machine.IsInState(fsm.StateCheckFailed) {
		t.Fatalf("Expected StateCheckFailed, got %v", machine.CurrentState())
	}

	// Check still unwinding: reset is refused
	machine.Send(librefsm.Event{ID: fsm.EvSupervisorReset})
	time.Sleep(10 * time.Millisecond)
	if !machine.IsInState(fsm.StateCheckFailed) {
		t.Errorf("Expected StateCheckFailed while check busy, got %v", machine.CurrentState())
	}

	actions.checkIdle.Store(true)
	machine.Send(librefsm.Event{ID: fsm.EvSupervisorReset})
	time.Sleep(10 * time.Millisecond)
	if !machine.IsInState(fsm.StateSelfTest) {
		t.Errorf("Expected StateSelfTest after reset, got %v", machine.CurrentState())
	}
	if actions.selfTests.Load() != 2 {
		t.Errorf("Expected self-test to rerun, got %d entries", actions.selfTests.Load())
	}
}

func TestSelfTestTimeout(t *testing.T) {
	actions := &mockActions{}
	machine := startMachine(t, actions, 30*time.Millisecond)
	defer machine.Stop()

	time.Sleep(80 * time.Millisecond)
	if !machine.IsInState(fsm.StateCheckFailed) {
		t.Errorf("Expected StateCheckFailed after timeout, got %v", machine.CurrentState())
	}
	if actions.timeouts.Load() != 1 {
		t.Errorf("Expected timeout action once, got %d", actions.timeouts.Load())
	}

	// A late result must not revive the machine
	machine.Send(librefsm.Event{ID: fsm.EvCheckPassed})
	time.Sleep(10 * time.Millisecond)
	if !machine.IsInState(fsm.StateCheckFailed) {
		t.Errorf("Expected late check result to be ignored, got %v", machine.CurrentState())
	}
}

func TestShutdownFromOperational(t *testing.T) {
	actions := &mockActions{}
	machine := startMachine(t, actions, time.Second)
	defer machine.Stop()

	machine.Send(librefsm.Event{ID: fsm.EvCheckPassed})
	time.Sleep(10 * time.Millisecond)
	machine.Send(librefsm.Event{ID: fsm.EvShutdown})
	time.Sleep(10 * time.Millisecond)
	if !machine.IsInState(fsm.StateShutdown) {
		t.Errorf("Expected StateShutdown, got %v", machine.CurrentState())
	}
	if actions.operational.Load() {
		t.Errorf("Expected operational exit action to run")
	}
}

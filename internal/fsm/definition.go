package fsm

import (
	"time"

	"github.com/librescoot/librefsm"
)

// NewDefinition creates the service lifecycle FSM definition.
// checkTimeout bounds the safety chain check; a check that has not
// reported by then counts as failed.
func NewDefinition(actions Actions, checkTimeout time.Duration) *librefsm.Definition {
	return librefsm.NewDefinition().
		State(StateSelfTest,
			librefsm.WithOnEnter(actions.EnterSelfTest),
			librefsm.WithTimeout(checkTimeout, EvCheckTimeout),
		).
		State(StateOperational,
			librefsm.WithOnEnter(actions.EnterOperational),
			librefsm.WithOnExit(actions.ExitOperational),
		).
		State(StateCheckFailed,
			librefsm.WithOnEnter(actions.EnterCheckFailed),
		).
		State(StateShutdown,
			librefsm.WithOnEnter(actions.EnterShutdown),
		).

		// === Transitions from SelfTest ===

		Transition(StateSelfTest, EvCheckPassed, StateOperational).
		Transition(StateSelfTest, EvCheckFailed, StateCheckFailed).
		Transition(StateSelfTest, EvCheckTimeout, StateCheckFailed,
			librefsm.WithAction(actions.OnCheckTimeout),
		).
		Transition(StateSelfTest, EvShutdown, StateShutdown).

		// === Transitions from CheckFailed ===

		// Only rerun once the previous check has unwound
		Transition(StateCheckFailed, EvSupervisorReset, StateSelfTest,
			librefsm.WithGuard(actions.IsCheckIdle),
		).
		Transition(StateCheckFailed, EvShutdown, StateShutdown).

		// === Transitions from Operational ===

		Transition(StateOperational, EvShutdown, StateShutdown).

		// Initial state
		Initial(StateSelfTest)
}

package fsm

import (
	"github.com/librescoot/librefsm"
)

// Service lifecycle states
const (
	StateSelfTest    librefsm.StateID = "self-test"
	StateOperational librefsm.StateID = "operational"
	StateCheckFailed librefsm.StateID = "check-failed"
	StateShutdown    librefsm.StateID = "shutdown"
)

// Events
const (
	// Safety chain check results
	EvCheckPassed  librefsm.EventID = "check-passed"
	EvCheckFailed  librefsm.EventID = "check-failed"
	EvCheckTimeout librefsm.EventID = "check-timeout"

	// Supervisor reset, raised by a clear-errors request while the check
	// has failed
	EvSupervisorReset librefsm.EventID = "supervisor-reset"

	EvShutdown librefsm.EventID = "shutdown"
)

// Actions defines the callbacks for the service lifecycle FSM.
// The Service struct implements this interface.
type Actions interface {
	// State entry actions
	EnterSelfTest(c *librefsm.Context) error
	EnterOperational(c *librefsm.Context) error
	EnterCheckFailed(c *librefsm.Context) error
	EnterShutdown(c *librefsm.Context) error
	ExitOperational(c *librefsm.Context) error

	// Guards
	IsCheckIdle(c *librefsm.Context) bool

	// Transition actions
	OnCheckTimeout(c *librefsm.Context) error

	// Publishing
	PublishState(state string) error
}

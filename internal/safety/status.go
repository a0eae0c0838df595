package safety

import "fmt"

// State is the runtime safety state.
type State int

const (
	StateOk State = iota
	StateCheckFailed
	StateRecovering
	StateEmergencyStop
	StateSafetyActivated
	StateError
)

func (s State) String() string {
	switch s {
	case StateOk:
		return "ok"
	case StateCheckFailed:
		return "check-failed"
	case StateRecovering:
		return "recovering"
	case StateEmergencyStop:
		return "emergency-stop"
	case StateSafetyActivated:
		return "safety-activated"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Request bits accepted by Manager.Request.
type Request uint32

const (
	RequestEnterRecovery Request = 1 << iota
	RequestLeaveRecovery
	RequestClearErrors
	RequestSimulateObstacle
	RequestNoBumperTestRequired
)

// ParseRequest maps a request name to its bit.
func ParseRequest(name string) (Request, error) {
	switch name {
	case "enter-recovery":
		return RequestEnterRecovery, nil
	case "leave-recovery":
		return RequestLeaveRecovery, nil
	case "clear-errors":
		return RequestClearErrors, nil
	case "simulate-obstacle":
		return RequestSimulateObstacle, nil
	case "no-bumper-test":
		return RequestNoBumperTestRequired, nil
	}
	return 0, fmt.Errorf("unknown safety request %q", name)
}

// Fault is a bitmask of latched runtime errors.
type Fault uint16

const (
	FaultWatchdog Fault = 1 << iota
	FaultPower24V
	FaultCompanion
	FaultConsistency
	FaultRecoveryTimeout
)

func (f Fault) String() string {
	names := []string{"watchdog", "24v", "companion", "consistency", "recovery-timeout"}
	s := ""
	for i, n := range names {
		if f&(1<<i) == 0 {
			continue
		}
		if s != "" {
			s += ","
		}
		s += n
	}
	if s == "" {
		return "none"
	}
	return s
}

// Sensors is a bitmask of triggered sensors: bumpers in bits 0-3, floor
// sensors in bits 4-7.
type Sensors uint16

const floorShift = 4

// Status word layout:
//
//	bits  0-3   State
//	bit   4     faults latched, clear required
//	bit   5     emergency stop active
//	bit   6     sensors triggered
//	bit   7     chain check re-run requested
//	bit   8     obstacle simulated
//	bit   9     chain check running
//	bits 16-31  detail: Sensors in EmergencyStop/SafetyActivated/Recovering,
//	            Fault in Error, CheckStep in CheckFailed
const (
	StatusNeedsClearing uint32 = 1 << (4 + iota)
	StatusEMStop
	StatusSensorsTriggered
	StatusRecheckRequested
	StatusSimulatedObstacle
	StatusChecking
)

const (
	statusStateMask   = 0xf
	statusDetailShift = 16
)

// StatusWord is a decoded safety status word.
type StatusWord struct {
	State  State
	Flags  uint32
	Detail uint16
}

// Pack encodes the word.
func (w StatusWord) Pack() uint32 {
	return uint32(w.State)&statusStateMask | w.Flags&0xfff0 | uint32(w.Detail)<<statusDetailShift
}

// UnpackStatus decodes a status word.
func UnpackStatus(v uint32) StatusWord {
	return StatusWord{
		State:  State(v & statusStateMask),
		Flags:  v & 0xfff0,
		Detail: uint16(v >> statusDetailShift),
	}
}

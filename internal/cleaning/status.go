package cleaning

import "strings"

// State is the orchestrator state.
type State int

const (
	StateNotInitialized State = iota
	StateInitializing
	StateError
	StateStopped
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateNotInitialized:
		return "not-initialized"
	case StateInitializing:
		return "initializing"
	case StateError:
		return "error"
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Request bits of the orchestrator request word.
type Request uint32

const (
	RequestStart Request = 1 << iota
	RequestStop
	RequestClearError
	RequestStartDevice
	RequestStopDevice
	RequestMoveDeviceUp
	RequestMoveDeviceDown
	RequestResetMaxCurrent
)

// Selector picks the device groups a device request applies to. The brush
// and suction groups include their lifts.
type Selector uint8

const (
	SelectBrush Selector = 1 << iota
	SelectSuction
	SelectWaterPump

	SelectAll = SelectBrush | SelectSuction | SelectWaterPump
)

func (s Selector) String() string {
	var parts []string
	if s&SelectBrush != 0 {
		parts = append(parts, "brush")
	}
	if s&SelectSuction != 0 {
		parts = append(parts, "suction")
	}
	if s&SelectWaterPump != 0 {
		parts = append(parts, "water-pump")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, ",")
}

// ErrorFlags records why the orchestrator entered StateError.
type ErrorFlags uint8

const (
	ErrorDevice ErrorFlags = 1 << iota
	ErrorSafety
	ErrorEnable
	ErrorTimeout
)

func (e ErrorFlags) String() string {
	names := []string{"device", "safety", "enable", "timeout"}
	var parts []string
	for i, n := range names {
		if e&(1<<i) != 0 {
			parts = append(parts, n)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, ",")
}

// Status word layout:
//
//	bits  0-3   State
//	bits  4-7   ErrorFlags
//	bits  8-10  running: brush, suction, water pump
//	bits 11-13  executing (sequencing or lift moving): brush, suction, water pump
//	bits 14-15  lift up: brush lift, suction lift
//	bits 16-19  aux: AuxEMStop, AuxFatal, AuxMainPower, AuxStartPending
const (
	AuxEMStop uint8 = 1 << iota
	AuxFatal
	AuxMainPower
	AuxStartPending
)

const (
	shiftErrors    = 4
	shiftRunning   = 8
	shiftExecuting = 11
	shiftUp        = 14
	shiftAux       = 16
)

// StatusWord is the decoded orchestrator status word.
type StatusWord struct {
	State     State
	Errors    ErrorFlags
	Running   Selector
	Executing Selector
	BrushUp   bool
	SuctionUp bool
	Aux       uint8
}

// Pack encodes the word.
func (w StatusWord) Pack() uint32 {
	v := uint32(w.State) & 0xf
	v |= uint32(w.Errors&0xf) << shiftErrors
	v |= uint32(w.Running&SelectAll) << shiftRunning
	v |= uint32(w.Executing&SelectAll) << shiftExecuting
	if w.BrushUp {
		v |= 1 << shiftUp
	}
	if w.SuctionUp {
		v |= 1 << (shiftUp + 1)
	}
	v |= uint32(w.Aux&0xf) << shiftAux
	return v
}

// UnpackStatus decodes a status word.
func UnpackStatus(v uint32) StatusWord {
	return StatusWord{
		State:     State(v & 0xf),
		Errors:    ErrorFlags(v>>shiftErrors) & 0xf,
		Running:   Selector(v>>shiftRunning) & SelectAll,
		Executing: Selector(v>>shiftExecuting) & SelectAll,
		BrushUp:   v&(1<<shiftUp) != 0,
		SuctionUp: v&(1<<(shiftUp+1)) != 0,
		Aux:       uint8(v>>shiftAux) & 0xf,
	}
}

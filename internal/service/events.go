package service

// EventType represents the type of event posted to the control loop
type EventType int

const (
	EventCheckDone EventType = iota
)

// Event represents an event for the control loop
type Event struct {
	Type EventType
	Data interface{}
}

// CheckDoneData carries the outcome of a safety chain check
type CheckDoneData struct {
	Err error
}

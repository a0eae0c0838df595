// Package bus exchanges data between the control loop and the outside
// world. Every exposed value is a Slot guarded by its own mutex; the
// Redis side only ever touches slots, never the control objects.
package bus

import (
	"strconv"
	"sync"
)

// Slot is a single exchanged value.
type Slot[T any] struct {
	mu sync.Mutex
	v  T
}

func (s *Slot[T]) Read() T {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.v
}

func (s *Slot[T]) Write(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.v = v
}

// Take returns the value and resets the slot to the zero value.
func (s *Slot[T]) Take() T {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.v
	var zero T
	s.v = zero
	return v
}

// DeviceSnapshot is the published view of a single device.
type DeviceSnapshot struct {
	Name       string `json:"name"`
	Status     string `json:"status"`
	Current    int    `json:"current"`
	MaxCurrent int    `json:"max_current"`
	Running    bool   `json:"running"`
	Up         bool   `json:"up,omitempty"`
}

// Snapshot is everything the control loop publishes in one go.
type Snapshot struct {
	Lifecycle string `json:"lifecycle"`

	Status uint32 `json:"status"`
	State  string `json:"state"`
	Errors string `json:"errors"`
	Fatal  int    `json:"fatal"`

	SafetyStatus uint32 `json:"safety_status"`
	SafetyState  string `json:"safety_state"`
	SafetyFaults string `json:"safety_faults"`
	SafetyCheck  string `json:"safety_check,omitempty"`

	Devices    []DeviceSnapshot `json:"devices"`
	FlowPulses int              `json:"flow_pulses"`
	WaterLevel int              `json:"water_level"`
	DryRun     bool             `json:"dry_run"`

	Debug map[string]uint64 `json:"debug"`

	// Fault is announced separately over redis-ipc, Busy drives the
	// suspend inhibitor.
	Fault string `json:"fault,omitempty"`
	Busy  bool   `json:"busy"`
}

// Device looks up a device by name.
func (s Snapshot) Device(name string) (DeviceSnapshot, bool) {
	for _, d := range s.Devices {
		if d.Name == name {
			return d, true
		}
	}
	return DeviceSnapshot{}, false
}

// Fields flattens the snapshot into hash fields.
func (s Snapshot) Fields() map[string]string {
	f := map[string]string{
		"lifecycle":     s.Lifecycle,
		"status":        strconv.FormatUint(uint64(s.Status), 10),
		"state":         s.State,
		"errors":        s.Errors,
		"fatal":         strconv.Itoa(s.Fatal),
		"safety-status": strconv.FormatUint(uint64(s.SafetyStatus), 10),
		"safety-state":  s.SafetyState,
		"safety-faults": s.SafetyFaults,
		"flow-pulses":   strconv.Itoa(s.FlowPulses),
		"water-level":   strconv.Itoa(s.WaterLevel),
		"dry-run":       strconv.FormatBool(s.DryRun),
	}
	for _, d := range s.Devices {
		f["status:"+d.Name] = d.Status
		f["current:"+d.Name] = strconv.Itoa(d.Current)
		f["max-current:"+d.Name] = strconv.Itoa(d.MaxCurrent)
	}
	for k, v := range s.Debug {
		f["debug:"+k] = strconv.FormatUint(v, 10)
	}
	return f
}

// Exchange holds the slots shared by the control loop and the bus side.
type Exchange struct {
	Snapshot   Slot[Snapshot]
	WaterLevel Slot[int]
	DryRun     Slot[bool]
}

// NewExchange creates an exchange with the default water level.
func NewExchange(waterLevel int) *Exchange {
	ex := &Exchange{}
	ex.WaterLevel.Write(waterLevel)
	return ex
}

package hardware

import (
	"encoding/binary"
	"io"
	"log"
	"testing"
	"time"

	"github.com/goburrow/modbus"
)

func TestDriveSetsModeAndRatio(t *testing.T) {
	p := &MemPWM{}

	Drive(p, 0.4)
	if p.Mode() != PWMForward || p.Ratio() != 0.4 {
		t.Errorf("Expected forward 0.4, got %s %v", p.Mode(), p.Ratio())
	}

	Drive(p, -1.5)
	if p.Mode() != PWMReverse || p.Ratio() != 1 {
		t.Errorf("Expected reverse clamped to 1, got %s %v", p.Mode(), p.Ratio())
	}
	if p.Duty() != -1 {
		t.Errorf("Expected signed duty -1, got %v", p.Duty())
	}

	Drive(p, 0)
	if p.Mode() != PWMBrake || p.Ratio() != 0 {
		t.Errorf("Expected brake 0, got %s %v", p.Mode(), p.Ratio())
	}
}

func TestMemPulseCounterIgnoresWhenDisabled(t *testing.T) {
	c := &MemPulseCounter{}
	c.Add(5)
	if got := c.Take(); got != 0 {
		t.Errorf("Expected disabled counter to ignore pulses, got %d", got)
	}

	c.Enable(true)
	c.Add(3)
	c.Add(4)
	if got := c.Take(); got != 7 {
		t.Errorf("Expected 7 pulses, got %d", got)
	}
	if got := c.Take(); got != 0 {
		t.Errorf("Expected Take to reset the counter, got %d", got)
	}
}

func TestSimBoardLoopback(t *testing.T) {
	b := NewSimBoard(nil)
	in := b.TestIn()

	// mux 0: 24V
	if !in.Read() {
		t.Errorf("Expected 24V loop-back high")
	}
	b.Power24V.Put(false)
	if in.Read() {
		t.Errorf("Expected 24V loop-back low after power loss")
	}

	// mux 1: recovery relay
	b.TestMux[0].Set()
	if in.Read() {
		t.Errorf("Expected recovery loop-back low while relay open")
	}
	b.Recovery.Set()
	if !in.Read() {
		t.Errorf("Expected recovery loop-back high while relay closed")
	}

	// mux 3: sensor chain
	b.TestMux[1].Set()
	if !in.Read() {
		t.Errorf("Expected sensor chain closed")
	}
	b.Floor[2].Put(true)
	if in.Read() {
		t.Errorf("Expected sensor chain open with a floor sensor triggered")
	}

	if !b.CompanionOK().Read() {
		t.Errorf("Expected companion ok")
	}
	b.CompanionTest.Set()
	if b.CompanionOK().Read() {
		t.Errorf("Expected companion ok to drop under test")
	}
}

func TestSimMotorStallsAtEndStop(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	m := NewSimMotor(SimMotorConfig{
		PulsesPerSecond: 1000, Min: 0, Max: 100, Start: 50,
		IdleCurrent: 10, LoadCurrent: 100, StallCurrent: 900,
	}, clock)
	m.Pulses().Enable(true)

	Drive(m, -1)
	now = now.Add(20 * time.Millisecond)
	if got := m.Position(); got != 30 {
		t.Fatalf("Expected position 30, got %d", got)
	}
	if got := m.Pulses().Take(); got != 20 {
		t.Errorf("Expected 20 pulses, got %d", got)
	}
	if got := m.Read(); got != 110 {
		t.Errorf("Expected running current 110, got %d", got)
	}

	now = now.Add(time.Second)
	if got := m.Position(); got != 0 {
		t.Fatalf("Expected to stop at the end stop, got %d", got)
	}
	if !m.Blocked().Read() {
		t.Errorf("Expected blocked flag at the end stop")
	}
	if got := m.Read(); got != 900 {
		t.Errorf("Expected stall current, got %d", got)
	}
}

type fakeModbus struct {
	modbus.Client
	writes  [][]byte
	current uint16
	pulses  uint16
	blocked bool
}

func (f *fakeModbus) WriteMultipleRegisters(address, quantity uint16, value []byte) ([]byte, error) {
	f.writes = append(f.writes, append([]byte(nil), value...))
	return []byte{0, 2}, nil
}

func (f *fakeModbus) ReadInputRegisters(address, quantity uint16) ([]byte, error) {
	out := make([]byte, 4)
	binary.BigEndian.PutUint16(out[0:], f.current)
	binary.BigEndian.PutUint16(out[2:], f.pulses)
	return out, nil
}

func (f *fakeModbus) ReadDiscreteInputs(address, quantity uint16) ([]byte, error) {
	if f.blocked {
		return []byte{1}, nil
	}
	return []byte{0}, nil
}

func TestModbusBoardPoll(t *testing.T) {
	fake := &fakeModbus{current: 1234, pulses: 65530}
	bus := &ModbusBus{
		handler: modbus.NewRTUClientHandler("/dev/null"),
		client:  fake,
		logger:  log.New(io.Discard, "", 0),
	}
	board := bus.Board("brush", 3)
	board.Pulses().Enable(true)

	Drive(board, 0.5)
	bus.poll(board)

	if len(fake.writes) != 1 {
		t.Fatalf("Expected one drive write, got %d", len(fake.writes))
	}
	w := fake.writes[0]
	if mode := binary.BigEndian.Uint16(w[0:]); PWMMode(mode) != PWMForward {
		t.Errorf("Expected forward mode, got %d", mode)
	}
	if duty := binary.BigEndian.Uint16(w[2:]); duty != 500 {
		t.Errorf("Expected 500 permille, got %d", duty)
	}
	if got := board.Current().Read(); got != 1234 {
		t.Errorf("Expected current 1234, got %d", got)
	}

	// unchanged drive is not rewritten, pulse counter wraps
	fake.pulses = 4
	fake.blocked = true
	bus.poll(board)
	if len(fake.writes) != 1 {
		t.Errorf("Expected no rewrite for unchanged drive")
	}
	if got := board.Pulses().Take(); got != 10 {
		t.Errorf("Expected 10 pulses across wrap, got %d", got)
	}
	if !board.Blocked().Read() {
		t.Errorf("Expected blocked flag")
	}
	if !board.Healthy() {
		t.Errorf("Expected healthy board")
	}
}

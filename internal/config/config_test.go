package config

import (
	"errors"
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFlagsOverrideDefaults(t *testing.T) {
	c := New()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.register(fs)

	err := fs.Parse([]string{"-backend", "gpio", "-control-tick", "20ms", "-water-level", "3", "-dry-run"})
	if err != nil {
		t.Fatalf("Failed to parse flags: %v", err)
	}

	if c.Backend != BackendGPIO {
		t.Errorf("Expected gpio backend, got %s", c.Backend)
	}
	if c.ControlTick != 20*time.Millisecond {
		t.Errorf("Expected 20ms control tick, got %v", c.ControlTick)
	}
	if c.WaterLevel != 3 || !c.DryRun {
		t.Errorf("Expected water level 3 dry-run, got %d %v", c.WaterLevel, c.DryRun)
	}
	if c.SafetyTick != 10*time.Millisecond {
		t.Errorf("Expected default safety tick kept, got %v", c.SafetyTick)
	}
}

func TestDefaultDeviceParamsAreValid(t *testing.T) {
	p, err := LoadDeviceParams("")
	if err != nil {
		t.Fatalf("Expected defaults to validate, got %v", err)
	}
	if p.BrushLift.RestPosition >= p.BrushLift.WorkPosition {
		t.Errorf("Expected rest above work, got %d/%d", p.BrushLift.RestPosition, p.BrushLift.WorkPosition)
	}

	seen := map[int]bool{}
	lines := []int{p.Lines.MainPower.Offset, p.Lines.Flow.Offset, p.Lines.TestMux[1].Offset}
	for _, b := range p.Lines.Bumpers {
		lines = append(lines, b.Offset)
	}
	for _, o := range lines {
		if seen[o] {
			t.Errorf("Expected unique line offsets, %d used twice", o)
		}
		seen[o] = true
	}
}

func TestLoadDeviceParamsOverlaysFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "params.yaml")
	data := `
brush:
  speed: 0.6
brush_lift:
  work_position: 28000
  move_timeout: 10s
water_pump:
  prime_time: 500ms
safety:
  bumper_test: false
motors:
  brush: 7
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	p, err := LoadDeviceParams(path)
	if err != nil {
		t.Fatalf("Failed to load params: %v", err)
	}

	if p.Brush.Speed != 0.6 {
		t.Errorf("Expected brush speed 0.6, got %v", p.Brush.Speed)
	}
	if p.Brush.CurrentLimit != 2500 {
		t.Errorf("Expected default current limit kept, got %d", p.Brush.CurrentLimit)
	}
	if p.BrushLift.WorkPosition != 28000 || p.BrushLift.MoveTimeout != 10*time.Second {
		t.Errorf("Expected lift overrides, got %d %v", p.BrushLift.WorkPosition, p.BrushLift.MoveTimeout)
	}
	if p.BrushLift.RestPosition != 5000 {
		t.Errorf("Expected default rest position kept, got %d", p.BrushLift.RestPosition)
	}
	if p.WaterPump.PrimeTime != 500*time.Millisecond {
		t.Errorf("Expected prime time 500ms, got %v", p.WaterPump.PrimeTime)
	}
	if p.Safety.BumperTest {
		t.Errorf("Expected bumper test disabled")
	}
	if p.Motors.Brush != 7 || p.Motors.Suction != 2 {
		t.Errorf("Expected brush slave 7 and default suction slave, got %d %d", p.Motors.Brush, p.Motors.Suction)
	}
}

func TestLoadDeviceParamsErrors(t *testing.T) {
	if _, err := LoadDeviceParams(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Errorf("Expected missing file to fail")
	}

	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("brush: [1, 2"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadDeviceParams(path); err == nil {
		t.Errorf("Expected malformed file to fail")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(p *DeviceParams)
	}{
		{"work equals rest", func(p *DeviceParams) { p.SuctionLift.WorkPosition = p.SuctionLift.RestPosition }},
		{"home direction", func(p *DeviceParams) { p.BrushLift.HomeDirection = 0 }},
		{"zero tolerance", func(p *DeviceParams) { p.BrushLift.Tolerance = 0 }},
		{"empty adjust band", func(p *DeviceParams) { p.BrushLift.AdjustLow = p.BrushLift.AdjustHigh }},
		{"pid saturation", func(p *DeviceParams) { p.SuctionLift.PID.OutMin = 1 }},
		{"brush speed", func(p *DeviceParams) { p.Brush.Speed = 1.5 }},
		{"suction slope", func(p *DeviceParams) { p.Suction.Slope = 0 }},
		{"pump duty", func(p *DeviceParams) { p.WaterPump.Duty = 0 }},
		{"pump level", func(p *DeviceParams) { p.WaterPump.Levels[2].On = 0 }},
		{"debounce", func(p *DeviceParams) { p.Safety.Debounce = 0 }},
		{"fatal threshold", func(p *DeviceParams) { p.Cleaning.FatalThreshold = p.Cleaning.FatalMax + 1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultDeviceParams()
			tt.modify(&p)
			if err := p.Validate(); !errors.Is(err, ErrInvalid) {
				t.Errorf("Expected ErrInvalid, got %v", err)
			}
		})
	}
}

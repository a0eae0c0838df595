package main

import (
	"strconv"
	"strings"
	"testing"

	"github.com/jessevdk/go-flags"

	"github.com/librescoot/cleaning-service/internal/cleaning"
)

func TestDeviceRequest(t *testing.T) {
	tests := []struct {
		action string
		sel    []string
		want   string
	}{
		{"start", []string{"brush"}, "start-device:brush"},
		{"up", []string{"brush", "suction"}, "move-up:brush,suction"},
		{"reset-max-current", []string{"water-pump"}, "reset-max-current:water-pump"},
	}
	for _, tt := range tests {
		c := &DeviceCommand{Action: tt.action, Select: tt.sel}
		got := c.request()
		if got != tt.want {
			t.Errorf("%s %v: request %q, want %q", tt.action, tt.sel, got, tt.want)
		}
		if _, _, err := cleaning.ParseCommand(got); err != nil {
			t.Errorf("service rejects %q: %v", got, err)
		}
	}
}

func TestParseDeviceFlags(t *testing.T) {
	var o Options
	p := flags.NewParser(&o, flags.None)
	p.CommandHandler = func(flags.Commander, []string) error { return nil }

	if _, err := p.ParseArgs([]string{"device", "--action", "down", "-s", "suction"}); err != nil {
		t.Fatalf("ParseArgs failed: %v", err)
	}
	if o.Device.Action != "down" || len(o.Device.Select) != 1 || o.Device.Select[0] != "suction" {
		t.Errorf("parsed %+v", o.Device)
	}

	if _, err := p.ParseArgs([]string{"device", "--action", "spin", "-s", "brush"}); err == nil {
		t.Errorf("invalid action accepted")
	}
}

func TestRenderStatus(t *testing.T) {
	w := cleaning.StatusWord{State: cleaning.StateRunning, Running: cleaning.SelectBrush | cleaning.SelectSuction}
	fields := map[string]string{
		"lifecycle":           "operational",
		"state":               "running",
		"safety-state":        "ok",
		"safety-faults":       "none",
		"status":              strconv.FormatUint(uint64(w.Pack()), 10),
		"status:brush":        "running",
		"current:brush":       "900",
		"max-current:brush":   "1400",
		"status:suction":      "error",
		"max-current:suction": "0",
	}

	out := renderStatus(fields)
	for _, want := range []string{"operational", "brush,suction", "1400", "water-pump"} {
		if !strings.Contains(out, want) {
			t.Errorf("status output misses %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "Safety faults") {
		t.Errorf("no safety faults expected:\n%s", out)
	}
}

func TestRenderRawIsSorted(t *testing.T) {
	out := renderRaw(map[string]string{"state": "stopped", "lifecycle": "self-test"})
	if out != "lifecycle=self-test\nstate=stopped\n" {
		t.Errorf("raw output %q", out)
	}
}

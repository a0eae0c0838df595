package cleaning

import (
	"fmt"
	"strings"
)

// ParseCommand parses a textual request such as "start", "clear-error"
// or "move-up:brush,suction".
func ParseCommand(cmd string) (Request, Selector, error) {
	name, arg, hasArg := strings.Cut(strings.TrimSpace(cmd), ":")

	var req Request
	needsSel := true
	switch name {
	case "start":
		req, needsSel = RequestStart, false
	case "stop":
		req, needsSel = RequestStop, false
	case "clear-error":
		req, needsSel = RequestClearError, false
	case "start-device":
		req = RequestStartDevice
	case "stop-device":
		req = RequestStopDevice
	case "move-up":
		req = RequestMoveDeviceUp
	case "move-down":
		req = RequestMoveDeviceDown
	case "reset-max-current":
		req = RequestResetMaxCurrent
	default:
		return 0, 0, fmt.Errorf("unknown command %q", name)
	}

	if !needsSel {
		if hasArg {
			return 0, 0, fmt.Errorf("command %q takes no device", name)
		}
		return req, 0, nil
	}
	if !hasArg {
		return 0, 0, fmt.Errorf("command %q needs a device", name)
	}
	sel, err := ParseSelector(arg)
	if err != nil {
		return 0, 0, err
	}
	return req, sel, nil
}

// ParseSelector parses a comma separated list of device groups.
func ParseSelector(s string) (Selector, error) {
	var sel Selector
	for _, part := range strings.Split(s, ",") {
		switch strings.TrimSpace(part) {
		case "brush":
			sel |= SelectBrush
		case "suction":
			sel |= SelectSuction
		case "water-pump":
			sel |= SelectWaterPump
		case "all":
			sel |= SelectAll
		default:
			return 0, fmt.Errorf("unknown device %q", part)
		}
	}
	return sel, nil
}

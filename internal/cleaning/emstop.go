package cleaning

import "time"

// emState is the state of the emergency stop recovery machine.
type emState int

const (
	emStart emState = iota
	emActive
	emInitializing
	emError
)

func (s emState) String() string {
	switch s {
	case emStart:
		return "start"
	case emActive:
		return "active"
	case emInitializing:
		return "initializing"
	case emError:
		return "error"
	default:
		return "unknown"
	}
}

// stepEMStop runs the recovery machine on the combined power-present and
// no-emergency-stop signal. Losing it holds every device at once; getting
// it back re-enables them and waits until all report Stopped.
func (o *Orchestrator) stepEMStop(now time.Time, ok bool) {
	switch o.em {
	case emStart:
		if ok {
			return
		}
		o.holdAll(true)
		o.debug.EMStops++
		o.setEM(emActive, now)
	case emActive:
		if !ok {
			return
		}
		o.holdAll(false)
		for _, d := range o.devs {
			d.Disable()
			if err := d.Enable(); err != nil {
				o.logger.Printf("Failed to re-enable %s after emergency stop: %v", d.Name(), err)
			}
		}
		o.setEM(emInitializing, now)
	case emInitializing, emError:
		if !ok {
			o.holdAll(true)
			o.debug.EMStops++
			o.setEM(emActive, now)
			return
		}
		if o.em == emError {
			return
		}
		if o.anyDevice(isError) {
			o.emFail = ErrorDevice
			o.setEM(emError, now)
			return
		}
		if o.allDevices(isStopped) {
			o.debug.EMRecoveries++
			o.setEM(emStart, now)
			return
		}
		if now.Sub(o.emSince) > o.cfg.EnableTimeout {
			o.logger.Printf("Devices did not settle after emergency stop")
			o.forceStuck()
			o.emFail = ErrorTimeout
			o.setEM(emError, now)
		}
	}
}

func (o *Orchestrator) setEM(s emState, now time.Time) {
	o.logger.Printf("Emergency stop recovery: %s -> %s", o.em, s)
	o.em = s
	o.emSince = now
}

func (o *Orchestrator) holdAll(hold bool) {
	for _, d := range o.devs {
		d.SetHold(hold)
	}
}

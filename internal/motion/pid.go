package motion

// PIDConfig holds gains and saturation bounds for a PID controller.
// Gains are per sample; the controller is expected to run at a fixed period.
type PIDConfig struct {
	Kp float64 `yaml:"kp"`
	Ki float64 `yaml:"ki"`
	Kd float64 `yaml:"kd"`

	OutMin float64 `yaml:"out_min"`
	OutMax float64 `yaml:"out_max"`

	IntegralMin float64 `yaml:"integral_min"`
	IntegralMax float64 `yaml:"integral_max"`
}

// PID is a discrete PID controller with independent output and integrator
// saturation.
type PID struct {
	cfg      PIDConfig
	integral float64
	prevErr  float64
	primed   bool
}

// NewPID creates a controller. Init is implied.
func NewPID(cfg PIDConfig) *PID {
	return &PID{cfg: cfg}
}

// Init clears the integrator and the derivative history. Call it every
// time the controlled loop is (re)engaged.
func (p *PID) Init() {
	p.integral = 0
	p.prevErr = 0
	p.primed = false
}

// Update feeds one error sample and returns the saturated output.
func (p *PID) Update(err float64) float64 {
	p.integral = clamp(p.integral+p.cfg.Ki*err, p.cfg.IntegralMin, p.cfg.IntegralMax)

	var deriv float64
	if p.primed {
		deriv = p.cfg.Kd * (err - p.prevErr)
	}
	p.prevErr = err
	p.primed = true

	return clamp(p.cfg.Kp*err+p.integral+deriv, p.cfg.OutMin, p.cfg.OutMax)
}

// Error returns the error of the last Update.
func (p *PID) Error() float64 {
	return p.prevErr
}

// Integral returns the current integrator value.
func (p *PID) Integral() float64 {
	return p.integral
}

func clamp(v, lo, hi float64) float64 {
	if lo > hi {
		return v
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

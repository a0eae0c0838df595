package device

import (
	"fmt"
	"log"
	"time"

	"github.com/librescoot/cleaning-service/internal/motion"
)

// LiftState is the internal state of a lift.
type LiftState int

const (
	LiftIdle LiftState = iota
	LiftStartHoming
	LiftHoming
	LiftMoving
	LiftAdjustUp
	LiftAdjustIdle
	LiftAdjustDown
	LiftError
)

func (s LiftState) String() string {
	switch s {
	case LiftIdle:
		return "idle"
	case LiftStartHoming:
		return "start-homing"
	case LiftHoming:
		return "homing"
	case LiftMoving:
		return "moving"
	case LiftAdjustUp:
		return "adjust-up"
	case LiftAdjustIdle:
		return "adjust-idle"
	case LiftAdjustDown:
		return "adjust-down"
	case LiftError:
		return "error"
	default:
		return "unknown"
	}
}

// LiftErrorReason tells why a lift entered LiftError.
type LiftErrorReason int

const (
	ReasonNone LiftErrorReason = iota
	ReasonOvercurrent
	ReasonAdjustCurrentLow
	ReasonAdjustCurrentHigh
	ReasonMoveTimeout
	ReasonForced
)

func (r LiftErrorReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonOvercurrent:
		return "overcurrent"
	case ReasonAdjustCurrentLow:
		return "adjust-current-low"
	case ReasonAdjustCurrentHigh:
		return "adjust-current-high"
	case ReasonMoveTimeout:
		return "move-timeout"
	case ReasonForced:
		return "forced"
	default:
		return "unknown"
	}
}

// LiftConfig holds geometry and limits of a lift. Positions are hall
// pulses; HomeDirection is the sign of the duty that drives towards home.
type LiftConfig struct {
	HomeDirection int   `yaml:"home_direction"`
	HomePosition  int32 `yaml:"home_position"`
	RestPosition  int32 `yaml:"rest_position"`
	WorkPosition  int32 `yaml:"work_position"`
	Tolerance     int32 `yaml:"tolerance"`

	StartDuty     float64       `yaml:"start_duty"`
	StartCurrent  int           `yaml:"start_current"`
	StartTime     time.Duration `yaml:"start_time"`
	HomingDuty    float64       `yaml:"homing_duty"`
	HomingCurrent int           `yaml:"homing_current"`
	HomingTimeout time.Duration `yaml:"homing_timeout"`
	MoveTimeout   time.Duration `yaml:"move_timeout"`

	CurrentLimit         int           `yaml:"current_limit"`
	OvercurrentScale     int           `yaml:"overcurrent_scale"`
	OvercurrentThreshold int           `yaml:"overcurrent_threshold"`
	OvercurrentLockout   time.Duration `yaml:"overcurrent_lockout"`

	// Adjust keeps the consumer current between AdjustLow and AdjustHigh
	// while working.
	AdjustDuty         float64       `yaml:"adjust_duty"`
	AdjustLow          int           `yaml:"adjust_low"`
	AdjustHigh         int           `yaml:"adjust_high"`
	AdjustMin          int           `yaml:"adjust_min"`
	AdjustCurrentLimit int           `yaml:"adjust_current_limit"`
	AdjustDwell        time.Duration `yaml:"adjust_dwell"`
	AdjustWindow       int           `yaml:"adjust_window"`

	Trapezoid motion.TrapezoidConfig `yaml:"trapezoid"`
	PID       motion.PIDConfig       `yaml:"pid"`
}

// Lift positions a tool between a rest and a working position. It homes
// against the end stop on Enable, moves on a trapezoidal profile under
// PID control and, while its consumer runs, adjusts the contact pressure
// from the consumer's current.
type Lift struct {
	base
	cfg      LiftConfig
	act      Actuator
	consumer Consumer
	traj     *motion.Trapezoid
	pid      *motion.PID
	oc       overcurrent
	avg      *movingAverage

	state      LiftState
	stateSince time.Time
	errState   LiftState
	errReason  LiftErrorReason

	rest, work int32
	position   int32
	target     int32
	requested  int32
	pending    bool
	homed      bool

	dir          int
	counting     bool
	lockoutUntil time.Time
	faultSince   time.Time
	last         time.Time
}

// NewLift creates a lift in the Disabled state. consumer may be nil.
func NewLift(name string, cfg LiftConfig, act Actuator, consumer Consumer, logger *log.Logger) *Lift {
	return &Lift{
		base:     base{name: name, logger: logger},
		cfg:      cfg,
		act:      act,
		consumer: consumer,
		traj:     motion.NewTrapezoid(cfg.Trapezoid),
		pid:      motion.NewPID(cfg.PID),
		oc: overcurrent{
			limit:     cfg.CurrentLimit,
			scale:     cfg.OvercurrentScale,
			threshold: cfg.OvercurrentThreshold,
		},
		avg:      newMovingAverage(cfg.AdjustWindow),
		rest:     cfg.RestPosition,
		work:     cfg.WorkPosition,
		position: cfg.HomePosition,
		target:   cfg.HomePosition,
	}
}

// InitPositions sets the rest and working positions. Both must lie on the
// far side of home, with work further away than rest.
func (l *Lift) InitPositions(rest, work int32) error {
	if err := l.checkPositions(rest, work); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rest, l.work = rest, work
	return nil
}

func (l *Lift) checkPositions(rest, work int32) error {
	away := int64(-l.cfg.HomeDirection)
	if away != 1 && away != -1 {
		return fmt.Errorf("%w: home direction must be 1 or -1", ErrInvalidPositions)
	}
	if rest == work {
		return fmt.Errorf("%w: rest and work both %d", ErrInvalidPositions, rest)
	}
	if int64(rest-l.cfg.HomePosition)*away < 0 {
		return fmt.Errorf("%w: rest %d behind home %d", ErrInvalidPositions, rest, l.cfg.HomePosition)
	}
	if int64(work-rest)*away <= 0 {
		return fmt.Errorf("%w: work %d not beyond rest %d", ErrInvalidPositions, work, rest)
	}
	return nil
}

func (l *Lift) Positions() (rest, work int32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rest, l.work
}

func (l *Lift) Enable() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch l.status {
	case StatusDisabled:
	case StatusError:
		return ErrFault
	default:
		return nil
	}
	if err := l.checkPositions(l.rest, l.work); err != nil {
		return err
	}
	l.oc.reset()
	l.avg.reset()
	l.req = reqNone
	l.pending = false
	l.homed = false
	l.errReason = ReasonNone
	l.setStatus(StatusInitializing)
	l.setState(LiftStartHoming, time.Time{})
	return nil
}

// Disable stops the motor and forgets the homing reference.
func (l *Lift) Disable() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.halt()
	l.req = reqNone
	l.pending = false
	l.homed = false
	l.errReason = ReasonNone
	l.setState(LiftIdle, l.last)
	l.setStatus(StatusDisabled)
	return nil
}

// Start lowers the lift to the working position.
func (l *Lift) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.requestStart()
}

// Stop raises the lift to the rest position.
func (l *Lift) Stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.requestStop()
}

// Lift moves to the rest position without changing the lifecycle status.
func (l *Lift) Lift() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.retarget(l.rest)
}

// Lower moves to the working position without changing the lifecycle status.
func (l *Lift) Lower() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.retarget(l.work)
}

func (l *Lift) retarget(pos int32) error {
	switch l.status {
	case StatusDisabled:
		return ErrNotEnabled
	case StatusError:
		return ErrFault
	}
	if l.hold {
		return nil
	}
	l.requested = pos
	l.pending = true
	return nil
}

// ForceError stops the lift and latches LiftError.
func (l *Lift) ForceError() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.status == StatusDisabled || l.state == LiftError {
		return
	}
	l.fail(ReasonForced)
}

func (l *Lift) SetHold(hold bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if hold && !l.hold {
		l.halt()
	}
	l.hold = hold
}

// IsUp reports whether the lift is homed and resting at the rest position.
func (l *Lift) IsUp() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.isUp()
}

func (l *Lift) isUp() bool {
	return l.homed && !l.pending && l.target == l.rest &&
		(l.state == LiftIdle || l.state == LiftAdjustIdle) &&
		abs32(l.position-l.rest) <= l.cfg.Tolerance
}

// Executing reports whether a homing run or a move is in progress.
func (l *Lift) Executing() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pending {
		return true
	}
	switch l.state {
	case LiftStartHoming, LiftHoming, LiftMoving, LiftAdjustUp, LiftAdjustDown:
		return true
	}
	return false
}

func (l *Lift) State() LiftState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Fault returns the state the lift failed in and why.
func (l *Lift) Fault() (LiftState, LiftErrorReason) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.errState, l.errReason
}

func (l *Lift) Position() int32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.position
}

// Target returns the position the lift is heading for, including a
// request not yet picked up by Tick.
func (l *Lift) Target() int32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pending {
		return l.requested
	}
	return l.target
}

// Duty returns the sign of the last commanded duty cycle.
func (l *Lift) Duty() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dir
}

func (l *Lift) setState(s LiftState, now time.Time) {
	if l.state != s {
		l.logger.Printf("%s lift state: %s -> %s", l.name, l.state, s)
	}
	l.state = s
	l.stateSince = now
	l.faultSince = time.Time{}

	counting := s == LiftStartHoming || s == LiftHoming || s == LiftMoving
	if counting == l.counting || l.act.Pulses == nil {
		l.counting = counting
		return
	}
	l.counting = counting
	if counting {
		l.act.Pulses.Take()
	}
	l.act.Pulses.Enable(counting)
}

func (l *Lift) drive(duty float64) {
	switch {
	case duty > 0:
		l.dir = 1
	case duty < 0:
		l.dir = -1
	default:
		l.dir = 0
	}
	drive(l.act, duty)
}

func (l *Lift) halt() {
	l.drive(0)
}

func (l *Lift) fail(reason LiftErrorReason) {
	l.halt()
	l.logger.Printf("%s lift error in %s: %s", l.name, l.state, reason)
	l.errState = l.state
	l.errReason = reason
	l.req = reqNone
	l.pending = false
	l.homed = false
	l.setState(LiftError, l.last)
	l.setStatus(StatusError)
}

func (l *Lift) foldPulses() {
	if !l.counting || l.act.Pulses == nil {
		return
	}
	n := l.act.Pulses.Take()
	l.position += int32(n * l.dir)
}

func (l *Lift) Tick(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.last = now

	mA := l.sample(l.act.Current)
	if l.consumer != nil {
		l.avg.add(l.consumer.Current())
	}
	if l.hold || l.status == StatusDisabled {
		l.halt()
		return
	}
	if l.stateSince.IsZero() {
		l.stateSince = now
	}

	l.foldPulses()

	if l.state != LiftError && l.oc.sample(mA) {
		l.lockoutUntil = now.Add(l.cfg.OvercurrentLockout)
		l.fail(ReasonOvercurrent)
		return
	}

	if l.state != LiftError && l.homed {
		l.handleRequests(now)
	}

	switch l.state {
	case LiftIdle:
		l.halt()
		if l.adjustAllowed() {
			l.setState(LiftAdjustIdle, now)
		}
	case LiftStartHoming:
		l.tickStartHoming(now, mA)
	case LiftHoming:
		l.tickHoming(now, mA)
	case LiftMoving:
		l.tickMoving(now)
	case LiftAdjustIdle, LiftAdjustUp, LiftAdjustDown:
		l.tickAdjust(now, mA)
	case LiftError:
		l.halt()
	}
}

func (l *Lift) handleRequests(now time.Time) {
	switch l.takeRequest() {
	case reqStart:
		if l.status == StatusStopped || l.status == StatusStopping {
			l.setStatus(StatusStarting)
			l.moveTo(l.work, now)
		}
	case reqStop:
		if l.status == StatusStarting || l.status == StatusRunning {
			l.setStatus(StatusStopping)
			l.moveTo(l.rest, now)
		}
	}
	if l.pending {
		l.pending = false
		l.moveTo(l.requested, now)
	}
}

func (l *Lift) moveTo(target int32, now time.Time) {
	l.target = target
	if l.state == LiftMoving {
		l.traj.SetTarget(float64(target), now)
		l.stateSince = now
		return
	}
	l.halt()
	l.traj.Reset(float64(l.position))
	l.traj.SetTarget(float64(target), now)
	l.pid.Init()
	l.setState(LiftMoving, now)
}

func (l *Lift) tickStartHoming(now time.Time, mA int) {
	if now.Before(l.lockoutUntil) {
		l.halt()
		l.stateSince = now
		return
	}
	l.drive(float64(l.cfg.HomeDirection) * l.cfg.StartDuty)
	if mA > l.cfg.StartCurrent || now.Sub(l.stateSince) >= l.cfg.StartTime {
		l.setState(LiftHoming, now)
	}
}

func (l *Lift) tickHoming(now time.Time, mA int) {
	blocked := l.act.Blocked != nil && l.act.Blocked.Read()
	if mA > l.cfg.HomingCurrent || blocked || now.Sub(l.stateSince) >= l.cfg.HomingTimeout {
		l.halt()
		l.position = l.cfg.HomePosition
		l.homed = true
		l.logger.Printf("%s homed after %s", l.name, now.Sub(l.stateSince))
		l.moveTo(l.rest, now)
		return
	}
	l.drive(float64(l.cfg.HomeDirection) * l.cfg.HomingDuty)
}

func (l *Lift) tickMoving(now time.Time) {
	if l.cfg.MoveTimeout > 0 && now.Sub(l.stateSince) > l.cfg.MoveTimeout {
		l.fail(ReasonMoveTimeout)
		return
	}

	errPos := l.target - l.position
	towards := 0
	if errPos > 0 {
		towards = 1
	} else if errPos < 0 {
		towards = -1
	}
	blocked := l.dir != 0 && l.dir == towards && l.act.Blocked != nil && l.act.Blocked.Read()

	if l.traj.Stopped() && abs32(errPos) <= l.cfg.Tolerance || blocked {
		l.finishMove(now)
		return
	}

	ref, _ := l.traj.Update(now)
	l.drive(l.pid.Update(ref - float64(l.position)))
}

func (l *Lift) finishMove(now time.Time) {
	l.halt()
	l.setState(LiftIdle, now)
	switch l.status {
	case StatusInitializing, StatusStopping:
		l.setStatus(StatusStopped)
	case StatusStarting:
		l.setStatus(StatusRunning)
	}
}

func (l *Lift) adjustAllowed() bool {
	if l.status != StatusRunning || l.target != l.work || l.consumer == nil {
		return false
	}
	if l.consumer.Status() != StatusRunning {
		return false
	}
	return !l.isUp()
}

func (l *Lift) tickAdjust(now time.Time, mA int) {
	if !l.adjustAllowed() {
		l.halt()
		l.setState(LiftIdle, now)
		return
	}

	load := l.avg.value()
	up := float64(l.cfg.HomeDirection) * l.cfg.AdjustDuty

	switch l.state {
	case LiftAdjustIdle:
		l.halt()
		if now.Sub(l.stateSince) < l.cfg.AdjustDwell {
			return
		}
		if load > l.cfg.AdjustHigh {
			l.setState(LiftAdjustUp, now)
		} else if load < l.cfg.AdjustLow {
			l.setState(LiftAdjustDown, now)
		}
		return
	case LiftAdjustUp:
		if load <= l.cfg.AdjustHigh {
			l.halt()
			l.setState(LiftAdjustIdle, now)
			return
		}
		if l.adjustFault(now, mA > l.cfg.AdjustCurrentLimit) {
			l.fail(ReasonAdjustCurrentHigh)
			return
		}
		l.drive(up)
	case LiftAdjustDown:
		if load >= l.cfg.AdjustLow {
			l.halt()
			l.setState(LiftAdjustIdle, now)
			return
		}
		if mA > l.cfg.AdjustCurrentLimit {
			if l.adjustFault(now, true) {
				l.fail(ReasonAdjustCurrentHigh)
			}
			l.drive(0)
			return
		}
		if l.adjustFault(now, load < l.cfg.AdjustMin) {
			l.fail(ReasonAdjustCurrentLow)
			return
		}
		l.drive(-up)
	}
}

// adjustFault reports whether cond has held for the adjust dwell time.
func (l *Lift) adjustFault(now time.Time, cond bool) bool {
	if !cond {
		l.faultSince = time.Time{}
		return false
	}
	if l.faultSince.IsZero() {
		l.faultSince = now
	}
	return now.Sub(l.faultSince) >= l.cfg.AdjustDwell
}

func abs32(v int32) int32 {
	if v < 0 {
		return -v
	}
	return v
}

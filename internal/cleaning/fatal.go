package cleaning

import "time"

// FatalCounter is a leaky bucket over fatal errors. CountUp adds one per
// error, CountDown drains one per decay step while the unit runs without
// error. Reaching the threshold latches Met until Clear.
type FatalCounter struct {
	max       int
	threshold int
	decay     time.Duration

	n        int
	met      bool
	lastDown time.Time
	upCycle  bool
}

// NewFatalCounter creates a counter bounded to [0, limit].
func NewFatalCounter(limit, threshold int, decay time.Duration) *FatalCounter {
	if limit < threshold {
		limit = threshold
	}
	return &FatalCounter{max: limit, threshold: threshold, decay: decay}
}

// BeginCycle marks the start of a control cycle.
func (f *FatalCounter) BeginCycle() {
	f.upCycle = false
}

func (f *FatalCounter) CountUp(now time.Time) {
	f.upCycle = true
	f.lastDown = now
	if f.n < f.max {
		f.n++
	}
	if f.n >= f.threshold {
		f.met = true
	}
}

// CountDown drains the counter, at most one step per decay interval and
// never in a cycle that counted up.
func (f *FatalCounter) CountDown(now time.Time) {
	if f.upCycle || f.n == 0 {
		return
	}
	if now.Sub(f.lastDown) < f.decay {
		return
	}
	f.n--
	f.lastDown = now
}

func (f *FatalCounter) Value() int { return f.n }

// Met reports whether the threshold has been reached since the last Clear.
func (f *FatalCounter) Met() bool { return f.met }

func (f *FatalCounter) Clear() {
	f.n = 0
	f.met = false
}

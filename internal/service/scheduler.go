package service

import "time"

// task is a periodic job of the control loop.
type task struct {
	name   string
	period time.Duration
	next   time.Time
	run    func(now time.Time)
}

// scheduler runs due tasks cooperatively from a single goroutine. Tasks
// run in registration order; an overrun skips the missed periods instead
// of running a task several times in a row.
type scheduler struct {
	tasks   []*task
	overrun map[string]uint64
}

func newScheduler() *scheduler {
	return &scheduler{overrun: make(map[string]uint64)}
}

func (s *scheduler) add(name string, period time.Duration, run func(now time.Time)) {
	s.tasks = append(s.tasks, &task{name: name, period: period, run: run})
}

// step runs every task that is due at now.
func (s *scheduler) step(now time.Time) {
	for _, t := range s.tasks {
		if t.next.IsZero() {
			t.next = now
		}
		if now.Before(t.next) {
			continue
		}
		t.run(now)
		t.next = t.next.Add(t.period)
		if !now.Before(t.next) {
			s.overrun[t.name]++
			t.next = now.Add(t.period)
		}
	}
}

// overruns returns how often a task missed a period.
func (s *scheduler) overruns(name string) uint64 {
	return s.overrun[name]
}

package device

// movingAverage is a fixed-window mean over integer samples.
type movingAverage struct {
	buf  []int
	next int
	n    int
	sum  int
}

func newMovingAverage(window int) *movingAverage {
	if window < 1 {
		window = 1
	}
	return &movingAverage{buf: make([]int, window)}
}

func (m *movingAverage) add(v int) int {
	if m.n == len(m.buf) {
		m.sum -= m.buf[m.next]
	} else {
		m.n++
	}
	m.buf[m.next] = v
	m.sum += v
	m.next = (m.next + 1) % len(m.buf)
	return m.value()
}

func (m *movingAverage) value() int {
	if m.n == 0 {
		return 0
	}
	return m.sum / m.n
}

func (m *movingAverage) reset() {
	m.next, m.n, m.sum = 0, 0, 0
}

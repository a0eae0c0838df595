package safety

// hysteresis debounces a boolean condition. The counter moves one step
// per sample; the output turns on when it saturates at max and off when
// it drains back to zero.
type hysteresis struct {
	n      int
	max    int
	active bool
}

func (h *hysteresis) update(cond bool) bool {
	if cond {
		if h.n < h.max {
			h.n++
		}
	} else if h.n > 0 {
		h.n--
	}
	if h.n >= h.max {
		h.active = true
	} else if h.n == 0 {
		h.active = false
	}
	return h.active
}

func (h *hysteresis) reset() {
	h.n = 0
	h.active = false
}

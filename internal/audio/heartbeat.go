package audio

import (
	"sync/atomic"
	"time"
)

// stallWindow is how long a started stream may go without a callback
// before it is reported as no longer playing.
const stallWindow = time.Second

// heartbeat tracks whether a started stream is still being driven by the
// hardware clock. beat is called from the realtime context.
type heartbeat struct {
	started atomic.Bool
	last    atomic.Int64
	now     func() time.Time
}

func (h *heartbeat) clock() time.Time {
	if h.now != nil {
		return h.now()
	}
	return time.Now()
}

func (h *heartbeat) start() {
	h.last.Store(h.clock().UnixNano())
	h.started.Store(true)
}

func (h *heartbeat) stop() {
	h.started.Store(false)
}

func (h *heartbeat) beat() {
	h.last.Store(h.clock().UnixNano())
}

// alive is true while started and a callback (or the start itself) was
// seen within stallWindow.
func (h *heartbeat) alive() bool {
	if !h.started.Load() {
		return false
	}
	since := h.clock().Sub(time.Unix(0, h.last.Load()))
	return since < stallWindow
}

// powersOfTwo returns the powers of two in [lo, hi]; lo is rounded down to
// a power of two first.
func powersOfTwo(lo, hi int) []int {
	p := 1
	for p*2 <= lo {
		p *= 2
	}
	var sizes []int
	for ; p <= hi; p *= 2 {
		sizes = append(sizes, p)
	}
	return sizes
}

package fall

import "gonum.org/v1/gonum/floats"

// DefaultWindowSize is the number of vertical displacement samples averaged
// per joint.
const DefaultWindowSize = 10

// SlidingWindow is a fixed-capacity FIFO of recent samples. When full, the
// oldest sample is evicted before the newest is appended.
type SlidingWindow struct {
	data []float64
	cap  int
}

// NewSlidingWindow creates an empty window. Capacities below one are raised
// to one.
func NewSlidingWindow(capacity int) *SlidingWindow {
	if capacity < 1 {
		capacity = 1
	}
	return &SlidingWindow{data: make([]float64, 0, capacity), cap: capacity}
}

// Push appends v, evicting the oldest sample when the window is full.
func (w *SlidingWindow) Push(v float64) {
	if len(w.data) == w.cap {
		copy(w.data, w.data[1:])
		w.data = w.data[:w.cap-1]
	}
	w.data = append(w.data, v)
}

// Average returns the arithmetic mean of the held samples. ok is false
// when nothing has been pushed yet.
func (w *SlidingWindow) Average() (avg float64, ok bool) {
	if len(w.data) == 0 {
		return 0, false
	}
	return floats.Sum(w.data) / float64(len(w.data)), true
}

// Len returns the number of held samples.
func (w *SlidingWindow) Len() int { return len(w.data) }

// Cap returns the window capacity.
func (w *SlidingWindow) Cap() int { return w.cap }

// Values returns the held samples, oldest first.
func (w *SlidingWindow) Values() []float64 {
	return append([]float64(nil), w.data...)
}

// Reset discards every held sample.
func (w *SlidingWindow) Reset() {
	w.data = w.data[:0]
}

package adaptive

// window is a fixed-capacity rolling sample window. Appending beyond
// capacity discards the oldest sample. Not safe for concurrent use; the
// synchronizer guards all windows with its own lock.
type window struct {
	values   []float64
	capacity int
}

func newWindow(capacity int) *window {
	return &window{capacity: capacity}
}

func (w *window) push(value float64) {
	if len(w.values) >= w.capacity {
		w.values = w.values[1:]
	}
	w.values = append(w.values, value)
}

// mean returns the arithmetic mean of the window, or fallback when no
// samples have been recorded yet.
func (w *window) mean(fallback float64) float64 {
	if len(w.values) == 0 {
		return fallback
	}
	sum := 0.0
	for _, v := range w.values {
		sum += v
	}
	return sum / float64(len(w.values))
}

// last returns the most recent sample.
func (w *window) last() (float64, bool) {
	if len(w.values) == 0 {
		return 0, false
	}
	return w.values[len(w.values)-1], true
}

func (w *window) len() int {
	return len(w.values)
}

func (w *window) clear() {
	w.values = w.values[:0]
}

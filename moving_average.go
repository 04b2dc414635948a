package picodaq

// MovingAverage maintains the mean of the most recent values in a
// fixed-length history. It keeps a running sum, so Add and Mean are O(1).
// MovingAverage is not safe for concurrent use; callers guard it with their
// own lock (the block uses its watchdog mutex).
type MovingAverage struct {
	vals []float64
	sum  float64
	next int
	n    int
}

// NewMovingAverage returns an averager over the last length values.
func NewMovingAverage(length int) *MovingAverage {
	if length < 1 {
		length = 1
	}
	return &MovingAverage{vals: make([]float64, length)}
}

// Add inserts one value, evicting the oldest if the history is full.
func (m *MovingAverage) Add(v float64) {
	if m.n == len(m.vals) {
		m.sum -= m.vals[m.next]
	} else {
		m.n++
	}
	m.vals[m.next] = v
	m.sum += v
	m.next++
	if m.next == len(m.vals) {
		m.next = 0
	}
}

// Mean returns the mean of the stored values, or 0 if none were added.
func (m *MovingAverage) Mean() float64 {
	if m.n == 0 {
		return 0
	}
	return m.sum / float64(m.n)
}

// Fill overwrites the entire history with v. Arm uses this to prime the
// sample-rate estimate to the expected rate, so the watchdog does not fire
// before real measurements accumulate.
func (m *MovingAverage) Fill(v float64) {
	for i := range m.vals {
		m.vals[i] = v
	}
	m.sum = v * float64(len(m.vals))
	m.n = len(m.vals)
	m.next = 0
}

// ABOUTME: Fixed-window moving average of observed round-trip times
// ABOUTME: Feeds the replay guards' latency allowance

package heart

import (
	"sync"
	"time"
)

// DefaultLatencyWindow is the number of samples averaged by default.
const DefaultLatencyWindow = 10

// LatencyAverage is the mean of the most recent samples, up to the window size.
type LatencyAverage struct {
	mu      sync.Mutex
	samples []time.Duration
	next    int
	count   int
	sum     time.Duration
}

// NewLatencyAverage creates an average over the last window samples.
func NewLatencyAverage(window int) *LatencyAverage {
	if window <= 0 {
		window = DefaultLatencyWindow
	}
	return &LatencyAverage{samples: make([]time.Duration, window)}
}

// Add records a sample, evicting the oldest once the window is full.
// Negative samples are clamped to zero.
func (a *LatencyAverage) Add(d time.Duration) {
	if d < 0 {
		d = 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.count == len(a.samples) {
		a.sum -= a.samples[a.next]
	} else {
		a.count++
	}
	a.samples[a.next] = d
	a.sum += d
	a.next = (a.next + 1) % len(a.samples)
}

// Average returns the mean of the recorded samples, or zero if there are none.
func (a *LatencyAverage) Average() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.count == 0 {
		return 0
	}
	return a.sum / time.Duration(a.count)
}

// Len returns the number of samples currently in the window.
func (a *LatencyAverage) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count
}

package dice

import (
	"sort"
	"sync"
)

const defaultLatencyWindow = 1000

// LatencyRecorder keeps a bounded window of roll latencies and answers the
// percentile questions the performance monitor asks. The target is a p95
// under 100ms.
type LatencyRecorder struct {
	mu      sync.Mutex
	window  int
	samples []float64
}

func NewLatencyRecorder(window int) *LatencyRecorder {
	if window <= 0 {
		window = defaultLatencyWindow
	}
	return &LatencyRecorder{window: window}
}

// Record adds one latency sample in milliseconds.
func (r *LatencyRecorder) Record(ms float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = append(r.samples, ms)
	if len(r.samples) > r.window {
		r.samples = r.samples[len(r.samples)-r.window:]
	}
}

// P95 returns the 95th-percentile latency, or 0 with no samples.
func (r *LatencyRecorder) P95() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.samples) == 0 {
		return 0
	}
	sorted := append([]float64(nil), r.samples...)
	sort.Float64s(sorted)
	idx := int(float64(len(sorted)) * 0.95)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// Average returns the mean latency, or 0 with no samples.
func (r *LatencyRecorder) Average() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range r.samples {
		sum += s
	}
	return sum / float64(len(r.samples))
}

// UnderRate returns the fraction of samples strictly under the threshold.
func (r *LatencyRecorder) UnderRate(thresholdMS float64) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.samples) == 0 {
		return 1
	}
	under := 0
	for _, s := range r.samples {
		if s < thresholdMS {
			under++
		}
	}
	return float64(under) / float64(len(r.samples))
}

// Count returns the number of retained samples.
func (r *LatencyRecorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.samples)
}

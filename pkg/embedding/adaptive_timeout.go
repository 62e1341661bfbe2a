package embedding

import (
	"math"
	"sync"
	"time"
)

// timeoutSampleWindow is the number of recent successful response times kept
const timeoutSampleWindow = 20

// timeoutStddevFactor is k in mean + k*stddev
const timeoutStddevFactor = 3.0

// minSamplesForAdaptive is the number of samples required before the
// adaptive formula replaces the initial timeout
const minSamplesForAdaptive = 3

// adaptiveTimeout tracks recent response times and derives the deadline for
// the next call as max(min, min(max, mean + 3*stddev)). Shared across
// goroutines; updates are mutex-guarded.
type adaptiveTimeout struct {
	min     time.Duration
	max     time.Duration
	initial time.Duration

	mu      sync.Mutex
	samples []time.Duration
	next    int
}

func newAdaptiveTimeout(min, max, initial time.Duration) *adaptiveTimeout {
	return &adaptiveTimeout{
		min:     min,
		max:     max,
		initial: initial,
		samples: make([]time.Duration, 0, timeoutSampleWindow),
	}
}

// Record adds a successful response time to the window
func (a *adaptiveTimeout) Record(d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.samples) < timeoutSampleWindow {
		a.samples = append(a.samples, d)
		return
	}
	a.samples[a.next] = d
	a.next = (a.next + 1) % timeoutSampleWindow
}

// Timeout returns the deadline to apply to the next call
func (a *adaptiveTimeout) Timeout() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.samples) < minSamplesForAdaptive {
		return a.initial
	}

	var sum float64
	for _, s := range a.samples {
		sum += s.Seconds()
	}
	mean := sum / float64(len(a.samples))

	var variance float64
	for _, s := range a.samples {
		diff := s.Seconds() - mean
		variance += diff * diff
	}
	variance /= float64(len(a.samples))
	stddev := math.Sqrt(variance)

	timeout := time.Duration((mean + timeoutStddevFactor*stddev) * float64(time.Second))
	if timeout > a.max {
		timeout = a.max
	}
	if timeout < a.min {
		timeout = a.min
	}
	return timeout
}

// SampleCount returns the number of recorded samples
func (a *adaptiveTimeout) SampleCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.samples)
}

package dispatch

import (
	"sync"
	"time"
)

// BreakerState represents the state of a resource's circuit breaker.
type BreakerState int

const (
	// StateClosed allows dispatch.
	StateClosed BreakerState = iota
	// StateOpen fails dispatch fast until the cool-down passes.
	StateOpen
	// StateHalfOpen allows a probe after the cool-down.
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// breaker trips when the failure rate over a rolling window of recent
// outcomes crosses the threshold. It needs a minimum number of samples so a
// single early failure cannot open it.
type breaker struct {
	threshold  float64
	minSamples int
	cooldown   time.Duration

	mu       sync.Mutex
	window   []bool // true = failure
	idx      int
	filled   bool
	state    BreakerState
	openedAt time.Time
	now      func() time.Time
}

func newBreaker(threshold float64, minSamples, windowSize int, cooldown time.Duration) *breaker {
	if windowSize <= 0 {
		windowSize = 20
	}
	return &breaker{
		threshold:  threshold,
		minSamples: minSamples,
		cooldown:   cooldown,
		window:     make([]bool, windowSize),
		state:      StateClosed,
		now:        time.Now,
	}
}

// allow reports whether a dispatch may proceed. An open breaker whose
// cool-down has elapsed moves to half-open and admits a single probe.
func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) >= b.cooldown {
			b.state = StateHalfOpen
			return true
		}
		return false
	default:
		return true
	}
}

// record notes one outcome and reports whether it transitioned the breaker to
// open, so the caller can log and gauge the trip exactly once.
func (b *breaker) record(failed bool) (opened bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		if failed {
			b.state = StateOpen
			b.openedAt = b.now()
			return true
		}
		b.reset()
		return false
	}

	b.window[b.idx] = failed
	b.idx++
	if b.idx == len(b.window) {
		b.idx = 0
		b.filled = true
	}

	samples := b.idx
	if b.filled {
		samples = len(b.window)
	}
	if samples < b.minSamples {
		return false
	}

	failures := 0
	for i := 0; i < samples; i++ {
		if b.window[i] {
			failures++
		}
	}

	if float64(failures)/float64(samples) >= b.threshold && b.state == StateClosed {
		b.state = StateOpen
		b.openedAt = b.now()
		return true
	}
	return false
}

// reset must be called with the lock held.
func (b *breaker) reset() {
	b.state = StateClosed
	b.idx = 0
	b.filled = false
	for i := range b.window {
		b.window[i] = false
	}
}

func (b *breaker) currentState() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

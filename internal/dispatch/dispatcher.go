// Package dispatch throttles outbound work per resource key. Each key gets a
// token bucket, a bounded pending count, and a circuit breaker, so one
// misbehaving tenant or downstream cannot starve the rest.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"mailsched/internal/metrics"
)

var (
	// ErrCircuitOpen is returned when the resource's breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker is open")
	// ErrBackpressure is returned when too many tasks are already pending
	// for the resource.
	ErrBackpressure = errors.New("resource pending limit exceeded")
)

type Config struct {
	Rate              float64
	Burst             int
	MaxPending        int
	BreakerThreshold  float64
	BreakerMinSamples int
	BreakerWindow     int
	BreakerCooldown   time.Duration
}

func DefaultConfig() Config {
	return Config{
		Rate:              5,
		Burst:             10,
		MaxPending:        50,
		BreakerThreshold:  0.3,
		BreakerMinSamples: 5,
		BreakerWindow:     20,
		BreakerCooldown:   time.Minute,
	}
}

type resource struct {
	limiter *rate.Limiter
	breaker *breaker
	pending int
}

type Dispatcher struct {
	cfg Config
	log *zap.Logger

	mu        sync.Mutex
	resources map[string]*resource
}

func New(cfg Config, log *zap.Logger) *Dispatcher {
	if cfg.Rate <= 0 {
		cfg.Rate = DefaultConfig().Rate
	}
	if cfg.Burst <= 0 {
		cfg.Burst = DefaultConfig().Burst
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = DefaultConfig().MaxPending
	}
	if cfg.BreakerThreshold <= 0 {
		cfg.BreakerThreshold = DefaultConfig().BreakerThreshold
	}
	if cfg.BreakerMinSamples <= 0 {
		cfg.BreakerMinSamples = DefaultConfig().BreakerMinSamples
	}
	if cfg.BreakerWindow <= 0 {
		cfg.BreakerWindow = DefaultConfig().BreakerWindow
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = DefaultConfig().BreakerCooldown
	}

	return &Dispatcher{
		cfg:       cfg,
		log:       log,
		resources: make(map[string]*resource),
	}
}

func (d *Dispatcher) get(key string) *resource {
	d.mu.Lock()
	defer d.mu.Unlock()

	r, ok := d.resources[key]
	if !ok {
		r = &resource{
			limiter: rate.NewLimiter(rate.Limit(d.cfg.Rate), d.cfg.Burst),
			breaker: newBreaker(d.cfg.BreakerThreshold, d.cfg.BreakerMinSamples, d.cfg.BreakerWindow, d.cfg.BreakerCooldown),
		}
		d.resources[key] = r
	}
	return r
}

// Do runs fn under the resource's rate limit, recording the outcome for the
// circuit breaker. It fails fast with ErrBackpressure when the pending limit
// is exceeded and with ErrCircuitOpen while the breaker is open.
func (d *Dispatcher) Do(ctx context.Context, key string, fn func(context.Context) error) error {
	r := d.get(key)

	d.mu.Lock()
	if r.pending >= d.cfg.MaxPending {
		d.mu.Unlock()
		return ErrBackpressure
	}
	r.pending++
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		r.pending--
		d.mu.Unlock()
	}()

	if !r.breaker.allow() {
		metrics.CircuitOpen.WithLabelValues(key).Set(1)
		return ErrCircuitOpen
	}

	if err := r.limiter.Wait(ctx); err != nil {
		return err
	}

	err := fn(ctx)

	// record reports the closed-to-open (or failed-probe) transition, so the
	// warn fires once per trip rather than once per call.
	if r.breaker.record(err != nil) {
		metrics.CircuitOpen.WithLabelValues(key).Set(1)
		d.log.Warn("circuit breaker opened",
			zap.String("resource", key),
		)
	} else if r.breaker.currentState() == StateClosed {
		metrics.CircuitOpen.WithLabelValues(key).Set(0)
	}
	metrics.DispatcherTokens.WithLabelValues(key).Set(r.limiter.Tokens())

	return err
}

// ResourceState is a point-in-time view of one resource key, for the health
// surface.
type ResourceState struct {
	Tokens  float64 `json:"tokens"`
	Breaker string  `json:"breaker"`
	Pending int     `json:"pending"`
}

func (d *Dispatcher) Snapshot() map[string]ResourceState {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make(map[string]ResourceState, len(d.resources))
	for key, r := range d.resources {
		out[key] = ResourceState{
			Tokens:  r.limiter.Tokens(),
			Breaker: r.breaker.currentState().String(),
			Pending: r.pending,
		}
	}
	return out
}

package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Rate = 1000
	cfg.Burst = 1000
	return cfg
}

func TestDoRunsTask(t *testing.T) {
	d := New(testConfig(), zap.NewNop())

	ran := false
	err := d.Do(context.Background(), "tenant-a", func(context.Context) error {
		ran = true
		return nil
	})

	require.NoError(t, err)
	assert.True(t, ran)
}

func TestDoPropagatesTaskError(t *testing.T) {
	d := New(testConfig(), zap.NewNop())

	want := errors.New("smtp exploded")
	err := d.Do(context.Background(), "tenant-a", func(context.Context) error {
		return want
	})

	assert.ErrorIs(t, err, want)
}

func TestResourcesAreIndependent(t *testing.T) {
	cfg := testConfig()
	cfg.BreakerMinSamples = 2
	cfg.BreakerWindow = 4
	d := New(cfg, zap.NewNop())

	fail := func(context.Context) error { return errors.New("boom") }
	for i := 0; i < 4; i++ {
		_ = d.Do(context.Background(), "tenant-bad", fail)
	}

	// tenant-bad is open, tenant-good still dispatches.
	err := d.Do(context.Background(), "tenant-bad", fail)
	assert.ErrorIs(t, err, ErrCircuitOpen)

	err = d.Do(context.Background(), "tenant-good", func(context.Context) error { return nil })
	assert.NoError(t, err)
}

func TestBackpressure(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPending = 1
	d := New(cfg, zap.NewNop())

	release := make(chan struct{})
	done := make(chan struct{})

	go func() {
		_ = d.Do(context.Background(), "tenant-a", func(context.Context) error {
			<-release
			return nil
		})
		close(done)
	}()

	// Wait for the first task to occupy the single pending slot.
	require.Eventually(t, func() bool {
		return d.Snapshot()["tenant-a"].Pending == 1
	}, time.Second, time.Millisecond)

	err := d.Do(context.Background(), "tenant-a", func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrBackpressure)

	close(release)
	<-done
}

func TestBreakerOpensOnErrorRate(t *testing.T) {
	cfg := testConfig()
	cfg.BreakerThreshold = 0.3
	cfg.BreakerMinSamples = 10
	cfg.BreakerWindow = 10
	d := New(cfg, zap.NewNop())

	// 7 successes then 3 failures: 30% of the window, exactly at threshold.
	for i := 0; i < 7; i++ {
		require.NoError(t, d.Do(context.Background(), "tenant-a", func(context.Context) error { return nil }))
	}
	for i := 0; i < 3; i++ {
		_ = d.Do(context.Background(), "tenant-a", func(context.Context) error { return errors.New("boom") })
	}

	err := d.Do(context.Background(), "tenant-a", func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, "open", d.Snapshot()["tenant-a"].Breaker)
}

func TestBreakerStaysClosedBelowThreshold(t *testing.T) {
	cfg := testConfig()
	cfg.BreakerThreshold = 0.3
	cfg.BreakerMinSamples = 10
	cfg.BreakerWindow = 10
	d := New(cfg, zap.NewNop())

	// 9 successes and 1 failure: 10%, well below threshold.
	for i := 0; i < 9; i++ {
		require.NoError(t, d.Do(context.Background(), "tenant-a", func(context.Context) error { return nil }))
	}
	_ = d.Do(context.Background(), "tenant-a", func(context.Context) error { return errors.New("boom") })

	err := d.Do(context.Background(), "tenant-a", func(context.Context) error { return nil })
	assert.NoError(t, err)
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	cfg := testConfig()
	cfg.BreakerMinSamples = 2
	cfg.BreakerWindow = 2
	cfg.BreakerCooldown = 10 * time.Millisecond
	d := New(cfg, zap.NewNop())

	for i := 0; i < 2; i++ {
		_ = d.Do(context.Background(), "tenant-a", func(context.Context) error { return errors.New("boom") })
	}
	require.ErrorIs(t, d.Do(context.Background(), "tenant-a", func(context.Context) error { return nil }), ErrCircuitOpen)

	time.Sleep(20 * time.Millisecond)

	// Half-open probe succeeds and closes the breaker.
	require.NoError(t, d.Do(context.Background(), "tenant-a", func(context.Context) error { return nil }))
	assert.Equal(t, "closed", d.Snapshot()["tenant-a"].Breaker)
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	cfg := testConfig()
	cfg.BreakerMinSamples = 2
	cfg.BreakerWindow = 2
	cfg.BreakerCooldown = 10 * time.Millisecond
	d := New(cfg, zap.NewNop())

	for i := 0; i < 2; i++ {
		_ = d.Do(context.Background(), "tenant-a", func(context.Context) error { return errors.New("boom") })
	}

	time.Sleep(20 * time.Millisecond)

	// The probe fails; the breaker goes straight back to open.
	_ = d.Do(context.Background(), "tenant-a", func(context.Context) error { return errors.New("still down") })
	assert.ErrorIs(t, d.Do(context.Background(), "tenant-a", func(context.Context) error { return nil }), ErrCircuitOpen)
}

func TestBreakerOpenWarnedOncePerTrip(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	cfg := testConfig()
	cfg.BreakerMinSamples = 2
	cfg.BreakerWindow = 2
	d := New(cfg, zap.New(core))

	fail := func(context.Context) error { return errors.New("boom") }
	for i := 0; i < 2; i++ {
		_ = d.Do(context.Background(), "tenant-a", fail)
	}

	// Every rejected call while open stays silent; only the trip itself
	// warns.
	for i := 0; i < 5; i++ {
		require.ErrorIs(t, d.Do(context.Background(), "tenant-a", fail), ErrCircuitOpen)
	}

	assert.Equal(t, 1, logs.FilterMessage("circuit breaker opened").Len())
}

func TestDoRespectsContextCancel(t *testing.T) {
	cfg := testConfig()
	cfg.Rate = 0.001 // empty the bucket so Wait blocks
	cfg.Burst = 1
	d := New(cfg, zap.NewNop())

	require.NoError(t, d.Do(context.Background(), "tenant-a", func(context.Context) error { return nil }))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := d.Do(ctx, "tenant-a", func(context.Context) error { return nil })
	assert.Error(t, err)
}

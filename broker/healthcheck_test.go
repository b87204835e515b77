package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sequenceProbe returns the given delays in order and records when it ran
type sequenceProbe struct {
	mu     sync.Mutex
	delays []time.Duration
	calls  []time.Time
}

func (p *sequenceProbe) probe(ctx context.Context) (time.Duration, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls = append(p.calls, time.Now())
	if len(p.delays) == 0 {
		return 0, nil
	}
	next := p.delays[0]
	p.delays = p.delays[1:]
	return next, nil
}

func waitDone(t *testing.T, hc *HealthCheck) {
	t.Helper()
	select {
	case <-hc.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("health check did not finish")
	}
}

func TestScheduleHealthCheck(t *testing.T) {
	t.Run("stops after the probe reports healthy", func(t *testing.T) {
		const unit = 20 * time.Millisecond
		p := &sequenceProbe{delays: []time.Duration{unit, unit, 0}}

		start := time.Now()
		hc := ScheduleHealthCheck(context.Background(), p.probe, unit)
		waitDone(t, hc)

		assert.Equal(t, 3, hc.Ticks())
		assert.True(t, hc.Healthy())
		assert.NoError(t, hc.Err())

		require.Len(t, p.calls, 3)
		assert.GreaterOrEqual(t, p.calls[0].Sub(start), unit)
		assert.GreaterOrEqual(t, p.calls[1].Sub(p.calls[0]), unit)
		assert.GreaterOrEqual(t, p.calls[2].Sub(p.calls[1]), unit)

		time.Sleep(3 * unit)
		assert.Equal(t, 3, hc.Ticks())
	})

	t.Run("uses the delay returned by the probe", func(t *testing.T) {
		p := &sequenceProbe{delays: []time.Duration{60 * time.Millisecond, 0}}

		hc := ScheduleHealthCheck(context.Background(), p.probe, time.Millisecond)
		waitDone(t, hc)

		require.Len(t, p.calls, 2)
		assert.GreaterOrEqual(t, p.calls[1].Sub(p.calls[0]), 60*time.Millisecond)
	})

	t.Run("stops on probe error", func(t *testing.T) {
		probeErr := errors.New("probe failed")
		calls := 0
		hc := ScheduleHealthCheck(context.Background(), func(ctx context.Context) (time.Duration, error) {
			calls++
			if calls == 2 {
				return 0, probeErr
			}
			return time.Millisecond, nil
		}, time.Millisecond)
		waitDone(t, hc)

		assert.Equal(t, 2, hc.Ticks())
		assert.ErrorIs(t, hc.Err(), probeErr)
		assert.False(t, hc.Healthy())
	})

	t.Run("stop before the first tick", func(t *testing.T) {
		p := &sequenceProbe{}
		hc := ScheduleHealthCheck(context.Background(), p.probe, time.Hour)

		hc.Stop()
		waitDone(t, hc)

		assert.Equal(t, 0, hc.Ticks())
		assert.False(t, hc.Healthy())
		assert.NoError(t, hc.Err())
	})

	t.Run("context cancellation ends the schedule", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		hc := ScheduleHealthCheck(ctx, func(ctx context.Context) (time.Duration, error) {
			return time.Millisecond, nil
		}, time.Millisecond)

		time.Sleep(10 * time.Millisecond)
		cancel()
		waitDone(t, hc)

		assert.NoError(t, hc.Err())
		assert.False(t, hc.Healthy())
	})

	t.Run("a probe aborted by stop is not an error", func(t *testing.T) {
		entered := make(chan struct{})
		hc := ScheduleHealthCheck(context.Background(), func(ctx context.Context) (time.Duration, error) {
			close(entered)
			<-ctx.Done()
			return 0, ctx.Err()
		}, time.Millisecond)

		<-entered
		hc.Stop()
		waitDone(t, hc)

		assert.NoError(t, hc.Err())
		assert.Equal(t, 1, hc.Ticks())
	})
}

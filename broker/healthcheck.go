package broker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// HealthProbe reports how long to wait before probing again. A zero or
// negative delay means healthy, which ends the schedule.
type HealthProbe func(ctx context.Context) (time.Duration, error)

// HealthCheck is a running probe schedule
type HealthCheck struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	err     error
	healthy bool
	ticks   int
}

// ScheduleHealthCheck waits interval, runs probe, and keeps going with the
// delay the probe returns until it reports healthy, fails, or ctx ends
func ScheduleHealthCheck(ctx context.Context, probe HealthProbe, interval time.Duration) *HealthCheck {
	ctx, cancel := context.WithCancel(ctx)
	hc := &HealthCheck{
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go hc.run(ctx, probe, interval)
	return hc
}

func (hc *HealthCheck) run(ctx context.Context, probe HealthProbe, delay time.Duration) {
	defer close(hc.done)
	defer hc.cancel()

	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		next, err := probe(ctx)

		hc.mu.Lock()
		hc.ticks++
		switch {
		case err != nil:
			// a probe aborted by Stop is not a failure
			if ctx.Err() == nil || !errors.Is(err, ctx.Err()) {
				hc.err = err
			}
		case next <= 0:
			hc.healthy = true
		}
		hc.mu.Unlock()

		if err != nil || next <= 0 {
			return
		}
		timer.Reset(next)
	}
}

// Stop ends the schedule; it does not wait for a running probe
func (hc *HealthCheck) Stop() {
	hc.cancel()
}

// Done is closed once the schedule has ended
func (hc *HealthCheck) Done() <-chan struct{} {
	return hc.done
}

// Err returns the probe error that ended the schedule
func (hc *HealthCheck) Err() error {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	return hc.err
}

// Healthy reports whether the schedule ended because the probe reported healthy
func (hc *HealthCheck) Healthy() bool {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	return hc.healthy
}

// Ticks returns how many times the probe has run
func (hc *HealthCheck) Ticks() int {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	return hc.ticks
}

// Package throttle rate-limits REST bootstrap calls and connection attempts of one session.
package throttle

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/coachpo/meltica-realtime/errs"
)

// Throttle wraps a token bucket. Each session owns its own instance.
type Throttle struct {
	name    string
	limiter *rate.Limiter
	maxWait time.Duration
}

// New builds a throttle allowing perSecond events with the given burst.
// Acquire waits at most maxWait before failing with a rate-limit error.
func New(name string, perSecond float64, burst int, maxWait time.Duration) *Throttle {
	if burst <= 0 {
		burst = 1
	}
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	return &Throttle{name: name, limiter: rate.NewLimiter(limit, burst), maxWait: maxWait}
}

// TryAcquire takes a slot now or fails with the delay until one frees up.
func (t *Throttle) TryAcquire() error {
	return t.reserve(1, 0)
}

// Acquire waits for one slot.
func (t *Throttle) Acquire(ctx context.Context) error {
	return t.AcquireN(ctx, 1)
}

// AcquireN waits for n slots, bounded by the throttle's max wait and ctx.
func (t *Throttle) AcquireN(ctx context.Context, n int) error {
	return t.wait(ctx, n)
}

func (t *Throttle) reserve(n int, allowed time.Duration) error {
	_, err := t.reservation(n, allowed)
	return err
}

func (t *Throttle) reservation(n int, allowed time.Duration) (*rate.Reservation, error) {
	now := time.Now()
	r := t.limiter.ReserveN(now, n)
	if !r.OK() {
		return nil, errs.RateLimited(t.name, t.maxWait, errs.WithMessage("request exceeds throttle burst"))
	}
	delay := r.DelayFrom(now)
	if delay > allowed {
		r.CancelAt(now)
		return nil, errs.RateLimited(t.name, delay, errs.WithMessage("throttle slot unavailable"))
	}
	return r, nil
}

func (t *Throttle) wait(ctx context.Context, n int) error {
	r, err := t.reservation(n, t.maxWait)
	if err != nil {
		return err
	}
	delay := r.Delay()
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		r.Cancel()
		return ctx.Err()
	}
}

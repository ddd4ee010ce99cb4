package resilience

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// DefaultMinInterval is the spacing enforced between paced upstream calls.
const DefaultMinInterval = 2 * time.Second

// Pacer spaces outbound calls so that consecutive dispatches are at least
// MinInterval apart. A single instance is shared by every provider that opts
// into pacing. The first call never waits.
//
// Reservations are taken under the limiter's own lock, so concurrent callers
// queue one slot apart instead of racing past the interval.
type Pacer struct {
	limiter  *rate.Limiter
	interval time.Duration
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration)
}

// PacerOption customises a Pacer.
type PacerOption func(*Pacer)

// WithClock replaces the wall clock and the sleeper, letting tests drive time.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration)) PacerOption {
	return func(p *Pacer) {
		p.now = now
		p.sleep = sleep
	}
}

// NewPacer creates a pacer enforcing minInterval between calls. A
// non-positive interval disables pacing.
func NewPacer(minInterval time.Duration, opts ...PacerOption) *Pacer {
	p := &Pacer{
		interval: minInterval,
		now:      time.Now,
		sleep:    sleepCtx,
	}
	for _, opt := range opts {
		opt(p)
	}
	if minInterval > 0 {
		p.limiter = rate.NewLimiter(rate.Every(minInterval), 1)
	}
	return p
}

// Interval returns the configured minimum spacing.
func (p *Pacer) Interval() time.Duration { return p.interval }

// Wait blocks until the caller may dispatch. It never fails; a cancelled
// context only cuts the wait short and hands the slot back.
func (p *Pacer) Wait(ctx context.Context) {
	if p == nil || p.limiter == nil {
		return
	}

	now := p.now()
	r := p.limiter.ReserveN(now, 1)
	if !r.OK() {
		return
	}

	d := r.DelayFrom(now)
	if d <= 0 {
		return
	}

	p.sleep(ctx, d)
	if ctx.Err() != nil {
		r.CancelAt(p.now())
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

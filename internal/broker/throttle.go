package broker

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"angelone-bridge/pkg/utils"
)

// Throttle is the REST rate limit shared by every caller of one client: a
// token bucket plus a cooldown window the broker can impose with a 429.
type Throttle struct {
	limiter *rate.Limiter
	clock   utils.Clock

	mu    sync.Mutex
	until time.Time
}

// NewThrottle allows perSecond requests with the given burst. perSecond <= 0
// disables the bucket; the cooldown still applies.
func NewThrottle(perSecond float64, burst int, clock utils.Clock) *Throttle {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	if clock == nil {
		clock = utils.SystemClock{}
	}
	return &Throttle{limiter: rate.NewLimiter(limit, burst), clock: clock}
}

// Wait suspends until the cooldown has passed and a slot is free.
func (t *Throttle) Wait(ctx context.Context) error {
	for {
		remaining := t.Remaining()
		if remaining <= 0 {
			break
		}
		if err := t.clock.Sleep(ctx, remaining); err != nil {
			return err
		}
	}
	return t.limiter.Wait(ctx)
}

// Cooldown blocks all callers for d. Overlapping cooldowns keep the later end.
func (t *Throttle) Cooldown(d time.Duration) {
	if d <= 0 {
		return
	}
	end := t.clock.Now().Add(d)
	t.mu.Lock()
	if end.After(t.until) {
		t.until = end
	}
	t.mu.Unlock()
}

// Remaining returns how long the current cooldown still lasts.
func (t *Throttle) Remaining() time.Duration {
	t.mu.Lock()
	until := t.until
	t.mu.Unlock()
	return until.Sub(t.clock.Now())
}

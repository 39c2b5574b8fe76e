package bot

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type chatLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// throttle is a per-chat token bucket with stale-entry cleanup.
type throttle struct {
	mu       sync.Mutex
	limiters map[int64]*chatLimiter
	r        rate.Limit
	burst    int
}

func newThrottle(r rate.Limit, burst int) *throttle {
	return &throttle{
		limiters: make(map[int64]*chatLimiter),
		r:        r,
		burst:    burst,
	}
}

func (t *throttle) get(chatID int64) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	if v, ok := t.limiters[chatID]; ok {
		v.lastSeen = time.Now()
		return v.limiter
	}
	l := rate.NewLimiter(t.r, t.burst)
	t.limiters[chatID] = &chatLimiter{limiter: l, lastSeen: time.Now()}
	return l
}

// wait blocks until chatID may send or ctx ends.
func (t *throttle) wait(ctx context.Context, chatID int64) error {
	return t.get(chatID).Wait(ctx)
}

// cleanup drops entries idle longer than idle, every interval, until ctx ends.
func (t *throttle) cleanup(ctx context.Context, interval, idle time.Duration) {
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			t.prune(idle)
		}
	}
}

func (t *throttle) prune(idle time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, v := range t.limiters {
		if time.Since(v.lastSeen) > idle {
			delete(t.limiters, id)
		}
	}
}

func (t *throttle) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.limiters)
}

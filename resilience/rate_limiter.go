package resilience

import (
	"context"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"stock_scanner/apperrors"
)

const (
	globalBucket  = "global"
	maxWindowWait = 30 * time.Second
)

type RateLimitConfig struct {
	Enabled           bool
	RequestsPerMinute int
	DomainSpecific    bool
}

// RateLimiter spaces requests to each domain at least 60/N seconds apart.
// One token bucket of burst 1 per domain, or a single global bucket.
type RateLimiter struct {
	mu      sync.Mutex
	cfg     RateLimitConfig
	every   rate.Limit
	domains map[string]*rate.Limiter

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 30
	}
	return &RateLimiter{
		cfg:     cfg,
		every:   rate.Every(time.Minute / time.Duration(cfg.RequestsPerMinute)),
		domains: make(map[string]*rate.Limiter),
		now:     time.Now,
		sleep:   Sleep,
	}
}

// SetClock replaces the time source and the sleeper. Tests only.
func (l *RateLimiter) SetClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
	l.sleep = sleep
}

// Wait blocks until a request to target may go out. A reservation that
// would take longer than 30s is cancelled and reported as a RateLimitError.
func (l *RateLimiter) Wait(ctx context.Context, target string) error {
	if !l.cfg.Enabled {
		return nil
	}

	domain := l.bucket(target)

	l.mu.Lock()
	lim, ok := l.domains[domain]
	if !ok {
		lim = rate.NewLimiter(l.every, 1)
		l.domains[domain] = lim
	}
	now := l.now()
	sleep := l.sleep
	l.mu.Unlock()

	r := lim.ReserveN(now, 1)
	d := r.DelayFrom(now)
	if d > maxWindowWait {
		r.CancelAt(now)
		return &apperrors.RateLimitError{Target: domain, RetryAfter: d}
	}
	if d <= 0 {
		return nil
	}
	if err := sleep(ctx, d); err != nil {
		r.CancelAt(l.now())
		return err
	}
	return nil
}

func (l *RateLimiter) bucket(target string) string {
	if !l.cfg.DomainSpecific {
		return globalBucket
	}
	u, err := url.Parse(target)
	if err != nil || u.Host == "" {
		return globalBucket
	}
	return u.Host
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

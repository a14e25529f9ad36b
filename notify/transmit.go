package notify

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"stock_scanner/apperrors"
	"stock_scanner/logging"
	"stock_scanner/resilience"
)

const maxRetryAfter = 60 * time.Second

type TransmitterConfig struct {
	MaxRetries  int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// Delivery is the result of sending one message.
type Delivery struct {
	Delivered    bool
	Attempts     int
	FallbackPath string
	Err          error
}

// Transmitter sends messages through a Channel behind a circuit breaker and
// rate limiter, retrying by error class. Messages it gives up on go to the
// file fallback.
type Transmitter struct {
	channel  Channel
	breaker  *resilience.CircuitBreaker
	limiter  *resilience.RateLimiter
	fallback *FileFallback
	cfg      TransmitterConfig

	sleep func(ctx context.Context, d time.Duration) error
}

func NewTransmitter(channel Channel, breaker *resilience.CircuitBreaker, limiter *resilience.RateLimiter, fallback *FileFallback, cfg TransmitterConfig) *Transmitter {
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 30 * time.Second
	}
	return &Transmitter{
		channel:  channel,
		breaker:  breaker,
		limiter:  limiter,
		fallback: fallback,
		cfg:      cfg,
		sleep:    resilience.Sleep,
	}
}

func (t *Transmitter) Breaker() *resilience.CircuitBreaker { return t.breaker }

// Send delivers msg or falls back. 400 and 422 are data errors and are
// never retried.
func (t *Transmitter) Send(ctx context.Context, msg Message) Delivery {
	log := logging.Get().With("channel", t.channel.Name(), "title", msg.Title)
	text := msg.Text()

	var (
		lastErr  error
		attempts int
	)
	for attempt := 0; attempt < t.cfg.MaxRetries; attempt++ {
		if !t.breaker.Allow() {
			if lastErr == nil {
				lastErr = &apperrors.UnavailableError{Target: t.channel.Name()}
			}
			log.Warnw("channel circuit open", "state", t.breaker.State())
			break
		}
		if err := t.limiter.Wait(ctx, t.channel.Name()); err != nil {
			t.breaker.Release()
			lastErr = err
			var rl *apperrors.RateLimitError
			if errors.As(err, &rl) && attempt < t.cfg.MaxRetries-1 {
				if t.sleep(ctx, min(rl.RetryAfter, maxRetryAfter)) == nil {
					continue
				}
			}
			break
		}

		attempts++
		err := t.channel.Send(ctx, text)
		if err == nil {
			t.breaker.RecordSuccess()
			if attempts > 1 {
				log.Infow("message delivered after retry", "attempts", attempts)
			}
			return Delivery{Delivered: true, Attempts: attempts}
		}
		lastErr = err

		if ctx.Err() != nil {
			t.breaker.Release()
			break
		}

		var delay time.Duration
		var httpErr *apperrors.HTTPError
		if errors.As(err, &httpErr) {
			switch {
			case httpErr.StatusCode == http.StatusBadRequest || httpErr.StatusCode == http.StatusUnprocessableEntity:
				t.breaker.RecordSuccess()
				log.Errorw("channel rejected message format", "status", httpErr.StatusCode, "error", httpErr.Message)
				return t.giveUp(ctx, msg, err, attempts)
			case httpErr.StatusCode == http.StatusTooManyRequests:
				t.breaker.RecordSuccess()
				delay = httpErr.RetryAfter
				if delay <= 0 {
					delay = t.backoff(attempt)
				}
				delay = min(delay, maxRetryAfter)
			case httpErr.Retryable():
				t.breaker.RecordFailure()
				delay = t.backoff(attempt)
			default:
				t.breaker.RecordSuccess()
				delay = t.backoff(attempt)
			}
		} else {
			t.breaker.RecordFailure()
			delay = t.backoff(attempt)
		}

		log.Warnw("send failed", "attempt", attempt+1, "max_retries", t.cfg.MaxRetries, "error", err, "retry_in", delay)
		if attempt < t.cfg.MaxRetries-1 {
			if err := t.sleep(ctx, delay); err != nil {
				break
			}
		}
	}

	return t.giveUp(ctx, msg, lastErr, attempts)
}

func (t *Transmitter) giveUp(ctx context.Context, msg Message, cause error, attempts int) Delivery {
	d := Delivery{Attempts: attempts, Err: cause}
	if t.fallback == nil {
		logging.Get().Errorw("message dropped, no fallback configured", "title", msg.Title, "error", cause)
		return d
	}
	// The fallback must be written even when the scan is being cancelled.
	path, err := t.fallback.Write(context.WithoutCancel(ctx), msg, cause)
	if err != nil {
		logging.Get().Errorw("message lost, fallback write failed", "title", msg.Title, "error", err, "cause", cause)
		d.Err = errors.Wrapf(cause, "fallback failed: %v", err)
		return d
	}
	d.FallbackPath = path
	return d
}

func (t *Transmitter) backoff(attempt int) time.Duration {
	d := t.cfg.BackoffBase << attempt
	if d <= 0 || d > t.cfg.BackoffMax {
		return t.cfg.BackoffMax
	}
	return d
}

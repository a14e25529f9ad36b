package scraper

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"

	"stock_scanner/apperrors"
	"stock_scanner/config"
	"stock_scanner/fetch"
	"stock_scanner/logging"
	"stock_scanner/models"
	"stock_scanner/resilience"
)

var errCacheMiss = errors.New("no cached response")

// Outcome is the structured result of one scrape attempt. Errors never
// escape a runner; they end up in Message and Err.
type Outcome struct {
	Success    bool
	Message    string
	Records    []models.Listing
	IsFallback bool
	Err        error
}

type RunnerOptions struct {
	FallbackEnabled    bool
	FallbackMaxAge     time.Duration
	IncrementalEnabled bool
	IncrementalMaxDays int
	// CacheReplay re-runs the source against the engine's disk cache when
	// no in-memory fallback exists, e.g. right after a restart.
	CacheReplay bool
}

// SourceRunner owns one source, its fetch engine and its last-known-good
// data. State lives as long as the runner.
type SourceRunner struct {
	cfg    *config.SourceConfig
	source Source
	engine *fetch.Engine
	opts   RunnerOptions

	mu          sync.Mutex
	lastData    []models.Listing
	lastSuccess time.Time
	lastScrape  time.Time

	now func() time.Time
}

func NewSourceRunner(cfg *config.SourceConfig, source Source, engine *fetch.Engine, opts RunnerOptions) *SourceRunner {
	return &SourceRunner{
		cfg:    cfg,
		source: source,
		engine: engine,
		opts:   opts,
		now:    time.Now,
	}
}

func (r *SourceRunner) ID() string { return r.source.ID() }

func (r *SourceRunner) Matches(filter string) bool { return r.cfg.Matches(filter) }

func (r *SourceRunner) Breaker() *resilience.CircuitBreaker { return r.engine.Breaker() }

// Run performs one scrape and classifies the result.
func (r *SourceRunner) Run(ctx context.Context) Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()

	log := logging.Get().With("source", r.source.ID())
	started := r.now()
	window := r.window(started)
	defer func() { r.lastScrape = started }()

	var (
		records []models.Listing
		err     error
	)
	if !r.engine.Breaker().Ready() {
		err = &apperrors.UnavailableError{Target: r.source.ID()}
	} else {
		records, err = r.scrape(ctx, r.engine, window)
	}

	if err == nil {
		if len(records) > 0 {
			r.lastData = append([]models.Listing(nil), records...)
			r.lastSuccess = r.now()
		}
		msg := fmt.Sprintf("scraped %d listings from %s", len(records), r.source.ID())
		if len(records) == 0 {
			msg = fmt.Sprintf("no new listings from %s", r.source.ID())
		}
		log.Infow("scrape finished", "records", len(records), "elapsed", r.now().Sub(started))
		return Outcome{Success: true, Message: msg, Records: records}
	}

	if ctx.Err() != nil {
		return Outcome{Message: "scrape cancelled", Err: ctx.Err()}
	}

	var parseErr *apperrors.ParsingError
	if errors.As(err, &parseErr) {
		r.engine.Breaker().RecordFailure()
	}
	log.Warnw("scrape failed", "error", err)
	return r.fallback(ctx, window, err)
}

func (r *SourceRunner) fallback(ctx context.Context, w Window, cause error) Outcome {
	failed := Outcome{Message: fmt.Sprintf("%s scrape failed: %v", r.source.ID(), cause), Err: cause}
	if !r.opts.FallbackEnabled {
		return failed
	}

	log := logging.Get().With("source", r.source.ID())
	if len(r.lastData) > 0 {
		age := r.now().Sub(r.lastSuccess)
		if age < r.opts.FallbackMaxAge {
			log.Warnw("serving fallback data", "records", len(r.lastData), "age", age.Round(time.Second))
			return Outcome{
				Success:    true,
				Message:    fmt.Sprintf("using fallback data for %s from %s ago", r.source.ID(), age.Round(time.Second)),
				Records:    append([]models.Listing(nil), r.lastData...),
				IsFallback: true,
				Err:        cause,
			}
		}
		log.Infow("fallback data too old", "age", age.Round(time.Second), "max_age", r.opts.FallbackMaxAge)
	}

	if r.opts.CacheReplay {
		records, err := r.scrape(ctx, cacheFetcher{engine: r.engine}, w)
		if err == nil && len(records) > 0 {
			log.Warnw("serving records replayed from disk cache", "records", len(records))
			return Outcome{
				Success:    true,
				Message:    fmt.Sprintf("using cached responses for %s", r.source.ID()),
				Records:    records,
				IsFallback: true,
				Err:        cause,
			}
		}
	}
	return failed
}

// scrape turns an extractor panic into an error so one bad page cannot take
// down the scan.
func (r *SourceRunner) scrape(ctx context.Context, f Fetcher, w Window) (records []models.Listing, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.engine.Breaker().RecordFailure()
			err = &apperrors.ScraperError{StatusCode: http.StatusInternalServerError, URL: r.source.ID(), Err: fmt.Errorf("extractor panic: %v", p)}
		}
	}()
	return r.source.Scrape(ctx, f, w)
}

func (r *SourceRunner) window(now time.Time) Window {
	w := Window{Until: now}
	if !r.opts.IncrementalEnabled {
		return w
	}
	floor := now.AddDate(0, 0, -r.opts.IncrementalMaxDays)
	if r.lastScrape.After(floor) {
		w.Since = r.lastScrape
	} else {
		w.Since = floor
	}
	return w
}

// cacheFetcher answers from the disk cache only.
type cacheFetcher struct {
	engine *fetch.Engine
}

func (c cacheFetcher) Fetch(_ context.Context, req fetch.Request) ([]byte, error) {
	body, _, ok := c.engine.Cached(req)
	if !ok {
		return nil, errCacheMiss
	}
	return body, nil
}

// BuildRunners creates fresh runners, each with its own breaker and engine,
// for every enabled source. Runners of one build share a rate limiter and the
// disk cache.
func BuildRunners(cfg *config.Config, client *http.Client, renderer fetch.Renderer) ([]*SourceRunner, error) {
	var cache *fetch.DiskCache
	if cfg.Scraper.CacheDir != "" {
		c, err := fetch.NewDiskCache(cfg.Scraper.CacheDir, cfg.Scraper.CacheMaxAge)
		if err != nil {
			logging.Get().Warnw("response cache disabled", "error", err)
		} else {
			cache = c
		}
	}

	limiter := resilience.NewRateLimiter(resilience.RateLimitConfig{
		Enabled:           cfg.RateLimit.Enabled,
		RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
		DomainSpecific:    cfg.RateLimit.DomainSpecific,
	})

	opts := RunnerOptions{
		FallbackEnabled:    cfg.Scraper.FallbackEnabled,
		FallbackMaxAge:     cfg.Scraper.FallbackMaxAge,
		IncrementalEnabled: cfg.Scraper.IncrementalEnabled,
		IncrementalMaxDays: cfg.Scraper.IncrementalMaxDays,
		CacheReplay:        cache != nil,
	}

	var runners []*SourceRunner
	for _, sc := range cfg.Sources {
		if !sc.IsEnabled() {
			continue
		}
		source, err := NewSource(sc)
		if err != nil {
			return nil, err
		}

		breaker := resilience.NewCircuitBreaker(sc.ID, resilience.BreakerConfig{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			RecoveryTimeout:  cfg.Breaker.RecoveryTimeout,
			HalfOpenMaxCalls: cfg.Breaker.HalfOpenMaxCalls,
		})
		engine := fetch.NewEngine(client, breaker, limiter, cache, fetch.Options{
			Name:        sc.ID,
			MaxRetries:  cfg.Scraper.MaxRetries,
			Timeout:     cfg.Scraper.RequestTimeout,
			UserAgent:   cfg.Scraper.UserAgent,
			BackoffBase: cfg.Scraper.BackoffBase,
			BackoffMax:  cfg.Scraper.BackoffMax,
		})
		if renderer != nil && sc.Render {
			engine.SetRenderer(renderer)
		}

		runners = append(runners, NewSourceRunner(sc, source, engine, opts))
	}
	return runners, nil
}

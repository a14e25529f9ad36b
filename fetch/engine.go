// Package fetch executes outbound HTTP requests for scraper sources behind a
// circuit breaker and rate limiter, retrying with per-failure-class backoff.
package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math/rand/v2"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"syscall"
	"time"

	"github.com/pkg/errors"

	"stock_scanner/apperrors"
	"stock_scanner/identity"
	"stock_scanner/logging"
	"stock_scanner/resilience"
)

const (
	maxBodySize   = 16 << 20
	maxRetryAfter = 60 * time.Second
)

type failureClass int

const (
	classOther failureClass = iota
	classConnect
	classDisconnect
	classTimeout
	classServer
	classRateLimited
)

func (c failureClass) String() string {
	switch c {
	case classConnect:
		return "connect"
	case classDisconnect:
		return "disconnect"
	case classTimeout:
		return "timeout"
	case classServer:
		return "server"
	case classRateLimited:
		return "rate_limited"
	default:
		return "unexpected"
	}
}

// Request describes one logical fetch. Timeout overrides the engine default
// for every attempt. Render routes the request through the browser renderer
// when one is configured.
type Request struct {
	URL     string
	Method  string
	Headers map[string]string
	Params  url.Values
	Body    any
	Timeout time.Duration
	Render  bool
}

func (r Request) method() string {
	if r.Method == "" {
		return http.MethodGet
	}
	return r.Method
}

// Renderer loads a page in a real browser and returns the final HTML.
type Renderer interface {
	Render(ctx context.Context, url string, timeout time.Duration) (status int, content []byte, err error)
}

type Options struct {
	Name        string
	MaxRetries  int
	Timeout     time.Duration
	UserAgent   string
	BackoffBase time.Duration
	BackoffMax  time.Duration
	Headers     map[string]string
}

// Engine is owned by one scraper source. Its breaker reflects that source's
// upstream health only.
type Engine struct {
	client   *http.Client
	breaker  *resilience.CircuitBreaker
	limiter  *resilience.RateLimiter
	cache    *DiskCache
	renderer Renderer
	opts     Options

	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(max time.Duration) time.Duration
}

func NewEngine(client *http.Client, breaker *resilience.CircuitBreaker, limiter *resilience.RateLimiter, cache *DiskCache, opts Options) *Engine {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = time.Second
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 60 * time.Second
	}
	return &Engine{
		client:  client,
		breaker: breaker,
		limiter: limiter,
		cache:   cache,
		opts:    opts,
		sleep:   resilience.Sleep,
		jitter:  randomJitter,
	}
}

func (e *Engine) SetRenderer(r Renderer) { e.renderer = r }

func (e *Engine) Breaker() *resilience.CircuitBreaker { return e.breaker }

func (e *Engine) Name() string { return e.opts.Name }

// Fetch returns the response body or a typed error from apperrors.
func (e *Engine) Fetch(ctx context.Context, req Request) ([]byte, error) {
	log := logging.Get().With("source", e.opts.Name, "url", req.URL)

	if !e.breaker.Allow() {
		return nil, &apperrors.UnavailableError{Target: e.opts.Name}
	}
	if err := e.limiter.Wait(ctx, req.URL); err != nil {
		e.breaker.Release()
		return nil, err
	}

	var (
		lastErr   error
		lastClass failureClass
	)

	for attempt := 0; attempt < e.opts.MaxRetries; attempt++ {
		content, status, header, err := e.do(ctx, req)

		if ctx.Err() != nil {
			e.breaker.Release()
			return nil, errors.Wrap(ctx.Err(), "fetch cancelled")
		}

		var delay time.Duration
		switch {
		case err != nil:
			lastClass, lastErr = classify(err), err
			delay = e.backoff(attempt, lastClass)
		case status >= 200 && status < 300:
			e.breaker.RecordSuccess()
			e.store(req, content)
			return content, nil
		default:
			httpErr := &apperrors.HTTPError{StatusCode: status, URL: req.URL, Message: snippet(content)}
			if !httpErr.Retryable() {
				// upstream answered; nothing to retry and nothing wrong with its health
				e.breaker.RecordSuccess()
				return nil, httpErr
			}
			lastErr = httpErr
			if status == http.StatusTooManyRequests {
				lastClass = classRateLimited
				httpErr.RetryAfter = parseRetryAfter(header)
				delay = httpErr.RetryAfter
				if delay <= 0 {
					delay = e.backoff(attempt, lastClass)
				}
				delay = min(delay, maxRetryAfter)
			} else {
				lastClass = classServer
				delay = e.backoff(attempt, lastClass)
			}
		}

		if attempt == e.opts.MaxRetries-1 {
			break
		}
		log.Warnw("fetch attempt failed, retrying",
			"attempt", attempt+1, "max", e.opts.MaxRetries, "class", lastClass.String(),
			"delay", delay, "error", lastErr)
		if err := e.sleep(ctx, delay); err != nil {
			e.breaker.Release()
			return nil, errors.Wrap(err, "fetch cancelled during backoff")
		}
	}

	log.Errorw("fetch failed after retries", "attempts", e.opts.MaxRetries, "class", lastClass.String(), "error", lastErr)
	return nil, e.exhausted(req, lastClass, lastErr)
}

// Cached returns a fresh-enough body stored by an earlier successful fetch.
func (e *Engine) Cached(req Request) ([]byte, time.Time, bool) {
	if e.cache == nil {
		return nil, time.Time{}, false
	}
	return e.cache.Get(identity.ContentKey(req.method(), req.URL, req.Params))
}

func (e *Engine) store(req Request, content []byte) {
	if e.cache == nil {
		return
	}
	key := identity.ContentKey(req.method(), req.URL, req.Params)
	if err := e.cache.Put(key, req.URL, content); err != nil {
		logging.Get().Warnw("cache write failed", "source", e.opts.Name, "error", err)
	}
}

func (e *Engine) exhausted(req Request, class failureClass, lastErr error) error {
	switch class {
	case classConnect, classDisconnect:
		e.breaker.RecordFailure()
		return &apperrors.HTTPError{
			StatusCode: http.StatusServiceUnavailable,
			URL:        req.URL,
			Message:    "upstream unreachable",
			Err:        &apperrors.ConnectivityError{URL: req.URL, Kind: class.String(), Err: lastErr},
		}
	case classTimeout:
		e.breaker.RecordFailure()
		return &apperrors.HTTPError{
			StatusCode: http.StatusRequestTimeout,
			URL:        req.URL,
			Message:    "request timed out",
			Err:        &apperrors.ConnectivityError{URL: req.URL, Kind: class.String(), Err: lastErr},
		}
	case classServer:
		e.breaker.RecordFailure()
		return lastErr
	case classRateLimited:
		e.breaker.RecordSuccess()
		return lastErr
	default:
		e.breaker.RecordFailure()
		return &apperrors.ScraperError{StatusCode: http.StatusInternalServerError, URL: req.URL, Err: lastErr}
	}
}

func (e *Engine) do(ctx context.Context, req Request) ([]byte, int, http.Header, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.opts.Timeout
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	target := req.URL
	if len(req.Params) > 0 {
		u, err := url.Parse(req.URL)
		if err != nil {
			return nil, 0, nil, errors.Wrapf(err, "parse url %s", req.URL)
		}
		q := u.Query()
		for k, vs := range req.Params {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
		target = u.String()
	}

	if req.Render && e.renderer != nil {
		status, content, err := e.renderer.Render(actx, target, timeout)
		return content, status, nil, err
	}

	var body io.Reader
	if req.Body != nil {
		b, err := json.Marshal(req.Body)
		if err != nil {
			return nil, 0, nil, errors.Wrap(err, "encode request body")
		}
		body = bytes.NewReader(b)
	}

	hreq, err := http.NewRequestWithContext(actx, req.method(), target, body)
	if err != nil {
		return nil, 0, nil, errors.Wrap(err, "build request")
	}
	hreq.Header.Set("User-Agent", e.opts.UserAgent)
	hreq.Header.Set("Accept", "text/html,application/xhtml+xml,application/json;q=0.9,*/*;q=0.8")
	for k, v := range e.opts.Headers {
		hreq.Header.Set(k, v)
	}
	for k, v := range req.Headers {
		hreq.Header.Set(k, v)
	}
	if req.Body != nil {
		hreq.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.client.Do(hreq)
	if err != nil {
		return nil, 0, nil, err
	}
	defer resp.Body.Close()

	content, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, resp.StatusCode, resp.Header, err
	}
	return content, resp.StatusCode, resp.Header, nil
}

// backoff is base*2^attempt plus jitter, capped. Disconnects use a doubled
// base.
func (e *Engine) backoff(attempt int, class failureClass) time.Duration {
	base := e.opts.BackoffBase
	if class == classDisconnect {
		base *= 2
	}
	d := base << attempt
	d += e.jitter(base / 2)
	if d > e.opts.BackoffMax || d <= 0 {
		d = e.opts.BackoffMax
	}
	return d
}

func classify(err error) failureClass {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return classConnect
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return classConnect
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return classDisconnect
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return classTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return classTimeout
	}
	return classOther
}

func parseRetryAfter(h http.Header) time.Duration {
	if h == nil {
		return 0
	}
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		return time.Until(t)
	}
	return 0
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return rand.N(max)
}

func snippet(b []byte) string {
	const n = 200
	if len(b) > n {
		return string(b[:n])
	}
	return string(b)
}

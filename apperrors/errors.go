// Package apperrors defines the typed failures that cross component boundaries
// in the scanner. Callers classify them with errors.As.
package apperrors

import (
	"fmt"
	"net/http"
	"time"
)

// ConnectivityError covers refused connections, mid-response disconnects and
// timeouts. It is retryable.
type ConnectivityError struct {
	URL  string
	Kind string // connect, disconnect or timeout
	Err  error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("%s error for %s: %v", e.Kind, e.URL, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// RateLimitError is returned when a rate limit cannot be satisfied by a short
// wait. RetryAfter tells the caller when trying again makes sense.
type RateLimitError struct {
	Target     string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, retry after %s", e.Target, e.RetryAfter.Round(time.Second))
}

// HTTPError is an upstream answer with a non-success status, or the status an
// exhausted retry loop was converted to (503 for connectivity, 408 for timeouts).
type HTTPError struct {
	StatusCode int
	URL        string
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *HTTPError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	return fmt.Sprintf("http %d for %s: %s", e.StatusCode, e.URL, msg)
}

func (e *HTTPError) Unwrap() error { return e.Err }

// Retryable reports whether the status class is worth another attempt.
func (e *HTTPError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// Terminal reports a client error that retrying cannot fix.
func (e *HTTPError) Terminal() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500 && e.StatusCode != http.StatusTooManyRequests
}

// ParsingError means the content was structurally unusable as a whole.
type ParsingError struct {
	Source string
	Msg    string
	Err    error
}

func (e *ParsingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse %s: %s: %v", e.Source, e.Msg, e.Err)
	}
	return fmt.Sprintf("parse %s: %s", e.Source, e.Msg)
}

func (e *ParsingError) Unwrap() error { return e.Err }

// ConfigurationError is fatal at startup.
type ConfigurationError struct {
	Field string
	Msg   string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration: %s: %s", e.Field, e.Msg)
}

// UnavailableError is returned without any network call when a circuit
// breaker is open.
type UnavailableError struct {
	Target string
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("service unavailable: circuit open for %s", e.Target)
}

// ScraperError is the catch-all for unexpected failures after retries.
type ScraperError struct {
	StatusCode int
	URL        string
	Err        error
}

func (e *ScraperError) Error() string {
	return fmt.Sprintf("scraper error %d for %s: %v", e.StatusCode, e.URL, e.Err)
}

func (e *ScraperError) Unwrap() error { return e.Err }

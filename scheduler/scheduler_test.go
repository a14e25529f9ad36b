package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"stock_scanner/config"
	"stock_scanner/models"
	"stock_scanner/scraper"
)

type fakeScanner struct {
	mu       sync.Mutex
	requests []scraper.ScanRequest
	started  chan scraper.ScanRequest
	block    bool
	err      error
}

func newFakeScanner(block bool) *fakeScanner {
	return &fakeScanner{started: make(chan scraper.ScanRequest, 16), block: block}
}

func (f *fakeScanner) Scan(ctx context.Context, req scraper.ScanRequest) (*models.ScanSummary, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	select {
	case f.started <- req:
	default:
	}
	if f.block {
		<-ctx.Done()
		return &models.ScanSummary{ScanID: req.ID}, ctx.Err()
	}
	return &models.ScanSummary{ScanID: req.ID}, f.err
}

func waitFor(t *testing.T, ch <-chan scraper.ScanRequest) scraper.ScanRequest {
	t.Helper()
	select {
	case req := <-ch:
		return req
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for a scan")
		return scraper.ScanRequest{}
	}
}

func TestTrigger_BeforeStart(t *testing.T) {
	s := New(config.SchedulerConfig{}, newFakeScanner(false), nil)
	if _, err := s.Trigger(""); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}

func TestTrigger_UsesFreshScanner(t *testing.T) {
	scheduled := newFakeScanner(false)
	triggered := newFakeScanner(false)
	var built, released int32
	factory := func() (Scanner, func(), error) {
		atomic.AddInt32(&built, 1)
		return triggered, func() { atomic.AddInt32(&released, 1) }, nil
	}

	s := New(config.SchedulerConfig{}, scheduled, factory)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	id, err := s.Trigger("hkex")
	if err != nil {
		t.Fatalf("trigger failed: %v", err)
	}
	if id == "" {
		t.Fatalf("trigger should return a scan id")
	}
	req := waitFor(t, triggered.started)
	s.Stop()

	if req.ID != id || req.Filter != "hkex" || req.Trigger != models.TriggerManual {
		t.Fatalf("unexpected request %+v", req)
	}
	if b, r := atomic.LoadInt32(&built), atomic.LoadInt32(&released); b != 1 || r != 1 {
		t.Fatalf("expected one build and one release, got %d/%d", b, r)
	}
	if len(scheduled.requests) != 0 {
		t.Fatalf("triggered scan must not use the scheduled scanner")
	}
}

func TestStop_CancelsRunningTriggers(t *testing.T) {
	blocking := newFakeScanner(true)
	s := New(config.SchedulerConfig{}, newFakeScanner(false), func() (Scanner, func(), error) {
		return blocking, nil, nil
	})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if _, err := s.Trigger(""); err != nil {
		t.Fatalf("trigger failed: %v", err)
	}
	waitFor(t, blocking.started)

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("Stop did not return after cancelling the scan")
	}

	if _, err := s.Trigger(""); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped after Stop, got %v", err)
	}
}

func TestTrigger_FactoryError(t *testing.T) {
	s := New(config.SchedulerConfig{}, newFakeScanner(false), func() (Scanner, func(), error) {
		return nil, nil, errors.New("browser unavailable")
	})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if _, err := s.Trigger(""); err != nil {
		t.Fatalf("trigger should accept even if the build fails later, got %v", err)
	}
	s.Stop()
}

func TestInterval_RunsImmediatelyAndRetriesOnError(t *testing.T) {
	scanner := newFakeScanner(false)
	scanner.err = errors.New("all 3 sources failed")

	s := New(config.SchedulerConfig{Interval: time.Hour}, scanner, nil)
	s.retryIn = 10 * time.Millisecond
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	first := waitFor(t, scanner.started)
	second := waitFor(t, scanner.started)
	s.Stop()

	if first.Trigger != models.TriggerScheduled || first.ID == second.ID {
		t.Fatalf("unexpected scheduled requests %+v %+v", first, second)
	}
}

func TestStart_InvalidCron(t *testing.T) {
	s := New(config.SchedulerConfig{Cron: "not a cron"}, newFakeScanner(false), nil)
	if err := s.Start(context.Background()); err == nil {
		t.Fatalf("expected an error for an invalid cron expression")
	}
}

func TestStart_Twice(t *testing.T) {
	s := New(config.SchedulerConfig{}, newFakeScanner(false), nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer s.Stop()
	if err := s.Start(context.Background()); err == nil {
		t.Fatalf("second start should fail")
	}
}

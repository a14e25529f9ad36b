package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"

	"stock_scanner/config"
	"stock_scanner/logging"
	"stock_scanner/models"
	"stock_scanner/scraper"
)

// errorRetryDelay replaces the interval after a scheduled scan errors.
const errorRetryDelay = 60 * time.Second

var ErrStopped = errors.New("scheduler stopped")

// Scanner runs one coordinator pass. *scraper.Orchestrator implements it.
type Scanner interface {
	Scan(ctx context.Context, req scraper.ScanRequest) (*models.ScanSummary, error)
}

// ScannerFactory builds a scanner with its own runners, breakers and
// limiters for a triggered scan. release frees its resources.
type ScannerFactory func() (s Scanner, release func(), err error)

// Scheduler runs the long-lived scanner on an interval or cron schedule and
// starts independent scans on demand.
type Scheduler struct {
	cfg     config.SchedulerConfig
	scanner Scanner
	factory ScannerFactory

	cron     *cron.Cron
	retryIn  time.Duration
	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	stopped  bool
	wg       sync.WaitGroup
	triggers sync.WaitGroup
}

func New(cfg config.SchedulerConfig, scanner Scanner, factory ScannerFactory) *Scheduler {
	return &Scheduler{
		cfg:     cfg,
		scanner: scanner,
		factory: factory,
		retryIn: errorRetryDelay,
	}
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx != nil {
		return errors.New("scheduler already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	log := logging.Get()

	switch {
	case s.cfg.Cron != "":
		log.Infow("starting scheduler", "cron", s.cfg.Cron)
		s.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger{})), cron.WithLogger(cronLogger{}))
		if _, err := s.cron.AddFunc(s.cfg.Cron, func() { s.runScheduled() }); err != nil {
			s.cancel()
			return errors.Wrap(err, "invalid cron expression")
		}
		s.cron.Start()
	case s.cfg.Interval > 0:
		log.Infow("starting scheduler", "interval", s.cfg.Interval)
		s.wg.Add(1)
		go s.loop()
	default:
		log.Info("no schedule configured, scans run only when triggered")
	}
	return nil
}

// loop scans immediately, then every Interval. A failed scan is retried
// after errorRetryDelay instead.
func (s *Scheduler) loop() {
	defer s.wg.Done()

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-timer.C:
		}

		next := s.cfg.Interval
		if err := s.runScheduled(); err != nil && s.ctx.Err() == nil {
			next = s.retryIn
		}
		timer.Reset(next)
	}
}

func (s *Scheduler) runScheduled() error {
	req := scraper.ScanRequest{ID: uuid.NewString(), Trigger: models.TriggerScheduled}
	summary, err := s.scanner.Scan(s.ctx, req)
	if err != nil {
		logging.Get().Errorw("scheduled scan failed", "scan_id", req.ID, "error", err)
		return err
	}
	logging.Get().Infow("scheduled scan complete", "scan_id", summary.ScanID,
		"new", len(summary.NewListings), "errors", len(summary.SourceErrors))
	return nil
}

// Trigger starts a scan in the background with a fresh scanner and returns
// its ID at once. An empty filter scans every source.
func (s *Scheduler) Trigger(filter string) (string, error) {
	s.mu.Lock()
	if s.ctx == nil || s.stopped {
		s.mu.Unlock()
		return "", ErrStopped
	}
	ctx := s.ctx
	s.triggers.Add(1)
	s.mu.Unlock()

	req := scraper.ScanRequest{ID: uuid.NewString(), Filter: filter, Trigger: models.TriggerManual}
	log := logging.Get().With("scan_id", req.ID)
	log.Infow("scan triggered", "filter", filter)

	go func() {
		defer s.triggers.Done()

		scanner, release, err := s.factory()
		if err != nil {
			log.Errorw("failed to build scanner for triggered scan", "error", err)
			return
		}
		if release != nil {
			defer release()
		}

		summary, err := scanner.Scan(ctx, req)
		if err != nil {
			log.Errorw("triggered scan failed", "error", err)
			return
		}
		log.Infow("triggered scan complete", "new", len(summary.NewListings), "errors", len(summary.SourceErrors))
	}()
	return req.ID, nil
}

// Stop cancels running scans and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped || s.ctx == nil {
		s.stopped = true
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	s.cancel()
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	s.wg.Wait()
	s.triggers.Wait()
}

// cronLogger routes cron's own messages into the application log.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	logging.Get().Debugw("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	logging.Get().Errorw("cron: "+msg, append(keysAndValues, "error", err)...)
}

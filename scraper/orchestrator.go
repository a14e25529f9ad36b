package scraper

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"stock_scanner/logging"
	"stock_scanner/models"
	"stock_scanner/notify"
	"stock_scanner/resilience"
)

// ListingStore persists scraped listings and tracks their notified flag.
type ListingStore interface {
	Upsert(ctx context.Context, records []models.Listing) models.UpsertResult
	Unnotified(ctx context.Context) ([]models.Listing, error)
	MarkNotified(ctx context.Context, ids []int64) (int, error)
	LockNotifications(ctx context.Context) (func(), error)
}

type Notifier interface {
	Notify(ctx context.Context, records []models.Listing) notify.Report
}

// RunRecorder keeps the scan_runs history. Optional.
type RunRecorder interface {
	CreateScanRun(ctx context.Context, run *models.ScanRun) error
	FinishScanRun(ctx context.Context, run *models.ScanRun) error
}

type OrchestratorOptions struct {
	MaxRetries int
	RetryDelay time.Duration
	Trigger    models.TriggerKind
}

// ScanRequest describes one coordinator pass. An empty ID gets a fresh UUID.
type ScanRequest struct {
	ID      string
	Filter  string
	Trigger models.TriggerKind
}

type Orchestrator struct {
	runners  []*SourceRunner
	listings ListingStore
	notifier Notifier
	runs     RunRecorder
	opts     OrchestratorOptions

	sleep func(ctx context.Context, d time.Duration) error
}

// NewOrchestrator wires runners to storage and notification. notifier and
// runs may be nil.
func NewOrchestrator(runners []*SourceRunner, listings ListingStore, notifier Notifier, runs RunRecorder, opts OrchestratorOptions) *Orchestrator {
	if opts.MaxRetries < 1 {
		opts.MaxRetries = 1
	}
	if opts.Trigger == "" {
		opts.Trigger = models.TriggerScheduled
	}
	return &Orchestrator{
		runners:  runners,
		listings: listings,
		notifier: notifier,
		runs:     runs,
		opts:     opts,
		sleep:    resilience.Sleep,
	}
}

func (o *Orchestrator) Runners() []*SourceRunner { return o.runners }

// ScanAndProcess scrapes the sources selected by filter, saves the results
// and notifies. An empty or unknown filter selects every source.
func (o *Orchestrator) ScanAndProcess(ctx context.Context, filter string) (*models.ScanSummary, error) {
	return o.Scan(ctx, ScanRequest{Filter: filter, Trigger: o.opts.Trigger})
}

func (o *Orchestrator) Scan(ctx context.Context, req ScanRequest) (*models.ScanSummary, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Trigger == "" {
		req.Trigger = o.opts.Trigger
	}
	log := logging.Get().With("scan_id", req.ID)

	summary := &models.ScanSummary{ScanID: req.ID}
	run := &models.ScanRun{
		ID:        req.ID,
		Filter:    req.Filter,
		Trigger:   req.Trigger,
		StartedAt: time.Now().UTC(),
		Status:    models.RunStatusRunning,
	}
	if o.runs != nil {
		if err := o.runs.CreateScanRun(ctx, run); err != nil {
			log.Warnw("failed to record scan start", "error", err)
		}
	}

	runners := o.selectRunners(req.Filter)
	log.Infow("scan started", "filter", req.Filter, "trigger", req.Trigger, "sources", len(runners))

	for _, r := range runners {
		if ctx.Err() != nil {
			summary.SourceErrors = append(summary.SourceErrors, fmt.Sprintf("%s: scan cancelled", r.ID()))
			break
		}
		outcome := o.runWithRetry(ctx, r)
		if !outcome.Success {
			summary.SourceErrors = append(summary.SourceErrors, fmt.Sprintf("%s: %s", r.ID(), outcome.Message))
			continue
		}
		if outcome.IsFallback {
			log.Warnw("source served fallback data", "source", r.ID(), "message", outcome.Message)
		}
		summary.AllListings = append(summary.AllListings, outcome.Records...)
	}

	if len(summary.AllListings) > 0 {
		result := o.listings.Upsert(ctx, summary.AllListings)
		summary.SavedCount = result.SavedCount
		summary.NewListings = result.NewRecords
		log.Infow("listings saved", "total", result.Total, "saved", result.SavedCount,
			"new", len(result.NewRecords), "skipped", result.Skipped)
	}

	o.notifyListings(ctx, summary)

	o.finishRun(ctx, run, summary)
	log.Infow("scan finished",
		"found", len(summary.AllListings),
		"saved", summary.SavedCount,
		"new", len(summary.NewListings),
		"unnotified_sent", summary.UnnotifiedSent,
		"new_notified", summary.NewNotified,
		"errors", len(summary.SourceErrors))

	if err := ctx.Err(); err != nil {
		return summary, err
	}
	if len(runners) > 0 && len(summary.SourceErrors) == len(runners) {
		return summary, errors.Errorf("all %d sources failed", len(runners))
	}
	return summary, nil
}

// notifyListings drains the backlog of previously unnotified listings first.
// This run's new listings are only sent when the backlog is empty; otherwise
// they wait for a later run. Concurrent scans take turns here.
func (o *Orchestrator) notifyListings(ctx context.Context, summary *models.ScanSummary) {
	if o.notifier == nil || ctx.Err() != nil {
		return
	}
	log := logging.Get().With("scan_id", summary.ScanID)

	unlock, err := o.listings.LockNotifications(ctx)
	if err != nil {
		log.Warnw("notifications skipped", "error", err)
		return
	}
	defer unlock()

	pending, err := o.listings.Unnotified(ctx)
	if err != nil {
		log.Errorw("failed to load unnotified listings, deferring notifications", "error", err)
		return
	}

	fresh := make(map[int64]bool, len(summary.NewListings))
	for _, l := range summary.NewListings {
		fresh[l.ID] = true
	}
	var backlog, current []models.Listing
	for _, l := range pending {
		if fresh[l.ID] {
			current = append(current, l)
		} else {
			backlog = append(backlog, l)
		}
	}

	if len(backlog) > 0 {
		log.Infow("sending unnotified backlog", "count", len(backlog))
		summary.UnnotifiedSent = o.deliver(ctx, backlog)
		if len(current) > 0 {
			log.Infow("new listings deferred until backlog is drained", "count", len(current))
		}
		return
	}

	// New listings another scan already delivered are no longer pending.
	if len(current) > 0 {
		summary.NewNotified = o.deliver(ctx, current)
	}
}

func (o *Orchestrator) deliver(ctx context.Context, records []models.Listing) int {
	report := o.notifier.Notify(ctx, records)
	if !report.OK() {
		logging.Get().Warnw("some notifications were not delivered", "sent", report.Sent, "failed", report.Failed)
	}
	if len(report.Delivered) == 0 {
		return 0
	}
	marked, err := o.listings.MarkNotified(ctx, report.Delivered)
	if err != nil {
		logging.Get().Errorw("failed to mark listings notified", "error", err, "marked", marked)
	}
	return marked
}

// runWithRetry repeats a failed source run up to MaxRetries times.
func (o *Orchestrator) runWithRetry(ctx context.Context, r *SourceRunner) Outcome {
	var outcome Outcome
	for attempt := 1; attempt <= o.opts.MaxRetries; attempt++ {
		outcome = r.Run(ctx)
		if outcome.Success || ctx.Err() != nil || attempt == o.opts.MaxRetries {
			break
		}
		logging.Get().Warnw("source run failed, retrying",
			"source", r.ID(), "attempt", attempt, "max_retries", o.opts.MaxRetries, "message", outcome.Message)
		if err := o.sleep(ctx, o.opts.RetryDelay); err != nil {
			break
		}
	}
	return outcome
}

func (o *Orchestrator) selectRunners(filter string) []*SourceRunner {
	if filter == "" {
		return o.runners
	}
	var selected []*SourceRunner
	for _, r := range o.runners {
		if r.Matches(filter) {
			selected = append(selected, r)
		}
	}
	if len(selected) == 0 {
		logging.Get().Warnw("unknown exchange filter, scanning all sources", "filter", filter)
		return o.runners
	}
	return selected
}

func (o *Orchestrator) finishRun(ctx context.Context, run *models.ScanRun, summary *models.ScanSummary) {
	if o.runs == nil {
		return
	}
	now := time.Now().UTC()
	run.FinishedAt = &now
	run.Status = models.RunStatusCompleted
	if ctx.Err() != nil {
		run.Status = models.RunStatusFailed
	}
	run.ListingsFound = len(summary.AllListings)
	run.ListingsSaved = summary.SavedCount
	run.ListingsNew = len(summary.NewListings)
	run.UnnotifiedSent = summary.UnnotifiedSent
	run.ErrorsCount = len(summary.SourceErrors)

	// The scan context may be cancelled by now; the history row still gets
	// written.
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := o.runs.FinishScanRun(finishCtx, run); err != nil {
		logging.Get().Warnw("failed to record scan finish", "scan_id", run.ID, "error", err)
	}
}

package notify

import (
	"context"
	"encoding/json"
	"time"

	"stock_scanner/logging"
	"stock_scanner/models"
	"stock_scanner/resilience"
)

// AuditStore records every send attempt. Optional.
type AuditStore interface {
	CreateNotificationLog(ctx context.Context, n *models.NotificationLog) error
	UpdateNotificationLog(ctx context.Context, n *models.NotificationLog) error
}

// Report summarises one Notify call. Delivered lists the IDs of listings
// whose every message part went out.
type Report struct {
	Sent      int
	Failed    int
	Delivered []int64
}

func (r Report) OK() bool { return r.Failed == 0 }

type DispatcherConfig struct {
	ListingsPerMessage int
	MaxMessageLength   int
	MessageDelay       time.Duration
	// Summary sends a per-exchange count before the listing messages. It
	// carries no listing IDs and does not count in the Report.
	Summary bool
}

type Dispatcher struct {
	cfg   DispatcherConfig
	tx    *Transmitter
	audit AuditStore

	sleep func(ctx context.Context, d time.Duration) error
}

func NewDispatcher(tx *Transmitter, audit AuditStore, cfg DispatcherConfig) *Dispatcher {
	if cfg.ListingsPerMessage <= 0 {
		cfg.ListingsPerMessage = DefaultListingsPerMessage
	}
	if cfg.MaxMessageLength <= 0 {
		cfg.MaxMessageLength = DefaultMaxMessageLength
	}
	return &Dispatcher{
		cfg:   cfg,
		tx:    tx,
		audit: audit,
		sleep: resilience.Sleep,
	}
}

// Notify formats records into per-exchange chunks and sends them in order,
// pausing MessageDelay between messages. A chunk counts as sent only when
// all its parts were delivered.
func (d *Dispatcher) Notify(ctx context.Context, records []models.Listing) Report {
	var report Report
	records = Dedupe(records)
	if len(records) == 0 {
		return report
	}
	log := logging.Get()

	chunks := FormatChunks(records, d.cfg.ListingsPerMessage)
	log.Infow("sending notifications", "listings", len(records), "messages", len(chunks))

	first := true
	if d.cfg.Summary {
		d.send(ctx, FormatSummary(records), models.NotificationTypeSummary)
		first = false
	}
	for _, chunk := range chunks {
		delivered := true
		for _, part := range SplitMessage(chunk, d.cfg.MaxMessageLength) {
			if !first && d.cfg.MessageDelay > 0 {
				if err := d.sleep(ctx, d.cfg.MessageDelay); err != nil {
					delivered = false
					break
				}
			}
			first = false
			if ctx.Err() != nil {
				delivered = false
				break
			}
			if !d.send(ctx, part, models.NotificationTypeNewListings) {
				delivered = false
			}
		}

		if delivered {
			report.Sent++
			report.Delivered = append(report.Delivered, chunk.ListingIDs...)
		} else {
			report.Failed++
		}
	}
	return report
}

type auditMetadata struct {
	Exchange     string  `json:"exchange,omitempty"`
	ListingIDs   []int64 `json:"listing_ids,omitempty"`
	Attempts     int     `json:"attempts,omitempty"`
	FallbackFile string  `json:"fallback_file,omitempty"`
}

func (d *Dispatcher) send(ctx context.Context, msg Message, kind string) bool {
	meta := auditMetadata{Exchange: msg.Exchange, ListingIDs: msg.ListingIDs}
	entry := &models.NotificationLog{
		Type:   kind,
		Title:  msg.Title,
		Body:   msg.Text(),
		Status: models.NotificationPending,
	}
	entry.Metadata, _ = json.Marshal(meta)
	d.createAudit(ctx, entry)

	res := d.tx.Send(ctx, msg)

	meta.Attempts = res.Attempts
	switch {
	case res.Delivered:
		entry.Status = models.NotificationSent
	case res.FallbackPath != "":
		entry.Status = models.NotificationFailed
		meta.FallbackFile = res.FallbackPath
	default:
		entry.Status = models.NotificationError
	}
	if res.Err != nil {
		entry.Error = res.Err.Error()
	}
	entry.Metadata, _ = json.Marshal(meta)
	d.updateAudit(ctx, entry)

	return res.Delivered
}

// Audit writes never affect delivery.
func (d *Dispatcher) createAudit(ctx context.Context, entry *models.NotificationLog) {
	if d.audit == nil {
		return
	}
	if err := d.audit.CreateNotificationLog(context.WithoutCancel(ctx), entry); err != nil {
		logging.Get().Warnw("failed to write notification audit log", "error", err)
	}
}

func (d *Dispatcher) updateAudit(ctx context.Context, entry *models.NotificationLog) {
	if d.audit == nil || entry.ID == 0 {
		return
	}
	if err := d.audit.UpdateNotificationLog(context.WithoutCancel(ctx), entry); err != nil {
		logging.Get().Warnw("failed to update notification audit log", "id", entry.ID, "error", err)
	}
}

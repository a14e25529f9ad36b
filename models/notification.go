package models

import (
	"encoding/json"
	"time"
)

type NotificationStatus string

const (
	NotificationPending NotificationStatus = "pending"
	NotificationSent    NotificationStatus = "sent"
	NotificationFailed  NotificationStatus = "failed"
	NotificationError   NotificationStatus = "error"
)

const (
	NotificationTypeNewListings = "new_listings"
	NotificationTypeSummary     = "summary"
)

// NotificationLog is the audit trail of send attempts. It is not used for
// dedup; Listing.Notified is.
type NotificationLog struct {
	ID        int64              `json:"id" db:"id"`
	Type      string             `json:"type" db:"notification_type"`
	Title     string             `json:"title" db:"title"`
	Body      string             `json:"body" db:"body"`
	Status    NotificationStatus `json:"status" db:"status"`
	Error     string             `json:"error,omitempty" db:"error"`
	Metadata  json.RawMessage    `json:"metadata,omitempty" db:"metadata"`
	CreatedAt time.Time          `json:"created_at" db:"created_at"`
	UpdatedAt time.Time          `json:"updated_at" db:"updated_at"`
}

package models

import "time"

// Listing is one security's admission to trade on an exchange. ExchangeCode
// plus Symbol identifies it.
type Listing struct {
	ID           int64     `json:"id" db:"id"`
	Name         string    `json:"name" db:"name" validate:"required,max=200"`
	Symbol       string    `json:"symbol" db:"symbol" validate:"required,max=20"`
	ListingDate  time.Time `json:"listing_date" db:"listing_date"`
	LotSize      int       `json:"lot_size" db:"lot_size" validate:"gt=0"`
	Status       string    `json:"status" db:"status"`
	ExchangeCode string    `json:"exchange_code" db:"exchange_code" validate:"required"`
	SecurityType string    `json:"security_type" db:"security_type"`
	Remarks      string    `json:"remarks" db:"remarks"`
	URL          string    `json:"url" db:"url"`
	DetailURL    string    `json:"detail_url,omitempty" db:"detail_url"`
	Notified     bool      `json:"notified" db:"notified"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// Key is the dedup key used by storage and notification.
func (l *Listing) Key() string {
	return l.ExchangeCode + ":" + l.Symbol
}

// UpsertResult reports what a batch upsert did. NewRecords holds the rows
// inserted for the first time, with IDs assigned.
type UpsertResult struct {
	SavedCount int       `json:"saved_count"`
	Total      int       `json:"total"`
	Skipped    int       `json:"skipped"`
	NewRecords []Listing `json:"new_records"`
}

// ScanSummary is what one coordinator pass returns.
type ScanSummary struct {
	ScanID         string    `json:"scan_id"`
	AllListings    []Listing `json:"all_listings"`
	SavedCount     int       `json:"saved_count"`
	NewListings    []Listing `json:"new_listings"`
	UnnotifiedSent int       `json:"unnotified_sent"`
	NewNotified    int       `json:"new_notified"`
	SourceErrors   []string  `json:"source_errors,omitempty"`
}

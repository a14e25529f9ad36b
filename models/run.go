package models

import "time"

type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

type TriggerKind string

const (
	TriggerScheduled TriggerKind = "scheduled"
	TriggerManual    TriggerKind = "manual"
	TriggerCLI       TriggerKind = "cli"
)

// ScanRun records one Scan Coordinator pass.
type ScanRun struct {
	ID             string      `json:"id" db:"id"`
	Filter         string      `json:"filter" db:"filter"`
	Trigger        TriggerKind `json:"trigger" db:"trigger_kind"`
	StartedAt      time.Time   `json:"started_at" db:"started_at"`
	FinishedAt     *time.Time  `json:"finished_at" db:"finished_at"`
	Status         RunStatus   `json:"status" db:"status"`
	ListingsFound  int         `json:"listings_found" db:"listings_found"`
	ListingsSaved  int         `json:"listings_saved" db:"listings_saved"`
	ListingsNew    int         `json:"listings_new" db:"listings_new"`
	UnnotifiedSent int         `json:"unnotified_sent" db:"unnotified_sent"`
	ErrorsCount    int         `json:"errors_count" db:"errors_count"`
}

package storage

import (
	"context"

	"github.com/pkg/errors"

	"stock_scanner/models"
)

// ErrListingExists is returned by InsertListing when another transaction
// created the same (exchange, symbol) first. The row was updated in place and
// the listing carries its ID and notified flag.
var ErrListingExists = errors.New("listing already exists")

// ListingTx is the view of the database available inside one upsert
// transaction. Lookups return nil, nil when nothing matches.
type ListingTx interface {
	ExchangeByCode(ctx context.Context, code string) (*models.Exchange, error)
	CreateExchange(ctx context.Context, e *models.Exchange) error
	ListingByKey(ctx context.Context, exchangeCode, symbol string) (*models.Listing, error)
	// InsertListing may return ErrListingExists on a concurrent insert.
	InsertListing(ctx context.Context, l *models.Listing) error
	UpdateListing(ctx context.Context, l *models.Listing) error
}

// Store is implemented by SQLiteStore and PostgresStore.
type Store interface {
	// InTx runs fn in a transaction, committing when fn returns nil and
	// rolling back otherwise.
	InTx(ctx context.Context, fn func(tx ListingTx) error) error

	UnnotifiedListings(ctx context.Context) ([]models.Listing, error)
	MarkNotified(ctx context.Context, id int64) error
	ListListings(ctx context.Context) ([]models.Listing, error)

	CreateNotificationLog(ctx context.Context, n *models.NotificationLog) error
	UpdateNotificationLog(ctx context.Context, n *models.NotificationLog) error
	ListNotificationLogs(ctx context.Context) ([]models.NotificationLog, error)

	CreateScanRun(ctx context.Context, run *models.ScanRun) error
	FinishScanRun(ctx context.Context, run *models.ScanRun) error

	Close() error
}

const listingColumns = `id, name, symbol, listing_date, lot_size, status, exchange_code,
	security_type, remarks, url, detail_url, notified, created_at, updated_at`

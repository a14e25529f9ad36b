package storage

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"stock_scanner/models"
)

// PostgresStore is the Store used when DATABASE_URL is set.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, errors.Wrap(err, "parse config")
	}

	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, errors.Wrap(err, "create pool")
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping")
	}

	store := &PostgresStore{pool: pool}
	if err := store.migrate(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "migrate postgres")
	}
	return store, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS exchanges (
		id BIGSERIAL PRIMARY KEY,
		code TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		url TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS listings (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL,
		symbol TEXT NOT NULL,
		listing_date TIMESTAMPTZ NOT NULL,
		lot_size INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT '',
		exchange_code TEXT NOT NULL REFERENCES exchanges(code),
		security_type TEXT NOT NULL DEFAULT '',
		remarks TEXT NOT NULL DEFAULT '',
		url TEXT NOT NULL DEFAULT '',
		detail_url TEXT NOT NULL DEFAULT '',
		notified BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		UNIQUE (exchange_code, symbol)
	);

	CREATE TABLE IF NOT EXISTS notification_logs (
		id BIGSERIAL PRIMARY KEY,
		notification_type TEXT NOT NULL,
		title TEXT NOT NULL,
		body TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		error TEXT NOT NULL DEFAULT '',
		metadata JSONB,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS scan_runs (
		id TEXT PRIMARY KEY,
		filter TEXT NOT NULL DEFAULT '',
		trigger_kind TEXT NOT NULL,
		started_at TIMESTAMPTZ NOT NULL,
		finished_at TIMESTAMPTZ,
		status TEXT NOT NULL,
		listings_found INTEGER NOT NULL DEFAULT 0,
		listings_saved INTEGER NOT NULL DEFAULT 0,
		listings_new INTEGER NOT NULL DEFAULT 0,
		unnotified_sent INTEGER NOT NULL DEFAULT 0,
		errors_count INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_listings_notified ON listings(notified, created_at);
	CREATE INDEX IF NOT EXISTS idx_notification_logs_status ON notification_logs(status);
	`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// =============================================================================
// Transactions
// =============================================================================

func (s *PostgresStore) InTx(ctx context.Context, fn func(tx ListingTx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	if err := fn(&pgTx{tx: tx}); err != nil {
		tx.Rollback(ctx)
		return err
	}
	return errors.Wrap(tx.Commit(ctx), "commit")
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) ExchangeByCode(ctx context.Context, code string) (*models.Exchange, error) {
	var e models.Exchange
	err := t.tx.QueryRow(ctx,
		`SELECT id, code, name, url, description, created_at FROM exchanges WHERE code = $1`, code,
	).Scan(&e.ID, &e.Code, &e.Name, &e.URL, &e.Description, &e.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get exchange %s", code)
	}
	return &e, nil
}

func (t *pgTx) CreateExchange(ctx context.Context, e *models.Exchange) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	err := t.tx.QueryRow(ctx, `
		INSERT INTO exchanges (code, name, url, description, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (code) DO NOTHING
		RETURNING id`,
		e.Code, e.Name, e.URL, e.Description, e.CreatedAt,
	).Scan(&e.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		// registered by a concurrent scan
		err = t.tx.QueryRow(ctx, `SELECT id FROM exchanges WHERE code = $1`, e.Code).Scan(&e.ID)
	}
	return errors.Wrapf(err, "create exchange %s", e.Code)
}

func (t *pgTx) ListingByKey(ctx context.Context, exchangeCode, symbol string) (*models.Listing, error) {
	l, err := scanListing(t.tx.QueryRow(ctx,
		`SELECT `+listingColumns+` FROM listings WHERE exchange_code = $1 AND symbol = $2`, exchangeCode, symbol))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get listing %s:%s", exchangeCode, symbol)
	}
	return l, nil
}

func (t *pgTx) InsertListing(ctx context.Context, l *models.Listing) error {
	var inserted bool
	err := t.tx.QueryRow(ctx, `
		INSERT INTO listings (
			name, symbol, listing_date, lot_size, status, exchange_code,
			security_type, remarks, url, detail_url, notified, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (exchange_code, symbol) DO UPDATE SET
			name = EXCLUDED.name, listing_date = EXCLUDED.listing_date,
			lot_size = EXCLUDED.lot_size, status = EXCLUDED.status,
			security_type = EXCLUDED.security_type, remarks = EXCLUDED.remarks,
			url = EXCLUDED.url, detail_url = EXCLUDED.detail_url,
			updated_at = EXCLUDED.updated_at
		RETURNING id, notified, created_at, (xmax = 0)`,
		l.Name, l.Symbol, l.ListingDate, l.LotSize, l.Status, l.ExchangeCode,
		l.SecurityType, l.Remarks, l.URL, l.DetailURL, l.Notified, l.CreatedAt, l.UpdatedAt,
	).Scan(&l.ID, &l.Notified, &l.CreatedAt, &inserted)
	if err != nil {
		return errors.Wrapf(err, "insert listing %s", l.Key())
	}
	if !inserted {
		return ErrListingExists
	}
	return nil
}

func (t *pgTx) UpdateListing(ctx context.Context, l *models.Listing) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE listings SET
			name = $2, listing_date = $3, lot_size = $4, status = $5, security_type = $6,
			remarks = $7, url = $8, detail_url = $9, updated_at = $10
		WHERE id = $1`,
		l.ID, l.Name, l.ListingDate, l.LotSize, l.Status, l.SecurityType,
		l.Remarks, l.URL, l.DetailURL, l.UpdatedAt,
	)
	return errors.Wrapf(err, "update listing %s", l.Key())
}

func scanListing(row pgx.Row) (*models.Listing, error) {
	var l models.Listing
	err := row.Scan(
		&l.ID, &l.Name, &l.Symbol, &l.ListingDate, &l.LotSize, &l.Status, &l.ExchangeCode,
		&l.SecurityType, &l.Remarks, &l.URL, &l.DetailURL, &l.Notified, &l.CreatedAt, &l.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// =============================================================================
// Listings
// =============================================================================

func (s *PostgresStore) queryListings(ctx context.Context, query string, args ...any) ([]models.Listing, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var listings []models.Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		listings = append(listings, *l)
	}
	return listings, rows.Err()
}

func (s *PostgresStore) UnnotifiedListings(ctx context.Context) ([]models.Listing, error) {
	listings, err := s.queryListings(ctx,
		`SELECT `+listingColumns+` FROM listings WHERE notified = FALSE ORDER BY created_at, id`)
	return listings, errors.Wrap(err, "unnotified listings")
}

func (s *PostgresStore) MarkNotified(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `UPDATE listings SET notified = TRUE, updated_at = NOW() WHERE id = $1`, id)
	return errors.Wrapf(err, "mark listing %d notified", id)
}

func (s *PostgresStore) ListListings(ctx context.Context) ([]models.Listing, error) {
	listings, err := s.queryListings(ctx, `SELECT `+listingColumns+` FROM listings ORDER BY exchange_code, symbol`)
	return listings, errors.Wrap(err, "list listings")
}

// =============================================================================
// Notification audit log
// =============================================================================

func (s *PostgresStore) CreateNotificationLog(ctx context.Context, n *models.NotificationLog) error {
	now := time.Now().UTC()
	n.CreatedAt, n.UpdatedAt = now, now
	err := s.pool.QueryRow(ctx, `
		INSERT INTO notification_logs (notification_type, title, body, status, error, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		n.Type, n.Title, n.Body, n.Status, n.Error, n.Metadata, n.CreatedAt, n.UpdatedAt,
	).Scan(&n.ID)
	return errors.Wrap(err, "create notification log")
}

func (s *PostgresStore) UpdateNotificationLog(ctx context.Context, n *models.NotificationLog) error {
	n.UpdatedAt = time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		UPDATE notification_logs SET status = $2, error = $3, metadata = $4, updated_at = $5
		WHERE id = $1`,
		n.ID, n.Status, n.Error, n.Metadata, n.UpdatedAt,
	)
	return errors.Wrapf(err, "update notification log %d", n.ID)
}

func (s *PostgresStore) ListNotificationLogs(ctx context.Context) ([]models.NotificationLog, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, notification_type, title, body, status, error, metadata, created_at, updated_at
		FROM notification_logs ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(err, "list notification logs")
	}
	defer rows.Close()

	var logs []models.NotificationLog
	for rows.Next() {
		var n models.NotificationLog
		if err := rows.Scan(&n.ID, &n.Type, &n.Title, &n.Body, &n.Status, &n.Error, &n.Metadata, &n.CreatedAt, &n.UpdatedAt); err != nil {
			return nil, err
		}
		logs = append(logs, n)
	}
	return logs, rows.Err()
}

// =============================================================================
// Scan runs
// =============================================================================

func (s *PostgresStore) CreateScanRun(ctx context.Context, run *models.ScanRun) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO scan_runs (id, filter, trigger_kind, started_at, status)
		VALUES ($1, $2, $3, $4, $5)`,
		run.ID, run.Filter, run.Trigger, run.StartedAt, run.Status,
	)
	return errors.Wrapf(err, "create scan run %s", run.ID)
}

func (s *PostgresStore) FinishScanRun(ctx context.Context, run *models.ScanRun) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE scan_runs SET
			finished_at = $2, status = $3, listings_found = $4, listings_saved = $5,
			listings_new = $6, unnotified_sent = $7, errors_count = $8
		WHERE id = $1`,
		run.ID, run.FinishedAt, run.Status, run.ListingsFound, run.ListingsSaved,
		run.ListingsNew, run.UnnotifiedSent, run.ErrorsCount,
	)
	return errors.Wrapf(err, "finish scan run %s", run.ID)
}

package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"stock_scanner/models"
)

type SQLiteStore struct {
	db *sqlx.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// _txlock=immediate takes the write lock at BEGIN so concurrent scans
	// queue on busy_timeout instead of failing on lock upgrade.
	db, err := sqlx.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate")
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "migrate sqlite")
	}

	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS exchanges (
		id INTEGER PRIMARY KEY,
		code TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		url TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS listings (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		symbol TEXT NOT NULL,
		listing_date DATETIME NOT NULL,
		lot_size INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT '',
		exchange_code TEXT NOT NULL REFERENCES exchanges(code),
		security_type TEXT NOT NULL DEFAULT '',
		remarks TEXT NOT NULL DEFAULT '',
		url TEXT NOT NULL DEFAULT '',
		detail_url TEXT NOT NULL DEFAULT '',
		notified BOOLEAN NOT NULL DEFAULT FALSE,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		UNIQUE (exchange_code, symbol)
	);

	CREATE TABLE IF NOT EXISTS notification_logs (
		id INTEGER PRIMARY KEY,
		notification_type TEXT NOT NULL,
		title TEXT NOT NULL,
		body TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		error TEXT NOT NULL DEFAULT '',
		metadata BLOB,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS scan_runs (
		id TEXT PRIMARY KEY,
		filter TEXT NOT NULL DEFAULT '',
		trigger_kind TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		finished_at DATETIME,
		status TEXT NOT NULL,
		listings_found INTEGER NOT NULL DEFAULT 0,
		listings_saved INTEGER NOT NULL DEFAULT 0,
		listings_new INTEGER NOT NULL DEFAULT 0,
		unnotified_sent INTEGER NOT NULL DEFAULT 0,
		errors_count INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_listings_notified ON listings(notified, created_at);
	CREATE INDEX IF NOT EXISTS idx_notification_logs_status ON notification_logs(status);
	CREATE INDEX IF NOT EXISTS idx_scan_runs_started ON scan_runs(started_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// Transactions
// =============================================================================

func (s *SQLiteStore) InTx(ctx context.Context, fn func(tx ListingTx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	if err := fn(&sqliteTx{tx: tx}); err != nil {
		tx.Rollback()
		return err
	}
	return errors.Wrap(tx.Commit(), "commit")
}

type sqliteTx struct {
	tx *sqlx.Tx
}

func (t *sqliteTx) ExchangeByCode(ctx context.Context, code string) (*models.Exchange, error) {
	var e models.Exchange
	err := t.tx.GetContext(ctx, &e, `SELECT id, code, name, url, description, created_at FROM exchanges WHERE code = ?`, code)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get exchange %s", code)
	}
	return &e, nil
}

func (t *sqliteTx) CreateExchange(ctx context.Context, e *models.Exchange) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	res, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO exchanges (code, name, url, description, created_at)
		VALUES (:code, :name, :url, :description, :created_at)`, e)
	if err != nil {
		return errors.Wrapf(err, "create exchange %s", e.Code)
	}
	e.ID, err = res.LastInsertId()
	return err
}

func (t *sqliteTx) ListingByKey(ctx context.Context, exchangeCode, symbol string) (*models.Listing, error) {
	var l models.Listing
	err := t.tx.GetContext(ctx, &l, `SELECT `+listingColumns+` FROM listings WHERE exchange_code = ? AND symbol = ?`, exchangeCode, symbol)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get listing %s:%s", exchangeCode, symbol)
	}
	return &l, nil
}

func (t *sqliteTx) InsertListing(ctx context.Context, l *models.Listing) error {
	res, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO listings (
			name, symbol, listing_date, lot_size, status, exchange_code,
			security_type, remarks, url, detail_url, notified, created_at, updated_at
		) VALUES (
			:name, :symbol, :listing_date, :lot_size, :status, :exchange_code,
			:security_type, :remarks, :url, :detail_url, :notified, :created_at, :updated_at
		)`, l)
	if err != nil {
		return errors.Wrapf(err, "insert listing %s", l.Key())
	}
	l.ID, err = res.LastInsertId()
	return err
}

func (t *sqliteTx) UpdateListing(ctx context.Context, l *models.Listing) error {
	_, err := t.tx.NamedExecContext(ctx, `
		UPDATE listings SET
			name = :name, listing_date = :listing_date, lot_size = :lot_size,
			status = :status, security_type = :security_type, remarks = :remarks,
			url = :url, detail_url = :detail_url, updated_at = :updated_at
		WHERE id = :id`, l)
	return errors.Wrapf(err, "update listing %s", l.Key())
}

// =============================================================================
// Listings
// =============================================================================

func (s *SQLiteStore) UnnotifiedListings(ctx context.Context) ([]models.Listing, error) {
	var listings []models.Listing
	err := s.db.SelectContext(ctx, &listings,
		`SELECT `+listingColumns+` FROM listings WHERE notified = FALSE ORDER BY created_at, id`)
	return listings, errors.Wrap(err, "unnotified listings")
}

func (s *SQLiteStore) MarkNotified(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE listings SET notified = TRUE, updated_at = ? WHERE id = ?`, time.Now().UTC(), id)
	return errors.Wrapf(err, "mark listing %d notified", id)
}

func (s *SQLiteStore) ListListings(ctx context.Context) ([]models.Listing, error) {
	var listings []models.Listing
	err := s.db.SelectContext(ctx, &listings, `SELECT `+listingColumns+` FROM listings ORDER BY exchange_code, symbol`)
	return listings, errors.Wrap(err, "list listings")
}

// =============================================================================
// Notification audit log
// =============================================================================

func (s *SQLiteStore) CreateNotificationLog(ctx context.Context, n *models.NotificationLog) error {
	now := time.Now().UTC()
	n.CreatedAt, n.UpdatedAt = now, now
	res, err := s.db.NamedExecContext(ctx, `
		INSERT INTO notification_logs (notification_type, title, body, status, error, metadata, created_at, updated_at)
		VALUES (:notification_type, :title, :body, :status, :error, :metadata, :created_at, :updated_at)`, n)
	if err != nil {
		return errors.Wrap(err, "create notification log")
	}
	n.ID, err = res.LastInsertId()
	return err
}

func (s *SQLiteStore) UpdateNotificationLog(ctx context.Context, n *models.NotificationLog) error {
	n.UpdatedAt = time.Now().UTC()
	_, err := s.db.NamedExecContext(ctx, `
		UPDATE notification_logs SET status = :status, error = :error, metadata = :metadata, updated_at = :updated_at
		WHERE id = :id`, n)
	return errors.Wrapf(err, "update notification log %d", n.ID)
}

func (s *SQLiteStore) ListNotificationLogs(ctx context.Context) ([]models.NotificationLog, error) {
	var logs []models.NotificationLog
	// metadata is read back as a blob so it scans into json.RawMessage.
	err := s.db.SelectContext(ctx, &logs, `
		SELECT id, notification_type, title, body, status, error,
			CAST(COALESCE(metadata, '') AS BLOB) AS metadata, created_at, updated_at
		FROM notification_logs ORDER BY id`)
	return logs, errors.Wrap(err, "list notification logs")
}

// =============================================================================
// Scan runs
// =============================================================================

func (s *SQLiteStore) CreateScanRun(ctx context.Context, run *models.ScanRun) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO scan_runs (id, filter, trigger_kind, started_at, status)
		VALUES (:id, :filter, :trigger_kind, :started_at, :status)`, run)
	return errors.Wrapf(err, "create scan run %s", run.ID)
}

func (s *SQLiteStore) FinishScanRun(ctx context.Context, run *models.ScanRun) error {
	_, err := s.db.NamedExecContext(ctx, `
		UPDATE scan_runs SET
			finished_at = :finished_at, status = :status, listings_found = :listings_found,
			listings_saved = :listings_saved, listings_new = :listings_new,
			unnotified_sent = :unnotified_sent, errors_count = :errors_count
		WHERE id = :id`, run)
	return errors.Wrapf(err, "finish scan run %s", run.ID)
}

func (s *SQLiteStore) GetScanRun(ctx context.Context, id string) (*models.ScanRun, error) {
	var run models.ScanRun
	err := s.db.GetContext(ctx, &run, `
		SELECT id, filter, trigger_kind, started_at, finished_at, status, listings_found,
			listings_saved, listings_new, unnotified_sent, errors_count
		FROM scan_runs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get scan run %s", id)
	}
	return &run, nil
}

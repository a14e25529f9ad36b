package services

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"stock_scanner/models"
	"stock_scanner/resilience"
	"stock_scanner/storage"
)

func newTestStore(t *testing.T) *storage.SQLiteStore {
	t.Helper()
	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "services.db"))
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func record(exchange, symbol string, lot int) models.Listing {
	return models.Listing{
		Name:         "  Test   " + symbol + " ",
		Symbol:       symbol,
		ListingDate:  time.Date(2025, time.March, 14, 0, 0, 0, 0, time.UTC),
		LotSize:      lot,
		Status:       "New Listing",
		ExchangeCode: exchange,
		SecurityType: "Equity",
	}
}

// failingStore breaks the Nth InsertListing inside a transaction. racedAt
// makes the Nth insert report a row created by a concurrent transaction.
type failingStore struct {
	*storage.SQLiteStore
	failAt  int
	racedAt int
}

func (s *failingStore) InTx(ctx context.Context, fn func(tx storage.ListingTx) error) error {
	return s.SQLiteStore.InTx(ctx, func(tx storage.ListingTx) error {
		return fn(&failingTx{ListingTx: tx, failAt: s.failAt, racedAt: s.racedAt})
	})
}

type failingTx struct {
	storage.ListingTx
	failAt  int
	racedAt int
	inserts int
}

func (t *failingTx) InsertListing(ctx context.Context, l *models.Listing) error {
	t.inserts++
	if t.inserts == t.failAt {
		return errors.New("disk I/O error")
	}
	if t.inserts == t.racedAt {
		return storage.ErrListingExists
	}
	return t.ListingTx.InsertListing(ctx, l)
}

func TestUpsert_InsertsAndNormalizes(t *testing.T) {
	store := newTestStore(t)
	svc := NewListingService(store)

	result := svc.Upsert(context.Background(), []models.Listing{
		record("hkex", " 00001 ", 500),
		record("NASDAQ", "ABC", 100),
	})
	if result.Total != 2 || result.SavedCount != 2 || len(result.NewRecords) != 2 {
		t.Fatalf("unexpected result %+v", result)
	}
	first := result.NewRecords[0]
	if first.ExchangeCode != "HKEX" || first.Symbol != "00001" || first.Name != "Test 00001" {
		t.Fatalf("record not normalized: %+v", first)
	}
	if first.ID == 0 || first.Notified {
		t.Fatalf("new record should have an id and notified=false: %+v", first)
	}
}

func TestUpsert_SymbolCaseIsOneKey(t *testing.T) {
	store := newTestStore(t)
	svc := NewListingService(store)

	result := svc.Upsert(context.Background(), []models.Listing{
		record("NASDAQ", "tba-blue", 100),
		record("NASDAQ", "TBA-Blue", 200),
	})
	if result.SavedCount != 2 || len(result.NewRecords) != 1 {
		t.Fatalf("case variants should share one row: %+v", result)
	}
	rows, _ := store.ListListings(context.Background())
	if len(rows) != 1 || rows[0].Symbol != "TBA-BLUE" || rows[0].LotSize != 200 {
		t.Fatalf("unexpected rows %+v", rows)
	}
}

func TestUpsert_SkipsUnknownExchange(t *testing.T) {
	store := newTestStore(t)
	svc := NewListingService(store)

	result := svc.Upsert(context.Background(), []models.Listing{
		record("TSE", "7203", 100),
		record("FSE", "DE000A1B2C34", 1),
	})
	if result.Total != 2 || result.SavedCount != 1 || result.Skipped != 1 {
		t.Fatalf("unexpected result %+v", result)
	}
	rows, _ := store.ListListings(context.Background())
	if len(rows) != 1 || rows[0].ExchangeCode != "FSE" {
		t.Fatalf("expected only the FSE row, got %+v", rows)
	}
}

func TestUpsert_SkipsInvalidRecords(t *testing.T) {
	store := newTestStore(t)
	svc := NewListingService(store)

	noSymbol := record("HKEX", "", 100)
	zeroLot := record("HKEX", "00002", 0)
	longName := record("HKEX", "00003", 100)
	longName.Name = strings.Repeat("x", 201)

	result := svc.Upsert(context.Background(), []models.Listing{noSymbol, zeroLot, longName, record("HKEX", "00004", 100)})
	if result.SavedCount != 1 || result.Skipped != 3 {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestUpsert_UpdatePreservesNotified(t *testing.T) {
	store := newTestStore(t)
	svc := NewListingService(store)
	ctx := context.Background()

	first := svc.Upsert(ctx, []models.Listing{record("HKEX", "00001", 500)})
	id := first.NewRecords[0].ID
	if n, err := svc.MarkNotified(ctx, []int64{id}); err != nil || n != 1 {
		t.Fatalf("mark failed: %d %v", n, err)
	}

	updated := record("HKEX", "00001", 1000)
	updated.Status = "Trading"
	second := svc.Upsert(ctx, []models.Listing{updated})
	if second.SavedCount != 1 || len(second.NewRecords) != 0 {
		t.Fatalf("re-scrape should update, not insert: %+v", second)
	}

	rows, _ := store.ListListings(ctx)
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	if rows[0].LotSize != 1000 || rows[0].Status != "Trading" || !rows[0].Notified {
		t.Fatalf("unexpected row after update %+v", rows[0])
	}

	pending, _ := svc.Unnotified(ctx)
	if len(pending) != 0 {
		t.Fatalf("updated listing must stay notified, got %d pending", len(pending))
	}
}

func TestUpsert_RollsBackOnStorageError(t *testing.T) {
	base := newTestStore(t)
	svc := NewListingService(&failingStore{SQLiteStore: base, failAt: 2})

	result := svc.Upsert(context.Background(), []models.Listing{
		record("HKEX", "00001", 100),
		record("HKEX", "00002", 100),
	})
	if result.Total != 2 || result.SavedCount != 0 || len(result.NewRecords) != 0 {
		t.Fatalf("expected an empty result, got %+v", result)
	}
	rows, _ := base.ListListings(context.Background())
	if len(rows) != 0 {
		t.Fatalf("failed batch should leave no rows, got %d", len(rows))
	}
}

func TestUpsert_ConcurrentInsertIsNotNew(t *testing.T) {
	base := newTestStore(t)
	svc := NewListingService(&failingStore{SQLiteStore: base, racedAt: 1})

	result := svc.Upsert(context.Background(), []models.Listing{
		record("HKEX", "00001", 100),
		record("HKEX", "00002", 100),
	})
	if result.SavedCount != 2 {
		t.Fatalf("batch should not roll back, got %+v", result)
	}
	if len(result.NewRecords) != 1 || result.NewRecords[0].Symbol != "00002" {
		t.Fatalf("only the uncontended insert is new, got %+v", result.NewRecords)
	}
}

func TestHealthcheck_ReportsBreakersAndBacklog(t *testing.T) {
	store := newTestStore(t)
	svc := NewListingService(store)
	svc.Upsert(context.Background(), []models.Listing{record("HKEX", "00001", 100)})

	open := resilience.NewCircuitBreaker("hkex", resilience.BreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Minute})
	closed := resilience.NewCircuitBreaker("fse", resilience.BreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Minute})
	open.RecordFailure()

	health := NewHealthcheckService(store, func() []*resilience.CircuitBreaker {
		return []*resilience.CircuitBreaker{open, closed}
	})
	report := health.Check(context.Background())
	if report.Status != "degraded" {
		t.Fatalf("expected degraded, got %s", report.Status)
	}
	if report.Backlog != 1 {
		t.Fatalf("expected backlog 1, got %d", report.Backlog)
	}
	if report.Breakers["hkex"] != string(resilience.StateOpen) || report.Breakers["fse"] != string(resilience.StateClosed) {
		t.Fatalf("unexpected breakers %v", report.Breakers)
	}
}

func TestHealthcheck_UnhealthyWhenStoreClosed(t *testing.T) {
	store := newTestStore(t)
	store.Close()

	report := NewHealthcheckService(store, nil).Check(context.Background())
	if report.Status != "unhealthy" || report.Error == "" {
		t.Fatalf("expected unhealthy report, got %+v", report)
	}
}

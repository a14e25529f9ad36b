package services

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"

	"stock_scanner/identity"
	"stock_scanner/logging"
	"stock_scanner/models"
	"stock_scanner/storage"
)

// ListingService owns the listing lifecycle: batch upsert, the unnotified
// backlog and the notified flag.
type ListingService struct {
	store     storage.Store
	validate  *validator.Validate
	now       func() time.Time
	notifying chan struct{}
}

func NewListingService(store storage.Store) *ListingService {
	return &ListingService{
		store:     store,
		validate:  validator.New(),
		now:       time.Now,
		notifying: make(chan struct{}, 1),
	}
}

// Upsert saves a batch in one transaction. Records with an unknown exchange
// or failing validation are skipped. An existing (exchange, symbol) row is
// updated in place and keeps its notified flag; a new one is inserted with
// notified=false and reported in NewRecords. Any storage error rolls the whole
// batch back and yields an empty result.
func (s *ListingService) Upsert(ctx context.Context, records []models.Listing) models.UpsertResult {
	result := models.UpsertResult{Total: len(records)}
	if len(records) == 0 {
		return result
	}
	log := logging.Get()

	// Exchanges are processed in order of first appearance.
	var order []string
	groups := make(map[string][]models.Listing)
	for _, rec := range records {
		code := identity.NormalizeExchange(rec.ExchangeCode)
		if _, seen := groups[code]; !seen {
			order = append(order, code)
		}
		rec.ExchangeCode = code
		rec.Symbol = identity.NormalizeSymbol(rec.Symbol)
		rec.Name = identity.NormalizeName(rec.Name)
		groups[code] = append(groups[code], rec)
	}

	var (
		saved   int
		skipped int
		created []models.Listing
	)
	err := s.store.InTx(ctx, func(tx storage.ListingTx) error {
		for _, code := range order {
			batch := groups[code]
			exchange, known := models.KnownExchanges[code]
			if !known {
				log.Warnw("skipping listings for unknown exchange", "exchange", code, "count", len(batch))
				skipped += len(batch)
				continue
			}
			if err := ensureExchange(ctx, tx, exchange); err != nil {
				return err
			}

			for _, rec := range batch {
				if err := s.validate.Struct(rec); err != nil {
					log.Warnw("skipping invalid listing", "key", rec.Key(), "error", err)
					skipped++
					continue
				}

				now := s.now().UTC()
				existing, err := tx.ListingByKey(ctx, code, rec.Symbol)
				if err != nil {
					return err
				}
				if existing != nil {
					existing.Name = rec.Name
					existing.ListingDate = rec.ListingDate
					existing.LotSize = rec.LotSize
					existing.Status = rec.Status
					existing.SecurityType = rec.SecurityType
					existing.Remarks = rec.Remarks
					existing.URL = rec.URL
					existing.DetailURL = rec.DetailURL
					existing.UpdatedAt = now
					if err := tx.UpdateListing(ctx, existing); err != nil {
						return err
					}
					saved++
					continue
				}

				rec.ID = 0
				rec.Notified = false
				rec.CreatedAt = now
				rec.UpdatedAt = now
				if err := tx.InsertListing(ctx, &rec); err != nil {
					if errors.Is(err, storage.ErrListingExists) {
						saved++
						continue
					}
					return err
				}
				saved++
				created = append(created, rec)
			}
		}
		return nil
	})
	if err != nil {
		log.Errorw("listing upsert rolled back", "records", len(records), "error", err)
		return models.UpsertResult{Total: len(records)}
	}

	result.SavedCount = saved
	result.Skipped = skipped
	result.NewRecords = created
	return result
}

func ensureExchange(ctx context.Context, tx storage.ListingTx, exchange models.Exchange) error {
	existing, err := tx.ExchangeByCode(ctx, exchange.Code)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}
	logging.Get().Infow("registering exchange", "exchange", exchange.Code)
	return tx.CreateExchange(ctx, &exchange)
}

// LockNotifications serializes the read, send and mark steps of every scan
// sharing this service, so a listing read as unnotified by one scan is not
// sent again by another. The returned func releases the lock.
func (s *ListingService) LockNotifications(ctx context.Context) (func(), error) {
	select {
	case s.notifying <- struct{}{}:
		return func() { <-s.notifying }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Unnotified returns listings never delivered, oldest first.
func (s *ListingService) Unnotified(ctx context.Context) ([]models.Listing, error) {
	return s.store.UnnotifiedListings(ctx)
}

// MarkNotified flags the given listings and returns how many were updated.
// It stops at the first storage error.
func (s *ListingService) MarkNotified(ctx context.Context, ids []int64) (int, error) {
	marked := 0
	for _, id := range ids {
		if err := s.store.MarkNotified(ctx, id); err != nil {
			return marked, errors.Wrapf(err, "after %d of %d", marked, len(ids))
		}
		marked++
	}
	return marked, nil
}

package ledger

import (
	"context"
	"errors"
	"strings"
	"time"

	"lumora-core/pkg/errutil"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	db   *gorm.DB
	node *snowflake.Node
}

type ServiceParams struct {
	fx.In
	DB   *gorm.DB
	Node *snowflake.Node
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:   p.DB,
		node: p.Node,
	}
}

// ComputeSplit divides price into the platform fee and the author earnings
// using round-half-up to two decimals. fee + earnings == price always holds
// because earnings is derived by subtraction, never rounded independently.
func ComputeSplit(price, rate decimal.Decimal) (fee, earnings decimal.Decimal) {
	fee = price.Mul(rate).Round(2)
	earnings = price.Sub(fee)
	return fee, earnings
}

// BookEarning records the author's earnings for an approved order exactly
// once. A repeated call for the same order is absorbed as a no-op and
// returns the existing entry: approve is retried after transient faults and
// must never double-credit.
func (s *Service) BookEarning(ctx context.Context, orderID, authorID string, amount decimal.Decimal, description string) (*LedgerEntry, error) {
	ref := EarningReference(orderID)

	// fast path: already booked
	if existing, err := s.findByReference(ctx, ref); err == nil && existing != nil {
		zap.L().Debug("earning already booked",
			zap.String("order_id", orderID),
			zap.String("entry_id", existing.ID),
		)
		return existing, nil
	}

	entry := &LedgerEntry{
		ID:          s.node.Generate().String(),
		AuthorID:    authorID,
		OrderID:     &orderID,
		Type:        EntryTypeEarning,
		Amount:      amount,
		Status:      EntryStatusPending,
		Description: description,
		ReferenceID: &ref,
		CreatedAt:   time.Now().UTC(),
	}

	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		if isUniqueViolation(err) {
			// lost the race against a concurrent booking; that one won
			existing, ferr := s.findByReference(ctx, ref)
			if ferr != nil || existing == nil {
				return nil, errutil.Internal("earning booked concurrently but not found", errutil.WithErr(ferr))
			}
			zap.L().Debug("earning booking raced, keeping winner",
				zap.String("order_id", orderID),
				zap.String("entry_id", existing.ID),
			)
			return existing, nil
		}
		return nil, errutil.Transient("failed to book earning", errutil.WithErr(err))
	}

	zap.L().Info("earning booked",
		zap.String("order_id", orderID),
		zap.String("author_id", authorID),
		zap.String("amount", amount.StringFixed(2)),
	)

	return entry, nil
}

// BookAdjustment appends a manual correction for an author. Adjustments have
// no idempotency key; each call is a distinct fact.
func (s *Service) BookAdjustment(ctx context.Context, authorID string, amount decimal.Decimal, description string) (*LedgerEntry, error) {
	entry := &LedgerEntry{
		ID:          s.node.Generate().String(),
		AuthorID:    authorID,
		Type:        EntryTypeAdjustment,
		Amount:      amount,
		Status:      EntryStatusPending,
		Description: description,
		CreatedAt:   time.Now().UTC(),
	}

	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return nil, errutil.Transient("failed to book adjustment", errutil.WithErr(err))
	}
	return entry, nil
}

// PendingBalance is the sum of the author's pending earning and adjustment
// entries. Amounts are summed in Go to keep decimal arithmetic exact across
// dialects.
func (s *Service) PendingBalance(ctx context.Context, authorID string) (decimal.Decimal, error) {
	var entries []LedgerEntry
	if err := s.db.WithContext(ctx).
		Where("author_id = ? AND status = ? AND type IN ?", authorID, EntryStatusPending, []string{EntryTypeEarning, EntryTypeAdjustment}).
		Find(&entries).Error; err != nil {
		return decimal.Zero, errutil.Transient("failed to query pending balance", errutil.WithErr(err))
	}
	return sumAmounts(entries), nil
}

// TotalEarned is the lifetime sum of earning entries regardless of status.
func (s *Service) TotalEarned(ctx context.Context, authorID string) (decimal.Decimal, error) {
	var entries []LedgerEntry
	if err := s.db.WithContext(ctx).
		Where("author_id = ? AND type = ?", authorID, EntryTypeEarning).
		Find(&entries).Error; err != nil {
		return decimal.Zero, errutil.Transient("failed to query total earned", errutil.WithErr(err))
	}
	return sumAmounts(entries), nil
}

// TotalPaid is the sum already released through payout batches, reported as
// a positive number.
func (s *Service) TotalPaid(ctx context.Context, authorID string) (decimal.Decimal, error) {
	var entries []LedgerEntry
	if err := s.db.WithContext(ctx).
		Where("author_id = ? AND type = ?", authorID, EntryTypePayout).
		Find(&entries).Error; err != nil {
		return decimal.Zero, errutil.Transient("failed to query total paid", errutil.WithErr(err))
	}
	return sumAmounts(entries).Neg(), nil
}

// ListEntries returns the author's entries, newest first.
func (s *Service) ListEntries(ctx context.Context, authorID string) ([]LedgerEntry, error) {
	var entries []LedgerEntry
	if err := s.db.WithContext(ctx).
		Where("author_id = ?", authorID).
		Order("created_at DESC").
		Find(&entries).Error; err != nil {
		return nil, errutil.Transient("failed to list ledger entries", errutil.WithErr(err))
	}
	return entries, nil
}

// RecordPayoutBatch settles the author's pending earnings for one period
// ("2006-01"). It flips every pending earning/adjustment created before the
// period's end to paid and appends a single negative payout entry carrying
// the auditable batch id. Re-running a period is a no-op.
func (s *Service) RecordPayoutBatch(ctx context.Context, authorID, period string) (*LedgerEntry, error) {
	periodStart, err := time.Parse("2006-01", period)
	if err != nil {
		return nil, errutil.ValidationFailed("period must look like 2006-01", errutil.WithErr(err))
	}
	periodEnd := periodStart.AddDate(0, 1, 0)

	batchID := PayoutBatchID(authorID, period)

	var payout *LedgerEntry
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing LedgerEntry
		err := tx.Where("reference_id = ?", batchID).First(&existing).Error
		if err == nil {
			zap.L().Info("payout batch already recorded", zap.String("batch_id", batchID))
			payout = &existing
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		var pending []LedgerEntry
		if err := tx.
			Where("author_id = ? AND status = ? AND type IN ? AND created_at < ?",
				authorID, EntryStatusPending, []string{EntryTypeEarning, EntryTypeAdjustment}, periodEnd).
			Find(&pending).Error; err != nil {
			return err
		}

		if len(pending) == 0 {
			zap.L().Info("no pending entries for payout batch", zap.String("batch_id", batchID))
			return nil
		}

		total := sumAmounts(pending)

		ids := make([]string, 0, len(pending))
		for _, e := range pending {
			ids = append(ids, e.ID)
		}
		if err := tx.Model(&LedgerEntry{}).
			Where("id IN ?", ids).
			Updates(map[string]any{"status": EntryStatusPaid, "batch_id": batchID}).Error; err != nil {
			return err
		}

		ref := batchID
		payout = &LedgerEntry{
			ID:          s.node.Generate().String(),
			AuthorID:    authorID,
			Type:        EntryTypePayout,
			Amount:      total.Neg(),
			Status:      EntryStatusPaid,
			Description: "Payout for period " + period,
			ReferenceID: &ref,
			BatchID:     batchID,
			CreatedAt:   time.Now().UTC(),
		}
		return tx.Create(payout).Error
	})
	if err != nil {
		if isUniqueViolation(err) {
			// concurrent batch run: the other one committed
			return s.findByReference(ctx, batchID)
		}
		return nil, errutil.Transient("failed to record payout batch", errutil.WithErr(err))
	}

	if payout != nil {
		zap.L().Info("payout batch recorded",
			zap.String("batch_id", batchID),
			zap.String("amount", payout.Amount.StringFixed(2)),
		)
	}
	return payout, nil
}

// AuthorsWithPendingBalance lists authors owed money, used by the payout run.
func (s *Service) AuthorsWithPendingBalance(ctx context.Context) ([]string, error) {
	var authors []string
	if err := s.db.WithContext(ctx).Model(&LedgerEntry{}).
		Distinct("author_id").
		Where("status = ? AND type IN ?", EntryStatusPending, []string{EntryTypeEarning, EntryTypeAdjustment}).
		Pluck("author_id", &authors).Error; err != nil {
		return nil, errutil.Transient("failed to list authors with pending balance", errutil.WithErr(err))
	}
	return authors, nil
}

func (s *Service) findByReference(ctx context.Context, ref string) (*LedgerEntry, error) {
	var entry LedgerEntry
	err := s.db.WithContext(ctx).Where("reference_id = ?", ref).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func sumAmounts(entries []LedgerEntry) decimal.Decimal {
	total := decimal.Zero
	for _, e := range entries {
		total = total.Add(e.Amount)
	}
	return total
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value")
}

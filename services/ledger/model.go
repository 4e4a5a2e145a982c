package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

const (
	EntryTypeEarning    = "earning"
	EntryTypePayout     = "payout"
	EntryTypeAdjustment = "adjustment"
)

const (
	EntryStatusPending = "pending"
	EntryStatusPaid    = "paid"
)

// LedgerEntry is one append-only financial fact for an author. Entries are
// never updated except for the pending->paid flip applied by a payout batch.
type LedgerEntry struct {
	ID          string          `gorm:"column:id;primaryKey"`
	AuthorID    string          `gorm:"column:author_id;index"`
	OrderID     *string         `gorm:"column:order_id"`
	Type        string          `gorm:"column:type"`
	Amount      decimal.Decimal `gorm:"column:amount;type:decimal(20,2)"`
	Status      string          `gorm:"column:status"`
	Description string          `gorm:"column:description"`
	// ReferenceID is the idempotency key: "earning:{orderID}" for earnings,
	// the batch id for payouts. The unique index is what makes booking safe
	// under at-least-once retries; the pre-check is only a fast path.
	ReferenceID *string   `gorm:"column:reference_id;uniqueIndex"`
	BatchID     string    `gorm:"column:batch_id;index"`
	CreatedAt   time.Time `gorm:"column:created_at"`
}

// EarningReference builds the idempotency key for an order's earning entry.
func EarningReference(orderID string) string {
	return fmt.Sprintf("earning:%s", orderID)
}

// PayoutBatchID builds the auditable batch id for one author and period
// (period format "2006-01"). Re-running the same period reuses the same id.
func PayoutBatchID(authorID, period string) string {
	return fmt.Sprintf("PB-%s-%s", authorID, period)
}

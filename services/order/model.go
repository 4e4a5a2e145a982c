package order

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

const (
	StatusPending        = "pending"
	StatusPendingPayment = "pending_payment"
	StatusPaid           = "paid"
	StatusInProgress     = "in_progress"
	StatusDelivered      = "delivered"
	StatusApproved       = "approved"
	StatusDisputed       = "disputed"
	StatusCancelled      = "cancelled"
	StatusRefunded       = "refunded"
)

// Attachment is one delivered file reference. The bytes live in external
// storage; only the url travels with the order.
type Attachment struct {
	URL      string `json:"url"`
	Name     string `json:"name"`
	MimeType string `json:"mime_type,omitempty"`
}

// Order is the escrow agreement between a client and a service author. The
// financial snapshot (price, rate, fee, earnings) is fixed at creation and
// never rewritten by any transition.
type Order struct {
	ID        string `gorm:"column:id;primaryKey"`
	Code      string `gorm:"column:code;uniqueIndex"`
	ServiceID string `gorm:"column:service_id;index"`
	AuthorID  string `gorm:"column:author_id;index"`
	ClientID  string `gorm:"column:client_id;index"`

	PriceSnapshot  decimal.Decimal `gorm:"column:price_snapshot;type:decimal(20,2)"`
	CommissionRate decimal.Decimal `gorm:"column:commission_rate;type:decimal(6,4)"`
	PlatformFee    decimal.Decimal `gorm:"column:platform_fee;type:decimal(20,2)"`
	AuthorEarnings decimal.Decimal `gorm:"column:author_earnings;type:decimal(20,2)"`

	Status              string         `gorm:"column:status;index"`
	DeliveryWindowDays  int            `gorm:"column:delivery_window_days"`
	DeadlineAt          *time.Time     `gorm:"column:deadline_at"`
	DeadlineNotified    bool           `gorm:"column:deadline_notified"`
	ClientNote          string         `gorm:"column:client_note"`
	AuthorResponse      string         `gorm:"column:author_response"`
	PaymentProofURL     string         `gorm:"column:payment_proof_url"`
	DeliveryNote        string         `gorm:"column:delivery_note"`
	DeliveryAttachments datatypes.JSON `gorm:"column:delivery_attachments"`

	DisputeReason   string `gorm:"column:dispute_reason"`
	DisputeOpenedBy string `gorm:"column:dispute_opened_by"`

	ClientRating      int    `gorm:"column:client_rating"`
	ClientReview      string `gorm:"column:client_review"`
	HasRecommendation bool   `gorm:"column:has_recommendation"`

	CreatedAt   time.Time  `gorm:"column:created_at"`
	PaidAt      *time.Time `gorm:"column:paid_at"`
	DeliveredAt *time.Time `gorm:"column:delivered_at"`
	CompletedAt *time.Time `gorm:"column:completed_at"`
	CancelledAt *time.Time `gorm:"column:cancelled_at"`
	RefundedAt  *time.Time `gorm:"column:refunded_at"`
}

// IsTerminal reports whether no further transition can leave this status.
func IsTerminal(status string) bool {
	switch status {
	case StatusApproved, StatusCancelled, StatusRefunded:
		return true
	}
	return false
}

// IsParticipant reports whether userID is the client or the author.
func (o *Order) IsParticipant(userID string) bool {
	return userID == o.ClientID || userID == o.AuthorID
}

// OtherParticipant returns the counterpart of userID on this order.
func (o *Order) OtherParticipant(userID string) string {
	if userID == o.ClientID {
		return o.AuthorID
	}
	return o.ClientID
}

// Attachments decodes the stored delivery attachments.
func (o *Order) Attachments() ([]Attachment, error) {
	if len(o.DeliveryAttachments) == 0 {
		return nil, nil
	}
	var out []Attachment
	if err := json.Unmarshal(o.DeliveryAttachments, &out); err != nil {
		return nil, err
	}
	return out, nil
}

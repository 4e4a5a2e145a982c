package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"lumora-core/pkg/errutil"
	"lumora-core/services/collab"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Machine owns the order state transitions. Every transition is a guarded
// compare-and-set: the UPDATE matches on the expected source statuses, and
// zero affected rows means another actor got there first. The loser sees an
// invalid-state error and nothing else changes.
type Machine struct {
	db *gorm.DB
}

type MachineParams struct {
	fx.In

	DB *gorm.DB
}

func NewMachine(p MachineParams) *Machine {
	return &Machine{db: p.DB}
}

func (m *Machine) Insert(ctx context.Context, o *Order) error {
	if err := m.db.WithContext(ctx).Create(o).Error; err != nil {
		return errutil.Transient("failed to create order", errutil.WithErr(err))
	}
	return nil
}

func (m *Machine) Get(ctx context.Context, orderID string) (*Order, error) {
	var o Order
	err := m.db.WithContext(ctx).Where("id = ?", orderID).First(&o).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errutil.NotFound("order not found")
	}
	if err != nil {
		return nil, errutil.Transient("failed to load order", errutil.WithErr(err))
	}
	return &o, nil
}

// ListByUser returns the orders where userID is a participant, newest first.
func (m *Machine) ListByUser(ctx context.Context, userID string) ([]Order, error) {
	var orders []Order
	if err := m.db.WithContext(ctx).
		Where("client_id = ? OR author_id = ?", userID, userID).
		Order("created_at DESC").
		Find(&orders).Error; err != nil {
		return nil, errutil.Transient("failed to list orders", errutil.WithErr(err))
	}
	return orders, nil
}

// SubmitPaymentProof records the client's transfer screenshot and parks the
// order until a verifier (or the client, where allowed) confirms.
func (m *Machine) SubmitPaymentProof(ctx context.Context, clientID, orderID, proofURL string) (*Order, error) {
	if proofURL == "" {
		return nil, errutil.ValidationFailed("payment proof url is required")
	}

	o, err := m.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.ClientID != clientID {
		return nil, errutil.Forbidden("only the client can submit payment proof")
	}

	return m.transition(ctx, orderID, []string{StatusPending}, StatusPendingPayment, map[string]any{
		"payment_proof_url": proofURL,
	})
}

// ConfirmPayment moves the order into escrow and starts the delivery clock.
// The deadline is derived here and nowhere else.
func (m *Machine) ConfirmPayment(ctx context.Context, actor collab.Actor, orderID string, allowClientConfirm bool) (*Order, error) {
	o, err := m.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}

	isVerifier := actor.HasRole(collab.RolePaymentVerifier)
	isClient := actor.ID == o.ClientID
	if !isVerifier && !(allowClientConfirm && isClient) {
		return nil, errutil.Forbidden("payment confirmation requires the verifier role")
	}

	now := time.Now().UTC()
	deadline := now.AddDate(0, 0, o.DeliveryWindowDays)

	return m.transition(ctx, orderID, []string{StatusPending, StatusPendingPayment}, StatusPaid, map[string]any{
		"paid_at":     now,
		"deadline_at": deadline,
	})
}

// StartWork is the author's acknowledgement. Optional; Deliver is reachable
// straight from paid as well.
func (m *Machine) StartWork(ctx context.Context, authorID, orderID, response string) (*Order, error) {
	o, err := m.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.AuthorID != authorID {
		return nil, errutil.Forbidden("only the author can start work")
	}

	updates := map[string]any{}
	if response != "" {
		updates["author_response"] = response
	}
	return m.transition(ctx, orderID, []string{StatusPaid}, StatusInProgress, updates)
}

func (m *Machine) Deliver(ctx context.Context, authorID, orderID, note string, files []Attachment) (*Order, error) {
	if note == "" {
		return nil, errutil.ValidationFailed("delivery note is required",
			errutil.WithDetails(errutil.Detail{Field: "note", Message: "must not be empty"}))
	}

	o, err := m.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.AuthorID != authorID {
		return nil, errutil.Forbidden("only the author can deliver")
	}

	updates := map[string]any{
		"delivery_note": note,
		"delivered_at":  time.Now().UTC(),
	}
	if len(files) > 0 {
		raw, err := json.Marshal(files)
		if err != nil {
			return nil, errutil.ValidationFailed("invalid delivery attachments", errutil.WithErr(err))
		}
		updates["delivery_attachments"] = raw
	}

	return m.transition(ctx, orderID, []string{StatusPaid, StatusInProgress}, StatusDelivered, updates)
}

func (m *Machine) Approve(ctx context.Context, clientID, orderID string, rating int, review string) (*Order, error) {
	if rating < 1 || rating > 5 {
		return nil, errutil.ValidationFailed("rating must be between 1 and 5",
			errutil.WithDetails(errutil.Detail{Field: "rating", Message: "out of range"}))
	}

	o, err := m.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.ClientID != clientID {
		return nil, errutil.Forbidden("only the client can approve")
	}

	return m.transition(ctx, orderID, []string{StatusDelivered}, StatusApproved, map[string]any{
		"completed_at":       time.Now().UTC(),
		"client_rating":      rating,
		"client_review":      review,
		"has_recommendation": rating >= 4 && review != "",
	})
}

func (m *Machine) OpenDispute(ctx context.Context, actorID, orderID, reason string) (*Order, error) {
	if reason == "" {
		return nil, errutil.ValidationFailed("dispute reason is required")
	}

	o, err := m.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !o.IsParticipant(actorID) {
		return nil, errutil.Forbidden("only a participant can open a dispute")
	}

	return m.transition(ctx, orderID, []string{StatusPaid, StatusInProgress, StatusDelivered}, StatusDisputed, map[string]any{
		"dispute_reason":    reason,
		"dispute_opened_by": actorID,
	})
}

func (m *Machine) Cancel(ctx context.Context, actorID, orderID string) (*Order, error) {
	o, err := m.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !o.IsParticipant(actorID) {
		return nil, errutil.Forbidden("only a participant can cancel")
	}

	return m.transition(ctx, orderID, []string{StatusPending, StatusPendingPayment}, StatusCancelled, map[string]any{
		"cancelled_at": time.Now().UTC(),
	})
}

func (m *Machine) Refund(ctx context.Context, actor collab.Actor, orderID string) (*Order, error) {
	if !actor.HasRole(collab.RolePaymentVerifier) && !actor.HasRole(collab.RoleAdmin) {
		return nil, errutil.Forbidden("refund requires the verifier role")
	}

	if _, err := m.Get(ctx, orderID); err != nil {
		return nil, err
	}

	return m.transition(ctx, orderID, []string{StatusDisputed, StatusPaid, StatusInProgress}, StatusRefunded, map[string]any{
		"refunded_at": time.Now().UTC(),
	})
}

// Overdue returns in-escrow orders whose delivery deadline has passed and
// that have not been flagged yet.
func (m *Machine) Overdue(ctx context.Context, now time.Time) ([]Order, error) {
	var orders []Order
	if err := m.db.WithContext(ctx).
		Where("status IN ? AND deadline_at < ? AND deadline_notified = ?",
			[]string{StatusPaid, StatusInProgress}, now, false).
		Find(&orders).Error; err != nil {
		return nil, errutil.Transient("failed to query overdue orders", errutil.WithErr(err))
	}
	return orders, nil
}

// MarkDeadlineNotified records that the overdue flag has been raised so the
// sweep does not repeat itself.
func (m *Machine) MarkDeadlineNotified(ctx context.Context, orderID string) error {
	return m.db.WithContext(ctx).Model(&Order{}).
		Where("id = ?", orderID).
		Update("deadline_notified", true).Error
}

func (m *Machine) transition(ctx context.Context, orderID string, from []string, to string, updates map[string]any) (*Order, error) {
	updates["status"] = to

	res := m.db.WithContext(ctx).Model(&Order{}).
		Where("id = ? AND status IN ?", orderID, from).
		Updates(updates)
	if res.Error != nil {
		return nil, errutil.Transient("failed to update order", errutil.WithErr(res.Error))
	}

	if res.RowsAffected == 0 {
		// either the order vanished or someone else moved it first
		current, err := m.Get(ctx, orderID)
		if err != nil {
			return nil, err
		}
		return nil, errutil.InvalidState(
			fmt.Sprintf("order cannot move to %s from %s", to, current.Status))
	}

	o, err := m.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}

	zap.L().Info("order transitioned",
		zap.String("order_id", orderID),
		zap.String("status", to),
	)
	return o, nil
}

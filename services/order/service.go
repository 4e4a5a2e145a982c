package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"lumora-core/pkg/config"
	"lumora-core/pkg/errutil"
	"lumora-core/pkg/sequence"
	"lumora-core/services/collab"
	"lumora-core/services/ledger"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Announcer posts system notices into the order's negotiation channel. The
// chat service implements it; keeping the contract here avoids a package
// cycle between orders and chat.
type Announcer interface {
	SendSystem(ctx context.Context, orderID, content string) error
}

// Service is the façade over the state machine. It snapshots catalog data at
// creation, books earnings on approval and narrates transitions into the
// order channel.
type Service struct {
	machine   *Machine
	ledger    *ledger.Service
	announcer Announcer
	catalog   collab.Catalog
	payments  collab.Payments
	seq       sequence.Generator
	node      *snowflake.Node
	cfg       *config.Config
}

type ServiceParams struct {
	fx.In

	Machine   *Machine
	Ledger    *ledger.Service
	Announcer Announcer
	Catalog   collab.Catalog
	Payments  collab.Payments
	Sequence  sequence.Generator
	Node      *snowflake.Node
	Config    *config.Config
}

func NewService(p ServiceParams) *Service {
	return &Service{
		machine:   p.Machine,
		ledger:    p.Ledger,
		announcer: p.Announcer,
		catalog:   p.Catalog,
		payments:  p.Payments,
		seq:       p.Sequence,
		node:      p.Node,
		cfg:       p.Config,
	}
}

// Create opens a new order in pending. Price, commission rate and delivery
// window are copied from the catalog snapshot at this moment; later catalog
// edits never touch existing orders.
func (s *Service) Create(ctx context.Context, clientID, serviceID, clientNote string) (*Order, error) {
	if clientID == "" || serviceID == "" {
		return nil, errutil.ValidationFailed("client id and service id are required")
	}

	snap, err := s.catalog.GetService(ctx, serviceID)
	if errors.Is(err, collab.ErrServiceNotFound) {
		return nil, errutil.NotFound("service not found", errutil.WithErr(err))
	}
	if err != nil {
		// a collaborator fault is retryable, an unknown service is not
		return nil, errutil.Transient("failed to load service snapshot", errutil.WithErr(err))
	}
	if snap.AuthorID == clientID {
		return nil, errutil.ValidationFailed("cannot order your own service")
	}
	if !snap.Price.IsPositive() {
		return nil, errutil.ValidationFailed("service has no valid price")
	}

	rate := snap.CommissionRate
	if rate.IsZero() {
		rate = decimal.NewFromFloat(s.cfg.Commission.DefaultRate)
	}
	fee, earnings := ledger.ComputeSplit(snap.Price, rate)

	code, err := s.seq.NextOrderCode(ctx)
	if err != nil {
		return nil, errutil.Transient("failed to mint order code", errutil.WithErr(err))
	}

	o := &Order{
		ID:                 s.node.Generate().String(),
		Code:               code,
		ServiceID:          serviceID,
		AuthorID:           snap.AuthorID,
		ClientID:           clientID,
		PriceSnapshot:      snap.Price,
		CommissionRate:     rate,
		PlatformFee:        fee,
		AuthorEarnings:     earnings,
		Status:             StatusPending,
		DeliveryWindowDays: snap.DeliveryDays,
		ClientNote:         clientNote,
		CreatedAt:          time.Now().UTC(),
	}
	if err := s.machine.Insert(ctx, o); err != nil {
		return nil, err
	}

	zap.L().Info("order created",
		zap.String("order_id", o.ID),
		zap.String("code", o.Code),
		zap.String("client_id", clientID),
		zap.String("author_id", o.AuthorID),
		zap.String("price", o.PriceSnapshot.StringFixed(2)),
	)
	return o, nil
}

func (s *Service) Get(ctx context.Context, actorID, orderID string) (*Order, error) {
	o, err := s.machine.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !o.IsParticipant(actorID) {
		return nil, errutil.Forbidden("not a participant of this order")
	}
	return o, nil
}

func (s *Service) ListByUser(ctx context.Context, userID string) ([]Order, error) {
	return s.machine.ListByUser(ctx, userID)
}

func (s *Service) SubmitPaymentProof(ctx context.Context, clientID, orderID, proofURL string) (*Order, error) {
	return s.machine.SubmitPaymentProof(ctx, clientID, orderID, proofURL)
}

func (s *Service) ConfirmPayment(ctx context.Context, actor collab.Actor, orderID string) (*Order, error) {
	o, err := s.machine.ConfirmPayment(ctx, actor, orderID, s.cfg.Payments.AllowClientConfirm)
	if err != nil {
		return nil, err
	}

	s.announce(ctx, o.ID, fmt.Sprintf("Payment confirmed. Delivery is due by %s.",
		o.DeadlineAt.Format("Jan 2, 2006")))
	return o, nil
}

func (s *Service) StartWork(ctx context.Context, authorID, orderID, response string) (*Order, error) {
	o, err := s.machine.StartWork(ctx, authorID, orderID, response)
	if err != nil {
		return nil, err
	}

	s.announce(ctx, o.ID, "The author has started working on your order.")
	return o, nil
}

func (s *Service) Deliver(ctx context.Context, authorID, orderID, note string, files []Attachment) (*Order, error) {
	o, err := s.machine.Deliver(ctx, authorID, orderID, note, files)
	if err != nil {
		return nil, err
	}

	s.announce(ctx, o.ID, "The author has delivered the work. Please review and approve.")
	return o, nil
}

// Approve completes the order and releases the author's earnings into the
// ledger. Booking is idempotent, and a retried approve that finds the order
// already approved by the same client re-runs the booking instead of failing,
// so a crash between the transition and the booking cannot strand the money.
func (s *Service) Approve(ctx context.Context, clientID, orderID string, rating int, review string) (*Order, error) {
	newlyApproved := true
	o, err := s.machine.Approve(ctx, clientID, orderID, rating, review)
	if err != nil {
		if !errutil.IsStatus(err, errutil.StatusInvalidState) {
			return nil, err
		}
		current, gerr := s.machine.Get(ctx, orderID)
		if gerr != nil || current.Status != StatusApproved || current.ClientID != clientID {
			return nil, err
		}
		o = current
		newlyApproved = false
	}

	if _, err := s.ledger.BookEarning(ctx, o.ID, o.AuthorID, o.AuthorEarnings,
		fmt.Sprintf("Earnings for order %s", o.Code)); err != nil {
		return nil, err
	}

	// a retried approve repairs the booking but does not repeat the notice
	if newlyApproved {
		s.announce(ctx, o.ID, "The order has been approved and completed.")
	}
	return o, nil
}

func (s *Service) OpenDispute(ctx context.Context, actorID, orderID, reason string) (*Order, error) {
	o, err := s.machine.OpenDispute(ctx, actorID, orderID, reason)
	if err != nil {
		return nil, err
	}

	s.announce(ctx, o.ID, "A dispute has been opened: "+reason)
	return o, nil
}

func (s *Service) Cancel(ctx context.Context, actorID, orderID string) (*Order, error) {
	return s.machine.Cancel(ctx, actorID, orderID)
}

// Refund marks the order refunded and hands the actual money movement to the
// payments collaborator.
func (s *Service) Refund(ctx context.Context, actor collab.Actor, orderID string) (*Order, error) {
	o, err := s.machine.Refund(ctx, actor, orderID)
	if err != nil {
		return nil, err
	}

	if err := s.payments.Refund(ctx, orderID); err != nil {
		// status already moved; the credit must be retried out of band
		zap.L().Error("refund credit failed",
			zap.String("order_id", orderID),
			zap.Error(err),
		)
		return o, errutil.Transient("order refunded but credit failed", errutil.WithErr(err))
	}

	s.announce(ctx, o.ID, "The order has been refunded.")
	return o, nil
}

func (s *Service) announce(ctx context.Context, orderID, content string) {
	if err := s.announcer.SendSystem(ctx, orderID, content); err != nil {
		zap.L().Warn("failed to post system message",
			zap.String("order_id", orderID),
			zap.Error(err),
		)
	}
}

package order

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"lumora-core/pkg/config"
	"lumora-core/pkg/errutil"
	"lumora-core/services/collab"
	"lumora-core/services/collab/fake"
	"lumora-core/services/ledger"
	"lumora-core/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type seqStub struct{ n int }

func (s *seqStub) NextOrderCode(context.Context) (string, error) {
	s.n++
	return fmt.Sprintf("ORD-TEST-%03d", s.n), nil
}

type announcerStub struct{ posted []string }

func (a *announcerStub) SendSystem(_ context.Context, orderID, content string) error {
	a.posted = append(a.posted, content)
	return nil
}

type orderEnv struct {
	svc       *Service
	machine   *Machine
	ledger    *ledger.Service
	catalog   *fake.Catalog
	payments  *fake.Payments
	announcer *announcerStub
	cfg       *config.Config
}

func newOrderEnv(t *testing.T) *orderEnv {
	t.Helper()

	db := testutil.NewTestDB(t, &Order{}, &ledger.LedgerEntry{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Commission.DefaultRate = 0.20
	cfg.Payments.AllowClientConfirm = true

	env := &orderEnv{
		machine: NewMachine(MachineParams{DB: db}),
		ledger:  ledger.NewService(ledger.ServiceParams{DB: db, Node: node}),
		catalog: &fake.Catalog{
			GetServiceFn: func(_ context.Context, serviceID string) (collab.ServiceSnapshot, error) {
				return collab.ServiceSnapshot{
					AuthorID:     "author-1",
					Price:        decimal.RequireFromString("1000"),
					DeliveryDays: 7,
				}, nil
			},
		},
		payments:  &fake.Payments{},
		announcer: &announcerStub{},
		cfg:       cfg,
	}
	env.svc = NewService(ServiceParams{
		Machine:   env.machine,
		Ledger:    env.ledger,
		Announcer: env.announcer,
		Catalog:   env.catalog,
		Payments:  env.payments,
		Sequence:  &seqStub{},
		Node:      node,
		Config:    cfg,
	})
	return env
}

func (e *orderEnv) createPaid(t *testing.T) *Order {
	t.Helper()
	ctx := context.Background()

	o, err := e.svc.Create(ctx, "client-1", "svc-1", "please make it blue")
	require.NoError(t, err)

	o, err = e.svc.ConfirmPayment(ctx, collab.Actor{ID: "client-1"}, o.ID)
	require.NoError(t, err)
	return o
}

func TestHappyPath(t *testing.T) {
	env := newOrderEnv(t)
	ctx := context.Background()

	o, err := env.svc.Create(ctx, "client-1", "svc-1", "please make it blue")
	require.NoError(t, err)
	require.Equal(t, StatusPending, o.Status)
	require.True(t, o.PriceSnapshot.Equal(decimal.RequireFromString("1000")))
	require.True(t, o.PlatformFee.Equal(decimal.RequireFromString("200")))
	require.True(t, o.AuthorEarnings.Equal(decimal.RequireFromString("800")))
	require.Nil(t, o.DeadlineAt)

	o, err = env.svc.ConfirmPayment(ctx, collab.Actor{ID: "client-1"}, o.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPaid, o.Status)
	require.NotNil(t, o.PaidAt)
	require.NotNil(t, o.DeadlineAt)
	require.WithinDuration(t, time.Now().UTC().AddDate(0, 0, 7), *o.DeadlineAt, time.Minute)

	o, err = env.svc.StartWork(ctx, "author-1", o.ID, "on it")
	require.NoError(t, err)
	require.Equal(t, StatusInProgress, o.Status)
	require.Equal(t, "on it", o.AuthorResponse)

	o, err = env.svc.Deliver(ctx, "author-1", o.ID, "final files attached", []Attachment{
		{URL: "https://files.invalid/track.wav", Name: "track.wav"},
	})
	require.NoError(t, err)
	require.Equal(t, StatusDelivered, o.Status)
	require.NotNil(t, o.DeliveredAt)

	files, err := o.Attachments()
	require.NoError(t, err)
	require.Len(t, files, 1)

	o, err = env.svc.Approve(ctx, "client-1", o.ID, 5, "fantastic work")
	require.NoError(t, err)
	require.Equal(t, StatusApproved, o.Status)
	require.NotNil(t, o.CompletedAt)
	require.True(t, o.HasRecommendation)

	pending, err := env.ledger.PendingBalance(ctx, "author-1")
	require.NoError(t, err)
	require.True(t, pending.Equal(decimal.RequireFromString("800")), "got %s", pending)

	require.NotEmpty(t, env.announcer.posted)
}

func TestApproveTwiceBooksOnce(t *testing.T) {
	env := newOrderEnv(t)
	ctx := context.Background()

	o := env.createPaid(t)
	_, err := env.svc.Deliver(ctx, "author-1", o.ID, "done", nil)
	require.NoError(t, err)

	_, err = env.svc.Approve(ctx, "client-1", o.ID, 4, "")
	require.NoError(t, err)
	_, err = env.svc.Approve(ctx, "client-1", o.ID, 4, "")
	require.NoError(t, err)

	entries, err := env.ledger.ListEntries(ctx, "author-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.True(t, entries[0].Amount.Equal(decimal.RequireFromString("800")))

	var approvalNotices int
	for _, content := range env.announcer.posted {
		if content == "The order has been approved and completed." {
			approvalNotices++
		}
	}
	require.Equal(t, 1, approvalNotices)
}

func TestInvalidTransitionLeavesOrderUntouched(t *testing.T) {
	env := newOrderEnv(t)
	ctx := context.Background()

	o, err := env.svc.Create(ctx, "client-1", "svc-1", "")
	require.NoError(t, err)

	_, err = env.svc.Deliver(ctx, "author-1", o.ID, "too early", nil)
	require.True(t, errutil.IsStatus(err, errutil.StatusInvalidState), "got %v", err)

	reread, err := env.machine.Get(ctx, o.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, reread.Status)
	require.Empty(t, reread.DeliveryNote)
	require.True(t, reread.PlatformFee.Equal(o.PlatformFee))
	require.True(t, reread.AuthorEarnings.Equal(o.AuthorEarnings))
}

func TestRoleMatrix(t *testing.T) {
	env := newOrderEnv(t)
	ctx := context.Background()

	o := env.createPaid(t)

	_, err := env.svc.Deliver(ctx, "client-1", o.ID, "not mine to deliver", nil)
	require.True(t, errutil.IsStatus(err, errutil.StatusForbidden), "got %v", err)

	_, err = env.svc.Approve(ctx, "author-1", o.ID, 5, "")
	require.True(t, errutil.IsStatus(err, errutil.StatusForbidden), "got %v", err)

	_, err = env.svc.Refund(ctx, collab.Actor{ID: "client-1"}, o.ID)
	require.True(t, errutil.IsStatus(err, errutil.StatusForbidden), "got %v", err)

	_, err = env.svc.OpenDispute(ctx, "stranger", o.ID, "I want in")
	require.True(t, errutil.IsStatus(err, errutil.StatusForbidden), "got %v", err)
}

func TestClientConfirmDisabled(t *testing.T) {
	env := newOrderEnv(t)
	env.cfg.Payments.AllowClientConfirm = false
	ctx := context.Background()

	o, err := env.svc.Create(ctx, "client-1", "svc-1", "")
	require.NoError(t, err)

	_, err = env.svc.ConfirmPayment(ctx, collab.Actor{ID: "client-1"}, o.ID)
	require.True(t, errutil.IsStatus(err, errutil.StatusForbidden), "got %v", err)

	verifier := collab.Actor{ID: "ops-1", Roles: []string{collab.RolePaymentVerifier}}
	confirmed, err := env.svc.ConfirmPayment(ctx, verifier, o.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPaid, confirmed.Status)
}

func TestPaymentProofFlow(t *testing.T) {
	env := newOrderEnv(t)
	ctx := context.Background()

	o, err := env.svc.Create(ctx, "client-1", "svc-1", "")
	require.NoError(t, err)

	o, err = env.svc.SubmitPaymentProof(ctx, "client-1", o.ID, "https://files.invalid/receipt.png")
	require.NoError(t, err)
	require.Equal(t, StatusPendingPayment, o.Status)
	require.Equal(t, "https://files.invalid/receipt.png", o.PaymentProofURL)

	verifier := collab.Actor{ID: "ops-1", Roles: []string{collab.RolePaymentVerifier}}
	o, err = env.svc.ConfirmPayment(ctx, verifier, o.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPaid, o.Status)
}

func TestDisputeFromDeliveredBooksNothing(t *testing.T) {
	env := newOrderEnv(t)
	ctx := context.Background()

	o := env.createPaid(t)
	_, err := env.svc.Deliver(ctx, "author-1", o.ID, "done", nil)
	require.NoError(t, err)

	o, err = env.svc.OpenDispute(ctx, "client-1", o.ID, "this is not what I asked for")
	require.NoError(t, err)
	require.Equal(t, StatusDisputed, o.Status)
	require.Equal(t, "client-1", o.DisputeOpenedBy)

	entries, err := env.ledger.ListEntries(ctx, "author-1")
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestRefundFromDispute(t *testing.T) {
	env := newOrderEnv(t)
	ctx := context.Background()

	o := env.createPaid(t)
	_, err := env.svc.OpenDispute(ctx, "client-1", o.ID, "never delivered")
	require.NoError(t, err)

	verifier := collab.Actor{ID: "ops-1", Roles: []string{collab.RolePaymentVerifier}}
	o, err = env.svc.Refund(ctx, verifier, o.ID)
	require.NoError(t, err)
	require.Equal(t, StatusRefunded, o.Status)
	require.NotNil(t, o.RefundedAt)
	require.Contains(t, env.payments.Refunded, o.ID)
}

func TestCancelBeforeEscrow(t *testing.T) {
	env := newOrderEnv(t)
	ctx := context.Background()

	o, err := env.svc.Create(ctx, "client-1", "svc-1", "")
	require.NoError(t, err)

	o, err = env.svc.Cancel(ctx, "author-1", o.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, o.Status)
	require.NotNil(t, o.CancelledAt)

	// escrowed money can only leave through approve or refund
	paid := env.createPaid(t)
	_, err = env.svc.Cancel(ctx, "client-1", paid.ID)
	require.True(t, errutil.IsStatus(err, errutil.StatusInvalidState), "got %v", err)
}

func TestCreateCatalogErrors(t *testing.T) {
	env := newOrderEnv(t)
	ctx := context.Background()

	env.catalog.GetServiceFn = func(context.Context, string) (collab.ServiceSnapshot, error) {
		return collab.ServiceSnapshot{}, collab.ErrServiceNotFound
	}
	_, err := env.svc.Create(ctx, "client-1", "svc-gone", "")
	require.True(t, errutil.IsStatus(err, errutil.StatusNotFound), "got %v", err)

	env.catalog.GetServiceFn = func(context.Context, string) (collab.ServiceSnapshot, error) {
		return collab.ServiceSnapshot{}, errors.New("catalog timeout")
	}
	_, err = env.svc.Create(ctx, "client-1", "svc-1", "")
	require.True(t, errutil.IsStatus(err, errutil.StatusTransient), "got %v", err)
}

func TestCannotOrderOwnService(t *testing.T) {
	env := newOrderEnv(t)

	_, err := env.svc.Create(context.Background(), "author-1", "svc-1", "")
	require.True(t, errutil.IsStatus(err, errutil.StatusValidationFailed), "got %v", err)
}

func TestDeliverRequiresNote(t *testing.T) {
	env := newOrderEnv(t)
	ctx := context.Background()

	o := env.createPaid(t)
	_, err := env.svc.Deliver(ctx, "author-1", o.ID, "", nil)
	require.True(t, errutil.IsStatus(err, errutil.StatusValidationFailed), "got %v", err)
}

func TestApproveRatingRange(t *testing.T) {
	env := newOrderEnv(t)
	ctx := context.Background()

	o := env.createPaid(t)
	_, err := env.svc.Deliver(ctx, "author-1", o.ID, "done", nil)
	require.NoError(t, err)

	for _, rating := range []int{0, 6, -1} {
		_, err = env.svc.Approve(ctx, "client-1", o.ID, rating, "")
		require.True(t, errutil.IsStatus(err, errutil.StatusValidationFailed), "rating %d: got %v", rating, err)
	}
}

func TestPerServiceCommissionRate(t *testing.T) {
	env := newOrderEnv(t)
	env.catalog.GetServiceFn = func(context.Context, string) (collab.ServiceSnapshot, error) {
		return collab.ServiceSnapshot{
			AuthorID:       "author-1",
			Price:          decimal.RequireFromString("1000"),
			CommissionRate: decimal.RequireFromString("0.30"),
			DeliveryDays:   3,
		}, nil
	}

	o, err := env.svc.Create(context.Background(), "client-1", "svc-1", "")
	require.NoError(t, err)
	require.True(t, o.PlatformFee.Equal(decimal.RequireFromString("300")))
	require.True(t, o.AuthorEarnings.Equal(decimal.RequireFromString("700")))
}

func TestListByUser(t *testing.T) {
	env := newOrderEnv(t)
	ctx := context.Background()

	first, err := env.svc.Create(ctx, "client-1", "svc-1", "")
	require.NoError(t, err)
	_, err = env.svc.Create(ctx, "client-2", "svc-1", "")
	require.NoError(t, err)

	mine, err := env.svc.ListByUser(ctx, "client-1")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	require.Equal(t, first.ID, mine[0].ID)

	authored, err := env.svc.ListByUser(ctx, "author-1")
	require.NoError(t, err)
	require.Len(t, authored, 2)
}

func TestOverdueSweepTargets(t *testing.T) {
	env := newOrderEnv(t)
	ctx := context.Background()

	o := env.createPaid(t)

	// not overdue yet
	orders, err := env.machine.Overdue(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.Empty(t, orders)

	orders, err = env.machine.Overdue(ctx, time.Now().UTC().AddDate(0, 0, 8))
	require.NoError(t, err)
	require.Len(t, orders, 1)
	require.Equal(t, o.ID, orders[0].ID)

	require.NoError(t, env.machine.MarkDeadlineNotified(ctx, o.ID))
	orders, err = env.machine.Overdue(ctx, time.Now().UTC().AddDate(0, 0, 8))
	require.NoError(t, err)
	require.Empty(t, orders)
}

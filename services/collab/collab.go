package collab

import (
	"context"
	"errors"
	"io"

	"github.com/shopspring/decimal"
)

// Actor is the authenticated caller of a guarded operation. Identity lives
// outside this module; only the id and role claims cross the boundary.
type Actor struct {
	ID    string
	Roles []string
}

const (
	RolePaymentVerifier = "payment_verifier"
	RoleAdmin           = "admin"
)

func (a Actor) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// ServiceSnapshot is the read-only view of a catalog service captured at
// order creation. Price and rate become immutable on the order afterwards.
type ServiceSnapshot struct {
	AuthorID       string
	Price          decimal.Decimal
	CommissionRate decimal.Decimal // zero means "use platform default"
	DeliveryDays   int
}

// ErrServiceNotFound is returned by Catalog implementations for an unknown
// service id, as opposed to a transient lookup fault.
var ErrServiceNotFound = errors.New("service not found")

// Catalog supplies service snapshots at order creation.
type Catalog interface {
	GetService(ctx context.Context, serviceID string) (ServiceSnapshot, error)
}

// Payments is the verification collaborator driving refunds. Confirming a
// payment is an order transition; returning the money is not ours to do.
type Payments interface {
	Refund(ctx context.Context, orderID string) error
}

// Storage uploads delivery and chat attachments.
type Storage interface {
	Upload(ctx context.Context, name string, r io.Reader) (url string, err error)
}

// Notifier delivers out-of-band notifications when the recipient is not
// actively viewing the order.
type Notifier interface {
	Notify(ctx context.Context, userID, title, body, tag string) error
}

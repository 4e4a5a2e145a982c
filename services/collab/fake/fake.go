// Package fake provides function-field test doubles for the collaborator
// contracts. Unset fields behave as benign no-ops.
package fake

import (
	"context"
	"io"
	"sync"

	"lumora-core/services/collab"
)

type Catalog struct {
	GetServiceFn func(ctx context.Context, serviceID string) (collab.ServiceSnapshot, error)
}

func (f *Catalog) GetService(ctx context.Context, serviceID string) (collab.ServiceSnapshot, error) {
	if f.GetServiceFn != nil {
		return f.GetServiceFn(ctx, serviceID)
	}
	return collab.ServiceSnapshot{}, nil
}

type Payments struct {
	RefundFn func(ctx context.Context, orderID string) error

	mu       sync.Mutex
	Refunded []string
}

func (f *Payments) Refund(ctx context.Context, orderID string) error {
	f.mu.Lock()
	f.Refunded = append(f.Refunded, orderID)
	f.mu.Unlock()

	if f.RefundFn != nil {
		return f.RefundFn(ctx, orderID)
	}
	return nil
}

type Storage struct {
	UploadFn func(ctx context.Context, name string, r io.Reader) (string, error)
}

func (f *Storage) Upload(ctx context.Context, name string, r io.Reader) (string, error) {
	if f.UploadFn != nil {
		return f.UploadFn(ctx, name, r)
	}
	return "https://files.invalid/" + name, nil
}

type Notification struct {
	UserID string
	Title  string
	Body   string
	Tag    string
}

type Notifier struct {
	NotifyFn func(ctx context.Context, userID, title, body, tag string) error

	mu   sync.Mutex
	Sent []Notification
}

func (f *Notifier) Notify(ctx context.Context, userID, title, body, tag string) error {
	f.mu.Lock()
	f.Sent = append(f.Sent, Notification{UserID: userID, Title: title, Body: body, Tag: tag})
	f.mu.Unlock()

	if f.NotifyFn != nil {
		return f.NotifyFn(ctx, userID, title, body, tag)
	}
	return nil
}

// SentTo returns the notifications delivered to userID.
func (f *Notifier) SentTo(userID string) []Notification {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []Notification
	for _, n := range f.Sent {
		if n.UserID == userID {
			out = append(out, n)
		}
	}
	return out
}

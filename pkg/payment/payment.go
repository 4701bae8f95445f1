// Package payment normalizes a payment provider behind a small contract.
// Nothing provider-shaped crosses this package boundary.
package payment

import (
	"context"
	"errors"
	"time"

	"github.com/example/deliverify/pkg/money"
)

var (
	ErrPaymentCreation = errors.New("payment creation failed")
	ErrPaymentNotFound = errors.New("payment not found")
	// ErrProviderUnavailable marks transport failures, timeouts and 5xx
	// responses. Callers may retry.
	ErrProviderUnavailable = errors.New("payment provider unavailable")
)

// Status is the provider's payment status, lower-cased.
type Status string

const (
	StatusOpen       Status = "open"
	StatusPending    Status = "pending"
	StatusAuthorized Status = "authorized"
	StatusPaid       Status = "paid"
	StatusCanceled   Status = "canceled"
	StatusExpired    Status = "expired"
	StatusFailed     Status = "failed"
)

// Settled reports whether the payment reached a final outcome.
func (s Status) Settled() bool {
	switch s {
	case StatusPaid, StatusCanceled, StatusExpired, StatusFailed:
		return true
	}
	return false
}

type Payment struct {
	ID          string
	Status      Status
	IsPaid      bool
	CheckoutURL string
	PaidAt      *time.Time
}

type CreateOptions struct {
	RedirectURL string
	// WebhookURL is optional; without it the provider never calls back.
	WebhookURL     string
	Metadata       map[string]string
	IdempotencyKey string
}

type Gateway interface {
	Name() string
	CreatePayment(ctx context.Context, amount money.Cents, description string, opts CreateOptions) (*Payment, error)
	GetPayment(ctx context.Context, id string) (*Payment, error)
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrProviderUnavailable) ||
		errors.Is(err, context.DeadlineExceeded)
}

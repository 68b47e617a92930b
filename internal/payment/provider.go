package payment

import (
	"context"
	"time"
)

// Provider is the outbound side of the payment provider. Implementations
// must honour ctx deadlines and wrap every failure with ErrProviderError.
type Provider interface {
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*ProviderSession, error)
	CreateRefund(ctx context.Context, req RefundRequest) (*ProviderRefund, error)
}

// CheckoutRequest is a fully built hosted-checkout request.
type CheckoutRequest struct {
	Environment    Environment
	IdempotencyKey string
	ProductName    string
	AmountCents    int64
	Currency       string
	CustomerEmail  string
	SuccessURL     string
	CancelURL      string
	// ClientReference is echoed back on checkout events.
	ClientReference string
	// Metadata is attached to both the session and its payment.
	Metadata  map[string]string
	ExpiresAt time.Time

	// Set only for split payments.
	ApplicationFeeCents int64
	TransferDestination string
}

// ProviderSession is the provider's answer to a checkout request.
type ProviderSession struct {
	ID  string
	URL string
}

// RefundRequest asks for a full refund of one payment.
type RefundRequest struct {
	Environment    Environment
	PaymentRef     string
	IdempotencyKey string
	// ReverseTransfer pulls the payee's share back for split payments.
	ReverseTransfer bool
	Metadata        map[string]string
}

// ProviderRefund is the provider's refund record.
type ProviderRefund struct {
	ID     string
	Status string
}

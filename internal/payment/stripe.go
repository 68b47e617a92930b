package payment

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
)

// StripeProvider implements Provider with one Stripe client per
// environment.
type StripeProvider struct {
	clients map[Environment]*client.API
}

// NewStripeProvider builds clients for every environment that has a secret
// key. timeout bounds each HTTP round trip; the SDK does not retry.
func NewStripeProvider(creds CredentialSet, timeout time.Duration) *StripeProvider {
	httpClient := &http.Client{Timeout: timeout}
	cfg := &stripe.BackendConfig{
		HTTPClient:        httpClient,
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelError},
	}
	p := &StripeProvider{clients: map[Environment]*client.API{}}
	for _, env := range []Environment{Production, Sandbox} {
		cr, err := creds.For(env)
		if err != nil {
			continue
		}
		p.clients[env] = client.New(cr.SecretKey, &stripe.Backends{
			API:     stripe.GetBackendWithConfig(stripe.APIBackend, cfg),
			Uploads: stripe.GetBackendWithConfig(stripe.UploadsBackend, cfg),
		})
	}
	return p
}

func (p *StripeProvider) client(env Environment) (*client.API, error) {
	api, ok := p.clients[env]
	if !ok {
		return nil, fmt.Errorf("%w: %w: %s", ErrProviderError, ErrMissingCredentials, env)
	}
	return api, nil
}

// CreateCheckoutSession opens a one-item hosted payment page.
func (p *StripeProvider) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*ProviderSession, error) {
	api, err := p.client(req.Environment)
	if err != nil {
		return nil, err
	}
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
		ClientReferenceID: stripe.String(req.ClientReference),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(req.Currency),
				UnitAmount: stripe.Int64(req.AmountCents),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(req.ProductName),
				},
			},
			Quantity: stripe.Int64(1),
		}},
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: req.Metadata,
		},
	}
	if req.CustomerEmail != "" {
		params.CustomerEmail = stripe.String(req.CustomerEmail)
	}
	if !req.ExpiresAt.IsZero() {
		params.ExpiresAt = stripe.Int64(req.ExpiresAt.Unix())
	}
	if req.TransferDestination != "" {
		params.PaymentIntentData.ApplicationFeeAmount = stripe.Int64(req.ApplicationFeeCents)
		params.PaymentIntentData.TransferData = &stripe.CheckoutSessionPaymentIntentDataTransferDataParams{
			Destination: stripe.String(req.TransferDestination),
		}
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	params.Context = ctx
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	s, err := api.CheckoutSessions.New(params)
	if err != nil {
		return nil, wrapStripeError(err)
	}
	return &ProviderSession{ID: s.ID, URL: s.URL}, nil
}

// CreateRefund refunds a payment in full. Stripe replays the original
// response for a repeated idempotency key, so retries never refund twice.
func (p *StripeProvider) CreateRefund(ctx context.Context, req RefundRequest) (*ProviderRefund, error) {
	api, err := p.client(req.Environment)
	if err != nil {
		return nil, err
	}
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(req.PaymentRef),
		Reason:        stripe.String(string(stripe.RefundReasonRequestedByCustomer)),
	}
	if req.ReverseTransfer {
		params.ReverseTransfer = stripe.Bool(true)
		params.RefundApplicationFee = stripe.Bool(true)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	params.Context = ctx
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	r, err := api.Refunds.New(params)
	if err != nil {
		return nil, wrapStripeError(err)
	}
	return &ProviderRefund{ID: r.ID, Status: string(r.Status)}, nil
}

func wrapStripeError(err error) error {
	var se *stripe.Error
	if errors.As(err, &se) && se.Code == stripe.ErrorCodeChargeAlreadyRefunded {
		return fmt.Errorf("%w: %w", ErrRefundAlreadyIssued, err)
	}
	return fmt.Errorf("%w: %w", ErrProviderError, err)
}

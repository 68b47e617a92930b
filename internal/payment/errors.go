package payment

import "errors"

var (
	// ErrCheckoutCreationFailed is returned when no checkout session could be
	// created. The caller must release whatever it reserved for it.
	ErrCheckoutCreationFailed = errors.New("checkout creation failed")
	// ErrSignatureInvalid means a webhook payload verified under neither
	// environment's secret.
	ErrSignatureInvalid = errors.New("webhook signature invalid")
	// ErrProviderError wraps any failed or timed out provider call.
	ErrProviderError = errors.New("payment provider error")
	// ErrRefundAlreadyIssued means the provider reports the payment as
	// already refunded.
	ErrRefundAlreadyIssued = errors.New("payment already refunded at provider")

	ErrInvalidSplit       = errors.New("invalid revenue split")
	ErrInvalidAmount      = errors.New("amount must be positive")
	ErrUnknownEnvironment = errors.New("unknown payment environment")
	ErrMissingCredentials = errors.New("no credentials configured for payment environment")
	ErrMalformedEvent     = errors.New("malformed provider event")
)

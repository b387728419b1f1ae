// Package gateway abstracts the payment processors behind a single Provider
// interface so the services never branch on which processor is in play.
package gateway

import (
	"context"
	"encoding/json"

	"github.com/shopspring/decimal"

	"github.com/vexacloud/streambill/internal/domain"
)

// Provider defines the interface for a payment gateway.
// Implementations exist for Stripe, Paystack and WooCommerce.
type Provider interface {
	// Identifier returns the gateway's stable identifier, used in
	// idempotency keys and stored on orders.
	Identifier() domain.Gateway

	// IsAvailable reports whether the gateway is configured well enough to
	// take payments. Unavailable gateways stay registered but are skipped
	// for default selection.
	IsAvailable() bool

	// InitiatePayment starts a hosted checkout for a one-time charge and
	// returns the URL to redirect the customer to.
	InitiatePayment(ctx context.Context, params InitiatePaymentParams) (*CheckoutSession, error)

	// ChargeRecurring charges a stored authorization without customer
	// interaction. Gateways that cannot charge off-session return
	// ErrRecurringUnsupported.
	ChargeRecurring(ctx context.Context, params ChargeParams) (*ChargeResult, error)
}

// InitiatePaymentParams contains parameters for starting a hosted checkout.
type InitiatePaymentParams struct {
	Email    string
	Amount   decimal.Decimal
	Currency string

	// Reference is our identifier for the payment. Gateways that generate
	// their own reference return theirs in CheckoutSession.Reference.
	Reference string

	// VendorPlanCode is the gateway's own identifier for the plan
	// (a Stripe price ID, a WooCommerce product ID).
	VendorPlanCode string

	CallbackURL string

	// Metadata is attached to the gateway object and echoed back in
	// webhooks. Keys like plan_change_id drive webhook routing.
	Metadata map[string]string
}

// CheckoutSession is the result of InitiatePayment.
type CheckoutSession struct {
	// Reference identifies the payment for later webhook correlation.
	Reference string

	// CheckoutURL is where the customer completes payment.
	CheckoutURL string
}

// ChargeParams contains parameters for an off-session recurring charge.
type ChargeParams struct {
	Authorization domain.AuthorizationData
	Email         string
	Amount        decimal.Decimal
	Currency      string
	Reference     string
	Metadata      map[string]string
}

// ChargeResult is the outcome of a recurring charge attempt.
type ChargeResult struct {
	Reference     string
	TransactionID string
	Success       bool

	// Authorization is the (possibly rotated) authorization returned by the
	// gateway, persisted for the next renewal.
	Authorization domain.AuthorizationData

	// Raw is the gateway's response body, stored for audit.
	Raw json.RawMessage
}

// MinorUnits converts a major-unit amount to the gateway's smallest currency
// unit. Amounts are rounded to 2 decimal places first so 19.999 charges as
// 2000, not 1999.
func MinorUnits(amount decimal.Decimal) int64 {
	return amount.Round(2).Shift(2).IntPart()
}

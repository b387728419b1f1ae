package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/paymentintent"

	"github.com/vexacloud/streambill/internal/domain"
)

// StripeProvider implements Provider using Stripe Checkout for one-time
// payments and off-session PaymentIntents for renewals.
type StripeProvider struct {
	secretKey string
	logger    *slog.Logger
}

// NewStripeProvider creates a Stripe provider. Setting the package-level key
// follows the SDK's intended single-account usage.
func NewStripeProvider(secretKey string, logger *slog.Logger) *StripeProvider {
	stripe.Key = secretKey
	return &StripeProvider{
		secretKey: secretKey,
		logger:    logger.With("gateway", "stripe"),
	}
}

func (s *StripeProvider) Identifier() domain.Gateway {
	return domain.GatewayStripe
}

func (s *StripeProvider) IsAvailable() bool {
	return s.secretKey != ""
}

// InitiatePayment creates a Checkout Session in payment mode. When the plan
// has a Stripe price ID we reference it directly; otherwise the price is
// built inline from the amount.
func (s *StripeProvider) InitiatePayment(ctx context.Context, params InitiatePaymentParams) (*CheckoutSession, error) {
	lineItem := &stripe.CheckoutSessionLineItemParams{
		Quantity: stripe.Int64(1),
	}
	if params.VendorPlanCode != "" {
		lineItem.Price = stripe.String(params.VendorPlanCode)
	} else {
		lineItem.PriceData = &stripe.CheckoutSessionLineItemPriceDataParams{
			Currency:   stripe.String(strings.ToLower(params.Currency)),
			UnitAmount: stripe.Int64(MinorUnits(params.Amount)),
			ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
				Name: stripe.String("Subscription payment"),
			},
		}
	}

	checkoutParams := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems:         []*stripe.CheckoutSessionLineItemParams{lineItem},
		ClientReferenceID: stripe.String(params.Reference),
		CustomerEmail:     stripe.String(params.Email),
		SuccessURL:        stripe.String(params.CallbackURL + "?session_id={CHECKOUT_SESSION_ID}"),
		CancelURL:         stripe.String(params.CallbackURL),
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			// Save the card so renewals can charge off-session.
			SetupFutureUsage: stripe.String("off_session"),
			Metadata:         params.Metadata,
		},
	}
	for k, v := range params.Metadata {
		checkoutParams.AddMetadata(k, v)
	}

	sess, err := session.New(checkoutParams)
	if err != nil {
		s.logger.Error("failed to create checkout session",
			"reference", params.Reference,
			"error", err)
		return nil, domain.WrapError(err, domain.EPAYMENT, "stripe.InitiatePayment", "failed to create checkout session")
	}

	s.logger.Info("checkout session created",
		"session_id", sess.ID,
		"reference", params.Reference)

	return &CheckoutSession{
		Reference:   params.Reference,
		CheckoutURL: sess.URL,
	}, nil
}

// ChargeRecurring confirms an off-session PaymentIntent against the stored
// customer. Requires a Stripe customer ID saved from the original checkout.
func (s *StripeProvider) ChargeRecurring(ctx context.Context, params ChargeParams) (*ChargeResult, error) {
	if params.Authorization.CustomerID == "" {
		return nil, fmt.Errorf("%w: no stripe customer on file", ErrMissingAuthorization)
	}

	piParams := &stripe.PaymentIntentParams{
		Amount:     stripe.Int64(MinorUnits(params.Amount)),
		Currency:   stripe.String(strings.ToLower(params.Currency)),
		Customer:   stripe.String(params.Authorization.CustomerID),
		Confirm:    stripe.Bool(true),
		OffSession: stripe.Bool(true),
		Metadata:   params.Metadata,
	}
	if pm, ok := params.Authorization.Extra["payment_method"]; ok && pm != "" {
		piParams.PaymentMethod = stripe.String(pm)
	}

	pi, err := paymentintent.New(piParams)
	if err != nil {
		s.logger.Warn("off-session charge declined",
			"reference", params.Reference,
			"customer", params.Authorization.CustomerID,
			"error", err)
		return nil, fmt.Errorf("%w: %v", ErrChargeFailed, err)
	}

	raw, _ := json.Marshal(pi)
	result := &ChargeResult{
		Reference:     params.Reference,
		TransactionID: pi.ID,
		Success:       pi.Status == stripe.PaymentIntentStatusSucceeded,
		Authorization: params.Authorization,
		Raw:           raw,
	}
	result.Authorization.PaymentIntentID = pi.ID

	if !result.Success {
		return result, fmt.Errorf("%w: payment intent status %s", ErrChargeFailed, pi.Status)
	}

	s.logger.Info("off-session charge succeeded",
		"reference", params.Reference,
		"payment_intent", pi.ID)
	return result, nil
}

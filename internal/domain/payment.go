package domain

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AuthorizationData is the stored-authorization slice of an order's gateway
// metadata. The renewal path reads these fields through typed accessors rather
// than stringly-typed map lookups; unknown gateway fields ride along in Extra.
type AuthorizationData struct {
	// AuthorizationCode is Paystack's reusable charge authorization.
	AuthorizationCode string `json:"authorization_code,omitempty"`

	// CustomerID is the Stripe customer the payment method is attached to.
	CustomerID string `json:"customer,omitempty"`

	// PaymentIntentID is the Stripe payment intent behind the charge.
	PaymentIntentID string `json:"payment_intent,omitempty"`

	// CardLast4 and CardBrand are display-only.
	CardLast4 string `json:"card_last4,omitempty"`
	CardBrand string `json:"card_brand,omitempty"`

	// Extra preserves gateway fields this system does not interpret.
	Extra map[string]string `json:"extra,omitempty"`
}

// ParseAuthorizationData decodes an order's gateway_metadata column.
func ParseAuthorizationData(raw []byte) (AuthorizationData, error) {
	var a AuthorizationData
	if len(raw) == 0 {
		return a, nil
	}
	if err := json.Unmarshal(raw, &a); err != nil {
		return AuthorizationData{}, WrapError(err, EINTERNAL, "payment.metadata", "malformed gateway metadata")
	}
	return a, nil
}

// GatewayPayment is a confirmed payment normalized by a webhook adapter and
// handed to the reconciler. Amount units are gateway-native: Stripe and
// Paystack report minor units in AmountMinor, WooCommerce reports the order
// total in AmountMajor. The reconciler owns the conversion rules.
type GatewayPayment struct {
	Gateway       Gateway
	Reference     string
	TransactionID string
	Currency      string

	// AmountMinor carries minor-unit amounts (Stripe amount_total, Paystack amount).
	AmountMinor int64

	// AmountMajor carries major-unit amounts (WooCommerce order total).
	AmountMajor decimal.Decimal

	// Authorization is the stored-authorization data persisted on the order for
	// later recurring charges.
	Authorization AuthorizationData

	// Raw is the original webhook payload, persisted verbatim for audit/replay.
	Raw json.RawMessage
}

// WebhookResult is the normalized outcome every adapter returns to the HTTP layer.
type WebhookResult struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	Duplicate bool   `json:"duplicate"`

	UserID         *uuid.UUID `json:"user_id,omitempty"`
	SubscriptionID *uuid.UUID `json:"subscription_id,omitempty"`
	OrderID        *uuid.UUID `json:"order_id,omitempty"`
	PlanID         *uuid.UUID `json:"plan_id,omitempty"`
}

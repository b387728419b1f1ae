package repository

import (
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
)

// User is an account holder. Accounts created by the reconciler on first
// payment carry a random unusable password and an auto-verified email.
type User struct {
	ID              pgtype.UUID
	Email           string
	PasswordHash    string
	EmailVerifiedAt pgtype.Timestamptz
	CreatedAt       pgtype.Timestamptz
	UpdatedAt       pgtype.Timestamptz
}

// Plan is a pricing template. Plans referenced by history are never deleted,
// only deactivated.
type Plan struct {
	ID           pgtype.UUID
	Name         string
	Slug         string
	Price        decimal.Decimal
	Currency     string
	DurationDays int32
	MaxDevices   int32

	// VendorPlanCodes maps a gateway or provisioning provider identifier to the
	// plan code that system knows (JSON object, e.g. {"stripe": "price_...",
	// "panel": "bouquet_12"}).
	VendorPlanCodes []byte

	IsActive  bool
	CreatedAt pgtype.Timestamptz
	UpdatedAt pgtype.Timestamptz
}

// PlanPrice overrides a plan's base price for a (gateway, currency) pair.
// Gateway is nullable: a NULL gateway row applies to any gateway in that
// currency. Absence of a row means the plan's base price/currency applies.
type PlanPrice struct {
	ID       pgtype.UUID
	PlanID   pgtype.UUID
	Gateway  pgtype.Text
	Currency string
	Price    decimal.Decimal
	IsActive bool
}

// Subscription is the billing relationship for one user.
type Subscription struct {
	ID     pgtype.UUID
	UserID pgtype.UUID
	PlanID pgtype.UUID

	Status   string
	Currency string

	StartsAt      pgtype.Timestamptz
	ExpiresAt     pgtype.Timestamptz
	NextRenewalAt pgtype.Timestamptz

	AutoRenew     bool
	CreditBalance decimal.Decimal

	// ScheduledPlanID and PlanChangeScheduledAt point at a deferred plan change
	// the renewal path discovers and applies.
	ScheduledPlanID       pgtype.UUID
	PlanChangeScheduledAt pgtype.Timestamptz

	// ProviderSubscriptionID links to an upstream recurring-subscription record
	// (WooCommerce Subscriptions), letting repeat webhooks reuse this row.
	ProviderSubscriptionID pgtype.Text

	// Metadata holds renewal failure counters and other semi-structured state.
	Metadata []byte

	CreatedAt pgtype.Timestamptz
	UpdatedAt pgtype.Timestamptz
}

// Order is one payment event tied to a subscription. Immutable after creation
// except for status.
type Order struct {
	ID             pgtype.UUID
	UserID         pgtype.UUID
	SubscriptionID pgtype.UUID
	PlanID         pgtype.UUID

	Amount   decimal.Decimal
	Currency string
	Status   string

	// OrderType distinguishes the flow that created the order:
	// "purchase", "renewal" or "plan_change".
	OrderType string

	PaymentGateway       string
	GatewayTransactionID pgtype.Text

	// GatewayMetadata carries stored authorization data (authorization codes,
	// customer IDs) read back by the renewal path.
	GatewayMetadata []byte

	// IdempotencyKey is unique; it is the backstop guaranteeing at most one
	// order per (gateway, external reference) pair.
	IdempotencyKey string

	// WebhookPayload is the raw gateway payload, kept for audit and replay.
	WebhookPayload []byte

	CreatedAt pgtype.Timestamptz
	UpdatedAt pgtype.Timestamptz
}

// PaymentTransaction is a record per gateway reference, independent of Order.
// It may exist before the order if verification races webhook delivery.
type PaymentTransaction struct {
	ID        pgtype.UUID
	Reference string
	OrderID   pgtype.UUID
	Gateway   string

	Amount   decimal.Decimal
	Currency string
	Status   string

	GatewayResponse []byte

	CreatedAt pgtype.Timestamptz
	UpdatedAt pgtype.Timestamptz
}

// PlanChange is one upgrade/downgrade workflow instance.
type PlanChange struct {
	ID             pgtype.UUID
	SubscriptionID pgtype.UUID
	FromPlanID     pgtype.UUID
	ToPlanID       pgtype.UUID

	ChangeType    string
	Status        string
	ExecutionType string

	ProrationAmount decimal.Decimal
	CreditAmount    decimal.Decimal

	// CalculationDetails is the frozen proration breakdown, stored verbatim
	// for audit.
	CalculationDetails []byte

	PaymentReference pgtype.Text
	PaymentGateway   pgtype.Text
	OrderID          pgtype.UUID

	ScheduledAt   pgtype.Timestamptz
	CompletedAt   pgtype.Timestamptz
	FailureReason pgtype.Text

	CreatedAt pgtype.Timestamptz
	UpdatedAt pgtype.Timestamptz
}

package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
)

// Querier is the data-access surface the services program against.
// *Queries implements it over pgx; MemoryStore implements it for tests.
type Querier interface {
	// Users
	GetUserByID(ctx context.Context, id pgtype.UUID) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)
	CreateUser(ctx context.Context, arg CreateUserParams) (User, error)

	// Plans
	GetPlanByID(ctx context.Context, id pgtype.UUID) (Plan, error)
	GetPlanBySlug(ctx context.Context, slug string) (Plan, error)
	GetPlanByVendorCode(ctx context.Context, arg GetPlanByVendorCodeParams) (Plan, error)
	ListActivePlanPrices(ctx context.Context, planID pgtype.UUID) ([]PlanPrice, error)

	// Subscriptions
	CreateSubscription(ctx context.Context, arg CreateSubscriptionParams) (Subscription, error)
	GetSubscriptionByID(ctx context.Context, id pgtype.UUID) (Subscription, error)
	GetSubscriptionForUpdate(ctx context.Context, id pgtype.UUID) (Subscription, error)
	GetSubscriptionByProviderID(ctx context.Context, providerSubscriptionID string) (Subscription, error)
	UpdateSubscriptionPlan(ctx context.Context, arg UpdateSubscriptionPlanParams) (Subscription, error)
	SetSubscriptionSchedule(ctx context.Context, arg SetSubscriptionScheduleParams) error
	ClearSubscriptionSchedule(ctx context.Context, id pgtype.UUID) error
	UpdateSubscriptionStatus(ctx context.Context, arg UpdateSubscriptionStatusParams) error
	ExtendSubscription(ctx context.Context, arg ExtendSubscriptionParams) (Subscription, error)
	AddSubscriptionCredit(ctx context.Context, arg AddSubscriptionCreditParams) error
	UpdateSubscriptionRenewalState(ctx context.Context, arg UpdateSubscriptionRenewalStateParams) error
	ListSubscriptionsDueForRenewal(ctx context.Context, arg ListSubscriptionsDueForRenewalParams) ([]Subscription, error)

	// Orders
	CreateOrder(ctx context.Context, arg CreateOrderParams) (Order, error)
	GetOrderByID(ctx context.Context, id pgtype.UUID) (Order, error)
	GetOrderByIdempotencyKey(ctx context.Context, key string) (Order, error)
	GetOrderByTransactionID(ctx context.Context, arg GetOrderByTransactionIDParams) (Order, error)
	UpdateOrderStatus(ctx context.Context, arg UpdateOrderStatusParams) error
	GetLastProvisionedOrder(ctx context.Context, subscriptionID pgtype.UUID) (Order, error)

	// Payment transactions
	UpsertPaymentTransaction(ctx context.Context, arg UpsertPaymentTransactionParams) (PaymentTransaction, error)
	GetPaymentTransactionByReference(ctx context.Context, reference string) (PaymentTransaction, error)

	// Plan changes
	CreatePlanChange(ctx context.Context, arg CreatePlanChangeParams) (PlanChange, error)
	GetPlanChangeByID(ctx context.Context, id pgtype.UUID) (PlanChange, error)
	GetPlanChangeForUpdate(ctx context.Context, id pgtype.UUID) (PlanChange, error)
	GetPlanChangeByPaymentReference(ctx context.Context, reference string) (PlanChange, error)
	GetScheduledPlanChange(ctx context.Context, subscriptionID pgtype.UUID) (PlanChange, error)
	CancelOpenPlanChanges(ctx context.Context, subscriptionID pgtype.UUID) (int64, error)
	UpdatePlanChangeStatus(ctx context.Context, arg UpdatePlanChangeStatusParams) error
	SetPlanChangePayment(ctx context.Context, arg SetPlanChangePaymentParams) error
	CompletePlanChange(ctx context.Context, arg CompletePlanChangeParams) error
}

type CreateUserParams struct {
	Email           string
	PasswordHash    string
	EmailVerifiedAt pgtype.Timestamptz
}

type GetPlanByVendorCodeParams struct {
	// Vendor is the key inside plans.vendor_plan_codes ("stripe", "paystack",
	// "woocommerce", "panel").
	Vendor string
	Code   string
}

type CreateSubscriptionParams struct {
	UserID                 pgtype.UUID
	PlanID                 pgtype.UUID
	Status                 string
	Currency               string
	StartsAt               pgtype.Timestamptz
	ExpiresAt              pgtype.Timestamptz
	NextRenewalAt          pgtype.Timestamptz
	AutoRenew              bool
	ProviderSubscriptionID pgtype.Text
	Metadata               []byte
}

type UpdateSubscriptionPlanParams struct {
	ID     pgtype.UUID
	PlanID pgtype.UUID
}

type SetSubscriptionScheduleParams struct {
	ID                    pgtype.UUID
	ScheduledPlanID       pgtype.UUID
	PlanChangeScheduledAt pgtype.Timestamptz
}

type UpdateSubscriptionStatusParams struct {
	ID     pgtype.UUID
	Status string
}

type ExtendSubscriptionParams struct {
	ID            pgtype.UUID
	Status        string
	ExpiresAt     pgtype.Timestamptz
	NextRenewalAt pgtype.Timestamptz
}

type AddSubscriptionCreditParams struct {
	ID     pgtype.UUID
	Amount decimal.Decimal
}

type UpdateSubscriptionRenewalStateParams struct {
	ID        pgtype.UUID
	AutoRenew bool
	Metadata  []byte
}

type ListSubscriptionsDueForRenewalParams struct {
	Now   pgtype.Timestamptz
	Limit int32
}

type CreateOrderParams struct {
	UserID               pgtype.UUID
	SubscriptionID       pgtype.UUID
	PlanID               pgtype.UUID
	Amount               decimal.Decimal
	Currency             string
	Status               string
	OrderType            string
	PaymentGateway       string
	GatewayTransactionID pgtype.Text
	GatewayMetadata      []byte
	IdempotencyKey       string
	WebhookPayload       []byte
}

type GetOrderByTransactionIDParams struct {
	PaymentGateway       string
	GatewayTransactionID string
}

type UpdateOrderStatusParams struct {
	ID     pgtype.UUID
	Status string
}

type UpsertPaymentTransactionParams struct {
	Reference       string
	OrderID         pgtype.UUID
	Gateway         string
	Amount          decimal.Decimal
	Currency        string
	Status          string
	GatewayResponse []byte
}

type CreatePlanChangeParams struct {
	SubscriptionID     pgtype.UUID
	FromPlanID         pgtype.UUID
	ToPlanID           pgtype.UUID
	ChangeType         string
	Status             string
	ExecutionType      string
	ProrationAmount    decimal.Decimal
	CreditAmount       decimal.Decimal
	CalculationDetails []byte
	ScheduledAt        pgtype.Timestamptz
}

type UpdatePlanChangeStatusParams struct {
	ID            pgtype.UUID
	Status        string
	FailureReason pgtype.Text
}

type SetPlanChangePaymentParams struct {
	ID               pgtype.UUID
	PaymentReference pgtype.Text
	PaymentGateway   pgtype.Text
}

type CompletePlanChangeParams struct {
	ID          pgtype.UUID
	OrderID     pgtype.UUID
	CompletedAt pgtype.Timestamptz
}

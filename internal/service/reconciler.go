package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"

	"github.com/vexacloud/streambill/internal/domain"
	"github.com/vexacloud/streambill/internal/jobs"
	"github.com/vexacloud/streambill/internal/repository"
	"github.com/vexacloud/streambill/internal/telemetry"
)

// SubscriptionOrderService turns confirmed gateway payments into users,
// subscriptions and orders, exactly once per (gateway, reference) pair.
type SubscriptionOrderService interface {
	// ReconcilePayment processes a confirmed payment. Safe to call any number
	// of times for the same payment: replays return the original outcome with
	// Duplicate set.
	ReconcilePayment(ctx context.Context, params ReconcileParams) (*domain.WebhookResult, error)

	// MarkRefunded flags the order behind a refunded gateway transaction and
	// suspends its subscription.
	MarkRefunded(ctx context.Context, gateway domain.Gateway, transactionID string) error
}

// ReconcileParams is a confirmed payment plus the identity facts the webhook
// adapter extracted around it.
type ReconcileParams struct {
	Payment domain.GatewayPayment

	// Email identifies (or creates) the account holder.
	Email string

	// PlanID names the plan being paid for, resolved by the adapter from
	// gateway metadata or line items.
	PlanID pgtype.UUID

	// OrderType is "purchase" or "renewal". Empty means purchase.
	OrderType string

	// ProviderSubscriptionID links repeat webhooks from an upstream
	// recurring-billing system to one local subscription.
	ProviderSubscriptionID string

	// AutoRenew is set on subscriptions the gateway can charge off-session.
	AutoRenew bool
}

// Order types.
const (
	OrderTypePurchase   = "purchase"
	OrderTypeRenewal    = "renewal"
	OrderTypePlanChange = "plan_change"
)

type subscriptionOrderService struct {
	store      Store
	dispatcher jobs.Dispatcher
	logger     *slog.Logger
	now        func() time.Time
}

// NewSubscriptionOrderService creates the reconciler.
func NewSubscriptionOrderService(store Store, dispatcher jobs.Dispatcher, logger *slog.Logger) SubscriptionOrderService {
	return &subscriptionOrderService{
		store:      store,
		dispatcher: dispatcher,
		logger:     logger.With("service", "reconciler"),
		now:        time.Now,
	}
}

// IdempotencyKey derives the ledger key for a payment. The key is stable for
// a given (gateway, reference) pair and collision-resistant across gateways
// that happen to reuse reference formats.
func IdempotencyKey(gateway domain.Gateway, reference string) string {
	sum := sha256.Sum256([]byte(string(gateway) + ":" + reference))
	return hex.EncodeToString(sum[:])
}

func (s *subscriptionOrderService) ReconcilePayment(ctx context.Context, params ReconcileParams) (*domain.WebhookResult, error) {
	if params.Payment.Reference == "" {
		return nil, ErrMissingReference
	}
	if params.Email == "" {
		return nil, ErrMissingEmail
	}
	if params.OrderType == "" {
		params.OrderType = OrderTypePurchase
	}

	key := IdempotencyKey(params.Payment.Gateway, params.Payment.Reference)

	// Fast path: already processed, no transaction needed.
	if existing, err := s.store.GetOrderByIdempotencyKey(ctx, key); err == nil {
		s.logger.Info("duplicate payment short-circuited",
			"gateway", params.Payment.Gateway,
			"reference", params.Payment.Reference,
			"order_id", repository.UUIDString(existing.ID))
		return s.duplicateResult(existing), nil
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.WrapError(err, domain.EINTERNAL, "reconciler.ReconcilePayment", "idempotency lookup failed")
	}

	var result *domain.WebhookResult
	var reconciled *reconciledPayment
	txErr := s.store.InTx(ctx, func(q repository.Querier) error {
		// Re-check inside the transaction; the fast path races concurrent
		// deliveries of the same webhook.
		if existing, err := q.GetOrderByIdempotencyKey(ctx, key); err == nil {
			result = s.duplicateResult(existing)
			return nil
		} else if !errors.Is(err, pgx.ErrNoRows) {
			return err
		}

		plan, err := q.GetPlanByID(ctx, params.PlanID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrPlanNotFound
			}
			return err
		}

		user, err := s.findOrCreateUser(ctx, q, params.Email)
		if err != nil {
			return err
		}

		sub, created, err := s.findOrCreateSubscription(ctx, q, user, plan, params)
		if err != nil {
			return err
		}

		amount := s.resolveAmount(params.Payment, plan)

		authData, err := encodeAuthorization(params.Payment.Authorization)
		if err != nil {
			return err
		}

		order, err := q.CreateOrder(ctx, repository.CreateOrderParams{
			UserID:               user.ID,
			SubscriptionID:       sub.ID,
			PlanID:               plan.ID,
			Amount:               amount,
			Currency:             currencyOrDefault(params.Payment.Currency, plan.Currency),
			Status:               string(domain.OrderPendingProvisioning),
			OrderType:            params.OrderType,
			PaymentGateway:       string(params.Payment.Gateway),
			GatewayTransactionID: textOrNull(params.Payment.TransactionID),
			GatewayMetadata:      authData,
			IdempotencyKey:       key,
			WebhookPayload:       params.Payment.Raw,
		})
		if err != nil {
			return err
		}

		if _, err := q.UpsertPaymentTransaction(ctx, repository.UpsertPaymentTransactionParams{
			Reference:       params.Payment.Reference,
			OrderID:         order.ID,
			Gateway:         string(params.Payment.Gateway),
			Amount:          amount,
			Currency:        order.Currency,
			Status:          string(domain.TransactionSuccess),
			GatewayResponse: params.Payment.Raw,
		}); err != nil {
			return err
		}

		result = &domain.WebhookResult{
			Success: true,
			Message: "payment reconciled",
		}
		setResultIDs(result, order)

		s.logger.Info("payment reconciled",
			"gateway", params.Payment.Gateway,
			"reference", params.Payment.Reference,
			"order_id", repository.UUIDString(order.ID),
			"subscription_id", repository.UUIDString(sub.ID),
			"order_type", params.OrderType,
			"new_subscription", created)

		reconciled = &reconciledPayment{
			order:     order,
			sub:       sub,
			user:      user,
			plan:      plan,
			orderType: params.OrderType,
			newSub:    created,
		}
		return nil
	})

	if txErr != nil {
		// Unique-constraint backstop: a concurrent delivery won the race
		// after our in-transaction check. Read the winner's row.
		if repository.IsUniqueViolation(txErr) {
			if existing, err := s.store.GetOrderByIdempotencyKey(ctx, key); err == nil {
				s.logger.Info("duplicate payment lost insert race",
					"gateway", params.Payment.Gateway,
					"reference", params.Payment.Reference)
				return s.duplicateResult(existing), nil
			}
		}
		return nil, txErr
	}

	// Side effects only after the transaction is durable: a job published
	// before commit can reach a worker that cannot see the rows yet, and a
	// rolled-back payment must never provision anything.
	if reconciled != nil {
		s.recordReconciled(reconciled)
		s.dispatchProvisioning(ctx, reconciled.order, reconciled.sub, reconciled.user, reconciled.plan, reconciled.orderType)
	}
	return result, nil
}

// reconciledPayment carries the rows a committed reconciliation produced, for
// the post-commit dispatch and metrics.
type reconciledPayment struct {
	order     repository.Order
	sub       repository.Subscription
	user      repository.User
	plan      repository.Plan
	orderType string
	newSub    bool
}

func (s *subscriptionOrderService) recordReconciled(r *reconciledPayment) {
	if telemetry.Business == nil {
		return
	}
	gw := r.order.PaymentGateway
	telemetry.Business.OrdersCreated.WithLabelValues(gw, r.orderType).Inc()
	telemetry.Business.RevenueCollected.WithLabelValues(gw, r.order.Currency).Add(r.order.Amount.InexactFloat64())
	if r.newSub {
		telemetry.Business.SubscriptionsCreated.WithLabelValues(gw).Inc()
	}
}

// findOrCreateUser looks the account up by email, creating it with a random
// unusable password and a verified email when the payment is the first
// contact. Password login requires a reset flow first.
func (s *subscriptionOrderService) findOrCreateUser(ctx context.Context, q repository.Querier, email string) (repository.User, error) {
	user, err := q.GetUserByEmail(ctx, email)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return repository.User{}, err
	}

	return q.CreateUser(ctx, repository.CreateUserParams{
		Email:           email,
		PasswordHash:    unusablePassword(),
		EmailVerifiedAt: pgtype.Timestamptz{Time: s.now(), Valid: true},
	})
}

// findOrCreateSubscription resolves the subscription a payment belongs to.
// Provider-linked payments reuse the linked subscription and extend it;
// everything else creates a fresh subscription for one period. New
// subscriptions start pending and only go active once the worker has
// provisioned the panel line.
func (s *subscriptionOrderService) findOrCreateSubscription(ctx context.Context, q repository.Querier, user repository.User, plan repository.Plan, params ReconcileParams) (repository.Subscription, bool, error) {
	now := s.now()

	if params.ProviderSubscriptionID != "" {
		sub, err := q.GetSubscriptionByProviderID(ctx, params.ProviderSubscriptionID)
		if err == nil {
			extended, err := s.extendExisting(ctx, q, sub, plan, now)
			return extended, false, err
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return repository.Subscription{}, false, err
		}
	}

	if params.OrderType == OrderTypeRenewal {
		// A renewal for a subscription we cannot locate still records the
		// payment, but on a new subscription row rather than silently
		// extending the wrong one.
		s.logger.Warn("renewal payment without matching subscription, creating new",
			"provider_subscription_id", params.ProviderSubscriptionID,
			"email", user.Email)
	}

	expires := now.AddDate(0, 0, int(plan.DurationDays))
	sub, err := q.CreateSubscription(ctx, repository.CreateSubscriptionParams{
		UserID:                 user.ID,
		PlanID:                 plan.ID,
		Status:                 string(domain.SubscriptionPending),
		Currency:               currencyOrDefault(params.Payment.Currency, plan.Currency),
		StartsAt:               pgtype.Timestamptz{Time: now, Valid: true},
		ExpiresAt:              pgtype.Timestamptz{Time: expires, Valid: true},
		NextRenewalAt:          pgtype.Timestamptz{Time: expires.AddDate(0, 0, -1), Valid: true},
		AutoRenew:              params.AutoRenew,
		ProviderSubscriptionID: textOrNull(params.ProviderSubscriptionID),
		Metadata:               []byte(`{}`),
	})
	return sub, true, err
}

// extendExisting pushes an existing subscription's expiry one period out.
// Unexpired time is preserved; lapsed subscriptions restart from now.
func (s *subscriptionOrderService) extendExisting(ctx context.Context, q repository.Querier, sub repository.Subscription, plan repository.Plan, now time.Time) (repository.Subscription, error) {
	base := now
	if sub.ExpiresAt.Valid && sub.ExpiresAt.Time.After(now) {
		base = sub.ExpiresAt.Time
	}
	expires := base.AddDate(0, 0, int(plan.DurationDays))

	return q.ExtendSubscription(ctx, repository.ExtendSubscriptionParams{
		ID:            sub.ID,
		Status:        string(domain.SubscriptionActive),
		ExpiresAt:     pgtype.Timestamptz{Time: expires, Valid: true},
		NextRenewalAt: pgtype.Timestamptz{Time: expires.AddDate(0, 0, -1), Valid: true},
	})
}

// resolveAmount converts the gateway-native amount to major units. Stripe and
// Paystack report minor units; WooCommerce reports the order total verbatim.
// A payment with no usable amount falls back to the plan's price so the order
// is still recorded.
func (s *subscriptionOrderService) resolveAmount(payment domain.GatewayPayment, plan repository.Plan) decimal.Decimal {
	switch payment.Gateway {
	case domain.GatewayStripe, domain.GatewayPaystack:
		if payment.AmountMinor > 0 {
			return decimal.New(payment.AmountMinor, -2)
		}
	case domain.GatewayWooCommerce:
		if payment.AmountMajor.IsPositive() {
			return payment.AmountMajor.Round(2)
		}
	}
	s.logger.Warn("payment carried no usable amount, falling back to plan price",
		"gateway", payment.Gateway,
		"reference", payment.Reference,
		"plan", plan.Slug)
	return plan.Price.Round(2)
}

func (s *subscriptionOrderService) dispatchProvisioning(ctx context.Context, order repository.Order, sub repository.Subscription, user repository.User, plan repository.Plan, orderType string) {
	orderID, _ := uuid.FromBytes(order.ID.Bytes[:])
	subID, _ := uuid.FromBytes(sub.ID.Bytes[:])
	userID, _ := uuid.FromBytes(user.ID.Bytes[:])
	planID, _ := uuid.FromBytes(plan.ID.Bytes[:])

	var expires time.Time
	if sub.ExpiresAt.Valid {
		expires = sub.ExpiresAt.Time
	}

	var err error
	if orderType == OrderTypeRenewal {
		err = s.dispatcher.Dispatch(ctx, jobs.JobTypeExtendLine, jobs.ExtendLinePayload{
			OrderID:        orderID,
			SubscriptionID: subID,
			ExpiresAt:      expires,
		})
	} else {
		err = s.dispatcher.Dispatch(ctx, jobs.JobTypeProvisionLine, jobs.ProvisionLinePayload{
			OrderID:        orderID,
			SubscriptionID: subID,
			UserID:         userID,
			PlanID:         planID,
			Email:          user.Email,
			ExpiresAt:      expires,
		})
	}
	if err != nil {
		// Provisioning dispatch must not void the payment record. The
		// reconciliation sweep picks up pending orders the broker missed.
		s.logger.Error("provisioning dispatch failed",
			"order_id", repository.UUIDString(order.ID),
			"error", err)
	}
}

// MarkRefunded moves the order for a refunded transaction to refunded and
// suspends the subscription it paid for.
func (s *subscriptionOrderService) MarkRefunded(ctx context.Context, gateway domain.Gateway, transactionID string) error {
	var suspendedSub pgtype.UUID
	err := s.store.InTx(ctx, func(q repository.Querier) error {
		order, err := q.GetOrderByTransactionID(ctx, repository.GetOrderByTransactionIDParams{
			PaymentGateway:       string(gateway),
			GatewayTransactionID: transactionID,
		})
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrOrderNotFound
			}
			return err
		}

		if err := q.UpdateOrderStatus(ctx, repository.UpdateOrderStatusParams{
			ID:     order.ID,
			Status: string(domain.OrderRefunded),
		}); err != nil {
			return err
		}

		if err := q.UpdateSubscriptionStatus(ctx, repository.UpdateSubscriptionStatusParams{
			ID:     order.SubscriptionID,
			Status: string(domain.SubscriptionSuspended),
		}); err != nil {
			return err
		}

		suspendedSub = order.SubscriptionID

		s.logger.Info("order refunded",
			"gateway", gateway,
			"transaction_id", transactionID,
			"order_id", repository.UUIDString(order.ID))
		return nil
	})
	if err != nil {
		return err
	}

	if suspendedSub.Valid {
		subID, _ := uuid.FromBytes(suspendedSub.Bytes[:])
		if err := s.dispatcher.Dispatch(ctx, jobs.JobTypeSuspendLine, jobs.SuspendLinePayload{
			SubscriptionID: subID,
			Reason:         "refund",
		}); err != nil {
			s.logger.Error("suspend dispatch failed",
				"subscription_id", repository.UUIDString(suspendedSub),
				"error", err)
		}
	}
	return nil
}

func (s *subscriptionOrderService) duplicateResult(order repository.Order) *domain.WebhookResult {
	result := &domain.WebhookResult{
		Success:   true,
		Message:   "payment already processed",
		Duplicate: true,
	}
	setResultIDs(result, order)
	return result
}

func setResultIDs(result *domain.WebhookResult, order repository.Order) {
	orderID, _ := uuid.FromBytes(order.ID.Bytes[:])
	userID, _ := uuid.FromBytes(order.UserID.Bytes[:])
	subID, _ := uuid.FromBytes(order.SubscriptionID.Bytes[:])
	planID, _ := uuid.FromBytes(order.PlanID.Bytes[:])
	result.OrderID = &orderID
	result.UserID = &userID
	result.SubscriptionID = &subID
	result.PlanID = &planID
}

// encodeAuthorization serializes stored-authorization data for the order's
// gateway_metadata column.
func encodeAuthorization(auth domain.AuthorizationData) ([]byte, error) {
	data, err := json.Marshal(auth)
	if err != nil {
		return nil, domain.WrapError(err, domain.EINTERNAL, "reconciler.ReconcilePayment", "failed to encode authorization data")
	}
	return data, nil
}

// unusablePassword returns a marker hash no password can ever match. Accounts
// created from payments set a real password through the reset flow.
func unusablePassword() string {
	buf := make([]byte, 32)
	rand.Read(buf)
	return "!" + hex.EncodeToString(buf)
}

func textOrNull(s string) pgtype.Text {
	if s == "" {
		return pgtype.Text{}
	}
	return pgtype.Text{String: s, Valid: true}
}

func currencyOrDefault(currency, fallback string) string {
	if currency != "" {
		return currency
	}
	return fallback
}

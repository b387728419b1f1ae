package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"

	"github.com/vexacloud/streambill/internal/domain"
	"github.com/vexacloud/streambill/internal/gateway"
	"github.com/vexacloud/streambill/internal/jobs"
	"github.com/vexacloud/streambill/internal/proration"
	"github.com/vexacloud/streambill/internal/repository"
	"github.com/vexacloud/streambill/internal/telemetry"
)

// SubscriptionRenewalService charges stored authorizations for subscriptions
// coming up on expiry and extends the ones that pay.
type SubscriptionRenewalService interface {
	// ProcessDueRenewals sweeps subscriptions whose next_renewal_at has
	// passed and renews each. Returns how many renewed and how many failed.
	ProcessDueRenewals(ctx context.Context, limit int32) (renewed, failed int, err error)

	// RenewSubscription renews one subscription: applies any due scheduled
	// plan change, charges the stored authorization, extends the period.
	RenewSubscription(ctx context.Context, subscriptionID pgtype.UUID) error
}

// subscriptionMetadata is the semi-structured state kept on the subscription
// row between renewal attempts.
type subscriptionMetadata struct {
	RenewalFailures int    `json:"renewal_failures,omitempty"`
	LastFailure     string `json:"last_failure,omitempty"`
}

type subscriptionRenewalService struct {
	store       Store
	gateways    *gateway.Manager
	planChanges PlanChangeService
	dispatcher  jobs.Dispatcher
	logger      *slog.Logger
	now         func() time.Time

	// maxFailures is how many consecutive declines disable auto-renew.
	maxFailures int
}

// NewSubscriptionRenewalService creates the renewal service.
func NewSubscriptionRenewalService(store Store, gateways *gateway.Manager, planChanges PlanChangeService, dispatcher jobs.Dispatcher, maxFailures int, logger *slog.Logger) SubscriptionRenewalService {
	if maxFailures <= 0 {
		maxFailures = 3
	}
	return &subscriptionRenewalService{
		store:       store,
		gateways:    gateways,
		planChanges: planChanges,
		dispatcher:  dispatcher,
		logger:      logger.With("service", "renewal"),
		now:         time.Now,
		maxFailures: maxFailures,
	}
}

func (s *subscriptionRenewalService) ProcessDueRenewals(ctx context.Context, limit int32) (int, int, error) {
	if limit <= 0 {
		limit = 100
	}
	due, err := s.store.ListSubscriptionsDueForRenewal(ctx, repository.ListSubscriptionsDueForRenewalParams{
		Now:   pgtype.Timestamptz{Time: s.now(), Valid: true},
		Limit: limit,
	})
	if err != nil {
		return 0, 0, err
	}

	var renewed, failed int
	for _, sub := range due {
		if err := s.RenewSubscription(ctx, sub.ID); err != nil {
			failed++
			s.logger.Warn("renewal failed",
				"subscription_id", repository.UUIDString(sub.ID),
				"error", err)
			continue
		}
		renewed++
	}

	if len(due) > 0 {
		s.logger.Info("renewal sweep finished",
			"due", len(due),
			"renewed", renewed,
			"failed", failed)
	}
	return renewed, failed, nil
}

func (s *subscriptionRenewalService) RenewSubscription(ctx context.Context, subscriptionID pgtype.UUID) error {
	sub, err := s.store.GetSubscriptionByID(ctx, subscriptionID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrSubscriptionNotFound
		}
		return err
	}
	if sub.Status != string(domain.SubscriptionActive) {
		return ErrSubscriptionNotActive
	}

	// A due scheduled plan change applies before the charge so the renewal
	// bills the new plan.
	sub, err = s.applyDueSchedule(ctx, sub)
	if err != nil {
		return err
	}

	if !sub.AutoRenew {
		// The sweep picked it up only for its schedule; nothing to charge.
		return nil
	}

	plan, err := s.store.GetPlanByID(ctx, sub.PlanID)
	if err != nil {
		return err
	}
	prices, err := s.store.ListActivePlanPrices(ctx, sub.PlanID)
	if err != nil {
		return err
	}

	user, err := s.store.GetUserByID(ctx, sub.UserID)
	if err != nil {
		return err
	}

	// The stored authorization lives on the last order that delivered
	// service. Fail fast when there is nothing chargeable on file.
	lastOrder, err := s.store.GetLastProvisionedOrder(ctx, sub.ID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return s.recordFailure(ctx, sub, "", "no chargeable order on file", ErrNoStoredAuthorization)
		}
		return err
	}
	gw := domain.Gateway(lastOrder.PaymentGateway)

	auth, err := domain.ParseAuthorizationData(lastOrder.GatewayMetadata)
	if err != nil {
		return s.recordFailure(ctx, sub, gw, "malformed stored authorization", err)
	}

	provider, err := s.gateways.Gateway(gw)
	if err != nil {
		return s.recordFailure(ctx, sub, gw, "gateway unavailable", err)
	}

	pricing := proration.PlanPricing{Plan: plan, Prices: prices}
	price := pricing.Price(gw, sub.Currency).Round(2)

	// Stored downgrade credit offsets the charge.
	creditUsed := decimal.Zero
	amount := price
	if sub.CreditBalance.IsPositive() {
		creditUsed = decimal.Min(sub.CreditBalance, price)
		amount = price.Sub(creditUsed)
	}

	reference := fmt.Sprintf("rn_%s", uuid.New().String())

	var charge *gateway.ChargeResult
	if amount.IsPositive() {
		charge, err = provider.ChargeRecurring(ctx, gateway.ChargeParams{
			Authorization: auth,
			Email:         user.Email,
			Amount:        amount,
			Currency:      sub.Currency,
			Reference:     reference,
			Metadata: map[string]string{
				"subscription_id": repository.UUIDString(sub.ID),
				"order_type":      OrderTypeRenewal,
			},
		})
		if err != nil {
			if errors.Is(err, gateway.ErrMissingAuthorization) {
				return s.recordFailure(ctx, sub, gw, "no stored authorization", err)
			}
			return s.recordFailure(ctx, sub, gw, "charge declined", err)
		}
	} else {
		// Credit covered the whole period; no gateway call needed.
		charge = &gateway.ChargeResult{
			Reference:     reference,
			TransactionID: reference,
			Success:       true,
			Authorization: auth,
		}
	}

	return s.recordRenewal(ctx, sub, plan, user, gw, amount, creditUsed, charge)
}

// applyDueSchedule executes a scheduled plan change whose effective time has
// passed and reloads the subscription.
func (s *subscriptionRenewalService) applyDueSchedule(ctx context.Context, sub repository.Subscription) (repository.Subscription, error) {
	if !sub.ScheduledPlanID.Valid {
		return sub, nil
	}
	if sub.PlanChangeScheduledAt.Valid && sub.PlanChangeScheduledAt.Time.After(s.now()) {
		return sub, nil
	}

	change, err := s.store.GetScheduledPlanChange(ctx, sub.ID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Schedule column points at nothing; clear the dangling state.
			if err := s.store.ClearSubscriptionSchedule(ctx, sub.ID); err != nil {
				return sub, err
			}
			return s.store.GetSubscriptionByID(ctx, sub.ID)
		}
		return sub, err
	}

	if err := s.planChanges.ExecuteScheduledChange(ctx, change.ID); err != nil {
		return sub, err
	}

	s.logger.Info("scheduled plan change applied at renewal",
		"subscription_id", repository.UUIDString(sub.ID),
		"plan_change_id", repository.UUIDString(change.ID))

	return s.store.GetSubscriptionByID(ctx, sub.ID)
}

// recordRenewal persists the successful charge: renewal order, transaction,
// extended period, consumed credit, reset failure counter.
func (s *subscriptionRenewalService) recordRenewal(ctx context.Context, sub repository.Subscription, plan repository.Plan, user repository.User, gw domain.Gateway, amount, creditUsed decimal.Decimal, charge *gateway.ChargeResult) error {
	now := s.now()

	var renewalOrder repository.Order
	var renewedUntil time.Time
	err := s.store.InTx(ctx, func(q repository.Querier) error {
		authData, err := encodeAuthorization(charge.Authorization)
		if err != nil {
			return err
		}

		order, err := q.CreateOrder(ctx, repository.CreateOrderParams{
			UserID:               sub.UserID,
			SubscriptionID:       sub.ID,
			PlanID:               plan.ID,
			Amount:               amount,
			Currency:             sub.Currency,
			Status:               string(domain.OrderPendingProvisioning),
			OrderType:            OrderTypeRenewal,
			PaymentGateway:       string(gw),
			GatewayTransactionID: textOrNull(charge.TransactionID),
			GatewayMetadata:      authData,
			IdempotencyKey:       IdempotencyKey(gw, charge.Reference),
			WebhookPayload:       charge.Raw,
		})
		if err != nil {
			return err
		}

		if _, err := q.UpsertPaymentTransaction(ctx, repository.UpsertPaymentTransactionParams{
			Reference:       charge.Reference,
			OrderID:         order.ID,
			Gateway:         string(gw),
			Amount:          amount,
			Currency:        sub.Currency,
			Status:          string(domain.TransactionSuccess),
			GatewayResponse: charge.Raw,
		}); err != nil {
			return err
		}

		// Unexpired time is preserved: extend from the current expiry, not
		// from now, unless the subscription already lapsed.
		base := now
		if sub.ExpiresAt.Valid && sub.ExpiresAt.Time.After(now) {
			base = sub.ExpiresAt.Time
		}
		expires := base.AddDate(0, 0, int(plan.DurationDays))

		extended, err := q.ExtendSubscription(ctx, repository.ExtendSubscriptionParams{
			ID:            sub.ID,
			Status:        string(domain.SubscriptionActive),
			ExpiresAt:     pgtype.Timestamptz{Time: expires, Valid: true},
			NextRenewalAt: pgtype.Timestamptz{Time: expires.AddDate(0, 0, -1), Valid: true},
		})
		if err != nil {
			return err
		}

		if creditUsed.IsPositive() {
			if err := q.AddSubscriptionCredit(ctx, repository.AddSubscriptionCreditParams{
				ID:     sub.ID,
				Amount: creditUsed.Neg(),
			}); err != nil {
				return err
			}
		}

		// Successful renewal clears the failure counter.
		meta, _ := json.Marshal(subscriptionMetadata{})
		if err := q.UpdateSubscriptionRenewalState(ctx, repository.UpdateSubscriptionRenewalStateParams{
			ID:        sub.ID,
			AutoRenew: true,
			Metadata:  meta,
		}); err != nil {
			return err
		}

		renewalOrder = order
		renewedUntil = extended.ExpiresAt.Time

		s.logger.Info("subscription renewed",
			"subscription_id", repository.UUIDString(sub.ID),
			"gateway", gw,
			"amount", amount,
			"credit_used", creditUsed,
			"expires_at", extended.ExpiresAt.Time)
		return nil
	})
	if err != nil {
		return err
	}

	// Dispatch only once the renewal is durable; a job consumed against
	// uncommitted rows is a job lost.
	subID, _ := uuid.FromBytes(sub.ID.Bytes[:])
	orderID, _ := uuid.FromBytes(renewalOrder.ID.Bytes[:])
	if err := s.dispatcher.Dispatch(ctx, jobs.JobTypeExtendLine, jobs.ExtendLinePayload{
		OrderID:        orderID,
		SubscriptionID: subID,
		ExpiresAt:      renewedUntil,
	}); err != nil {
		s.logger.Error("extend dispatch failed",
			"subscription_id", repository.UUIDString(sub.ID),
			"error", err)
	}

	if telemetry.Business != nil {
		telemetry.Business.SubscriptionRenewals.WithLabelValues(string(gw)).Inc()
	}
	return nil
}

// recordFailure bumps the consecutive-failure counter and disables auto-renew
// after the limit, so a dead card stops being retried every sweep.
func (s *subscriptionRenewalService) recordFailure(ctx context.Context, sub repository.Subscription, gw domain.Gateway, reason string, cause error) error {
	var meta subscriptionMetadata
	if len(sub.Metadata) > 0 {
		// Malformed metadata starts the counter over rather than blocking
		// the failure from being recorded.
		_ = json.Unmarshal(sub.Metadata, &meta)
	}
	meta.RenewalFailures++
	meta.LastFailure = reason

	autoRenew := meta.RenewalFailures < s.maxFailures
	encoded, err := json.Marshal(meta)
	if err != nil {
		return err
	}

	if err := s.store.UpdateSubscriptionRenewalState(ctx, repository.UpdateSubscriptionRenewalStateParams{
		ID:        sub.ID,
		AutoRenew: autoRenew,
		Metadata:  encoded,
	}); err != nil {
		return err
	}

	if telemetry.Business != nil {
		label := string(gw)
		if label == "" {
			label = "unknown"
		}
		telemetry.Business.RenewalFailures.WithLabelValues(label, reason).Inc()
	}

	if !autoRenew {
		s.logger.Warn("auto-renew disabled after repeated failures",
			"subscription_id", repository.UUIDString(sub.ID),
			"failures", meta.RenewalFailures)
	}

	return fmt.Errorf("%w: %s: %v", ErrRenewalChargeFailed, reason, cause)
}

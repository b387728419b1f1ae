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

	"github.com/vexacloud/streambill/internal/domain"
	"github.com/vexacloud/streambill/internal/gateway"
	"github.com/vexacloud/streambill/internal/jobs"
	"github.com/vexacloud/streambill/internal/proration"
	"github.com/vexacloud/streambill/internal/repository"
	"github.com/vexacloud/streambill/internal/telemetry"
)

// PlanChangeService runs the upgrade/downgrade workflow: eligibility,
// proration, payment collection for upgrades, and the state machine from
// pending through completed, failed or cancelled.
type PlanChangeService interface {
	// CanChangePlan reports whether the subscription may move to the target
	// plan, with a caller-facing reason when it may not.
	CanChangePlan(ctx context.Context, subscriptionID, toPlanID pgtype.UUID) (bool, string, error)

	// PreviewChange computes the proration for a prospective change without
	// persisting anything.
	PreviewChange(ctx context.Context, subscriptionID, toPlanID pgtype.UUID, gw domain.Gateway) (*proration.Result, error)

	// InitiateImmediateChange starts an immediate change. Upgrades with an
	// amount due return a checkout URL and stay pending until the payment
	// webhook lands; zero-due changes and downgrades execute before returning.
	InitiateImmediateChange(ctx context.Context, params InitiateChangeParams) (*ChangeIntent, error)

	// ScheduleChange records a change that takes effect at the end of the
	// current billing period.
	ScheduleChange(ctx context.Context, params InitiateChangeParams) (*ChangeIntent, error)

	// ExecuteScheduledChange applies a due scheduled change. Called by the
	// renewal path when the period rolls over.
	ExecuteScheduledChange(ctx context.Context, planChangeID pgtype.UUID) error

	// CancelChange cancels a pending or scheduled change. Terminal changes
	// are left untouched.
	CancelChange(ctx context.Context, planChangeID pgtype.UUID) error

	// HandlePaymentSuccess completes the pending change whose payment
	// reference just settled. Replays of the same reference are no-ops.
	HandlePaymentSuccess(ctx context.Context, reference string, payment domain.GatewayPayment) (*domain.WebhookResult, error)

	// HandlePaymentFailure fails the pending change whose payment was
	// declined or abandoned.
	HandlePaymentFailure(ctx context.Context, reference string, reason string) error
}

// InitiateChangeParams identifies the change to start.
type InitiateChangeParams struct {
	SubscriptionID pgtype.UUID
	ToPlanID       pgtype.UUID

	// Gateway collects the upgrade payment. Empty uses the default gateway.
	Gateway domain.Gateway

	// CallbackURL is where the customer lands after hosted checkout.
	CallbackURL string

	// Email overrides the account email for checkout. Empty uses the
	// subscription owner's email.
	Email string
}

// ChangeIntent is the outcome of initiating a change.
type ChangeIntent struct {
	PlanChangeID uuid.UUID        `json:"plan_change_id"`
	Status       string           `json:"status"`
	Calculation  proration.Result `json:"calculation"`

	// CheckoutURL is set when the change awaits an upgrade payment.
	CheckoutURL string `json:"checkout_url,omitempty"`

	// EffectiveAt is set for scheduled changes.
	EffectiveAt *time.Time `json:"effective_at,omitempty"`
}

type planChangeService struct {
	store      Store
	calc       *proration.Calculator
	gateways   *gateway.Manager
	dispatcher jobs.Dispatcher
	logger     *slog.Logger
	now        func() time.Time
}

// NewPlanChangeService creates the plan change workflow service.
func NewPlanChangeService(store Store, calc *proration.Calculator, gateways *gateway.Manager, dispatcher jobs.Dispatcher, logger *slog.Logger) PlanChangeService {
	return &planChangeService{
		store:      store,
		calc:       calc,
		gateways:   gateways,
		dispatcher: dispatcher,
		logger:     logger.With("service", "plan_change"),
		now:        time.Now,
	}
}

func (s *planChangeService) CanChangePlan(ctx context.Context, subscriptionID, toPlanID pgtype.UUID) (bool, string, error) {
	err := s.checkEligible(ctx, subscriptionID, toPlanID)
	switch {
	case err == nil:
		return true, "", nil
	case errors.Is(err, ErrSubscriptionNotFound):
		return false, "subscription not found", nil
	case errors.Is(err, ErrSubscriptionNotActive):
		return false, "subscription is not active", nil
	case errors.Is(err, ErrSamePlan):
		return false, "already on this plan", nil
	case errors.Is(err, ErrPlanNotFound):
		return false, "target plan not found", nil
	case errors.Is(err, ErrPlanInactive):
		return false, "target plan is not available", nil
	default:
		return false, "", err
	}
}

// checkEligible enforces the change preconditions: an active subscription
// moving to a different, active plan.
func (s *planChangeService) checkEligible(ctx context.Context, subscriptionID, toPlanID pgtype.UUID) error {
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
	if sub.PlanID == toPlanID {
		return ErrSamePlan
	}

	plan, err := s.store.GetPlanByID(ctx, toPlanID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrPlanNotFound
		}
		return err
	}
	if !plan.IsActive {
		return ErrPlanInactive
	}

	return nil
}

func (s *planChangeService) PreviewChange(ctx context.Context, subscriptionID, toPlanID pgtype.UUID, gw domain.Gateway) (*proration.Result, error) {
	sub, current, target, err := s.loadChangeContext(ctx, s.store, subscriptionID, toPlanID)
	if err != nil {
		return nil, err
	}
	result := s.calc.Calculate(sub, current, target, gw)
	return &result, nil
}

func (s *planChangeService) InitiateImmediateChange(ctx context.Context, params InitiateChangeParams) (*ChangeIntent, error) {
	if err := s.checkEligible(ctx, params.SubscriptionID, params.ToPlanID); err != nil {
		return nil, err
	}

	var intent *ChangeIntent
	var completed *repository.PlanChange
	err := s.store.InTx(ctx, func(q repository.Querier) error {
		sub, current, target, err := s.loadChangeContext(ctx, q, params.SubscriptionID, params.ToPlanID)
		if err != nil {
			return err
		}

		// One open change per subscription. Starting a new one supersedes
		// anything still pending or scheduled.
		cancelled, err := q.CancelOpenPlanChanges(ctx, sub.ID)
		if err != nil {
			return err
		}
		if cancelled > 0 {
			s.logger.Info("superseded open plan changes",
				"subscription_id", repository.UUIDString(sub.ID),
				"cancelled", cancelled)
		}

		calc := s.calc.Calculate(sub, current, target, params.Gateway)
		details, err := json.Marshal(calc)
		if err != nil {
			return err
		}

		change, err := q.CreatePlanChange(ctx, repository.CreatePlanChangeParams{
			SubscriptionID:     sub.ID,
			FromPlanID:         current.Plan.ID,
			ToPlanID:           target.Plan.ID,
			ChangeType:         string(calc.Type),
			Status:             string(domain.PlanChangePending),
			ExecutionType:      string(domain.ExecutionImmediate),
			ProrationAmount:    calc.AmountDue,
			CreditAmount:       calc.CreditToApply,
			CalculationDetails: details,
		})
		if err != nil {
			return err
		}

		changeID, _ := uuid.FromBytes(change.ID.Bytes[:])
		intent = &ChangeIntent{
			PlanChangeID: changeID,
			Status:       string(domain.PlanChangePending),
			Calculation:  calc,
		}

		if calc.AmountDue.IsPositive() {
			return s.startUpgradePayment(ctx, q, change, sub, calc, params, intent)
		}

		// Nothing to collect: apply the change now.
		completed, err = s.applyChange(ctx, q, change.ID, pgtype.UUID{})
		if err != nil {
			return err
		}
		intent.Status = string(domain.PlanChangeCompleted)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.finishChange(ctx, completed)
	return intent, nil
}

// startUpgradePayment opens a hosted checkout for the amount due and pins the
// gateway reference on the change so the webhook can find it.
func (s *planChangeService) startUpgradePayment(ctx context.Context, q repository.Querier, change repository.PlanChange, sub repository.Subscription, calc proration.Result, params InitiateChangeParams, intent *ChangeIntent) error {
	var provider gateway.Provider
	var err error
	if params.Gateway != "" {
		provider, err = s.gateways.Gateway(params.Gateway)
	} else {
		provider, err = s.gateways.DefaultGateway()
	}
	if err != nil {
		return err
	}

	email := params.Email
	if email == "" {
		user, err := s.ownerEmail(ctx, q, sub)
		if err != nil {
			return err
		}
		email = user
	}

	reference := fmt.Sprintf("pc_%s", repository.UUIDString(change.ID))
	session, err := provider.InitiatePayment(ctx, gateway.InitiatePaymentParams{
		Email:       email,
		Amount:      calc.AmountDue,
		Currency:    calc.Currency,
		Reference:   reference,
		CallbackURL: params.CallbackURL,
		Metadata: map[string]string{
			"plan_change_id": repository.UUIDString(change.ID),
		},
	})
	if err != nil {
		return err
	}

	if err := q.SetPlanChangePayment(ctx, repository.SetPlanChangePaymentParams{
		ID:               change.ID,
		PaymentReference: pgtype.Text{String: session.Reference, Valid: true},
		PaymentGateway:   pgtype.Text{String: string(provider.Identifier()), Valid: true},
	}); err != nil {
		return err
	}

	intent.CheckoutURL = session.CheckoutURL
	s.logger.Info("upgrade payment initiated",
		"plan_change_id", repository.UUIDString(change.ID),
		"gateway", provider.Identifier(),
		"amount_due", calc.AmountDue,
		"reference", session.Reference)
	return nil
}

func (s *planChangeService) ScheduleChange(ctx context.Context, params InitiateChangeParams) (*ChangeIntent, error) {
	if err := s.checkEligible(ctx, params.SubscriptionID, params.ToPlanID); err != nil {
		return nil, err
	}

	var intent *ChangeIntent
	err := s.store.InTx(ctx, func(q repository.Querier) error {
		sub, current, target, err := s.loadChangeContext(ctx, q, params.SubscriptionID, params.ToPlanID)
		if err != nil {
			return err
		}
		if !sub.ExpiresAt.Valid {
			return domain.Invalid("plan_change.Schedule", "subscription has no expiry to schedule against")
		}

		if _, err := q.CancelOpenPlanChanges(ctx, sub.ID); err != nil {
			return err
		}

		// Scheduled changes take effect at rollover, so the stored
		// calculation is informational: the full new price is charged then.
		calc := s.calc.Calculate(sub, current, target, params.Gateway)
		details, err := json.Marshal(calc)
		if err != nil {
			return err
		}

		effective := sub.ExpiresAt.Time
		change, err := q.CreatePlanChange(ctx, repository.CreatePlanChangeParams{
			SubscriptionID:     sub.ID,
			FromPlanID:         current.Plan.ID,
			ToPlanID:           target.Plan.ID,
			ChangeType:         string(calc.Type),
			Status:             string(domain.PlanChangeScheduled),
			ExecutionType:      string(domain.ExecutionScheduled),
			CalculationDetails: details,
			ScheduledAt:        pgtype.Timestamptz{Time: effective, Valid: true},
		})
		if err != nil {
			return err
		}

		if err := q.SetSubscriptionSchedule(ctx, repository.SetSubscriptionScheduleParams{
			ID:                    sub.ID,
			ScheduledPlanID:       target.Plan.ID,
			PlanChangeScheduledAt: pgtype.Timestamptz{Time: effective, Valid: true},
		}); err != nil {
			return err
		}

		changeID, _ := uuid.FromBytes(change.ID.Bytes[:])
		intent = &ChangeIntent{
			PlanChangeID: changeID,
			Status:       string(domain.PlanChangeScheduled),
			Calculation:  calc,
			EffectiveAt:  &effective,
		}

		s.logger.Info("plan change scheduled",
			"subscription_id", repository.UUIDString(sub.ID),
			"to_plan", target.Plan.Slug,
			"effective_at", effective)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return intent, nil
}

func (s *planChangeService) ExecuteScheduledChange(ctx context.Context, planChangeID pgtype.UUID) error {
	var completed *repository.PlanChange
	err := s.store.InTx(ctx, func(q repository.Querier) error {
		change, err := q.GetPlanChangeForUpdate(ctx, planChangeID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrPlanChangeNotFound
			}
			return err
		}

		status := domain.PlanChangeStatus(change.Status)
		if status.Terminal() {
			// Replay of an already-applied rollover.
			return nil
		}
		if status != domain.PlanChangeScheduled {
			return ErrPlanChangeNotPending
		}
		if change.ScheduledAt.Valid && change.ScheduledAt.Time.After(s.now()) {
			return ErrScheduleNotDue
		}

		completed, err = s.applyChange(ctx, q, change.ID, pgtype.UUID{})
		if err != nil {
			return err
		}
		return q.ClearSubscriptionSchedule(ctx, change.SubscriptionID)
	})
	if err != nil {
		return err
	}
	s.finishChange(ctx, completed)
	return nil
}

func (s *planChangeService) CancelChange(ctx context.Context, planChangeID pgtype.UUID) error {
	return s.store.InTx(ctx, func(q repository.Querier) error {
		change, err := q.GetPlanChangeForUpdate(ctx, planChangeID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrPlanChangeNotFound
			}
			return err
		}

		status := domain.PlanChangeStatus(change.Status)
		if !status.Cancellable() {
			return ErrPlanChangeTerminal
		}

		if err := q.UpdatePlanChangeStatus(ctx, repository.UpdatePlanChangeStatusParams{
			ID:     change.ID,
			Status: string(domain.PlanChangeCancelled),
		}); err != nil {
			return err
		}

		if change.ExecutionType == string(domain.ExecutionScheduled) {
			if err := q.ClearSubscriptionSchedule(ctx, change.SubscriptionID); err != nil {
				return err
			}
		}

		s.logger.Info("plan change cancelled",
			"plan_change_id", repository.UUIDString(change.ID))
		return nil
	})
}

func (s *planChangeService) HandlePaymentSuccess(ctx context.Context, reference string, payment domain.GatewayPayment) (*domain.WebhookResult, error) {
	result := &domain.WebhookResult{Success: true, Message: "plan change completed"}

	var completed *repository.PlanChange
	err := s.store.InTx(ctx, func(q repository.Querier) error {
		change, err := q.GetPlanChangeByPaymentReference(ctx, reference)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrPlanChangeNotFound
			}
			return err
		}

		// Re-read under lock; the reference lookup is not FOR UPDATE.
		change, err = q.GetPlanChangeForUpdate(ctx, change.ID)
		if err != nil {
			return err
		}

		status := domain.PlanChangeStatus(change.Status)
		if status.Terminal() {
			result.Message = "plan change already settled"
			result.Duplicate = true
			return nil
		}

		sub, err := q.GetSubscriptionByID(ctx, change.SubscriptionID)
		if err != nil {
			return err
		}

		// Record the upgrade payment as its own order on the subscription.
		authData, err := encodeAuthorization(payment.Authorization)
		if err != nil {
			return err
		}
		order, err := q.CreateOrder(ctx, repository.CreateOrderParams{
			UserID:               sub.UserID,
			SubscriptionID:       sub.ID,
			PlanID:               change.ToPlanID,
			Amount:               change.ProrationAmount,
			Currency:             sub.Currency,
			Status:               string(domain.OrderProvisioned),
			OrderType:            OrderTypePlanChange,
			PaymentGateway:       string(payment.Gateway),
			GatewayTransactionID: textOrNull(payment.TransactionID),
			GatewayMetadata:      authData,
			IdempotencyKey:       IdempotencyKey(payment.Gateway, reference),
			WebhookPayload:       payment.Raw,
		})
		if err != nil {
			return err
		}

		if _, err := q.UpsertPaymentTransaction(ctx, repository.UpsertPaymentTransactionParams{
			Reference:       reference,
			OrderID:         order.ID,
			Gateway:         string(payment.Gateway),
			Amount:          change.ProrationAmount,
			Currency:        sub.Currency,
			Status:          string(domain.TransactionSuccess),
			GatewayResponse: payment.Raw,
		}); err != nil {
			return err
		}

		subID, _ := uuid.FromBytes(sub.ID.Bytes[:])
		orderID, _ := uuid.FromBytes(order.ID.Bytes[:])
		planID, _ := uuid.FromBytes(change.ToPlanID.Bytes[:])
		result.SubscriptionID = &subID
		result.OrderID = &orderID
		result.PlanID = &planID

		completed, err = s.applyChange(ctx, q, change.ID, order.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.finishChange(ctx, completed)
	return result, nil
}

func (s *planChangeService) HandlePaymentFailure(ctx context.Context, reference string, reason string) error {
	var failedType string
	err := s.store.InTx(ctx, func(q repository.Querier) error {
		change, err := q.GetPlanChangeByPaymentReference(ctx, reference)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrPlanChangeNotFound
			}
			return err
		}

		change, err = q.GetPlanChangeForUpdate(ctx, change.ID)
		if err != nil {
			return err
		}

		status := domain.PlanChangeStatus(change.Status)
		if status.Terminal() {
			// Failure webhook after completion or cancellation: ignore.
			return nil
		}

		if err := q.UpdatePlanChangeStatus(ctx, repository.UpdatePlanChangeStatusParams{
			ID:            change.ID,
			Status:        string(domain.PlanChangeFailed),
			FailureReason: textOrNull(reason),
		}); err != nil {
			return err
		}

		failedType = change.ChangeType
		s.logger.Warn("plan change payment failed",
			"plan_change_id", repository.UUIDString(change.ID),
			"reason", reason)
		return nil
	})
	if err != nil {
		return err
	}
	if failedType != "" && telemetry.Business != nil {
		telemetry.Business.PlanChanges.WithLabelValues(failedType, string(domain.PlanChangeFailed)).Inc()
	}
	return nil
}

// applyChange is the single place a change becomes completed: the
// subscription moves to the target plan and any downgrade credit is applied
// exactly once. Caller holds the row lock. Returns the applied change so the
// caller can dispatch the panel job after its transaction commits; nil means
// the change was already terminal.
func (s *planChangeService) applyChange(ctx context.Context, q repository.Querier, planChangeID, orderID pgtype.UUID) (*repository.PlanChange, error) {
	change, err := q.GetPlanChangeForUpdate(ctx, planChangeID)
	if err != nil {
		return nil, err
	}
	if domain.PlanChangeStatus(change.Status).Terminal() {
		return nil, nil
	}

	if _, err := q.UpdateSubscriptionPlan(ctx, repository.UpdateSubscriptionPlanParams{
		ID:     change.SubscriptionID,
		PlanID: change.ToPlanID,
	}); err != nil {
		return nil, err
	}

	if change.CreditAmount.IsPositive() {
		if err := q.AddSubscriptionCredit(ctx, repository.AddSubscriptionCreditParams{
			ID:     change.SubscriptionID,
			Amount: change.CreditAmount,
		}); err != nil {
			return nil, err
		}
	}

	if err := q.CompletePlanChange(ctx, repository.CompletePlanChangeParams{
		ID:          change.ID,
		OrderID:     orderID,
		CompletedAt: pgtype.Timestamptz{Time: s.now(), Valid: true},
	}); err != nil {
		return nil, err
	}

	s.logger.Info("plan change completed",
		"plan_change_id", repository.UUIDString(change.ID),
		"subscription_id", repository.UUIDString(change.SubscriptionID),
		"change_type", change.ChangeType,
		"credit_applied", change.CreditAmount)
	return &change, nil
}

// finishChange runs the post-commit side effects of a completed change: the
// panel job and the outcome counter. Dispatching before commit would let a
// worker race rows it cannot see yet, or provision a change that rolls back.
func (s *planChangeService) finishChange(ctx context.Context, change *repository.PlanChange) {
	if change == nil {
		return
	}

	subID, _ := uuid.FromBytes(change.SubscriptionID.Bytes[:])
	changeID, _ := uuid.FromBytes(change.ID.Bytes[:])
	fromID, _ := uuid.FromBytes(change.FromPlanID.Bytes[:])
	toID, _ := uuid.FromBytes(change.ToPlanID.Bytes[:])
	if err := s.dispatcher.Dispatch(ctx, jobs.JobTypeChangeLinePlan, jobs.ChangeLinePlanPayload{
		SubscriptionID: subID,
		PlanChangeID:   changeID,
		FromPlanID:     fromID,
		ToPlanID:       toID,
	}); err != nil {
		s.logger.Error("plan change dispatch failed",
			"plan_change_id", repository.UUIDString(change.ID),
			"error", err)
	}

	if telemetry.Business != nil {
		telemetry.Business.PlanChanges.WithLabelValues(change.ChangeType, string(domain.PlanChangeCompleted)).Inc()
	}
}

// loadChangeContext fetches the subscription plus current and target plan
// pricing in one place.
func (s *planChangeService) loadChangeContext(ctx context.Context, q repository.Querier, subscriptionID, toPlanID pgtype.UUID) (repository.Subscription, proration.PlanPricing, proration.PlanPricing, error) {
	var zero proration.PlanPricing

	sub, err := q.GetSubscriptionByID(ctx, subscriptionID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.Subscription{}, zero, zero, ErrSubscriptionNotFound
		}
		return repository.Subscription{}, zero, zero, err
	}

	current, err := s.loadPricing(ctx, q, sub.PlanID)
	if err != nil {
		return repository.Subscription{}, zero, zero, err
	}
	target, err := s.loadPricing(ctx, q, toPlanID)
	if err != nil {
		return repository.Subscription{}, zero, zero, err
	}
	return sub, current, target, nil
}

func (s *planChangeService) loadPricing(ctx context.Context, q repository.Querier, planID pgtype.UUID) (proration.PlanPricing, error) {
	plan, err := q.GetPlanByID(ctx, planID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return proration.PlanPricing{}, ErrPlanNotFound
		}
		return proration.PlanPricing{}, err
	}
	prices, err := q.ListActivePlanPrices(ctx, planID)
	if err != nil {
		return proration.PlanPricing{}, err
	}
	return proration.PlanPricing{Plan: plan, Prices: prices}, nil
}

func (s *planChangeService) ownerEmail(ctx context.Context, q repository.Querier, sub repository.Subscription) (string, error) {
	user, err := q.GetUserByID(ctx, sub.UserID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", domain.Invalid("plan_change.Initiate", "no account email on file for checkout")
		}
		return "", err
	}
	return user.Email, nil
}

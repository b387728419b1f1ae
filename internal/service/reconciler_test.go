package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vexacloud/streambill/internal/domain"
	"github.com/vexacloud/streambill/internal/jobs"
	"github.com/vexacloud/streambill/internal/repository"
	"github.com/vexacloud/streambill/internal/telemetry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seedPlan(store *repository.MemoryStore, price string, days int32) repository.Plan {
	return store.SeedPlan(repository.Plan{
		Name:         "Premium",
		Slug:         "premium",
		Price:        decimal.RequireFromString(price),
		Currency:     "USD",
		DurationDays: days,
		MaxDevices:   2,
		IsActive:     true,
	})
}

func stripePayment(reference string, amountMinor int64) domain.GatewayPayment {
	return domain.GatewayPayment{
		Gateway:       domain.GatewayStripe,
		Reference:     reference,
		TransactionID: "pi_" + reference,
		Currency:      "USD",
		AmountMinor:   amountMinor,
		Authorization: domain.AuthorizationData{CustomerID: "cus_123"},
		Raw:           []byte(`{"id":"evt_1"}`),
	}
}

func TestIdempotencyKey(t *testing.T) {
	a := IdempotencyKey(domain.GatewayStripe, "ref_1")
	b := IdempotencyKey(domain.GatewayStripe, "ref_1")
	c := IdempotencyKey(domain.GatewayPaystack, "ref_1")

	assert.Equal(t, a, b, "same gateway and reference must derive the same key")
	assert.NotEqual(t, a, c, "different gateways must not collide on shared references")
	assert.Len(t, a, 64)
}

func TestReconcilePaymentCreatesEverything(t *testing.T) {
	store := repository.NewMemoryStore()
	plan := seedPlan(store, "10.00", 30)
	dispatcher := &jobs.MockDispatcher{}
	svc := NewSubscriptionOrderService(store, dispatcher, testLogger())

	result, err := svc.ReconcilePayment(context.Background(), ReconcileParams{
		Payment:   stripePayment("ref_1", 1000),
		Email:     "viewer@example.com",
		PlanID:    plan.ID,
		AutoRenew: true,
	})
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.False(t, result.Duplicate)
	require.NotNil(t, result.OrderID)
	require.NotNil(t, result.SubscriptionID)

	// User created with verified email and unusable password.
	user, err := store.GetUserByEmail(context.Background(), "viewer@example.com")
	require.NoError(t, err)
	assert.True(t, user.EmailVerifiedAt.Valid)
	assert.Equal(t, byte('!'), user.PasswordHash[0])

	// Subscription pending for one plan period; the provisioning worker
	// activates it once the panel line exists.
	require.Len(t, store.Subscriptions, 1)
	for _, sub := range store.Subscriptions {
		assert.Equal(t, string(domain.SubscriptionPending), sub.Status)
		assert.True(t, sub.AutoRenew)
		assert.WithinDuration(t, time.Now().AddDate(0, 0, 30), sub.ExpiresAt.Time, time.Minute)
	}

	// Order recorded in major units, pending provisioning.
	require.Len(t, store.Orders, 1)
	for _, order := range store.Orders {
		assert.Equal(t, "10", order.Amount.String())
		assert.Equal(t, string(domain.OrderPendingProvisioning), order.Status)
		assert.Equal(t, OrderTypePurchase, order.OrderType)
		assert.Equal(t, IdempotencyKey(domain.GatewayStripe, "ref_1"), order.IdempotencyKey)
		assert.JSONEq(t, `{"id":"evt_1"}`, string(order.WebhookPayload))
	}

	// Transaction ledger row.
	txn, err := store.GetPaymentTransactionByReference(context.Background(), "ref_1")
	require.NoError(t, err)
	assert.Equal(t, string(domain.TransactionSuccess), txn.Status)

	// Provisioning job dispatched.
	require.Len(t, dispatcher.Dispatched, 1)
	assert.Equal(t, jobs.JobTypeProvisionLine, dispatcher.Dispatched[0].JobType)
}

func TestReconcilePaymentDuplicate(t *testing.T) {
	store := repository.NewMemoryStore()
	plan := seedPlan(store, "10.00", 30)
	dispatcher := &jobs.MockDispatcher{}
	svc := NewSubscriptionOrderService(store, dispatcher, testLogger())

	params := ReconcileParams{
		Payment: stripePayment("ref_1", 1000),
		Email:   "viewer@example.com",
		PlanID:  plan.ID,
	}

	first, err := svc.ReconcilePayment(context.Background(), params)
	require.NoError(t, err)

	second, err := svc.ReconcilePayment(context.Background(), params)
	require.NoError(t, err)

	assert.True(t, second.Duplicate)
	assert.Equal(t, first.OrderID, second.OrderID)
	assert.Len(t, store.Orders, 1, "replay must not create a second order")
	assert.Len(t, store.Subscriptions, 1)
	assert.Len(t, dispatcher.Dispatched, 1, "replay must not re-dispatch provisioning")
}

func TestReconcilePaymentSameReferenceDifferentGateways(t *testing.T) {
	store := repository.NewMemoryStore()
	plan := seedPlan(store, "10.00", 30)
	svc := NewSubscriptionOrderService(store, &jobs.MockDispatcher{}, testLogger())

	_, err := svc.ReconcilePayment(context.Background(), ReconcileParams{
		Payment: stripePayment("shared_ref", 1000),
		Email:   "viewer@example.com",
		PlanID:  plan.ID,
	})
	require.NoError(t, err)

	paystack := domain.GatewayPayment{
		Gateway:     domain.GatewayPaystack,
		Reference:   "shared_ref",
		Currency:    "USD",
		AmountMinor: 1000,
	}
	result, err := svc.ReconcilePayment(context.Background(), ReconcileParams{
		Payment: paystack,
		Email:   "viewer@example.com",
		PlanID:  plan.ID,
	})
	require.NoError(t, err)

	assert.False(t, result.Duplicate, "reference reuse across gateways is two distinct payments")
	assert.Len(t, store.Orders, 2)
}

func TestReconcilePaymentProviderLinkedRenewal(t *testing.T) {
	store := repository.NewMemoryStore()
	plan := seedPlan(store, "10.00", 30)
	svc := NewSubscriptionOrderService(store, &jobs.MockDispatcher{}, testLogger())

	user := store.SeedUser(repository.User{Email: "viewer@example.com"})
	expires := time.Now().AddDate(0, 0, 10)
	sub := store.SeedSubscription(repository.Subscription{
		UserID:                 user.ID,
		PlanID:                 plan.ID,
		Status:                 string(domain.SubscriptionActive),
		Currency:               "USD",
		ExpiresAt:              pgtype.Timestamptz{Time: expires, Valid: true},
		ProviderSubscriptionID: pgtype.Text{String: "wc_sub_77", Valid: true},
	})

	result, err := svc.ReconcilePayment(context.Background(), ReconcileParams{
		Payment: domain.GatewayPayment{
			Gateway:     domain.GatewayWooCommerce,
			Reference:   "wc_order_900",
			Currency:    "USD",
			AmountMajor: decimal.RequireFromString("10.00"),
		},
		Email:                  "viewer@example.com",
		PlanID:                 plan.ID,
		OrderType:              OrderTypeRenewal,
		ProviderSubscriptionID: "wc_sub_77",
	})
	require.NoError(t, err)
	require.NotNil(t, result.SubscriptionID)

	// Existing subscription reused and extended from its old expiry.
	assert.Len(t, store.Subscriptions, 1)
	got, err := store.GetSubscriptionByID(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.WithinDuration(t, expires.AddDate(0, 0, 30), got.ExpiresAt.Time, time.Second)
}

func TestReconcilePaymentAmountFallback(t *testing.T) {
	store := repository.NewMemoryStore()
	plan := seedPlan(store, "12.50", 30)
	svc := NewSubscriptionOrderService(store, &jobs.MockDispatcher{}, testLogger())

	payment := stripePayment("ref_zero", 0)
	_, err := svc.ReconcilePayment(context.Background(), ReconcileParams{
		Payment: payment,
		Email:   "viewer@example.com",
		PlanID:  plan.ID,
	})
	require.NoError(t, err)

	for _, order := range store.Orders {
		assert.Equal(t, "12.5", order.Amount.String(), "missing amount falls back to plan price")
	}
}

func TestReconcilePaymentValidation(t *testing.T) {
	store := repository.NewMemoryStore()
	plan := seedPlan(store, "10.00", 30)
	svc := NewSubscriptionOrderService(store, &jobs.MockDispatcher{}, testLogger())

	t.Run("missing reference", func(t *testing.T) {
		_, err := svc.ReconcilePayment(context.Background(), ReconcileParams{
			Payment: domain.GatewayPayment{Gateway: domain.GatewayStripe},
			Email:   "viewer@example.com",
			PlanID:  plan.ID,
		})
		assert.ErrorIs(t, err, ErrMissingReference)
	})

	t.Run("missing email", func(t *testing.T) {
		_, err := svc.ReconcilePayment(context.Background(), ReconcileParams{
			Payment: stripePayment("ref_x", 1000),
			PlanID:  plan.ID,
		})
		assert.ErrorIs(t, err, ErrMissingEmail)
	})

	t.Run("unknown plan", func(t *testing.T) {
		_, err := svc.ReconcilePayment(context.Background(), ReconcileParams{
			Payment: stripePayment("ref_y", 1000),
			Email:   "viewer@example.com",
			PlanID:  repository.NewID(),
		})
		assert.ErrorIs(t, err, ErrPlanNotFound)
	})
}

func TestMarkRefunded(t *testing.T) {
	store := repository.NewMemoryStore()
	plan := seedPlan(store, "10.00", 30)
	dispatcher := &jobs.MockDispatcher{}
	svc := NewSubscriptionOrderService(store, dispatcher, testLogger())

	_, err := svc.ReconcilePayment(context.Background(), ReconcileParams{
		Payment: stripePayment("ref_1", 1000),
		Email:   "viewer@example.com",
		PlanID:  plan.ID,
	})
	require.NoError(t, err)

	require.NoError(t, svc.MarkRefunded(context.Background(), domain.GatewayStripe, "pi_ref_1"))

	for _, order := range store.Orders {
		assert.Equal(t, string(domain.OrderRefunded), order.Status)
	}
	for _, sub := range store.Subscriptions {
		assert.Equal(t, string(domain.SubscriptionSuspended), sub.Status)
	}

	// Suspend job follows the provisioning job.
	require.Len(t, dispatcher.Dispatched, 2)
	assert.Equal(t, jobs.JobTypeSuspendLine, dispatcher.Dispatched[1].JobType)

	t.Run("unknown transaction", func(t *testing.T) {
		err := svc.MarkRefunded(context.Background(), domain.GatewayStripe, "pi_missing")
		assert.ErrorIs(t, err, ErrOrderNotFound)
	})
}

// racingStore makes every order insert lose to a concurrent writer that has
// already committed the same idempotency key, the shape of two deliveries of
// one webhook landing on different processes.
type racingStore struct {
	*repository.MemoryStore
	winner repository.Order
}

func (s *racingStore) InTx(ctx context.Context, fn func(repository.Querier) error) error {
	return fn(&racingQuerier{Querier: s.MemoryStore, store: s})
}

type racingQuerier struct {
	repository.Querier
	store *racingStore
}

func (q *racingQuerier) CreateOrder(ctx context.Context, arg repository.CreateOrderParams) (repository.Order, error) {
	q.store.winner = q.store.MemoryStore.SeedOrder(repository.Order{
		UserID:         arg.UserID,
		SubscriptionID: arg.SubscriptionID,
		PlanID:         arg.PlanID,
		Amount:         arg.Amount,
		Currency:       arg.Currency,
		Status:         string(domain.OrderProvisioned),
		OrderType:      arg.OrderType,
		PaymentGateway: arg.PaymentGateway,
		IdempotencyKey: arg.IdempotencyKey,
	})
	return q.Querier.CreateOrder(ctx, arg)
}

func TestReconcilePaymentLosesInsertRace(t *testing.T) {
	mem := repository.NewMemoryStore()
	plan := seedPlan(mem, "10.00", 30)
	store := &racingStore{MemoryStore: mem}
	dispatcher := &jobs.MockDispatcher{}
	svc := NewSubscriptionOrderService(store, dispatcher, testLogger())

	result, err := svc.ReconcilePayment(context.Background(), ReconcileParams{
		Payment: stripePayment("ref_1", 1000),
		Email:   "viewer@example.com",
		PlanID:  plan.ID,
	})
	require.NoError(t, err)

	// The losing insert resolves to the winner's order instead of an error.
	assert.True(t, result.Success)
	assert.True(t, result.Duplicate)
	winnerID, err := uuid.FromBytes(store.winner.ID.Bytes[:])
	require.NoError(t, err)
	require.NotNil(t, result.OrderID)
	assert.Equal(t, winnerID, *result.OrderID)
	assert.Empty(t, dispatcher.Dispatched, "the loser must not provision anything")
}

// commitFailStore runs the transaction body and then reports a failed
// commit, the state after the connection drops between BEGIN and COMMIT.
type commitFailStore struct {
	*repository.MemoryStore
}

var errCommitFailed = errors.New("commit failed")

func (s *commitFailStore) InTx(ctx context.Context, fn func(repository.Querier) error) error {
	if err := fn(s.MemoryStore); err != nil {
		return err
	}
	return errCommitFailed
}

func TestReconcilePaymentNoDispatchWithoutCommit(t *testing.T) {
	mem := repository.NewMemoryStore()
	plan := seedPlan(mem, "10.00", 30)
	dispatcher := &jobs.MockDispatcher{}
	svc := NewSubscriptionOrderService(&commitFailStore{MemoryStore: mem}, dispatcher, testLogger())

	_, err := svc.ReconcilePayment(context.Background(), ReconcileParams{
		Payment: stripePayment("ref_1", 1000),
		Email:   "viewer@example.com",
		PlanID:  plan.ID,
	})
	require.ErrorIs(t, err, errCommitFailed)
	assert.Empty(t, dispatcher.Dispatched, "jobs must only go out for durable rows")
}

func TestReconcilePaymentRecordsBusinessMetrics(t *testing.T) {
	// Registers on the process-wide Prometheus registry, so this runs once
	// per test binary.
	m := telemetry.InitBusinessMetrics("streambill_test")
	t.Cleanup(func() { telemetry.Business = nil })

	store := repository.NewMemoryStore()
	plan := seedPlan(store, "10.00", 30)
	svc := NewSubscriptionOrderService(store, &jobs.MockDispatcher{}, testLogger())

	_, err := svc.ReconcilePayment(context.Background(), ReconcileParams{
		Payment: stripePayment("ref_metrics", 1000),
		Email:   "viewer@example.com",
		PlanID:  plan.ID,
	})
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.OrdersCreated.WithLabelValues("stripe", OrderTypePurchase)))
	assert.Equal(t, 10.0, testutil.ToFloat64(m.RevenueCollected.WithLabelValues("stripe", "USD")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SubscriptionsCreated.WithLabelValues("stripe")))
}

package worker

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/nats-io/nats.go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vexacloud/streambill/internal/domain"
	"github.com/vexacloud/streambill/internal/jobs"
	"github.com/vexacloud/streambill/internal/provisioning"
	"github.com/vexacloud/streambill/internal/repository"
)

type workerFixture struct {
	store  *repository.MemoryStore
	panel  *provisioning.MockClient
	worker *Worker

	plan  repository.Plan
	user  repository.User
	sub   repository.Subscription
	order repository.Order
}

func newWorkerFixture(t *testing.T) *workerFixture {
	t.Helper()

	store := repository.NewMemoryStore()
	panel := &provisioning.MockClient{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	plan := store.SeedPlan(repository.Plan{
		Name:            "Basic",
		Slug:            "basic",
		Price:           decimal.RequireFromString("10.00"),
		Currency:        "USD",
		DurationDays:    30,
		MaxDevices:      2,
		VendorPlanCodes: []byte(`{"panel": "bouquet_basic"}`),
		IsActive:        true,
	})
	user := store.SeedUser(repository.User{Email: "viewer@example.com", PasswordHash: "!seeded"})
	sub := store.SeedSubscription(repository.Subscription{
		UserID:   user.ID,
		PlanID:   plan.ID,
		Status:   string(domain.SubscriptionPending),
		Currency: "USD",
	})
	order := store.SeedOrder(repository.Order{
		UserID:         user.ID,
		SubscriptionID: sub.ID,
		PlanID:         plan.ID,
		Amount:         decimal.RequireFromString("10.00"),
		Currency:       "USD",
		Status:         string(domain.OrderPendingProvisioning),
		OrderType:      "purchase",
		PaymentGateway: string(domain.GatewayStripe),
		IdempotencyKey: "key-1",
	})

	return &workerFixture{
		store:  store,
		panel:  panel,
		worker: New(nil, store, panel, logger),
		plan:   plan,
		user:   user,
		sub:    sub,
		order:  order,
	}
}

func (f *workerFixture) deliver(t *testing.T, subject string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	f.worker.handle(context.Background(), &nats.Msg{Subject: subject, Data: data})
}

// setLineID stamps the panel line onto the stored subscription, the state a
// previously provisioned subscription is in.
func (f *workerFixture) setLineID(t *testing.T, lineID string) {
	t.Helper()
	sub := f.store.Subscriptions[repository.UUIDString(f.sub.ID)]
	sub.Metadata = []byte(`{"panel_line_id": "` + lineID + `"}`)
	f.store.SeedSubscription(sub)
}

func (f *workerFixture) orderStatus() string {
	return f.store.Orders[repository.UUIDString(f.order.ID)].Status
}

func asUUID(id [16]byte) uuid.UUID { return uuid.UUID(id) }

func TestWorkerProvisionLine(t *testing.T) {
	f := newWorkerFixture(t)

	f.deliver(t, jobs.JobTypeProvisionLine, jobs.ProvisionLinePayload{
		OrderID:        asUUID(f.order.ID.Bytes),
		SubscriptionID: asUUID(f.sub.ID.Bytes),
		UserID:         asUUID(f.user.ID.Bytes),
		PlanID:         asUUID(f.plan.ID.Bytes),
		Email:          "viewer@example.com",
		ExpiresAt:      time.Now().AddDate(0, 0, 30),
	})

	require.Len(t, f.panel.CallLog, 1)
	assert.Equal(t, "CreateLine(viewer@example.com, bouquet_basic)", f.panel.CallLog[0])
	assert.Equal(t, string(domain.OrderProvisioned), f.orderStatus())

	sub := f.store.Subscriptions[repository.UUIDString(f.sub.ID)]
	assert.Contains(t, string(sub.Metadata), `"panel_line_id":"line_mock"`)
	assert.Equal(t, string(domain.SubscriptionActive), sub.Status,
		"provisioning should activate the pending subscription")
}

func TestWorkerProvisionLineRedelivery(t *testing.T) {
	f := newWorkerFixture(t)
	f.setLineID(t, "line_77")

	f.deliver(t, jobs.JobTypeProvisionLine, jobs.ProvisionLinePayload{
		OrderID:        asUUID(f.order.ID.Bytes),
		SubscriptionID: asUUID(f.sub.ID.Bytes),
		PlanID:         asUUID(f.plan.ID.Bytes),
		Email:          "viewer@example.com",
	})

	// The line exists already; the order status and subscription state are
	// caught up without touching the panel again.
	assert.Empty(t, f.panel.CallLog)
	assert.Equal(t, string(domain.OrderProvisioned), f.orderStatus())
	sub := f.store.Subscriptions[repository.UUIDString(f.sub.ID)]
	assert.Equal(t, string(domain.SubscriptionActive), sub.Status)
}

func TestWorkerProvisionLineWithoutPanelCode(t *testing.T) {
	f := newWorkerFixture(t)
	bare := f.store.SeedPlan(repository.Plan{
		Name:     "Unmapped",
		Slug:     "unmapped",
		Price:    decimal.RequireFromString("5.00"),
		Currency: "USD",
		IsActive: true,
	})

	f.deliver(t, jobs.JobTypeProvisionLine, jobs.ProvisionLinePayload{
		OrderID:        asUUID(f.order.ID.Bytes),
		SubscriptionID: asUUID(f.sub.ID.Bytes),
		PlanID:         asUUID(bare.ID.Bytes),
		Email:          "viewer@example.com",
	})

	assert.Empty(t, f.panel.CallLog)
	assert.Equal(t, string(domain.OrderPendingProvisioning), f.orderStatus())
}

func TestWorkerExtendLine(t *testing.T) {
	f := newWorkerFixture(t)
	f.setLineID(t, "line_77")

	f.deliver(t, jobs.JobTypeExtendLine, jobs.ExtendLinePayload{
		OrderID:        asUUID(f.order.ID.Bytes),
		SubscriptionID: asUUID(f.sub.ID.Bytes),
		ExpiresAt:      time.Now().AddDate(0, 0, 60),
	})

	require.Len(t, f.panel.CallLog, 1)
	assert.Equal(t, "ExtendLine(line_77)", f.panel.CallLog[0])
	assert.Equal(t, string(domain.OrderProvisioned), f.orderStatus())
}

func TestWorkerExtendLineWithoutLine(t *testing.T) {
	f := newWorkerFixture(t)

	f.deliver(t, jobs.JobTypeExtendLine, jobs.ExtendLinePayload{
		OrderID:        asUUID(f.order.ID.Bytes),
		SubscriptionID: asUUID(f.sub.ID.Bytes),
	})

	assert.Empty(t, f.panel.CallLog)
	assert.Equal(t, string(domain.OrderPendingProvisioning), f.orderStatus())
}

func TestWorkerChangeLinePlan(t *testing.T) {
	f := newWorkerFixture(t)
	f.setLineID(t, "line_77")
	premium := f.store.SeedPlan(repository.Plan{
		Name:            "Premium",
		Slug:            "premium",
		Price:           decimal.RequireFromString("20.00"),
		Currency:        "USD",
		VendorPlanCodes: []byte(`{"panel": "bouquet_premium"}`),
		IsActive:        true,
	})

	f.deliver(t, jobs.JobTypeChangeLinePlan, jobs.ChangeLinePlanPayload{
		SubscriptionID: asUUID(f.sub.ID.Bytes),
		FromPlanID:     asUUID(f.plan.ID.Bytes),
		ToPlanID:       asUUID(premium.ID.Bytes),
	})

	require.Len(t, f.panel.CallLog, 1)
	assert.Equal(t, "ChangeLinePlan(line_77, bouquet_premium)", f.panel.CallLog[0])
}

func TestWorkerSuspendLine(t *testing.T) {
	f := newWorkerFixture(t)
	f.setLineID(t, "line_77")

	f.deliver(t, jobs.JobTypeSuspendLine, jobs.SuspendLinePayload{
		SubscriptionID: asUUID(f.sub.ID.Bytes),
		Reason:         "refund",
	})

	require.Len(t, f.panel.CallLog, 1)
	assert.Equal(t, "SuspendLine(line_77)", f.panel.CallLog[0])
}

func TestWorkerSuspendLineNeverProvisioned(t *testing.T) {
	f := newWorkerFixture(t)

	// Refund arrived before the line was created. Nothing to cut, and the
	// job must not error into a redelivery loop.
	f.deliver(t, jobs.JobTypeSuspendLine, jobs.SuspendLinePayload{
		SubscriptionID: asUUID(f.sub.ID.Bytes),
		Reason:         "refund",
	})

	assert.Empty(t, f.panel.CallLog)
}

type mockRenewals struct {
	processed []int32
	renewed   int
	failed    int
	err       error
}

func (m *mockRenewals) ProcessDueRenewals(ctx context.Context, limit int32) (int, int, error) {
	m.processed = append(m.processed, limit)
	return m.renewed, m.failed, m.err
}

func (m *mockRenewals) RenewSubscription(ctx context.Context, id pgtype.UUID) error { return nil }

func TestSchedulerSweep(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	renewals := &mockRenewals{renewed: 2, failed: 1}
	s := NewScheduler(renewals, time.Hour, 50, logger)

	s.sweep(context.Background())

	require.Len(t, renewals.processed, 1)
	assert.Equal(t, int32(50), renewals.processed[0])
}

func TestSchedulerDefaults(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := NewScheduler(&mockRenewals{}, 0, 0, logger)

	assert.Equal(t, time.Hour, s.interval)
	assert.Equal(t, int32(100), s.batchSize)
}

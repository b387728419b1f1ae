package webhook

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/vexacloud/streambill/internal/domain"
	"github.com/vexacloud/streambill/internal/gateway"
	"github.com/vexacloud/streambill/internal/jobs"
	"github.com/vexacloud/streambill/internal/proration"
	"github.com/vexacloud/streambill/internal/repository"
	"github.com/vexacloud/streambill/internal/service"
)

// fixture wires real services over the in-memory store so webhook tests
// exercise the same reconciliation paths production requests hit.
type fixture struct {
	store       *repository.MemoryStore
	dispatcher  *jobs.MockDispatcher
	reconciler  service.SubscriptionOrderService
	planChanges service.PlanChangeService

	// plan is a seeded $10/30d plan mapped to WooCommerce product 101.
	plan repository.Plan
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := repository.NewMemoryStore()
	dispatcher := &jobs.MockDispatcher{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	plan := store.SeedPlan(repository.Plan{
		Name:            "Basic",
		Slug:            "basic",
		Price:           decimal.RequireFromString("10.00"),
		Currency:        "USD",
		DurationDays:    30,
		MaxDevices:      1,
		VendorPlanCodes: []byte(`{"woocommerce": "101", "panel": "bouquet_basic"}`),
		IsActive:        true,
	})

	manager := gateway.NewManager(string(domain.GatewayStripe), logger)
	manager.Register(gateway.NewMockProvider(domain.GatewayStripe))
	manager.Register(gateway.NewMockProvider(domain.GatewayPaystack))

	reconciler := service.NewSubscriptionOrderService(store, dispatcher, logger)
	planChanges := service.NewPlanChangeService(store, proration.NewCalculator(), manager, dispatcher, logger)

	return &fixture{
		store:       store,
		dispatcher:  dispatcher,
		reconciler:  reconciler,
		planChanges: planChanges,
		plan:        plan,
	}
}

// seedActiveSubscriber creates a user with an active subscription on the
// fixture plan, for tests that start from existing state.
func (f *fixture) seedActiveSubscriber(t *testing.T, email, providerSubID string) (repository.User, repository.Subscription) {
	t.Helper()

	user := f.store.SeedUser(repository.User{
		Email:        email,
		PasswordHash: "!seeded",
	})
	now := time.Now()
	sub := f.store.SeedSubscription(repository.Subscription{
		UserID:                 user.ID,
		PlanID:                 f.plan.ID,
		Status:                 string(domain.SubscriptionActive),
		Currency:               "USD",
		StartsAt:               pgtype.Timestamptz{Time: now.AddDate(0, 0, -15), Valid: true},
		ExpiresAt:              pgtype.Timestamptz{Time: now.AddDate(0, 0, 15), Valid: true},
		NextRenewalAt:          pgtype.Timestamptz{Time: now.AddDate(0, 0, 14), Valid: true},
		CreditBalance:          decimal.Zero,
		ProviderSubscriptionID: textValue(providerSubID),
	})
	return user, sub
}

func textValue(s string) pgtype.Text {
	if s == "" {
		return pgtype.Text{}
	}
	return pgtype.Text{String: s, Valid: true}
}

// post delivers a payload to a webhook handler with an optional signature
// header and returns the recorded response.
func post(h http.HandlerFunc, payload []byte, sigHeader, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/test", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set(sigHeader, signature)
	}
	rr := httptest.NewRecorder()
	h(rr, req)
	return rr
}

func (f *fixture) singleOrder(t *testing.T) repository.Order {
	t.Helper()
	require.Len(t, f.store.Orders, 1)
	for _, o := range f.store.Orders {
		return o
	}
	return repository.Order{}
}

func (f *fixture) singleSubscription(t *testing.T) repository.Subscription {
	t.Helper()
	require.Len(t, f.store.Subscriptions, 1)
	for _, s := range f.store.Subscriptions {
		return s
	}
	return repository.Subscription{}
}

func (f *fixture) dispatchedTypes() []string {
	types := make([]string, 0, len(f.dispatcher.Dispatched))
	for _, j := range f.dispatcher.Dispatched {
		types = append(types, j.JobType)
	}
	return types
}

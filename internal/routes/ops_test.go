package routes

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/vexacloud/streambill/internal/router"
)

func TestHealthzHealthy(t *testing.T) {
	r := router.New()
	RegisterOpsRoutes(r, OpsDeps{
		PingDB:        func(ctx context.Context) error { return nil },
		NatsConnected: func() bool { return true },
	})

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status": "ok", "checks": {"database": "ok", "nats": "ok"}}`, rr.Body.String())
}

func TestHealthzDatabaseDown(t *testing.T) {
	r := router.New()
	RegisterOpsRoutes(r, OpsDeps{
		PingDB: func(ctx context.Context) error { return errors.New("connection refused") },
	})

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Contains(t, rr.Body.String(), "degraded")
}

func TestHealthzNatsDisconnectedStaysUp(t *testing.T) {
	r := router.New()
	RegisterOpsRoutes(r, OpsDeps{
		PingDB:        func(ctx context.Context) error { return nil },
		NatsConnected: func() bool { return false },
	})

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "disconnected")
}

func TestWebhookRoutesSkipDisabledGateways(t *testing.T) {
	r := router.New()
	called := false
	RegisterWebhookRoutes(r, WebhookDeps{
		StripeHandler: func(w http.ResponseWriter, r *http.Request) { called = true },
	})

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/webhooks/stripe", nil))
	assert.True(t, called)

	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/webhooks/paystack", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

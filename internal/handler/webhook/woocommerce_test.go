package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vexacloud/streambill/internal/domain"
	"github.com/vexacloud/streambill/internal/jobs"
	"github.com/vexacloud/streambill/internal/service"
)

const wooTestSecret = "wc_webhook_secret"

func newWooHandler(f *fixture) *WooCommerceHandler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewWooCommerceHandler(f.reconciler, f.store, wooTestSecret, logger)
}

func wooSign(payload []byte) string {
	mac := hmac.New(sha256.New, []byte(wooTestSecret))
	mac.Write(payload)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// wooOrderPayload builds an order payload for product 101, which the fixture plan
// is mapped to.
func wooOrderPayload(id int64, status, total, transactionID, meta string) []byte {
	return fmt.Appendf(nil, `{
		"id": %d,
		"status": %q,
		"currency": "USD",
		"total": %q,
		"transaction_id": %q,
		"billing": {"email": "viewer@example.com"},
		"line_items": [{"product_id": 101, "total": %q}],
		"meta_data": [%s]
	}`, id, status, total, transactionID, total, meta)
}

func TestWooCommerceHandler_RejectsBadSignature(t *testing.T) {
	f := newFixture(t)
	h := newWooHandler(f)
	payload := wooOrderPayload(55, "processing", "10.00", "txn_1", "")

	t.Run("missing signature", func(t *testing.T) {
		rr := post(h.HandleWebhook, payload, "X-WC-Webhook-Signature", "")
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("wrong signature", func(t *testing.T) {
		rr := post(h.HandleWebhook, payload, "X-WC-Webhook-Signature", wooSign([]byte("other")))
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	assert.Empty(t, f.store.Orders)
}

func TestWooCommerceHandler_PingSkipsVerification(t *testing.T) {
	f := newFixture(t)
	h := newWooHandler(f)

	// Webhook creation pings carry only the webhook ID and are sent before
	// the secret handshake completes.
	rr := post(h.HandleWebhook, []byte(`{"webhook_id": 42}`), "X-WC-Webhook-Signature", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, f.store.Orders)
}

func TestWooCommerceHandler_PaidOrder(t *testing.T) {
	f := newFixture(t)
	h := newWooHandler(f)
	payload := wooOrderPayload(55, "processing", "10.00", "txn_1", "")

	rr := post(h.HandleWebhook, payload, "X-WC-Webhook-Signature", wooSign(payload))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"received": true}`, rr.Body.String())

	order := f.singleOrder(t)
	assert.Equal(t, "10", order.Amount.String())
	assert.Equal(t, "USD", order.Currency)
	assert.Equal(t, string(domain.GatewayWooCommerce), order.PaymentGateway)
	assert.Equal(t, "txn_1", order.GatewayTransactionID.String)
	assert.Equal(t, service.OrderTypePurchase, order.OrderType)

	sub := f.singleSubscription(t)
	assert.Equal(t, string(domain.SubscriptionPending), sub.Status)
	// The store controls recurring billing, not us.
	assert.False(t, sub.AutoRenew)

	require.Len(t, f.dispatcher.Dispatched, 1)
	assert.Equal(t, jobs.JobTypeProvisionLine, f.dispatcher.Dispatched[0].JobType)
}

func TestWooCommerceHandler_PaidOrderReplay(t *testing.T) {
	f := newFixture(t)
	h := newWooHandler(f)

	// The store fires order.updated on every status transition, so the same
	// paid order arrives more than once.
	payload := wooOrderPayload(55, "processing", "10.00", "txn_1", "")
	rr := post(h.HandleWebhook, payload, "X-WC-Webhook-Signature", wooSign(payload))
	require.Equal(t, http.StatusOK, rr.Code)

	completed := wooOrderPayload(55, "completed", "10.00", "txn_1", "")
	rr = post(h.HandleWebhook, completed, "X-WC-Webhook-Signature", wooSign(completed))
	require.Equal(t, http.StatusOK, rr.Code)

	assert.Len(t, f.store.Orders, 1)
	assert.Len(t, f.dispatcher.Dispatched, 1)
}

func TestWooCommerceHandler_SubscriptionRenewalOrder(t *testing.T) {
	f := newFixture(t)
	h := newWooHandler(f)

	initial := wooOrderPayload(55, "processing", "10.00", "txn_1", `{"key": "_subscription_parent", "value": "9001"}`)
	rr := post(h.HandleWebhook, initial, "X-WC-Webhook-Signature", wooSign(initial))
	require.Equal(t, http.StatusOK, rr.Code)

	firstExpiry := f.singleSubscription(t).ExpiresAt.Time

	renewal := wooOrderPayload(60, "processing", "10.00", "txn_2", `{"key": "_subscription_renewal", "value": "9001"}`)
	rr = post(h.HandleWebhook, renewal, "X-WC-Webhook-Signature", wooSign(renewal))
	require.Equal(t, http.StatusOK, rr.Code)

	// Same upstream subscription ID, so the renewal extends the existing row
	// instead of creating a second one.
	require.Len(t, f.store.Subscriptions, 1)
	require.Len(t, f.store.Orders, 2)

	sub := f.singleSubscription(t)
	assert.Equal(t, "9001", sub.ProviderSubscriptionID.String)
	assert.WithinDuration(t, firstExpiry.AddDate(0, 0, 30), sub.ExpiresAt.Time, time.Minute)

	renewalSeen := false
	for _, o := range f.store.Orders {
		if o.OrderType == service.OrderTypeRenewal {
			renewalSeen = true
		}
	}
	assert.True(t, renewalSeen)
}

func TestWooCommerceHandler_RefundedOrder(t *testing.T) {
	f := newFixture(t)
	h := newWooHandler(f)

	paid := wooOrderPayload(55, "processing", "10.00", "txn_1", "")
	rr := post(h.HandleWebhook, paid, "X-WC-Webhook-Signature", wooSign(paid))
	require.Equal(t, http.StatusOK, rr.Code)

	refunded := wooOrderPayload(55, "refunded", "10.00", "txn_1", "")
	rr = post(h.HandleWebhook, refunded, "X-WC-Webhook-Signature", wooSign(refunded))
	require.Equal(t, http.StatusOK, rr.Code)

	order := f.singleOrder(t)
	assert.Equal(t, string(domain.OrderRefunded), order.Status)
	sub := f.singleSubscription(t)
	assert.Equal(t, string(domain.SubscriptionSuspended), sub.Status)
	assert.Contains(t, f.dispatchedTypes(), jobs.JobTypeSuspendLine)
}

func TestWooCommerceHandler_UnmappedProduct(t *testing.T) {
	f := newFixture(t)
	h := newWooHandler(f)

	payload := []byte(`{
		"id": 70,
		"status": "processing",
		"currency": "USD",
		"total": "4.99",
		"billing": {"email": "viewer@example.com"},
		"line_items": [{"product_id": 999, "total": "4.99"}]
	}`)
	rr := post(h.HandleWebhook, payload, "X-WC-Webhook-Signature", wooSign(payload))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, f.store.Orders)
}

func TestWooCommerceHandler_IgnoredStatuses(t *testing.T) {
	f := newFixture(t)
	h := newWooHandler(f)

	for _, status := range []string{"pending", "on-hold", "cancelled", "failed"} {
		payload := wooOrderPayload(55, status, "10.00", "txn_1", "")
		rr := post(h.HandleWebhook, payload, "X-WC-Webhook-Signature", wooSign(payload))
		require.Equal(t, http.StatusOK, rr.Code, status)
	}
	assert.Empty(t, f.store.Orders)
}

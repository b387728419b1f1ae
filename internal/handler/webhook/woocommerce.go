package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vexacloud/streambill/internal/domain"
	"github.com/vexacloud/streambill/internal/handler"
	"github.com/vexacloud/streambill/internal/repository"
	"github.com/vexacloud/streambill/internal/service"
	"github.com/vexacloud/streambill/internal/telemetry"
)

// WooCommerceHandler handles WooCommerce order webhooks. The store is the
// system of record for checkout; orders arrive here already paid and plans
// are resolved from line-item product IDs.
type WooCommerceHandler struct {
	reconciler service.SubscriptionOrderService
	store      service.Store
	secret     string
	logger     *slog.Logger
}

// NewWooCommerceHandler creates a WooCommerce webhook handler. secret is the
// delivery secret configured on the store's webhook.
func NewWooCommerceHandler(reconciler service.SubscriptionOrderService, store service.Store, secret string, logger *slog.Logger) *WooCommerceHandler {
	return &WooCommerceHandler{
		reconciler: reconciler,
		store:      store,
		secret:     secret,
		logger:     logger.With("webhook", "woocommerce"),
	}
}

// wooOrder is the subset of the WooCommerce REST order payload we consume.
// Totals arrive as decimal strings in major units.
type wooOrder struct {
	ID            int64  `json:"id"`
	Status        string `json:"status" validate:"required"`
	Currency      string `json:"currency"`
	Total         string `json:"total"`
	TransactionID string `json:"transaction_id"`
	Billing       struct {
		Email string `json:"email" validate:"required,email"`
	} `json:"billing"`
	LineItems []struct {
		ProductID int64  `json:"product_id"`
		Total     string `json:"total"`
	} `json:"line_items" validate:"min=1"`
	MetaData []struct {
		Key   string          `json:"key"`
		Value json.RawMessage `json:"value"`
	} `json:"meta_data"`
}

// meta returns the string value for a meta_data key, or "".
func (o *wooOrder) meta(key string) string {
	for _, m := range o.MetaData {
		if m.Key != key {
			continue
		}
		var s string
		if err := json.Unmarshal(m.Value, &s); err == nil {
			return s
		}
		var n json.Number
		if err := json.Unmarshal(m.Value, &n); err == nil {
			return n.String()
		}
	}
	return ""
}

// HandleWebhook processes incoming WooCommerce order webhooks.
func (h *WooCommerceHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer observeLatency(domain.GatewayWooCommerce, start)

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		handler.ErrorResponse(w, r, domain.Invalid("webhook.woocommerce", "error reading request body"))
		return
	}

	// WooCommerce pings new webhooks with a bare "webhook_id" body before the
	// secret handshake; acknowledge those without verification.
	if isWooPing(payload) {
		ack(w)
		return
	}

	if !h.verifySignature(payload, r.Header.Get("X-WC-Webhook-Signature")) {
		h.logger.Warn("signature verification failed")
		handler.ErrorResponse(w, r, domain.Unauthorized("webhook.woocommerce", "invalid signature"))
		return
	}

	topic := r.Header.Get("X-WC-Webhook-Topic")
	recordReceived(domain.GatewayWooCommerce, topic)
	h.logger.Info("event received", "topic", topic)

	var order wooOrder
	if err := json.Unmarshal(payload, &order); err != nil {
		handler.ErrorResponse(w, r, domain.Invalid("webhook.woocommerce", "invalid JSON payload"))
		return
	}

	ctx := r.Context()
	switch order.Status {
	case "processing", "completed":
		h.handlePaidOrder(ctx, topic, order, payload)

	case "refunded":
		h.handleRefundedOrder(ctx, topic, order)

	default:
		// pending, on-hold, cancelled, failed: nothing has been paid or
		// everything was already handled when it was.
		h.logger.Debug("ignoring order status", "order_id", order.ID, "status", order.Status)
	}

	ack(w)
}

// verifySignature checks the base64 HMAC-SHA256 digest WooCommerce sends in
// X-WC-Webhook-Signature against the raw body.
func (h *WooCommerceHandler) verifySignature(payload []byte, signature string) bool {
	if signature == "" || h.secret == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(h.secret))
	mac.Write(payload)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

func isWooPing(payload []byte) bool {
	var ping struct {
		WebhookID int64 `json:"webhook_id"`
	}
	if err := json.Unmarshal(payload, &ping); err != nil {
		return false
	}
	var full map[string]json.RawMessage
	_ = json.Unmarshal(payload, &full)
	_, hasID := full["id"]
	return ping.WebhookID != 0 && !hasID
}

// handlePaidOrder reconciles a paid store order. The plan is resolved from the
// first line item whose product ID is mapped to a plan; renewal orders created
// by the store's subscription engine link back through _subscription_renewal.
func (h *WooCommerceHandler) handlePaidOrder(ctx context.Context, topic string, order wooOrder, payload []byte) {
	if err := validate.Struct(&order); err != nil {
		h.logger.Error("order missing required fields", "order_id", order.ID, "error", err)
		recordFailed(domain.GatewayWooCommerce, topic, "missing_fields")
		return
	}

	plan, err := h.resolvePlan(ctx, order)
	if err != nil {
		h.logger.Error("no plan mapped to order line items",
			"order_id", order.ID,
			"error", err)
		recordFailed(domain.GatewayWooCommerce, topic, "missing_plan")
		return
	}

	amount, err := decimal.NewFromString(order.Total)
	if err != nil {
		h.logger.Error("unparseable order total",
			"order_id", order.ID,
			"total", order.Total)
		recordFailed(domain.GatewayWooCommerce, topic, "bad_amount")
		return
	}

	transactionID := order.TransactionID
	if transactionID == "" {
		transactionID = fmt.Sprintf("wc_%d", order.ID)
	}

	orderType := service.OrderTypePurchase
	providerSubID := order.meta("_subscription_parent")
	if renewal := order.meta("_subscription_renewal"); renewal != "" {
		orderType = service.OrderTypeRenewal
		providerSubID = renewal
	}

	result, err := h.reconciler.ReconcilePayment(ctx, service.ReconcileParams{
		Payment: domain.GatewayPayment{
			Gateway:       domain.GatewayWooCommerce,
			Reference:     fmt.Sprintf("wc_order_%d", order.ID),
			TransactionID: transactionID,
			Currency:      order.Currency,
			AmountMajor:   amount,
			Raw:           payload,
		},
		Email:                  order.Billing.Email,
		PlanID:                 plan.ID,
		OrderType:              orderType,
		ProviderSubscriptionID: providerSubID,
	})
	if err != nil {
		h.logger.Error("payment reconciliation failed",
			"order_id", order.ID,
			"error", err)
		recordFailed(domain.GatewayWooCommerce, topic, "reconcile_failed")
		return
	}
	recordResult(domain.GatewayWooCommerce, result)
	recordProcessed(domain.GatewayWooCommerce, topic)
}

func (h *WooCommerceHandler) handleRefundedOrder(ctx context.Context, topic string, order wooOrder) {
	transactionID := order.TransactionID
	if transactionID == "" {
		transactionID = fmt.Sprintf("wc_%d", order.ID)
	}

	if err := h.reconciler.MarkRefunded(ctx, domain.GatewayWooCommerce, transactionID); err != nil {
		if domain.IsCode(err, domain.ENOTFOUND) {
			h.logger.Warn("refund for unknown order", "order_id", order.ID)
			return
		}
		h.logger.Error("failed to mark order refunded",
			"order_id", order.ID,
			"error", err)
		recordFailed(domain.GatewayWooCommerce, topic, "refund_failed")
		return
	}

	recordProcessed(domain.GatewayWooCommerce, topic)
	if telemetry.Business != nil {
		telemetry.Business.RefundsIssued.WithLabelValues(string(domain.GatewayWooCommerce)).Inc()
	}
	h.logger.Info("order marked refunded", "order_id", order.ID)
}

// resolvePlan finds the plan mapped to one of the order's products through
// the plan's vendor code table.
func (h *WooCommerceHandler) resolvePlan(ctx context.Context, order wooOrder) (repository.Plan, error) {
	var lastErr error
	for _, item := range order.LineItems {
		plan, err := h.store.GetPlanByVendorCode(ctx, repository.GetPlanByVendorCodeParams{
			Vendor: string(domain.GatewayWooCommerce),
			Code:   strconv.FormatInt(item.ProductID, 10),
		})
		if err == nil {
			return plan, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("order %d has no line items", order.ID)
	}
	return repository.Plan{}, lastErr
}

package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/vexacloud/streambill/internal/domain"
	"github.com/vexacloud/streambill/internal/handler"
	"github.com/vexacloud/streambill/internal/repository"
	"github.com/vexacloud/streambill/internal/service"
	"github.com/vexacloud/streambill/internal/telemetry"
)

// PaystackHandler handles Paystack webhook events. Paystack signs the raw
// body with HMAC-SHA512 under the account secret key.
type PaystackHandler struct {
	reconciler  service.SubscriptionOrderService
	planChanges service.PlanChangeService
	store       service.Store
	secretKey   string
	logger      *slog.Logger
}

// NewPaystackHandler creates a Paystack webhook handler. secretKey is the
// same key used for API calls; Paystack has no separate webhook secret.
func NewPaystackHandler(reconciler service.SubscriptionOrderService, planChanges service.PlanChangeService, store service.Store, secretKey string, logger *slog.Logger) *PaystackHandler {
	return &PaystackHandler{
		reconciler:  reconciler,
		planChanges: planChanges,
		store:       store,
		secretKey:   secretKey,
		logger:      logger.With("webhook", "paystack"),
	}
}

// paystackEvent is the envelope every Paystack webhook delivery uses.
type paystackEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// paystackChargeData is the charge.success payload. Amount is in the
// currency's minor unit (kobo for NGN).
type paystackChargeData struct {
	ID        int64  `json:"id"`
	Reference string `json:"reference" validate:"required"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	Customer  struct {
		Email        string `json:"email" validate:"required,email"`
		CustomerCode string `json:"customer_code"`
	} `json:"customer" validate:"required"`
	Authorization struct {
		AuthorizationCode string `json:"authorization_code"`
		Last4             string `json:"last4"`
		CardType          string `json:"card_type"`
		Reusable          bool   `json:"reusable"`
	} `json:"authorization"`
	Metadata paystackMetadata `json:"metadata"`
}

// paystackMetadata carries the custom fields we attach at initialization.
// Paystack echoes metadata back verbatim but sends an empty string instead of
// an object when none was set, so decoding tolerates both.
type paystackMetadata struct {
	PlanID       string `json:"plan_id"`
	PlanChangeID string `json:"plan_change_id"`
	OrderType    string `json:"order_type"`
}

func (m *paystackMetadata) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || data[0] != '{' {
		*m = paystackMetadata{}
		return nil
	}
	type alias paystackMetadata
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*m = paystackMetadata(a)
	return nil
}

type paystackRefundData struct {
	Transaction struct {
		ID        int64  `json:"id"`
		Reference string `json:"reference"`
	} `json:"transaction"`
}

type paystackSubscriptionData struct {
	SubscriptionCode string `json:"subscription_code"`
}

// HandleWebhook processes incoming Paystack webhook events.
func (h *PaystackHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer observeLatency(domain.GatewayPaystack, start)

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		handler.ErrorResponse(w, r, domain.Invalid("webhook.paystack", "error reading request body"))
		return
	}

	if !h.verifySignature(payload, r.Header.Get("x-paystack-signature")) {
		h.logger.Warn("signature verification failed")
		handler.ErrorResponse(w, r, domain.Unauthorized("webhook.paystack", "invalid signature"))
		return
	}

	var event paystackEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		handler.ErrorResponse(w, r, domain.Invalid("webhook.paystack", "invalid JSON payload"))
		return
	}

	recordReceived(domain.GatewayPaystack, event.Event)
	h.logger.Info("event received", "event_type", event.Event)

	ctx := r.Context()
	switch event.Event {
	case "charge.success":
		h.handleChargeSuccess(ctx, event)

	case "charge.failed":
		h.handleChargeFailed(ctx, event)

	case "refund.processed":
		h.handleRefund(ctx, event)

	case "subscription.disable":
		h.handleSubscriptionDisable(ctx, event)

	default:
		h.logger.Debug("unhandled event type", "event_type", event.Event)
	}

	ack(w)
}

// verifySignature checks the HMAC-SHA512 hex digest Paystack sends in
// x-paystack-signature against the raw body.
func (h *PaystackHandler) verifySignature(payload []byte, signature string) bool {
	if signature == "" || h.secretKey == "" {
		return false
	}
	mac := hmac.New(sha512.New, []byte(h.secretKey))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(signature)))
}

func (h *PaystackHandler) handleChargeSuccess(ctx context.Context, event paystackEvent) {
	var data paystackChargeData
	if err := json.Unmarshal(event.Data, &data); err != nil {
		h.logger.Error("failed to parse charge data", "error", err)
		recordFailed(domain.GatewayPaystack, event.Event, "parse_error")
		return
	}
	if err := validate.Struct(data); err != nil {
		h.logger.Error("charge data missing required fields", "error", err)
		recordFailed(domain.GatewayPaystack, event.Event, "missing_fields")
		return
	}

	payment := domain.GatewayPayment{
		Gateway:       domain.GatewayPaystack,
		Reference:     data.Reference,
		TransactionID: fmt.Sprintf("%d", data.ID),
		Currency:      strings.ToUpper(data.Currency),
		AmountMinor:   data.Amount,
		Authorization: domain.AuthorizationData{
			AuthorizationCode: data.Authorization.AuthorizationCode,
			CustomerID:        data.Customer.CustomerCode,
			CardLast4:         data.Authorization.Last4,
			CardBrand:         data.Authorization.CardType,
		},
		Raw: event.Data,
	}

	// Upgrade payments settle the pending plan change instead of creating a
	// subscription.
	if data.Metadata.PlanChangeID != "" || strings.HasPrefix(data.Reference, "pc_") {
		result, err := h.planChanges.HandlePaymentSuccess(ctx, data.Reference, payment)
		if err != nil {
			h.logger.Error("plan change settlement failed",
				"reference", data.Reference,
				"error", err)
			recordFailed(domain.GatewayPaystack, event.Event, "plan_change_failed")
			return
		}
		recordResult(domain.GatewayPaystack, result)
		recordProcessed(domain.GatewayPaystack, event.Event)
		return
	}

	planID, ok := parseUUID(data.Metadata.PlanID)
	if !ok && !strings.HasPrefix(data.Reference, "rn_") {
		// Renewal charges we initiated replay through here without plan
		// metadata; the idempotency ledger absorbs them. Anything else
		// without a plan is a configuration problem.
		h.logger.Error("charge has no usable plan_id metadata",
			"reference", data.Reference)
		recordFailed(domain.GatewayPaystack, event.Event, "missing_plan")
		return
	}

	result, err := h.reconciler.ReconcilePayment(ctx, service.ReconcileParams{
		Payment:   payment,
		Email:     data.Customer.Email,
		PlanID:    planID,
		OrderType: data.Metadata.OrderType,
		AutoRenew: data.Authorization.Reusable,
	})
	if err != nil {
		h.logger.Error("payment reconciliation failed",
			"reference", data.Reference,
			"error", err)
		recordFailed(domain.GatewayPaystack, event.Event, "reconcile_failed")
		return
	}
	recordResult(domain.GatewayPaystack, result)
	recordProcessed(domain.GatewayPaystack, event.Event)
}

// handleChargeFailed fails a pending plan change whose upgrade payment was
// declined. Failed first-purchase charges need no local state change.
func (h *PaystackHandler) handleChargeFailed(ctx context.Context, event paystackEvent) {
	var data paystackChargeData
	if err := json.Unmarshal(event.Data, &data); err != nil {
		h.logger.Error("failed to parse charge data", "error", err)
		return
	}

	if telemetry.Business != nil {
		telemetry.Business.PaymentFailed.WithLabelValues(string(domain.GatewayPaystack), "charge_failed").Inc()
	}

	if data.Metadata.PlanChangeID == "" && !strings.HasPrefix(data.Reference, "pc_") {
		return
	}
	if err := h.planChanges.HandlePaymentFailure(ctx, data.Reference, "charge failed"); err != nil {
		h.logger.Warn("failed to record plan change payment failure",
			"reference", data.Reference,
			"error", err)
		return
	}
	recordProcessed(domain.GatewayPaystack, event.Event)
}

func (h *PaystackHandler) handleRefund(ctx context.Context, event paystackEvent) {
	var data paystackRefundData
	if err := json.Unmarshal(event.Data, &data); err != nil {
		h.logger.Error("failed to parse refund data", "error", err)
		return
	}

	transactionID := fmt.Sprintf("%d", data.Transaction.ID)
	if err := h.reconciler.MarkRefunded(ctx, domain.GatewayPaystack, transactionID); err != nil {
		if domain.IsCode(err, domain.ENOTFOUND) {
			h.logger.Warn("refund for unknown transaction", "transaction_id", transactionID)
			return
		}
		h.logger.Error("failed to mark order refunded",
			"transaction_id", transactionID,
			"error", err)
		recordFailed(domain.GatewayPaystack, event.Event, "refund_failed")
		return
	}

	recordProcessed(domain.GatewayPaystack, event.Event)
	if telemetry.Business != nil {
		telemetry.Business.RefundsIssued.WithLabelValues(string(domain.GatewayPaystack)).Inc()
	}
	h.logger.Info("order marked refunded", "transaction_id", transactionID)
}

// handleSubscriptionDisable turns off auto-renew for the local subscription
// linked to a disabled Paystack subscription.
func (h *PaystackHandler) handleSubscriptionDisable(ctx context.Context, event paystackEvent) {
	var data paystackSubscriptionData
	if err := json.Unmarshal(event.Data, &data); err != nil {
		h.logger.Error("failed to parse subscription data", "error", err)
		return
	}
	if data.SubscriptionCode == "" {
		return
	}

	sub, err := h.store.GetSubscriptionByProviderID(ctx, data.SubscriptionCode)
	if err != nil {
		h.logger.Warn("disabled subscription has no local counterpart",
			"subscription_code", data.SubscriptionCode)
		return
	}

	if err := h.store.UpdateSubscriptionRenewalState(ctx, repository.UpdateSubscriptionRenewalStateParams{
		ID:        sub.ID,
		AutoRenew: false,
		Metadata:  sub.Metadata,
	}); err != nil {
		h.logger.Error("failed to disable auto-renew",
			"subscription_code", data.SubscriptionCode,
			"error", err)
		return
	}

	recordProcessed(domain.GatewayPaystack, event.Event)
	h.logger.Info("auto-renew disabled from upstream", "subscription_code", data.SubscriptionCode)
}

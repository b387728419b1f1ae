package webhook

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"

	"github.com/vexacloud/streambill/internal/domain"
	"github.com/vexacloud/streambill/internal/handler"
	"github.com/vexacloud/streambill/internal/repository"
	"github.com/vexacloud/streambill/internal/service"
	"github.com/vexacloud/streambill/internal/telemetry"
)

// StripeHandler handles Stripe webhook events.
type StripeHandler struct {
	reconciler  service.SubscriptionOrderService
	planChanges service.PlanChangeService
	store       service.Store
	secret      string
	logger      *slog.Logger
}

// NewStripeHandler creates a Stripe webhook handler. secret is the endpoint
// signing secret from the Stripe dashboard.
func NewStripeHandler(reconciler service.SubscriptionOrderService, planChanges service.PlanChangeService, store service.Store, secret string, logger *slog.Logger) *StripeHandler {
	return &StripeHandler{
		reconciler:  reconciler,
		planChanges: planChanges,
		store:       store,
		secret:      secret,
		logger:      logger.With("webhook", "stripe"),
	}
}

// HandleWebhook processes incoming Stripe webhook events.
//
// Stripe CLI testing:
//
//	stripe listen --forward-to localhost:8080/webhooks/stripe
//	stripe trigger checkout.session.completed
func (h *StripeHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer observeLatency(domain.GatewayStripe, start)

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		handler.ErrorResponse(w, r, domain.Invalid("webhook.stripe", "error reading request body"))
		return
	}

	event, err := stripewebhook.ConstructEvent(payload, r.Header.Get("Stripe-Signature"), h.secret)
	if err != nil {
		h.logger.Warn("signature verification failed", "error", err)
		handler.ErrorResponse(w, r, domain.Unauthorized("webhook.stripe", "invalid signature"))
		return
	}

	recordReceived(domain.GatewayStripe, string(event.Type))
	h.logger.Info("event received", "event_type", event.Type, "event_id", event.ID)

	ctx := r.Context()
	switch event.Type {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded":
		h.handleCheckoutCompleted(ctx, event)

	case "checkout.session.expired", "checkout.session.async_payment_failed":
		h.handleCheckoutFailed(ctx, event)

	case "charge.refunded":
		h.handleChargeRefunded(ctx, event)

	case "customer.subscription.deleted":
		h.handleSubscriptionDeleted(ctx, event)

	default:
		h.logger.Debug("unhandled event type", "event_type", event.Type)
	}

	// Always 200 after signature verification; Stripe retries anything else.
	ack(w)
}

// handleCheckoutCompleted turns a paid checkout session into an order. A
// session carrying plan_change_id metadata settles an upgrade instead.
func (h *StripeHandler) handleCheckoutCompleted(ctx context.Context, event stripe.Event) {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		h.logger.Error("failed to parse checkout session", "event_id", event.ID, "error", err)
		recordFailed(domain.GatewayStripe, string(event.Type), "parse_error")
		return
	}

	if session.PaymentStatus == stripe.CheckoutSessionPaymentStatusUnpaid {
		// Async payment methods complete later; the async_payment_succeeded
		// event carries the settled session.
		h.logger.Info("checkout session not yet paid", "session_id", session.ID)
		return
	}

	payment := h.paymentFromSession(session)

	if changeID := session.Metadata["plan_change_id"]; changeID != "" {
		result, err := h.planChanges.HandlePaymentSuccess(ctx, payment.Reference, payment)
		if err != nil {
			h.logger.Error("plan change settlement failed",
				"session_id", session.ID,
				"plan_change_id", changeID,
				"error", err)
			recordFailed(domain.GatewayStripe, string(event.Type), "plan_change_failed")
			return
		}
		recordResult(domain.GatewayStripe, result)
		recordProcessed(domain.GatewayStripe, string(event.Type))
		return
	}

	email := session.CustomerEmail
	if session.CustomerDetails != nil && session.CustomerDetails.Email != "" {
		email = session.CustomerDetails.Email
	}
	if email == "" {
		h.logger.Error("checkout session has no customer email", "session_id", session.ID)
		recordFailed(domain.GatewayStripe, string(event.Type), "missing_email")
		return
	}

	planID, ok := parseUUID(session.Metadata["plan_id"])
	if !ok {
		h.logger.Error("checkout session has no usable plan_id metadata",
			"session_id", session.ID,
			"plan_id", session.Metadata["plan_id"])
		recordFailed(domain.GatewayStripe, string(event.Type), "missing_plan")
		return
	}

	result, err := h.reconciler.ReconcilePayment(ctx, service.ReconcileParams{
		Payment: payment,
		Email:   email,
		PlanID:  planID,
		// A saved customer means renewals can charge off-session.
		AutoRenew: payment.Authorization.CustomerID != "",
	})
	if err != nil {
		h.logger.Error("payment reconciliation failed",
			"session_id", session.ID,
			"error", err)
		recordFailed(domain.GatewayStripe, string(event.Type), "reconcile_failed")
		return
	}
	recordResult(domain.GatewayStripe, result)
	recordProcessed(domain.GatewayStripe, string(event.Type))
}

// handleCheckoutFailed fails the pending plan change behind an abandoned or
// declined checkout. Plain purchase sessions need no cleanup.
func (h *StripeHandler) handleCheckoutFailed(ctx context.Context, event stripe.Event) {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		h.logger.Error("failed to parse checkout session", "event_id", event.ID, "error", err)
		return
	}

	if session.Metadata["plan_change_id"] == "" {
		return
	}

	reference := session.ClientReferenceID
	if err := h.planChanges.HandlePaymentFailure(ctx, reference, string(event.Type)); err != nil {
		h.logger.Warn("failed to record plan change payment failure",
			"reference", reference,
			"error", err)
		return
	}
	recordProcessed(domain.GatewayStripe, string(event.Type))
}

func (h *StripeHandler) handleChargeRefunded(ctx context.Context, event stripe.Event) {
	var charge stripe.Charge
	if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
		h.logger.Error("failed to parse charge", "event_id", event.ID, "error", err)
		return
	}
	if charge.PaymentIntent == nil || charge.PaymentIntent.ID == "" {
		h.logger.Warn("refunded charge has no payment intent", "charge_id", charge.ID)
		return
	}

	if err := h.reconciler.MarkRefunded(ctx, domain.GatewayStripe, charge.PaymentIntent.ID); err != nil {
		if domain.IsCode(err, domain.ENOTFOUND) {
			h.logger.Warn("refund for unknown transaction",
				"payment_intent", charge.PaymentIntent.ID)
			return
		}
		h.logger.Error("failed to mark order refunded",
			"payment_intent", charge.PaymentIntent.ID,
			"error", err)
		recordFailed(domain.GatewayStripe, string(event.Type), "refund_failed")
		return
	}

	recordProcessed(domain.GatewayStripe, string(event.Type))
	if telemetry.Business != nil {
		telemetry.Business.RefundsIssued.WithLabelValues(string(domain.GatewayStripe)).Inc()
	}
	h.logger.Info("order marked refunded", "payment_intent", charge.PaymentIntent.ID)
}

// handleSubscriptionDeleted suspends the local subscription linked to a
// cancelled upstream Stripe subscription.
func (h *StripeHandler) handleSubscriptionDeleted(ctx context.Context, event stripe.Event) {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		h.logger.Error("failed to parse subscription", "event_id", event.ID, "error", err)
		return
	}

	local, err := h.store.GetSubscriptionByProviderID(ctx, sub.ID)
	if err != nil {
		h.logger.Warn("cancelled subscription has no local counterpart",
			"provider_subscription_id", sub.ID)
		return
	}

	if err := h.store.UpdateSubscriptionStatus(ctx, repository.UpdateSubscriptionStatusParams{
		ID:     local.ID,
		Status: string(domain.SubscriptionCancelled),
	}); err != nil {
		h.logger.Error("failed to cancel subscription",
			"subscription_id", sub.ID,
			"error", err)
		return
	}

	recordProcessed(domain.GatewayStripe, string(event.Type))
	h.logger.Info("subscription cancelled from upstream", "provider_subscription_id", sub.ID)
}

// paymentFromSession normalizes a checkout session into a gateway payment.
func (h *StripeHandler) paymentFromSession(session stripe.CheckoutSession) domain.GatewayPayment {
	reference := session.ClientReferenceID
	if reference == "" {
		reference = session.ID
	}

	auth := domain.AuthorizationData{}
	if session.Customer != nil {
		auth.CustomerID = session.Customer.ID
	}

	var transactionID string
	if session.PaymentIntent != nil {
		transactionID = session.PaymentIntent.ID
		auth.PaymentIntentID = session.PaymentIntent.ID
	}

	raw, _ := json.Marshal(session)
	return domain.GatewayPayment{
		Gateway:       domain.GatewayStripe,
		Reference:     reference,
		TransactionID: transactionID,
		Currency:      strings.ToUpper(string(session.Currency)),
		AmountMinor:   session.AmountTotal,
		Authorization: auth,
		Raw:           raw,
	}
}

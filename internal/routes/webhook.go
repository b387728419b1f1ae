package routes

import (
	"github.com/vexacloud/streambill/internal/router"
)

// RegisterWebhookRoutes registers all webhook routes.
// These routes handle incoming webhooks from external services.
//
// Note: Webhook routes do NOT have authentication middleware.
// Each webhook handler is responsible for verifying the request
// signature (e.g., Stripe signature verification).
//
// A nil handler means the gateway is disabled in config and its route is
// simply not registered.
func RegisterWebhookRoutes(r *router.Router, deps WebhookDeps) {
	if deps.StripeHandler != nil {
		r.Post("/webhooks/stripe", deps.StripeHandler)
	}
	if deps.PaystackHandler != nil {
		r.Post("/webhooks/paystack", deps.PaystackHandler)
	}
	if deps.WooCommerceHandler != nil {
		r.Post("/webhooks/woocommerce", deps.WooCommerceHandler)
	}
}

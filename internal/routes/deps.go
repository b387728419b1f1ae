package routes

import (
	"context"
	"net/http"
)

// WebhookDeps contains the gateway webhook handlers.
type WebhookDeps struct {
	StripeHandler      http.HandlerFunc
	PaystackHandler    http.HandlerFunc
	WooCommerceHandler http.HandlerFunc
}

// OpsDeps contains dependencies for the operational routes.
type OpsDeps struct {
	// PingDB checks database connectivity. Required.
	PingDB func(ctx context.Context) error

	// NatsConnected reports broker connectivity. Nil means NATS is disabled
	// and the check is skipped.
	NatsConnected func() bool
}

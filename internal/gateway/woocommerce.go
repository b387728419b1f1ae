package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/vexacloud/streambill/internal/domain"
)

// WooCommerceProvider represents a hosted WooCommerce store. Checkout and
// recurring billing both happen store-side; this provider only builds the
// redirect into the store's cart. Payment confirmation arrives through the
// store's webhooks.
type WooCommerceProvider struct {
	storeURL string
	logger   *slog.Logger
}

func NewWooCommerceProvider(storeURL string, logger *slog.Logger) *WooCommerceProvider {
	return &WooCommerceProvider{
		storeURL: strings.TrimRight(storeURL, "/"),
		logger:   logger.With("gateway", "woocommerce"),
	}
}

func (w *WooCommerceProvider) Identifier() domain.Gateway {
	return domain.GatewayWooCommerce
}

func (w *WooCommerceProvider) IsAvailable() bool {
	return w.storeURL != ""
}

// InitiatePayment sends the customer to the store's cart with the plan's
// product pre-added. The store handles payment and reports back by webhook.
func (w *WooCommerceProvider) InitiatePayment(ctx context.Context, params InitiatePaymentParams) (*CheckoutSession, error) {
	if params.VendorPlanCode == "" {
		return nil, domain.Invalid("woocommerce.InitiatePayment", "plan has no woocommerce product mapping")
	}

	q := url.Values{}
	q.Set("add-to-cart", params.VendorPlanCode)

	return &CheckoutSession{
		Reference:   params.Reference,
		CheckoutURL: fmt.Sprintf("%s/checkout/?%s", w.storeURL, q.Encode()),
	}, nil
}

// ChargeRecurring is unsupported: WooCommerce Subscriptions runs renewals on
// the store and this system only receives the resulting webhooks.
func (w *WooCommerceProvider) ChargeRecurring(ctx context.Context, params ChargeParams) (*ChargeResult, error) {
	return nil, fmt.Errorf("%w: woocommerce renewals originate on the store", ErrRecurringUnsupported)
}

package domain

import "fmt"

// Gateway identifies a payment gateway.
// The set is closed: amount units, currency defaults, and stored-authorization
// shapes are enumerated per gateway, not pluggable.
type Gateway string

const (
	GatewayStripe      Gateway = "stripe"
	GatewayPaystack    Gateway = "paystack"
	GatewayWooCommerce Gateway = "woocommerce"
)

// ParseGateway converts a string identifier into a Gateway.
func ParseGateway(s string) (Gateway, error) {
	switch Gateway(s) {
	case GatewayStripe, GatewayPaystack, GatewayWooCommerce:
		return Gateway(s), nil
	}
	return "", Errorf(EINVALID, "gateway.parse", "unknown payment gateway: %s", s)
}

// String implements fmt.Stringer.
func (g Gateway) String() string {
	return string(g)
}

// Valid reports whether g is one of the known gateways.
func (g Gateway) Valid() bool {
	_, err := ParseGateway(string(g))
	return err == nil
}

var _ fmt.Stringer = Gateway("")

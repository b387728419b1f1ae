package gateway

import "errors"

var (
	// ErrGatewayUnavailable is returned when the requested gateway is not
	// registered or not configured.
	ErrGatewayUnavailable = errors.New("gateway: not available")

	// ErrRecurringUnsupported is returned by gateways that cannot charge a
	// stored authorization off-session.
	ErrRecurringUnsupported = errors.New("gateway: recurring charges not supported")

	// ErrChargeFailed is returned when the gateway accepted the request but
	// declined the charge.
	ErrChargeFailed = errors.New("gateway: charge failed")

	// ErrMissingAuthorization is returned when a recurring charge is
	// attempted without the stored credentials the gateway needs.
	ErrMissingAuthorization = errors.New("gateway: missing stored authorization")
)

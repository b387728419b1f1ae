package gateway

import (
	"fmt"
	"log/slog"

	"github.com/vexacloud/streambill/internal/domain"
)

// Manager holds the registered gateway providers and picks defaults.
// Registration happens once at startup; reads after that are lock-free.
type Manager struct {
	providers      map[domain.Gateway]Provider
	order          []domain.Gateway
	defaultGateway domain.Gateway
	logger         *slog.Logger
}

// NewManager creates a Manager. defaultGateway may be empty, in which case
// the first available registered gateway is the default.
func NewManager(defaultGateway string, logger *slog.Logger) *Manager {
	return &Manager{
		providers:      make(map[domain.Gateway]Provider),
		defaultGateway: domain.Gateway(defaultGateway),
		logger:         logger.With("component", "gateway_manager"),
	}
}

// Register adds a provider. Later registrations with the same identifier
// replace earlier ones.
func (m *Manager) Register(p Provider) {
	id := p.Identifier()
	if _, exists := m.providers[id]; !exists {
		m.order = append(m.order, id)
	}
	m.providers[id] = p
	m.logger.Info("gateway registered",
		"gateway", id,
		"available", p.IsAvailable())
}

// Gateway returns the provider for id. Unknown or unconfigured gateways
// produce an ECONFIG domain error wrapping ErrGatewayUnavailable so callers
// can branch on it with errors.Is.
func (m *Manager) Gateway(id domain.Gateway) (Provider, error) {
	p, ok := m.providers[id]
	if !ok {
		return nil, domain.WrapError(ErrGatewayUnavailable, domain.ECONFIG, "Manager.Gateway",
			fmt.Sprintf("payment gateway %q is not configured", id))
	}
	if !p.IsAvailable() {
		return nil, domain.WrapError(ErrGatewayUnavailable, domain.ECONFIG, "Manager.Gateway",
			fmt.Sprintf("payment gateway %q is not available", id))
	}
	return p, nil
}

// AvailableGateways lists the identifiers of gateways ready to take
// payments, in registration order.
func (m *Manager) AvailableGateways() []domain.Gateway {
	var out []domain.Gateway
	for _, id := range m.order {
		if m.providers[id].IsAvailable() {
			out = append(out, id)
		}
	}
	return out
}

// DefaultGateway picks the gateway used when a caller does not name one:
// the configured default if it is available, otherwise the first available
// registered gateway.
func (m *Manager) DefaultGateway() (Provider, error) {
	if m.defaultGateway != "" {
		if p, ok := m.providers[m.defaultGateway]; ok && p.IsAvailable() {
			return p, nil
		}
		m.logger.Warn("configured default gateway unavailable, falling back",
			"gateway", m.defaultGateway)
	}
	for _, id := range m.order {
		if p := m.providers[id]; p.IsAvailable() {
			return p, nil
		}
	}
	return nil, domain.WrapError(ErrGatewayUnavailable, domain.ECONFIG, "Manager.DefaultGateway", "no payment gateways available")
}

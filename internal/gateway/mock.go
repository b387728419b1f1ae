package gateway

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/vexacloud/streambill/internal/domain"
)

// MockProvider is a gateway provider for testing. Simulates successful
// payment flows without calling any external API.
type MockProvider struct {
	// ID is the gateway identifier the mock reports. Defaults to stripe.
	ID domain.Gateway

	// Available controls IsAvailable.
	Available bool

	// InitiatePaymentFunc allows customizing checkout behavior
	InitiatePaymentFunc func(ctx context.Context, params InitiatePaymentParams) (*CheckoutSession, error)

	// ChargeRecurringFunc allows customizing recurring charge behavior
	ChargeRecurringFunc func(ctx context.Context, params ChargeParams) (*ChargeResult, error)

	// CallLog tracks method calls for test assertions
	CallLog []string
}

// NewMockProvider creates a mock provider reporting as id and available.
func NewMockProvider(id domain.Gateway) *MockProvider {
	return &MockProvider{
		ID:        id,
		Available: true,
		CallLog:   []string{},
	}
}

func (m *MockProvider) Identifier() domain.Gateway {
	if m.ID == "" {
		return domain.GatewayStripe
	}
	return m.ID
}

func (m *MockProvider) IsAvailable() bool {
	return m.Available
}

// InitiatePayment returns a fake hosted checkout URL.
func (m *MockProvider) InitiatePayment(ctx context.Context, params InitiatePaymentParams) (*CheckoutSession, error) {
	m.CallLog = append(m.CallLog, fmt.Sprintf("InitiatePayment(%s, %s)", params.Reference, params.Amount))

	if m.InitiatePaymentFunc != nil {
		return m.InitiatePaymentFunc(ctx, params)
	}

	reference := params.Reference
	if reference == "" {
		reference = "mock_" + uuid.New().String()
	}
	return &CheckoutSession{
		Reference:   reference,
		CheckoutURL: "https://checkout.example.com/" + reference,
	}, nil
}

// ChargeRecurring returns a successful charge echoing the stored authorization.
func (m *MockProvider) ChargeRecurring(ctx context.Context, params ChargeParams) (*ChargeResult, error) {
	m.CallLog = append(m.CallLog, fmt.Sprintf("ChargeRecurring(%s, %s)", params.Reference, params.Amount))

	if m.ChargeRecurringFunc != nil {
		return m.ChargeRecurringFunc(ctx, params)
	}

	return &ChargeResult{
		Reference:     params.Reference,
		TransactionID: "txn_" + uuid.New().String(),
		Success:       true,
		Authorization: params.Authorization,
	}, nil
}

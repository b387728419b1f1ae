package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/vexacloud/streambill/internal/domain"
)

const defaultPaystackBaseURL = "https://api.paystack.co"

// PaystackProvider implements Provider against the Paystack REST API.
// One-time payments go through transaction initialize; renewals charge the
// stored authorization code.
type PaystackProvider struct {
	secretKey  string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

func NewPaystackProvider(secretKey, baseURL string, logger *slog.Logger) *PaystackProvider {
	if baseURL == "" {
		baseURL = defaultPaystackBaseURL
	}
	return &PaystackProvider{
		secretKey:  secretKey,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger.With("gateway", "paystack"),
	}
}

func (p *PaystackProvider) Identifier() domain.Gateway {
	return domain.GatewayPaystack
}

func (p *PaystackProvider) IsAvailable() bool {
	return p.secretKey != ""
}

// -- Paystack API types --

type paystackEnvelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type paystackInitializeRequest struct {
	Email       string            `json:"email"`
	Amount      int64             `json:"amount"`
	Currency    string            `json:"currency,omitempty"`
	Reference   string            `json:"reference,omitempty"`
	CallbackURL string            `json:"callback_url,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type paystackInitializeData struct {
	AuthorizationURL string `json:"authorization_url"`
	AccessCode       string `json:"access_code"`
	Reference        string `json:"reference"`
}

type paystackChargeRequest struct {
	AuthorizationCode string            `json:"authorization_code"`
	Email             string            `json:"email"`
	Amount            int64             `json:"amount"`
	Currency          string            `json:"currency,omitempty"`
	Reference         string            `json:"reference,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

type paystackChargeData struct {
	ID            int64  `json:"id"`
	Status        string `json:"status"`
	Reference     string `json:"reference"`
	Authorization struct {
		AuthorizationCode string `json:"authorization_code"`
		Last4             string `json:"last4"`
		CardType          string `json:"card_type"`
	} `json:"authorization"`
}

// InitiatePayment calls transaction/initialize and returns the hosted
// payment page URL. Paystack amounts are minor units (kobo, cents).
func (p *PaystackProvider) InitiatePayment(ctx context.Context, params InitiatePaymentParams) (*CheckoutSession, error) {
	req := paystackInitializeRequest{
		Email:       params.Email,
		Amount:      MinorUnits(params.Amount),
		Currency:    params.Currency,
		Reference:   params.Reference,
		CallbackURL: params.CallbackURL,
		Metadata:    params.Metadata,
	}

	var data paystackInitializeData
	if err := p.post(ctx, "/transaction/initialize", req, &data); err != nil {
		p.logger.Error("failed to initialize transaction",
			"reference", params.Reference,
			"error", err)
		return nil, domain.WrapError(err, domain.EPAYMENT, "paystack.InitiatePayment", "failed to initialize transaction")
	}

	p.logger.Info("transaction initialized",
		"reference", data.Reference)

	return &CheckoutSession{
		Reference:   data.Reference,
		CheckoutURL: data.AuthorizationURL,
	}, nil
}

// ChargeRecurring calls transaction/charge_authorization with the stored
// authorization code from the customer's first payment.
func (p *PaystackProvider) ChargeRecurring(ctx context.Context, params ChargeParams) (*ChargeResult, error) {
	if params.Authorization.AuthorizationCode == "" {
		return nil, fmt.Errorf("%w: no paystack authorization code on file", ErrMissingAuthorization)
	}

	req := paystackChargeRequest{
		AuthorizationCode: params.Authorization.AuthorizationCode,
		Email:             params.Email,
		Amount:            MinorUnits(params.Amount),
		Currency:          params.Currency,
		Reference:         params.Reference,
		Metadata:          params.Metadata,
	}

	var data paystackChargeData
	if err := p.post(ctx, "/transaction/charge_authorization", req, &data); err != nil {
		p.logger.Warn("charge_authorization failed",
			"reference", params.Reference,
			"error", err)
		return nil, fmt.Errorf("%w: %v", ErrChargeFailed, err)
	}

	raw, _ := json.Marshal(data)
	result := &ChargeResult{
		Reference:     data.Reference,
		TransactionID: fmt.Sprintf("%d", data.ID),
		Success:       data.Status == "success",
		Authorization: params.Authorization,
		Raw:           raw,
	}
	// Paystack may rotate the authorization code on charge.
	if code := data.Authorization.AuthorizationCode; code != "" {
		result.Authorization.AuthorizationCode = code
	}
	if data.Authorization.Last4 != "" {
		result.Authorization.CardLast4 = data.Authorization.Last4
		result.Authorization.CardBrand = data.Authorization.CardType
	}

	if !result.Success {
		return result, fmt.Errorf("%w: transaction status %s", ErrChargeFailed, data.Status)
	}

	p.logger.Info("recurring charge succeeded",
		"reference", data.Reference,
		"transaction_id", data.ID)
	return result, nil
}

func (p *PaystackProvider) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.secretKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("call paystack: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var envelope paystackEnvelope
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return fmt.Errorf("decode response (HTTP %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode >= 400 || !envelope.Status {
		return fmt.Errorf("paystack error (HTTP %d): %s", resp.StatusCode, envelope.Message)
	}
	if out != nil {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("decode data: %w", err)
		}
	}
	return nil
}

package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vexacloud/streambill/internal/domain"
)

func TestPaystackInitiatePayment(t *testing.T) {
	var gotBody paystackInitializeRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/transaction/initialize", r.URL.Path)
		assert.Equal(t, "Bearer sk_test_abc", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		json.NewEncoder(w).Encode(map[string]any{
			"status":  true,
			"message": "Authorization URL created",
			"data": map[string]any{
				"authorization_url": "https://checkout.paystack.com/abc123",
				"access_code":       "abc123",
				"reference":         gotBody.Reference,
			},
		})
	}))
	defer srv.Close()

	p := NewPaystackProvider("sk_test_abc", srv.URL, testLogger())

	sess, err := p.InitiatePayment(context.Background(), InitiatePaymentParams{
		Email:     "viewer@example.com",
		Amount:    mustDecimal(t, "15000.00"),
		Currency:  "NGN",
		Reference: "ref_1",
	})
	require.NoError(t, err)

	assert.Equal(t, "ref_1", sess.Reference)
	assert.Equal(t, "https://checkout.paystack.com/abc123", sess.CheckoutURL)
	assert.Equal(t, int64(1500000), gotBody.Amount, "amount must be sent in kobo")
}

func TestPaystackInitiatePaymentDeclined(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{
			"status":  false,
			"message": "Invalid key",
		})
	}))
	defer srv.Close()

	p := NewPaystackProvider("sk_bad", srv.URL, testLogger())

	_, err := p.InitiatePayment(context.Background(), InitiatePaymentParams{
		Email:  "viewer@example.com",
		Amount: mustDecimal(t, "10.00"),
	})
	require.Error(t, err)
	assert.Equal(t, domain.EPAYMENT, domain.ErrorCode(err))
}

func TestPaystackChargeRecurring(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/transaction/charge_authorization", r.URL.Path)

		var req paystackChargeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "AUTH_old", req.AuthorizationCode)

		json.NewEncoder(w).Encode(map[string]any{
			"status":  true,
			"message": "Charge attempted",
			"data": map[string]any{
				"id":        4099260516,
				"status":    "success",
				"reference": req.Reference,
				"authorization": map[string]any{
					"authorization_code": "AUTH_rotated",
					"last4":              "4081",
					"card_type":          "visa",
				},
			},
		})
	}))
	defer srv.Close()

	p := NewPaystackProvider("sk_test_abc", srv.URL, testLogger())

	result, err := p.ChargeRecurring(context.Background(), ChargeParams{
		Authorization: domain.AuthorizationData{AuthorizationCode: "AUTH_old"},
		Email:         "viewer@example.com",
		Amount:        mustDecimal(t, "15000.00"),
		Currency:      "NGN",
		Reference:     "renew_1",
	})
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, "renew_1", result.Reference)
	assert.Equal(t, "4099260516", result.TransactionID)
	assert.Equal(t, "AUTH_rotated", result.Authorization.AuthorizationCode)
	assert.Equal(t, "4081", result.Authorization.CardLast4)
}

func TestPaystackChargeRecurringRequiresAuthorization(t *testing.T) {
	p := NewPaystackProvider("sk_test_abc", "", testLogger())

	_, err := p.ChargeRecurring(context.Background(), ChargeParams{
		Email:  "viewer@example.com",
		Amount: mustDecimal(t, "10.00"),
	})
	assert.ErrorIs(t, err, ErrMissingAuthorization)
}

func TestPaystackChargeRecurringDeclined(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"status":  true,
			"message": "Charge attempted",
			"data": map[string]any{
				"id":        5,
				"status":    "failed",
				"reference": "renew_2",
			},
		})
	}))
	defer srv.Close()

	p := NewPaystackProvider("sk_test_abc", srv.URL, testLogger())

	result, err := p.ChargeRecurring(context.Background(), ChargeParams{
		Authorization: domain.AuthorizationData{AuthorizationCode: "AUTH_x"},
		Email:         "viewer@example.com",
		Amount:        mustDecimal(t, "10.00"),
		Reference:     "renew_2",
	})
	assert.ErrorIs(t, err, ErrChargeFailed)
	require.NotNil(t, result)
	assert.False(t, result.Success)
}

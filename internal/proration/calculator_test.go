package proration

import (
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vexacloud/streambill/internal/domain"
	"github.com/vexacloud/streambill/internal/repository"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func testPlan(price string, durationDays int32) repository.Plan {
	return repository.Plan{
		ID:           repository.NewID(),
		Price:        decimal.RequireFromString(price),
		Currency:     "USD",
		DurationDays: durationDays,
		IsActive:     true,
	}
}

func testSubscription(expiresIn time.Duration, now time.Time) repository.Subscription {
	return repository.Subscription{
		ID:        repository.NewID(),
		Status:    string(domain.SubscriptionActive),
		Currency:  "USD",
		ExpiresAt: pgtype.Timestamptz{Time: now.Add(expiresIn), Valid: true},
	}
}

func TestDaysRemaining(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	calc := &Calculator{Now: fixedClock(now)}

	tests := []struct {
		name      string
		expiresIn time.Duration
		valid     bool
		want      int32
	}{
		{"mid period", 15 * 24 * time.Hour, true, 15},
		{"partial day truncates", 15*24*time.Hour + 23*time.Hour, true, 15},
		{"under one day", 6 * time.Hour, true, 0},
		{"already expired", -3 * 24 * time.Hour, true, 0},
		{"no expiry recorded", 0, false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := testSubscription(tt.expiresIn, now)
			sub.ExpiresAt.Valid = tt.valid
			assert.Equal(t, tt.want, calc.DaysRemaining(sub))
		})
	}
}

func TestPlanPricingPrice(t *testing.T) {
	plan := testPlan("10.00", 30)
	pricing := PlanPricing{
		Plan: plan,
		Prices: []repository.PlanPrice{
			{
				PlanID:   plan.ID,
				Gateway:  pgtype.Text{String: "paystack", Valid: true},
				Currency: "NGN",
				Price:    decimal.RequireFromString("15000.00"),
				IsActive: true,
			},
			{
				PlanID:   plan.ID,
				Currency: "NGN",
				Price:    decimal.RequireFromString("16000.00"),
				IsActive: true,
			},
			{
				PlanID:   plan.ID,
				Gateway:  pgtype.Text{String: "stripe", Valid: true},
				Currency: "EUR",
				Price:    decimal.RequireFromString("9.50"),
				IsActive: false,
			},
		},
	}

	t.Run("gateway specific override wins", func(t *testing.T) {
		got := pricing.Price(domain.GatewayPaystack, "NGN")
		assert.True(t, got.Equal(decimal.RequireFromString("15000.00")))
	})

	t.Run("gateway agnostic override for other gateways", func(t *testing.T) {
		got := pricing.Price(domain.GatewayStripe, "NGN")
		assert.True(t, got.Equal(decimal.RequireFromString("16000.00")))
	})

	t.Run("inactive override is skipped", func(t *testing.T) {
		got := pricing.Price(domain.GatewayStripe, "EUR")
		assert.True(t, got.Equal(plan.Price))
	})

	t.Run("currency match is case insensitive", func(t *testing.T) {
		got := pricing.Price(domain.GatewayPaystack, "ngn")
		assert.True(t, got.Equal(decimal.RequireFromString("15000.00")))
	})

	t.Run("no override falls back to base price", func(t *testing.T) {
		got := pricing.Price(domain.GatewayWooCommerce, "USD")
		assert.True(t, got.Equal(plan.Price))
	})
}

func TestCalculateUpgrade(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	calc := &Calculator{Now: fixedClock(now)}

	current := PlanPricing{Plan: testPlan("10.00", 30)}
	target := PlanPricing{Plan: testPlan("20.00", 30)}
	sub := testSubscription(15*24*time.Hour, now)

	result := calc.Calculate(sub, current, target, domain.GatewayStripe)

	assert.Equal(t, domain.PlanChangeUpgrade, result.Type)
	assert.Equal(t, int32(15), result.DaysRemaining)
	assert.Equal(t, int32(30), result.TotalDays)
	assert.Equal(t, "5.00", result.UnusedCredit.StringFixed(2))
	assert.Equal(t, "10.00", result.ProratedCost.StringFixed(2))
	assert.Equal(t, "5.00", result.AmountDue.StringFixed(2))
	assert.Equal(t, "0.00", result.CreditToApply.StringFixed(2))
	assert.Equal(t, "USD", result.Currency)
}

func TestCalculateDowngrade(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	calc := &Calculator{Now: fixedClock(now)}

	current := PlanPricing{Plan: testPlan("20.00", 30)}
	target := PlanPricing{Plan: testPlan("10.00", 30)}

	t.Run("full period remaining credits the difference", func(t *testing.T) {
		sub := testSubscription(30*24*time.Hour, now)
		result := calc.Calculate(sub, current, target, domain.GatewayStripe)

		assert.Equal(t, domain.PlanChangeDowngrade, result.Type)
		assert.Equal(t, "20.00", result.UnusedCredit.StringFixed(2))
		assert.Equal(t, "10.00", result.ProratedCost.StringFixed(2))
		assert.Equal(t, "10.00", result.CreditToApply.StringFixed(2))
		assert.Equal(t, "0.00", result.AmountDue.StringFixed(2))
	})

	t.Run("half period remaining", func(t *testing.T) {
		sub := testSubscription(15*24*time.Hour, now)
		result := calc.Calculate(sub, current, target, domain.GatewayStripe)

		assert.Equal(t, "10.00", result.UnusedCredit.StringFixed(2))
		assert.Equal(t, "5.00", result.ProratedCost.StringFixed(2))
		assert.Equal(t, "5.00", result.CreditToApply.StringFixed(2))
	})
}

func TestCalculateDegenerate(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	calc := &Calculator{Now: fixedClock(now)}

	current := PlanPricing{Plan: testPlan("10.00", 30)}
	target := PlanPricing{Plan: testPlan("20.00", 30)}

	t.Run("expired subscription pays full prorated zero", func(t *testing.T) {
		sub := testSubscription(-24*time.Hour, now)
		result := calc.Calculate(sub, current, target, domain.GatewayStripe)

		assert.Equal(t, int32(0), result.DaysRemaining)
		assert.Equal(t, "0.00", result.UnusedCredit.StringFixed(2))
		assert.Equal(t, "0.00", result.ProratedCost.StringFixed(2))
		assert.Equal(t, "0.00", result.AmountDue.StringFixed(2))
		assert.Equal(t, "0.00", result.CreditToApply.StringFixed(2))
	})

	t.Run("zero duration plan yields zero credit", func(t *testing.T) {
		sub := testSubscription(15*24*time.Hour, now)
		zeroDuration := PlanPricing{Plan: testPlan("10.00", 0)}
		result := calc.Calculate(sub, zeroDuration, target, domain.GatewayStripe)

		assert.Equal(t, "0.00", result.UnusedCredit.StringFixed(2))
		assert.Equal(t, "10.00", result.ProratedCost.StringFixed(2))
		assert.Equal(t, "10.00", result.AmountDue.StringFixed(2))
	})
}

func TestCalculateSymmetry(t *testing.T) {
	// Swapping current and target plans swaps amount_due and credit_to_apply.
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	calc := &Calculator{Now: fixedClock(now)}

	a := PlanPricing{Plan: testPlan("12.00", 30)}
	b := PlanPricing{Plan: testPlan("33.00", 30)}
	sub := testSubscription(11*24*time.Hour, now)

	up := calc.Calculate(sub, a, b, domain.GatewayStripe)
	down := calc.Calculate(sub, b, a, domain.GatewayStripe)

	require.Equal(t, domain.PlanChangeUpgrade, up.Type)
	require.Equal(t, domain.PlanChangeDowngrade, down.Type)
	assert.True(t, up.AmountDue.Equal(down.CreditToApply),
		"up due %s, down credit %s", up.AmountDue, down.CreditToApply)
	assert.True(t, up.CreditToApply.IsZero())
	assert.True(t, down.AmountDue.IsZero())
}

func TestCalculateMutualExclusivity(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	calc := &Calculator{Now: fixedClock(now)}

	prices := []string{"3.99", "10.00", "14.50", "29.99", "100.00"}
	days := []time.Duration{0, 24 * time.Hour, 7 * 24 * time.Hour, 29 * 24 * time.Hour}

	for _, from := range prices {
		for _, to := range prices {
			for _, d := range days {
				sub := testSubscription(d, now)
				result := calc.Calculate(sub, PlanPricing{Plan: testPlan(from, 30)}, PlanPricing{Plan: testPlan(to, 30)}, domain.GatewayPaystack)
				assert.True(t, result.AmountDue.Mul(result.CreditToApply).IsZero(),
					"from=%s to=%s days=%v due=%s credit=%s", from, to, d, result.AmountDue, result.CreditToApply)
				assert.False(t, result.AmountDue.IsNegative())
				assert.False(t, result.CreditToApply.IsNegative())
			}
		}
	}
}

func TestResolveCurrency(t *testing.T) {
	sub := repository.Subscription{Currency: "NGN"}
	plan := repository.Plan{Currency: "USD"}

	assert.Equal(t, "EUR", ResolveCurrency("EUR", sub, plan))
	assert.Equal(t, "NGN", ResolveCurrency("", sub, plan))
	assert.Equal(t, "USD", ResolveCurrency("", repository.Subscription{}, plan))
}

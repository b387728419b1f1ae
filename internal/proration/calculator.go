// Package proration computes the money math for mid-cycle plan switches.
// Everything here is pure: no persistence, no I/O, no clock access beyond the
// injectable Now func.
package proration

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vexacloud/streambill/internal/domain"
	"github.com/vexacloud/streambill/internal/repository"
)

// PlanPricing bundles a plan with its per-gateway/currency price overrides.
// Callers load both rows and hand them in; the calculator never touches storage.
type PlanPricing struct {
	Plan   repository.Plan
	Prices []repository.PlanPrice
}

// Price resolves the plan's price for a gateway and currency. Resolution
// order: exact (gateway, currency) override, then a gateway-agnostic override
// for the currency, then the plan's base price when the currency matches the
// plan's own. Falls back to the base price so an unknown combination still
// yields a chargeable amount.
func (pp PlanPricing) Price(gateway domain.Gateway, currency string) decimal.Decimal {
	var anyGateway *repository.PlanPrice
	for i := range pp.Prices {
		p := &pp.Prices[i]
		if !p.IsActive || !strings.EqualFold(p.Currency, currency) {
			continue
		}
		if p.Gateway.Valid && p.Gateway.String == string(gateway) {
			return p.Price
		}
		if !p.Gateway.Valid && anyGateway == nil {
			anyGateway = p
		}
	}
	if anyGateway != nil {
		return anyGateway.Price
	}
	return pp.Plan.Price
}

// Result is the full proration breakdown. It is persisted verbatim as
// plan_changes.calculation_details, so field names are part of the stored
// audit format. AmountDue and CreditToApply are never both positive.
type Result struct {
	Type             domain.PlanChangeType `json:"type"`
	DaysRemaining    int32                 `json:"days_remaining"`
	TotalDays        int32                 `json:"total_days"`
	CurrentPlanPrice decimal.Decimal       `json:"current_plan_price"`
	NewPlanPrice     decimal.Decimal       `json:"new_plan_price"`
	UnusedCredit     decimal.Decimal       `json:"unused_credit"`
	ProratedCost     decimal.Decimal       `json:"prorated_cost"`
	AmountDue        decimal.Decimal       `json:"amount_due"`
	CreditToApply    decimal.Decimal       `json:"credit_to_apply"`
	Currency         string                `json:"currency"`
}

// Calculator computes proration amounts. The zero value is not usable; use
// NewCalculator.
type Calculator struct {
	// Now is injectable for tests. Defaults to time.Now.
	Now func() time.Time
}

// NewCalculator returns a Calculator using the real clock.
func NewCalculator() *Calculator {
	return &Calculator{Now: time.Now}
}

// DaysRemaining is the whole days from now until the subscription expires,
// floored at 0. The intermediate diff is signed so an expired subscription
// computes negative before flooring.
func (c *Calculator) DaysRemaining(sub repository.Subscription) int32 {
	if !sub.ExpiresAt.Valid {
		return 0
	}
	days := int32(sub.ExpiresAt.Time.Sub(c.Now()) / (24 * time.Hour))
	if days < 0 {
		return 0
	}
	return days
}

// TotalDays is the length of the current billing period: the current plan's
// duration, not the target plan's.
func TotalDays(currentPlan repository.Plan) int32 {
	return currentPlan.DurationDays
}

// ResolveCurrency picks the currency for a proration: explicit argument,
// then the subscription's stored currency, then the plan's.
func ResolveCurrency(explicit string, sub repository.Subscription, plan repository.Plan) string {
	if explicit != "" {
		return explicit
	}
	if sub.Currency != "" {
		return sub.Currency
	}
	return plan.Currency
}

// UnusedCredit is the value of the remaining days on the current plan,
// rounded to 2 decimal places. Zero when the period is degenerate (no
// duration, or nothing remaining).
func (c *Calculator) UnusedCredit(sub repository.Subscription, current PlanPricing, gateway domain.Gateway, currency string) decimal.Decimal {
	currency = ResolveCurrency(currency, sub, current.Plan)
	totalDays := TotalDays(current.Plan)
	daysRemaining := c.DaysRemaining(sub)
	if totalDays == 0 || daysRemaining <= 0 {
		return decimal.Zero.Round(2)
	}
	price := current.Price(gateway, currency)
	return price.
		Div(decimal.NewFromInt32(totalDays)).
		Mul(decimal.NewFromInt32(daysRemaining)).
		Round(2)
}

// ProratedCost is the price of the remaining days on the target plan at the
// target plan's daily rate, rounded to 2 decimal places.
func (c *Calculator) ProratedCost(target PlanPricing, daysRemaining int32, gateway domain.Gateway, currency string) decimal.Decimal {
	if target.Plan.DurationDays == 0 || daysRemaining <= 0 {
		return decimal.Zero.Round(2)
	}
	price := target.Price(gateway, currency)
	return price.
		Div(decimal.NewFromInt32(target.Plan.DurationDays)).
		Mul(decimal.NewFromInt32(daysRemaining)).
		Round(2)
}

// Calculate produces the full breakdown for switching sub from its current
// plan to the target plan. Each public quantity is rounded to 2 decimal
// places before the difference is taken, so downstream comparisons against
// stored values always match.
func (c *Calculator) Calculate(sub repository.Subscription, current, target PlanPricing, gateway domain.Gateway) Result {
	currency := ResolveCurrency("", sub, current.Plan)

	currentPrice := current.Price(gateway, currency).Round(2)
	newPrice := target.Price(gateway, currency).Round(2)

	daysRemaining := c.DaysRemaining(sub)
	totalDays := TotalDays(current.Plan)

	unusedCredit := c.UnusedCredit(sub, current, gateway, currency)
	proratedCost := c.ProratedCost(target, daysRemaining, gateway, currency)

	changeType := domain.PlanChangeDowngrade
	if newPrice.GreaterThan(currentPrice) {
		changeType = domain.PlanChangeUpgrade
	}

	result := Result{
		Type:             changeType,
		DaysRemaining:    daysRemaining,
		TotalDays:        totalDays,
		CurrentPlanPrice: currentPrice,
		NewPlanPrice:     newPrice,
		UnusedCredit:     unusedCredit,
		ProratedCost:     proratedCost,
		AmountDue:        decimal.Zero.Round(2),
		CreditToApply:    decimal.Zero.Round(2),
		Currency:         currency,
	}

	difference := proratedCost.Sub(unusedCredit)
	if difference.IsPositive() {
		result.AmountDue = difference.Round(2)
	} else {
		result.CreditToApply = difference.Abs().Round(2)
	}
	return result
}

package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgtype"
)

const planColumns = `id, name, slug, price, currency, duration_days, max_devices, vendor_plan_codes, is_active, created_at, updated_at`

const getPlanByID = `
SELECT ` + planColumns + `
FROM plans
WHERE id = $1
`

func (q *Queries) GetPlanByID(ctx context.Context, id pgtype.UUID) (Plan, error) {
	return scanPlan(q.db.QueryRow(ctx, getPlanByID, id))
}

const getPlanBySlug = `
SELECT ` + planColumns + `
FROM plans
WHERE slug = $1
`

func (q *Queries) GetPlanBySlug(ctx context.Context, slug string) (Plan, error) {
	return scanPlan(q.db.QueryRow(ctx, getPlanBySlug, slug))
}

const getPlanByVendorCode = `
SELECT ` + planColumns + `
FROM plans
WHERE vendor_plan_codes ->> $1 = $2
  AND is_active = true
`

func (q *Queries) GetPlanByVendorCode(ctx context.Context, arg GetPlanByVendorCodeParams) (Plan, error) {
	return scanPlan(q.db.QueryRow(ctx, getPlanByVendorCode, arg.Vendor, arg.Code))
}

const listActivePlanPrices = `
SELECT id, plan_id, gateway, currency, price, is_active
FROM plan_prices
WHERE plan_id = $1
  AND is_active = true
ORDER BY gateway NULLS LAST, currency
`

func (q *Queries) ListActivePlanPrices(ctx context.Context, planID pgtype.UUID) ([]PlanPrice, error) {
	rows, err := q.db.Query(ctx, listActivePlanPrices, planID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var prices []PlanPrice
	for rows.Next() {
		var p PlanPrice
		var price pgtype.Numeric
		if err := rows.Scan(&p.ID, &p.PlanID, &p.Gateway, &p.Currency, &price, &p.IsActive); err != nil {
			return nil, err
		}
		p.Price = decimalFromNumeric(price)
		prices = append(prices, p)
	}
	return prices, rows.Err()
}

func scanPlan(row scanner) (Plan, error) {
	var p Plan
	var price pgtype.Numeric
	err := row.Scan(
		&p.ID,
		&p.Name,
		&p.Slug,
		&price,
		&p.Currency,
		&p.DurationDays,
		&p.MaxDevices,
		&p.VendorPlanCodes,
		&p.IsActive,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return Plan{}, err
	}
	p.Price = decimalFromNumeric(price)
	return p, nil
}

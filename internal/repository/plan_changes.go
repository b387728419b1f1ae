package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgtype"
)

const planChangeColumns = `id, subscription_id, from_plan_id, to_plan_id, change_type, status, execution_type,
	proration_amount, credit_amount, calculation_details, payment_reference, payment_gateway,
	order_id, scheduled_at, completed_at, failure_reason, created_at, updated_at`

const createPlanChange = `
INSERT INTO plan_changes (
	subscription_id, from_plan_id, to_plan_id, change_type, status, execution_type,
	proration_amount, credit_amount, calculation_details, scheduled_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
RETURNING ` + planChangeColumns

func (q *Queries) CreatePlanChange(ctx context.Context, arg CreatePlanChangeParams) (PlanChange, error) {
	row := q.db.QueryRow(ctx, createPlanChange,
		arg.SubscriptionID,
		arg.FromPlanID,
		arg.ToPlanID,
		arg.ChangeType,
		arg.Status,
		arg.ExecutionType,
		numericFromDecimal(arg.ProrationAmount),
		numericFromDecimal(arg.CreditAmount),
		arg.CalculationDetails,
		arg.ScheduledAt,
	)
	return scanPlanChange(row)
}

const getPlanChangeByID = `
SELECT ` + planChangeColumns + `
FROM plan_changes
WHERE id = $1
`

func (q *Queries) GetPlanChangeByID(ctx context.Context, id pgtype.UUID) (PlanChange, error) {
	return scanPlanChange(q.db.QueryRow(ctx, getPlanChangeByID, id))
}

const getPlanChangeForUpdate = `
SELECT ` + planChangeColumns + `
FROM plan_changes
WHERE id = $1
FOR UPDATE
`

func (q *Queries) GetPlanChangeForUpdate(ctx context.Context, id pgtype.UUID) (PlanChange, error) {
	return scanPlanChange(q.db.QueryRow(ctx, getPlanChangeForUpdate, id))
}

const getPlanChangeByPaymentReference = `
SELECT ` + planChangeColumns + `
FROM plan_changes
WHERE payment_reference = $1
`

func (q *Queries) GetPlanChangeByPaymentReference(ctx context.Context, reference string) (PlanChange, error) {
	return scanPlanChange(q.db.QueryRow(ctx, getPlanChangeByPaymentReference, reference))
}

const getScheduledPlanChange = `
SELECT ` + planChangeColumns + `
FROM plan_changes
WHERE subscription_id = $1
  AND status = 'scheduled'
ORDER BY created_at DESC
LIMIT 1
`

func (q *Queries) GetScheduledPlanChange(ctx context.Context, subscriptionID pgtype.UUID) (PlanChange, error) {
	return scanPlanChange(q.db.QueryRow(ctx, getScheduledPlanChange, subscriptionID))
}

const cancelOpenPlanChanges = `
UPDATE plan_changes
SET status = 'cancelled', updated_at = now()
WHERE subscription_id = $1
  AND status IN ('pending', 'scheduled')
`

// CancelOpenPlanChanges cancels every pending or scheduled change for a
// subscription; callers run it before creating a new change so at most one
// open change exists at a time.
func (q *Queries) CancelOpenPlanChanges(ctx context.Context, subscriptionID pgtype.UUID) (int64, error) {
	tag, err := q.db.Exec(ctx, cancelOpenPlanChanges, subscriptionID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

const updatePlanChangeStatus = `
UPDATE plan_changes
SET status = $2, failure_reason = $3, updated_at = now()
WHERE id = $1
`

func (q *Queries) UpdatePlanChangeStatus(ctx context.Context, arg UpdatePlanChangeStatusParams) error {
	_, err := q.db.Exec(ctx, updatePlanChangeStatus, arg.ID, arg.Status, arg.FailureReason)
	return err
}

const setPlanChangePayment = `
UPDATE plan_changes
SET payment_reference = $2, payment_gateway = $3, updated_at = now()
WHERE id = $1
`

func (q *Queries) SetPlanChangePayment(ctx context.Context, arg SetPlanChangePaymentParams) error {
	_, err := q.db.Exec(ctx, setPlanChangePayment, arg.ID, arg.PaymentReference, arg.PaymentGateway)
	return err
}

const completePlanChange = `
UPDATE plan_changes
SET status = 'completed', order_id = COALESCE($2, order_id), completed_at = $3, updated_at = now()
WHERE id = $1
`

func (q *Queries) CompletePlanChange(ctx context.Context, arg CompletePlanChangeParams) error {
	_, err := q.db.Exec(ctx, completePlanChange, arg.ID, arg.OrderID, arg.CompletedAt)
	return err
}

func scanPlanChange(row scanner) (PlanChange, error) {
	var c PlanChange
	var proration, credit pgtype.Numeric
	err := row.Scan(
		&c.ID,
		&c.SubscriptionID,
		&c.FromPlanID,
		&c.ToPlanID,
		&c.ChangeType,
		&c.Status,
		&c.ExecutionType,
		&proration,
		&credit,
		&c.CalculationDetails,
		&c.PaymentReference,
		&c.PaymentGateway,
		&c.OrderID,
		&c.ScheduledAt,
		&c.CompletedAt,
		&c.FailureReason,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return PlanChange{}, err
	}
	c.ProrationAmount = decimalFromNumeric(proration)
	c.CreditAmount = decimalFromNumeric(credit)
	return c, nil
}

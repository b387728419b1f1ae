package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgtype"
)

const subscriptionColumns = `id, user_id, plan_id, status, currency, starts_at, expires_at, next_renewal_at,
	auto_renew, credit_balance, scheduled_plan_id, plan_change_scheduled_at,
	provider_subscription_id, metadata, created_at, updated_at`

const createSubscription = `
INSERT INTO subscriptions (
	user_id, plan_id, status, currency, starts_at, expires_at, next_renewal_at,
	auto_renew, provider_subscription_id, metadata
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
RETURNING ` + subscriptionColumns

func (q *Queries) CreateSubscription(ctx context.Context, arg CreateSubscriptionParams) (Subscription, error) {
	row := q.db.QueryRow(ctx, createSubscription,
		arg.UserID,
		arg.PlanID,
		arg.Status,
		arg.Currency,
		arg.StartsAt,
		arg.ExpiresAt,
		arg.NextRenewalAt,
		arg.AutoRenew,
		arg.ProviderSubscriptionID,
		arg.Metadata,
	)
	return scanSubscription(row)
}

const getSubscriptionByID = `
SELECT ` + subscriptionColumns + `
FROM subscriptions
WHERE id = $1
`

func (q *Queries) GetSubscriptionByID(ctx context.Context, id pgtype.UUID) (Subscription, error) {
	return scanSubscription(q.db.QueryRow(ctx, getSubscriptionByID, id))
}

const getSubscriptionForUpdate = `
SELECT ` + subscriptionColumns + `
FROM subscriptions
WHERE id = $1
FOR UPDATE
`

// GetSubscriptionForUpdate takes a row-level lock so a plan-change execution
// or renewal cannot interleave with a concurrent admin mutation. Only
// meaningful inside a transaction.
func (q *Queries) GetSubscriptionForUpdate(ctx context.Context, id pgtype.UUID) (Subscription, error) {
	return scanSubscription(q.db.QueryRow(ctx, getSubscriptionForUpdate, id))
}

const getSubscriptionByProviderID = `
SELECT ` + subscriptionColumns + `
FROM subscriptions
WHERE provider_subscription_id = $1
`

func (q *Queries) GetSubscriptionByProviderID(ctx context.Context, providerSubscriptionID string) (Subscription, error) {
	return scanSubscription(q.db.QueryRow(ctx, getSubscriptionByProviderID, providerSubscriptionID))
}

const updateSubscriptionPlan = `
UPDATE subscriptions
SET plan_id = $2, updated_at = now()
WHERE id = $1
RETURNING ` + subscriptionColumns

func (q *Queries) UpdateSubscriptionPlan(ctx context.Context, arg UpdateSubscriptionPlanParams) (Subscription, error) {
	return scanSubscription(q.db.QueryRow(ctx, updateSubscriptionPlan, arg.ID, arg.PlanID))
}

const setSubscriptionSchedule = `
UPDATE subscriptions
SET scheduled_plan_id = $2, plan_change_scheduled_at = $3, updated_at = now()
WHERE id = $1
`

func (q *Queries) SetSubscriptionSchedule(ctx context.Context, arg SetSubscriptionScheduleParams) error {
	_, err := q.db.Exec(ctx, setSubscriptionSchedule, arg.ID, arg.ScheduledPlanID, arg.PlanChangeScheduledAt)
	return err
}

const clearSubscriptionSchedule = `
UPDATE subscriptions
SET scheduled_plan_id = NULL, plan_change_scheduled_at = NULL, updated_at = now()
WHERE id = $1
`

func (q *Queries) ClearSubscriptionSchedule(ctx context.Context, id pgtype.UUID) error {
	_, err := q.db.Exec(ctx, clearSubscriptionSchedule, id)
	return err
}

const updateSubscriptionStatus = `
UPDATE subscriptions
SET status = $2, updated_at = now()
WHERE id = $1
`

func (q *Queries) UpdateSubscriptionStatus(ctx context.Context, arg UpdateSubscriptionStatusParams) error {
	_, err := q.db.Exec(ctx, updateSubscriptionStatus, arg.ID, arg.Status)
	return err
}

const extendSubscription = `
UPDATE subscriptions
SET status = $2, expires_at = $3, next_renewal_at = $4, updated_at = now()
WHERE id = $1
RETURNING ` + subscriptionColumns

func (q *Queries) ExtendSubscription(ctx context.Context, arg ExtendSubscriptionParams) (Subscription, error) {
	row := q.db.QueryRow(ctx, extendSubscription, arg.ID, arg.Status, arg.ExpiresAt, arg.NextRenewalAt)
	return scanSubscription(row)
}

const addSubscriptionCredit = `
UPDATE subscriptions
SET credit_balance = credit_balance + $2, updated_at = now()
WHERE id = $1
`

func (q *Queries) AddSubscriptionCredit(ctx context.Context, arg AddSubscriptionCreditParams) error {
	_, err := q.db.Exec(ctx, addSubscriptionCredit, arg.ID, numericFromDecimal(arg.Amount))
	return err
}

const updateSubscriptionRenewalState = `
UPDATE subscriptions
SET auto_renew = $2, metadata = $3, updated_at = now()
WHERE id = $1
`

func (q *Queries) UpdateSubscriptionRenewalState(ctx context.Context, arg UpdateSubscriptionRenewalStateParams) error {
	_, err := q.db.Exec(ctx, updateSubscriptionRenewalState, arg.ID, arg.AutoRenew, arg.Metadata)
	return err
}

const listSubscriptionsDueForRenewal = `
SELECT ` + subscriptionColumns + `
FROM subscriptions
WHERE status = 'active'
  AND next_renewal_at <= $1
  AND (auto_renew = true OR scheduled_plan_id IS NOT NULL)
ORDER BY next_renewal_at
LIMIT $2
`

func (q *Queries) ListSubscriptionsDueForRenewal(ctx context.Context, arg ListSubscriptionsDueForRenewalParams) ([]Subscription, error) {
	rows, err := q.db.Query(ctx, listSubscriptionsDueForRenewal, arg.Now, arg.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func scanSubscription(row scanner) (Subscription, error) {
	var s Subscription
	var credit pgtype.Numeric
	err := row.Scan(
		&s.ID,
		&s.UserID,
		&s.PlanID,
		&s.Status,
		&s.Currency,
		&s.StartsAt,
		&s.ExpiresAt,
		&s.NextRenewalAt,
		&s.AutoRenew,
		&credit,
		&s.ScheduledPlanID,
		&s.PlanChangeScheduledAt,
		&s.ProviderSubscriptionID,
		&s.Metadata,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return Subscription{}, err
	}
	s.CreditBalance = decimalFromNumeric(credit)
	return s, nil
}

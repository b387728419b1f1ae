package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgtype"
)

const orderColumns = `id, user_id, subscription_id, plan_id, amount, currency, status, order_type,
	payment_gateway, gateway_transaction_id, gateway_metadata, idempotency_key,
	webhook_payload, created_at, updated_at`

const createOrder = `
INSERT INTO orders (
	user_id, subscription_id, plan_id, amount, currency, status, order_type,
	payment_gateway, gateway_transaction_id, gateway_metadata, idempotency_key, webhook_payload
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
RETURNING ` + orderColumns

func (q *Queries) CreateOrder(ctx context.Context, arg CreateOrderParams) (Order, error) {
	row := q.db.QueryRow(ctx, createOrder,
		arg.UserID,
		arg.SubscriptionID,
		arg.PlanID,
		numericFromDecimal(arg.Amount),
		arg.Currency,
		arg.Status,
		arg.OrderType,
		arg.PaymentGateway,
		arg.GatewayTransactionID,
		arg.GatewayMetadata,
		arg.IdempotencyKey,
		arg.WebhookPayload,
	)
	return scanOrder(row)
}

const getOrderByID = `
SELECT ` + orderColumns + `
FROM orders
WHERE id = $1
`

func (q *Queries) GetOrderByID(ctx context.Context, id pgtype.UUID) (Order, error) {
	return scanOrder(q.db.QueryRow(ctx, getOrderByID, id))
}

const getOrderByIdempotencyKey = `
SELECT ` + orderColumns + `
FROM orders
WHERE idempotency_key = $1
`

func (q *Queries) GetOrderByIdempotencyKey(ctx context.Context, key string) (Order, error) {
	return scanOrder(q.db.QueryRow(ctx, getOrderByIdempotencyKey, key))
}

const getOrderByTransactionID = `
SELECT ` + orderColumns + `
FROM orders
WHERE payment_gateway = $1
  AND gateway_transaction_id = $2
`

func (q *Queries) GetOrderByTransactionID(ctx context.Context, arg GetOrderByTransactionIDParams) (Order, error) {
	return scanOrder(q.db.QueryRow(ctx, getOrderByTransactionID, arg.PaymentGateway, arg.GatewayTransactionID))
}

const updateOrderStatus = `
UPDATE orders
SET status = $2, updated_at = now()
WHERE id = $1
`

func (q *Queries) UpdateOrderStatus(ctx context.Context, arg UpdateOrderStatusParams) error {
	_, err := q.db.Exec(ctx, updateOrderStatus, arg.ID, arg.Status)
	return err
}

const getLastProvisionedOrder = `
SELECT ` + orderColumns + `
FROM orders
WHERE subscription_id = $1
  AND status = 'provisioned'
ORDER BY created_at DESC
LIMIT 1
`

// GetLastProvisionedOrder returns the most recent provisioned order for a
// subscription; renewal reads its stored authorization data.
func (q *Queries) GetLastProvisionedOrder(ctx context.Context, subscriptionID pgtype.UUID) (Order, error) {
	return scanOrder(q.db.QueryRow(ctx, getLastProvisionedOrder, subscriptionID))
}

const upsertPaymentTransaction = `
INSERT INTO payment_transactions (reference, order_id, gateway, amount, currency, status, gateway_response)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (reference) DO UPDATE
SET order_id = COALESCE(EXCLUDED.order_id, payment_transactions.order_id),
    status = EXCLUDED.status,
    gateway_response = EXCLUDED.gateway_response,
    updated_at = now()
RETURNING id, reference, order_id, gateway, amount, currency, status, gateway_response, created_at, updated_at
`

func (q *Queries) UpsertPaymentTransaction(ctx context.Context, arg UpsertPaymentTransactionParams) (PaymentTransaction, error) {
	row := q.db.QueryRow(ctx, upsertPaymentTransaction,
		arg.Reference,
		arg.OrderID,
		arg.Gateway,
		numericFromDecimal(arg.Amount),
		arg.Currency,
		arg.Status,
		arg.GatewayResponse,
	)
	return scanPaymentTransaction(row)
}

const getPaymentTransactionByReference = `
SELECT id, reference, order_id, gateway, amount, currency, status, gateway_response, created_at, updated_at
FROM payment_transactions
WHERE reference = $1
`

func (q *Queries) GetPaymentTransactionByReference(ctx context.Context, reference string) (PaymentTransaction, error) {
	return scanPaymentTransaction(q.db.QueryRow(ctx, getPaymentTransactionByReference, reference))
}

func scanOrder(row scanner) (Order, error) {
	var o Order
	var amount pgtype.Numeric
	err := row.Scan(
		&o.ID,
		&o.UserID,
		&o.SubscriptionID,
		&o.PlanID,
		&amount,
		&o.Currency,
		&o.Status,
		&o.OrderType,
		&o.PaymentGateway,
		&o.GatewayTransactionID,
		&o.GatewayMetadata,
		&o.IdempotencyKey,
		&o.WebhookPayload,
		&o.CreatedAt,
		&o.UpdatedAt,
	)
	if err != nil {
		return Order{}, err
	}
	o.Amount = decimalFromNumeric(amount)
	return o, nil
}

func scanPaymentTransaction(row scanner) (PaymentTransaction, error) {
	var t PaymentTransaction
	var amount pgtype.Numeric
	err := row.Scan(
		&t.ID,
		&t.Reference,
		&t.OrderID,
		&t.Gateway,
		&amount,
		&t.Currency,
		&t.Status,
		&t.GatewayResponse,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return PaymentTransaction{}, err
	}
	t.Amount = decimalFromNumeric(amount)
	return t, nil
}

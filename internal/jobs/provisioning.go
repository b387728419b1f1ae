// Package jobs defines the background job types exchanged between the web
// process and the worker over NATS, and the dispatcher that publishes them.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/vexacloud/streambill/internal/telemetry"
)

// Job subjects. The worker queue-subscribes to provisioning.> so adding a
// subject does not require broker changes.
const (
	JobTypeProvisionLine   = "provisioning.line.create"
	JobTypeExtendLine      = "provisioning.line.extend"
	JobTypeChangeLinePlan  = "provisioning.line.change_plan"
	JobTypeSuspendLine     = "provisioning.line.suspend"
	JobTypeProvisioningAll = "provisioning.>"

	// WorkerQueueGroup makes competing workers split the stream instead of
	// each receiving every message.
	WorkerQueueGroup = "provisioning-workers"
)

// ProvisionLinePayload asks the worker to create a viewer line on the IPTV
// panel for a freshly paid order.
type ProvisionLinePayload struct {
	OrderID        uuid.UUID `json:"order_id"`
	SubscriptionID uuid.UUID `json:"subscription_id"`
	UserID         uuid.UUID `json:"user_id"`
	PlanID         uuid.UUID `json:"plan_id"`
	Email          string    `json:"email"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// ExtendLinePayload asks the worker to push a renewal's new expiry to the panel.
type ExtendLinePayload struct {
	OrderID        uuid.UUID `json:"order_id"`
	SubscriptionID uuid.UUID `json:"subscription_id"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// ChangeLinePlanPayload asks the worker to move a line onto another bouquet
// after a completed plan change.
type ChangeLinePlanPayload struct {
	SubscriptionID uuid.UUID `json:"subscription_id"`
	PlanChangeID   uuid.UUID `json:"plan_change_id"`
	FromPlanID     uuid.UUID `json:"from_plan_id"`
	ToPlanID       uuid.UUID `json:"to_plan_id"`
}

// SuspendLinePayload asks the worker to cut a line after cancellation or refund.
type SuspendLinePayload struct {
	SubscriptionID uuid.UUID `json:"subscription_id"`
	Reason         string    `json:"reason"`
}

// Dispatcher publishes jobs. Services depend on this interface so tests can
// capture dispatches without a broker.
type Dispatcher interface {
	Dispatch(ctx context.Context, jobType string, payload any) error
}

// NatsDispatcher publishes jobs to NATS subjects named after the job type.
type NatsDispatcher struct {
	conn   *nats.Conn
	logger *slog.Logger
}

func NewNatsDispatcher(conn *nats.Conn, logger *slog.Logger) *NatsDispatcher {
	return &NatsDispatcher{
		conn:   conn,
		logger: logger.With("component", "job_dispatcher"),
	}
}

func (d *NatsDispatcher) Dispatch(ctx context.Context, jobType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", jobType, err)
	}
	if err := d.conn.Publish(jobType, data); err != nil {
		return fmt.Errorf("publish %s: %w", jobType, err)
	}
	d.logger.Debug("job dispatched", "job_type", jobType)
	if telemetry.Business != nil {
		telemetry.Business.JobsDispatched.WithLabelValues(jobType).Inc()
	}
	return nil
}

// NopDispatcher drops jobs. Used when NATS is disabled; provisioning then
// relies on the reconciliation sweep instead of push dispatch.
type NopDispatcher struct{}

func (NopDispatcher) Dispatch(ctx context.Context, jobType string, payload any) error {
	return nil
}

// MockDispatcher records dispatched jobs for test assertions.
type MockDispatcher struct {
	// DispatchFunc allows customizing dispatch behavior
	DispatchFunc func(ctx context.Context, jobType string, payload any) error

	// Dispatched holds every job passed to Dispatch, in order.
	Dispatched []DispatchedJob
}

type DispatchedJob struct {
	JobType string
	Payload any
}

func (m *MockDispatcher) Dispatch(ctx context.Context, jobType string, payload any) error {
	m.Dispatched = append(m.Dispatched, DispatchedJob{JobType: jobType, Payload: payload})
	if m.DispatchFunc != nil {
		return m.DispatchFunc(ctx, jobType, payload)
	}
	return nil
}

// Package worker consumes provisioning jobs from NATS and applies them to the
// IPTV panel. Competing workers share one queue group, so each job is handled
// once no matter how many processes run.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/nats-io/nats.go"

	"github.com/vexacloud/streambill/internal/domain"
	"github.com/vexacloud/streambill/internal/jobs"
	"github.com/vexacloud/streambill/internal/provisioning"
	"github.com/vexacloud/streambill/internal/repository"
	"github.com/vexacloud/streambill/internal/service"
	"github.com/vexacloud/streambill/internal/telemetry"
)

// panelLineKey is where the panel's line ID lives inside subscription
// metadata. Written after the first successful provision, read by every
// follow-up job.
const panelLineKey = "panel_line_id"

// Worker applies provisioning jobs to the panel.
type Worker struct {
	conn   *nats.Conn
	store  service.Store
	panel  provisioning.Client
	logger *slog.Logger

	sub *nats.Subscription
}

func New(conn *nats.Conn, store service.Store, panel provisioning.Client, logger *slog.Logger) *Worker {
	return &Worker{
		conn:   conn,
		store:  store,
		panel:  panel,
		logger: logger.With("component", "provisioning_worker"),
	}
}

// Start subscribes to the provisioning subjects and processes jobs until
// Stop is called. Message handling runs on the NATS delivery goroutine.
func (w *Worker) Start(ctx context.Context) error {
	sub, err := w.conn.QueueSubscribe(jobs.JobTypeProvisioningAll, jobs.WorkerQueueGroup, func(msg *nats.Msg) {
		w.handle(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", jobs.JobTypeProvisioningAll, err)
	}
	w.sub = sub
	w.logger.Info("worker started",
		"subject", jobs.JobTypeProvisioningAll,
		"queue", jobs.WorkerQueueGroup)
	return nil
}

// Stop drains the subscription so in-flight messages finish before shutdown.
func (w *Worker) Stop() {
	if w.sub == nil {
		return
	}
	if err := w.sub.Drain(); err != nil {
		w.logger.Warn("failed to drain subscription", "error", err)
	}
	w.logger.Info("worker stopped")
}

func (w *Worker) handle(ctx context.Context, msg *nats.Msg) {
	start := time.Now()
	w.logger.Info("job received", "subject", msg.Subject)

	var err error
	switch msg.Subject {
	case jobs.JobTypeProvisionLine:
		err = w.provisionLine(ctx, msg.Data)
	case jobs.JobTypeExtendLine:
		err = w.extendLine(ctx, msg.Data)
	case jobs.JobTypeChangeLinePlan:
		err = w.changeLinePlan(ctx, msg.Data)
	case jobs.JobTypeSuspendLine:
		err = w.suspendLine(ctx, msg.Data)
	default:
		w.logger.Warn("unknown job subject", "subject", msg.Subject)
		return
	}

	if err != nil {
		w.logger.Error("job failed",
			"subject", msg.Subject,
			"duration", time.Since(start),
			"error", err)
		if telemetry.Business != nil {
			telemetry.Business.JobsFailed.WithLabelValues(msg.Subject).Inc()
		}
		return
	}

	w.logger.Info("job completed", "subject", msg.Subject, "duration", time.Since(start))
	if telemetry.Business != nil {
		telemetry.Business.JobsProcessed.WithLabelValues(msg.Subject).Inc()
	}
}

// provisionLine creates the viewer line for a freshly paid order, records the
// panel's line ID on the subscription and marks the order provisioned.
func (w *Worker) provisionLine(ctx context.Context, data []byte) error {
	var p jobs.ProvisionLinePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("unmarshal provision payload: %w", err)
	}

	sub, err := w.store.GetSubscriptionByID(ctx, pgUUID(p.SubscriptionID))
	if err != nil {
		return fmt.Errorf("load subscription %s: %w", p.SubscriptionID, err)
	}

	if lineID := w.lineID(sub); lineID != "" {
		// Redelivery after a partial failure; the line already exists, so
		// only the order status can be outstanding.
		w.logger.Info("line already provisioned", "line_id", lineID, "order_id", p.OrderID)
		if err := w.activateSubscription(ctx, sub); err != nil {
			return fmt.Errorf("activate subscription: %w", err)
		}
		return w.markOrderProvisioned(ctx, p.OrderID)
	}

	plan, err := w.store.GetPlanByID(ctx, pgUUID(p.PlanID))
	if err != nil {
		return fmt.Errorf("load plan %s: %w", p.PlanID, err)
	}
	planCode := plan.VendorCode("panel")
	if planCode == "" {
		return fmt.Errorf("plan %s has no panel code", plan.Slug)
	}

	line, err := w.panel.CreateLine(ctx, provisioning.CreateLineParams{
		Email:      p.Email,
		PlanCode:   planCode,
		MaxDevices: plan.MaxDevices,
		ExpiresAt:  p.ExpiresAt,
	})
	if err != nil {
		return fmt.Errorf("create line: %w", err)
	}

	if err := w.recordLineID(ctx, sub, line.ID); err != nil {
		return fmt.Errorf("record line id: %w", err)
	}
	if err := w.activateSubscription(ctx, sub); err != nil {
		return fmt.Errorf("activate subscription: %w", err)
	}
	return w.markOrderProvisioned(ctx, p.OrderID)
}

// activateSubscription flips a pending subscription to active once its line
// exists on the panel. Subscriptions already active (renewals, plan changes)
// are left alone.
func (w *Worker) activateSubscription(ctx context.Context, sub repository.Subscription) error {
	if sub.Status != string(domain.SubscriptionPending) {
		return nil
	}
	return w.store.UpdateSubscriptionStatus(ctx, repository.UpdateSubscriptionStatusParams{
		ID:     sub.ID,
		Status: string(domain.SubscriptionActive),
	})
}

// extendLine pushes a renewed expiry to the panel.
func (w *Worker) extendLine(ctx context.Context, data []byte) error {
	var p jobs.ExtendLinePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("unmarshal extend payload: %w", err)
	}

	sub, err := w.store.GetSubscriptionByID(ctx, pgUUID(p.SubscriptionID))
	if err != nil {
		return fmt.Errorf("load subscription %s: %w", p.SubscriptionID, err)
	}
	lineID := w.lineID(sub)
	if lineID == "" {
		return fmt.Errorf("subscription %s has no panel line", p.SubscriptionID)
	}

	if err := w.panel.ExtendLine(ctx, lineID, p.ExpiresAt); err != nil {
		return err
	}
	return w.markOrderProvisioned(ctx, p.OrderID)
}

// changeLinePlan moves the line onto the bouquet of the new plan after a
// completed plan change.
func (w *Worker) changeLinePlan(ctx context.Context, data []byte) error {
	var p jobs.ChangeLinePlanPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("unmarshal change payload: %w", err)
	}

	sub, err := w.store.GetSubscriptionByID(ctx, pgUUID(p.SubscriptionID))
	if err != nil {
		return fmt.Errorf("load subscription %s: %w", p.SubscriptionID, err)
	}
	lineID := w.lineID(sub)
	if lineID == "" {
		return fmt.Errorf("subscription %s has no panel line", p.SubscriptionID)
	}

	plan, err := w.store.GetPlanByID(ctx, pgUUID(p.ToPlanID))
	if err != nil {
		return fmt.Errorf("load plan %s: %w", p.ToPlanID, err)
	}
	planCode := plan.VendorCode("panel")
	if planCode == "" {
		return fmt.Errorf("plan %s has no panel code", plan.Slug)
	}

	return w.panel.ChangeLinePlan(ctx, lineID, planCode)
}

// suspendLine cuts the line after a refund or cancellation.
func (w *Worker) suspendLine(ctx context.Context, data []byte) error {
	var p jobs.SuspendLinePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("unmarshal suspend payload: %w", err)
	}

	sub, err := w.store.GetSubscriptionByID(ctx, pgUUID(p.SubscriptionID))
	if err != nil {
		return fmt.Errorf("load subscription %s: %w", p.SubscriptionID, err)
	}
	lineID := w.lineID(sub)
	if lineID == "" {
		// Refund before the line was ever provisioned. Nothing to cut.
		w.logger.Info("suspend for subscription without a line",
			"subscription_id", p.SubscriptionID,
			"reason", p.Reason)
		return nil
	}

	return w.panel.SuspendLine(ctx, lineID)
}

func (w *Worker) markOrderProvisioned(ctx context.Context, orderID uuid.UUID) error {
	if orderID == uuid.Nil {
		return nil
	}
	return w.store.UpdateOrderStatus(ctx, repository.UpdateOrderStatusParams{
		ID:     pgUUID(orderID),
		Status: string(domain.OrderProvisioned),
	})
}

// lineID reads the panel line ID out of subscription metadata.
func (w *Worker) lineID(sub repository.Subscription) string {
	if len(sub.Metadata) == 0 {
		return ""
	}
	var meta map[string]any
	if err := json.Unmarshal(sub.Metadata, &meta); err != nil {
		return ""
	}
	s, _ := meta[panelLineKey].(string)
	return s
}

// recordLineID writes the panel line ID into subscription metadata without
// disturbing the renewal service's failure counters.
func (w *Worker) recordLineID(ctx context.Context, sub repository.Subscription, lineID string) error {
	meta := map[string]any{}
	if len(sub.Metadata) > 0 {
		_ = json.Unmarshal(sub.Metadata, &meta)
	}
	meta[panelLineKey] = lineID

	encoded, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return w.store.UpdateSubscriptionRenewalState(ctx, repository.UpdateSubscriptionRenewalStateParams{
		ID:        sub.ID,
		AutoRenew: sub.AutoRenew,
		Metadata:  encoded,
	})
}

func pgUUID(id uuid.UUID) pgtype.UUID {
	return pgtype.UUID{Bytes: id, Valid: true}
}

// Package webhook holds the gateway webhook adapters. Each adapter verifies
// the gateway's signature scheme, normalizes the payload, and delegates to the
// reconciler or the plan change service. After authentication every delivery
// is acknowledged with 200 so gateways do not retry business failures forever;
// failures are logged and counted instead.
package webhook

import (
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/vexacloud/streambill/internal/domain"
	"github.com/vexacloud/streambill/internal/telemetry"
)

var validate = validator.New()

// maxBodySize caps webhook request bodies. Gateway payloads are small; this
// guards against junk posted at the public endpoint.
const maxBodySize = 1 << 20

func ack(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"received": true}`))
}

func parseUUID(s string) (pgtype.UUID, bool) {
	var id pgtype.UUID
	if err := id.Scan(s); err != nil {
		return pgtype.UUID{}, false
	}
	return id, true
}

func recordReceived(gateway domain.Gateway, eventType string) {
	if telemetry.Business != nil {
		telemetry.Business.WebhookReceived.WithLabelValues(string(gateway), eventType).Inc()
	}
}

func recordProcessed(gateway domain.Gateway, eventType string) {
	if telemetry.Business != nil {
		telemetry.Business.WebhookProcessed.WithLabelValues(string(gateway), eventType).Inc()
	}
}

func recordFailed(gateway domain.Gateway, eventType, reason string) {
	if telemetry.Business != nil {
		telemetry.Business.WebhookFailed.WithLabelValues(string(gateway), eventType, reason).Inc()
	}
}

func recordResult(gateway domain.Gateway, result *domain.WebhookResult) {
	if telemetry.Business == nil || result == nil {
		return
	}
	if result.Duplicate {
		telemetry.Business.WebhookDuplicate.WithLabelValues(string(gateway)).Inc()
		return
	}
	if result.Success {
		telemetry.Business.PaymentSucceeded.WithLabelValues(string(gateway)).Inc()
	}
}

func observeLatency(gateway domain.Gateway, start time.Time) {
	if telemetry.Business != nil {
		telemetry.Business.WebhookLatency.WithLabelValues(string(gateway)).Observe(time.Since(start).Seconds())
	}
}

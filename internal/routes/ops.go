package routes

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vexacloud/streambill/internal/handler"
	"github.com/vexacloud/streambill/internal/router"
)

// RegisterOpsRoutes registers the health and metrics endpoints. They are
// meant for load balancers and Prometheus, not end users, so they skip the
// request-logging middleware the caller would otherwise attach.
func RegisterOpsRoutes(r *router.Router, deps OpsDeps) {
	r.Get("/healthz", healthHandler(deps))
	r.Handle(http.MethodGet, "/metrics", promhttp.Handler())
}

type healthStatus struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func healthHandler(deps OpsDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := healthStatus{Status: "ok", Checks: map[string]string{}}
		code := http.StatusOK

		if err := deps.PingDB(ctx); err != nil {
			status.Status = "degraded"
			status.Checks["database"] = err.Error()
			code = http.StatusServiceUnavailable
		} else {
			status.Checks["database"] = "ok"
		}

		if deps.NatsConnected != nil {
			if deps.NatsConnected() {
				status.Checks["nats"] = "ok"
			} else {
				// Jobs queue while NATS reconnects; the process still serves
				// webhooks, so this alone does not fail the check.
				status.Status = "degraded"
				status.Checks["nats"] = "disconnected"
			}
		}

		handler.JSONResponse(w, code, status)
	}
}

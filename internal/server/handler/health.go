package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// Pinger reports whether one backing dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a plain function to the Pinger interface.
type PingFunc func(ctx context.Context) error

// Ping implements Pinger.
func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// pingTimeout bounds each dependency check so a hung backend cannot stall
// the probe.
const pingTimeout = 2 * time.Second

type namedPinger struct {
	name   string
	pinger Pinger
}

// HealthHandler serves the health-check endpoint, optionally probing the
// backing dependencies.
type HealthHandler struct {
	deps   []namedPinger
	logger *slog.Logger
}

// NewHealthHandler creates a HealthHandler with the provided logger.
func NewHealthHandler(logger *slog.Logger) *HealthHandler {
	return &HealthHandler{logger: logger}
}

// WithDependency registers a dependency to probe on every health check.
// Returns the handler for chaining.
func (h *HealthHandler) WithDependency(name string, p Pinger) *HealthHandler {
	h.deps = append(h.deps, namedPinger{name: name, pinger: p})
	return h
}

// HealthCheck responds with the server's liveness and the state of each
// registered dependency. Any failing dependency degrades the response to
// 503 so orchestrators stop routing traffic here.
// GET /api/v1/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	httpCode := http.StatusOK

	deps := make(map[string]string, len(h.deps))
	for _, d := range h.deps {
		ctx, cancel := context.WithTimeout(r.Context(), pingTimeout)
		err := d.pinger.Ping(ctx)
		cancel()

		if err != nil {
			deps[d.name] = "error: " + err.Error()
			status = "degraded"
			httpCode = http.StatusServiceUnavailable
			h.logger.WarnContext(r.Context(), "health: dependency check failed",
				slog.String("dependency", d.name),
				slog.String("error", err.Error()),
			)
			continue
		}
		deps[d.name] = "ok"
	}

	body := map[string]any{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if len(deps) > 0 {
		body["dependencies"] = deps
	}
	writeJSON(w, httpCode, body)
}

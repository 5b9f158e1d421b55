package handlers

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Pinger is anything whose liveness /healthz should reflect.
type Pinger interface {
	Ping(ctx context.Context) error
}

type HealthHandler struct {
	deps map[string]Pinger
	logr *zap.Logger
}

func NewHealthHandler(deps map[string]Pinger, logr *zap.Logger) *HealthHandler {
	return &HealthHandler{deps: deps, logr: logr}
}

// Healthz answers "ok" when every dependency responds.
func (h *HealthHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	for name, p := range h.deps {
		if err := p.Ping(ctx); err != nil {
			h.logr.Warn("health check failed", zap.String("dependency", name), zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"error": name + " unavailable",
			})
			return
		}
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

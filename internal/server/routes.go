package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rcourtman/checkout-provisioner/internal/config"
	"github.com/rs/zerolog/log"
)

const (
	webhookPath      = "/api/payment-webhook"
	webhookAliasPath = "/api/stripe-webhook"
)

// Pinger reports database connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps holds shared dependencies injected into HTTP handlers.
type Deps struct {
	Config  *config.Config
	DB      Pinger
	Webhook http.Handler
	Limiter *RejectionLimiter
	Version string
}

// RegisterRoutes wires all HTTP handlers onto the given ServeMux.
func RegisterRoutes(mux *http.ServeMux, deps *Deps) {
	origins := deps.Config.CORSAllowedOrigins
	cors := func(h http.Handler) http.Handler { return corsMiddleware(origins, h) }

	mux.Handle("/health", cors(http.HandlerFunc(handleHealth(deps.Version))))
	mux.Handle("/readyz", cors(handleReadyz(deps.DB)))
	mux.Handle("/metrics", promhttp.Handler())

	// Signature-authenticated; no CORS, the processor calls it server to server.
	limiter := deps.Limiter
	if limiter == nil {
		limiter = NewRejectionLimiter(deps.Config.WebhookRejectLimit, time.Minute)
	}
	webhook := limiter.Middleware(deps.Webhook)
	mux.Handle(webhookPath, webhook)
	mux.Handle(webhookAliasPath, webhook)
}

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}

func handleHealth(version string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Version: version})
	}
}

func handleReadyz(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if db == nil {
			writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "not ready"})
			return
		}
		if err := db.Ping(ctx); err != nil {
			log.Warn().Err(err).Msg("Readiness check failed")
			writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "not ready"})
			return
		}
		writeJSON(w, http.StatusOK, healthResponse{Status: "ready"})
	}
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("server: encode response")
	}
}

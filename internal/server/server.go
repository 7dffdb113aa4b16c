// Package server assembles the provisioning service: it builds the store
// clients once, injects them into the webhook handler and runs the HTTP
// server alongside its background loops.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rcourtman/checkout-provisioner/internal/api"
	"github.com/rcourtman/checkout-provisioner/internal/config"
	"github.com/rcourtman/checkout-provisioner/internal/idempotency"
	"github.com/rcourtman/checkout-provisioner/internal/identity"
	"github.com/rcourtman/checkout-provisioner/internal/metrics"
	"github.com/rcourtman/checkout-provisioner/internal/provisioning"
	"github.com/rcourtman/checkout-provisioner/internal/store"
	"github.com/rcourtman/checkout-provisioner/internal/webhook"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	pendingMetricsInterval = 30 * time.Second
	limiterSweepInterval   = 5 * time.Minute
	shutdownTimeout        = 30 * time.Second
)

// Service is the assembled application.
type Service struct {
	DB      *store.DB
	Guard   *idempotency.Guard
	Webhook http.Handler
	Limiter *RejectionLimiter

	background []func(context.Context) error
}

// Build constructs every shared client from cfg.
func Build(ctx context.Context, cfg *config.Config) (*Service, error) {
	db, err := store.Open(ctx, store.Options{
		Driver: cfg.StoreDriver,
		DSN:    cfg.StoreDSN,
		Dir:    cfg.SQLiteDir(),
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	svc := &Service{
		DB:      db,
		Guard:   idempotency.New(db.Ledger(), idempotency.WithLease(cfg.IdempotencyLease)),
		Limiter: NewRejectionLimiter(cfg.WebhookRejectLimit, time.Minute),
	}

	var secrets webhook.SecretSource = config.StaticSecret(cfg.WebhookSecret)
	if cfg.WebhookSecretFile != "" {
		fileSecret, err := config.NewFileSecret(cfg.WebhookSecretFile)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("load webhook secret: %w", err)
		}
		secrets = fileSecret
		svc.background = append(svc.background, fileSecret.Run)
	}

	var accounts provisioning.AccountStore = db.Accounts()
	var records provisioning.SubscriptionStore = db.Records()
	var httpClient *http.Client
	if cfg.AccountBackend == config.AccountBackendIdentity || cfg.SubscriptionBackend == config.SubscriptionBackendREST {
		resolver := identity.NewResolver(cfg.DNSCacheTTL)
		svc.background = append(svc.background, resolver.Run)
		httpClient = identity.NewHTTPClient(cfg.IdentityServiceKey, resolver)
	}
	if cfg.AccountBackend == config.AccountBackendIdentity {
		accounts = identity.NewClient(cfg.IdentityURL, identity.Mode(cfg.AccountMode), cfg.InviteRedirectURL, httpClient)
	}
	if cfg.SubscriptionBackend == config.SubscriptionBackendREST {
		records = identity.NewRecordClient(cfg.IdentityURL, cfg.SubscriptionTable, httpClient)
	}

	orchestrator := provisioning.NewOrchestrator(accounts, records, provisioning.Options{
		ConflictPolicy: provisioning.ConflictPolicy(cfg.ConflictPolicy),
		WriteAttempts:  cfg.SubscriptionWriteAttempts,
	})
	verifier := webhook.NewVerifier(secrets, cfg.SignatureTolerance)
	svc.Webhook = api.NewPaymentWebhookHandler(verifier, svc.Guard, orchestrator, api.WithInFlightWait(cfg.InFlightWait))

	svc.background = append(svc.background,
		func(ctx context.Context) error { runPendingMetrics(ctx, svc.Guard); return nil },
		func(ctx context.Context) error { runLimiterSweep(ctx, svc.Limiter); return nil },
	)

	log.Info().
		Str("store", db.Driver()).
		Str("account_backend", cfg.AccountBackend).
		Str("account_mode", cfg.AccountMode).
		Str("subscription_backend", cfg.SubscriptionBackend).
		Str("conflict_policy", cfg.ConflictPolicy).
		Bool("secret_file", cfg.WebhookSecretFile != "").
		Msg("Provisioning pipeline configured")
	return svc, nil
}

// Close releases the service's resources.
func (s *Service) Close() error {
	return s.DB.Close()
}

// Run starts the HTTP server with graceful shutdown on SIGINT/SIGTERM or
// when ctx is canceled.
func Run(ctx context.Context, cfg *config.Config, version string) error {
	log.Info().
		Str("version", version).
		Bool("live_mode", strings.HasPrefix(cfg.StripeAPIKey, "sk_live_") || strings.HasPrefix(cfg.StripeAPIKey, "rk_live_")).
		Msg("Starting checkout provisioner")

	svc, err := Build(ctx, cfg)
	if err != nil {
		return err
	}
	defer svc.Close()

	mux := http.NewServeMux()
	RegisterRoutes(mux, &Deps{
		Config:  cfg,
		DB:      svc.DB,
		Webhook: svc.Webhook,
		Limiter: svc.Limiter,
		Version: version,
	})

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("Provisioner listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server shutdown error")
		}
		return nil
	})
	for _, run := range svc.background {
		g.Go(func() error { return run(gctx) })
	}

	err = g.Wait()
	log.Info().Msg("Provisioner stopped")
	return err
}

func runPendingMetrics(ctx context.Context, guard *idempotency.Guard) {
	ticker := time.NewTicker(pendingMetricsInterval)
	defer ticker.Stop()

	// Prime once at startup so /metrics isn't empty for this gauge.
	updatePendingGauge(ctx, guard)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updatePendingGauge(ctx, guard)
		}
	}
}

func updatePendingGauge(ctx context.Context, guard *idempotency.Guard) {
	n, err := guard.Pending(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Error().Err(err).Msg("Failed to update pending reservation metrics")
		}
		return
	}
	metrics.PendingReservations.Set(float64(n))
}

func runLimiterSweep(ctx context.Context, rl *RejectionLimiter) {
	ticker := time.NewTicker(limiterSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.Sweep()
		}
	}
}

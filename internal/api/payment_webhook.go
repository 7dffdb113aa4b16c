package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rcourtman/checkout-provisioner/internal/idempotency"
	"github.com/rcourtman/checkout-provisioner/internal/logging"
	"github.com/rcourtman/checkout-provisioner/internal/metrics"
	"github.com/rcourtman/checkout-provisioner/internal/provisioning"
	"github.com/rcourtman/checkout-provisioner/internal/webhook"
	"github.com/rs/zerolog/log"
)

const (
	paymentWebhookBodyLimit = 1024 * 1024 // 1MiB
	requestIDHeader         = "X-Request-ID"

	// DefaultInFlightWait is how long a duplicate delivery waits for the
	// delivery holding the reservation before answering 409.
	DefaultInFlightWait = 2 * time.Second
	inFlightPoll        = 50 * time.Millisecond
)

// Verifier authenticates raw webhook deliveries.
type Verifier interface {
	Verify(ctx context.Context, payload []byte, header string) (webhook.VerifiedRaw, error)
}

// Guard is the idempotency guard the handler reserves events with.
type Guard interface {
	provisioning.Checkpointer
	CheckAndReserve(ctx context.Context, eventID, eventType string) (idempotency.Reservation, error)
	Complete(ctx context.Context, eventID string, out provisioning.Outcome) error
	Release(ctx context.Context, eventID string, cause string) error
}

// Processor runs provisioning for a verified event.
type Processor interface {
	Process(ctx context.Context, ev webhook.VerifiedEvent, attempt provisioning.Attempt) provisioning.Outcome
}

// PaymentWebhookHandler receives payment processor webhooks.
//
// SECURITY: signature verification is the only authentication for this endpoint.
type PaymentWebhookHandler struct {
	verifier     Verifier
	guard        Guard
	processor    Processor
	inFlightWait time.Duration
}

// HandlerOption configures a PaymentWebhookHandler.
type HandlerOption func(*PaymentWebhookHandler)

// WithInFlightWait bounds how long a duplicate delivery polls for the first
// delivery's outcome. Zero answers 409 immediately.
func WithInFlightWait(d time.Duration) HandlerOption {
	return func(h *PaymentWebhookHandler) {
		if d >= 0 {
			h.inFlightWait = d
		}
	}
}

// NewPaymentWebhookHandler wires the verifier, guard and orchestrator into an http.Handler.
func NewPaymentWebhookHandler(verifier Verifier, guard Guard, processor Processor, opts ...HandlerOption) *PaymentWebhookHandler {
	h := &PaymentWebhookHandler{
		verifier:     verifier,
		guard:        guard,
		processor:    processor,
		inFlightWait: DefaultInFlightWait,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type webhookErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

type webhookReceivedResponse struct {
	Received bool   `json:"received"`
	Success  *bool  `json:"success,omitempty"`
	Error    string `json:"error,omitempty"`
	Replayed bool   `json:"replayed,omitempty"`
}

type provisionedResponse struct {
	Success        bool   `json:"success"`
	Message        string `json:"message"`
	Email          string `json:"email"`
	SubscriptionID string `json:"subscriptionId"`
	AccountID      string `json:"accountId,omitempty"`
	Replayed       bool   `json:"replayed,omitempty"`
}

func (h *PaymentWebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	eventType := "unknown"
	status := http.StatusOK
	defer func() {
		metrics.WebhookRequestsTotal.WithLabelValues(eventType, strconv.Itoa(status)).Inc()
		metrics.WebhookDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	}()

	ctx, requestID := logging.WithRequestID(r.Context(), r.Header.Get(requestIDHeader))
	w.Header().Set(requestIDHeader, requestID)
	logger := logging.FromContext(ctx)

	// reserved holds the event id while this delivery owns an unsettled reservation.
	var reserved string
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error().Interface("panic", rec).Str("type", eventType).Msg("Payment webhook handler panicked")
			if reserved != "" {
				if err := h.guard.Release(context.WithoutCancel(ctx), reserved, fmt.Sprintf("panic: %v", rec)); err != nil {
					logger.Error().Err(err).Msg("Failed to release reservation after panic")
				}
			}
			status = http.StatusInternalServerError
			writeJSON(w, status, webhookErrorResponse{Error: "unexpected error"})
		}
	}()

	if r.Method != http.MethodPost {
		status = http.StatusMethodNotAllowed
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, status, webhookErrorResponse{Error: "method not allowed"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, paymentWebhookBodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		status = http.StatusBadRequest
		writeJSON(w, status, webhookErrorResponse{Error: "failed to read request body"})
		return
	}

	raw, err := h.verifier.Verify(ctx, payload, r.Header.Get(webhook.SignatureHeader))
	if err != nil {
		status = h.writeVerificationError(ctx, w, err)
		return
	}

	ev, err := webhook.Decode(raw)
	if err != nil {
		logger.Warn().Err(err).Msg("Rejecting malformed webhook payload")
		status = http.StatusBadRequest
		writeJSON(w, status, webhookErrorResponse{Error: "malformed event payload", Details: err.Error()})
		return
	}
	eventID := ev.ID()
	eventType = string(ev.Type())
	logger = logger.With().Str("event_id", eventID).Str("type", eventType).Logger()

	res, err := h.reserve(ctx, eventID, eventType)
	if err != nil {
		logger.Error().Err(err).Msg("Idempotency ledger unavailable")
		status = http.StatusInternalServerError
		writeJSON(w, status, webhookErrorResponse{Error: "idempotency ledger unavailable"})
		return
	}

	switch res.Decision {
	case idempotency.AlreadyProcessed:
		logger.Info().Str("state", string(res.Prior.State)).Msg("Duplicate delivery; replaying recorded outcome")
		status = writeOutcome(w, *res.Prior, true)
		return
	case idempotency.InFlight:
		logger.Warn().Msg("Event is already in-flight; returning non-2xx so the processor retries")
		status = http.StatusConflict
		writeJSON(w, status, webhookErrorResponse{Error: "event is being processed"})
		return
	}

	reserved = eventID
	out := h.processor.Process(ctx, ev, provisioning.Attempt{Resume: res.Resume, Checkpointer: h.guard})

	// Ledger bookkeeping must finish even if the processor hangs up.
	bookkeeping := context.WithoutCancel(ctx)
	reserved = ""
	if out.Final() {
		if err := h.guard.Complete(bookkeeping, eventID, out); err != nil {
			logger.Error().Err(err).Msg("Failed to record outcome; a redelivery will be reprocessed")
		}
	} else if err := h.guard.Release(bookkeeping, eventID, string(out.Reason)+": "+out.Detail); err != nil {
		logger.Error().Err(err).Msg("Failed to release reservation; redeliveries wait for the lease to expire")
	}

	status = writeOutcome(w, out, false)
}

// reserve polls while another delivery holds the reservation, so a concurrent
// duplicate can replay the first delivery's outcome instead of failing.
func (h *PaymentWebhookHandler) reserve(ctx context.Context, eventID, eventType string) (idempotency.Reservation, error) {
	deadline := time.Now().Add(h.inFlightWait)
	for {
		res, err := h.guard.CheckAndReserve(ctx, eventID, eventType)
		if err != nil || res.Decision != idempotency.InFlight || !time.Now().Before(deadline) {
			return res, err
		}
		timer := time.NewTimer(inFlightPoll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return res, nil
		case <-timer.C:
		}
	}
}

func (h *PaymentWebhookHandler) writeVerificationError(ctx context.Context, w http.ResponseWriter, err error) int {
	logger := logging.FromContext(ctx)
	if webhook.IsConfigurationError(err) {
		logger.Error().Err(err).Msg("Webhook secret is not configured; rejecting delivery")
		writeJSON(w, http.StatusInternalServerError, webhookErrorResponse{Error: "webhook secret not configured"})
		return http.StatusInternalServerError
	}

	details := err.Error()
	var ve *webhook.VerificationError
	if errors.As(err, &ve) {
		details = ve.Reason.Error()
	}
	logger.Warn().Err(err).Msg("Rejecting webhook with invalid signature")
	writeJSON(w, http.StatusBadRequest, webhookErrorResponse{Error: "invalid signature", Details: details})
	return http.StatusBadRequest
}

// writeOutcome renders out and returns the status written.
func writeOutcome(w http.ResponseWriter, out provisioning.Outcome, replayed bool) int {
	status := out.HTTPStatus()
	switch {
	case out.Ignored:
		writeJSON(w, status, webhookReceivedResponse{Received: true, Replayed: replayed})
	case out.Succeeded():
		message := "Account provisioned successfully"
		if out.RecordStatus == provisioning.RecordStatusPending {
			message = "Invite sent successfully"
		}
		writeJSON(w, status, provisionedResponse{
			Success:        true,
			Message:        message,
			Email:          out.Email,
			SubscriptionID: out.SubscriptionID,
			AccountID:      out.AccountID,
			Replayed:       replayed,
		})
	case out.Reason == provisioning.ReasonMissingEmail:
		writeJSON(w, status, webhookErrorResponse{Error: "No customer email found in session"})
	case status == http.StatusOK:
		// Permanent failure: acknowledged so the processor stops retrying.
		success := false
		writeJSON(w, status, webhookReceivedResponse{
			Received: true,
			Success:  &success,
			Error:    string(out.Reason),
			Replayed: replayed,
		})
	default:
		writeJSON(w, status, webhookErrorResponse{Error: "processing failed", Details: string(out.Reason)})
	}
	return status
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("api: encode webhook response")
	}
}

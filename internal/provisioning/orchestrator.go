package provisioning

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rcourtman/checkout-provisioner/internal/logging"
	"github.com/rcourtman/checkout-provisioner/internal/metrics"
	"github.com/rcourtman/checkout-provisioner/internal/webhook"
	"github.com/rs/zerolog"
)

// ConflictPolicy decides what an "account already exists" conflict means.
type ConflictPolicy string

const (
	// ConflictAdopt treats an existing account as the provisioned account.
	ConflictAdopt ConflictPolicy = "adopt"
	// ConflictFail fails the event with ReasonDuplicateAccount.
	ConflictFail ConflictPolicy = "fail"
)

// ReasonInternal marks a panic recovered during processing.
const ReasonInternal Reason = "internal_error"

const defaultRetryBackoff = 250 * time.Millisecond

// Resume carries progress recorded by an earlier attempt at the same event.
type Resume struct {
	AccountEnsured bool   `json:"account_ensured"`
	AccountID      string `json:"account_id,omitempty"`
	AccountPending bool   `json:"account_pending,omitempty"`
}

// Checkpointer durably records progress for an event so that a redelivery
// does not repeat completed side effects.
type Checkpointer interface {
	Checkpoint(ctx context.Context, eventID string, r Resume) error
}

// Attempt describes the current processing attempt for an event.
type Attempt struct {
	Resume       *Resume
	Checkpointer Checkpointer
}

// Options configures an Orchestrator.
type Options struct {
	ConflictPolicy ConflictPolicy
	// WriteAttempts bounds subscription-record writes per delivery. Values
	// below 1 mean a single attempt.
	WriteAttempts int
	RetryBackoff  time.Duration
}

// Orchestrator drives provisioning for verified events.
type Orchestrator struct {
	accounts      AccountStore
	records       SubscriptionStore
	policy        ConflictPolicy
	writeAttempts int
	retryBackoff  time.Duration

	now   func() time.Time
	newID func() string
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(accounts AccountStore, records SubscriptionStore, opts Options) *Orchestrator {
	policy := opts.ConflictPolicy
	if policy != ConflictFail {
		policy = ConflictAdopt
	}
	attempts := opts.WriteAttempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := opts.RetryBackoff
	if backoff <= 0 {
		backoff = defaultRetryBackoff
	}
	return &Orchestrator{
		accounts:      accounts,
		records:       records,
		policy:        policy,
		writeAttempts: attempts,
		retryBackoff:  backoff,
		now:           time.Now,
		newID:         func() string { return ulid.Make().String() },
	}
}

// Process runs the state machine for ev and returns its outcome. It never
// panics and never returns an error; failures are outcomes.
func (o *Orchestrator) Process(ctx context.Context, ev webhook.VerifiedEvent, attempt Attempt) (out Outcome) {
	logger := logging.FromContext(ctx).With().
		Str("event_id", ev.ID()).
		Str("type", string(ev.Type())).
		Logger()

	out = Outcome{
		State:     StateReceived,
		EventID:   ev.ID(),
		EventType: string(ev.Type()),
	}
	current := StateReceived

	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Str("stage", string(current)).Msg("Provisioning panicked")
			out = out.fail(next(current), ReasonInternal, fmt.Sprintf("internal error: %v", r), true)
		}
		metrics.ProvisioningTotal.WithLabelValues(out.Label()).Inc()
	}()

	if !ev.Handled() {
		logger.Info().Msg("Event type not handled; acknowledging")
		out.State = StateAcknowledged
		out.Ignored = true
		return out
	}
	session, _ := ev.Checkout()
	out.SubscriptionID = session.SubscriptionID.String()

	email, ok := session.ResolveEmail()
	if !ok {
		logger.Warn().Str("session_id", session.SessionID).Msg("No customer email found in checkout session")
		return out.fail(StateValidated, ReasonMissingEmail, "no customer email found in session", false)
	}
	out.Email = email
	current = StateValidated
	logger = logger.With().Str("email", email).Str("subscription_id", out.SubscriptionID).Logger()

	account, resumed, failed := o.ensureAccount(ctx, logger, session, out, attempt)
	if failed != nil {
		return *failed
	}
	out.AccountID = account.ID
	current = StateAccountEnsured
	saved := resumed || o.checkpoint(ctx, logger, ev.ID(), attempt, account)

	status := RecordStatusActive
	if account.Pending {
		status = RecordStatusPending
	}
	rec := Record{
		ID:             o.newID(),
		EventID:        ev.ID(),
		Email:          email,
		SubscriptionID: out.SubscriptionID,
		CustomerID:     session.CustomerID.String(),
		SessionID:      session.SessionID,
		AccountID:      account.ID,
		Status:         status,
		CreatedAt:      o.now().UTC(),
	}
	if err := o.writeRecord(ctx, rec); err != nil {
		// The account stays in place; it is reconciled from this log line or
		// completed by a redelivery.
		logger.Error().Err(err).
			Str("account_id", account.ID).
			Str("record_id", rec.ID).
			Msg("Subscription record write failed after account was ensured; account left intact for reconciliation")
		if IsTransient(err) {
			// A redelivery without a checkpoint would ensure the account again.
			if attempt.Checkpointer != nil && !saved && !o.checkpoint(context.WithoutCancel(ctx), logger, ev.ID(), attempt, account) {
				logger.Error().Str("account_id", account.ID).
					Msg("Progress not checkpointed; redelivery will ensure the account again")
			}
			return out.fail(StateSubscriptionPersisted, ReasonSubscriptionStoreUnavailable, err.Error(), true)
		}
		return out.fail(StateSubscriptionPersisted, ReasonSubscriptionStoreRejected, err.Error(), false)
	}
	current = StateSubscriptionPersisted

	out.RecordID = rec.ID
	out.RecordStatus = rec.Status
	out.State = StateAcknowledged
	logger.Info().
		Str("account_id", account.ID).
		Str("record_id", rec.ID).
		Str("record_status", string(rec.Status)).
		Msg("Provisioning completed")
	return out
}

// ensureAccount reports resumed when a checkpoint from an earlier attempt
// made the store call unnecessary.
func (o *Orchestrator) ensureAccount(ctx context.Context, logger zerolog.Logger, session webhook.CheckoutResource, out Outcome, attempt Attempt) (Account, bool, *Outcome) {
	if r := attempt.Resume; r != nil && r.AccountEnsured {
		logger.Info().Str("account_id", r.AccountID).Msg("Resuming after earlier attempt ensured the account")
		return Account{ID: r.AccountID, Pending: r.AccountPending}, true, nil
	}

	start := time.Now()
	account, err := o.accounts.EnsureAccount(ctx, out.Email)
	metrics.ObserveStoreCall("accounts", "ensure", start, err)
	if err != nil {
		switch KindOf(err) {
		case KindConflict:
			if o.policy == ConflictFail {
				logger.Warn().Err(err).Msg("Account already exists and conflict policy is fail")
				o.recordFailure(ctx, logger, session, out, ReasonDuplicateAccount)
				failed := out.fail(StateAccountEnsured, ReasonDuplicateAccount, err.Error(), false)
				return Account{}, false, &failed
			}
			var se *StoreError
			if errors.As(err, &se) {
				account = Account{ID: se.AccountID}
			}
			logger.Info().Str("account_id", account.ID).Msg("Account already exists; adopting it")
		case KindTransient:
			logger.Error().Err(err).Msg("Account store unavailable")
			failed := out.fail(StateAccountEnsured, ReasonAccountStoreUnavailable, err.Error(), true)
			return Account{}, false, &failed
		default:
			logger.Error().Err(err).Msg("Account store rejected the request")
			o.recordFailure(ctx, logger, session, out, ReasonAccountStoreRejected)
			failed := out.fail(StateAccountEnsured, ReasonAccountStoreRejected, err.Error(), false)
			return Account{}, false, &failed
		}
	}

	return account, false, nil
}

// checkpoint records the ensured account so a redelivery skips the store call.
// It reports whether the progress is durable.
func (o *Orchestrator) checkpoint(ctx context.Context, logger zerolog.Logger, eventID string, attempt Attempt, account Account) bool {
	cp := attempt.Checkpointer
	if cp == nil {
		return false
	}
	resume := Resume{AccountEnsured: true, AccountID: account.ID, AccountPending: account.Pending}
	if err := cp.Checkpoint(ctx, eventID, resume); err != nil {
		logger.Warn().Err(err).Str("account_id", account.ID).Msg("Failed to checkpoint ensured account")
		return false
	}
	return true
}


func (o *Orchestrator) writeRecord(ctx context.Context, rec Record) error {
	for i := 1; ; i++ {
		start := time.Now()
		err := o.records.WriteSubscriptionRecord(ctx, rec)
		metrics.ObserveStoreCall("subscriptions", "write", start, err)
		if err == nil || !IsTransient(err) || i >= o.writeAttempts {
			return err
		}

		timer := time.NewTimer(o.retryBackoff * time.Duration(i))
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w (retry aborted: %v)", err, ctx.Err())
		case <-timer.C:
		}
	}
}

// recordFailure writes a failed record for manual follow-up. Best effort.
func (o *Orchestrator) recordFailure(ctx context.Context, logger zerolog.Logger, session webhook.CheckoutResource, out Outcome, reason Reason) {
	rec := Record{
		ID:             o.newID(),
		EventID:        out.EventID,
		Email:          out.Email,
		SubscriptionID: out.SubscriptionID,
		CustomerID:     session.CustomerID.String(),
		SessionID:      session.SessionID,
		Status:         RecordStatusFailed,
		FailureReason:  string(reason),
		CreatedAt:      o.now().UTC(),
	}
	start := time.Now()
	err := o.records.WriteSubscriptionRecord(ctx, rec)
	metrics.ObserveStoreCall("subscriptions", "write", start, err)
	if err != nil {
		logger.Warn().Err(err).Str("reason", string(reason)).Msg("Failed to write failure record")
	}
}

func (o Outcome) fail(stage State, reason Reason, detail string, retryable bool) Outcome {
	o.State = StateFailed
	o.Stage = stage
	o.Reason = reason
	o.Detail = detail
	o.Retryable = retryable
	return o
}

func next(s State) State {
	switch s {
	case StateReceived:
		return StateValidated
	case StateValidated:
		return StateAccountEnsured
	case StateAccountEnsured:
		return StateSubscriptionPersisted
	default:
		return StateAcknowledged
	}
}

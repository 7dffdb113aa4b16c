package webhook

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	stripewebhook "github.com/stripe/stripe-go/v82/webhook"
)

// SignatureHeader carries the processor's timestamp and signatures.
const SignatureHeader = "Stripe-Signature"

// DefaultTolerance is the replay window applied when none is configured.
const DefaultTolerance = stripewebhook.DefaultTolerance

// SecretSource supplies the shared signing secret. Implementations may rotate it.
type SecretSource interface {
	WebhookSecret(ctx context.Context) (string, error)
}

// VerifiedRaw is a payload whose signature has been checked. It can only be
// obtained from Verifier.Verify.
type VerifiedRaw struct {
	payload []byte
}

// Bytes returns the original, unmodified payload.
func (v VerifiedRaw) Bytes() []byte {
	return v.payload
}

// Verifier checks processor signatures over raw request bodies.
type Verifier struct {
	secrets   SecretSource
	tolerance time.Duration
	now       func() time.Time
}

// NewVerifier creates a Verifier. A non-positive tolerance uses DefaultTolerance.
func NewVerifier(secrets SecretSource, tolerance time.Duration) *Verifier {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Verifier{
		secrets:   secrets,
		tolerance: tolerance,
		now:       time.Now,
	}
}

// Verify validates header against payload. payload must be the exact bytes
// received on the wire.
func (v *Verifier) Verify(ctx context.Context, payload []byte, header string) (VerifiedRaw, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return VerifiedRaw{}, &VerificationError{Reason: ErrMissingSignature}
	}

	secret, err := v.secret(ctx)
	if err != nil {
		return VerifiedRaw{}, err
	}

	if err := stripewebhook.ValidatePayloadWithTolerance(payload, header, secret, v.tolerance); err != nil {
		return VerifiedRaw{}, classify(err)
	}

	// The library only rejects old timestamps; treat far-future ones as stale too.
	if ts, ok := headerTimestamp(header); ok && ts.Sub(v.now()) > v.tolerance {
		return VerifiedRaw{}, &VerificationError{Reason: ErrStaleTimestamp}
	}

	return VerifiedRaw{payload: payload}, nil
}

func (v *Verifier) secret(ctx context.Context) (string, error) {
	if v.secrets == nil {
		return "", &VerificationError{Reason: ErrSecretNotConfigured}
	}
	secret, err := v.secrets.WebhookSecret(ctx)
	if err != nil {
		return "", &VerificationError{Reason: ErrSecretNotConfigured, Cause: err}
	}
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return "", &VerificationError{Reason: ErrSecretNotConfigured}
	}
	return secret, nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, stripewebhook.ErrNotSigned):
		return &VerificationError{Reason: ErrMissingSignature, Cause: err}
	case errors.Is(err, stripewebhook.ErrTooOld):
		return &VerificationError{Reason: ErrStaleTimestamp, Cause: err}
	case errors.Is(err, stripewebhook.ErrInvalidHeader), errors.Is(err, stripewebhook.ErrNoValidSignature):
		return &VerificationError{Reason: ErrSignatureMismatch, Cause: err}
	default:
		return &VerificationError{Reason: ErrSignatureMismatch, Cause: fmt.Errorf("validate payload: %w", err)}
	}
}

func headerTimestamp(header string) (time.Time, bool) {
	for _, part := range strings.Split(header, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found || key != "t" {
			continue
		}
		secs, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return time.Time{}, false
		}
		return time.Unix(secs, 0), true
	}
	return time.Time{}, false
}

package webhook

import (
	"errors"
	"fmt"
)

// Verification failures. VerificationError wraps exactly one of these.
var (
	ErrMissingSignature    = errors.New("missing signature header")
	ErrSecretNotConfigured = errors.New("webhook secret not configured")
	ErrSignatureMismatch   = errors.New("signature mismatch")
	ErrStaleTimestamp      = errors.New("signature timestamp outside tolerance")
)

// ErrMalformedPayload is returned by Decode for payloads that are not a valid event envelope.
var ErrMalformedPayload = errors.New("malformed event payload")

// VerificationError reports why a payload was rejected before any parsing took place.
type VerificationError struct {
	Reason error // one of the Err* verification sentinels
	Cause  error // underlying library error, if any
}

func (e *VerificationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%v: %v", e.Reason, e.Cause)
	}
	return e.Reason.Error()
}

func (e *VerificationError) Unwrap() []error {
	if e.Cause != nil {
		return []error{e.Reason, e.Cause}
	}
	return []error{e.Reason}
}

// IsConfigurationError reports whether err is a server-side configuration
// problem rather than a bad request.
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrSecretNotConfigured)
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedPayload, fmt.Sprintf(format, args...))
}

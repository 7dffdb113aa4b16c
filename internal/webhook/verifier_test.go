package webhook

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	stripewebhook "github.com/stripe/stripe-go/v82/webhook"
)

type staticSecret string

func (s staticSecret) WebhookSecret(context.Context) (string, error) { return string(s), nil }

type failingSecret struct{}

func (failingSecret) WebhookSecret(context.Context) (string, error) {
	return "", errors.New("vault unavailable")
}

func sign(secret string, payload []byte, ts time.Time) string {
	signed := stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: ts,
		Scheme:    "v1",
	})
	return signed.Header
}

func TestVerifyAcceptsOnlyTheSigningSecret(t *testing.T) {
	secrets := []string{"whsec_alpha", "whsec_beta", "whsec_gamma"}
	payloads := [][]byte{
		[]byte(`{"id":"evt_1","type":"invoice.created"}`),
		[]byte(`{"id":"evt_2","type":"checkout.session.completed","data":{"object":{"id":"cs_1"}}}`),
		[]byte(`{}`),
	}

	for _, s := range secrets {
		for i, p := range payloads {
			header := sign(s, p, time.Now())
			for _, candidate := range secrets {
				t.Run(fmt.Sprintf("%s/%d/%s", s, i, candidate), func(t *testing.T) {
					v := NewVerifier(staticSecret(candidate), 0)
					raw, err := v.Verify(context.Background(), p, header)
					if candidate == s {
						if err != nil {
							t.Fatalf("Verify with signing secret: %v", err)
						}
						if string(raw.Bytes()) != string(p) {
							t.Fatal("verified payload differs from input")
						}
						return
					}
					if !errors.Is(err, ErrSignatureMismatch) {
						t.Fatalf("Verify with other secret: err = %v, want ErrSignatureMismatch", err)
					}
				})
			}
		}
	}
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	payload := []byte(`{"id":"evt_1","type":"checkout.session.completed"}`)
	header := sign("whsec_x", payload, time.Now())

	// A re-serialized body with different whitespace is not the signed body.
	tampered := []byte(`{"id": "evt_1", "type": "checkout.session.completed"}`)
	_, err := NewVerifier(staticSecret("whsec_x"), 0).Verify(context.Background(), tampered, header)
	if !errors.Is(err, ErrSignatureMismatch) {
		t.Fatalf("err = %v, want ErrSignatureMismatch", err)
	}
}

func TestVerifyMissingSignature(t *testing.T) {
	_, err := NewVerifier(staticSecret("whsec_x"), 0).Verify(context.Background(), []byte(`{}`), "   ")
	if !errors.Is(err, ErrMissingSignature) {
		t.Fatalf("err = %v, want ErrMissingSignature", err)
	}
	var verr *VerificationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected *VerificationError, got %T", err)
	}
}

func TestVerifySecretNotConfigured(t *testing.T) {
	payload := []byte(`{}`)
	header := sign("whsec_x", payload, time.Now())

	for name, src := range map[string]SecretSource{
		"nil":     nil,
		"empty":   staticSecret("  "),
		"failing": failingSecret{},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := NewVerifier(src, 0).Verify(context.Background(), payload, header)
			if !errors.Is(err, ErrSecretNotConfigured) {
				t.Fatalf("err = %v, want ErrSecretNotConfigured", err)
			}
			if !IsConfigurationError(err) {
				t.Fatal("expected configuration error")
			}
		})
	}
}

func TestVerifyStaleTimestamp(t *testing.T) {
	payload := []byte(`{"id":"evt_old"}`)
	v := NewVerifier(staticSecret("whsec_x"), time.Minute)

	old := sign("whsec_x", payload, time.Now().Add(-2*time.Minute))
	if _, err := v.Verify(context.Background(), payload, old); !errors.Is(err, ErrStaleTimestamp) {
		t.Fatalf("old timestamp: err = %v, want ErrStaleTimestamp", err)
	}

	future := sign("whsec_x", payload, time.Now().Add(5*time.Minute))
	if _, err := v.Verify(context.Background(), payload, future); !errors.Is(err, ErrStaleTimestamp) {
		t.Fatalf("future timestamp: err = %v, want ErrStaleTimestamp", err)
	}

	fresh := sign("whsec_x", payload, time.Now().Add(-10*time.Second))
	if _, err := v.Verify(context.Background(), payload, fresh); err != nil {
		t.Fatalf("fresh timestamp: %v", err)
	}
}

func TestVerifyGarbageHeader(t *testing.T) {
	_, err := NewVerifier(staticSecret("whsec_x"), 0).Verify(context.Background(), []byte(`{}`), "not-a-signature")
	if !errors.Is(err, ErrSignatureMismatch) {
		t.Fatalf("err = %v, want ErrSignatureMismatch", err)
	}
}

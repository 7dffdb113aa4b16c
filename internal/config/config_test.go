package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setBaseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("STRIPE_WEBHOOK_SECRET", "whsec_test")
	t.Setenv("STRIPE_SECRET_KEY", "sk_test_123")
	t.Setenv("IDENTITY_URL", "https://id.example.com/")
	t.Setenv("IDENTITY_SERVICE_KEY", "service-key")
	t.Setenv("INVITE_REDIRECT_URL", "https://app.example.com/reset-password")
	t.Setenv("DATA_DIR", t.TempDir())
}

func TestLoad_Defaults(t *testing.T) {
	setBaseEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Port)
	assert.Equal(t, "https://id.example.com", cfg.IdentityURL, "trailing slash should be trimmed")
	assert.Equal(t, AccountBackendIdentity, cfg.AccountBackend)
	assert.Equal(t, AccountModeRecover, cfg.AccountMode)
	assert.Equal(t, ConflictPolicyAdopt, cfg.ConflictPolicy)
	assert.Equal(t, SubscriptionBackendSQL, cfg.SubscriptionBackend)
	assert.Equal(t, StoreDriverSQLite, cfg.StoreDriver)
	assert.Equal(t, 300*time.Second, cfg.SignatureTolerance)
	assert.Equal(t, 10*time.Minute, cfg.IdempotencyLease)
	assert.Equal(t, 1, cfg.SubscriptionWriteAttempts)
	assert.Equal(t, []string{"*"}, cfg.CORSAllowedOrigins)
	assert.Equal(t, 30, cfg.WebhookRejectLimit)
	assert.Equal(t, 2*time.Second, cfg.InFlightWait)
	assert.Equal(t, "0.0.0.0:3000", cfg.Addr())
}

func TestLoad_Overrides(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("PORT", "8080")
	t.Setenv("ACCOUNT_MODE", "CREATE")
	t.Setenv("ACCOUNT_CONFLICT_POLICY", "fail")
	t.Setenv("SIGNATURE_TOLERANCE", "2m")
	t.Setenv("SUBSCRIPTION_WRITE_ATTEMPTS", "3")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example.com, https://b.example.com,")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, AccountModeCreate, cfg.AccountMode)
	assert.Equal(t, ConflictPolicyFail, cfg.ConflictPolicy)
	assert.Equal(t, 2*time.Minute, cfg.SignatureTolerance)
	assert.Equal(t, 3, cfg.SubscriptionWriteAttempts)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.CORSAllowedOrigins)
}

func TestLoad_MissingSecretsListsEveryVariable(t *testing.T) {
	t.Setenv("STRIPE_WEBHOOK_SECRET", "")
	t.Setenv("STRIPE_WEBHOOK_SECRET_FILE", "")
	t.Setenv("STRIPE_SECRET_KEY", "")
	t.Setenv("IDENTITY_URL", "")
	t.Setenv("IDENTITY_SERVICE_KEY", "")
	t.Setenv("INVITE_REDIRECT_URL", "")

	_, err := Load()
	require.Error(t, err)
	for _, key := range []string{"STRIPE_WEBHOOK_SECRET", "STRIPE_SECRET_KEY", "IDENTITY_URL", "IDENTITY_SERVICE_KEY", "INVITE_REDIRECT_URL"} {
		assert.Contains(t, err.Error(), key)
	}
}

func TestLoad_LocalBackendDoesNotNeedIdentity(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("IDENTITY_URL", "")
	t.Setenv("IDENTITY_SERVICE_KEY", "")
	t.Setenv("ACCOUNT_BACKEND", "local")
	t.Setenv("ACCOUNT_MODE", "create")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, AccountBackendLocal, cfg.AccountBackend)
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	cases := map[string][2]string{
		"bad port":         {"PORT", "70000"},
		"bad mode":         {"ACCOUNT_MODE", "delete"},
		"bad policy":       {"ACCOUNT_CONFLICT_POLICY", "ignore"},
		"bad driver":       {"STORE_DRIVER", "mysql"},
		"bad duration":     {"IDEMPOTENCY_LEASE", "soon"},
		"bad attempts":     {"SUBSCRIPTION_WRITE_ATTEMPTS", "9"},
		"bad redirect url": {"INVITE_REDIRECT_URL", "ftp://example.com"},
		"postgres w/o dsn": {"STORE_DRIVER", "postgres"},
		"long wait":        {"IN_FLIGHT_WAIT", "1m"},
		"no reject budget": {"WEBHOOK_REJECT_LIMIT", "0"},
	}
	for name, kv := range cases {
		t.Run(name, func(t *testing.T) {
			setBaseEnv(t)
			t.Setenv(kv[0], kv[1])
			_, err := Load()
			require.Error(t, err)
		})
	}
}

func TestLoadStore_IgnoresServingVariables(t *testing.T) {
	t.Setenv("DATA_DIR", t.TempDir())
	t.Setenv("STRIPE_WEBHOOK_SECRET", "")
	t.Setenv("STORE_DRIVER", "")

	cfg, err := LoadStore()
	require.NoError(t, err)
	assert.Equal(t, StoreDriverSQLite, cfg.StoreDriver)

	t.Setenv("STORE_DRIVER", "postgres")
	t.Setenv("STORE_DSN", "")
	_, err = LoadStore()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STORE_DSN")
}

package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Account backends.
const (
	AccountBackendIdentity = "identity"
	AccountBackendLocal    = "local"
)

// Account modes.
const (
	AccountModeRecover = "recover"
	AccountModeCreate  = "create"
)

// Conflict policies applied when the account store reports an existing account.
const (
	ConflictPolicyAdopt = "adopt"
	ConflictPolicyFail  = "fail"
)

// Subscription backends.
const (
	SubscriptionBackendSQL  = "sql"
	SubscriptionBackendREST = "rest"
)

// Store drivers.
const (
	StoreDriverSQLite   = "sqlite"
	StoreDriverPostgres = "postgres"
)

// Config holds all configuration for the provisioning service.
type Config struct {
	BindAddress string
	Port        int
	DataDir     string
	LogLevel    string
	LogFormat   string

	WebhookSecret      string
	WebhookSecretFile  string
	StripeAPIKey       string
	SignatureTolerance time.Duration

	IdentityURL        string
	IdentityServiceKey string
	InviteRedirectURL  string

	AccountBackend      string
	AccountMode         string
	ConflictPolicy      string
	SubscriptionBackend string
	SubscriptionTable   string

	StoreDriver string
	StoreDSN    string

	IdempotencyLease          time.Duration
	SubscriptionWriteAttempts int
	WebhookRejectLimit        int
	InFlightWait              time.Duration
	CORSAllowedOrigins        []string
	DNSCacheTTL               time.Duration
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.BindAddress, c.Port)
}

// SQLiteDir returns the directory holding the SQLite database.
func (c *Config) SQLiteDir() string {
	return filepath.Join(c.DataDir, "provisioner")
}

// Load loads configuration from environment variables.
// A .env file is loaded if present but not required.
func Load() (*Config, error) {
	_ = godotenv.Load()

	port, err := envOrDefaultInt("PORT", 3000)
	if err != nil {
		return nil, err
	}
	attempts, err := envOrDefaultInt("SUBSCRIPTION_WRITE_ATTEMPTS", 1)
	if err != nil {
		return nil, err
	}
	rejectLimit, err := envOrDefaultInt("WEBHOOK_REJECT_LIMIT", 30)
	if err != nil {
		return nil, err
	}
	tolerance, err := envOrDefaultDuration("SIGNATURE_TOLERANCE", 300*time.Second)
	if err != nil {
		return nil, err
	}
	lease, err := envOrDefaultDuration("IDEMPOTENCY_LEASE", 10*time.Minute)
	if err != nil {
		return nil, err
	}
	dnsTTL, err := envOrDefaultDuration("DNS_CACHE_TTL", 5*time.Minute)
	if err != nil {
		return nil, err
	}
	inFlightWait, err := envOrDefaultDuration("IN_FLIGHT_WAIT", 2*time.Second)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		BindAddress: envOrDefault("BIND_ADDRESS", "0.0.0.0"),
		Port:        port,
		DataDir:     envOrDefault("DATA_DIR", "./data"),
		LogLevel:    envOrDefault("LOG_LEVEL", "info"),
		LogFormat:   envOrDefault("LOG_FORMAT", "auto"),

		WebhookSecret:      strings.TrimSpace(os.Getenv("STRIPE_WEBHOOK_SECRET")),
		WebhookSecretFile:  strings.TrimSpace(os.Getenv("STRIPE_WEBHOOK_SECRET_FILE")),
		StripeAPIKey:       strings.TrimSpace(os.Getenv("STRIPE_SECRET_KEY")),
		SignatureTolerance: tolerance,

		IdentityURL:        strings.TrimRight(strings.TrimSpace(os.Getenv("IDENTITY_URL")), "/"),
		IdentityServiceKey: strings.TrimSpace(os.Getenv("IDENTITY_SERVICE_KEY")),
		InviteRedirectURL:  strings.TrimSpace(os.Getenv("INVITE_REDIRECT_URL")),

		AccountBackend:      strings.ToLower(envOrDefault("ACCOUNT_BACKEND", AccountBackendIdentity)),
		AccountMode:         strings.ToLower(envOrDefault("ACCOUNT_MODE", AccountModeRecover)),
		ConflictPolicy:      strings.ToLower(envOrDefault("ACCOUNT_CONFLICT_POLICY", ConflictPolicyAdopt)),
		SubscriptionBackend: strings.ToLower(envOrDefault("SUBSCRIPTION_BACKEND", SubscriptionBackendSQL)),
		SubscriptionTable:   envOrDefault("SUBSCRIPTION_TABLE", "pending_subscriptions"),

		StoreDriver: strings.ToLower(envOrDefault("STORE_DRIVER", StoreDriverSQLite)),
		StoreDSN:    strings.TrimSpace(os.Getenv("STORE_DSN")),

		IdempotencyLease:          lease,
		SubscriptionWriteAttempts: attempts,
		WebhookRejectLimit:        rejectLimit,
		InFlightWait:              inFlightWait,
		CORSAllowedOrigins:        splitList(envOrDefault("CORS_ALLOWED_ORIGINS", "*")),
		DNSCacheTTL:               dnsTTL,
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// LoadStore loads only the settings needed to reach the database, for
// maintenance commands that do not serve webhooks.
func LoadStore() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		DataDir:     envOrDefault("DATA_DIR", "./data"),
		LogLevel:    envOrDefault("LOG_LEVEL", "info"),
		LogFormat:   envOrDefault("LOG_FORMAT", "auto"),
		StoreDriver: strings.ToLower(envOrDefault("STORE_DRIVER", StoreDriverSQLite)),
		StoreDSN:    strings.TrimSpace(os.Getenv("STORE_DSN")),
	}
	if err := oneOf("STORE_DRIVER", cfg.StoreDriver, StoreDriverSQLite, StoreDriverPostgres); err != nil {
		return nil, err
	}
	if cfg.StoreDriver == StoreDriverPostgres && cfg.StoreDSN == "" {
		return nil, fmt.Errorf("missing required environment variables: STORE_DSN")
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var missing []string
	if c.WebhookSecret == "" && c.WebhookSecretFile == "" {
		missing = append(missing, "STRIPE_WEBHOOK_SECRET (or STRIPE_WEBHOOK_SECRET_FILE)")
	}
	if c.StripeAPIKey == "" {
		missing = append(missing, "STRIPE_SECRET_KEY")
	}
	if c.AccountBackend == AccountBackendIdentity || c.SubscriptionBackend == SubscriptionBackendREST {
		if c.IdentityURL == "" {
			missing = append(missing, "IDENTITY_URL")
		}
		if c.IdentityServiceKey == "" {
			missing = append(missing, "IDENTITY_SERVICE_KEY")
		}
	}
	if c.AccountMode == AccountModeRecover && c.InviteRedirectURL == "" {
		missing = append(missing, "INVITE_REDIRECT_URL")
	}
	if c.StoreDriver == StoreDriverPostgres && c.StoreDSN == "" {
		missing = append(missing, "STORE_DSN")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("PORT must be between 1 and 65535, got %d", c.Port)
	}
	if err := oneOf("ACCOUNT_BACKEND", c.AccountBackend, AccountBackendIdentity, AccountBackendLocal); err != nil {
		return err
	}
	if err := oneOf("ACCOUNT_MODE", c.AccountMode, AccountModeRecover, AccountModeCreate); err != nil {
		return err
	}
	if err := oneOf("ACCOUNT_CONFLICT_POLICY", c.ConflictPolicy, ConflictPolicyAdopt, ConflictPolicyFail); err != nil {
		return err
	}
	if err := oneOf("SUBSCRIPTION_BACKEND", c.SubscriptionBackend, SubscriptionBackendSQL, SubscriptionBackendREST); err != nil {
		return err
	}
	if err := oneOf("STORE_DRIVER", c.StoreDriver, StoreDriverSQLite, StoreDriverPostgres); err != nil {
		return err
	}
	if c.SignatureTolerance <= 0 {
		return fmt.Errorf("SIGNATURE_TOLERANCE must be greater than 0, got %s", c.SignatureTolerance)
	}
	if c.IdempotencyLease <= 0 {
		return fmt.Errorf("IDEMPOTENCY_LEASE must be greater than 0, got %s", c.IdempotencyLease)
	}
	if c.SubscriptionWriteAttempts < 1 || c.SubscriptionWriteAttempts > 5 {
		return fmt.Errorf("SUBSCRIPTION_WRITE_ATTEMPTS must be between 1 and 5, got %d", c.SubscriptionWriteAttempts)
	}
	if c.WebhookRejectLimit <= 0 {
		return fmt.Errorf("WEBHOOK_REJECT_LIMIT must be greater than 0, got %d", c.WebhookRejectLimit)
	}
	if c.InFlightWait < 0 || c.InFlightWait > 30*time.Second {
		return fmt.Errorf("IN_FLIGHT_WAIT must be between 0 and 30s, got %s", c.InFlightWait)
	}

	if c.IdentityURL != "" {
		if err := validateHTTPURL("IDENTITY_URL", c.IdentityURL); err != nil {
			return err
		}
	}
	if c.InviteRedirectURL != "" {
		if err := validateHTTPURL("INVITE_REDIRECT_URL", c.InviteRedirectURL); err != nil {
			return err
		}
	}
	return nil
}

func validateHTTPURL(key, raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s must be a valid URL: %w", key, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("%s must use http or https scheme", key)
	}
	if parsed.Host == "" {
		return fmt.Errorf("%s must include a host", key)
	}
	return nil
}

func oneOf(key, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s must be one of %s, got %q", key, strings.Join(allowed, ", "), value)
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) (int, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
		}
		return n, nil
	}
	return fallback, nil
}

func envOrDefaultDuration(key string, fallback time.Duration) (time.Duration, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid duration: %w", key, err)
		}
		return d, nil
	}
	return fallback, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultEnvFile          = ".env"
	defaultEnvironment      = "local"
	defaultPort             = "8080"
	defaultReadTimeout      = 15 * time.Second
	defaultWriteTimeout     = 30 * time.Second
	defaultIdleTimeout      = 120 * time.Second
	defaultLedgerDriver     = LedgerDriverFirestore
	defaultMaxOpenConns     = 10
	defaultEventsTopic      = "fulfillment-events"
	defaultRedisAddr        = "127.0.0.1:6379"
	defaultQueueName        = "critical"
	defaultQueueConcurrency = 10
	defaultStripeTolerance  = 5 * time.Minute
	defaultSweeperGrace     = 24 * time.Hour
	defaultSweeperInterval  = 5 * time.Minute
	defaultSweeperBatchSize = 200
	defaultSweeperMode      = SweeperModeTicker
	defaultActivationLease  = 2 * time.Minute
	defaultDedupeTTL        = 72 * time.Hour
	defaultDedupeCapacity   = 10000
	defaultWebhookPerMinute = 600
	defaultWebhookBurst     = 60
	defaultLimiterCapacity  = 4096
	defaultOIDCJWKSURL      = "https://www.googleapis.com/oauth2/v3/certs"
)

// Issuers Google uses on OIDC tokens minted for service accounts.
var defaultOIDCIssuers = []string{"https://accounts.google.com", "accounts.google.com"}

// Ledger drivers accepted by API_LEDGER_DRIVER.
const (
	LedgerDriverFirestore = "firestore"
	LedgerDriverPostgres  = "postgres"
	LedgerDriverSQLite    = "sqlite"
	LedgerDriverMemory    = "memory"
)

// Sweeper modes accepted by API_SWEEPER_MODE.
const (
	SweeperModeTicker = "ticker"
	SweeperModeWorker = "worker"
	SweeperModeOff    = "off"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Environment string
	Server      ServerConfig
	Firebase    FirebaseConfig
	Firestore   FirestoreConfig
	Ledger      LedgerConfig
	PubSub      PubSubConfig
	Redis       RedisConfig
	Queue       QueueConfig
	PSP         PSPConfig
	Sweeper     SweeperConfig
	Activation  ActivationConfig
	Webhooks    WebhookConfig
	RateLimits  RateLimitConfig
	Secrets     SecretsConfig
	Internal    InternalAuthConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// FirebaseConfig stores Firebase project settings used for admin authentication.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
}

// FirestoreConfig stores database parameters.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// LedgerConfig selects the ledger backend.
type LedgerConfig struct {
	Driver       string
	DSN          string
	MaxOpenConns int
}

// PubSubConfig names the topic fulfilment events go to. An empty topic disables publishing.
type PubSubConfig struct {
	ProjectID   string
	EventsTopic string
}

// RedisConfig is shared by asynq and the webhook dedupe store.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// QueueConfig controls activation dispatch. With Inline set activations run in the request.
type QueueConfig struct {
	Name        string
	Concurrency int
	Inline      bool
}

// PSPConfig collects payment provider secrets.
type PSPConfig struct {
	StripeWebhookSecret string
	StripeTolerance     time.Duration
}

// SweeperConfig controls payment expiration sweeps.
type SweeperConfig struct {
	GraceWindow time.Duration
	Interval    time.Duration
	BatchSize   int
	Mode        string
}

// ActivationConfig controls subscription activation claims.
type ActivationConfig struct {
	Lease time.Duration
}

// WebhookConfig controls provider event deduplication.
type WebhookConfig struct {
	DedupeTTL      time.Duration
	DedupeCapacity int
	DedupeBackend  string
}

// RateLimitConfig controls webhook throttling.
type RateLimitConfig struct {
	WebhookPerMinute int
	WebhookBurst     int
	LimiterCapacity  int
}

// SecretsConfig configures secret:// resolution.
type SecretsConfig struct {
	ProjectID    string
	FallbackFile string
}

// InternalAuthConfig controls OIDC verification on the /internal routes. With an empty audience
// the routes fall back to Firebase roles.
type InternalAuthConfig struct {
	JWKSURL         string
	Audience        string
	Issuers         []string
	ServiceAccounts []string
}

// OIDCEnabled reports whether service tokens gate the internal routes.
func (c InternalAuthConfig) OIDCEnabled() bool {
	return strings.TrimSpace(c.Audience) != ""
}

// SecretResolver resolves references to external secrets (e.g. Secret Manager URIs).
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts ordinary functions to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret resolves the secret using the wrapped function.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// SecretError describes failures while resolving a secret reference.
type SecretError struct {
	Ref string
	Err error
}

// Error implements the error interface.
func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

// Unwrap exposes the underlying error.
func (e *SecretError) Unwrap() error { return e.Err }

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile      string
	envMap       map[string]string
	useSystemEnv bool
	secret       SecretResolver
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects an explicit key/value map for environment lookups. Values in the map
// take precedence over system environment variables.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv disables reading from os.Getenv, relying only on provided maps and .env files.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// WithSecretResolver sets the resolver used for secret:// and sm:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) {
		o.secret = resolver
	}
}

// Load assembles configuration from defaults, the .env file, OS environment and the explicit
// env map, in increasing precedence, then resolves secret references.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := newLoaderOptions(opts)
	dotEnvValues, err := loadDotEnv(options.envFile)
	if err != nil {
		return Config{}, err
	}

	lookup := func(key string) (string, bool) {
		if options.envMap != nil {
			if value, ok := options.envMap[key]; ok {
				return value, true
			}
		}
		if options.useSystemEnv {
			if value, ok := os.LookupEnv(key); ok {
				return value, true
			}
		}
		if value, ok := dotEnvValues[key]; ok {
			return value, true
		}
		return "", false
	}

	cfg := Config{
		Environment: strings.ToLower(stringWithDefault(lookup, "API_ENVIRONMENT", defaultEnvironment)),
		Server: ServerConfig{
			Port:         stringWithDefault(lookup, "API_SERVER_PORT", defaultPort),
			ReadTimeout:  durationWithDefault(lookup, "API_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: durationWithDefault(lookup, "API_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  durationWithDefault(lookup, "API_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
		},
		Firebase: FirebaseConfig{
			ProjectID:       stringWithDefault(lookup, "API_FIREBASE_PROJECT_ID", ""),
			CredentialsFile: stringWithDefault(lookup, "API_FIREBASE_CREDENTIALS_FILE", ""),
		},
		Firestore: FirestoreConfig{
			ProjectID:    stringWithDefault(lookup, "API_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: stringWithDefault(lookup, "API_FIRESTORE_EMULATOR_HOST", ""),
		},
		Ledger: LedgerConfig{
			Driver:       strings.ToLower(stringWithDefault(lookup, "API_LEDGER_DRIVER", defaultLedgerDriver)),
			DSN:          stringWithDefault(lookup, "API_LEDGER_DSN", ""),
			MaxOpenConns: intWithDefault(lookup, "API_LEDGER_MAX_OPEN_CONNS", defaultMaxOpenConns),
		},
		PubSub: PubSubConfig{
			ProjectID:   stringWithDefault(lookup, "API_PUBSUB_PROJECT_ID", ""),
			EventsTopic: stringWithDefault(lookup, "API_PUBSUB_EVENTS_TOPIC", defaultEventsTopic),
		},
		Redis: RedisConfig{
			Addr:     stringWithDefault(lookup, "API_REDIS_ADDR", defaultRedisAddr),
			Password: stringWithDefault(lookup, "API_REDIS_PASSWORD", ""),
			DB:       intWithDefault(lookup, "API_REDIS_DB", 0),
		},
		Queue: QueueConfig{
			Name:        stringWithDefault(lookup, "API_QUEUE_NAME", defaultQueueName),
			Concurrency: intWithDefault(lookup, "API_QUEUE_CONCURRENCY", defaultQueueConcurrency),
			Inline:      boolWithDefault(lookup, "API_QUEUE_INLINE", false),
		},
		PSP: PSPConfig{
			StripeWebhookSecret: stringWithDefault(lookup, "API_PSP_STRIPE_WEBHOOK_SECRET", ""),
			StripeTolerance:     durationWithDefault(lookup, "API_PSP_STRIPE_TOLERANCE", defaultStripeTolerance),
		},
		Sweeper: SweeperConfig{
			GraceWindow: durationWithDefault(lookup, "API_SWEEPER_GRACE_WINDOW", defaultSweeperGrace),
			Interval:    durationWithDefault(lookup, "API_SWEEPER_INTERVAL", defaultSweeperInterval),
			BatchSize:   intWithDefault(lookup, "API_SWEEPER_BATCH_SIZE", defaultSweeperBatchSize),
			Mode:        strings.ToLower(stringWithDefault(lookup, "API_SWEEPER_MODE", defaultSweeperMode)),
		},
		Activation: ActivationConfig{
			Lease: durationWithDefault(lookup, "API_ACTIVATION_LEASE", defaultActivationLease),
		},
		Webhooks: WebhookConfig{
			DedupeTTL:      durationWithDefault(lookup, "API_WEBHOOK_DEDUPE_TTL", defaultDedupeTTL),
			DedupeCapacity: intWithDefault(lookup, "API_WEBHOOK_DEDUPE_CAPACITY", defaultDedupeCapacity),
			DedupeBackend:  strings.ToLower(stringWithDefault(lookup, "API_WEBHOOK_DEDUPE_BACKEND", "memory")),
		},
		RateLimits: RateLimitConfig{
			WebhookPerMinute: intWithDefault(lookup, "API_RATELIMIT_WEBHOOK_PER_MIN", defaultWebhookPerMinute),
			WebhookBurst:     intWithDefault(lookup, "API_RATELIMIT_WEBHOOK_BURST", defaultWebhookBurst),
			LimiterCapacity:  intWithDefault(lookup, "API_RATELIMIT_CAPACITY", defaultLimiterCapacity),
		},
		Secrets: SecretsConfig{
			ProjectID:    stringWithDefault(lookup, "API_SECRETS_PROJECT_ID", ""),
			FallbackFile: stringWithDefault(lookup, "API_SECRET_FALLBACK_FILE", ""),
		},
		Internal: InternalAuthConfig{
			JWKSURL:         stringWithDefault(lookup, "API_INTERNAL_OIDC_JWKS_URL", defaultOIDCJWKSURL),
			Audience:        stringWithDefault(lookup, "API_INTERNAL_OIDC_AUDIENCE", ""),
			Issuers:         csvWithDefault(lookup, "API_INTERNAL_OIDC_ISSUERS", defaultOIDCIssuers),
			ServiceAccounts: csvWithDefault(lookup, "API_INTERNAL_OIDC_SERVICE_ACCOUNTS", nil),
		},
	}

	// Project ids cascade from the Firebase project when unspecified.
	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Firebase.ProjectID
	}
	if cfg.PubSub.ProjectID == "" {
		cfg.PubSub.ProjectID = cfg.Firestore.ProjectID
	}
	if cfg.Secrets.ProjectID == "" {
		cfg.Secrets.ProjectID = cfg.Firestore.ProjectID
	}

	secretFields := []*string{
		&cfg.PSP.StripeWebhookSecret,
		&cfg.Ledger.DSN,
		&cfg.Redis.Password,
	}
	for _, field := range secretFields {
		resolved, err := resolveSecret(ctx, *field, options.secret)
		if err != nil {
			return Config{}, err
		}
		*field = resolved
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// EnvironmentValues returns the merged environment Load would see. Binaries use it for wiring that
// has to exist before Load, such as the secret fetcher.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	options := newLoaderOptions(opts)
	dotEnvValues, err := loadDotEnv(options.envFile)
	if err != nil {
		return nil, err
	}
	values := make(map[string]string, len(dotEnvValues))
	for key, value := range dotEnvValues {
		values[key] = value
	}
	if options.useSystemEnv {
		for _, entry := range os.Environ() {
			key, value, ok := strings.Cut(entry, "=")
			if ok && strings.TrimSpace(key) != "" {
				values[key] = value
			}
		}
	}
	for key, value := range options.envMap {
		values[key] = value
	}
	return values, nil
}

func newLoaderOptions(opts []Option) loaderOptions {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	return options
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	if value == "" || !isSecretReference(value) {
		return value, nil
	}
	normalized := normalizeSecretReference(value)
	if resolver == nil {
		return "", &SecretError{Ref: normalized, Err: errSecretResolverNotConfigured}
	}
	secret, err := resolver.ResolveSecret(ctx, normalized)
	if err != nil {
		return "", &SecretError{Ref: normalized, Err: err}
	}
	return secret, nil
}

func validateConfig(cfg Config) error {
	var missing []string

	if cfg.Server.Port == "" {
		missing = append(missing, "Server.Port")
	}
	switch cfg.Ledger.Driver {
	case LedgerDriverFirestore:
		if cfg.Firestore.ProjectID == "" {
			missing = append(missing, "Firestore.ProjectID")
		}
	case LedgerDriverPostgres, LedgerDriverSQLite:
		if strings.TrimSpace(cfg.Ledger.DSN) == "" {
			missing = append(missing, "Ledger.DSN")
		}
	case LedgerDriverMemory:
	default:
		missing = append(missing, "Ledger.Driver")
	}
	if cfg.Ledger.MaxOpenConns <= 0 {
		missing = append(missing, "Ledger.MaxOpenConns")
	}
	if cfg.Queue.Concurrency <= 0 {
		missing = append(missing, "Queue.Concurrency")
	}
	if cfg.Sweeper.GraceWindow < 0 {
		missing = append(missing, "Sweeper.GraceWindow")
	}
	if cfg.Sweeper.Interval <= 0 {
		missing = append(missing, "Sweeper.Interval")
	}
	if cfg.Sweeper.BatchSize <= 0 {
		missing = append(missing, "Sweeper.BatchSize")
	}
	switch cfg.Sweeper.Mode {
	case SweeperModeTicker, SweeperModeWorker, SweeperModeOff:
	default:
		missing = append(missing, "Sweeper.Mode")
	}
	if cfg.Activation.Lease <= 0 {
		missing = append(missing, "Activation.Lease")
	}
	if cfg.Webhooks.DedupeTTL <= 0 {
		missing = append(missing, "Webhooks.DedupeTTL")
	}
	switch cfg.Webhooks.DedupeBackend {
	case "memory", "redis":
	default:
		missing = append(missing, "Webhooks.DedupeBackend")
	}
	if cfg.RateLimits.WebhookPerMinute <= 0 {
		missing = append(missing, "RateLimits.WebhookPerMinute")
	}
	if cfg.RateLimits.WebhookBurst <= 0 {
		missing = append(missing, "RateLimits.WebhookBurst")
	}

	if cfg.Internal.OIDCEnabled() && strings.TrimSpace(cfg.Internal.JWKSURL) == "" {
		missing = append(missing, "Internal.JWKSURL")
	}

	if len(missing) > 0 {
		return &ValidationError{fields: missing}
	}
	return nil
}

// IsLocal reports whether the process runs in the local environment.
func (c Config) IsLocal() bool {
	return c.Environment == "" || c.Environment == defaultEnvironment
}

func isSecretReference(value string) bool {
	trimmed := strings.TrimSpace(value)
	return strings.HasPrefix(trimmed, "secret://") || strings.HasPrefix(trimmed, "sm://")
}

func normalizeSecretReference(value string) string {
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "sm://") {
		return "secret://" + strings.TrimPrefix(trimmed, "sm://")
	}
	return trimmed
}

func loadDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}
	if _, err := os.Stat(absPath); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	values, err := godotenv.Read(absPath)
	if err != nil {
		return nil, fmt.Errorf("config: failed parsing %s: %w", absPath, err)
	}
	return values, nil
}

func stringWithDefault(lookup func(string) (string, bool), key, fallback string) string {
	if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func durationWithDefault(lookup func(string) (string, bool), key string, fallback time.Duration) time.Duration {
	if value, ok := lookup(key); ok && value != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(value)); err == nil {
			return d
		}
	}
	return fallback
}

func intWithDefault(lookup func(string) (string, bool), key string, fallback int) int {
	if value, ok := lookup(key); ok && value != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return parsed
		}
	}
	return fallback
}

func boolWithDefault(lookup func(string) (string, bool), key string, fallback bool) bool {
	if value, ok := lookup(key); ok && value != "" {
		switch strings.ToLower(strings.TrimSpace(value)) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return fallback
}

func csvWithDefault(lookup func(string) (string, bool), key string, fallback []string) []string {
	value, ok := lookup(key)
	if !ok || strings.TrimSpace(value) == "" {
		return append([]string(nil), fallback...)
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

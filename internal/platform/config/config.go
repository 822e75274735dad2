package config

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	defaultEnvFile = ".env"
	envPrefix      = "ORDERS_"
)

// Storage drivers accepted by Orders.StorageDriver.
const (
	StorageFirestore = "firestore"
	StorageMemory    = "memory"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server        ServerConfig        `envPrefix:"SERVER_"`
	Firestore     FirestoreConfig     `envPrefix:"FIRESTORE_"`
	PubSub        PubSubConfig        `envPrefix:"PUBSUB_"`
	PSP           PSPConfig           `envPrefix:"PSP_"`
	Wallet        WalletConfig        `envPrefix:"WALLET_"`
	Orders        OrdersConfig
	Outbox        OutboxConfig        `envPrefix:"OUTBOX_"`
	Observability ObservabilityConfig `envPrefix:"OBSERVABILITY_"`
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port            string        `env:"PORT" envDefault:"8080"`
	ReadTimeout     time.Duration `env:"READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT" envDefault:"30s"`
	IdleTimeout     time.Duration `env:"IDLE_TIMEOUT" envDefault:"120s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"20s"`
	HealthCacheTTL  time.Duration `env:"HEALTH_CACHE_TTL" envDefault:"2s"`
}

// FirestoreConfig stores database parameters.
type FirestoreConfig struct {
	ProjectID    string `env:"PROJECT_ID"`
	DatabaseID   string `env:"DATABASE_ID" envDefault:"(default)"`
	EmulatorHost string `env:"EMULATOR_HOST"`
}

// PubSubConfig selects the topic order events are published to.
type PubSubConfig struct {
	ProjectID    string `env:"PROJECT_ID"`
	Topic        string `env:"TOPIC" envDefault:"order-events"`
	EmulatorHost string `env:"EMULATOR_HOST"`
}

// PSPConfig collects payment provider credentials. Values may be secret:// references.
type PSPConfig struct {
	StripeAPIKey        string `env:"STRIPE_API_KEY"`
	StripeWebhookSecret string `env:"STRIPE_WEBHOOK_SECRET"`
}

// WalletConfig points at the stored-value balance service.
type WalletConfig struct {
	BaseURL string        `env:"BASE_URL"`
	APIKey  string        `env:"API_KEY"`
	Timeout time.Duration `env:"TIMEOUT" envDefault:"5s"`
}

// OrdersConfig tunes the order engine itself.
type OrdersConfig struct {
	ActionLease   time.Duration `env:"ACTION_LEASE" envDefault:"30s"`
	StorageDriver string        `env:"STORAGE_DRIVER" envDefault:"firestore"`
	OrderNoPrefix string        `env:"ORDER_NO_PREFIX" envDefault:"ORD"`
}

// OutboxConfig controls the event relay.
type OutboxConfig struct {
	Enabled      bool          `env:"ENABLED" envDefault:"true"`
	PollInterval time.Duration `env:"POLL_INTERVAL" envDefault:"2s"`
	BatchSize    int           `env:"BATCH_SIZE" envDefault:"50"`
	MaxLag       time.Duration `env:"MAX_LAG" envDefault:"5m"`
}

// ObservabilityConfig controls logging and telemetry metadata.
type ObservabilityConfig struct {
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	ServiceName string `env:"SERVICE_NAME" envDefault:"order-engine"`
	Version     string `env:"VERSION"`
}

// SecretResolver resolves secret:// references.
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
	Field string
	Ref   string
	Err   error
}

// Error implements the error interface.
func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for %s (%q): %v", e.Field, e.Ref, e.Err)
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

// WithEnvMap injects explicit values that take precedence over the system environment.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv disables reading the process environment.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// WithSecretResolver sets the resolver used for secret:// values.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) {
		o.secret = resolver
	}
}

// Load assembles configuration from defaults, the .env file, the process environment and
// explicit overrides, in increasing precedence. Keys carry the ORDERS_ prefix. secret://
// values are resolved before validation.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
	}
	for _, opt := range opts {
		opt(&options)
	}

	values, err := environment(options)
	if err != nil {
		return Config{}, err
	}
	applyPlatformFallbacks(values)

	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{
		Environment: values,
		Prefix:      envPrefix,
	}); err != nil {
		return Config{}, fmt.Errorf("config: parse environment: %w", err)
	}

	cfg.Orders.StorageDriver = strings.ToLower(strings.TrimSpace(cfg.Orders.StorageDriver))
	if cfg.PubSub.ProjectID == "" {
		cfg.PubSub.ProjectID = cfg.Firestore.ProjectID
	}

	secretFields := []struct {
		name  string
		field *string
	}{
		{"PSP.StripeAPIKey", &cfg.PSP.StripeAPIKey},
		{"PSP.StripeWebhookSecret", &cfg.PSP.StripeWebhookSecret},
		{"Wallet.APIKey", &cfg.Wallet.APIKey},
	}
	for _, target := range secretFields {
		resolved, err := resolveSecret(ctx, target.name, *target.field, options.secret)
		if err != nil {
			return Config{}, err
		}
		*target.field = resolved
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func environment(options loaderOptions) (map[string]string, error) {
	values, err := loadDotEnv(options.envFile)
	if err != nil {
		return nil, err
	}
	if values == nil {
		values = make(map[string]string)
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

// applyPlatformFallbacks honours the unprefixed variables set by Cloud Run and the emulators.
func applyPlatformFallbacks(values map[string]string) {
	fallbacks := map[string]string{
		envPrefix + "SERVER_PORT":             "PORT",
		envPrefix + "OBSERVABILITY_LOG_LEVEL": "LOG_LEVEL",
		envPrefix + "FIRESTORE_PROJECT_ID":    "GOOGLE_CLOUD_PROJECT",
		envPrefix + "FIRESTORE_EMULATOR_HOST": "FIRESTORE_EMULATOR_HOST",
		envPrefix + "PUBSUB_EMULATOR_HOST":    "PUBSUB_EMULATOR_HOST",
	}
	for key, platformKey := range fallbacks {
		if strings.TrimSpace(values[key]) != "" {
			continue
		}
		if value := strings.TrimSpace(values[platformKey]); value != "" {
			values[key] = value
		}
	}
}

func resolveSecret(ctx context.Context, field, value string, resolver SecretResolver) (string, error) {
	ref := strings.TrimSpace(value)
	if !strings.HasPrefix(ref, "secret://") {
		return value, nil
	}
	if resolver == nil {
		return "", &SecretError{Field: field, Ref: ref, Err: errSecretResolverNotConfigured}
	}
	secret, err := resolver.ResolveSecret(ctx, ref)
	if err != nil {
		return "", &SecretError{Field: field, Ref: ref, Err: err}
	}
	return strings.TrimSpace(secret), nil
}

func validateConfig(cfg Config) error {
	var invalid []string

	if strings.TrimSpace(cfg.Server.Port) == "" {
		invalid = append(invalid, "Server.Port")
	}
	switch cfg.Orders.StorageDriver {
	case StorageMemory:
	case StorageFirestore:
		if cfg.Firestore.ProjectID == "" {
			invalid = append(invalid, "Firestore.ProjectID")
		}
	default:
		invalid = append(invalid, "Orders.StorageDriver")
	}
	if cfg.Orders.ActionLease <= 0 {
		invalid = append(invalid, "Orders.ActionLease")
	}
	if strings.TrimSpace(cfg.Orders.OrderNoPrefix) == "" {
		invalid = append(invalid, "Orders.OrderNoPrefix")
	}
	if cfg.Outbox.Enabled {
		if cfg.Outbox.PollInterval <= 0 {
			invalid = append(invalid, "Outbox.PollInterval")
		}
		if cfg.Outbox.BatchSize <= 0 {
			invalid = append(invalid, "Outbox.BatchSize")
		}
		if cfg.Orders.StorageDriver == StorageFirestore {
			if cfg.PubSub.ProjectID == "" {
				invalid = append(invalid, "PubSub.ProjectID")
			}
			if strings.TrimSpace(cfg.PubSub.Topic) == "" {
				invalid = append(invalid, "PubSub.Topic")
			}
		}
	}
	if cfg.Wallet.Timeout <= 0 {
		invalid = append(invalid, "Wallet.Timeout")
	}

	if len(invalid) > 0 {
		return &ValidationError{fields: invalid}
	}
	return nil
}

func loadDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}
	file, err := os.Open(absPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", absPath, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	values := make(map[string]string)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		key, value, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		values[key] = strings.Trim(strings.TrimSpace(value), "\"'")
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: failed parsing %s: %w", absPath, err)
	}
	return values, nil
}

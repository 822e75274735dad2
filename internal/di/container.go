package di

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"finitefield.org/order-engine/internal/payments"
	"finitefield.org/order-engine/internal/platform/config"
	pfirestore "finitefield.org/order-engine/internal/platform/firestore"
	"finitefield.org/order-engine/internal/platform/gcp"
	"finitefield.org/order-engine/internal/platform/jobs"
	"finitefield.org/order-engine/internal/platform/observability"
	"finitefield.org/order-engine/internal/repositories"
	firestoreRepo "finitefield.org/order-engine/internal/repositories/firestore"
	"finitefield.org/order-engine/internal/repositories/memory"
	"finitefield.org/order-engine/internal/services"
	"finitefield.org/order-engine/internal/wallet"
)

// Services bundles the service-layer contracts that handlers and workers rely upon.
type Services struct {
	Orders     services.OrderCommandService
	Refunds    services.RefundService
	Reconciler services.PaymentReconciler
	System     services.SystemService
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
	// Relay is nil when the outbox relay is disabled.
	Relay *jobs.OutboxRelay

	closers []func(context.Context) error
}

// Option customises container construction. Tests use these to replace remote collaborators.
type Option func(*containerOptions)

type containerOptions struct {
	logger    *zap.Logger
	registry  repositories.Registry
	wallet    services.WalletClient
	gateway   services.RefundGateway
	publisher jobs.EventPublisher
	clock     func() time.Time
	build     services.BuildInfo
}

// WithLogger sets the base logger used for service diagnostics.
func WithLogger(logger *zap.Logger) Option {
	return func(o *containerOptions) { o.logger = logger }
}

// WithRegistry overrides the storage driver selected by configuration.
func WithRegistry(reg repositories.Registry) Option {
	return func(o *containerOptions) { o.registry = reg }
}

// WithWalletClient overrides the HTTP wallet client.
func WithWalletClient(client services.WalletClient) Option {
	return func(o *containerOptions) { o.wallet = client }
}

// WithRefundGateway overrides the PSP-backed refund gateway.
func WithRefundGateway(gateway services.RefundGateway) Option {
	return func(o *containerOptions) { o.gateway = gateway }
}

// WithPublisher overrides the Pub/Sub publisher used by the outbox relay.
func WithPublisher(publisher jobs.EventPublisher) Option {
	return func(o *containerOptions) { o.publisher = publisher }
}

// WithClock overrides the clock shared by services.
func WithClock(clock func() time.Time) Option {
	return func(o *containerOptions) { o.clock = clock }
}

// WithBuildInfo stamps health reports with build metadata.
func WithBuildInfo(info services.BuildInfo) Option {
	return func(o *containerOptions) { o.build = info }
}

// NewContainer constructs the runtime dependencies for cfg.
func NewContainer(ctx context.Context, cfg config.Config, opts ...Option) (*Container, error) {
	options := containerOptions{clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	if options.logger == nil {
		options.logger = zap.NewNop()
	}

	c := &Container{Config: cfg}
	if err := c.build(ctx, options); err != nil {
		_ = c.Close(context.Background())
		return nil, err
	}
	return c, nil
}

func (c *Container) build(ctx context.Context, options containerOptions) error {
	cfg := c.Config
	logger := options.logger

	var (
		provider *pfirestore.Provider
		checks   []repositories.DependencyCheck
	)
	reg := options.registry
	if reg == nil {
		switch cfg.Orders.StorageDriver {
		case config.StorageMemory:
			reg = memory.NewStore()
		default:
			provider = pfirestore.NewProvider(cfg.Firestore)
			firestoreReg, err := firestoreRepo.NewRegistry(provider, repositories.WithBuildVersion(cfg.Observability.Version))
			if err != nil {
				_ = provider.Close(ctx)
				return fmt.Errorf("di: firestore registry: %w", err)
			}
			reg = firestoreReg
			checks = append(checks, repositories.DependencyCheck{Name: "firestore", Critical: true, Check: provider.Ping})
		}
	}
	c.Repositories = reg
	c.closers = append(c.closers, reg.Close)

	walletClient := options.wallet
	if walletClient == nil && strings.TrimSpace(cfg.Wallet.BaseURL) != "" {
		client, err := wallet.NewClient(wallet.Config{
			BaseURL: cfg.Wallet.BaseURL,
			APIKey:  cfg.Wallet.APIKey,
			Timeout: cfg.Wallet.Timeout,
		})
		if err != nil {
			return fmt.Errorf("di: wallet client: %w", err)
		}
		walletClient = client
	}

	gateway := options.gateway
	if gateway == nil {
		built, err := newRefundGateway(cfg, logger.Named("payments"))
		if err != nil {
			return err
		}
		gateway = built
	}

	newID := func() string { return ulid.Make().String() }
	eventLogger := observability.NewEventLogger(logger.Named("orders"))

	executor, err := services.NewCommandExecutor(services.CommandExecutorDeps{
		Actions: reg.ActionLogs(),
		Lease:   cfg.Orders.ActionLease,
		Clock:   options.clock,
		Logger:  eventLogger,
	})
	if err != nil {
		return err
	}

	reconciler, err := services.NewPaymentReconciler(services.PaymentReconcilerDeps{
		Orders:      reg.Orders(),
		Payments:    reg.Payments(),
		Wallet:      walletClient,
		Clock:       options.clock,
		IDGenerator: newID,
		Logger:      eventLogger,
	})
	if err != nil {
		return err
	}

	refunds, err := services.NewRefundService(services.RefundServiceDeps{
		Orders:      reg.Orders(),
		Payments:    reg.Payments(),
		Refunds:     reg.Refunds(),
		Gateway:     gateway,
		Wallet:      walletClient,
		Reconciler:  reconciler,
		Clock:       options.clock,
		IDGenerator: newID,
		Logger:      eventLogger,
	})
	if err != nil {
		return err
	}

	orders, err := services.NewOrderCommandService(services.OrderCommandServiceDeps{
		Orders:        reg.Orders(),
		Payments:      reg.Payments(),
		Counters:      reg.Counters(),
		Executor:      executor,
		Refunds:       refunds,
		Wallet:        walletClient,
		OrderNoPrefix: cfg.Orders.OrderNoPrefix,
		Clock:         options.clock,
		IDGenerator:   newID,
		Logger:        eventLogger,
	})
	if err != nil {
		return err
	}

	publisher := options.publisher
	relayEnabled := cfg.Outbox.Enabled && (publisher != nil || cfg.Orders.StorageDriver != config.StorageMemory)
	if relayEnabled && publisher == nil {
		topic, err := c.openTopic(ctx, cfg.PubSub)
		if err != nil {
			return err
		}
		checks = append(checks, repositories.DependencyCheck{
			Name: "pubsub",
			Check: func(ctx context.Context) error {
				ok, err := topic.Exists(ctx)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("pubsub topic %s does not exist", topic.ID())
				}
				return nil
			},
		})
		built, err := jobs.NewPubSubPublisher(topic)
		if err != nil {
			return err
		}
		publisher = built
	}
	if relayEnabled {
		relay, err := jobs.NewOutboxRelay(jobs.OutboxRelayConfig{
			Outbox:       reg.Outbox(),
			Publisher:    publisher,
			PollInterval: cfg.Outbox.PollInterval,
			BatchSize:    cfg.Outbox.BatchSize,
			MaxLag:       cfg.Outbox.MaxLag,
			Clock:        options.clock,
			Logger:       logger.Named("outbox"),
		})
		if err != nil {
			return err
		}
		c.Relay = relay
		checks = append(checks, repositories.DependencyCheck{Name: "outbox", Check: relay.Check})
	}

	health := reg.Health()
	if len(checks) > 0 {
		health, err = repositories.NewDependencyHealthRepository(checks, repositories.WithBuildVersion(cfg.Observability.Version))
		if err != nil {
			return err
		}
	}
	build := options.build
	if build.Version == "" {
		build.Version = cfg.Observability.Version
	}
	system, err := services.NewSystemService(services.SystemServiceDeps{
		HealthRepository: health,
		Clock:            options.clock,
		Build:            build,
		CacheTTL:         cfg.Server.HealthCacheTTL,
	})
	if err != nil {
		return err
	}

	c.Services = Services{
		Orders:     orders,
		Refunds:    refunds,
		Reconciler: reconciler,
		System:     system,
	}
	return nil
}

func (c *Container) openTopic(ctx context.Context, cfg config.PubSubConfig) (*pubsub.Topic, error) {
	client, err := pubsub.NewClient(ctx, cfg.ProjectID, gcp.EmulatorOptions(cfg.EmulatorHost)...)
	if err != nil {
		return nil, fmt.Errorf("di: pubsub client: %w", err)
	}
	topic := client.Topic(cfg.Topic)
	c.closers = append(c.closers, func(context.Context) error {
		topic.Stop()
		return client.Close()
	})
	return topic, nil
}

func newRefundGateway(cfg config.Config, logger *zap.Logger) (*payments.RefundGateway, error) {
	stripeLogger := payments.StripeLogger(observability.NewEventLogger(logger))
	providers := map[string]payments.Provider{
		payments.ProviderWallet: payments.NewWalletLedgerProvider(),
	}
	if key := strings.TrimSpace(cfg.PSP.StripeAPIKey); key != "" {
		stripeProvider, err := payments.NewStripeProvider(payments.StripeProviderConfig{
			APIKey: key,
			Logger: stripeLogger,
		})
		if err != nil {
			return nil, fmt.Errorf("di: stripe provider: %w", err)
		}
		providers[payments.ProviderStripe] = stripeProvider
	}
	manager, err := payments.NewManager(providers)
	if err != nil {
		return nil, err
	}
	return payments.NewRefundGateway(manager, stripeLogger)
}

// Close releases repository clients and the Pub/Sub connection in reverse construction order.
func (c *Container) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

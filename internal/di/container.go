// Package di assembles the ledger, event publishing, activation dispatch and the fulfilment
// services shared by the api, worker and fulfillmentctl binaries.
package di

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/go-redis/redis/v8"
	"github.com/hibiken/asynq"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/genfity/fulfillment/internal/platform/config"
	pfirestore "github.com/genfity/fulfillment/internal/platform/firestore"
	"github.com/genfity/fulfillment/internal/platform/idempotency"
	"github.com/genfity/fulfillment/internal/platform/jobs"
	"github.com/genfity/fulfillment/internal/platform/metrics"
	"github.com/genfity/fulfillment/internal/platform/observability"
	"github.com/genfity/fulfillment/internal/repositories"
	firestoreRepo "github.com/genfity/fulfillment/internal/repositories/firestore"
	"github.com/genfity/fulfillment/internal/repositories/memory"
	"github.com/genfity/fulfillment/internal/repositories/sqlstore"
	"github.com/genfity/fulfillment/internal/services"
)

const (
	metricsNamespace   = "fulfillment"
	dedupeBackendRedis = "redis"
	dedupeKeyPrefix    = "fulfillment:webhook:"
)

// Services bundles the service-layer contracts that handlers, workers and the CLI rely upon.
type Services struct {
	Aggregator services.StatusAggregator
	Delivery   services.DeliveryService
	Activator  services.SubscriptionActivator
	Payments   services.PaymentService
	Sweeper    services.PaymentSweeper
	Orders     services.OrderService
	Importer   services.SubscriptionImporter
}

// Container owns runtime dependencies and releases them in reverse order on Close.
type Container struct {
	Config   config.Config
	Logger   *zap.Logger
	Ledger   repositories.LedgerStore
	Metrics  *metrics.Registry
	Redis    *redis.Client
	Services Services

	closers []func(context.Context) error
}

// Option customises container construction.
type Option func(*containerOptions)

type containerOptions struct {
	logger      *zap.Logger
	ledger      repositories.LedgerStore
	metrics     *metrics.Registry
	publisher   services.FulfillmentEventPublisher
	provisioner services.Provisioner
	clock       func() time.Time
}

// WithLogger sets the base logger services log through.
func WithLogger(logger *zap.Logger) Option {
	return func(o *containerOptions) {
		o.logger = logger
	}
}

// WithLedger supplies a ledger instead of opening the configured driver.
func WithLedger(ledger repositories.LedgerStore) Option {
	return func(o *containerOptions) {
		o.ledger = ledger
	}
}

// WithMetrics shares an existing registry.
func WithMetrics(reg *metrics.Registry) Option {
	return func(o *containerOptions) {
		o.metrics = reg
	}
}

// WithEventPublisher replaces the Pub/Sub publisher.
func WithEventPublisher(publisher services.FulfillmentEventPublisher) Option {
	return func(o *containerOptions) {
		o.publisher = publisher
	}
}

// WithProvisioner wires the downstream side of subscription activation.
func WithProvisioner(provisioner services.Provisioner) Option {
	return func(o *containerOptions) {
		o.provisioner = provisioner
	}
}

// WithClock overrides the clock passed to every service.
func WithClock(clock func() time.Time) Option {
	return func(o *containerOptions) {
		o.clock = clock
	}
}

// NewContainer constructs the runtime dependencies. On error everything opened so far is closed.
func NewContainer(ctx context.Context, cfg config.Config, opts ...Option) (_ *Container, err error) {
	options := containerOptions{clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	if options.logger == nil {
		options.logger = zap.NewNop()
	}
	if options.metrics == nil {
		options.metrics = metrics.New(metricsNamespace)
	}

	c := &Container{
		Config:  cfg,
		Logger:  options.logger,
		Metrics: options.metrics,
	}
	defer func() {
		if err != nil {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = c.Close(closeCtx)
		}
	}()

	c.Ledger = options.ledger
	if c.Ledger == nil {
		ledger, err := openLedger(ctx, cfg)
		if err != nil {
			return nil, err
		}
		c.Ledger = ledger
		c.closers = append(c.closers, ledger.Close)
	}

	if needsRedis(cfg) {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		c.Redis = client
		c.closers = append(c.closers, func(context.Context) error { return client.Close() })
	}

	publisher := options.publisher
	if publisher == nil {
		publisher, err = c.openPublisher(ctx)
		if err != nil {
			return nil, err
		}
	}
	events := c.Metrics.WrapPublisher(publisher)

	c.Services, err = c.buildServices(events, options)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// AsynqRedisOpt derives the asynq connection from the shared Redis settings.
func AsynqRedisOpt(cfg config.RedisConfig) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
}

func needsRedis(cfg config.Config) bool {
	return !cfg.Queue.Inline || cfg.Webhooks.DedupeBackend == dedupeBackendRedis
}

func openLedger(ctx context.Context, cfg config.Config) (repositories.LedgerStore, error) {
	switch cfg.Ledger.Driver {
	case config.LedgerDriverFirestore:
		ledger, err := firestoreRepo.NewLedger(pfirestore.NewProvider(cfg.Firestore))
		if err != nil {
			return nil, fmt.Errorf("build firestore ledger: %w", err)
		}
		return ledger, nil
	case config.LedgerDriverPostgres, config.LedgerDriverSQLite:
		store, err := sqlstore.Open(ctx, cfg.Ledger.Driver, cfg.Ledger.DSN, sqlstore.Options{MaxOpenConns: cfg.Ledger.MaxOpenConns})
		if err != nil {
			return nil, fmt.Errorf("open %s ledger: %w", cfg.Ledger.Driver, err)
		}
		return store, nil
	case config.LedgerDriverMemory:
		return memory.NewLedger(), nil
	default:
		return nil, fmt.Errorf("unsupported ledger driver %q", cfg.Ledger.Driver)
	}
}

func (c *Container) openPublisher(ctx context.Context) (services.FulfillmentEventPublisher, error) {
	topicID := strings.TrimSpace(c.Config.PubSub.EventsTopic)
	project := strings.TrimSpace(c.Config.PubSub.ProjectID)
	if topicID == "" || project == "" {
		c.Logger.Info("fulfilment event publishing disabled")
		return nil, nil
	}
	client, err := pubsub.NewClient(ctx, project)
	if err != nil {
		return nil, fmt.Errorf("build pubsub client: %w", err)
	}
	topic := client.Topic(topicID)
	c.closers = append(c.closers, func(context.Context) error {
		topic.Stop()
		return client.Close()
	})
	publisher, err := jobs.NewPubSubEventPublisher(topic)
	if err != nil {
		return nil, err
	}
	return publisher, nil
}

func (c *Container) buildServices(events services.FulfillmentEventPublisher, options containerOptions) (Services, error) {
	var svc Services
	clock := options.clock
	newID := func() string { return ulid.Make().String() }
	logFor := func(name string) func(ctx context.Context, event string, fields map[string]any) {
		return observability.ServiceLogger(c.Logger.Named(name))
	}

	aggregator, err := services.NewStatusAggregator(services.StatusAggregatorDeps{
		Ledger: c.Ledger,
		Clock:  clock,
		Events: events,
		Logger: logFor("aggregator"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build status aggregator: %w", err)
	}
	svc.Aggregator = aggregator

	delivery, err := services.NewDeliveryService(services.DeliveryServiceDeps{
		Ledger:      c.Ledger,
		Clock:       clock,
		IDGenerator: newID,
		Events:      events,
		Logger:      logFor("delivery"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build delivery service: %w", err)
	}
	svc.Delivery = delivery

	activator, err := services.NewSubscriptionActivator(services.SubscriptionActivatorDeps{
		Ledger:        c.Ledger,
		Provisioner:   options.provisioner,
		LeaseDuration: c.Config.Activation.Lease,
		Clock:         clock,
		IDGenerator:   newID,
		Events:        events,
		Logger:        logFor("activation"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build subscription activator: %w", err)
	}
	svc.Activator = activator

	dispatcher, err := c.activationDispatcher(activator)
	if err != nil {
		return Services{}, err
	}

	paymentsSvc, err := services.NewPaymentService(services.PaymentServiceDeps{
		Ledger:      c.Ledger,
		Activation:  dispatcher,
		Clock:       clock,
		IDGenerator: newID,
		Events:      events,
		Logger:      logFor("payments"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build payment service: %w", err)
	}
	svc.Payments = paymentsSvc

	sweeper, err := services.NewPaymentSweeper(services.PaymentSweeperDeps{
		Ledger:      c.Ledger,
		GraceWindow: c.Config.Sweeper.GraceWindow,
		BatchSize:   c.Config.Sweeper.BatchSize,
		Clock:       clock,
		Events:      events,
		Logger:      logFor("sweeper"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build payment sweeper: %w", err)
	}
	svc.Sweeper = sweeper

	orders, err := services.NewOrderService(services.OrderServiceDeps{
		Ledger:      c.Ledger,
		Clock:       clock,
		IDGenerator: newID,
		Events:      events,
		Logger:      logFor("orders"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order service: %w", err)
	}
	svc.Orders = orders

	importer, err := services.NewSubscriptionImporter(services.SubscriptionImporterDeps{
		Ledger: c.Ledger,
		Clock:  clock,
		Logger: logFor("importer"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build subscription importer: %w", err)
	}
	svc.Importer = importer

	return svc, nil
}

// activationDispatcher runs activations in the caller when the queue is inline, otherwise it
// enqueues an asynq task per transaction.
func (c *Container) activationDispatcher(activator services.SubscriptionActivator) (services.ActivationDispatcher, error) {
	if c.Config.Queue.Inline {
		return services.ActivationDispatcherFunc(func(ctx context.Context, transactionID string) error {
			_, err := activator.Activate(ctx, services.ActivateCommand{TransactionID: transactionID})
			if errors.Is(err, services.ErrAlreadyActivated) {
				return nil
			}
			return err
		}), nil
	}
	client := asynq.NewClient(AsynqRedisOpt(c.Config.Redis))
	c.closers = append(c.closers, func(context.Context) error { return client.Close() })
	dispatcher, err := jobs.NewAsynqActivationDispatcher(client, c.Config.Queue.Name)
	if err != nil {
		return nil, fmt.Errorf("build activation dispatcher: %w", err)
	}
	return dispatcher, nil
}

// WebhookDedupe returns the provider event log selected by API_WEBHOOK_DEDUPE_BACKEND.
func (c *Container) WebhookDedupe() (idempotency.Store, error) {
	if c.Config.Webhooks.DedupeBackend == dedupeBackendRedis {
		if c.Redis == nil {
			return nil, errors.New("webhook dedupe: redis client not configured")
		}
		return idempotency.NewRedisStore(c.Redis, dedupeKeyPrefix)
	}
	return idempotency.NewMemoryStore(c.Config.Webhooks.DedupeCapacity), nil
}

// SystemService builds the readiness reporter over the ledger and, when configured, Redis.
func (c *Container) SystemService(build services.BuildInfo) (services.SystemService, error) {
	checks := []repositories.DependencyCheck{{
		Name:     "ledger",
		Critical: true,
		Check:    c.Ledger.Ping,
	}}
	if c.Redis != nil {
		client := c.Redis
		checks = append(checks, repositories.DependencyCheck{
			Name:    "redis",
			Timeout: time.Second,
			Check: func(ctx context.Context) error {
				return client.Ping(ctx).Err()
			},
		})
	}
	repo, err := repositories.NewDependencyHealthRepository(checks)
	if err != nil {
		return nil, err
	}
	return services.NewSystemService(services.SystemServiceDeps{
		HealthRepository: repo,
		Clock:            time.Now,
		Build:            build,
	})
}

// Close releases resources in reverse acquisition order and returns the first error.
func (c *Container) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}
	var first error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](ctx); err != nil && first == nil {
			first = err
		}
	}
	c.closers = nil
	return first
}

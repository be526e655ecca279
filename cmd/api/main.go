package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/genfity/fulfillment/internal/di"
	"github.com/genfity/fulfillment/internal/handlers"
	"github.com/genfity/fulfillment/internal/payments"
	"github.com/genfity/fulfillment/internal/platform/auth"
	"github.com/genfity/fulfillment/internal/platform/config"
	"github.com/genfity/fulfillment/internal/platform/jobs"
	"github.com/genfity/fulfillment/internal/platform/observability"
	"github.com/genfity/fulfillment/internal/platform/ratelimit"
	"github.com/genfity/fulfillment/internal/platform/requestctx"
)

func main() {
	ctx := context.Background()

	rt, err := di.Bootstrap(ctx, "api")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start api: %v\n", err)
		os.Exit(1)
	}
	defer rt.Close()

	logger := rt.Logger
	cfg := rt.Config
	ctx = requestctx.WithLogger(ctx, logger)

	container, err := di.NewContainer(ctx, cfg, di.WithLogger(logger))
	if err != nil {
		logger.Fatal("failed to initialise dependencies", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := container.Close(closeCtx); err != nil {
			logger.Warn("dependency close error", zap.Error(err))
		}
	}()

	authenticator := buildAuthenticator(ctx, logger.Named("auth"), cfg)

	var stripeVerifier handlers.PaymentEventVerifier
	if secret := strings.TrimSpace(cfg.PSP.StripeWebhookSecret); secret != "" {
		verifier, err := payments.NewStripeWebhookVerifier(secret, payments.WithStripeTolerance(cfg.PSP.StripeTolerance))
		if err != nil {
			logger.Fatal("failed to initialise stripe webhook verifier", zap.Error(err))
		}
		stripeVerifier = verifier
	} else {
		logger.Warn("stripe webhook secret not configured; payment webhooks will answer 503")
	}

	dedupe, err := container.WebhookDedupe()
	if err != nil {
		logger.Fatal("failed to initialise webhook event log", zap.Error(err))
	}

	svc := container.Services
	adminHandlers := handlers.NewAdminFulfillmentHandlers(authenticator, handlers.AdminFulfillmentServices{
		Delivery:   svc.Delivery,
		Activator:  svc.Activator,
		Payments:   svc.Payments,
		Aggregator: svc.Aggregator,
		Orders:     svc.Orders,
	})
	webhookHandlers := handlers.NewPaymentWebhookHandlers(stripeVerifier, svc.Payments,
		handlers.WithWebhookDedupe(dedupe, cfg.Webhooks.DedupeTTL),
		handlers.WithWebhookObserver(container.Metrics),
	)
	// Scheduler-issued OIDC tokens replace Firebase roles on /internal when an audience is set.
	internalAuthn := authenticator
	var internalMiddlewares []func(http.Handler) http.Handler
	if serviceAuth := buildServiceTokenMiddleware(logger.Named("auth"), cfg, container.Metrics); serviceAuth != nil {
		internalMiddlewares = append(internalMiddlewares, serviceAuth)
		internalAuthn = nil
	}
	sweepHandlers := handlers.NewInternalSweepHandlers(internalAuthn, svc.Sweeper, container.Metrics, time.Now)

	systemService, err := container.SystemService(rt.BuildInfo())
	if err != nil {
		logger.Warn("health: system service init failed", zap.Error(err))
	}
	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(rt.BuildInfo()),
		handlers.WithHealthSystemService(systemService),
	)

	webhookLimiter := ratelimit.NewPerMinute(cfg.RateLimits.WebhookPerMinute, cfg.RateLimits.WebhookBurst, cfg.RateLimits.LimiterCapacity)

	projectID := traceProjectID(cfg)
	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger.Named("http")),
		observability.TraceMiddleware(projectID),
		observability.RecoveryMiddleware(logger.Named("http")),
		observability.RequestLoggerMiddleware(),
		container.Metrics.Middleware,
	}

	router := handlers.NewRouter(
		handlers.WithMiddlewares(middlewares...),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithMetricsHandler(container.Metrics.Handler()),
		handlers.WithAdminRoutes(adminHandlers.Routes),
		handlers.WithWebhookRoutes(webhookHandlers.Routes),
		handlers.WithWebhookMiddlewares(ratelimit.Middleware(webhookLimiter)),
		handlers.WithInternalRoutes(sweepHandlers.Routes),
		handlers.WithInternalMiddlewares(internalMiddlewares...),
	)
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	sweepCtx, stopSweeps := context.WithCancel(ctx)
	var sweepWG sync.WaitGroup
	if cfg.Sweeper.Mode == config.SweeperModeTicker {
		sweeper := jobs.PeriodicSweeper{
			Sweeper:  svc.Sweeper,
			Interval: cfg.Sweeper.Interval,
			Observer: container.Metrics,
			Logger:   logger.Named("sweeper"),
		}
		sweepWG.Add(1)
		go func() {
			defer sweepWG.Done()
			if err := sweeper.Run(sweepCtx); err != nil {
				logger.Error("periodic sweeper stopped", zap.Error(err))
			}
		}()
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("fulfillment api listening",
			zap.String("ledger", cfg.Ledger.Driver),
			zap.Bool("inlineActivation", cfg.Queue.Inline),
			zap.String("sweeperMode", cfg.Sweeper.Mode),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	stopSweeps()
	sweepWG.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

// buildAuthenticator returns nil only for local runs without a Firebase project, which leaves the
// admin and internal routes open.
func buildAuthenticator(ctx context.Context, logger *zap.Logger, cfg config.Config) *auth.Authenticator {
	if strings.TrimSpace(cfg.Firebase.ProjectID) == "" {
		if !cfg.IsLocal() {
			logger.Fatal("firebase project id is required outside the local environment")
		}
		logger.Warn("auth disabled: no firebase project configured")
		return nil
	}
	verifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase)
	if err != nil {
		logger.Fatal("failed to initialise firebase verifier", zap.Error(err))
	}
	return auth.NewAuthenticator(verifier)
}

// buildServiceTokenMiddleware returns nil when no internal audience is configured.
func buildServiceTokenMiddleware(logger *zap.Logger, cfg config.Config, observer auth.VerificationObserver) func(http.Handler) http.Handler {
	if !cfg.Internal.OIDCEnabled() {
		return nil
	}
	if len(cfg.Internal.ServiceAccounts) == 0 {
		logger.Warn("auth: no internal service accounts configured; any Google-signed token for the audience is accepted")
	}
	keys := auth.NewJWKSCache(cfg.Internal.JWKSURL, auth.WithJWKSLogger(logger))
	verifier := auth.NewServiceVerifier(keys, cfg.Internal.Audience,
		auth.WithIssuers(cfg.Internal.Issuers...),
		auth.WithServiceAccounts(cfg.Internal.ServiceAccounts...),
		auth.WithVerificationObserver(observer),
		auth.WithServiceLogger(logger),
	)
	return verifier.RequireServiceToken()
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firebase.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firestore.ProjectID)
}

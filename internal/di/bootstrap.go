package di

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/genfity/fulfillment/internal/platform/config"
	"github.com/genfity/fulfillment/internal/platform/observability"
	"github.com/genfity/fulfillment/internal/platform/secrets"
	"github.com/genfity/fulfillment/internal/services"
)

// Runtime is the starting point shared by every binary.
type Runtime struct {
	Logger    *zap.Logger
	Config    config.Config
	Env       map[string]string
	Secrets   *secrets.Fetcher
	StartedAt time.Time
}

// Bootstrap builds the logger, the secret fetcher and then the configuration whose secret://
// references the fetcher resolves.
func Bootstrap(ctx context.Context, name string, opts ...config.Option) (*Runtime, error) {
	startedAt := time.Now().UTC()
	env, err := config.EnvironmentValues(opts...)
	if err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}

	base, err := observability.NewLogger(env["LOG_LEVEL"])
	if err != nil {
		return nil, fmt.Errorf("initialise logger: %w", err)
	}
	logger := base.Named(name)

	fetcher, err := newSecretFetcher(ctx, logger, env)
	if err != nil {
		_ = logger.Sync()
		return nil, fmt.Errorf("build secret fetcher: %w", err)
	}

	loadOpts := append([]config.Option{config.WithSecretResolver(fetcher)}, opts...)
	cfg, err := config.Load(ctx, loadOpts...)
	if err != nil {
		var invalid *config.ValidationError
		if errors.As(err, &invalid) {
			logger.Error("invalid configuration", zap.Strings("fields", invalid.Fields()))
		}
		_ = fetcher.Close()
		_ = logger.Sync()
		return nil, err
	}

	return &Runtime{
		Logger:    logger,
		Config:    cfg,
		Env:       env,
		Secrets:   fetcher,
		StartedAt: startedAt,
	}, nil
}

// BuildInfo reports the build metadata injected through the environment.
func (r *Runtime) BuildInfo() services.BuildInfo {
	version := strings.TrimSpace(r.Env["API_BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(r.Env["API_BUILD_COMMIT_SHA"])
	if commit == "" {
		commit = "unknown"
	}
	return services.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: r.Config.Environment,
		StartedAt:   r.StartedAt,
	}
}

// Close releases the secret fetcher and flushes the logger.
func (r *Runtime) Close() {
	if r == nil {
		return
	}
	if err := r.Secrets.Close(); err != nil {
		r.Logger.Warn("secret fetcher close error", zap.Error(err))
	}
	_ = r.Logger.Sync()
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(keys ...string) string {
		for _, key := range keys {
			if value := strings.TrimSpace(env[key]); value != "" {
				return value
			}
		}
		return ""
	}

	opts := []secrets.Option{secrets.WithLogger(logger.Named("secrets"))}
	if project := lookup("API_SECRETS_PROJECT_ID", "API_FIRESTORE_PROJECT_ID", "API_FIREBASE_PROJECT_ID"); project != "" {
		opts = append(opts, secrets.WithProject(project))
	}
	if path := lookup("API_SECRET_FALLBACK_FILE"); path != "" {
		opts = append(opts, secrets.WithFallbackFile(path))
	}
	if credentials := lookup("API_FIREBASE_CREDENTIALS_FILE"); credentials != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentials)))
	}
	return secrets.NewFetcher(ctx, opts...)
}

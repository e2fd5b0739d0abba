package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/redis/go-redis/v9"

	"github.com/felipepmaragno/photo-router/internal/api"
	"github.com/felipepmaragno/photo-router/internal/auth"
	"github.com/felipepmaragno/photo-router/internal/budget"
	"github.com/felipepmaragno/photo-router/internal/cache"
	"github.com/felipepmaragno/photo-router/internal/circuitbreaker"
	"github.com/felipepmaragno/photo-router/internal/config"
	"github.com/felipepmaragno/photo-router/internal/crypto"
	"github.com/felipepmaragno/photo-router/internal/ledger"
	"github.com/felipepmaragno/photo-router/internal/metrics"
	"github.com/felipepmaragno/photo-router/internal/notifications"
	"github.com/felipepmaragno/photo-router/internal/provider"
	"github.com/felipepmaragno/photo-router/internal/queue"
	"github.com/felipepmaragno/photo-router/internal/ratelimit"
	"github.com/felipepmaragno/photo-router/internal/repository"
	"github.com/felipepmaragno/photo-router/internal/router"
	"github.com/felipepmaragno/photo-router/internal/scorer"
	"github.com/felipepmaragno/photo-router/internal/secrets"
	"github.com/felipepmaragno/photo-router/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.LogLevel)

	if err := run(cfg); err != nil {
		slog.Error("photo router stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	slog.Info("starting photo router", "addr", cfg.Addr, "version", api.Version)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, "photo-router", cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	metrics.InitInstanceMetrics(os.Getenv("POD_NAME"), os.Getenv("POD_NAMESPACE"), api.Version)

	routingMgr, err := config.NewRoutingManager(cfg.RoutingConfigPath)
	if err != nil {
		return fmt.Errorf("load routing config: %w", err)
	}
	routing := routingMgr.Current()

	var awsCfg *aws.Config
	var secretStore secrets.SecretStore
	if cfg.AWSRegion != "" {
		c, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
		if err != nil {
			return fmt.Errorf("load AWS config: %w", err)
		}
		awsCfg = &c
		secretStore = secrets.NewAWSSecretsManagerWithConfig(c)
		slog.Info("AWS integrations enabled", "region", cfg.AWSRegion)
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		slog.Info("connected to redis")
	}

	var db *sql.DB
	if cfg.DatabaseURL != "" {
		db, err = repository.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := repository.Migrate(ctx, db); err != nil {
			return err
		}
		slog.Info("connected to postgres")
	}

	// Accounts and usage.
	var accounts repository.AccountRepository
	var usageStore ledger.Store
	switch {
	case db != nil:
		accounts = repository.NewPostgresAccountRepository(db)
		usageStore = repository.NewPostgresUsageStore(db)
		slog.Info("using postgres accounts and usage store")
	case redisClient != nil:
		accounts = repository.NewInMemoryAccountRepository()
		usageStore = ledger.NewRedisStore(redisClient)
		slog.Info("using in-memory accounts and redis usage store")
	default:
		accounts = repository.NewInMemoryAccountRepository()
		usageStore = ledger.NewInMemoryStore()
		slog.Warn("using in-memory accounts and usage store, credits reset on restart")
	}

	period, err := ledger.ParsePeriod(routing.Period)
	if err != nil {
		return fmt.Errorf("routing config: %w", err)
	}
	usage := ledger.New(usageStore, capacities(routing),
		ledger.WithPeriod(period),
		ledger.WithLocker(ledgerLocker(cfg, redisClient, db != nil || redisClient != nil)),
	)

	// Frame scoring.
	var scoreCache scorer.Cache
	if redisClient != nil {
		scoreCache = cache.NewRedisScoreCache(redisClient, cfg.ScoreCacheTTL)
	} else {
		c, err := cache.NewInMemoryScoreCache(cfg.ScoreCacheSize, cfg.ScoreCacheTTL)
		if err != nil {
			return fmt.Errorf("create score cache: %w", err)
		}
		defer c.Close()
		scoreCache = c
	}
	frameScorer := scorer.New(weights(routing), scorer.WithCache(scoreCache), scorer.WithMaxPixels(routing.MaxImagePixels))

	// Providers.
	deps, err := resolveProviderDeps(ctx, cfg, secretStore)
	if err != nil {
		return err
	}
	deps.aws = awsCfg
	regs, err := buildRegistrations(routing, deps)
	if err != nil {
		return err
	}
	registered := registeredIDs(regs)
	registry, err := provider.NewRegistry(regs, routingTable(routing, registered))
	if err != nil {
		return fmt.Errorf("build provider registry: %w", err)
	}

	var breakerOpts []circuitbreaker.ManagerOption
	if cfg.UseDistributedCircuitBreaker && redisClient != nil {
		breakerOpts = append(breakerOpts, circuitbreaker.WithRedisClient(redisClient))
		slog.Info("using distributed circuit breakers")
	}
	breakers := circuitbreaker.NewManager(circuitbreaker.DefaultConfig(), breakerOpts...)

	engine := router.New(registry, usage, frameScorer,
		router.WithSettings(settings(routing)),
		router.WithBreakers(breakers),
	)

	// Credit alerts.
	var dedup budget.AlertDeduplicator = budget.NewInMemoryDeduplicator()
	if redisClient != nil {
		dedup = budget.NewRedisDeduplicator(redisClient, cfg.AlertDedupTTL)
	}
	monitor := budget.NewMonitor(usage, budget.DefaultThresholds(), budget.WithDeduplicator(dedup))
	monitor.OnAlert(budget.LogAlertHandler)
	if cfg.SNSTopicArn != "" && awsCfg != nil {
		notifier := notifications.NewSNSNotifierWithConfig(*awsCfg, cfg.SNSTopicArn)
		monitor.OnAlert(notifications.AlertHandler(notifier))
		breakers.OnStateChange(notifications.ProviderHandler(notifier))
		slog.Info("SNS notifications enabled", "topic", cfg.SNSTopicArn)
	}
	engine.OnEvent(monitor.HandleEvent)

	// Routing hot reload.
	live := &liveRouting{
		registry:   registry,
		registered: registered,
		ledger:     usage,
		scorer:     frameScorer,
		engine:     engine,
	}
	routingMgr.SetCheck(live.check)
	routingMgr.OnChange(live.apply)
	if cfg.WatchRouting {
		if err := routingMgr.Watch(ctx); err != nil {
			return err
		}
		slog.Info("watching routing config", "path", cfg.RoutingConfigPath)
	}

	var rateLimiter ratelimit.RateLimiter
	if redisClient != nil {
		rateLimiter = ratelimit.NewRedisRateLimiter(redisClient)
		slog.Info("using redis rate limiter")
	} else {
		rateLimiter = ratelimit.NewInMemoryRateLimiter()
		slog.Info("using in-memory rate limiter")
	}

	var checkers []api.HealthChecker
	if redisClient != nil {
		checkers = append(checkers, api.NewRedisHealthChecker(redisClient))
	}
	if db != nil {
		checkers = append(checkers, api.NewPostgresHealthChecker(db))
	}

	guard, err := setupAdminAuth(ctx, cfg, db)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/admin/", api.NewAdminHandler(accounts, usage, guard))
	mux.Handle("/", api.NewHandler(api.HandlerConfig{
		AccountRepo: accounts,
		RateLimiter: rateLimiter,
		Engine:      engine,
		Providers:   registry,
		Breakers:    breakers,
		Checkers:    checkers,
	}))

	workerDone, err := startWorker(ctx, cfg, awsCfg, secretStore, engine)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
	}

	slog.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	select {
	case <-workerDone:
	case <-shutdownCtx.Done():
		slog.Warn("queue worker did not stop before shutdown timeout")
	}

	if err := shutdownTracing(shutdownCtx); err != nil {
		slog.Error("failed to flush traces", "error", err)
	}

	slog.Info("server stopped")
	return nil
}

// resolveProviderDeps reads the OpenAI key from the environment or, failing
// that, from the configured secret.
func resolveProviderDeps(ctx context.Context, cfg *config.Config, store secrets.SecretStore) (providerDeps, error) {
	deps := providerDeps{
		openAIKey:     cfg.OpenAIAPIKey,
		openAIBaseURL: cfg.OpenAIBaseURL,
	}
	if deps.openAIKey != "" || cfg.OpenAISecretName == "" || store == nil {
		return deps, nil
	}

	creds, err := secrets.ProviderCredentials(ctx, store, cfg.OpenAISecretName)
	if err != nil {
		return deps, fmt.Errorf("load OpenAI credentials: %w", err)
	}
	deps.openAIKey = creds.APIKey
	if creds.BaseURL != "" {
		deps.openAIBaseURL = creds.BaseURL
	}
	slog.Info("loaded OpenAI credentials from secrets manager", "secret", cfg.OpenAISecretName)
	return deps, nil
}

func setupAdminAuth(ctx context.Context, cfg *config.Config, db *sql.DB) (*auth.Guard, error) {
	if !cfg.AdminAuthEnabled {
		slog.Warn("admin API authentication disabled")
		return nil, nil
	}

	var users auth.AdminUserRepository
	if db != nil {
		users = auth.NewPostgresAdminUserRepository(db)
	} else {
		users = auth.NewInMemoryAdminUserRepository()
	}
	if err := auth.Bootstrap(ctx, users, cfg.AdminUsername, cfg.AdminPassword); err != nil {
		return nil, fmt.Errorf("bootstrap admin user: %w", err)
	}

	slog.Info("admin API authentication enabled")
	return auth.NewGuard(auth.NewAuthenticator(users)), nil
}

// startWorker runs the queue worker until ctx ends. The returned channel is
// closed once the worker has stopped, or immediately when no queue is set.
func startWorker(ctx context.Context, cfg *config.Config, awsCfg *aws.Config, store secrets.SecretStore, engine *router.Engine) (<-chan struct{}, error) {
	done := make(chan struct{})
	if cfg.SQSRequestQueueURL == "" || awsCfg == nil {
		close(done)
		return done, nil
	}

	key, err := secrets.Resolve(ctx, store, cfg.EncryptionKey, cfg.EncryptionKeySecret)
	if err != nil {
		return nil, fmt.Errorf("load encryption key: %w", err)
	}

	var opts []queue.Option
	if key != "" {
		sealer, err := crypto.NewSealer(key)
		if err != nil {
			return nil, fmt.Errorf("create sealer: %w", err)
		}
		opts = append(opts, queue.WithSealer(sealer))
		slog.Info("queue payload encryption enabled")
	}

	q := queue.NewSQSQueueWithConfig(*awsCfg, cfg.SQSRequestQueueURL, cfg.SQSResponseQueueURL, opts...)
	worker := queue.NewWorker(q, engine, cfg.WorkerConcurrency)

	go func() {
		defer close(done)
		if err := worker.Run(ctx); err != nil {
			slog.Error("queue worker error", "error", err)
		}
	}()
	slog.Info("queue worker started", "queue", cfg.SQSRequestQueueURL, "concurrency", cfg.WorkerConcurrency)
	return done, nil
}

func setupLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}

// Package di assembles the keygate process graph.
package di

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/sandeepkv93/keygate/internal/app"
	"github.com/sandeepkv93/keygate/internal/config"
	"github.com/sandeepkv93/keygate/internal/database"
	"github.com/sandeepkv93/keygate/internal/domain"
	"github.com/sandeepkv93/keygate/internal/health"
	"github.com/sandeepkv93/keygate/internal/http/handler"
	"github.com/sandeepkv93/keygate/internal/http/middleware"
	"github.com/sandeepkv93/keygate/internal/http/router"
	"github.com/sandeepkv93/keygate/internal/lifecycle"
	"github.com/sandeepkv93/keygate/internal/observability"
	"github.com/sandeepkv93/keygate/internal/provider"
	"github.com/sandeepkv93/keygate/internal/repository"
	"github.com/sandeepkv93/keygate/internal/security"
	"github.com/sandeepkv93/keygate/internal/service"
	"github.com/sandeepkv93/keygate/internal/webhook"

	sdklog "go.opentelemetry.io/otel/sdk/log"
)

type logging struct {
	logger   *slog.Logger
	provider *sdklog.LoggerProvider
}

func provideLogging(ctx context.Context, cfg *config.Config) (*logging, error) {
	logger, lp, err := observability.InitLogging(ctx, cfg)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	return &logging{logger: logger, provider: lp}, nil
}

func provideLogger(l *logging) *slog.Logger { return l.logger }

func provideObservability(ctx context.Context, cfg *config.Config, l *logging) (*observability.Runtime, error) {
	return observability.InitRuntime(ctx, cfg, l.logger, l.provider)
}

func provideDatabase(cfg *config.Config) (*gorm.DB, error) {
	db, err := database.Open(cfg)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

func provideRedis(ctx context.Context, cfg *config.Config) (redis.UniversalClient, error) {
	return database.OpenRedis(ctx, cfg)
}

func provideNegativeCache(cfg *config.Config, client redis.UniversalClient) service.NegativeLookupCacheStore {
	if client == nil {
		return service.NewInMemoryNegativeLookupCacheStore()
	}
	return service.NewRedisNegativeLookupCacheStore(client, cfg.RedisKeyPrefix+":negative")
}

func provideProjectionCache(cfg *config.Config, client redis.UniversalClient) service.ProjectionCacheStore {
	if client == nil {
		return service.NewInMemoryProjectionCacheStore()
	}
	return service.NewRedisProjectionCacheStore(client, cfg.RedisKeyPrefix+":projection")
}

func provideDispatcher(cfg *config.Config, logger *slog.Logger) *webhook.Dispatcher {
	return webhook.NewDispatcher(webhook.DispatcherConfig{
		Buffer:  cfg.WebhookBuffer,
		Workers: cfg.WebhookWorkers,
		Timeout: cfg.WebhookTimeout,
	}, webhook.NewHTTPSink(cfg.WebhookTimeout), logger)
}

func provideEmitter(d *webhook.Dispatcher) service.EventEmitter { return d }

func provideVerifiers(cfg *config.Config) map[domain.Provider]provider.Verifier {
	return map[domain.Provider]provider.Verifier{
		domain.ProviderLinkvertise: provider.NewLinkvertiseVerifier(cfg.LinkvertiseVerifyURL, cfg.UpstreamTimeout),
	}
}

func provideKeyIssuer(keys repository.KeyRepository, negative service.NegativeLookupCacheStore, cfg *config.Config) *service.KeyIssuer {
	return service.NewKeyIssuer(keys, negative, cfg.NegativeCacheTTL)
}

func provideSessionTokenIssuer(sessions repository.SessionRepository, cfg *config.Config) *service.SessionTokenIssuer {
	return service.NewSessionTokenIssuer(sessions, cfg.SessionTokenTTL)
}

func provideKeysystemService(
	keysystems repository.KeysystemRepository,
	registry *service.CheckpointRegistry,
	keys *service.KeyIssuer,
	projections service.ProjectionCacheStore,
	negative service.NegativeLookupCacheStore,
	cfg *config.Config,
) *service.KeysystemService {
	return service.NewKeysystemService(keysystems, registry, keys, projections, negative, cfg.PublicCacheTTL, cfg.NegativeCacheTTL)
}

func provideCheckpointMachine(
	cfg *config.Config,
	logger *slog.Logger,
	keysystems repository.KeysystemRepository,
	sessions repository.SessionRepository,
	broker *service.CallbackBroker,
	tokens *service.SessionTokenIssuer,
	detector *service.BypassDetector,
	keys *service.KeyIssuer,
	verifiers map[domain.Provider]provider.Verifier,
	emitter service.EventEmitter,
) *service.CheckpointMachine {
	return service.NewCheckpointMachine(service.CheckpointMachineDeps{
		Keysystems:      keysystems,
		Sessions:        sessions,
		Broker:          broker,
		Tokens:          tokens,
		Detector:        detector,
		Keys:            keys,
		Verifiers:       verifiers,
		Emitter:         emitter,
		CallbackBaseURL: cfg.CallbackBaseURL,
		Logger:          logger,
	})
}

func provideCleanupService(keys repository.KeyRepository, sessions repository.SessionRepository, cfg *config.Config, logger *slog.Logger) *service.CleanupService {
	return service.NewCleanupService(keys, sessions, cfg.SessionIdleTTL, logger)
}

func provideFingerprinter(cfg *config.Config) *security.Fingerprinter {
	return security.NewFingerprinter(cfg.FingerprintPepper)
}

func provideOwnerTokens(cfg *config.Config) *security.OwnerTokenManager {
	return security.NewOwnerTokenManager(cfg.JWTIssuer, cfg.JWTAudience, cfg.JWTSecret)
}

func provideServing() *lifecycle.Lifecycle { return lifecycle.New("http") }

func provideReadiness(db *gorm.DB, client redis.UniversalClient, serving *lifecycle.Lifecycle) *health.ProbeRunner {
	checkers := []health.Checker{health.DatabaseChecker(db), health.LifecycleChecker(serving)}
	if client != nil {
		checkers = append(checkers, health.RedisChecker(client))
	}
	return health.NewProbeRunner(2*time.Second, time.Second, checkers...)
}

// rateLimiter keeps limits in redis when it is enabled so replicas share them.
func rateLimiter(cfg *config.Config, client redis.UniversalClient, rpm int, scope string) func(http.Handler) http.Handler {
	if client == nil {
		return middleware.NewRateLimiter(rpm, time.Minute, scope, middleware.OwnerOrIPKey).Middleware()
	}
	mode := middleware.FailClosed
	if cfg.RateLimitFailOpen {
		mode = middleware.FailOpen
	}
	limiter := middleware.NewRedisFixedWindowLimiter(client, cfg.RedisKeyPrefix+":rl")
	return middleware.NewDistributedRateLimiter(limiter, rpm, time.Minute, mode, scope, middleware.OwnerOrIPKey).Middleware()
}

func provideRouter(
	cfg *config.Config,
	client redis.UniversalClient,
	visitor *handler.VisitorHandler,
	owner *handler.OwnerHandler,
	tokens *security.OwnerTokenManager,
	readiness *health.ProbeRunner,
) http.Handler {
	return router.NewRouter(router.Dependencies{
		VisitorHandler:      visitor,
		OwnerHandler:        owner,
		OwnerTokens:         tokens,
		CORSOrigins:         cfg.CORSOrigins,
		BodyLimitBytes:      cfg.BodyLimitBytes,
		APIRateLimitRPM:     cfg.APIRateLimitRPM,
		VisitorRateLimitRPM: cfg.VisitorRateLimitRPM,
		OwnerRateLimitRPM:   cfg.OwnerRateLimitRPM,
		GlobalRateLimiter:   rateLimiter(cfg, client, cfg.APIRateLimitRPM, "api"),
		VisitorRateLimiter:  rateLimiter(cfg, client, cfg.VisitorRateLimitRPM, "visitor"),
		OwnerRateLimiter:    rateLimiter(cfg, client, cfg.OwnerRateLimitRPM, "owner"),
		Readiness:           readiness,
		EnableOTelHTTP:      cfg.OTELTracingEnabled || cfg.OTELMetricsEnabled,
	})
}

func provideHTTPServer(cfg *config.Config, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

func provideApp(
	cfg *config.Config,
	logger *slog.Logger,
	server *http.Server,
	runtime *observability.Runtime,
	dispatcher *webhook.Dispatcher,
	cleanup *service.CleanupService,
	readiness *health.ProbeRunner,
	serving *lifecycle.Lifecycle,
	db *gorm.DB,
	client redis.UniversalClient,
) *app.App {
	stop := func() {
		if client != nil {
			if err := client.Close(); err != nil {
				logger.Warn("redis close failed", "error", err)
			}
		}
		if sqlDB, err := db.DB(); err == nil {
			if err := sqlDB.Close(); err != nil {
				logger.Warn("database close failed", "error", err)
			}
		}
	}
	return app.New(cfg, logger, server, runtime, dispatcher, cleanup, readiness, serving, stop)
}

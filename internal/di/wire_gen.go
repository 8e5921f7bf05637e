//go:generate go run -mod=mod github.com/google/wire/cmd/wire
//go:build !wireinject
// +build !wireinject

// Injector bodies below are maintained by hand to match the provider sets in
// wire.go. Running go generate replaces this file with wire's output.

package di

import (
	"context"

	"github.com/sandeepkv93/keygate/internal/app"
	"github.com/sandeepkv93/keygate/internal/config"
	"github.com/sandeepkv93/keygate/internal/http/handler"
	"github.com/sandeepkv93/keygate/internal/repository"
	"github.com/sandeepkv93/keygate/internal/service"
)

// Injectors mirroring wire.go:

func InitializeApp(ctx context.Context, cfg *config.Config) (*app.App, error) {
	diLogging, err := provideLogging(ctx, cfg)
	if err != nil {
		return nil, err
	}
	logger := provideLogger(diLogging)
	runtime, err := provideObservability(ctx, cfg, diLogging)
	if err != nil {
		return nil, err
	}
	db, err := provideDatabase(cfg)
	if err != nil {
		return nil, err
	}
	universalClient, err := provideRedis(ctx, cfg)
	if err != nil {
		return nil, err
	}
	keysystemRepository := repository.NewKeysystemRepository(db)
	sessionRepository := repository.NewSessionRepository(db)
	callbackRepository := repository.NewCallbackRepository(db)
	keyRepository := repository.NewKeyRepository(db)
	negativeLookupCacheStore := provideNegativeCache(cfg, universalClient)
	projectionCacheStore := provideProjectionCache(cfg, universalClient)
	checkpointRegistry := service.NewCheckpointRegistry(keysystemRepository)
	keyIssuer := provideKeyIssuer(keyRepository, negativeLookupCacheStore, cfg)
	keysystemService := provideKeysystemService(keysystemRepository, checkpointRegistry, keyIssuer, projectionCacheStore, negativeLookupCacheStore, cfg)
	callbackBroker := service.NewCallbackBroker(callbackRepository, keysystemRepository)
	sessionTokenIssuer := provideSessionTokenIssuer(sessionRepository, cfg)
	dispatcher := provideDispatcher(cfg, logger)
	eventEmitter := provideEmitter(dispatcher)
	bypassDetector := service.NewBypassDetector(eventEmitter, logger)
	v := provideVerifiers(cfg)
	checkpointMachine := provideCheckpointMachine(cfg, logger, keysystemRepository, sessionRepository, callbackBroker, sessionTokenIssuer, bypassDetector, keyIssuer, v, eventEmitter)
	fingerprinter := provideFingerprinter(cfg)
	visitorHandler := handler.NewVisitorHandler(keysystemService, checkpointMachine, keyIssuer, fingerprinter)
	ownerHandler := handler.NewOwnerHandler(keysystemService)
	ownerTokenManager := provideOwnerTokens(cfg)
	lifecycle := provideServing()
	probeRunner := provideReadiness(db, universalClient, lifecycle)
	httpHandler := provideRouter(cfg, universalClient, visitorHandler, ownerHandler, ownerTokenManager, probeRunner)
	server := provideHTTPServer(cfg, httpHandler)
	cleanupService := provideCleanupService(keyRepository, sessionRepository, cfg, logger)
	appApp := provideApp(cfg, logger, server, runtime, dispatcher, cleanupService, probeRunner, lifecycle, db, universalClient)
	return appApp, nil
}

//go:build wireinject

package di

import (
	"context"

	"github.com/google/wire"

	"github.com/sandeepkv93/keygate/internal/app"
	"github.com/sandeepkv93/keygate/internal/config"
	"github.com/sandeepkv93/keygate/internal/http/handler"
	"github.com/sandeepkv93/keygate/internal/repository"
	"github.com/sandeepkv93/keygate/internal/service"
)

var infraSet = wire.NewSet(
	provideLogging,
	provideLogger,
	provideObservability,
	provideDatabase,
	provideRedis,
	provideServing,
	provideReadiness,
)

var repositorySet = wire.NewSet(
	repository.NewKeysystemRepository,
	repository.NewSessionRepository,
	repository.NewCallbackRepository,
	repository.NewKeyRepository,
)

var serviceSet = wire.NewSet(
	provideNegativeCache,
	provideProjectionCache,
	provideDispatcher,
	provideEmitter,
	provideVerifiers,
	provideKeyIssuer,
	provideSessionTokenIssuer,
	provideKeysystemService,
	provideCheckpointMachine,
	provideCleanupService,
	service.NewCheckpointRegistry,
	service.NewCallbackBroker,
	service.NewBypassDetector,
)

var httpSet = wire.NewSet(
	provideFingerprinter,
	provideOwnerTokens,
	handler.NewVisitorHandler,
	handler.NewOwnerHandler,
	provideRouter,
	provideHTTPServer,
)

func InitializeApp(ctx context.Context, cfg *config.Config) (*app.App, error) {
	wire.Build(infraSet, repositorySet, serviceSet, httpSet, provideApp)
	return nil, nil
}

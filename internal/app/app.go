package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sandeepkv93/keygate/internal/config"
	"github.com/sandeepkv93/keygate/internal/health"
	"github.com/sandeepkv93/keygate/internal/lifecycle"
	"github.com/sandeepkv93/keygate/internal/observability"
	"github.com/sandeepkv93/keygate/internal/service"
	"github.com/sandeepkv93/keygate/internal/webhook"
)

type App struct {
	Config        *config.Config
	Logger        *slog.Logger
	Server        *http.Server
	Observability *observability.Runtime
	Dispatcher    *webhook.Dispatcher
	Cleanup       *service.CleanupService
	Readiness     *health.ProbeRunner
	// Serving is marked ready once the listener is bound.
	Serving *lifecycle.Lifecycle

	ShutdownTimeout              time.Duration
	ShutdownHTTPDrainTimeout     time.Duration
	ShutdownObservabilityTimeout time.Duration

	stopBackground func()
}

func New(
	cfg *config.Config,
	logger *slog.Logger,
	server *http.Server,
	runtime *observability.Runtime,
	dispatcher *webhook.Dispatcher,
	cleanup *service.CleanupService,
	readiness *health.ProbeRunner,
	serving *lifecycle.Lifecycle,
	stop func(),
) *App {
	if stop == nil {
		stop = func() {}
	}
	if serving == nil {
		serving = lifecycle.New("http")
	}
	return &App{
		Config:                       cfg,
		Logger:                       logger,
		Server:                       server,
		Observability:                runtime,
		Dispatcher:                   dispatcher,
		Cleanup:                      cleanup,
		Readiness:                    readiness,
		Serving:                      serving,
		ShutdownTimeout:              cfg.ShutdownTimeout,
		ShutdownHTTPDrainTimeout:     cfg.ShutdownHTTPDrainTimeout,
		ShutdownObservabilityTimeout: cfg.ShutdownObservabilityTimeout,
		stopBackground:               stop,
	}
}

// StopBackgroundTasks releases resources the container opened (db, redis).
func (a *App) StopBackgroundTasks() {
	a.stopBackground()
}

// Run serves HTTP and the cleanup loop until ctx is cancelled, then shuts
// everything down in order: http drain, cleanup, webhooks, telemetry.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.Server.Addr, err)
	}
	return a.serve(ctx, ln)
}

func (a *App) serve(ctx context.Context, ln net.Listener) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		a.Logger.Info("http server listening", "addr", ln.Addr().String())
		a.Serving.MarkReady()
		if err := a.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http serve: %w", err)
		}
		return nil
	})
	if a.Cleanup != nil {
		g.Go(func() error {
			return a.Cleanup.Run(gctx, a.Config.CleanupInterval)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return a.shutdown()
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *App) shutdown() error {
	var errs []error

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), a.ShutdownHTTPDrainTimeout)
	defer cancelDrain()
	a.Logger.Info("http server draining", "timeout", a.ShutdownHTTPDrainTimeout.String())
	if err := a.Server.Shutdown(drainCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}

	if a.Dispatcher != nil {
		a.Dispatcher.Close()
		a.Logger.Info("webhook dispatcher closed",
			"delivered", a.Dispatcher.Delivered(),
			"failed", a.Dispatcher.Failed(),
			"dropped", a.Dispatcher.Dropped())
	}
	a.StopBackgroundTasks()

	obsCtx, cancelObs := context.WithTimeout(context.Background(), a.ShutdownObservabilityTimeout)
	defer cancelObs()
	if err := a.Observability.Shutdown(obsCtx); err != nil {
		errs = append(errs, fmt.Errorf("observability shutdown: %w", err))
	}
	return errors.Join(errs...)
}

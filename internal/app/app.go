// Package app owns the application lifecycle: it wires the engine, its
// collaborators and the optional subsystems together, starts the goroutines
// and tears everything down in reverse order on shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/quantfold/chainbot/internal/config"
	"github.com/quantfold/chainbot/internal/server"
	"github.com/quantfold/chainbot/internal/server/handler"
	"github.com/quantfold/chainbot/internal/server/ws"
)

// serverShutdownTimeout bounds the graceful drain of in-flight requests.
const serverShutdownTimeout = 5 * time.Second

// App is the root application object.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()
}

// New creates an App from the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Run wires all dependencies, starts the engine, the archiver and the API
// server, and blocks until ctx is cancelled. Cleanup runs on return.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting",
		slog.String("log_level", a.cfg.LogLevel),
		slog.Bool("dry_run", a.cfg.Engine.DryRun),
		slog.Any("chains", a.cfg.Engine.EnabledChains()),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)
	defer a.Close()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return ignoreCancel(deps.Engine.Run(ctx))
	})

	if deps.Archiver != nil {
		g.Go(func() error {
			return ignoreCancel(deps.Archiver.RunLoop(ctx, a.cfg.S3.ArchiveInterval.Duration))
		})
	}

	if a.cfg.Server.Enabled {
		a.startServer(ctx, g, deps)
	}

	return g.Wait()
}

// startServer adds the API server and the websocket hub to the errgroup.
func (a *App) startServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	hub := ws.NewHub(deps.Engine.GetStatus, a.logger)
	detach := hub.Attach(deps.Bus)
	a.closers = append(a.closers, detach)

	g.Go(func() error {
		return ignoreCancel(hub.Run(ctx))
	})

	srv := server.New(
		server.Config{
			Port:        a.cfg.Server.Port,
			APIKey:      a.cfg.Server.APIKey,
			CORSOrigins: a.cfg.Server.CORSOrigins,
		},
		server.Handlers{
			Health: handler.NewHealthHandler(deps.Health),
			Engine: handler.NewEngineHandler(deps.Engine, a.logger),
			Trades: handler.NewTradeHandler(deps.Engine, deps.TradeStore, a.logger),
		},
		hub,
		a.logger,
	)

	g.Go(srv.Start)

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

// Close tears down all resources in reverse registration order. Safe to call
// multiple times.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// ignoreCancel maps context cancellation to a clean exit so an operator
// shutdown does not surface as an error.
func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

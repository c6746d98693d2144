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

	"github.com/sandeepkv93/realtime-chat-session-core/internal/config"
	"github.com/sandeepkv93/realtime-chat-session-core/internal/observability"
	"github.com/sandeepkv93/realtime-chat-session-core/internal/pubsub"
)

type Gateway interface {
	Deliver(sessionID string, payload []byte)
	Shutdown(ctx context.Context) error
}

type BackgroundTask interface {
	Start(ctx context.Context)
	Stop()
}

type Relay interface {
	Run(ctx context.Context, deliver pubsub.DeliverFunc) error
}

// Drainer waits for detached work such as summary refreshes.
type Drainer interface {
	Wait()
}

type App struct {
	Config        *config.Config
	Logger        *slog.Logger
	Server        *http.Server
	Gateway       Gateway
	Sweeper       BackgroundTask
	Relay         Relay
	Detached      Drainer
	Observability *observability.Runtime

	ShutdownTimeout          time.Duration
	ShutdownHTTPDrainTimeout time.Duration
}

func New(
	cfg *config.Config,
	logger *slog.Logger,
	server *http.Server,
	gw Gateway,
	sweeper BackgroundTask,
	relay Relay,
	detached Drainer,
	runtime *observability.Runtime,
) *App {
	return &App{
		Config:                   cfg,
		Logger:                   logger,
		Server:                   server,
		Gateway:                  gw,
		Sweeper:                  sweeper,
		Relay:                    relay,
		Detached:                 detached,
		Observability:            runtime,
		ShutdownTimeout:          cfg.ShutdownTimeout,
		ShutdownHTTPDrainTimeout: cfg.ShutdownHTTPDrain,
	}
}

// Run serves until ctx is cancelled or the listener fails, then shuts down.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.Server.Addr, err)
	}
	return a.Serve(ctx, ln)
}

func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	if a.Sweeper != nil {
		a.Sweeper.Start(gctx)
	}
	if a.Relay != nil && a.Gateway != nil {
		g.Go(func() error {
			return a.Relay.Run(gctx, a.Gateway.Deliver)
		})
	}
	g.Go(func() error {
		a.Logger.Info("http server listening", "addr", ln.Addr().String())
		if err := a.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return a.shutdown()
	})
	return g.Wait()
}

func (a *App) shutdown() error {
	a.Logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), a.ShutdownTimeout)
	defer cancel()

	var errs []error
	drainCtx, drainCancel := context.WithTimeout(ctx, a.ShutdownHTTPDrainTimeout)
	if err := a.Server.Shutdown(drainCtx); err != nil {
		errs = append(errs, fmt.Errorf("drain http: %w", err))
	}
	drainCancel()

	// Hijacked WebSocket connections are not tracked by http.Server.
	if a.Gateway != nil {
		if err := a.Gateway.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close gateway: %w", err))
		}
	}
	a.StopBackgroundTasks()
	if err := a.Observability.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown observability: %w", err))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	a.Logger.Info("shutdown complete")
	return nil
}

func (a *App) StopBackgroundTasks() {
	if a.Sweeper != nil {
		a.Sweeper.Stop()
	}
	if a.Detached != nil {
		a.Detached.Wait()
	}
}

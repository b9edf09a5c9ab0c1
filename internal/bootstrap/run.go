package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	platformerrors "postkeeper/internal/platform/errors"
	"postkeeper/internal/platform/logging"
	httptransport "postkeeper/internal/transport/http"
	"postkeeper/internal/transport/http/control"
	"postkeeper/internal/transport/ws"
)

const shutdownTimeout = 15 * time.Second

// Run builds the application, starts the session and serves the control API
// until SIGINT or SIGTERM.
func Run(ctx context.Context, opts Options) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := Build(ctx, opts)
	if err != nil {
		return err
	}
	defer app.Close()

	if err := app.Session.Start(ctx); err != nil {
		return err
	}
	stopLifecycle := watchLifecycleSignals(ctx, app.Bus, app.Logger)
	defer stopLifecycle()

	group, groupCtx := errgroup.WithContext(ctx)
	if app.Config.Control.Enabled {
		srv, err := app.ControlServer(groupCtx)
		if err != nil {
			return err
		}
		if err := srv.Listen(); err != nil {
			return platformerrors.Wrap(platformerrors.KindTransport, "control:listen", "failed to bind control API", err)
		}
		group.Go(func() error { return srv.Serve(groupCtx) })
	}

	app.Logger.InfoTag("Bootstrap", "postkeeper running, press Ctrl+C to exit")
	return waitForShutdown(groupCtx, group, app.Logger)
}

// ControlServer assembles the gin router, websocket event stream and
// control routes. The stream frames live as long as ctx.
func (a *App) ControlServer(ctx context.Context) (*httptransport.Server, error) {
	cc := a.Config.Control
	var auth gin.HandlerFunc
	if cc.Token != "" {
		auth = httptransport.BearerAuth(cc.Token)
	} else {
		a.Logger.WarnTag("HTTP", "control API has no token, every caller is trusted")
	}

	router, err := httptransport.Build(httptransport.Options{
		Config:         a.Config,
		Logger:         a.Logger.Tagged("HTTP"),
		Metrics:        a.Metrics,
		AuthMiddleware: auth,
	})
	if err != nil {
		return nil, platformerrors.Wrap(platformerrors.KindTransport, "control:router", "failed to build router", err)
	}

	events := ws.NewRouter(ws.NewHub(a.Logger.Tagged("WS")), control.EventSource(a.Session), a.Logger.Tagged("WS"), ws.RouterOptions{
		Metrics: a.Metrics,
	})
	svc, err := control.NewService(a.Session, a.Bus, events, a.Logger.Tagged("HTTP"))
	if err != nil {
		return nil, err
	}
	svc.Register(ctx, router.Secured)

	return httptransport.NewServer(cc.Addr, router.Engine, a.Logger.Tagged("HTTP"), func() {
		events.Hub().CloseAll(nil)
	}), nil
}

func waitForShutdown(ctx context.Context, group *errgroup.Group, logger logging.Interface) error {
	<-ctx.Done()
	logger.Info("[Bootstrap] shutdown requested, waiting for services to stop...")

	done := make(chan error, 1)
	go func() { done <- group.Wait() }()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("service stopped with error: %w", err)
		}
		logger.Info("[Bootstrap] services stopped")
		return nil
	case <-time.After(shutdownTimeout):
		logger.Warn("[Bootstrap] services did not stop within %s", shutdownTimeout)
		return platformerrors.New(platformerrors.KindBootstrap, "shutdown", "timed out waiting for services")
	}
}

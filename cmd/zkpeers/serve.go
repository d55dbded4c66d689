package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/thinker0/go.zkdiscovery/internal/api"
	"github.com/thinker0/go.zkdiscovery/internal/config"
	"github.com/thinker0/go.zkdiscovery/pkg/discovery"
)

const shutdownTimeout = 5 * time.Second

func newServeCmd(opts *options) *cobra.Command {
	var (
		listen   string
		hostname string
		bind     string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Register this node and serve the discovered peers over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			if listen != "" {
				cfg.HTTP.Listen = listen
			}
			if hostname != "" {
				cfg.Discovery.Hostname = hostname
			}
			if bind != "" {
				cfg.Discovery.BindAddress = bind
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return serve(ctx, cfg, logger)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "HTTP listen address, overrides http.listen")
	cmd.Flags().StringVar(&hostname, "hostname", "", "advertised host:port, overrides discovery.hostname")
	cmd.Flags().StringVar(&bind, "bind", "", "bound ip:port used for address autodetection")
	return cmd
}

func newApp(cfg config.Config, logger *zap.Logger, opts ...fx.Option) *fx.App {
	return fx.New(
		fx.Supply(cfg.Discovery, cfg.HTTP, logger),
		fx.WithLogger(func(l *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: l.Named("fx")}
		}),
		discovery.Module,
		fx.Provide(
			newAPI,
			newHTTPServer,
		),
		fx.Invoke(func(*http.Server) {}),
		fx.Options(opts...),
	)
}

func serve(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	app := newApp(cfg, logger)
	if err := app.Err(); err != nil {
		return err
	}

	if err := app.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return app.Stop(stopCtx)
}

func newAPI(svc *discovery.Service, hosts *discovery.HostsProvider, logger *zap.Logger) *api.API {
	return api.New(svc, hosts, logger.Named("api"))
}

func newHTTPServer(lc fx.Lifecycle, cfg config.HTTPConfig, a *api.API, logger *zap.Logger) *http.Server {
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           a.Routes(),
		ReadHeaderTimeout: time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return err
			}
			logger.Info("HTTP server started", zap.String("addr", ln.Addr().String()))
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("HTTP server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
	return srv
}

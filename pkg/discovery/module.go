package discovery

import (
	"context"
	"sync"

	"github.com/benbjohnson/clock"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/thinker0/go.zkdiscovery/pkg/zkconn"
)

// Module provides the Service and the HostsProvider of an enabled Config.
// When the Config is disabled both are nil.
var Module = fx.Module("zkdiscovery",
	fx.Provide(
		NewFromParams,
	),
	fx.Invoke(registerLifecycle),
)

// Params are the dependencies of Module.
type Params struct {
	fx.In

	Config Config
	Logger *zap.Logger   `optional:"true"`
	Dialer zkconn.Dialer `optional:"true"`
	Clock  clock.Clock   `optional:"true"`
	Bound  BoundAddress  `optional:"true"`
}

// Result is what Module provides.
type Result struct {
	fx.Out

	Service *Service
	Hosts   *HostsProvider
}

// NewFromParams builds the Service from fx parameters.
func NewFromParams(p Params) (Result, error) {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("zkdiscovery")

	if !p.Config.Enabled {
		logger.Info("zookeeper discovery is disabled")
		return Result{}, nil
	}
	if err := p.Config.Validate(); err != nil {
		return Result{}, err
	}

	svc, err := NewService(p.Config, p.Dialer, p.Clock, logger)
	if err != nil {
		return Result{}, err
	}

	bound := p.Bound
	if bound == nil {
		bound = StaticAddress(p.Config.BindAddress)
	}
	return Result{
		Service: svc,
		Hosts:   NewHostsProvider(svc, p.Config.Hostname, bound, logger),
	}, nil
}

func registerLifecycle(lc fx.Lifecycle, cfg Config, svc *Service, hosts *HostsProvider) {
	if svc == nil {
		return
	}

	var (
		wg     sync.WaitGroup
		cancel context.CancelFunc
	)
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if _, err := hosts.Register(ctx); err != nil {
				_ = svc.Close()
				return err
			}

			var runCtx context.Context
			runCtx, cancel = context.WithCancel(context.Background())
			wg.Add(1)
			go func() {
				defer wg.Done()
				svc.RunVerifier(runCtx, cfg.VerifyInterval)
			}()
			return nil
		},
		OnStop: func(_ context.Context) error {
			if cancel != nil {
				cancel()
			}
			wg.Wait()
			return svc.Close()
		},
	})
}

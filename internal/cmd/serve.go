package cmd

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/shelfsync/adapterfactory/internal/circuit"
	"github.com/shelfsync/adapterfactory/internal/config"
	"github.com/shelfsync/adapterfactory/internal/event"
	"github.com/shelfsync/adapterfactory/internal/factory"
	"github.com/shelfsync/adapterfactory/internal/metrics"
	"github.com/shelfsync/adapterfactory/internal/platform"
	"github.com/shelfsync/adapterfactory/pkg/api"
	"github.com/shelfsync/adapterfactory/pkg/utils"
)

const shutdownTimeout = 30 * time.Second

type serveOptions struct {
	address string
	release bool
}

func newServeCmd(load func() (*config.Configuration, error)) *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the adapter factory and its HTTP API",
		Long: `Run the adapter factory. Platforms come from the config file's
platforms section; each names a driver. The factory stops on SIGINT or
SIGTERM, deactivating active adapters. With --release every pooled
adapter is also cleaned up before exit.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if opts.address != "" {
				cfg.Global.APIAddress = opts.address
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, opts)
		},
	}
	cmd.Flags().StringVar(&opts.address, "address", "", "API listen address (overrides global.api_address)")
	cmd.Flags().BoolVar(&opts.release, "release", false, "clean up pooled adapters on exit")
	return cmd
}

// service is a fully wired factory with its observability.
type service struct {
	logger    *utils.StructuredLogger
	collector *metrics.Collector
	bus       *event.Bus
	factory   *factory.Coordinator
}

// buildService wires config into logger, metrics, catalog, breakers and
// the coordinator. The coordinator is not initialized.
func buildService(cfg *config.Configuration, drivers map[string]platform.Constructor) (*service, error) {
	logCfg, err := cfg.LoggerConfig()
	if err != nil {
		return nil, err
	}
	logger, err := utils.NewStructuredLogger(logCfg)
	if err != nil {
		return nil, err
	}

	collector, err := metrics.NewCollector(cfg.MetricsConfig())
	if err != nil {
		return nil, err
	}

	catalog, err := platform.BuildCatalog(cfg.PlatformSpecs(), drivers)
	if err != nil {
		return nil, err
	}

	var breakers *circuit.Manager
	if breakerCfg, enabled := cfg.BreakerConfig(); enabled {
		breakerLog := logger.WithComponent("construction-breaker")
		breakerCfg.OnStateChange = func(platformID string, from, to circuit.State) {
			fields := map[string]interface{}{utils.FieldPlatform: platformID, "from": from.String(), "to": to.String()}
			if to == circuit.StateOpen {
				breakerLog.Warn("adapter construction suspended", fields)
				return
			}
			breakerLog.Info("construction breaker state changed", fields)
		}
		breakers = circuit.NewManager(breakerCfg)
	}

	bus := event.NewBus(logger)
	coord, err := factory.New(factory.Options{
		Pool:     cfg.PoolConfiguration(),
		Workers:  cfg.Factory.Workers,
		Catalog:  catalog,
		Bus:      bus,
		Logger:   logger,
		Metrics:  collector,
		Breakers: breakers,
		Retry:    cfg.RetryConfig(),
	})
	if err != nil {
		return nil, err
	}

	return &service{logger: logger, collector: collector, bus: bus, factory: coord}, nil
}

func runServe(ctx context.Context, cfg *config.Configuration, opts serveOptions) error {
	svc, err := buildService(cfg, Drivers())
	if err != nil {
		return err
	}
	logger := svc.logger.WithComponent("adapterd")

	if err := svc.factory.Initialize(ctx); err != nil {
		return err
	}

	serverCfg := api.DefaultServerConfig()
	serverCfg.Address = cfg.Global.APIAddress
	server := api.NewServer(serverCfg, svc.factory, svc.collector, svc.logger)

	serveErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
		close(serveErr)
	}()

	logger.Info("adapter factory running", map[string]interface{}{
		"factory_id": svc.factory.FactoryID(),
		"platforms":  svc.factory.SupportedPlatforms(),
		"address":    serverCfg.Address,
	})

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case runErr = <-serveErr:
		logger.Error("API server failed", map[string]interface{}{utils.FieldError: runErr.Error()})
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	runErr = multierr.Append(runErr, server.Shutdown(shutdownCtx))
	if opts.release {
		runErr = multierr.Append(runErr, svc.factory.Cleanup(shutdownCtx))
	} else {
		runErr = multierr.Append(runErr, svc.factory.Stop(shutdownCtx))
	}

	stats := svc.factory.Stats()
	logger.Info("adapter factory stopped", map[string]interface{}{
		"created":   stats.TotalCreated,
		"destroyed": stats.TotalDestroyed,
		"hit_rate":  stats.HitRate(),
	})
	return runErr
}

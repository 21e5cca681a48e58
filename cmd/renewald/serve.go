package main

import (
	"context"
	"errors"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/platinummonkey/renewal/pkg/api"
	"github.com/platinummonkey/renewal/pkg/config"
	"github.com/platinummonkey/renewal/pkg/notify"
	"github.com/platinummonkey/renewal/pkg/observability"
	"github.com/platinummonkey/renewal/pkg/scheduler"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, webhook receiver and scheduled sweeps",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadRuntime(cmd)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, logger)
		},
	}
}

func serve(parent context.Context, cfg *config.Config, logger *observability.Logger) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	oc := cfg.Observability
	tp, err := observability.InitTracing(ctx, observability.OTelConfig{
		Enabled:        oc.OTelEnabled,
		Endpoint:       oc.OTelEndpoint,
		ServiceName:    oc.OTelServiceName,
		ServiceVersion: serviceVersion(oc.OTelServiceVersion),
		Insecure:       oc.OTelInsecure,
		SampleRatio:    oc.OTelSamplingRate,
	}, logger)
	if err != nil {
		return err
	}

	c, err := build(ctx, cfg, logger)
	if err != nil {
		_ = observability.ShutdownTracing(context.Background(), tp, logger)
		return err
	}

	rc := api.RouterConfig{
		Service:      c.service,
		Logger:       logger,
		Metrics:      c.metrics,
		Health:       observability.NewHealthChecker(c.primaryDB(), c.redis).WithVersion(version),
		Tracing:      tp != nil,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
	}
	if oc.MetricsEnabled {
		rc.Gatherer = c.registry
	}

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      api.NewRouter(rc),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	var retry *notify.RetryWorker
	if c.webhooks != nil {
		retry = notify.NewRetryWorker(c.webhooks, cfg.Notify.RetryInterval)
		retry.Start(ctx)
	}

	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		loc, _ := cfg.Scheduler.Location()
		sched, err = scheduler.New(scheduler.Config{
			DueSweep:    cfg.Scheduler.DueSweep,
			LedgerPrune: cfg.Scheduler.LedgerPrune,
			Location:    loc,
			Retention:   cfg.Storage.EventRetention,
		}, c.service.Processor(), c.ledger, logger)
		if err != nil {
			_ = c.Close()
			return err
		}
		sched.Start()
	}

	sm := observability.NewShutdownManager(logger, server, cfg.Server.ShutdownTimeout)
	// Hooks run concurrently, so background work and the pools it uses are
	// stopped in one ordered hook.
	sm.Register("background", func(ctx context.Context) error {
		var errs []error
		if sched != nil {
			errs = append(errs, sched.Stop(ctx))
		}
		if retry != nil {
			errs = append(errs, retry.Stop(ctx))
		}
		errs = append(errs, c.Close())
		errs = append(errs, observability.ShutdownTracing(ctx, tp, logger))
		return errors.Join(errs...)
	})

	listenErr := make(chan error, 1)
	go func() {
		defer observability.RecoverPanic(logger, "http server")
		logger.Infof("renewald %s listening on %s", version, server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErr <- err
			cancel()
		}
	}()

	shutdownErr := sm.WaitForShutdown(ctx)
	select {
	case err := <-listenErr:
		return err
	default:
		return shutdownErr
	}
}

func serviceVersion(configured string) string {
	if configured != "" {
		return configured
	}
	return version
}

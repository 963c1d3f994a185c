package cmd

import (
	"context"
	"net/http"
	"time"

	"github.com/equinix-labs/otel-init-go/otelinit"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fleetmaint/dispatchd/internal/api"
	"github.com/fleetmaint/dispatchd/internal/app"
	"github.com/fleetmaint/dispatchd/internal/audit"
	"github.com/fleetmaint/dispatchd/internal/bus"
	"github.com/fleetmaint/dispatchd/internal/fleet"
	"github.com/fleetmaint/dispatchd/internal/model"
	"github.com/fleetmaint/dispatchd/internal/orchestrator"
	"github.com/fleetmaint/dispatchd/internal/session"
	"github.com/fleetmaint/dispatchd/internal/store"
	"github.com/fleetmaint/dispatchd/internal/transfer"
)

var shutdownTimeout = 10 * time.Second

var serve = &cobra.Command{
	Use:   "serve",
	Short: "Run the task orchestration API server",
	Run: func(cmd *cobra.Command, _ []string) {
		serveTasks(cmd.Context())
	},
}

func serveTasks(ctx context.Context) {
	theApp, err := app.New(cfgFile, logLevel)
	if err != nil {
		panic(err)
	}

	logger := theApp.Logger

	ctx, otelShutdown := otelinit.InitOpenTelemetry(ctx, model.AppName)
	defer otelShutdown(ctx)

	repo, err := store.NewRepository(ctx, theApp.Config, logger)
	if err != nil {
		logger.WithError(err).Fatal("store init failed")
	}

	monitor, err := fleet.NewMonitor(theApp.Config.FleetMonitorOptions, logger)
	if err != nil {
		logger.WithError(err).Fatal("fleet monitor client init failed")
	}

	sessions, err := session.NewClient(theApp.Config.SessionManagerOptions, logger)
	if err != nil {
		logger.WithError(err).Fatal("session manager client init failed")
	}

	publisher, err := bus.NewNatsPublisher(theApp.Config.NatsOptions, logger)
	if err != nil {
		logger.WithError(err).Fatal("command bus init failed")
	}

	recorder := audit.NewRecorder(repo, logger)
	builder := transfer.NewBuilder(theApp.Config.TransferOptions)

	driver := orchestrator.NewDriver(repo, monitor, sessions, publisher, recorder, builder, logger)

	handler := api.NewHandler(driver, repo, recorder, logger)

	server := &http.Server{
		Addr:              theApp.Config.ListenAddress,
		Handler:           otelhttp.NewHandler(api.Routes(handler), model.AppName),
		ReadHeaderTimeout: 5 * time.Second,
	}

	theApp.SyncWg.Add(1)

	go func() {
		defer theApp.SyncWg.Done()

		logger.WithField("address", server.Addr).Info("serving task orchestration API")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("server listen failed")
		}
	}()

	<-theApp.TermCh

	logger.Info("shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("server shutdown")
	}

	theApp.SyncWg.Wait()

	if err := publisher.Close(); err != nil {
		logger.WithError(err).Warn("command bus close")
	}

	if err := repo.Close(); err != nil {
		logger.WithError(err).Warn("store close")
	}
}

func init() {
	RootCmd.AddCommand(serve)
}

// The runtime binary assembles the event-sourcing engine and runs the
// order-fulfillment workflow until it is signalled to stop.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"orderflow-backend/internal/application/orderflow"
	"orderflow-backend/internal/config"
	"orderflow-backend/internal/di"
	"orderflow-backend/internal/infrastructure/tracing"
)

func main() {
	env := config.Environment(os.Getenv("ORDERFLOW_ENV"))
	if env == "" {
		env = config.Development
	}
	loader := config.NewLoader(os.Getenv("ORDERFLOW_CONFIG_DIR"), env)
	cfg, err := loader.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	ctx := context.Background()
	tp, err := tracing.Init(cfg.ServiceName, cfg.Environment, cfg.Tracing)
	if err != nil {
		log.Fatalf("failed to initialize tracing: %v", err)
	}

	container, err := di.InitializeContainer(ctx, cfg, tp)
	if err != nil {
		log.Fatalf("failed to assemble runtime: %v", err)
	}
	logger := container.Logger
	defer logger.Sync()

	if err := orderflow.Register(orderflow.Runtime{
		Engine:       container.Engine,
		Views:        container.Views,
		Schemas:      container.Schemas,
		ViewRegistry: container.ViewRegistry,
		Orchestrator: container.Orchestrator,
	}, logger); err != nil {
		logger.Fatal("failed to register order workflow", zap.Error(err))
	}

	// Resilience policy changes apply without a restart.
	watcher, err := config.NewWatcher(loader, cfg, logger)
	if err != nil {
		logger.Warn("config watcher unavailable", zap.Error(err))
	} else {
		watcher.OnReload(func(next *config.Config) {
			container.Invoker.Reconfigure(next.Resilience)
		})
		defer watcher.Stop()
	}

	container.Start()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	sig := <-stop
	logger.Info("shutting down", zap.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Shutdown.GraceWindow)
	defer cancel()
	container.Shutdown(shutdownCtx)
}

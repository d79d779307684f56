package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"invoice-ingest-go/internal/accounts"
	"invoice-ingest-go/internal/api"
	"invoice-ingest-go/internal/cancel"
	"invoice-ingest-go/internal/config"
	"invoice-ingest-go/internal/database"
	"invoice-ingest-go/internal/discovery"
	"invoice-ingest-go/internal/dispatch"
	"invoice-ingest-go/internal/extract"
	"invoice-ingest-go/internal/jobs"
	"invoice-ingest-go/internal/mailbox"
	"invoice-ingest-go/internal/metrics"
	"invoice-ingest-go/internal/queue"
	"invoice-ingest-go/internal/reservation"
	"invoice-ingest-go/internal/scheduler"
	"invoice-ingest-go/internal/server"
)

// Run initializes and starts the application
func Run() error {
	logrus.SetFormatter(&logrus.JSONFormatter{})
	logrus.SetLevel(logrus.InfoLevel)

	logrus.Info("Starting Invoice Ingest Service")

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	dbConn, err := database.InitDatabase(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	m := metrics.NewMetrics()

	reservations := reservation.NewStore(dbConn)
	accountStore := accounts.NewStore(dbConn)
	jobStore := jobs.NewStore(dbConn)

	var events *queue.EventPublisher
	if cfg.NATS.URL != "" {
		events, err = queue.NewEventPublisher(cfg.NATS.URL, cfg.NATS.Stream)
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		logrus.Infof("Publishing task lifecycle events to %s", cfg.NATS.URL)
	} else {
		logrus.Info("NATS URL not set, task lifecycle events disabled")
	}

	// The extraction pipeline and entitlement service are deployment seams;
	// the defaults extract nothing and never deny.
	seen := mailbox.NewSeenMarker(accountStore, mailbox.ProviderOpener{})
	worker := queue.NewWorker(reservations, extract.NopPipeline{}, extract.Unlimited{}, seen, events, m)
	taskQueue := queue.New(worker, cfg.Queue.Workers, m)

	engine := discovery.NewEngine(
		mailbox.ProviderOpener{},
		discovery.Heuristics{},
		cfg.Discovery.FetchBatchSize,
		cfg.Discovery.BodyProbeBudget,
		m,
	)

	dispatcher := dispatch.NewDispatcher(reservations, engine, taskQueue, m, cfg.FanOut.Workers)

	runner := scheduler.NewRunner(dispatcher, accountStore, scheduler.Caps{
		GlobalCap:         cfg.Discovery.BatchSize,
		PerAccountCap:     cfg.FanOut.PerAccountCap,
		MaxUIDsPerAccount: cfg.FanOut.MaxUIDsPerAccount,
	}, cfg.Scheduler.IntervalMinutes)

	manager := jobs.NewManager(jobStore, dispatcher, accountStore, reservations, taskQueue, jobs.Options{
		PollInterval:  time.Duration(cfg.Jobs.PollSeconds) * time.Second,
		ReaperEnabled: cfg.Jobs.ReaperEnabled,
		StaleAfter:    cfg.Jobs.StaleAfter,
		MaxAttempts:   cfg.Jobs.MaxAttempts,
		Caps: dispatch.Params{
			GlobalCap:         cfg.Discovery.BatchSize,
			PerAccountCap:     cfg.FanOut.PerAccountCap,
			MaxUIDsPerAccount: cfg.FanOut.MaxUIDsPerAccount,
		},
	}, m)

	canceller := cancel.NewController(taskQueue, reservations, manager, m)

	h := api.NewHandlers(dbConn, accountStore, reservations, dispatcher, runner, manager, canceller, cfg)
	router := server.SetupRouter(h)
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	taskQueue.Start(workerCtx)
	manager.Start(workerCtx)

	if err := runner.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	go func() {
		logrus.Infof("Starting HTTP server on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("HTTP server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logrus.Info("Shutting down server...")
	ctx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	if err := runner.Stop(); err != nil {
		logrus.Errorf("Failed to stop scheduler: %v", err)
	}
	runner.Wait()

	stopWorkers()
	manager.Wait()
	taskQueue.Stop()

	if err := srv.Shutdown(ctx); err != nil {
		logrus.Errorf("HTTP server shutdown error: %v", err)
	}

	if events != nil {
		events.Close()
	}

	logrus.Info("Server stopped gracefully")
	return nil
}

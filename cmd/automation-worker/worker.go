package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/acadio/automation/pkg/actions"
	"github.com/acadio/automation/pkg/eventbus"
	"github.com/acadio/automation/pkg/intake"
	"github.com/acadio/automation/pkg/otelhelper"
	"github.com/acadio/automation/pkg/persistence"
	"github.com/acadio/automation/pkg/workflow"
)

type WorkerConfig struct {
	ID          string
	Persistence persistence.Persistence
	EventBus    eventbus.EventBus
	Logger      *slog.Logger
	RedisURL    string
	IntakeQueue string
	Tracing     bool
}

// Worker hosts the execution engine: it consumes trigger and resume events,
// runs the scheduler sweep, and optionally drains the Redis intake queue.
type Worker struct {
	cfg    WorkerConfig
	logger *slog.Logger
}

func NewWorker(cfg WorkerConfig) *Worker {
	return &Worker{
		cfg:    cfg,
		logger: cfg.Logger,
	}
}

func (w *Worker) Start(ctx context.Context) error {
	cfg := w.cfg

	scheduler := workflow.NewScheduler(cfg.Persistence, cfg.EventBus, w.logger)
	notifier := workflow.NewBusNotifier(cfg.EventBus, w.logger)
	dispatcher := actions.NewDispatcher(w.logger, cfg.EventBus)
	rateLimiter := workflow.NewRateLimiter(cfg.Persistence.ExecutionRepository(), w.logger)

	runner := workflow.NewRunner(cfg.Persistence, dispatcher, scheduler, notifier, cfg.EventBus, w.logger, cfg.ID)

	if cfg.Tracing {
		tracer, err := otelhelper.NewTracer(ctx, "automation-worker")
		if err != nil {
			return err
		}

		runner.WithTracer(tracer)
	}

	manager := workflow.NewManager(cfg.Persistence, cfg.EventBus, runner, rateLimiter, w.logger, cfg.ID)

	if err := manager.RegisterHandlers(); err != nil {
		return err
	}

	if err := scheduler.Start(ctx); err != nil {
		return err
	}
	defer scheduler.Stop()

	if cfg.RedisURL != "" {
		consumer, err := intake.NewConsumer(cfg.RedisURL, cfg.IntakeQueue, cfg.EventBus, w.logger)
		if err != nil {
			return err
		}

		if err := consumer.Start(ctx); err != nil {
			return err
		}

		defer func() {
			if err := consumer.Stop(ctx); err != nil {
				w.logger.ErrorContext(ctx, "Failed to stop intake consumer", "error", err)
			}
		}()
	}

	if err := cfg.EventBus.Subscribe(ctx); err != nil {
		w.logger.ErrorContext(ctx, "Failed to subscribe to event bus", "error", err)

		return err
	}

	w.logger.InfoContext(ctx, "Worker started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
		w.logger.InfoContext(ctx, "Shutting down worker...")
	case <-ctx.Done():
	}

	return nil
}

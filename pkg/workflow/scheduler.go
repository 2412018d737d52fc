package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/acadio/automation/pkg/eventbus"
	"github.com/acadio/automation/pkg/events"
	"github.com/acadio/automation/pkg/models"
	"github.com/acadio/automation/pkg/persistence"
)

// SweepSchedule is the cadence at which the scheduler scans for due
// executions. Wake-up precision is bounded by this interval.
const SweepSchedule = "@every 30s"

// Scheduler persists delay-node wake-ups and publishes resume events when
// they come due. Wake-ups survive restarts: they live on the execution row
// itself, and the sweep re-reads them from the store each pass.
type Scheduler struct {
	persistence persistence.Persistence
	publisher   eventbus.EventPublisher
	logger      *slog.Logger
	cron        *cron.Cron
}

func NewScheduler(p persistence.Persistence, publisher eventbus.EventPublisher, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		persistence: p,
		publisher:   publisher,
		logger:      logger.With("module", "scheduler"),
	}
}

// ScheduleResume parks the execution at the given delay node until wakeAt.
// The persisted status is re-read first so the suspension cannot overwrite
// an external cancel; a cancelled execution stays cancelled and the caller
// sees errCancelled. The status flip to waiting and the wake-up timestamp
// are written in a single save; if the write fails the caller sees the
// error before any node result is recorded, so the delay transition never
// half-applies.
func (s *Scheduler) ScheduleResume(ctx context.Context, execution *models.Execution, nodeID string, wakeAt time.Time) error {
	current, err := s.persistence.ExecutionRepository().ByID(ctx, execution.ID)
	if err != nil {
		return fmt.Errorf("failed to re-read execution %s: %w", execution.ID, err)
	}

	if current.Status == models.ExecutionStatusCancelled {
		return errCancelled
	}

	execution.Status = models.ExecutionStatusWaiting
	execution.CursorNodeID = nodeID
	execution.ScheduledResumeAt = &wakeAt

	if err := s.persistence.ExecutionRepository().Save(ctx, execution); err != nil {
		execution.Status = models.ExecutionStatusRunning
		execution.ScheduledResumeAt = nil

		return fmt.Errorf("failed to persist wake-up for execution %s: %w", execution.ID, err)
	}

	s.logger.InfoContext(ctx, "Execution suspended",
		"execution_id", execution.ID,
		"node_id", nodeID,
		"resume_at", wakeAt)

	return nil
}

// Start begins the periodic sweep. It returns immediately; sweeping stops
// when Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.cron = cron.New()

	_, err := s.cron.AddFunc(SweepSchedule, func() {
		if _, err := s.Sweep(ctx, time.Now().UTC()); err != nil {
			s.logger.ErrorContext(ctx, "Sweep failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to register sweep: %w", err)
	}

	s.cron.Start()
	s.logger.InfoContext(ctx, "Scheduler started", "schedule", SweepSchedule)

	return nil
}

// Stop halts the sweep loop, waiting for an in-flight pass to finish.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// Sweep publishes a resume event for every execution whose wake-up is due
// at now, and returns how many it published. It does not claim executions:
// workers race on the status transition, so a wake-up published twice is
// resumed exactly once.
func (s *Scheduler) Sweep(ctx context.Context, now time.Time) (int, error) {
	due, err := s.persistence.ExecutionRepository().Due(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("failed to list due executions: %w", err)
	}

	published := 0

	for _, execution := range due {
		event := events.ExecutionResumeDue{
			BaseEvent:   events.NewBaseEvent(events.ExecutionResumeDueEvent),
			ExecutionID: execution.ID,
			WorkflowID:  execution.WorkflowID,
		}

		if err := s.publisher.Publish(ctx, execution.WorkflowID, event); err != nil {
			s.logger.ErrorContext(ctx, "Failed to publish resume event",
				"execution_id", execution.ID,
				"error", err)

			continue
		}

		published++
	}

	if published > 0 {
		s.logger.InfoContext(ctx, "Sweep published resume events", "count", published)
	}

	return published, nil
}

package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/acadio/automation/pkg/models"
	"github.com/acadio/automation/pkg/persistence"
)

// ErrRateLimited indicates a trigger event was rejected by the workflow's
// execution-rate controls. The event is logged and dropped; no execution
// is created.
var ErrRateLimited = errors.New("workflow trigger rate limited")

// RateLimiter enforces per-workflow cooldown and daily execution caps
// before a new run is admitted. Callers must hold the workflow's admission
// lock (persistence.WithWorkflowLock) around Admit and the subsequent
// execution insert so concurrent triggers cannot exceed the cap.
type RateLimiter struct {
	executions persistence.ExecutionRepository
	logger     *slog.Logger
}

func NewRateLimiter(executions persistence.ExecutionRepository, logger *slog.Logger) *RateLimiter {
	return &RateLimiter{
		executions: executions,
		logger:     logger.With("module", "rate_limiter"),
	}
}

// Admit returns nil when the workflow may start a new execution at now.
// A zero cooldown or cap disables that control.
func (rl *RateLimiter) Admit(ctx context.Context, wf *models.Workflow, now time.Time) error {
	if wf.CooldownMinutes > 0 {
		last, err := rl.executions.LastStartedAt(ctx, wf.ID)
		if err != nil {
			return fmt.Errorf("failed to check cooldown: %w", err)
		}

		cooldown := time.Duration(wf.CooldownMinutes) * time.Minute
		if last != nil && now.Sub(*last) < cooldown {
			return fmt.Errorf("%w: last execution started %s ago, cooldown is %s",
				ErrRateLimited, now.Sub(*last).Round(time.Second), cooldown)
		}
	}

	if wf.MaxExecutionsPerDay > 0 {
		// The daily window resets at UTC midnight; all engine timestamps
		// are UTC.
		midnight := now.UTC().Truncate(24 * time.Hour)

		count, err := rl.executions.CountStartedSince(ctx, wf.ID, midnight)
		if err != nil {
			return fmt.Errorf("failed to check daily cap: %w", err)
		}

		if count >= wf.MaxExecutionsPerDay {
			return fmt.Errorf("%w: %d executions since midnight, cap is %d",
				ErrRateLimited, count, wf.MaxExecutionsPerDay)
		}
	}

	return nil
}

// IsRateLimited checks if an error indicates trigger admission was rejected.
func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}

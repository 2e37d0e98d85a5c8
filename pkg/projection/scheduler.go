// Package projection schedules and materializes derived read views from
// canonical state.
package projection

import (
	"context"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/meridian/canon/pkg/models"
	"github.com/meridian/canon/pkg/tracing"
)

// TaskStore persists projection tasks. Enqueue upserts by
// (model, reference, view), keeping the highest stamped version so rapid
// updates coalesce into one pending task per view.
type TaskStore interface {
	Enqueue(ctx context.Context, task *models.ProjectionTask) error
	// Claim atomically marks up to limit due tasks as in-flight and returns
	// them. Tasks claimed longer than the visibility window become due again.
	Claim(ctx context.Context, limit int) ([]*models.ProjectionTask, error)
	// Complete removes the task when its stamped version is covered by
	// upToVersion, otherwise releases the claim so the newer version is
	// picked up on the next poll. Reports whether the task was removed.
	Complete(ctx context.Context, id string, upToVersion int64) (bool, error)
	// Release returns an in-flight task to the queue after a failure.
	Release(ctx context.Context, id string) error
}

// Scheduler enqueues one projection task per configured view whenever a
// reference transitions into RequiresProjection.
type Scheduler struct {
	tasks  TaskStore
	logger ectologger.Logger
}

func NewScheduler(tasks TaskStore, logger ectologger.Logger) *Scheduler {
	return &Scheduler{
		tasks:  tasks,
		logger: logger,
	}
}

// Schedule stamps one task per view with the version that triggered it.
func (s *Scheduler) Schedule(ctx context.Context, model, referenceID string, version int64, views []string) error {
	ctx, span := tracing.StartSpan(ctx, "projection.Scheduler.Schedule")
	defer span.End()

	log := s.logger.WithContext(ctx).WithFields(map[string]any{
		"method":       "Schedule",
		"model":        model,
		"reference_id": referenceID,
		"version":      version,
	})

	now := time.Now().UTC()
	for _, view := range views {
		task := &models.ProjectionTask{
			ID:          uuid.New().String(),
			Model:       model,
			ReferenceID: referenceID,
			Version:     version,
			ViewName:    view,
			CreatedAt:   now,
		}
		if err := s.tasks.Enqueue(ctx, task); err != nil {
			log.WithError(err).WithField("view", view).Error("Failed to enqueue projection task")
			return err
		}
	}

	log.WithFields(map[string]any{"views": len(views)}).Debug("Scheduled projection tasks")
	return nil
}

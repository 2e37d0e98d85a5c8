// Package projectiontask persists the ephemeral projection work queue.
package projectiontask

import (
	"context"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"

	"github.com/meridian/canon/pkg/database"
	"github.com/meridian/canon/pkg/models"
	"github.com/meridian/canon/pkg/tracing"
)

// ClaimVisibility is how long a claimed task stays invisible before it
// becomes due again. Must exceed the longest plausible materialization.
const ClaimVisibility = 5 * time.Minute

// Repository handles projection task persistence
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new projection task repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Enqueue upserts a task keyed by (model, reference_id, view_name), keeping
// the highest stamped version. Rapid successive updates therefore coalesce
// into one pending task per view. Enqueueing also reopens a claimed task so
// the newer version is not lost mid-flight.
func (r *Repository) Enqueue(ctx context.Context, task *models.ProjectionTask) error {
	ctx, span := tracing.StartSpan(ctx, "projectiontask.Repository.Enqueue")
	defer span.End()

	now := time.Now().UTC()
	query := `
		INSERT INTO projection_tasks (
			id, model, reference_id, version, view_name, claimed_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, NULL, $6, $6)
		ON CONFLICT (model, reference_id, view_name)
		DO UPDATE SET
			version = GREATEST(projection_tasks.version, EXCLUDED.version),
			claimed_at = NULL,
			updated_at = EXCLUDED.updated_at
	`

	exec := database.ExecutorFromContext(ctx, r.db)
	if _, err := exec.ExecContext(ctx, query,
		task.ID, task.Model, task.ReferenceID, task.Version, task.ViewName, now,
	); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"model":        task.Model,
			"reference_id": task.ReferenceID,
			"view_name":    task.ViewName,
			"version":      task.Version,
		}).Error("Failed to enqueue projection task")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to enqueue projection task")
	}
	return nil
}

// Claim atomically marks up to limit due tasks as in-flight and returns them.
// SKIP LOCKED keeps concurrent materializer instances from claiming the same
// rows; tasks claimed longer than ClaimVisibility become due again.
func (r *Repository) Claim(ctx context.Context, limit int) ([]*models.ProjectionTask, error) {
	ctx, span := tracing.StartSpan(ctx, "projectiontask.Repository.Claim")
	defer span.End()

	if limit < 1 {
		limit = 1
	}

	now := time.Now().UTC()
	query := `
		UPDATE projection_tasks
		SET claimed_at = $1, updated_at = $1
		WHERE id IN (
			SELECT id FROM projection_tasks
			WHERE claimed_at IS NULL OR claimed_at < $2
			ORDER BY created_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, model, reference_id, version, view_name, created_at, updated_at
	`

	var tasks []*models.ProjectionTask
	if err := r.db.SelectContext(ctx, &tasks, query, now, now.Add(-ClaimVisibility), limit); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to claim projection tasks")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to claim projection tasks")
	}
	return tasks, nil
}

// Complete removes the task when its stamped version is covered by
// upToVersion. When an enqueue raced in a higher version, the row survives
// with its claim released so the next poll picks it up. Reports whether the
// task was removed.
func (r *Repository) Complete(ctx context.Context, id string, upToVersion int64) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "projectiontask.Repository.Complete")
	defer span.End()

	query := `DELETE FROM projection_tasks WHERE id = $1 AND version <= $2`
	result, err := r.db.ExecContext(ctx, query, id, upToVersion)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"id": id, "up_to_version": upToVersion}).Error("Failed to complete projection task")
		return false, httperror.NewHTTPError(http.StatusInternalServerError, "failed to complete projection task")
	}

	rows, _ := result.RowsAffected()
	if rows > 0 {
		return true, nil
	}

	if err := r.Release(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// Release returns an in-flight task to the queue after a failure or a denied
// lock.
func (r *Repository) Release(ctx context.Context, id string) error {
	ctx, span := tracing.StartSpan(ctx, "projectiontask.Repository.Release")
	defer span.End()

	query := `UPDATE projection_tasks SET claimed_at = NULL, updated_at = $1 WHERE id = $2`
	if _, err := r.db.ExecContext(ctx, query, time.Now().UTC(), id); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"id": id}).Error("Failed to release projection task")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to release projection task")
	}
	return nil
}

// PendingCount reports how many tasks are waiting, for queue depth metrics.
func (r *Repository) PendingCount(ctx context.Context) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "projectiontask.Repository.PendingCount")
	defer span.End()

	var count int64
	query := `SELECT COUNT(*) FROM projection_tasks WHERE claimed_at IS NULL`
	if err := r.db.GetContext(ctx, &count, query); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to count pending projection tasks")
		return 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to count projection tasks")
	}
	return count, nil
}

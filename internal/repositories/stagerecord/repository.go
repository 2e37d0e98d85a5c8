// Package stagerecord persists the durable intake snapshots of incoming
// changes.
package stagerecord

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"

	"github.com/meridian/canon/pkg/database"
	"github.com/meridian/canon/pkg/fingerprint"
	"github.com/meridian/canon/pkg/intake"
	"github.com/meridian/canon/pkg/models"
	"github.com/meridian/canon/pkg/tracing"
)

var columns = []string{
	"id", "model", "source_id", "occurred_at", "policy_version",
	"correlation_id", "reference_id", "data", "source",
	"fingerprint", "previous_fingerprint", "created_at", "updated_at",
}

// Repository handles stage record persistence
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new stage record repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Upsert creates or refreshes a stage record keyed by (model, source_id).
// Redelivery of identical content is detected by fingerprint and reported as
// unchanged so callers can short-circuit the rest of the pipeline.
func (r *Repository) Upsert(ctx context.Context, req *models.CreateStageRecordRequest, exclusions map[string]bool) (*intake.UpsertResult, error) {
	ctx, span := tracing.StartSpan(ctx, "stagerecord.Repository.Upsert")
	defer span.End()

	log := r.logger.WithContext(ctx).WithFields(map[string]any{
		"method":    "Upsert",
		"model":     req.Model,
		"source_id": req.SourceID,
	})

	fp := fingerprint.GenerateWithExclusions(req.Data, exclusions)

	data, err := json.Marshal(req.Data)
	if err != nil {
		log.WithError(err).Error("Failed to encode stage record data")
		return nil, httperror.NewHTTPError(http.StatusBadRequest, "invalid stage record data")
	}
	source, err := json.Marshal(req.Source)
	if err != nil {
		log.WithError(err).Error("Failed to encode stage record source")
		return nil, httperror.NewHTTPError(http.StatusBadRequest, "invalid stage record source")
	}

	now := time.Now().UTC()
	id := uuid.New().String()

	// Atomic upsert; (xmax = 0) distinguishes insert from update. Fingerprint
	// columns are reconciled afterwards so the returned row carries the
	// pre-update fingerprint for change detection.
	query := `
		INSERT INTO stage_records (
			id, model, source_id, occurred_at, policy_version, correlation_id,
			data, source, fingerprint, previous_fingerprint, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (model, source_id)
		DO UPDATE SET
			occurred_at = EXCLUDED.occurred_at,
			policy_version = EXCLUDED.policy_version,
			correlation_id = EXCLUDED.correlation_id,
			data = EXCLUDED.data,
			source = EXCLUDED.source,
			updated_at = EXCLUDED.updated_at
		RETURNING
			id, model, source_id, occurred_at, policy_version, correlation_id,
			reference_id, data, source, fingerprint, previous_fingerprint,
			created_at, updated_at, (xmax = 0) AS inserted
	`

	var row struct {
		models.StageRecord
		Inserted bool `db:"inserted"`
	}

	exec := database.ExecutorFromContext(ctx, r.db)
	err = exec.GetContext(ctx, &row, query,
		id, req.Model, req.SourceID, now, req.PolicyVersion, req.CorrelationID,
		data, source, fp, "", now, now,
	)
	if err != nil {
		log.WithError(err).Error("Failed to upsert stage record")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to upsert stage record")
	}

	if row.Inserted {
		log.WithFields(map[string]any{"id": row.ID}).Info("Created stage record")
		return &intake.UpsertResult{Record: &row.StageRecord, IsNew: true, IsChanged: true}, nil
	}

	if !fingerprint.HasChanged(row.Fingerprint, fp) {
		log.WithFields(map[string]any{"id": row.ID}).Debug("Stage record unchanged on redelivery")
		return &intake.UpsertResult{Record: &row.StageRecord, IsNew: false, IsChanged: false}, nil
	}

	sb := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	sb.Update("stage_records")
	sb.Set(
		sb.Assign("fingerprint", fp),
		sb.Assign("previous_fingerprint", row.Fingerprint),
		sb.Assign("updated_at", now),
	)
	sb.Where(sb.Equal("id", row.ID))

	updateQuery, args := sb.Build()
	if _, err := exec.ExecContext(ctx, updateQuery, args...); err != nil {
		log.WithError(err).WithFields(map[string]any{"id": row.ID}).Error("Failed to update stage record fingerprint")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to update stage record fingerprint")
	}

	row.PreviousFingerprint = row.Fingerprint
	row.Fingerprint = fp
	row.UpdatedAt = now

	log.WithFields(map[string]any{"id": row.ID}).Info("Updated stage record")
	return &intake.UpsertResult{Record: &row.StageRecord, IsNew: false, IsChanged: true}, nil
}

// Get retrieves a stage record by ID
func (r *Repository) Get(ctx context.Context, model, id string) (*models.StageRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "stagerecord.Repository.Get")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From("stage_records")
	sb.Where(
		sb.Equal("id", id),
		sb.Equal("model", model),
	)

	query, args := sb.Build()
	var record models.StageRecord
	if err := r.db.GetContext(ctx, &record, query, args...); err != nil {
		if err.Error() == "sql: no rows in result set" {
			return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "stage record %s not found", id)
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"id": id, "model": model}).Error("Failed to get stage record")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get stage record")
	}
	return &record, nil
}

// GetBySourceID retrieves a stage record by its (model, source_id) key.
func (r *Repository) GetBySourceID(ctx context.Context, model, sourceID string) (*models.StageRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "stagerecord.Repository.GetBySourceID")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From("stage_records")
	sb.Where(
		sb.Equal("model", model),
		sb.Equal("source_id", sourceID),
	)

	query, args := sb.Build()
	var record models.StageRecord
	if err := r.db.GetContext(ctx, &record, query, args...); err != nil {
		if err.Error() == "sql: no rows in result set" {
			return nil, nil
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"model": model, "source_id": sourceID}).Error("Failed to get stage record by source_id")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get stage record")
	}
	return &record, nil
}

// SetReferenceID stamps the resolved canonical reference onto a stage record.
// This is the only mutation stage records receive after creation.
func (r *Repository) SetReferenceID(ctx context.Context, model, stageID, referenceID string) error {
	ctx, span := tracing.StartSpan(ctx, "stagerecord.Repository.SetReferenceID")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	sb.Update("stage_records")
	sb.Set(
		sb.Assign("reference_id", referenceID),
		sb.Assign("updated_at", time.Now().UTC()),
	)
	sb.Where(
		sb.Equal("id", stageID),
		sb.Equal("model", model),
	)

	query, args := sb.Build()
	exec := database.ExecutorFromContext(ctx, r.db)
	result, err := exec.ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"id": stageID, "model": model, "reference_id": referenceID}).Error("Failed to set stage record reference")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to set stage record reference")
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return httperror.NewHTTPErrorf(http.StatusNotFound, "stage record %s not found", stageID)
	}
	return nil
}

// ListBySource pages through stage records attributed to a source system,
// optionally narrowed to one adapter. Used by reassociation sweeps.
func (r *Repository) ListBySource(ctx context.Context, model, system, adapter string, limit, offset int) ([]*models.StageRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "stagerecord.Repository.ListBySource")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From("stage_records")
	where := []string{
		sb.Equal("model", model),
		sb.Equal("source ->> 'system'", system),
	}
	if adapter != "" {
		where = append(where, sb.Equal("source ->> 'adapter'", adapter))
	}
	sb.Where(where...)
	sb.OrderBy("created_at", "id")
	sb.Limit(limit).Offset(offset)

	query, args := sb.Build()
	var records []*models.StageRecord
	if err := r.db.SelectContext(ctx, &records, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"model": model, "system": system, "adapter": adapter}).Error("Failed to list stage records by source")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list stage records")
	}
	return records, nil
}

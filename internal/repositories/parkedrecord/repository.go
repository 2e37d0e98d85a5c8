// Package parkedrecord persists quarantined records awaiting operator review.
package parkedrecord

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
	"github.com/meridian/canon/pkg/models"
	"github.com/meridian/canon/pkg/tracing"
)

var columns = []string{
	"id", "model", "source_id", "occurred_at", "policy_version",
	"correlation_id", "data", "source", "reason_code", "evidence", "created_at",
}

// Repository handles parked record persistence
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new parked record repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Create quarantines a record. Parked rows are append-only; redelivery of the
// same failing record produces a new row so the full failure history survives.
func (r *Repository) Create(ctx context.Context, req *models.CreateParkedRecordRequest) (*models.ParkedRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "parkedrecord.Repository.Create")
	defer span.End()

	log := r.logger.WithContext(ctx).WithFields(map[string]any{
		"method":      "Create",
		"model":       req.Model,
		"source_id":   req.SourceID,
		"reason_code": req.ReasonCode,
	})

	data, err := json.Marshal(req.Data)
	if err != nil {
		log.WithError(err).Error("Failed to encode parked record data")
		return nil, httperror.NewHTTPError(http.StatusBadRequest, "invalid parked record data")
	}
	source, err := json.Marshal(req.Source)
	if err != nil {
		log.WithError(err).Error("Failed to encode parked record source")
		return nil, httperror.NewHTTPError(http.StatusBadRequest, "invalid parked record source")
	}
	var evidence []byte
	if len(req.Evidence) > 0 {
		if evidence, err = json.Marshal(req.Evidence); err != nil {
			log.WithError(err).Error("Failed to encode parked record evidence")
			return nil, httperror.NewHTTPError(http.StatusBadRequest, "invalid parked record evidence")
		}
	}

	record := &models.ParkedRecord{
		ID:            uuid.New().String(),
		Model:         req.Model,
		SourceID:      req.SourceID,
		OccurredAt:    time.Now().UTC(),
		PolicyVersion: req.PolicyVersion,
		CorrelationID: req.CorrelationID,
		Data:          data,
		Source:        source,
		ReasonCode:    req.ReasonCode,
		Evidence:      evidence,
		CreatedAt:     time.Now().UTC(),
	}

	ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
	ib.InsertInto("parked_records")
	ib.Cols(columns...)
	ib.Values(
		record.ID, record.Model, record.SourceID, record.OccurredAt,
		record.PolicyVersion, record.CorrelationID, record.Data, record.Source,
		record.ReasonCode, record.Evidence, record.CreatedAt,
	)

	query, args := ib.Build()
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		log.WithError(err).Error("Failed to create parked record")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to create parked record")
	}

	log.WithFields(map[string]any{"id": record.ID}).Info("Parked record")
	return record, nil
}

// List retrieves parked records for a model, newest first.
func (r *Repository) List(ctx context.Context, model string, reasonCode *string, limit, offset int) ([]*models.ParkedRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "parkedrecord.Repository.List")
	defer span.End()

	if limit < 1 || limit > 500 {
		limit = 100
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From("parked_records")
	where := []string{sb.Equal("model", model)}
	if reasonCode != nil {
		where = append(where, sb.Equal("reason_code", *reasonCode))
	}
	sb.Where(where...)
	sb.OrderBy("created_at DESC")
	sb.Limit(limit).Offset(offset)

	query, args := sb.Build()
	var records []*models.ParkedRecord
	if err := r.db.SelectContext(ctx, &records, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"model": model, "reason_code": reasonCode}).Error("Failed to list parked records")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list parked records")
	}
	return records, nil
}

// Delete removes a parked record after an operator has resolved it.
func (r *Repository) Delete(ctx context.Context, model, id string) error {
	ctx, span := tracing.StartSpan(ctx, "parkedrecord.Repository.Delete")
	defer span.End()

	db := sqlbuilder.PostgreSQL.NewDeleteBuilder()
	db.DeleteFrom("parked_records")
	db.Where(
		db.Equal("id", id),
		db.Equal("model", model),
	)

	query, args := db.Build()
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"id": id, "model": model}).Error("Failed to delete parked record")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to delete parked record")
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return httperror.NewHTTPErrorf(http.StatusNotFound, "parked record %s not found", id)
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{"id": id}).Info("Deleted parked record")
	return nil
}

// Package canonicalrecord persists merged canonical content and per-field
// lineage.
package canonicalrecord

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
	"id", "model", "reference_id", "content", "lineage",
	"fingerprint", "created_at", "updated_at",
}

// Repository handles canonical record persistence
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new canonical record repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Get retrieves the canonical record for a reference, or nil before the first
// apply.
func (r *Repository) Get(ctx context.Context, model, referenceID string) (*models.CanonicalRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "canonicalrecord.Repository.Get")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From("canonical_records")
	sb.Where(
		sb.Equal("model", model),
		sb.Equal("reference_id", referenceID),
	)

	query, args := sb.Build()
	exec := database.ExecutorFromContext(ctx, r.db)
	var record models.CanonicalRecord
	if err := exec.GetContext(ctx, &record, query, args...); err != nil {
		if err.Error() == "sql: no rows in result set" {
			return nil, nil
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"model": model, "reference_id": referenceID}).Error("Failed to get canonical record")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get canonical record")
	}
	return &record, nil
}

// Upsert writes the merged content and lineage for a reference. The caller
// runs this in the same transaction as the version bump so content and
// version advance together.
func (r *Repository) Upsert(ctx context.Context, req *models.UpsertCanonicalRecordRequest, contentFingerprint string) (*models.CanonicalRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "canonicalrecord.Repository.Upsert")
	defer span.End()

	log := r.logger.WithContext(ctx).WithFields(map[string]any{
		"method":       "Upsert",
		"model":        req.Model,
		"reference_id": req.ReferenceID,
	})

	content, err := json.Marshal(req.Content)
	if err != nil {
		log.WithError(err).Error("Failed to encode canonical content")
		return nil, httperror.NewHTTPError(http.StatusBadRequest, "invalid canonical content")
	}
	lineage, err := json.Marshal(req.Lineage)
	if err != nil {
		log.WithError(err).Error("Failed to encode canonical lineage")
		return nil, httperror.NewHTTPError(http.StatusBadRequest, "invalid canonical lineage")
	}

	now := time.Now().UTC()
	query := `
		INSERT INTO canonical_records (
			id, model, reference_id, content, lineage, fingerprint, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT (model, reference_id)
		DO UPDATE SET
			content = EXCLUDED.content,
			lineage = EXCLUDED.lineage,
			fingerprint = EXCLUDED.fingerprint,
			updated_at = EXCLUDED.updated_at
		RETURNING id, model, reference_id, content, lineage, fingerprint, created_at, updated_at
	`

	exec := database.ExecutorFromContext(ctx, r.db)
	var record models.CanonicalRecord
	err = exec.GetContext(ctx, &record, query,
		uuid.New().String(), req.Model, req.ReferenceID, content, lineage, contentFingerprint, now,
	)
	if err != nil {
		log.WithError(err).Error("Failed to upsert canonical record")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to upsert canonical record")
	}

	log.WithFields(map[string]any{"id": record.ID}).Debug("Wrote canonical record")
	return &record, nil
}

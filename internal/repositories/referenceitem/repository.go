// Package referenceitem persists canonical reference anchors and their
// monotonic versions.
package referenceitem

import (
	"context"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/huandu/go-sqlbuilder"

	"github.com/meridian/canon/pkg/canonical"
	"github.com/meridian/canon/pkg/database"
	"github.com/meridian/canon/pkg/models"
	"github.com/meridian/canon/pkg/tracing"
)

var columns = []string{"id", "model", "version", "requires_projection", "created_at", "updated_at"}

// Repository handles reference item persistence
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new reference item repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Get retrieves a reference item
func (r *Repository) Get(ctx context.Context, model, referenceID string) (*models.ReferenceItem, error) {
	ctx, span := tracing.StartSpan(ctx, "referenceitem.Repository.Get")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From("reference_items")
	sb.Where(
		sb.Equal("id", referenceID),
		sb.Equal("model", model),
	)

	query, args := sb.Build()
	exec := database.ExecutorFromContext(ctx, r.db)
	var ref models.ReferenceItem
	if err := exec.GetContext(ctx, &ref, query, args...); err != nil {
		if err.Error() == "sql: no rows in result set" {
			return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "reference %s not found", referenceID)
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"model": model, "reference_id": referenceID}).Error("Failed to get reference item")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get reference item")
	}
	return &ref, nil
}

// CreateIfAbsent inserts a reference at version 0 or returns the existing
// one. Version 0 means no canonical content has been applied yet.
func (r *Repository) CreateIfAbsent(ctx context.Context, model, referenceID string) (*models.ReferenceItem, error) {
	ctx, span := tracing.StartSpan(ctx, "referenceitem.Repository.CreateIfAbsent")
	defer span.End()

	now := time.Now().UTC()
	query := `
		INSERT INTO reference_items (id, model, version, requires_projection, created_at, updated_at)
		VALUES ($1, $2, 0, false, $3, $3)
		ON CONFLICT (model, id) DO NOTHING
	`

	exec := database.ExecutorFromContext(ctx, r.db)
	if _, err := exec.ExecContext(ctx, query, referenceID, model, now); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"model": model, "reference_id": referenceID}).Error("Failed to create reference item")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to create reference item")
	}

	return r.Get(ctx, model, referenceID)
}

// BumpVersion advances the version by exactly 1 and flags the reference for
// projection, guarded by the expected current version. A zero-row update means
// a concurrent writer advanced it first.
func (r *Repository) BumpVersion(ctx context.Context, model, referenceID string, expected int64) (*models.ReferenceItem, error) {
	ctx, span := tracing.StartSpan(ctx, "referenceitem.Repository.BumpVersion")
	defer span.End()

	query := `
		UPDATE reference_items
		SET version = version + 1,
		    requires_projection = true,
		    updated_at = $1
		WHERE id = $2 AND model = $3 AND version = $4
		RETURNING id, model, version, requires_projection, created_at, updated_at
	`

	exec := database.ExecutorFromContext(ctx, r.db)
	var ref models.ReferenceItem
	if err := exec.GetContext(ctx, &ref, query, time.Now().UTC(), referenceID, model, expected); err != nil {
		if err.Error() == "sql: no rows in result set" {
			return nil, canonical.ErrVersionConflict
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"model": model, "reference_id": referenceID, "expected": expected}).Error("Failed to bump reference version")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to bump reference version")
	}
	return &ref, nil
}

// ClearRequiresProjection clears the projection flag only when the stored
// version still equals the materialized one, so a concurrent bump keeps the
// flag set for the next cycle.
func (r *Repository) ClearRequiresProjection(ctx context.Context, model, referenceID string, version int64) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "referenceitem.Repository.ClearRequiresProjection")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	sb.Update("reference_items")
	sb.Set(
		sb.Assign("requires_projection", false),
		sb.Assign("updated_at", time.Now().UTC()),
	)
	sb.Where(
		sb.Equal("id", referenceID),
		sb.Equal("model", model),
		sb.Equal("version", version),
	)

	query, args := sb.Build()
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"model": model, "reference_id": referenceID, "version": version}).Error("Failed to clear projection flag")
		return false, httperror.NewHTTPError(http.StatusInternalServerError, "failed to clear projection flag")
	}

	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

// ListRequiringProjection retrieves references whose flag is set, oldest
// first. Used for drift repair when projection tasks were lost.
func (r *Repository) ListRequiringProjection(ctx context.Context, model string, limit int) ([]*models.ReferenceItem, error) {
	ctx, span := tracing.StartSpan(ctx, "referenceitem.Repository.ListRequiringProjection")
	defer span.End()

	if limit < 1 || limit > 1000 {
		limit = 100
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From("reference_items")
	sb.Where(
		sb.Equal("model", model),
		sb.Equal("requires_projection", true),
	)
	sb.OrderBy("updated_at")
	sb.Limit(limit)

	query, args := sb.Build()
	var refs []*models.ReferenceItem
	if err := r.db.SelectContext(ctx, &refs, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"model": model}).Error("Failed to list references requiring projection")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list references")
	}
	return refs, nil
}

// Package projectionview persists materialized read views.
package projectionview

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

var columns = []string{"id", "model", "reference_id", "view_name", "view", "version", "updated_at"}

// Repository handles projection view persistence
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new projection view repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Upsert overwrites the materialized view for (model, reference_id,
// view_name). Writes are guarded against regression: a concurrent
// materialization of a newer version wins.
func (r *Repository) Upsert(ctx context.Context, req *models.UpsertProjectionViewRequest) (*models.ProjectionView, error) {
	ctx, span := tracing.StartSpan(ctx, "projectionview.Repository.Upsert")
	defer span.End()

	log := r.logger.WithContext(ctx).WithFields(map[string]any{
		"method":       "Upsert",
		"model":        req.Model,
		"reference_id": req.ReferenceID,
		"view_name":    req.ViewName,
		"version":      req.Version,
	})

	view, err := json.Marshal(req.View)
	if err != nil {
		log.WithError(err).Error("Failed to encode projection view")
		return nil, httperror.NewHTTPError(http.StatusBadRequest, "invalid projection view")
	}

	query := `
		INSERT INTO projection_views (
			id, model, reference_id, view_name, view, version, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (model, reference_id, view_name)
		DO UPDATE SET
			view = EXCLUDED.view,
			version = EXCLUDED.version,
			updated_at = EXCLUDED.updated_at
		WHERE projection_views.version <= EXCLUDED.version
		RETURNING id, model, reference_id, view_name, view, version, updated_at
	`

	var record models.ProjectionView
	err = r.db.GetContext(ctx, &record, query,
		uuid.New().String(), req.Model, req.ReferenceID, req.ViewName, view,
		req.Version, time.Now().UTC(),
	)
	if err != nil {
		if err.Error() == "sql: no rows in result set" {
			// A newer materialization already landed; fetch it.
			return r.Get(ctx, req.Model, req.ReferenceID, req.ViewName)
		}
		log.WithError(err).Error("Failed to upsert projection view")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to upsert projection view")
	}

	log.Debug("Materialized projection view")
	return &record, nil
}

// Get retrieves a materialized view.
func (r *Repository) Get(ctx context.Context, model, referenceID, viewName string) (*models.ProjectionView, error) {
	ctx, span := tracing.StartSpan(ctx, "projectionview.Repository.Get")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From("projection_views")
	sb.Where(
		sb.Equal("model", model),
		sb.Equal("reference_id", referenceID),
		sb.Equal("view_name", viewName),
	)

	query, args := sb.Build()
	var record models.ProjectionView
	if err := r.db.GetContext(ctx, &record, query, args...); err != nil {
		if err.Error() == "sql: no rows in result set" {
			return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "projection view %s/%s not found", referenceID, viewName)
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"model": model, "reference_id": referenceID, "view_name": viewName}).Error("Failed to get projection view")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get projection view")
	}
	return &record, nil
}

// ListByReference retrieves all materialized views for a reference.
func (r *Repository) ListByReference(ctx context.Context, model, referenceID string) ([]*models.ProjectionView, error) {
	ctx, span := tracing.StartSpan(ctx, "projectionview.Repository.ListByReference")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From("projection_views")
	sb.Where(
		sb.Equal("model", model),
		sb.Equal("reference_id", referenceID),
	)
	sb.OrderBy("view_name")

	query, args := sb.Build()
	var views []*models.ProjectionView
	if err := r.db.SelectContext(ctx, &views, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"model": model, "reference_id": referenceID}).Error("Failed to list projection views")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list projection views")
	}
	return views, nil
}

// Package rejection persists audit rows for dropped input.
package rejection

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

var columns = []string{"id", "reason_code", "evidence", "policy_version", "created_at"}

// Repository handles rejection report persistence
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new rejection report repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Create records a rejection. Best-effort from the caller's perspective;
// failures here never fail the message.
func (r *Repository) Create(ctx context.Context, req *models.CreateRejectionReportRequest) (*models.RejectionReport, error) {
	ctx, span := tracing.StartSpan(ctx, "rejection.Repository.Create")
	defer span.End()

	var evidence []byte
	if len(req.Evidence) > 0 {
		var err error
		if evidence, err = json.Marshal(req.Evidence); err != nil {
			r.logger.WithContext(ctx).WithError(err).Error("Failed to encode rejection evidence")
			return nil, httperror.NewHTTPError(http.StatusBadRequest, "invalid rejection evidence")
		}
	}

	report := &models.RejectionReport{
		ID:            uuid.New().String(),
		ReasonCode:    req.ReasonCode,
		Evidence:      evidence,
		PolicyVersion: req.PolicyVersion,
		CreatedAt:     time.Now().UTC(),
	}

	ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
	ib.InsertInto("rejection_reports")
	ib.Cols(columns...)
	ib.Values(report.ID, report.ReasonCode, report.Evidence, report.PolicyVersion, report.CreatedAt)

	query, args := ib.Build()
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"reason_code": req.ReasonCode}).Error("Failed to create rejection report")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to create rejection report")
	}

	return report, nil
}

// List retrieves recent rejection reports, newest first.
func (r *Repository) List(ctx context.Context, reasonCode *string, limit, offset int) ([]*models.RejectionReport, error) {
	ctx, span := tracing.StartSpan(ctx, "rejection.Repository.List")
	defer span.End()

	if limit < 1 || limit > 500 {
		limit = 100
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From("rejection_reports")
	if reasonCode != nil {
		sb.Where(sb.Equal("reason_code", *reasonCode))
	}
	sb.OrderBy("created_at DESC")
	sb.Limit(limit).Offset(offset)

	query, args := sb.Build()
	var reports []*models.RejectionReport
	if err := r.db.SelectContext(ctx, &reports, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list rejection reports")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list rejection reports")
	}
	return reports, nil
}

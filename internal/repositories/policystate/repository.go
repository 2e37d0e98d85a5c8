// Package policystate persists merge-policy transformer choices per
// canonical reference.
package policystate

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/huandu/go-sqlbuilder"

	"github.com/meridian/canon/pkg/database"
	"github.com/meridian/canon/pkg/tracing"
)

// Repository handles policy state persistence
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new policy state repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Get retrieves the remembered policy choices for a reference. An empty map
// means no choices have been recorded yet.
func (r *Repository) Get(ctx context.Context, model, referenceID string) (map[string]string, error) {
	ctx, span := tracing.StartSpan(ctx, "policystate.Repository.Get")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("policies")
	sb.From("policy_states")
	sb.Where(
		sb.Equal("model", model),
		sb.Equal("reference_id", referenceID),
	)

	query, args := sb.Build()
	exec := database.ExecutorFromContext(ctx, r.db)
	var raw []byte
	if err := exec.GetContext(ctx, &raw, query, args...); err != nil {
		if err.Error() == "sql: no rows in result set" {
			return map[string]string{}, nil
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"model": model, "reference_id": referenceID}).Error("Failed to get policy state")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get policy state")
	}

	var policies map[string]string
	if err := json.Unmarshal(raw, &policies); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"model": model, "reference_id": referenceID}).Error("Corrupt policy state")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "corrupt policy state")
	}
	return policies, nil
}

// Upsert writes the policy choices for a reference, replacing any previous
// set.
func (r *Repository) Upsert(ctx context.Context, model, referenceID string, policies map[string]string) error {
	ctx, span := tracing.StartSpan(ctx, "policystate.Repository.Upsert")
	defer span.End()

	raw, err := json.Marshal(policies)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"model": model, "reference_id": referenceID}).Error("Failed to encode policy state")
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid policy state")
	}

	query := `
		INSERT INTO policy_states (reference_id, model, policies, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (model, reference_id)
		DO UPDATE SET
			policies = EXCLUDED.policies,
			updated_at = EXCLUDED.updated_at
	`

	exec := database.ExecutorFromContext(ctx, r.db)
	if _, err := exec.ExecContext(ctx, query, referenceID, model, raw, time.Now().UTC()); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"model": model, "reference_id": referenceID}).Error("Failed to upsert policy state")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to upsert policy state")
	}
	return nil
}

// Package identitylink persists source-id to canonical-reference links.
package identitylink

import (
	"context"
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
	"id", "model", "system", "adapter", "external_id", "reference_id",
	"canonical_id", "provisional", "created_at", "expires_at",
}

// Repository handles identity link persistence
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new identity link repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// GetActive retrieves the non-expired link for a source identity, or nil when
// none exists. Expired links are invisible here; a redelivery after expiry
// re-resolves from the key index.
func (r *Repository) GetActive(ctx context.Context, model, system, adapter, externalID string) (*models.IdentityLink, error) {
	ctx, span := tracing.StartSpan(ctx, "identitylink.Repository.GetActive")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From("identity_links")
	sb.Where(
		sb.Equal("model", model),
		sb.Equal("system", system),
		sb.Equal("adapter", adapter),
		sb.Equal("external_id", externalID),
		sb.Or(sb.IsNull("expires_at"), sb.GreaterThan("expires_at", time.Now().UTC())),
	)
	sb.Limit(1)

	query, args := sb.Build()
	var link models.IdentityLink
	if err := r.db.GetContext(ctx, &link, query, args...); err != nil {
		if err.Error() == "sql: no rows in result set" {
			return nil, nil
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"model": model, "system": system, "adapter": adapter, "external_id": externalID}).Error("Failed to get identity link")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get identity link")
	}
	return &link, nil
}

// CreateIfAbsent inserts a provisional link unless an active one already
// exists for the same source identity. The partial unique index arbitrates
// races; the loser reads back the winner's row.
func (r *Repository) CreateIfAbsent(ctx context.Context, req *models.CreateIdentityLinkRequest) (*models.IdentityLink, bool, error) {
	ctx, span := tracing.StartSpan(ctx, "identitylink.Repository.CreateIfAbsent")
	defer span.End()

	log := r.logger.WithContext(ctx).WithFields(map[string]any{
		"method":      "CreateIfAbsent",
		"model":       req.Model,
		"system":      req.System,
		"adapter":     req.Adapter,
		"external_id": req.ExternalID,
	})

	now := time.Now().UTC()
	id := uuid.New().String()

	query := `
		INSERT INTO identity_links (
			id, model, system, adapter, external_id, reference_id,
			canonical_id, provisional, created_at, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, true, $8, $9)
		ON CONFLICT DO NOTHING
	`

	exec := database.ExecutorFromContext(ctx, r.db)
	result, err := exec.ExecContext(ctx, query,
		id, req.Model, req.System, req.Adapter, req.ExternalID,
		req.ReferenceID, req.CanonicalID, now, req.ExpiresAt,
	)
	if err != nil {
		log.WithError(err).Error("Failed to create identity link")
		return nil, false, httperror.NewHTTPError(http.StatusInternalServerError, "failed to create identity link")
	}

	rows, _ := result.RowsAffected()
	link, err := r.GetActive(ctx, req.Model, req.System, req.Adapter, req.ExternalID)
	if err != nil {
		return nil, false, err
	}
	if link == nil {
		log.Error("Identity link vanished after insert")
		return nil, false, httperror.NewHTTPError(http.StatusInternalServerError, "failed to read identity link after insert")
	}

	if rows > 0 {
		log.WithFields(map[string]any{"id": link.ID, "reference_id": link.ReferenceID}).Info("Created identity link")
	}
	return link, rows > 0, nil
}

// Promote clears the provisional flag once canonical content exists for the
// linked reference, optionally recording the canonical record id.
func (r *Repository) Promote(ctx context.Context, model, system, adapter, externalID string, canonicalID *string) (*models.IdentityLink, error) {
	ctx, span := tracing.StartSpan(ctx, "identitylink.Repository.Promote")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	sb.Update("identity_links")
	assignments := []string{sb.Assign("provisional", false)}
	if canonicalID != nil {
		assignments = append(assignments, sb.Assign("canonical_id", *canonicalID))
	}
	sb.Set(assignments...)
	sb.Where(
		sb.Equal("model", model),
		sb.Equal("system", system),
		sb.Equal("adapter", adapter),
		sb.Equal("external_id", externalID),
		sb.Or(sb.IsNull("expires_at"), sb.GreaterThan("expires_at", time.Now().UTC())),
	)

	query, args := sb.Build()
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"model": model, "system": system, "adapter": adapter, "external_id": externalID}).Error("Failed to promote identity link")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to promote identity link")
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "no active identity link for %s/%s/%s", system, adapter, externalID)
	}

	return r.GetActive(ctx, model, system, adapter, externalID)
}

// Expire lapses a link at the given instant without deleting it, preserving
// the historical mapping for audit.
func (r *Repository) Expire(ctx context.Context, model, system, adapter, externalID string, at time.Time) error {
	ctx, span := tracing.StartSpan(ctx, "identitylink.Repository.Expire")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	sb.Update("identity_links")
	sb.Set(sb.Assign("expires_at", at))
	sb.Where(
		sb.Equal("model", model),
		sb.Equal("system", system),
		sb.Equal("adapter", adapter),
		sb.Equal("external_id", externalID),
		sb.IsNull("expires_at"),
	)

	query, args := sb.Build()
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"model": model, "system": system, "adapter": adapter, "external_id": externalID}).Error("Failed to expire identity link")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to expire identity link")
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return httperror.NewHTTPErrorf(http.StatusNotFound, "no active identity link for %s/%s/%s", system, adapter, externalID)
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{"model": model, "system": system, "external_id": externalID}).Info("Expired identity link")
	return nil
}

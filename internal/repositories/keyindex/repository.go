// Package keyindex persists aggregation key to canonical reference mappings.
package keyindex

import (
	"context"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/huandu/go-sqlbuilder"

	"github.com/meridian/canon/pkg/database"
	"github.com/meridian/canon/pkg/models"
	"github.com/meridian/canon/pkg/tracing"
)

var columns = []string{"aggregation_key", "model", "reference_id", "created_at"}

// Repository handles key index persistence
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new key index repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Get retrieves a key index entry, or nil when the key is unindexed.
func (r *Repository) Get(ctx context.Context, model, aggregationKey string) (*models.KeyIndexEntry, error) {
	ctx, span := tracing.StartSpan(ctx, "keyindex.Repository.Get")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From("key_index")
	sb.Where(
		sb.Equal("model", model),
		sb.Equal("aggregation_key", aggregationKey),
	)

	query, args := sb.Build()
	var entry models.KeyIndexEntry
	if err := r.db.GetContext(ctx, &entry, query, args...); err != nil {
		if err.Error() == "sql: no rows in result set" {
			return nil, nil
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"model": model, "aggregation_key": aggregationKey}).Error("Failed to get key index entry")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get key index entry")
	}
	return &entry, nil
}

// CreateIfAbsent indexes an aggregation key, reporting whether this call won
// the insert. Concurrent writers race on the primary key; the loser receives
// the winner's entry and adopts its reference.
func (r *Repository) CreateIfAbsent(ctx context.Context, req *models.CreateKeyIndexRequest) (*models.KeyIndexEntry, bool, error) {
	ctx, span := tracing.StartSpan(ctx, "keyindex.Repository.CreateIfAbsent")
	defer span.End()

	log := r.logger.WithContext(ctx).WithFields(map[string]any{
		"method":          "CreateIfAbsent",
		"model":           req.Model,
		"aggregation_key": req.AggregationKey,
	})

	query := `
		INSERT INTO key_index (aggregation_key, model, reference_id, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (model, aggregation_key) DO NOTHING
	`

	exec := database.ExecutorFromContext(ctx, r.db)
	result, err := exec.ExecContext(ctx, query, req.AggregationKey, req.Model, req.ReferenceID, time.Now().UTC())
	if err != nil {
		log.WithError(err).Error("Failed to index aggregation key")
		return nil, false, httperror.NewHTTPError(http.StatusInternalServerError, "failed to index aggregation key")
	}

	rows, _ := result.RowsAffected()
	entry, err := r.Get(ctx, req.Model, req.AggregationKey)
	if err != nil {
		return nil, false, err
	}
	if entry == nil {
		log.Error("Key index entry vanished after insert")
		return nil, false, httperror.NewHTTPError(http.StatusInternalServerError, "failed to read key index entry after insert")
	}

	if rows > 0 {
		log.WithFields(map[string]any{"reference_id": entry.ReferenceID}).Debug("Indexed aggregation key")
	}
	return entry, rows > 0, nil
}

// ListByReference retrieves all keys pointing at a reference.
func (r *Repository) ListByReference(ctx context.Context, model, referenceID string) ([]*models.KeyIndexEntry, error) {
	ctx, span := tracing.StartSpan(ctx, "keyindex.Repository.ListByReference")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From("key_index")
	sb.Where(
		sb.Equal("model", model),
		sb.Equal("reference_id", referenceID),
	)
	sb.OrderBy("created_at")

	query, args := sb.Build()
	var entries []*models.KeyIndexEntry
	if err := r.db.SelectContext(ctx, &entries, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"model": model, "reference_id": referenceID}).Error("Failed to list key index entries")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list key index entries")
	}
	return entries, nil
}

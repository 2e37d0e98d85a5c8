package canonical

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/Gobusters/ectologger"

	"github.com/meridian/canon/pkg/fingerprint"
	"github.com/meridian/canon/pkg/metrics"
	"github.com/meridian/canon/pkg/models"
	"github.com/meridian/canon/pkg/pathtree"
	"github.com/meridian/canon/pkg/tracing"
)

// ErrVersionConflict is returned by ReferenceStore.BumpVersion when the
// expected version no longer matches. The writer retries the full merge
// cycle against freshly reloaded state.
var ErrVersionConflict = errors.New("reference version conflict")

// DefaultMaxRetries bounds the optimistic write retry loop.
const DefaultMaxRetries = 5

// ReferenceStore persists reference items, the canonical version anchors.
type ReferenceStore interface {
	Get(ctx context.Context, model, referenceID string) (*models.ReferenceItem, error)
	// CreateIfAbsent inserts a reference at version 0 or returns the existing
	// one; it must be race-safe at the storage layer.
	CreateIfAbsent(ctx context.Context, model, referenceID string) (*models.ReferenceItem, error)
	// BumpVersion increments the version by exactly 1 and sets
	// requires_projection, only when the stored version equals expected.
	// Returns ErrVersionConflict otherwise.
	BumpVersion(ctx context.Context, model, referenceID string, expected int64) (*models.ReferenceItem, error)
}

// ContentStore persists canonical content. Get returns (nil, nil) when no
// content exists yet.
type ContentStore interface {
	Get(ctx context.Context, model, referenceID string) (*models.CanonicalRecord, error)
	Upsert(ctx context.Context, req *models.UpsertCanonicalRecordRequest, contentFingerprint string) (*models.CanonicalRecord, error)
}

// PolicyStore persists merge-policy transformer choices per reference.
type PolicyStore interface {
	Get(ctx context.Context, model, referenceID string) (map[string]string, error)
	Upsert(ctx context.Context, model, referenceID string, policies map[string]string) error
}

// TxRunner scopes the content write and version bump to one transaction.
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Outcome describes what happened to a proposed update.
type Outcome int

const (
	OutcomeApplied Outcome = iota
	OutcomeSkipped
	OutcomeDeferred
	// OutcomeUnchanged means the proposed content matched the stored
	// canonical content; nothing was written and the version did not move.
	OutcomeUnchanged
)

// ApplyRequest carries one proposed canonical update.
type ApplyRequest struct {
	Model                 string
	ReferenceID           string
	Proposed              map[string]any
	Metadata              UpdateMetadata
	Handler               UpdateHandler // nil applies unconditionally
	FingerprintExclusions map[string]bool
}

// ApplyResult reports the outcome of an Apply call.
type ApplyResult struct {
	Outcome   Outcome
	Reason    string
	Reference *models.ReferenceItem
	Record    *models.CanonicalRecord
}

// Writer applies merge results to the canonical store. Writes to the same
// reference are serialized through an optimistic version check; a conflicting
// write retries the whole merge-and-write cycle.
type Writer struct {
	refs       ReferenceStore
	content    ContentStore
	policies   PolicyStore
	tx         TxRunner
	logger     ectologger.Logger
	maxRetries int
}

func NewWriter(refs ReferenceStore, content ContentStore, policies PolicyStore, tx TxRunner, logger ectologger.Logger) *Writer {
	return &Writer{
		refs:       refs,
		content:    content,
		policies:   policies,
		tx:         tx,
		logger:     logger,
		maxRetries: DefaultMaxRetries,
	}
}

// Apply runs the update handler (when present) against the current canonical
// state and persists the result, bumping the reference version by exactly 1
// and flagging it for projection.
func (w *Writer) Apply(ctx context.Context, req *ApplyRequest) (*ApplyResult, error) {
	ctx, span := tracing.StartSpan(ctx, "canonical.Writer.Apply")
	defer span.End()

	log := w.logger.WithContext(ctx).WithFields(map[string]any{
		"method":       "Apply",
		"model":        req.Model,
		"reference_id": req.ReferenceID,
	})

	if _, err := w.refs.CreateIfAbsent(ctx, req.Model, req.ReferenceID); err != nil {
		log.WithError(err).Error("Failed to ensure reference item")
		return nil, err
	}

	for attempt := 0; attempt < w.maxRetries; attempt++ {
		result, err := w.applyOnce(ctx, log, req)
		if errors.Is(err, ErrVersionConflict) {
			metrics.VersionConflicts.WithLabelValues(req.Model).Inc()
			log.WithFields(map[string]any{"attempt": attempt + 1}).Debug("Version conflict, retrying merge cycle")
			continue
		}
		if err != nil {
			return nil, err
		}
		return result, nil
	}

	return nil, fmt.Errorf("gave up applying update to reference %s after %d attempts: %w", req.ReferenceID, w.maxRetries, ErrVersionConflict)
}

func (w *Writer) applyOnce(ctx context.Context, log ectologger.Logger, req *ApplyRequest) (*ApplyResult, error) {
	ref, err := w.refs.Get(ctx, req.Model, req.ReferenceID)
	if err != nil {
		log.WithError(err).Error("Failed to load reference item")
		return nil, err
	}

	currentRec, err := w.content.Get(ctx, req.Model, req.ReferenceID)
	if err != nil {
		log.WithError(err).Error("Failed to load canonical content")
		return nil, err
	}

	var current map[string]any
	var currentLineage models.Lineage
	if currentRec != nil {
		if current, err = currentRec.ContentMap(); err != nil {
			return nil, fmt.Errorf("corrupt canonical content for %s: %w", req.ReferenceID, err)
		}
		if currentLineage, err = currentRec.LineageMap(); err != nil {
			return nil, fmt.Errorf("corrupt canonical lineage for %s: %w", req.ReferenceID, err)
		}
	}

	policies, err := w.policies.Get(ctx, req.Model, req.ReferenceID)
	if err != nil {
		log.WithError(err).Error("Failed to load policy state")
		return nil, err
	}
	if policies == nil {
		policies = map[string]string{}
	}

	// Handlers mutate the proposal in place, so each retry gets a fresh copy.
	proposed, err := deepCopy(req.Proposed)
	if err != nil {
		return nil, err
	}

	reason := ""
	if req.Handler != nil {
		meta := req.Metadata
		meta.PolicyState = policies

		decision, err := req.Handler.Update(ctx, proposed, current, meta)
		if err != nil {
			return nil, err
		}
		reason = decision.Reason

		switch decision.Decision {
		case DecisionSkip:
			log.WithFields(map[string]any{"reason": decision.Reason}).Info("Handler skipped update")
			return &ApplyResult{Outcome: OutcomeSkipped, Reason: decision.Reason, Reference: ref, Record: currentRec}, nil
		case DecisionDefer:
			log.WithFields(map[string]any{"reason": decision.Reason}).Warn("Handler deferred update")
			return &ApplyResult{Outcome: OutcomeDeferred, Reason: decision.Reason, Reference: ref, Record: currentRec}, nil
		}
	}

	newFingerprint := fingerprint.GenerateWithExclusions(proposed, req.FingerprintExclusions)
	if currentRec != nil && !fingerprint.HasChanged(currentRec.Fingerprint, newFingerprint) {
		log.Debug("Canonical content unchanged")
		return &ApplyResult{Outcome: OutcomeUnchanged, Reason: reason, Reference: ref, Record: currentRec}, nil
	}

	lineage := nextLineage(currentLineage, current, proposed, req.Metadata)

	var (
		newRef *models.ReferenceItem
		newRec *models.CanonicalRecord
	)
	err = w.tx.RunInTx(ctx, func(ctx context.Context) error {
		newRec, err = w.content.Upsert(ctx, &models.UpsertCanonicalRecordRequest{
			Model:       req.Model,
			ReferenceID: req.ReferenceID,
			Content:     proposed,
			Lineage:     lineage,
		}, newFingerprint)
		if err != nil {
			return err
		}

		newRef, err = w.refs.BumpVersion(ctx, req.Model, req.ReferenceID, ref.Version)
		if err != nil {
			return err
		}

		if len(policies) > 0 {
			return w.policies.Upsert(ctx, req.Model, req.ReferenceID, policies)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.CanonicalWrites.WithLabelValues(req.Model).Inc()
	log.WithFields(map[string]any{"version": newRef.Version}).Info("Applied canonical update")

	return &ApplyResult{Outcome: OutcomeApplied, Reason: reason, Reference: newRef, Record: newRec}, nil
}

// nextLineage attributes every changed field path to the update's source and
// drops attribution for paths no longer present.
func nextLineage(current models.Lineage, currentContent, proposed map[string]any, meta UpdateMetadata) models.Lineage {
	next := make(models.Lineage, len(current))

	oldFlat := pathtree.Flatten(currentContent)
	newFlat := pathtree.Flatten(proposed)

	for path := range newFlat {
		if entry, ok := current[path]; ok {
			next[path] = entry
		}
	}

	for path, value := range newFlat {
		old, existed := oldFlat[path]
		if existed && reflect.DeepEqual(old, value) {
			continue
		}
		next[path] = models.LineageEntry{
			System:    meta.Source.System,
			Adapter:   meta.Source.Adapter,
			UpdatedAt: meta.OccurredAt,
		}
	}

	return next
}

func deepCopy(m map[string]any) (map[string]any, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

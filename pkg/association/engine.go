// Package association resolves stage records to canonical references through
// aggregation keys and identity links.
package association

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/meridian/canon/pkg/models"
	"github.com/meridian/canon/pkg/tracing"
)

// ErrKeyConflict signals that two configured aggregation keys resolved to
// different existing references. The record must be parked; silently picking
// one side would retroactively corrupt history.
var ErrKeyConflict = errors.New("aggregation keys resolve to different references")

// KeyConflictError carries the conflicting key→reference pairs as evidence.
type KeyConflictError struct {
	Keys map[string]string
}

func (e *KeyConflictError) Error() string {
	refs := make([]string, 0, len(e.Keys))
	for _, ref := range e.Keys {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	return fmt.Sprintf("%d aggregation keys resolve to references %v", len(e.Keys), refs)
}

func (e *KeyConflictError) Unwrap() error { return ErrKeyConflict }

// KeyIndexStore persists aggregation key → reference mappings. Get returns
// (nil, nil) when the key is unindexed. CreateIfAbsent must be race-safe: it
// reports whether this call created the entry, returning the existing entry
// otherwise.
type KeyIndexStore interface {
	Get(ctx context.Context, model, aggregationKey string) (*models.KeyIndexEntry, error)
	CreateIfAbsent(ctx context.Context, req *models.CreateKeyIndexRequest) (*models.KeyIndexEntry, bool, error)
}

// LinkStore persists identity links. GetActive ignores expired links and
// returns (nil, nil) when none exists.
type LinkStore interface {
	GetActive(ctx context.Context, model, system, adapter, externalID string) (*models.IdentityLink, error)
	CreateIfAbsent(ctx context.Context, req *models.CreateIdentityLinkRequest) (*models.IdentityLink, bool, error)
	Promote(ctx context.Context, model, system, adapter, externalID string, canonicalID *string) (*models.IdentityLink, error)
}

// StageUpdater sets the resolved reference on a stage record, the one
// mutation stage records receive after creation.
type StageUpdater interface {
	SetReferenceID(ctx context.Context, model, stageID, referenceID string) error
}

// Request carries one stage record through association.
type Request struct {
	Model      string
	StageID    string
	Payload    map[string]any
	Source     models.SourceMeta
	ExternalID string
	KeyFields  [][]string
}

// Result reports the resolved reference and the identity link state.
type Result struct {
	ReferenceID  string
	NewReference bool
	Link         *models.IdentityLink
	Keys         []string
}

// Engine computes aggregation keys, resolves or mints canonical references,
// and maintains identity links.
type Engine struct {
	keys   KeyIndexStore
	links  LinkStore
	stages StageUpdater
	logger ectologger.Logger
}

func NewEngine(keys KeyIndexStore, links LinkStore, stages StageUpdater, logger ectologger.Logger) *Engine {
	return &Engine{
		keys:   keys,
		links:  links,
		stages: stages,
		logger: logger,
	}
}

// Associate resolves the canonical reference for a stage record. Conflicting
// key resolutions return a KeyConflictError (wrapping ErrKeyConflict) so the
// caller can park the record with evidence.
func (e *Engine) Associate(ctx context.Context, req *Request) (*Result, error) {
	ctx, span := tracing.StartSpan(ctx, "association.Engine.Associate")
	defer span.End()

	log := e.logger.WithContext(ctx).WithFields(map[string]any{
		"method":   "Associate",
		"model":    req.Model,
		"stage_id": req.StageID,
	})

	keys := ComputeKeys(req.Payload, req.KeyFields)

	resolved := make(map[string]string, len(keys))
	for _, key := range keys {
		entry, err := e.keys.Get(ctx, req.Model, key)
		if err != nil {
			log.WithError(err).Error("Failed to look up key index")
			return nil, err
		}
		if entry != nil {
			resolved[key] = entry.ReferenceID
		}
	}

	distinct := distinctValues(resolved)
	if len(distinct) > 1 {
		log.WithFields(map[string]any{"references": distinct}).Warn("Aggregation key conflict")
		return nil, &KeyConflictError{Keys: resolved}
	}

	referenceID := ""
	minted := false
	if len(distinct) == 1 {
		referenceID = distinct[0]
	} else {
		// No key matched. Reuse an active identity link before minting so
		// keyless models still converge on one reference per external id.
		link, err := e.links.GetActive(ctx, req.Model, req.Source.System, req.Source.Adapter, req.ExternalID)
		if err != nil {
			log.WithError(err).Error("Failed to look up identity link")
			return nil, err
		}
		if link != nil {
			referenceID = link.ReferenceID
		} else {
			referenceID = uuid.New().String()
			minted = true
		}
	}

	referenceID, created, err := e.indexKeys(ctx, log, req.Model, keys, resolved, referenceID, minted)
	if err != nil {
		return nil, err
	}

	link, err := e.ensureLink(ctx, log, req, referenceID)
	if err != nil {
		return nil, err
	}

	if err := e.stages.SetReferenceID(ctx, req.Model, req.StageID, referenceID); err != nil {
		log.WithError(err).Error("Failed to set reference on stage record")
		return nil, err
	}

	log.WithFields(map[string]any{
		"reference_id":  referenceID,
		"new_reference": created,
		"keys":          len(keys),
	}).Debug("Associated stage record")

	return &Result{
		ReferenceID:  referenceID,
		NewReference: created,
		Link:         link,
		Keys:         keys,
	}, nil
}

// indexKeys creates the missing key index entries. Losing a create race on a
// freshly minted reference adopts the winner's reference instead; losing it
// against an already-established reference is a conflict.
func (e *Engine) indexKeys(ctx context.Context, log ectologger.Logger, model string, keys []string, resolved map[string]string, referenceID string, minted bool) (string, bool, error) {
	anyCreated := false
	for _, key := range keys {
		if _, ok := resolved[key]; ok {
			continue
		}

		entry, created, err := e.keys.CreateIfAbsent(ctx, &models.CreateKeyIndexRequest{
			AggregationKey: key,
			Model:          model,
			ReferenceID:    referenceID,
		})
		if err != nil {
			log.WithError(err).Error("Failed to create key index entry")
			return "", false, err
		}
		if created {
			anyCreated = true
			continue
		}

		if entry.ReferenceID == referenceID {
			continue
		}
		if minted && !anyCreated {
			// A concurrent record won the create for this key; use its
			// reference and keep going.
			referenceID = entry.ReferenceID
			minted = false
			continue
		}

		return "", false, &KeyConflictError{Keys: map[string]string{key: entry.ReferenceID, "(resolved)": referenceID}}
	}

	return referenceID, minted && (anyCreated || len(keys) == 0), nil
}

func (e *Engine) ensureLink(ctx context.Context, log ectologger.Logger, req *Request, referenceID string) (*models.IdentityLink, error) {
	link, created, err := e.links.CreateIfAbsent(ctx, &models.CreateIdentityLinkRequest{
		Model:       req.Model,
		System:      req.Source.System,
		Adapter:     req.Source.Adapter,
		ExternalID:  req.ExternalID,
		ReferenceID: referenceID,
	})
	if err != nil {
		log.WithError(err).Error("Failed to create identity link")
		return nil, err
	}

	if !created && link.ReferenceID != referenceID {
		// An established link never moves to a new reference. The divergence
		// is logged for the sweep process to reconcile.
		log.WithFields(map[string]any{
			"link_reference": link.ReferenceID,
			"key_reference":  referenceID,
		}).Warn("Identity link points at a different reference")
	}

	return link, nil
}

// ConfirmLink promotes a provisional identity link once a canonical match is
// confirmed. The confirmation trigger is host policy; this is the hook.
func (e *Engine) ConfirmLink(ctx context.Context, model, system, adapter, externalID string, canonicalID *string) (*models.IdentityLink, error) {
	ctx, span := tracing.StartSpan(ctx, "association.Engine.ConfirmLink")
	defer span.End()

	link, err := e.links.Promote(ctx, model, system, adapter, externalID, canonicalID)
	if err != nil {
		e.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"model":       model,
			"system":      system,
			"adapter":     adapter,
			"external_id": externalID,
		}).Error("Failed to promote identity link")
		return nil, err
	}

	return link, nil
}

func distinctValues(m map[string]string) []string {
	seen := make(map[string]bool, len(m))
	values := make([]string, 0, len(m))
	for _, v := range m {
		if !seen[v] {
			seen[v] = true
			values = append(values, v)
		}
	}
	sort.Strings(values)
	return values
}

package intake

import (
	"context"
	"fmt"

	"github.com/Gobusters/ectologger"

	"github.com/meridian/canon/pkg/envelope"
	"github.com/meridian/canon/pkg/models"
	"github.com/meridian/canon/pkg/pathtree"
	"github.com/meridian/canon/pkg/tracing"
	"github.com/meridian/canon/pkg/validate"
)

// DefaultAdapter is used when the envelope metadata does not name one.
const DefaultAdapter = "default"

// UpsertResult contains the result of a stage upsert operation
type UpsertResult struct {
	Record    *models.StageRecord
	IsNew     bool
	IsChanged bool
}

// StageStore persists stage records. Implementations compute the content
// fingerprint (with the given exclusions) and detect changes on redelivery.
type StageStore interface {
	Upsert(ctx context.Context, req *models.CreateStageRecordRequest, exclusions map[string]bool) (*UpsertResult, error)
}

// ParkStore persists quarantined records.
type ParkStore interface {
	Create(ctx context.Context, req *models.CreateParkedRecordRequest) (*models.ParkedRecord, error)
}

// Writer persists accepted records as stage records, or as parked records
// when an interceptor quarantined them.
type Writer struct {
	stages StageStore
	parked ParkStore
	logger ectologger.Logger
}

func NewWriter(stages StageStore, parked ParkStore, logger ectologger.Logger) *Writer {
	return &Writer{
		stages: stages,
		parked: parked,
		logger: logger,
	}
}

// BuildStageRequest splits a decoded envelope into the business payload and
// the provenance metadata. Business fields never land in Source and
// provenance fields never land in Data. SourceID falls back to the source
// system name when the payload carries no natural id, preserving lineage for
// later external-id composition.
func BuildStageRequest(model string, dec *envelope.Decoded, externalIDField string) *models.CreateStageRecordRequest {
	sourceID := dec.Source
	if externalIDField != "" {
		if v := pathtree.Get(dec.Payload, externalIDField); v != nil {
			sourceID = fmt.Sprintf("%v", v)
		}
	}

	adapter := DefaultAdapter
	extras := make(map[string]any, len(dec.Metadata))
	var correlationID, policyVersion *string
	for k, v := range dec.Metadata {
		switch k {
		case "adapter":
			if s, ok := v.(string); ok && s != "" {
				adapter = s
				continue
			}
		case "correlation_id":
			if s, ok := v.(string); ok && s != "" {
				correlationID = &s
				continue
			}
		case "policy_version":
			if s, ok := v.(string); ok && s != "" {
				policyVersion = &s
				continue
			}
		}
		extras[k] = v
	}
	if len(extras) == 0 {
		extras = nil
	}

	return &models.CreateStageRecordRequest{
		Model:         model,
		SourceID:      sourceID,
		PolicyVersion: policyVersion,
		CorrelationID: correlationID,
		Data:          dec.Payload,
		Source: models.SourceMeta{
			System:        dec.Source,
			Adapter:       adapter,
			TransportType: dec.TransportType,
			TransportAt:   dec.TransportAt,
			Extras:        extras,
		},
	}
}

// WriteStage persists the record on the accepted path.
func (w *Writer) WriteStage(ctx context.Context, req *models.CreateStageRecordRequest, exclusions map[string]bool) (*UpsertResult, error) {
	ctx, span := tracing.StartSpan(ctx, "intake.Writer.WriteStage")
	defer span.End()

	log := w.logger.WithContext(ctx).WithFields(map[string]any{
		"method":    "WriteStage",
		"model":     req.Model,
		"source_id": req.SourceID,
	})

	if err := validate.Struct(req); err != nil {
		return nil, fmt.Errorf("invalid stage record request: %w", err)
	}

	result, err := w.stages.Upsert(ctx, req, exclusions)
	if err != nil {
		log.WithError(err).Error("Failed to upsert stage record")
		return nil, err
	}

	if result.IsNew {
		log.WithFields(map[string]any{"id": result.Record.ID}).Info("Created stage record")
	} else if !result.IsChanged {
		log.WithFields(map[string]any{"id": result.Record.ID}).Debug("Stage record unchanged")
	}

	return result, nil
}

// WritePark quarantines the record and stops the flow; parked records never
// proceed to association.
func (w *Writer) WritePark(ctx context.Context, req *models.CreateParkedRecordRequest) (*models.ParkedRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "intake.Writer.WritePark")
	defer span.End()

	log := w.logger.WithContext(ctx).WithFields(map[string]any{
		"method":      "WritePark",
		"model":       req.Model,
		"source_id":   req.SourceID,
		"reason_code": req.ReasonCode,
	})

	if err := validate.Struct(req); err != nil {
		return nil, fmt.Errorf("invalid parked record request: %w", err)
	}

	record, err := w.parked.Create(ctx, req)
	if err != nil {
		log.WithError(err).Error("Failed to park record")
		return nil, err
	}

	log.WithFields(map[string]any{"id": record.ID}).Warn("Parked record")
	return record, nil
}

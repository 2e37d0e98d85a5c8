// Package processor drives one inbound message through decode, interception,
// intake, association, canonical write, and projection scheduling.
package processor

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/meridian/canon/pkg/association"
	"github.com/meridian/canon/pkg/canonical"
	"github.com/meridian/canon/pkg/envelope"
	"github.com/meridian/canon/pkg/intake"
	"github.com/meridian/canon/pkg/kafka"
	"github.com/meridian/canon/pkg/metrics"
	"github.com/meridian/canon/pkg/models"
	"github.com/meridian/canon/pkg/registry"
	"github.com/meridian/canon/pkg/tracing"
)

// EventPublisher announces canonical changes downstream. Publish failures are
// logged, not fatal; consumers reconcile from projections.
type EventPublisher interface {
	PublishReferenceEvent(ctx context.Context, event *kafka.ReferenceEvent) error
}

// RejectionStore records audit rows for dropped input.
type RejectionStore interface {
	Create(ctx context.Context, req *models.CreateRejectionReportRequest) (*models.RejectionReport, error)
}

// StageLister pages through stage records for re-association.
type StageLister interface {
	ListBySource(ctx context.Context, model, system, adapter string, limit, offset int) ([]*models.StageRecord, error)
}

// Config holds processor tunables.
type Config struct {
	// ReassociateBatchSize pages stage records during a reassociate command.
	ReassociateBatchSize int
}

// DefaultConfig returns the default processor configuration
func DefaultConfig() Config {
	return Config{ReassociateBatchSize: 200}
}

// Processor orchestrates the pipeline for each inbound message.
type Processor struct {
	registry    *registry.Registry
	writer      *intake.Writer
	engine      *association.Engine
	canonWriter *canonical.Writer
	scheduler   projectionScheduler
	publisher   EventPublisher
	rejections  RejectionStore
	stages      StageLister
	config      Config
	logger      ectologger.Logger
}

// projectionScheduler is the narrow surface the processor needs from
// pkg/projection.
type projectionScheduler interface {
	Schedule(ctx context.Context, model, referenceID string, version int64, views []string) error
}

func NewProcessor(
	reg *registry.Registry,
	writer *intake.Writer,
	engine *association.Engine,
	canonWriter *canonical.Writer,
	scheduler projectionScheduler,
	publisher EventPublisher,
	rejections RejectionStore,
	stages StageLister,
	config Config,
	logger ectologger.Logger,
) *Processor {
	if config.ReassociateBatchSize <= 0 {
		config.ReassociateBatchSize = DefaultConfig().ReassociateBatchSize
	}
	return &Processor{
		registry:    reg,
		writer:      writer,
		engine:      engine,
		canonWriter: canonWriter,
		scheduler:   scheduler,
		publisher:   publisher,
		rejections:  rejections,
		stages:      stages,
		config:      config,
		logger:      logger,
	}
}

// ProcessMessage handles one message end to end. A nil return commits the
// offset; errors are transient failures and trigger redelivery.
func (p *Processor) ProcessMessage(ctx context.Context, msg *kafka.IncomingMessage) error {
	ctx, span := tracing.StartSpan(ctx, "processor.Processor.ProcessMessage")
	defer span.End()

	log := p.logger.WithContext(ctx).WithFields(map[string]any{
		"topic":  msg.Topic,
		"offset": msg.Offset,
	})

	dec, err := envelope.Decode(msg.Value)
	if err != nil {
		// Malformed envelopes are a deployment problem, not a transient one.
		log.WithError(err).Error("Dropping undecodable message")
		p.recordRejection(ctx, log, models.ReasonUnknownEnvelopeKind, map[string]any{"error": err.Error()})
		metrics.MessagesProcessed.WithLabelValues("", "dropped").Inc()
		return nil
	}

	if dec.Kind == envelope.KindControlCommand {
		return p.processControl(ctx, log, dec.Control)
	}

	start := time.Now()
	outcome, err := p.processEntity(ctx, log, dec)
	if err != nil {
		metrics.MessagesProcessed.WithLabelValues(dec.Model, "failed").Inc()
		return err
	}

	metrics.MessagesProcessed.WithLabelValues(dec.Model, outcome).Inc()
	metrics.ProcessingDuration.WithLabelValues(dec.Model).Observe(time.Since(start).Seconds())
	return nil
}

func (p *Processor) processEntity(ctx context.Context, log ectologger.Logger, dec *envelope.Decoded) (string, error) {
	desc, ok := p.registry.Resolve(dec.Model)
	if !ok {
		log.WithFields(map[string]any{"model": dec.Model}).Error("Dropping message for unknown model")
		p.recordRejection(ctx, log, models.ReasonUnknownModel, map[string]any{"model": dec.Model})
		return "dropped", nil
	}

	log = log.WithFields(map[string]any{"model": dec.Model, "source": dec.Source})

	chainResult, err := intake.RunChain(ctx, p.logger, desc.Interceptors, dec.Payload)
	if err != nil {
		return "", err
	}

	switch chainResult.Status {
	case intake.StatusDrop:
		return "dropped", nil
	case intake.StatusPark:
		// Parking always wins, even when an update handler is registered.
		if chainResult.Payload != nil {
			dec.Payload = chainResult.Payload
		}
		req := intake.BuildStageRequest(dec.Model, dec, desc.ExternalIDField)
		if err := p.park(ctx, req, chainResult.ReasonCode, chainResult.Evidence); err != nil {
			return "", err
		}
		return "parked", nil
	}

	dec.Payload = chainResult.Payload

	stageReq := intake.BuildStageRequest(dec.Model, dec, desc.ExternalIDField)
	stageResult, err := p.writer.WriteStage(ctx, stageReq, desc.FingerprintExclusions)
	if err != nil {
		return "", err
	}

	assocResult, err := p.engine.Associate(ctx, &association.Request{
		Model:      dec.Model,
		StageID:    stageResult.Record.ID,
		Payload:    dec.Payload,
		Source:     stageReq.Source,
		ExternalID: stageReq.SourceID,
		KeyFields:  desc.KeyFields,
	})
	if err != nil {
		var conflict *association.KeyConflictError
		if errors.As(err, &conflict) {
			evidence := make(map[string]any, len(conflict.Keys))
			for key, ref := range conflict.Keys {
				evidence[key] = ref
			}
			if parkErr := p.park(ctx, stageReq, models.ReasonAggregationKeyConflict, evidence); parkErr != nil {
				return "", parkErr
			}
			return "parked", nil
		}
		return "", err
	}

	applyResult, err := p.canonWriter.Apply(ctx, &canonical.ApplyRequest{
		Model:       dec.Model,
		ReferenceID: assocResult.ReferenceID,
		Proposed:    dec.Payload,
		Metadata: canonical.UpdateMetadata{
			Source:        stageReq.Source,
			OccurredAt:    stageResult.Record.OccurredAt,
			CorrelationID: stageReq.CorrelationID,
		},
		Handler:               desc.UpdateHandler,
		FingerprintExclusions: desc.FingerprintExclusions,
	})
	if err != nil {
		return "", err
	}

	switch applyResult.Outcome {
	case canonical.OutcomeSkipped:
		return "skipped", nil
	case canonical.OutcomeDeferred:
		// Retry scheduling is a host concern; the deferral itself is the
		// durable signal.
		log.WithFields(map[string]any{"reason": applyResult.Reason}).Warn("Update deferred")
		return "deferred", nil
	case canonical.OutcomeUnchanged:
		// A failure between the canonical commit and the task enqueue leaves
		// the projection flag set; redelivery short-circuits to here, so this
		// is the path that must re-enqueue. Enqueue coalesces per
		// (reference, view), so a duplicate schedule is harmless.
		if applyResult.Reference != nil && applyResult.Reference.RequiresProjection {
			if err := p.scheduler.Schedule(ctx, dec.Model, assocResult.ReferenceID, applyResult.Reference.Version, desc.ViewNames()); err != nil {
				return "", err
			}
		}
		return "unchanged", nil
	}

	if err := p.scheduler.Schedule(ctx, dec.Model, assocResult.ReferenceID, applyResult.Reference.Version, desc.ViewNames()); err != nil {
		return "", err
	}

	p.publishReferenceEvent(ctx, log, dec.Model, applyResult, assocResult.NewReference)

	return "applied", nil
}

func (p *Processor) park(ctx context.Context, stageReq *models.CreateStageRecordRequest, reasonCode string, evidence map[string]any) error {
	_, err := p.writer.WritePark(ctx, &models.CreateParkedRecordRequest{
		Model:         stageReq.Model,
		SourceID:      stageReq.SourceID,
		PolicyVersion: stageReq.PolicyVersion,
		CorrelationID: stageReq.CorrelationID,
		Data:          stageReq.Data,
		Source:        stageReq.Source,
		ReasonCode:    reasonCode,
		Evidence:      evidence,
	})
	if err != nil {
		return err
	}
	metrics.RecordsParked.WithLabelValues(stageReq.Model, reasonCode).Inc()
	return nil
}

func (p *Processor) publishReferenceEvent(ctx context.Context, log ectologger.Logger, model string, result *canonical.ApplyResult, isNew bool) {
	if p.publisher == nil {
		return
	}

	eventType := "reference.updated"
	if isNew {
		eventType = "reference.created"
	}

	var content json.RawMessage
	if result.Record != nil {
		content = result.Record.Content
	}

	event := &kafka.ReferenceEvent{
		EventType:   eventType,
		Model:       model,
		ReferenceID: result.Reference.ID,
		Version:     result.Reference.Version,
		Content:     content,
	}
	if err := p.publisher.PublishReferenceEvent(ctx, event); err != nil {
		// Downstream reconciles from projections; do not fail the message.
		log.WithError(err).Warn("Failed to publish reference event")
	}
}

func (p *Processor) recordRejection(ctx context.Context, log ectologger.Logger, reasonCode string, evidence map[string]any) {
	if p.rejections == nil {
		return
	}
	if _, err := p.rejections.Create(ctx, &models.CreateRejectionReportRequest{
		ReasonCode: reasonCode,
		Evidence:   evidence,
	}); err != nil {
		log.WithError(err).Warn("Failed to record rejection report")
	}
}

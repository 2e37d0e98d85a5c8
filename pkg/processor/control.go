package processor

import (
	"context"
	"encoding/json"

	"github.com/Gobusters/ectologger"

	"github.com/meridian/canon/pkg/association"
	"github.com/meridian/canon/pkg/models"
	"github.com/meridian/canon/pkg/tracing"
)

// processControl handles out-of-band operational commands. Unknown verbs are
// logged and dropped; commands are operator input, not transient failures.
func (p *Processor) processControl(ctx context.Context, log ectologger.Logger, body json.RawMessage) error {
	ctx, span := tracing.StartSpan(ctx, "processor.Processor.processControl")
	defer span.End()

	var cmd models.ControlCommand
	if err := json.Unmarshal(body, &cmd); err != nil {
		log.WithError(err).Error("Dropping unparseable control command")
		return nil
	}

	log = log.WithFields(map[string]any{
		"verb":   cmd.Verb,
		"target": cmd.Target,
	})

	switch cmd.Verb {
	case models.VerbReassociate:
		return p.reassociate(ctx, log, &cmd)
	default:
		log.Warn("Ignoring unknown control command verb")
		return nil
	}
}

// reassociate re-runs the association engine over the stage records of a
// "system:adapter" target (or "system:*"). Arg names the model to sweep.
func (p *Processor) reassociate(ctx context.Context, log ectologger.Logger, cmd *models.ControlCommand) error {
	if p.stages == nil {
		log.Warn("Reassociation requested but no stage lister is configured")
		return nil
	}

	model := cmd.Arg
	desc, ok := p.registry.Resolve(model)
	if !ok {
		log.WithFields(map[string]any{"model": model}).Error("Reassociation target model is not registered")
		return nil
	}

	system, adapter := cmd.TargetParts()
	if adapter == "*" {
		adapter = ""
	}

	processed := 0
	failed := 0
	offset := 0
	for {
		records, err := p.stages.ListBySource(ctx, model, system, adapter, p.config.ReassociateBatchSize, offset)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			break
		}

		for _, record := range records {
			if err := p.reassociateRecord(ctx, desc.KeyFields, record); err != nil {
				failed++
				log.WithError(err).WithFields(map[string]any{"stage_id": record.ID}).Warn("Failed to reassociate stage record")
				continue
			}
			processed++
		}

		offset += len(records)
	}

	log.WithFields(map[string]any{
		"processed": processed,
		"failed":    failed,
	}).Info("Reassociation sweep completed")
	return nil
}

func (p *Processor) reassociateRecord(ctx context.Context, keyFields [][]string, record *models.StageRecord) error {
	payload, err := record.DataMap()
	if err != nil {
		return err
	}
	source, err := record.SourceMeta()
	if err != nil {
		return err
	}

	_, err = p.engine.Associate(ctx, &association.Request{
		Model:      record.Model,
		StageID:    record.ID,
		Payload:    payload,
		Source:     source,
		ExternalID: record.SourceID,
		KeyFields:  keyFields,
	})
	return err
}

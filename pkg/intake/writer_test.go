package intake

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian/canon/pkg/envelope"
	"github.com/meridian/canon/pkg/models"
)

type fakeStageStore struct {
	lastReq        *models.CreateStageRecordRequest
	lastExclusions map[string]bool
}

func (f *fakeStageStore) Upsert(_ context.Context, req *models.CreateStageRecordRequest, exclusions map[string]bool) (*UpsertResult, error) {
	f.lastReq = req
	f.lastExclusions = exclusions

	data, _ := json.Marshal(req.Data)
	source, _ := json.Marshal(req.Source)
	return &UpsertResult{
		Record: &models.StageRecord{
			ID:         uuid.New().String(),
			Model:      req.Model,
			SourceID:   req.SourceID,
			OccurredAt: time.Now().UTC(),
			Data:       data,
			Source:     source,
		},
		IsNew:     true,
		IsChanged: true,
	}, nil
}

type fakeParkStore struct {
	lastReq *models.CreateParkedRecordRequest
}

func (f *fakeParkStore) Create(_ context.Context, req *models.CreateParkedRecordRequest) (*models.ParkedRecord, error) {
	f.lastReq = req

	data, _ := json.Marshal(req.Data)
	return &models.ParkedRecord{
		ID:         uuid.New().String(),
		Model:      req.Model,
		SourceID:   req.SourceID,
		Data:       data,
		ReasonCode: req.ReasonCode,
	}, nil
}

func TestBuildStageRequest_MetadataIsolation(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	dec := &envelope.Decoded{
		Kind:          envelope.KindTransportEnvelope,
		Model:         "Customer",
		Source:        "crm",
		Payload:       map[string]any{"externalId": "C-1", "name": "Acme"},
		Metadata:      map[string]any{"adapter": "salesforce", "batch": "b-7"},
		TransportType: "kafka",
		TransportAt:   &at,
	}

	req := BuildStageRequest("Customer", dec, "externalId")

	// Data carries business fields only.
	assert.Equal(t, map[string]any{"externalId": "C-1", "name": "Acme"}, req.Data)
	for k := range req.Data {
		assert.NotContains(t, []string{"system", "adapter", "transport_type", "transport_at"}, k)
	}

	// Source carries provenance only.
	assert.Equal(t, "crm", req.Source.System)
	assert.Equal(t, "salesforce", req.Source.Adapter)
	assert.Equal(t, "kafka", req.Source.TransportType)
	require.NotNil(t, req.Source.TransportAt)
	assert.Equal(t, at, *req.Source.TransportAt)
	assert.Equal(t, map[string]any{"batch": "b-7"}, req.Source.Extras)
	assert.NotContains(t, req.Source.Extras, "adapter")
}

func TestBuildStageRequest_SourceIDFromPayload(t *testing.T) {
	dec := &envelope.Decoded{
		Model:   "Person",
		Source:  "hr",
		Payload: map[string]any{"identifier": map[string]any{"username": "jdoe"}},
	}

	req := BuildStageRequest("Person", dec, "identifier.username")
	assert.Equal(t, "jdoe", req.SourceID)
}

func TestBuildStageRequest_SourceIDFallsBackToSystem(t *testing.T) {
	dec := &envelope.Decoded{
		Model:   "Customer",
		Source:  "crm",
		Payload: map[string]any{"name": "Acme"},
	}

	req := BuildStageRequest("Customer", dec, "externalId")
	assert.Equal(t, "crm", req.SourceID)
}

func TestBuildStageRequest_AdapterDefaults(t *testing.T) {
	dec := &envelope.Decoded{
		Model:   "Customer",
		Source:  "crm",
		Payload: map[string]any{"externalId": "C-1"},
	}

	req := BuildStageRequest("Customer", dec, "externalId")
	assert.Equal(t, DefaultAdapter, req.Source.Adapter)
}

func TestBuildStageRequest_CorrelationAndPolicyVersion(t *testing.T) {
	dec := &envelope.Decoded{
		Model:   "Customer",
		Source:  "crm",
		Payload: map[string]any{"externalId": "C-1"},
		Metadata: map[string]any{
			"correlation_id": "corr-1",
			"policy_version": "v3",
		},
	}

	req := BuildStageRequest("Customer", dec, "externalId")
	require.NotNil(t, req.CorrelationID)
	assert.Equal(t, "corr-1", *req.CorrelationID)
	require.NotNil(t, req.PolicyVersion)
	assert.Equal(t, "v3", *req.PolicyVersion)
	assert.Nil(t, req.Source.Extras)
}

func TestWriteStage(t *testing.T) {
	stages := &fakeStageStore{}
	writer := NewWriter(stages, &fakeParkStore{}, testLogger())

	req := &models.CreateStageRecordRequest{
		Model:    "Customer",
		SourceID: "C-1",
		Data:     map[string]any{"name": "Acme"},
		Source:   models.SourceMeta{System: "crm", Adapter: "default"},
	}

	result, err := writer.WriteStage(context.Background(), req, map[string]bool{"updated_at": true})
	require.NoError(t, err)

	assert.True(t, result.IsNew)
	assert.Equal(t, req, stages.lastReq)
	assert.Equal(t, map[string]bool{"updated_at": true}, stages.lastExclusions)
}

func TestWriteStage_InvalidRequest(t *testing.T) {
	writer := NewWriter(&fakeStageStore{}, &fakeParkStore{}, testLogger())

	_, err := writer.WriteStage(context.Background(), &models.CreateStageRecordRequest{Model: "Customer"}, nil)
	assert.Error(t, err)
}

func TestWritePark(t *testing.T) {
	parked := &fakeParkStore{}
	writer := NewWriter(&fakeStageStore{}, parked, testLogger())

	req := &models.CreateParkedRecordRequest{
		Model:      "Customer",
		SourceID:   "C-1",
		Data:       map[string]any{"name": "Acme"},
		Source:     models.SourceMeta{System: "crm", Adapter: "default"},
		ReasonCode: models.ReasonAggregationKeyConflict,
	}

	record, err := writer.WritePark(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, models.ReasonAggregationKeyConflict, record.ReasonCode)
	assert.Equal(t, req, parked.lastReq)
}

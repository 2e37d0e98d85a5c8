package models

import (
	"encoding/json"
	"time"
)

// Parking reason codes. Interceptors may supply their own codes; these cover
// the pipeline-owned failure classes.
const (
	ReasonAggregationKeyConflict = "AGGREGATION_KEY_CONFLICT"
	ReasonParentNotFound         = "PARENT_NOT_FOUND"
	ReasonMissingCorrelation     = "MISSING_CORRELATION"
	ReasonUnknownEnvelopeKind    = "UNKNOWN_ENVELOPE_KIND"
	ReasonUnknownModel           = "UNKNOWN_MODEL"
)

// SourceMeta is the provenance half of a stage record. It carries only
// source/transport metadata; business fields never appear here.
type SourceMeta struct {
	System        string         `json:"system"`
	Adapter       string         `json:"adapter"`
	TransportType string         `json:"transport_type,omitempty"`
	TransportAt   *time.Time     `json:"transport_at,omitempty"`
	Extras        map[string]any `json:"extras,omitempty"`
}

// StageRecord is the durable, source-attributed snapshot of an incoming change.
// Data holds the business payload only; Source holds provenance only.
type StageRecord struct {
	ID                  string          `json:"id" db:"id"`
	Model               string          `json:"model" db:"model"`
	SourceID            string          `json:"source_id" db:"source_id"`
	OccurredAt          time.Time       `json:"occurred_at" db:"occurred_at"`
	PolicyVersion       *string         `json:"policy_version,omitempty" db:"policy_version"`
	CorrelationID       *string         `json:"correlation_id,omitempty" db:"correlation_id"`
	ReferenceID         *string         `json:"reference_id,omitempty" db:"reference_id"`
	Data                json.RawMessage `json:"data" db:"data"`
	Source              json.RawMessage `json:"source" db:"source"`
	Fingerprint         string          `json:"fingerprint" db:"fingerprint"`
	PreviousFingerprint string          `json:"previous_fingerprint,omitempty" db:"previous_fingerprint"`
	CreatedAt           time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at" db:"updated_at"`
}

// DataMap unmarshals the business payload into a map.
func (s *StageRecord) DataMap() (map[string]any, error) {
	var m map[string]any
	if err := json.Unmarshal(s.Data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// SourceMeta unmarshals the provenance metadata.
func (s *StageRecord) SourceMeta() (SourceMeta, error) {
	var m SourceMeta
	if err := json.Unmarshal(s.Source, &m); err != nil {
		return SourceMeta{}, err
	}
	return m, nil
}

// CreateStageRecordRequest is the request for creating/upserting a stage record
type CreateStageRecordRequest struct {
	Model         string         `json:"model" validate:"required"`
	SourceID      string         `json:"source_id" validate:"required"`
	PolicyVersion *string        `json:"policy_version,omitempty"`
	CorrelationID *string        `json:"correlation_id,omitempty"`
	Data          map[string]any `json:"data" validate:"required"`
	Source        SourceMeta     `json:"source"`
}

// ParkedRecord is a quarantined record. Same shape as StageRecord plus the
// reason it could not be processed.
type ParkedRecord struct {
	ID            string          `json:"id" db:"id"`
	Model         string          `json:"model" db:"model"`
	SourceID      string          `json:"source_id" db:"source_id"`
	OccurredAt    time.Time       `json:"occurred_at" db:"occurred_at"`
	PolicyVersion *string         `json:"policy_version,omitempty" db:"policy_version"`
	CorrelationID *string         `json:"correlation_id,omitempty" db:"correlation_id"`
	Data          json.RawMessage `json:"data" db:"data"`
	Source        json.RawMessage `json:"source" db:"source"`
	ReasonCode    string          `json:"reason_code" db:"reason_code"`
	Evidence      json.RawMessage `json:"evidence,omitempty" db:"evidence"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// CreateParkedRecordRequest is the request for quarantining a record
type CreateParkedRecordRequest struct {
	Model         string         `json:"model" validate:"required"`
	SourceID      string         `json:"source_id" validate:"required"`
	PolicyVersion *string        `json:"policy_version,omitempty"`
	CorrelationID *string        `json:"correlation_id,omitempty"`
	Data          map[string]any `json:"data" validate:"required"`
	Source        SourceMeta     `json:"source"`
	ReasonCode    string         `json:"reason_code" validate:"required"`
	Evidence      map[string]any `json:"evidence,omitempty"`
}

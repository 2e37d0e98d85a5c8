package models

import (
	"encoding/json"
	"time"
)

// ReferenceItem is the canonical anchor for an entity. Version only ever
// moves forward; RequiresProjection flags the reference for materialization.
type ReferenceItem struct {
	ID                 string    `json:"id" db:"id"`
	Model              string    `json:"model" db:"model"`
	Version            int64     `json:"version" db:"version"`
	RequiresProjection bool      `json:"requires_projection" db:"requires_projection"`
	CreatedAt          time.Time `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time `json:"updated_at" db:"updated_at"`
}

// LineageEntry records which source contributed a field's current value.
type LineageEntry struct {
	System    string    `json:"system"`
	Adapter   string    `json:"adapter"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Lineage maps dot-notation field paths to their contributing source.
type Lineage map[string]LineageEntry

// CanonicalRecord holds the merged canonical content for a reference, with
// per-field lineage alongside it.
type CanonicalRecord struct {
	ID          string          `json:"id" db:"id"`
	Model       string          `json:"model" db:"model"`
	ReferenceID string          `json:"reference_id" db:"reference_id"`
	Content     json.RawMessage `json:"content" db:"content"`
	Lineage     json.RawMessage `json:"lineage" db:"lineage"`
	Fingerprint string          `json:"fingerprint" db:"fingerprint"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`
}

// ContentMap unmarshals the canonical content into a map.
func (c *CanonicalRecord) ContentMap() (map[string]any, error) {
	var m map[string]any
	if err := json.Unmarshal(c.Content, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// LineageMap unmarshals the per-field lineage.
func (c *CanonicalRecord) LineageMap() (Lineage, error) {
	if len(c.Lineage) == 0 {
		return Lineage{}, nil
	}
	var l Lineage
	if err := json.Unmarshal(c.Lineage, &l); err != nil {
		return nil, err
	}
	return l, nil
}

// UpsertCanonicalRecordRequest is the request for writing canonical content
type UpsertCanonicalRecordRequest struct {
	Model       string         `json:"model" validate:"required"`
	ReferenceID string         `json:"reference_id" validate:"required,uuid"`
	Content     map[string]any `json:"content" validate:"required"`
	Lineage     Lineage        `json:"lineage,omitempty"`
}

// PolicyState remembers merge-policy transformer choices per reference so
// later updates replay the same decisions.
type PolicyState struct {
	ReferenceID string            `json:"reference_id" db:"reference_id"`
	Model       string            `json:"model" db:"model"`
	Policies    map[string]string `json:"policies" db:"-"`
	UpdatedAt   time.Time         `json:"updated_at" db:"updated_at"`
}

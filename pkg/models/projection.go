package models

import (
	"encoding/json"
	"time"
)

// Standard view names. Models may configure additional views.
const (
	ViewDefault = "default"
	ViewLineage = "lineage"
)

// ProjectionTask is an ephemeral work item: materialize ViewName for
// ReferenceID at (or past) the stamped Version.
type ProjectionTask struct {
	ID          string    `json:"id" db:"id"`
	Model       string    `json:"model" db:"model"`
	ReferenceID string    `json:"reference_id" db:"reference_id"`
	Version     int64     `json:"version" db:"version"`
	ViewName    string    `json:"view_name" db:"view_name"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// ProjectionView is a materialized read view, overwritten on each
// (re)materialization.
type ProjectionView struct {
	ID          string          `json:"id" db:"id"`
	Model       string          `json:"model" db:"model"`
	ReferenceID string          `json:"reference_id" db:"reference_id"`
	ViewName    string          `json:"view_name" db:"view_name"`
	View        json.RawMessage `json:"view" db:"view"`
	Version     int64           `json:"version" db:"version"`
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`
}

// ViewMap unmarshals the view payload into a map.
func (v *ProjectionView) ViewMap() (map[string]any, error) {
	var m map[string]any
	if err := json.Unmarshal(v.View, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// UpsertProjectionViewRequest is the request for writing a materialized view
type UpsertProjectionViewRequest struct {
	Model       string         `json:"model" validate:"required"`
	ReferenceID string         `json:"reference_id" validate:"required,uuid"`
	ViewName    string         `json:"view_name" validate:"required"`
	View        map[string]any `json:"view" validate:"required"`
	Version     int64          `json:"version" validate:"gte=0"`
}

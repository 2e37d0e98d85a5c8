package models

import "time"

// IdentityLink maps a source system's native identifier to a canonical
// reference. At most one non-expired link exists per (model, system, adapter,
// external_id). A reference is never reassigned once the link is promoted.
type IdentityLink struct {
	ID          string     `json:"id" db:"id"`
	Model       string     `json:"model" db:"model"`
	System      string     `json:"system" db:"system"`
	Adapter     string     `json:"adapter" db:"adapter"`
	ExternalID  string     `json:"external_id" db:"external_id"`
	ReferenceID string     `json:"reference_id" db:"reference_id"`
	CanonicalID *string    `json:"canonical_id,omitempty" db:"canonical_id"`
	Provisional bool       `json:"provisional" db:"provisional"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty" db:"expires_at"`
}

// IsExpired reports whether the link has lapsed at the given instant.
func (l *IdentityLink) IsExpired(now time.Time) bool {
	return l.ExpiresAt != nil && !l.ExpiresAt.After(now)
}

// CreateIdentityLinkRequest is the request for creating an identity link.
// New links are always provisional.
type CreateIdentityLinkRequest struct {
	Model       string     `json:"model" validate:"required"`
	System      string     `json:"system" validate:"required"`
	Adapter     string     `json:"adapter" validate:"required"`
	ExternalID  string     `json:"external_id" validate:"required"`
	ReferenceID string     `json:"reference_id" validate:"required,uuid"`
	CanonicalID *string    `json:"canonical_id,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// KeyIndexEntry maps an aggregation key to a canonical reference. The
// aggregation key is the entry's own identifier; one reference may be the
// target of many keys.
type KeyIndexEntry struct {
	AggregationKey string    `json:"aggregation_key" db:"aggregation_key"`
	Model          string    `json:"model" db:"model"`
	ReferenceID    string    `json:"reference_id" db:"reference_id"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// CreateKeyIndexRequest is the request for indexing an aggregation key
type CreateKeyIndexRequest struct {
	AggregationKey string `json:"aggregation_key" validate:"required"`
	Model          string `json:"model" validate:"required"`
	ReferenceID    string `json:"reference_id" validate:"required,uuid"`
}

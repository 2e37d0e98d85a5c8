package models

import (
	"encoding/json"
	"strings"
	"time"
)

// Control command verbs handled by the processor.
const (
	VerbReassociate = "reassociate"
)

// ControlCommand is an out-of-band operational command, delivered on the same
// transport as entity messages.
type ControlCommand struct {
	Verb       string         `json:"verb"`
	Target     string         `json:"target,omitempty"` // "system:adapter" or "system:*"
	Arg        string         `json:"arg,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
	IssuedAt   time.Time      `json:"issued_at"`
}

// TargetParts splits the target into its system and adapter halves.
// An adapter of "*" (or a missing adapter) matches all adapters.
func (c *ControlCommand) TargetParts() (system, adapter string) {
	system, adapter, found := strings.Cut(c.Target, ":")
	if !found || adapter == "" {
		adapter = "*"
	}
	return system, adapter
}

// RejectionReport is a durable audit row for dropped input. Off the hot path.
type RejectionReport struct {
	ID            string          `json:"id" db:"id"`
	ReasonCode    string          `json:"reason_code" db:"reason_code"`
	Evidence      json.RawMessage `json:"evidence,omitempty" db:"evidence"`
	PolicyVersion *string         `json:"policy_version,omitempty" db:"policy_version"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// CreateRejectionReportRequest is the request for recording a rejection
type CreateRejectionReportRequest struct {
	ReasonCode    string         `json:"reason_code" validate:"required"`
	Evidence      map[string]any `json:"evidence,omitempty"`
	PolicyVersion *string        `json:"policy_version,omitempty"`
}

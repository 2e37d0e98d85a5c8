// Package canonical applies merge decisions to the canonical record set with
// optimistic versioning.
package canonical

import (
	"context"
	"time"

	"github.com/meridian/canon/pkg/models"
)

// Decision is the outcome of an update handler.
type Decision int

const (
	// DecisionApply persists the (possibly mutated) proposed content.
	DecisionApply Decision = iota
	// DecisionSkip leaves the canonical record untouched; no projection is
	// scheduled.
	DecisionSkip
	// DecisionDefer asks for the record to be retried later. Retry scheduling
	// lives outside this pipeline; the decision is logged and surfaced.
	DecisionDefer
)

// UpdateResult carries a handler's decision and its stated reason.
type UpdateResult struct {
	Decision Decision
	Reason   string
}

func Apply(reason string) UpdateResult { return UpdateResult{Decision: DecisionApply, Reason: reason} }
func Skip(reason string) UpdateResult  { return UpdateResult{Decision: DecisionSkip, Reason: reason} }
func Defer(reason string) UpdateResult { return UpdateResult{Decision: DecisionDefer, Reason: reason} }

// UpdateMetadata gives a handler the provenance and policy context for the
// proposed update.
type UpdateMetadata struct {
	Source        models.SourceMeta
	OccurredAt    time.Time
	CorrelationID *string
	// PolicyState holds the transformer choices remembered for this
	// reference. Handlers may mutate it; changes persist with the apply.
	PolicyState map[string]string
}

// UpdateHandler is an optional per-model merge hook. proposed may be mutated
// in place; current is nil on first sighting. An error return is a transient
// failure, retried by the transport.
type UpdateHandler interface {
	Update(ctx context.Context, proposed map[string]any, current map[string]any, meta UpdateMetadata) (UpdateResult, error)
}

// UpdateHandlerFunc adapts a function to the UpdateHandler interface.
type UpdateHandlerFunc func(ctx context.Context, proposed map[string]any, current map[string]any, meta UpdateMetadata) (UpdateResult, error)

func (f UpdateHandlerFunc) Update(ctx context.Context, proposed map[string]any, current map[string]any, meta UpdateMetadata) (UpdateResult, error) {
	return f(ctx, proposed, current, meta)
}

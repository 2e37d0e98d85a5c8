// Package intake runs the pre-intake interceptor chain and persists accepted
// records as stage records (or parked records when quarantined).
package intake

import (
	"context"

	"github.com/Gobusters/ectologger"
)

// Status is the outcome of an interceptor (and of the chain as a whole).
type Status int

const (
	// StatusContinue passes the (possibly mutated) payload to the next stage.
	StatusContinue Status = iota
	// StatusDrop ends processing with no persisted trace.
	StatusDrop
	// StatusPark diverts the record to quarantine. Parking always wins over
	// any downstream update-handler decision.
	StatusPark
)

// Result is the typed outcome of an interceptor invocation.
type Result struct {
	Status     Status
	Payload    map[string]any // the chain's current payload; may be a mutated copy
	Reason     string         // human-readable, for logs
	ReasonCode string         // set on Park; stored on the parked record
	Evidence   map[string]any // optional supporting detail for parked records
}

// Continue passes the payload through, possibly mutated.
func Continue(payload map[string]any) Result {
	return Result{Status: StatusContinue, Payload: payload}
}

// Drop rejects the record with no persisted trace.
func Drop(reason string) Result {
	return Result{Status: StatusDrop, Reason: reason}
}

// Park quarantines the record under the given reason code.
func Park(reasonCode string, evidence map[string]any) Result {
	return Result{Status: StatusPark, ReasonCode: reasonCode, Evidence: evidence}
}

// Interceptor is a pre-intake hook registered per model type. An error return
// signals a transient failure (the message is retried by the transport);
// rejection is expressed through the Result, not through errors.
type Interceptor interface {
	Name() string
	BeforeIntake(ctx context.Context, payload map[string]any) (Result, error)
}

// RunChain executes interceptors in registration order. The first non-Continue
// result short-circuits the chain.
func RunChain(ctx context.Context, logger ectologger.Logger, interceptors []Interceptor, payload map[string]any) (Result, error) {
	current := payload
	for _, ic := range interceptors {
		result, err := ic.BeforeIntake(ctx, current)
		if err != nil {
			return Result{}, err
		}

		switch result.Status {
		case StatusContinue:
			if result.Payload != nil {
				current = result.Payload
			}
		case StatusDrop:
			logger.WithContext(ctx).WithFields(map[string]any{
				"interceptor": ic.Name(),
				"reason":      result.Reason,
			}).Info("Interceptor dropped record")
			return result, nil
		case StatusPark:
			logger.WithContext(ctx).WithFields(map[string]any{
				"interceptor": ic.Name(),
				"reason_code": result.ReasonCode,
			}).Info("Interceptor parked record")
			// Park the payload as the interceptor saw it, mutations from
			// earlier interceptors included.
			result.Payload = current
			return result, nil
		}
	}

	return Continue(current), nil
}

package intake

import (
	"context"
	"errors"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type funcInterceptor struct {
	name string
	fn   func(ctx context.Context, payload map[string]any) (Result, error)
}

func (f *funcInterceptor) Name() string { return f.name }

func (f *funcInterceptor) BeforeIntake(ctx context.Context, payload map[string]any) (Result, error) {
	return f.fn(ctx, payload)
}

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func TestRunChain_EmptyChainContinues(t *testing.T) {
	payload := map[string]any{"name": "Acme"}

	result, err := RunChain(context.Background(), testLogger(), nil, payload)
	require.NoError(t, err)

	assert.Equal(t, StatusContinue, result.Status)
	assert.Equal(t, payload, result.Payload)
}

func TestRunChain_RunsInRegistrationOrder(t *testing.T) {
	var order []string
	mk := func(name string) Interceptor {
		return &funcInterceptor{name: name, fn: func(_ context.Context, p map[string]any) (Result, error) {
			order = append(order, name)
			return Continue(p), nil
		}}
	}

	_, err := RunChain(context.Background(), testLogger(), []Interceptor{mk("a"), mk("b"), mk("c")}, map[string]any{})
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestRunChain_MutationPropagates(t *testing.T) {
	normalize := &funcInterceptor{name: "normalize", fn: func(_ context.Context, p map[string]any) (Result, error) {
		p["name"] = "ACME"
		return Continue(p), nil
	}}

	result, err := RunChain(context.Background(), testLogger(), []Interceptor{normalize}, map[string]any{"name": "acme"})
	require.NoError(t, err)

	assert.Equal(t, "ACME", result.Payload["name"])
}

func TestRunChain_DropShortCircuits(t *testing.T) {
	ran := false
	dropper := &funcInterceptor{name: "dropper", fn: func(_ context.Context, _ map[string]any) (Result, error) {
		return Drop("test data"), nil
	}}
	after := &funcInterceptor{name: "after", fn: func(_ context.Context, p map[string]any) (Result, error) {
		ran = true
		return Continue(p), nil
	}}

	result, err := RunChain(context.Background(), testLogger(), []Interceptor{dropper, after}, map[string]any{})
	require.NoError(t, err)

	assert.Equal(t, StatusDrop, result.Status)
	assert.Equal(t, "test data", result.Reason)
	assert.False(t, ran, "interceptors after a Drop must not run")
}

func TestRunChain_ParkShortCircuits(t *testing.T) {
	parker := &funcInterceptor{name: "parker", fn: func(_ context.Context, _ map[string]any) (Result, error) {
		return Park("MISSING_CORRELATION", map[string]any{"field": "correlation_id"}), nil
	}}

	result, err := RunChain(context.Background(), testLogger(), []Interceptor{parker}, map[string]any{})
	require.NoError(t, err)

	assert.Equal(t, StatusPark, result.Status)
	assert.Equal(t, "MISSING_CORRELATION", result.ReasonCode)
	assert.Equal(t, map[string]any{"field": "correlation_id"}, result.Evidence)
}

func TestRunChain_ParkCarriesMutatedPayload(t *testing.T) {
	rewrite := &funcInterceptor{name: "rewrite", fn: func(_ context.Context, p map[string]any) (Result, error) {
		out := map[string]any{"name": p["name"], "tier": "standard"}
		return Continue(out), nil
	}}
	parker := &funcInterceptor{name: "parker", fn: func(_ context.Context, _ map[string]any) (Result, error) {
		return Park("PARENT_NOT_FOUND", nil), nil
	}}

	result, err := RunChain(context.Background(), testLogger(), []Interceptor{rewrite, parker}, map[string]any{"name": "acme"})
	require.NoError(t, err)

	assert.Equal(t, StatusPark, result.Status)
	assert.Equal(t, map[string]any{"name": "acme", "tier": "standard"}, result.Payload,
		"park result carries the payload as the parking interceptor saw it")
}

func TestRunChain_ErrorPropagates(t *testing.T) {
	boom := errors.New("store unavailable")
	failing := &funcInterceptor{name: "failing", fn: func(_ context.Context, _ map[string]any) (Result, error) {
		return Result{}, boom
	}}

	_, err := RunChain(context.Background(), testLogger(), []Interceptor{failing}, map[string]any{})
	assert.ErrorIs(t, err, boom)
}

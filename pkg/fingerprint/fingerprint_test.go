package fingerprint

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate_Deterministic(t *testing.T) {
	a := map[string]any{"name": "Ada", "email": "ada@example.com", "age": float64(36)}
	b := map[string]any{"age": float64(36), "email": "ada@example.com", "name": "Ada"}

	assert.Equal(t, Generate(a), Generate(b), "key order must not affect the fingerprint")
}

func TestGenerate_DetectsChange(t *testing.T) {
	a := map[string]any{"name": "Ada"}
	b := map[string]any{"name": "Grace"}

	assert.True(t, HasChanged(Generate(a), Generate(b)))
	assert.False(t, HasChanged(Generate(a), Generate(a)))
}

func TestGenerate_NestedStructures(t *testing.T) {
	a := map[string]any{
		"address": map[string]any{"city": "Berlin", "zip": "10115"},
		"tags":    []any{"x", "y"},
	}
	b := map[string]any{
		"tags":    []any{"x", "y"},
		"address": map[string]any{"zip": "10115", "city": "Berlin"},
	}
	c := map[string]any{
		"address": map[string]any{"city": "Berlin", "zip": "10115"},
		"tags":    []any{"y", "x"},
	}

	assert.Equal(t, Generate(a), Generate(b))
	assert.NotEqual(t, Generate(a), Generate(c), "array order is significant")
}

func TestGenerateWithExclusions(t *testing.T) {
	base := map[string]any{
		"name":           "Ada",
		"last_synced_at": "2026-01-01T00:00:00Z",
	}
	changedSync := map[string]any{
		"name":           "Ada",
		"last_synced_at": "2026-02-01T00:00:00Z",
	}

	exclusions := map[string]bool{"last_synced_at": true}

	assert.Equal(t,
		GenerateWithExclusions(base, exclusions),
		GenerateWithExclusions(changedSync, exclusions),
	)
	assert.NotEqual(t, Generate(base), Generate(changedSync))
}

func TestGenerateWithExclusions_NestedPath(t *testing.T) {
	a := map[string]any{
		"name":     "Ada",
		"metadata": map[string]any{"version": float64(1), "source": "crm"},
	}
	b := map[string]any{
		"name":     "Ada",
		"metadata": map[string]any{"version": float64(2), "source": "crm"},
	}

	exclusions := map[string]bool{"metadata.version": true}

	assert.Equal(t, GenerateWithExclusions(a, exclusions), GenerateWithExclusions(b, exclusions))
}

func TestGenerateWithExclusions_ParentPrefix(t *testing.T) {
	a := map[string]any{
		"name":     "Ada",
		"metadata": map[string]any{"version": float64(1), "source": "crm"},
	}
	b := map[string]any{
		"name":     "Ada",
		"metadata": map[string]any{"version": float64(9), "source": "erp"},
	}

	// Excluding the parent path excludes everything below it.
	exclusions := map[string]bool{"metadata": true}

	assert.Equal(t, GenerateWithExclusions(a, exclusions), GenerateWithExclusions(b, exclusions))
}

func TestGenerateFromJSON(t *testing.T) {
	raw := json.RawMessage(`{"name":"Ada","age":36}`)
	fp, err := GenerateFromJSON(raw)
	require.NoError(t, err)
	assert.Len(t, fp, 64)

	same, err := GenerateFromJSON(json.RawMessage(`{"age":36,"name":"Ada"}`))
	require.NoError(t, err)
	assert.Equal(t, fp, same)
}

func TestGenerateFromJSON_Invalid(t *testing.T) {
	_, err := GenerateFromJSON(json.RawMessage(`not json`))
	assert.Error(t, err)
}

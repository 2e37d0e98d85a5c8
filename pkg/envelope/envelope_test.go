package envelope

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_TypedEntity(t *testing.T) {
	body := []byte(`{
		"type": "TypedEntity",
		"model": "Customer",
		"source": "crm",
		"payload": {"externalId": "C-1", "name": "Acme"},
		"metadata": {"batch": "b-1"}
	}`)

	decoded, err := Decode(body)
	require.NoError(t, err)

	assert.Equal(t, KindTypedEntity, decoded.Kind)
	assert.Equal(t, "Customer", decoded.Model)
	assert.Equal(t, "crm", decoded.Source)
	assert.Equal(t, map[string]any{"externalId": "C-1", "name": "Acme"}, decoded.Payload)
	assert.Equal(t, map[string]any{"batch": "b-1"}, decoded.Metadata)
}

func TestDecode_SourceDefaultsToUnknown(t *testing.T) {
	body := []byte(`{"type": "TypedEntity", "model": "Customer", "payload": {"name": "Acme"}}`)

	decoded, err := Decode(body)
	require.NoError(t, err)

	assert.Equal(t, SourceUnknown, decoded.Source)
}

func TestDecode_DynamicEntity_ExpandsPaths(t *testing.T) {
	body := []byte(`{
		"type": "DynamicEntity",
		"model": "Person",
		"source": "hr",
		"payload": {"identifier.username": "jdoe", "identifier.domain": "corp", "name": "Jay Doe"}
	}`)

	decoded, err := Decode(body)
	require.NoError(t, err)

	assert.Equal(t, map[string]any{
		"identifier": map[string]any{"username": "jdoe", "domain": "corp"},
		"name":       "Jay Doe",
	}, decoded.Payload)
}

func TestDecode_TransportEnvelope(t *testing.T) {
	body := []byte(`{
		"type": "TransportEnvelope",
		"transport": {"type": "kafka", "at": "2026-03-01T12:00:00Z"},
		"entity": {
			"model": "Customer",
			"source": "erp",
			"payload": {"externalId": "E-9"}
		}
	}`)

	decoded, err := Decode(body)
	require.NoError(t, err)

	assert.Equal(t, KindTransportEnvelope, decoded.Kind)
	assert.Equal(t, "Customer", decoded.Model)
	assert.Equal(t, "erp", decoded.Source)
	assert.Equal(t, "kafka", decoded.TransportType)
	require.NotNil(t, decoded.TransportAt)
	assert.Equal(t, 2026, decoded.TransportAt.Year())
}

func TestDecode_DynamicTransportEnvelope(t *testing.T) {
	body := []byte(`{
		"type": "DynamicTransportEnvelope",
		"transport": {"type": "queue"},
		"entity": {
			"model": "Person",
			"payload": {"contact.email": "j@corp.test"}
		}
	}`)

	decoded, err := Decode(body)
	require.NoError(t, err)

	assert.Equal(t, SourceUnknown, decoded.Source)
	assert.Equal(t, map[string]any{
		"contact": map[string]any{"email": "j@corp.test"},
	}, decoded.Payload)
}

func TestDecode_ControlCommand(t *testing.T) {
	body := []byte(`{
		"type": "ControlCommand",
		"command": {"verb": "reassociate", "target": "crm:*"}
	}`)

	decoded, err := Decode(body)
	require.NoError(t, err)

	assert.Equal(t, KindControlCommand, decoded.Kind)
	assert.JSONEq(t, `{"verb": "reassociate", "target": "crm:*"}`, string(decoded.Control))
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr error
	}{
		{"unknown kind", `{"type": "Mystery", "model": "X", "payload": {}}`, ErrUnknownKind},
		{"missing model", `{"type": "TypedEntity", "payload": {"a": 1}}`, ErrMissingModel},
		{"missing payload", `{"type": "TypedEntity", "model": "X"}`, ErrMissingPayload},
		{"transport missing entity", `{"type": "TransportEnvelope"}`, ErrMissingPayload},
		{"control missing command", `{"type": "ControlCommand"}`, ErrMissingPayload},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.body))
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestDecode_InvalidJSON(t *testing.T) {
	_, err := Decode([]byte(`{{not json`))
	assert.Error(t, err)
}

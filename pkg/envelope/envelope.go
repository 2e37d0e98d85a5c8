// Package envelope decodes inbound message bodies into a normalized form.
// Four envelope kinds are recognized; everything else is malformed input and
// is dropped by the caller (malformed envelopes are not transient failures).
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/meridian/canon/pkg/pathtree"
)

// Kind discriminates the recognized envelope shapes.
type Kind string

const (
	KindTypedEntity              Kind = "TypedEntity"
	KindDynamicEntity            Kind = "DynamicEntity"
	KindTransportEnvelope        Kind = "TransportEnvelope"
	KindDynamicTransportEnvelope Kind = "DynamicTransportEnvelope"
	KindControlCommand           Kind = "ControlCommand"
)

// SourceUnknown is the fallback when an envelope omits its source system.
const SourceUnknown = "unknown"

var (
	ErrUnknownKind    = errors.New("unknown envelope kind")
	ErrMissingModel   = errors.New("envelope has no model name")
	ErrMissingPayload = errors.New("envelope has no payload")
)

// Decoded is the normalized result of decoding an envelope. Payload is always
// a nested structure; dynamic (dot-path flattened) payloads are expanded
// during decoding.
type Decoded struct {
	Kind          Kind
	Model         string
	Source        string
	Payload       map[string]any
	Metadata      map[string]any
	TransportType string
	TransportAt   *time.Time
	Control       json.RawMessage // set only for KindControlCommand
}

type rawEnvelope struct {
	Type      string          `json:"type"`
	Model     string          `json:"model"`
	Source    string          `json:"source"`
	Payload   json.RawMessage `json:"payload"`
	Metadata  map[string]any  `json:"metadata"`
	Transport *rawTransport   `json:"transport"`
	Entity    *rawEntity      `json:"entity"`
	Command   json.RawMessage `json:"command"`
}

type rawTransport struct {
	Type string     `json:"type"`
	At   *time.Time `json:"at"`
}

type rawEntity struct {
	Model    string          `json:"model"`
	Source   string          `json:"source"`
	Payload  json.RawMessage `json:"payload"`
	Metadata map[string]any  `json:"metadata"`
}

// Decode parses a raw message body. Unknown kinds return ErrUnknownKind;
// callers log and drop those without retrying.
func Decode(body []byte) (*Decoded, error) {
	var raw rawEnvelope
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse envelope: %w", err)
	}

	kind := Kind(raw.Type)
	switch kind {
	case KindTypedEntity, KindDynamicEntity:
		return decodeEntity(kind, raw.Model, raw.Source, raw.Payload, raw.Metadata, nil)
	case KindTransportEnvelope, KindDynamicTransportEnvelope:
		if raw.Entity == nil {
			return nil, ErrMissingPayload
		}
		return decodeEntity(kind, raw.Entity.Model, raw.Entity.Source, raw.Entity.Payload, raw.Entity.Metadata, raw.Transport)
	case KindControlCommand:
		if len(raw.Command) == 0 {
			return nil, ErrMissingPayload
		}
		return &Decoded{Kind: kind, Control: raw.Command}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, raw.Type)
	}
}

func decodeEntity(kind Kind, model, source string, payload json.RawMessage, metadata map[string]any, transport *rawTransport) (*Decoded, error) {
	if model == "" {
		return nil, ErrMissingModel
	}
	if len(payload) == 0 {
		return nil, ErrMissingPayload
	}
	if source == "" {
		source = SourceUnknown
	}

	var data map[string]any
	if err := json.Unmarshal(payload, &data); err != nil {
		return nil, fmt.Errorf("failed to parse payload: %w", err)
	}

	if kind == KindDynamicEntity || kind == KindDynamicTransportEnvelope {
		data = pathtree.Expand(data)
	}

	decoded := &Decoded{
		Kind:     kind,
		Model:    model,
		Source:   source,
		Payload:  data,
		Metadata: metadata,
	}
	if transport != nil {
		decoded.TransportType = transport.Type
		decoded.TransportAt = transport.At
	}
	return decoded, nil
}

// Package schema models the event schemas a pipeline binds at build time:
// fetching them from their backing registries, caching them, and converting
// event payloads between wire encodings.
package schema

import (
	"errors"
	"fmt"

	"github.com/hamba/avro/v2"

	"github.com/mstream-dev/mstream/go/encoding"
)

var (
	// ErrNotFound is returned when a provider has no schema for a resource.
	ErrNotFound = errors.New("schema not found")
	// ErrValidation is returned when a payload does not satisfy its schema,
	// or a schema definition itself does not parse.
	ErrValidation = errors.New("schema validation failed")
)

// Kind discriminates the closed set of schema variants.
type Kind uint8

const (
	// KindUndefined schemas carry no definition. Payloads pass through
	// untouched and conversions requiring a schema fail.
	KindUndefined Kind = iota
	KindAvro
	KindJSON
)

func (k Kind) String() string {
	switch k {
	case KindAvro:
		return "avro"
	case KindJSON:
		return "json"
	default:
		return "undefined"
	}
}

// Schema is an immutable, point-in-time fetch of a named schema.
type Schema struct {
	ID         string
	Version    string
	Kind       Kind
	Definition string

	avro avro.Schema
}

// Undefined is the passthrough schema bound to references which name no
// schema_id.
var Undefined = &Schema{Kind: KindUndefined}

// ParseAvro compiles an Avro schema definition.
func ParseAvro(id, version, definition string) (*Schema, error) {
	var compiled, err = avro.Parse(definition)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing avro schema %q: %v", ErrValidation, id, err)
	}
	return &Schema{
		ID:         id,
		Version:    version,
		Kind:       KindAvro,
		Definition: definition,
		avro:       compiled,
	}, nil
}

// NewJSON wraps a JSON document description. JSON schemas label payload
// encodings and feed the fill/convert helpers; events are not validated
// against them.
func NewJSON(id, version, definition string) *Schema {
	return &Schema{ID: id, Version: version, Kind: KindJSON, Definition: definition}
}

// Avro returns the compiled Avro schema, or nil for other kinds.
func (s *Schema) Avro() avro.Schema { return s.avro }

// Encoding is the wire encoding this schema naturally produces.
func (s *Schema) Encoding() encoding.Encoding {
	switch s.Kind {
	case KindAvro:
		return encoding.Avro
	case KindJSON:
		return encoding.JSON
	default:
		return encoding.Raw
	}
}

// Convert re-encodes a single payload between wire encodings. Avro legs
// require this schema to be an Avro schema; JSON/BSON exchanges need no
// schema at all. Raw converts only to Raw.
func (s *Schema) Convert(payload []byte, from, to encoding.Encoding) ([]byte, error) {
	var out, err = s.convert(payload, from, to)
	if err != nil {
		return nil, fmt.Errorf("converting %s to %s: %w", from, to, err)
	}
	return out, nil
}

func (s *Schema) convert(payload []byte, from, to encoding.Encoding) ([]byte, error) {
	switch {
	case from == encoding.Raw && to == encoding.Raw:
		return payload, nil
	case from == encoding.Raw || to == encoding.Raw:
		return nil, errors.New("raw payloads cannot be re-encoded")
	}

	switch from {
	case encoding.Avro:
		return s.fromAvro(payload, to)
	case encoding.JSON, encoding.BSON:
		if to == encoding.Avro {
			return s.toAvro(payload, from)
		}
		return exchangeJSONBSON(payload, from, to)
	default:
		return nil, fmt.Errorf("unsupported source encoding %s", from)
	}
}

// ConvertFramed re-encodes every item of a framed batch, producing a new
// framed batch of the target encoding. The frame header is authoritative
// for the item encoding and must agree with the event's declaration.
func (s *Schema) ConvertFramed(payload []byte, from, to encoding.Encoding) ([]byte, error) {
	var framedEnc, items, err = encoding.DeframeItems(payload)
	if err != nil {
		return nil, err
	}
	if framedEnc != from {
		return nil, fmt.Errorf("framed payload declares %s but event declares %s", framedEnc, from)
	}
	if from == to {
		return payload, nil
	}

	var out = make([][]byte, len(items))
	for i, item := range items {
		if out[i], err = s.Convert(item, from, to); err != nil {
			return nil, fmt.Errorf("framed item %d: %w", i, err)
		}
	}
	return encoding.FrameItems(to, out), nil
}

func (s *Schema) fromAvro(payload []byte, to encoding.Encoding) ([]byte, error) {
	if s.Kind != KindAvro {
		return nil, fmt.Errorf("schema %q is %s, not avro", s.ID, s.Kind)
	}
	switch to {
	case encoding.Avro:
		// Decoding against the schema is the validation.
		if _, err := s.decodeAvro(payload); err != nil {
			return nil, err
		}
		return payload, nil
	case encoding.JSON:
		var doc, err = s.decodeAvro(payload)
		if err != nil {
			return nil, err
		}
		return docToJSON(doc)
	case encoding.BSON:
		var doc, err = s.decodeAvro(payload)
		if err != nil {
			return nil, err
		}
		return docToBSON(doc)
	default:
		return nil, fmt.Errorf("unsupported target encoding %s", to)
	}
}

func (s *Schema) toAvro(payload []byte, from encoding.Encoding) ([]byte, error) {
	if s.Kind != KindAvro {
		return nil, fmt.Errorf("schema %q is %s, not avro", s.ID, s.Kind)
	}
	var doc, err = docFromPayload(payload, from)
	if err != nil {
		return nil, err
	}
	return s.encodeAvro(doc)
}

func exchangeJSONBSON(payload []byte, from, to encoding.Encoding) ([]byte, error) {
	if from == to {
		return payload, nil
	}
	if from == encoding.JSON {
		return encoding.JSONToBSON(payload)
	}
	return encoding.BSONToJSON(payload)
}

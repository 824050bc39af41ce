// Package encoding defines the wire encodings of events moving through a
// pipeline, conversions between them, and the framed-batch format used to
// carry many items in a single payload.
package encoding

import "fmt"

// Encoding identifies the serialization of an event payload. The numeric
// values are part of the framed-batch wire format and must not change.
type Encoding uint8

const (
	// Raw payloads are forwarded verbatim and never re-encoded.
	Raw  Encoding = 0
	JSON Encoding = 1
	BSON Encoding = 2
	Avro Encoding = 3
)

// FramedContentType is the HTTP content type of framed-batch payloads.
const FramedContentType = "application/x-mstream-framed"

func (e Encoding) String() string {
	switch e {
	case Raw:
		return "raw"
	case JSON:
		return "json"
	case BSON:
		return "bson"
	case Avro:
		return "avro"
	default:
		return fmt.Sprintf("encoding(%d)", uint8(e))
	}
}

// ContentType returns the HTTP content type advertised for single-item
// payloads of this encoding.
func (e Encoding) ContentType() string {
	switch e {
	case JSON:
		return "application/json"
	case BSON:
		return "application/bson"
	case Avro:
		return "avro/binary"
	default:
		return "application/octet-stream"
	}
}

// Parse maps a configuration string onto an Encoding. The empty string is
// Raw, matching declarations which omit an encoding entirely.
func Parse(s string) (Encoding, error) {
	switch s {
	case "", "raw":
		return Raw, nil
	case "json":
		return JSON, nil
	case "bson":
		return BSON, nil
	case "avro":
		return Avro, nil
	default:
		return Raw, fmt.Errorf("unknown encoding %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler so Encoding round-trips
// through TOML and JSON as its lowercase name.
func (e Encoding) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

func (e *Encoding) UnmarshalText(text []byte) error {
	var parsed, err = Parse(string(text))
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}

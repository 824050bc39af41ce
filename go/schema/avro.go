package schema

import (
	"fmt"
	"sort"

	"github.com/hamba/avro/v2"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/mstream-dev/mstream/go/encoding"
)

// The Avro conversion legs bridge through BSON documents, mirroring the
// JSON/BSON exchange paths so one normalization covers all three formats.

func (s *Schema) encodeAvro(doc bson.D) ([]byte, error) {
	var out, err = avro.Marshal(s.avro, bsonToNative(doc))
	if err != nil {
		return nil, fmt.Errorf("%w: encoding avro: %v", ErrValidation, err)
	}
	return out, nil
}

func (s *Schema) decodeAvro(payload []byte) (bson.D, error) {
	var fields map[string]interface{}
	if err := avro.Unmarshal(s.avro, payload, &fields); err != nil {
		return nil, fmt.Errorf("%w: decoding avro: %v", ErrValidation, err)
	}
	return mapToDoc(fields), nil
}

func docFromPayload(payload []byte, from encoding.Encoding) (bson.D, error) {
	switch from {
	case encoding.JSON:
		return encoding.JSONToBSONDoc(payload)
	case encoding.BSON:
		var doc bson.D
		if err := bson.Unmarshal(payload, &doc); err != nil {
			return nil, fmt.Errorf("parsing BSON document: %w", err)
		}
		return doc, nil
	default:
		return nil, fmt.Errorf("cannot build document from %s payload", from)
	}
}

func docToJSON(doc bson.D) ([]byte, error) {
	return bson.MarshalExtJSON(doc, false, false)
}

func docToBSON(doc bson.D) ([]byte, error) {
	return bson.Marshal(doc)
}

// bsonToNative converts a BSON document into the native Go shapes the Avro
// codec encodes. Integer widths are preserved except int32, which widens to
// int so it satisfies both int and long fields.
func bsonToNative(doc bson.D) map[string]interface{} {
	var out = make(map[string]interface{}, len(doc))
	for _, el := range doc {
		out[el.Key] = valueToNative(el.Value)
	}
	return out
}

func valueToNative(v interface{}) interface{} {
	switch t := v.(type) {
	case bson.D:
		return bsonToNative(t)
	case bson.M:
		var out = make(map[string]interface{}, len(t))
		for k, vv := range t {
			out[k] = valueToNative(vv)
		}
		return out
	case bson.A:
		var out = make([]interface{}, len(t))
		for i, vv := range t {
			out[i] = valueToNative(vv)
		}
		return out
	case int32:
		return int(t)
	case primitive.ObjectID:
		return t.Hex()
	case primitive.DateTime:
		return t.Time().UTC()
	case primitive.Timestamp:
		return int64(t.T)
	case primitive.Decimal128:
		return t.String()
	case primitive.Binary:
		return t.Data
	case primitive.Null:
		return nil
	default:
		return v
	}
}

// mapToDoc converts decoded Avro values back into a BSON document. Record
// and map keys are sorted so repeated decodes of one payload are identical.
func mapToDoc(m map[string]interface{}) bson.D {
	var keys = make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var doc = make(bson.D, 0, len(m))
	for _, k := range keys {
		doc = append(doc, bson.E{Key: k, Value: nativeToValue(m[k])})
	}
	return doc
}

func nativeToValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return mapToDoc(t)
	case []interface{}:
		var out = make(bson.A, len(t))
		for i, vv := range t {
			out[i] = nativeToValue(vv)
		}
		return out
	default:
		return v
	}
}

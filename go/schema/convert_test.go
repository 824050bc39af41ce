package schema

import (
	"testing"

	"github.com/hamba/avro/v2"
	"github.com/stretchr/testify/require"
)

func TestConvertFlatSchema(t *testing.T) {
	var node = schemaDoc(t, `{
		"type": "object",
		"required": ["name", "age"],
		"properties": {
			"name":   {"type": "string"},
			"age":    {"type": "integer"},
			"active": {"type": "boolean"}
		}
	}`)

	var out, err = JSONSchemaToAvro(node, ConvertOptions{Name: "Person"})
	require.NoError(t, err)

	requireJSONMatch(t, []byte(`{
		"type": "record",
		"name": "Person",
		"fields": [
			{"name": "active", "type": ["null", "boolean"], "default": null},
			{"name": "age", "type": "long"},
			{"name": "name", "type": "string"}
		]
	}`), []byte(out))
}

func TestConvertNullableUnionOrder(t *testing.T) {
	var node = schemaDoc(t, `{
		"type": "object",
		"required": ["nick"],
		"properties": {
			"nick": {"type": ["string", "null"]}
		}
	}`)

	var out, err = JSONSchemaToAvro(node, ConvertOptions{Name: "U"})
	require.NoError(t, err)

	requireJSONMatch(t, []byte(`{
		"type": "record",
		"name": "U",
		"fields": [
			{"name": "nick", "type": ["null", "string"], "default": null}
		]
	}`), []byte(out))
}

func TestConvertNestedObjectsAndArrays(t *testing.T) {
	var node = schemaDoc(t, `{
		"bsonType": "object",
		"required": ["_id", "lines"],
		"properties": {
			"_id":   {"bsonType": "objectId"},
			"lines": {
				"bsonType": "array",
				"items": {
					"bsonType": "object",
					"required": ["sku", "qty"],
					"properties": {
						"sku": {"bsonType": "string"},
						"qty": {"bsonType": "int"}
					}
				}
			}
		}
	}`)

	var out, err = JSONSchemaToAvro(node, ConvertOptions{Name: "Order", Namespace: "shop"})
	require.NoError(t, err)

	var parsed, parseErr = avro.Parse(out)
	require.NoError(t, parseErr)
	require.Equal(t, avro.Record, parsed.Type())

	requireJSONMatch(t, []byte(`{
		"type": "record",
		"name": "Order",
		"namespace": "shop",
		"fields": [
			{"name": "_id", "type": "string"},
			{"name": "lines", "type": {
				"type": "array",
				"items": {
					"type": "record",
					"name": "linesItem",
					"namespace": "shop",
					"fields": [
						{"name": "qty", "type": "int"},
						{"name": "sku", "type": "string"}
					]
				}
			}}
		]
	}`), []byte(out))
}

func TestConvertDateTimeBecomesTimestampMillis(t *testing.T) {
	var node = schemaDoc(t, `{
		"type": "object",
		"required": ["created"],
		"properties": {
			"created": {"type": "string", "format": "date-time"}
		}
	}`)

	var out, err = JSONSchemaToAvro(node, ConvertOptions{})
	require.NoError(t, err)

	requireJSONMatch(t, []byte(`{
		"type": "record",
		"name": "Record",
		"fields": [
			{"name": "created", "type": {"type": "long", "logicalType": "timestamp-millis"}}
		]
	}`), []byte(out))
}

func TestConvertEnum(t *testing.T) {
	var node = schemaDoc(t, `{
		"type": "object",
		"required": ["state"],
		"properties": {
			"state": {"type": "string", "enum": ["NEW", "PAID", "SHIPPED"]}
		}
	}`)

	var out, err = JSONSchemaToAvro(node, ConvertOptions{Name: "O"})
	require.NoError(t, err)

	requireJSONMatch(t, []byte(`{
		"type": "record",
		"name": "O",
		"fields": [
			{"name": "state", "type": {
				"type": "enum",
				"name": "stateEnum1",
				"symbols": ["NEW", "PAID", "SHIPPED"]
			}}
		]
	}`), []byte(out))
}

func TestConvertEnumWithInvalidSymbolsFallsBack(t *testing.T) {
	var node = schemaDoc(t, `{
		"type": "object",
		"required": ["state"],
		"properties": {
			"state": {"type": "string", "enum": ["has space", "ok"]}
		}
	}`)

	var out, err = JSONSchemaToAvro(node, ConvertOptions{Name: "O"})
	require.NoError(t, err)

	requireJSONMatch(t, []byte(`{
		"type": "record",
		"name": "O",
		"fields": [
			{"name": "state", "type": "string"}
		]
	}`), []byte(out))
}

func TestConvertRejectsArrayWithoutItems(t *testing.T) {
	var node = schemaDoc(t, `{
		"type": "object",
		"properties": {
			"tags": {"type": "array"}
		}
	}`)

	var _, err = JSONSchemaToAvro(node, ConvertOptions{})
	require.Error(t, err)
}

package schema

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"

	"github.com/hamba/avro/v2"
)

// ConvertOptions name the generated Avro record.
type ConvertOptions struct {
	Name      string
	Namespace string
}

var avroNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// JSONSchemaToAvro converts a JSON Schema (or MongoDB $jsonSchema) object
// description into an Avro record schema. Type mappings:
//
//	string                      string
//	string format date-time     long, logicalType timestamp-millis
//	string format objectid      string
//	integer / int / long        long
//	number / double / decimal   double
//	boolean                     boolean
//	["T", "null"]               ["null", T]
//	object + properties         nested record
//	array + items               array
//	enum (valid avro symbols)   enum, else string
//
// Properties absent from "required" become nullable with a null default.
// The generated definition is parsed before it is returned, so the output
// is always a loadable Avro schema.
func JSONSchemaToAvro(schemaDoc map[string]interface{}, opts ConvertOptions) (string, error) {
	if opts.Name == "" {
		opts.Name = "Record"
	}
	var counter int
	var root, err = convertNode(schemaDoc, opts.Name, opts.Namespace, &counter)
	if err != nil {
		return "", err
	}

	var out, marshalErr = json.MarshalIndent(root, "", "  ")
	if marshalErr != nil {
		return "", marshalErr
	}
	if _, err := avro.Parse(string(out)); err != nil {
		return "", fmt.Errorf("%w: generated avro schema does not parse: %v", ErrValidation, err)
	}
	return string(out), nil
}

func convertNode(node map[string]interface{}, name, namespace string, counter *int) (interface{}, error) {
	if symbols, ok := enumSymbols(node); ok {
		*counter++
		return map[string]interface{}{
			"type":    "enum",
			"name":    fmt.Sprintf("%sEnum%d", name, *counter),
			"symbols": symbols,
		}, nil
	}

	var t = typeName(node)
	var converted, err = convertType(node, t, name, namespace, counter)
	if err != nil {
		return nil, err
	}
	if isNullable(node) {
		return []interface{}{"null", converted}, nil
	}
	return converted, nil
}

func convertType(node map[string]interface{}, t, name, namespace string, counter *int) (interface{}, error) {
	switch t {
	case "object", "":
		return convertObject(node, name, namespace, counter)
	case "array":
		var items, _ = node["items"].(map[string]interface{})
		if items == nil {
			return nil, fmt.Errorf("array %q has no items schema", name)
		}
		var converted, err = convertNode(items, name+"Item", namespace, counter)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"type": "array", "items": converted}, nil
	case "string":
		var format, _ = node["format"].(string)
		switch format {
		case "date-time", "date":
			return map[string]interface{}{"type": "long", "logicalType": "timestamp-millis"}, nil
		default:
			return "string", nil
		}
	case "objectId":
		return "string", nil
	case "date", "date-time", "timestamp":
		return map[string]interface{}{"type": "long", "logicalType": "timestamp-millis"}, nil
	case "integer", "long":
		return "long", nil
	case "int":
		return "int", nil
	case "number", "double", "decimal":
		return "double", nil
	case "boolean", "bool":
		return "boolean", nil
	case "null":
		return "null", nil
	default:
		return nil, fmt.Errorf("field %q has unsupported type %q", name, t)
	}
}

func convertObject(node map[string]interface{}, name, namespace string, counter *int) (interface{}, error) {
	var props, _ = node["properties"].(map[string]interface{})
	var required = requiredSet(node)

	var fields = make([]interface{}, 0, len(props))
	for _, propName := range sortedKeys(props) {
		var sub, ok = props[propName].(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("property %q is not a schema object", propName)
		}
		var fieldType, err = convertNode(sub, recordName(propName), namespace, counter)
		if err != nil {
			return nil, err
		}

		var field = map[string]interface{}{"name": propName, "type": fieldType}
		if !required[propName] && !alreadyNullable(fieldType) {
			field["type"] = []interface{}{"null", fieldType}
		}
		if types, ok := field["type"].([]interface{}); ok && len(types) > 0 && types[0] == "null" {
			field["default"] = nil
		}
		fields = append(fields, field)
	}

	var record = map[string]interface{}{
		"type":   "record",
		"name":   recordName(name),
		"fields": fields,
	}
	if namespace != "" {
		record["namespace"] = namespace
	}
	return record, nil
}

func enumSymbols(node map[string]interface{}) ([]string, bool) {
	var raw, ok = node["enum"].([]interface{})
	if !ok {
		raw, ok = node["x-enum"].([]interface{})
	}
	if !ok || len(raw) == 0 {
		return nil, false
	}
	var symbols = make([]string, 0, len(raw))
	for _, v := range raw {
		var s, ok = v.(string)
		if !ok || !avroNameRe.MatchString(s) {
			// Symbols that are not valid Avro names degrade to a string field.
			return nil, false
		}
		symbols = append(symbols, s)
	}
	return symbols, true
}

func isNullable(node map[string]interface{}) bool {
	var raw, ok = node["type"]
	if !ok {
		raw = node["bsonType"]
	}
	var branches, isArr = raw.([]interface{})
	if !isArr {
		return false
	}
	for _, b := range branches {
		if b == "null" {
			return true
		}
	}
	return false
}

func alreadyNullable(fieldType interface{}) bool {
	var _, ok = fieldType.([]interface{})
	return ok
}

func requiredSet(node map[string]interface{}) map[string]bool {
	var out = map[string]bool{}
	if raw, ok := node["required"].([]interface{}); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok {
				out[s] = true
			}
		}
	}
	return out
}

func sortedKeys(m map[string]interface{}) []string {
	var keys = make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func recordName(name string) string {
	if avroNameRe.MatchString(name) {
		return name
	}
	var cleaned = make([]rune, 0, len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			cleaned = append(cleaned, r)
		default:
			cleaned = append(cleaned, '_')
		}
	}
	if len(cleaned) == 0 || (cleaned[0] >= '0' && cleaned[0] <= '9') {
		cleaned = append([]rune{'_'}, cleaned...)
	}
	return string(cleaned)
}

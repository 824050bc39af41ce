package schema

import (
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Filler produces a sample document satisfying a JSON Schema (or MongoDB
// $jsonSchema). Sampled values are random; seed the filler to make them
// reproducible.
type Filler struct {
	rng *rand.Rand
}

func NewFiller() *Filler {
	return NewFillerWithSeed(time.Now().UnixNano())
}

func NewFillerWithSeed(seed int64) *Filler {
	return &Filler{rng: rand.New(rand.NewSource(seed))}
}

var fillerNames = []string{"ada", "linus", "grace", "edsger", "barbara", "ken"}

// Fill generates a value for the given schema node.
func (f *Filler) Fill(node map[string]interface{}) interface{} {
	return f.fill(node, "")
}

func (f *Filler) fill(node map[string]interface{}, field string) interface{} {
	if node == nil {
		return nil
	}
	if symbols, ok := node["enum"].([]interface{}); ok && len(symbols) > 0 {
		return symbols[f.rng.Intn(len(symbols))]
	}

	switch typeName(node) {
	case "object":
		var out = map[string]interface{}{}
		if props, ok := node["properties"].(map[string]interface{}); ok {
			// Sorted iteration keeps seeded fills reproducible.
			for _, name := range sortedKeys(props) {
				if subNode, ok := props[name].(map[string]interface{}); ok {
					out[name] = f.fill(subNode, name)
				}
			}
		}
		return out
	case "array":
		var items, _ = node["items"].(map[string]interface{})
		var n = 1 + f.rng.Intn(3)
		var out = make([]interface{}, 0, n)
		for i := 0; i < n; i++ {
			out = append(out, f.fill(items, field))
		}
		return out
	case "string":
		return f.fillString(node, field)
	case "integer", "int", "long":
		return f.fillInt(node)
	case "number", "double", "decimal":
		return f.fillFloat(node)
	case "boolean", "bool":
		return f.rng.Intn(2) == 0
	case "date", "date-time", "timestamp":
		return f.randomTime().Format(time.RFC3339)
	case "objectId":
		return f.objectID()
	case "null":
		return nil
	default:
		return nil
	}
}

func (f *Filler) fillString(node map[string]interface{}, field string) interface{} {
	var format, _ = node["format"].(string)
	var lower = strings.ToLower(field)
	switch {
	case format == "email" || strings.Contains(lower, "email"):
		return fmt.Sprintf("%s%d@example.com", fillerNames[f.rng.Intn(len(fillerNames))], f.rng.Intn(1000))
	case format == "date-time" || format == "date":
		return f.randomTime().Format(time.RFC3339)
	case format == "uuid":
		return uuid.Must(uuid.NewRandomFromReader(f.rng)).String()
	case format == "objectid":
		return f.objectID()
	case strings.Contains(lower, "name"):
		return fillerNames[f.rng.Intn(len(fillerNames))]
	default:
		return fmt.Sprintf("%s-%04d", fillerNames[f.rng.Intn(len(fillerNames))], f.rng.Intn(10000))
	}
}

func (f *Filler) fillInt(node map[string]interface{}) int64 {
	var lo, hi = int64(30000), int64(200000)
	if v, ok := numberBound(node, "minimum"); ok {
		lo = int64(v)
	}
	if v, ok := numberBound(node, "maximum"); ok {
		hi = int64(v)
	}
	if hi <= lo {
		return lo
	}
	return lo + f.rng.Int63n(hi-lo+1)
}

func (f *Filler) fillFloat(node map[string]interface{}) float64 {
	var lo, hi = 30000.0, 200000.0
	if v, ok := numberBound(node, "minimum"); ok {
		lo = v
	}
	if v, ok := numberBound(node, "maximum"); ok {
		hi = v
	}
	if hi <= lo {
		return lo
	}
	return lo + f.rng.Float64()*(hi-lo)
}

func (f *Filler) randomTime() time.Time {
	var base = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	return base.Add(time.Duration(f.rng.Int63n(int64(6 * 365 * 24 * time.Hour))))
}

func (f *Filler) objectID() string {
	var raw [12]byte
	f.rng.Read(raw[:])
	return primitive.ObjectID(raw).Hex()
}

// typeName resolves a schema node's type, accepting JSON Schema "type" and
// MongoDB "bsonType", either a single name or a union array. Unions resolve
// to their first non-null branch.
func typeName(node map[string]interface{}) string {
	var raw, ok = node["type"]
	if !ok {
		raw, ok = node["bsonType"]
	}
	if !ok {
		if _, hasProps := node["properties"]; hasProps {
			return "object"
		}
		return ""
	}

	switch t := raw.(type) {
	case string:
		return t
	case []interface{}:
		for _, branch := range t {
			if s, ok := branch.(string); ok && s != "null" {
				return s
			}
		}
		return "null"
	default:
		return ""
	}
}

func numberBound(node map[string]interface{}, key string) (float64, bool) {
	switch v := node[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

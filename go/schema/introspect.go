package schema

import (
	"context"
	"fmt"
	"sort"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
)

// DefaultSampleSize bounds collection sampling during introspection.
const DefaultSampleSize = 50

// Introspector infers a MongoDB $jsonSchema for a collection by sampling
// its documents and merging the observed field types.
type Introspector struct {
	db         *mongo.Database
	collection string
}

func NewIntrospector(db *mongo.Database, collection string) *Introspector {
	return &Introspector{db: db, collection: collection}
}

// Introspect samples up to sampleSize documents and returns the inferred
// schema. Fields present in every sampled document are listed as required.
func (in *Introspector) Introspect(ctx context.Context, sampleSize int) (map[string]interface{}, error) {
	if sampleSize <= 0 {
		sampleSize = DefaultSampleSize
	}

	var pipeline = mongo.Pipeline{
		{{Key: "$sample", Value: bson.D{{Key: "size", Value: sampleSize}}}},
	}
	var cursor, err = in.db.Collection(in.collection).Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("sampling %s: %w", in.collection, err)
	}
	defer cursor.Close(ctx)

	var merged = newFieldProfile()
	for cursor.Next(ctx) {
		var doc bson.D
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decoding sampled document: %w", err)
		}
		merged.observe(doc)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("sampling %s: %w", in.collection, err)
	}
	if merged.seen == 0 {
		return nil, fmt.Errorf("%w: collection %s has no documents to sample", ErrNotFound, in.collection)
	}
	return merged.schema(), nil
}

// fieldProfile accumulates the types observed at one document position.
type fieldProfile struct {
	types    map[string]int
	seen     int
	children map[string]*fieldProfile // per property, when an object
	items    *fieldProfile            // element profile, when an array
}

func newFieldProfile() *fieldProfile {
	return &fieldProfile{types: map[string]int{}, children: map[string]*fieldProfile{}}
}

func (p *fieldProfile) observe(v interface{}) {
	p.seen++
	switch t := v.(type) {
	case bson.D:
		p.types["object"]++
		for _, el := range t {
			var child, ok = p.children[el.Key]
			if !ok {
				child = newFieldProfile()
				p.children[el.Key] = child
			}
			child.observe(el.Value)
		}
	case bson.A:
		p.types["array"]++
		if p.items == nil {
			p.items = newFieldProfile()
		}
		for _, item := range t {
			p.items.observe(item)
		}
	default:
		p.types[bsonTypeName(t)]++
	}
}

func (p *fieldProfile) schema() map[string]interface{} {
	var node = map[string]interface{}{}

	var names = make([]string, 0, len(p.types))
	for name := range p.types {
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) == 1 {
		node["bsonType"] = names[0]
	} else if len(names) > 1 {
		var union = make([]interface{}, len(names))
		for i, n := range names {
			union[i] = n
		}
		node["bsonType"] = union
	}

	if len(p.children) > 0 {
		var props = map[string]interface{}{}
		var required []string
		var childNames = make([]string, 0, len(p.children))
		for name := range p.children {
			childNames = append(childNames, name)
		}
		sort.Strings(childNames)

		for _, name := range childNames {
			var child = p.children[name]
			props[name] = child.schema()
			// Required means present every time this level was an object,
			// and never explicitly null.
			if child.seen >= p.types["object"] && child.types["null"] == 0 {
				required = append(required, name)
			}
		}
		node["properties"] = props
		if len(required) > 0 {
			node["required"] = required
		}
	}
	if p.items != nil {
		node["items"] = p.items.schema()
	}
	return node
}

func bsonTypeName(v interface{}) string {
	switch v.(type) {
	case string:
		return "string"
	case int32:
		return "int"
	case int64:
		return "long"
	case float64:
		return "double"
	case bool:
		return "bool"
	case primitive.DateTime:
		return "date"
	case primitive.ObjectID:
		return "objectId"
	case primitive.Decimal128:
		return "decimal"
	case primitive.Binary:
		return "binData"
	case primitive.Timestamp:
		return "timestamp"
	case nil, primitive.Null:
		return "null"
	default:
		return "string"
	}
}

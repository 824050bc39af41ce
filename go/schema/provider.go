package schema

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

// Provider fetches named schemas from one backing registry. Fetched schemas
// are immutable; repeated fetches of one resource may observe new versions.
type Provider interface {
	Fetch(ctx context.Context, resource string) (*Schema, error)
}

// DefaultMongoCollection is the collection a MongoDB-backed schema registry
// stores its entries in.
const DefaultMongoCollection = "mstream_schemas"

// mongoEntry is one stored schema document.
type mongoEntry struct {
	SchemaID   string `bson:"schema_id"`
	Encoding   string `bson:"schema_encoding"`
	Definition string `bson:"schema_definition"`
}

type mongoProvider struct {
	col *mongo.Collection
}

// NewMongoProvider reads schemas from a MongoDB collection holding
// {schema_id, schema_encoding, schema_definition} documents.
func NewMongoProvider(col *mongo.Collection) Provider {
	return &mongoProvider{col: col}
}

func (p *mongoProvider) Fetch(ctx context.Context, resource string) (*Schema, error) {
	var entry mongoEntry
	var err = p.col.FindOne(ctx, bson.D{{Key: "schema_id", Value: resource}}).Decode(&entry)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%w: no entry %q in %s", ErrNotFound, resource, p.col.Name())
	} else if err != nil {
		return nil, fmt.Errorf("fetching schema %q: %w", resource, err)
	}

	switch entry.Encoding {
	case "avro":
		return ParseAvro(entry.SchemaID, "", entry.Definition)
	case "json":
		return NewJSON(entry.SchemaID, "", entry.Definition), nil
	default:
		return nil, fmt.Errorf("schema %q has unsupported encoding %q", resource, entry.Encoding)
	}
}

type pubsubProvider struct {
	schemas *pubsub.SchemaClient
}

// NewPubSubProvider reads schemas from the Pub/Sub schema registry.
func NewPubSubProvider(sc *pubsub.SchemaClient) Provider {
	return &pubsubProvider{schemas: sc}
}

func (p *pubsubProvider) Fetch(ctx context.Context, resource string) (*Schema, error) {
	var cfg, err = p.schemas.Schema(ctx, resource, pubsub.SchemaViewFull)
	if err != nil {
		return nil, fmt.Errorf("fetching schema %q: %w", resource, err)
	}
	if cfg == nil {
		return nil, fmt.Errorf("%w: no schema %q in registry", ErrNotFound, resource)
	}
	if cfg.Type != pubsub.SchemaAvro {
		return nil, fmt.Errorf("schema %q has unsupported type %v", resource, cfg.Type)
	}
	return ParseAvro(resource, cfg.RevisionID, cfg.Definition)
}

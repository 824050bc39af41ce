package sink

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/mstream-dev/mstream/go/encoding"
	"github.com/mstream-dev/mstream/go/source"
)

// Mongo writes events into one collection. Documents carrying an _id are
// upserted by it, the rest are inserted. Framed batches are exploded so
// every item lands as its own document.
type Mongo struct {
	name string
	col  *mongo.Collection
}

func NewMongo(name string, client *mongo.Client, database, collection string) *Mongo {
	return &Mongo{name: name, col: client.Database(database).Collection(collection)}
}

func (s *Mongo) Name() string { return s.name }

// Encoding is BSON; the pipeline re-encodes schema-bound events before
// publishing here.
func (s *Mongo) Encoding() encoding.Encoding { return encoding.BSON }

// Close is a no-op. The registry owns the shared client.
func (s *Mongo) Close(context.Context) error { return nil }

func (s *Mongo) Publish(ctx context.Context, ev source.Event, topic, key string) (MessageID, error) {
	var items, err = explodeFramed(ev)
	if err != nil {
		return "", err
	}

	var id MessageID
	for _, item := range items {
		var doc, err = decodeDocument(item, ev.Encoding)
		if err != nil {
			return "", err
		}
		if id, err = s.writeOne(ctx, doc); err != nil {
			return "", err
		}
	}
	return id, nil
}

// decodeDocument turns a payload into a document. Payloads that cannot
// be parsed are terminal; retrying cannot reshape bytes.
func decodeDocument(payload []byte, enc encoding.Encoding) (bson.D, error) {
	var doc bson.D
	var err error
	switch enc {
	case encoding.JSON:
		err = bson.UnmarshalExtJSON(payload, false, &doc)
	default:
		err = bson.Unmarshal(payload, &doc)
	}
	if err != nil {
		return nil, Terminal(fmt.Errorf("decoding %s document: %w", enc, err))
	}
	return doc, nil
}

func (s *Mongo) writeOne(ctx context.Context, doc bson.D) (MessageID, error) {
	for _, el := range doc {
		if el.Key != "_id" {
			continue
		}
		var _, err = s.col.ReplaceOne(ctx, bson.M{"_id": el.Value}, doc, options.Replace().SetUpsert(true))
		if err != nil {
			return "", fmt.Errorf("upserting into %s: %w", s.col.Name(), err)
		}
		return formatObjectID(el.Value), nil
	}

	var res, err = s.col.InsertOne(ctx, doc)
	if err != nil {
		return "", fmt.Errorf("inserting into %s: %w", s.col.Name(), err)
	}
	return formatObjectID(res.InsertedID), nil
}

func formatObjectID(id any) MessageID {
	if oid, ok := id.(primitive.ObjectID); ok {
		return MessageID(oid.Hex())
	}
	return MessageID(fmt.Sprint(id))
}

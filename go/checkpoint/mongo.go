package checkpoint

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const mongoCollection = "checkpoints"

// MongoStore appends checkpoints to the checkpoints collection of the
// configured database.
type MongoStore struct {
	col *mongo.Collection
}

func NewMongoStore(client *mongo.Client, database string) *MongoStore {
	return &MongoStore{col: client.Database(database).Collection(mongoCollection)}
}

// EnsureIndexes creates the (connector_name, updated_at desc) index that
// Latest and List sort on. Safe to call on every startup.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	var _, err = s.col.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "connector_name", Value: 1},
			{Key: "updated_at", Value: -1},
		},
	})
	if err != nil {
		return fmt.Errorf("creating checkpoint index: %w", err)
	}
	return nil
}

func (s *MongoStore) Save(ctx context.Context, cp Checkpoint) error {
	if _, err := s.col.InsertOne(ctx, cp); err != nil {
		return fmt.Errorf("saving checkpoint for %s: %w", cp.ConnectorName, err)
	}
	return nil
}

func (s *MongoStore) Latest(ctx context.Context, connector string) (Checkpoint, error) {
	var cp Checkpoint
	var err = s.col.FindOne(ctx,
		bson.M{"connector_name": connector},
		options.FindOne().SetSort(bson.D{{Key: "updated_at", Value: -1}}),
	).Decode(&cp)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Checkpoint{}, ErrNotFound
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("loading checkpoint for %s: %w", connector, err)
	}
	return cp, nil
}

func (s *MongoStore) List(ctx context.Context, connector string) ([]Checkpoint, error) {
	var cur, err = s.col.Find(ctx,
		bson.M{"connector_name": connector},
		options.Find().
			SetSort(bson.D{{Key: "updated_at", Value: -1}}).
			SetLimit(HistoryLimit),
	)
	if err != nil {
		return nil, fmt.Errorf("listing checkpoints for %s: %w", connector, err)
	}
	defer cur.Close(ctx)

	var out []Checkpoint
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decoding checkpoints for %s: %w", connector, err)
	}
	return out, nil
}

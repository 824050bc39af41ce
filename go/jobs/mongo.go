package jobs

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const jobsCollection = "jobs"

// MongoStore persists jobs in a MongoDB collection, one document per
// connector name.
type MongoStore struct {
	col *mongo.Collection
}

func NewMongoStore(client *mongo.Client, database string) *MongoStore {
	return &MongoStore{col: client.Database(database).Collection(jobsCollection)}
}

// EnsureIndexes builds the unique connector_name index. Safe to call on
// every start.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	var _, err = s.col.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "connector_name", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("creating jobs index: %w", err)
	}
	return nil
}

func (s *MongoStore) Save(ctx context.Context, job Job) error {
	var _, err = s.col.ReplaceOne(ctx,
		bson.D{{Key: "connector_name", Value: job.ConnectorName}},
		job,
		options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("saving job %s: %w", job.ConnectorName, err)
	}
	return nil
}

func (s *MongoStore) Get(ctx context.Context, name string) (Job, error) {
	var job Job
	var err = s.col.FindOne(ctx, bson.D{{Key: "connector_name", Value: name}}).Decode(&job)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Job{}, fmt.Errorf("%w: %q", ErrJobNotFound, name)
	}
	if err != nil {
		return Job{}, fmt.Errorf("loading job %s: %w", name, err)
	}
	return job, nil
}

func (s *MongoStore) List(ctx context.Context) ([]Job, error) {
	var cur, err = s.col.Find(ctx, bson.D{},
		options.Find().SetSort(bson.D{{Key: "connector_name", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	var out []Job
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decoding jobs: %w", err)
	}
	return out, nil
}

// Package checkpoint persists the resume positions of connectors. A
// checkpoint is appended once every sink of an event has resolved, so
// the newest checkpoint is always a position the pipeline fully passed.
package checkpoint

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("no checkpoint found")

// HistoryLimit caps how many checkpoints List returns per connector.
const HistoryLimit = 100

// Checkpoint is one persisted resume position.
type Checkpoint struct {
	ConnectorName string `bson:"connector_name" json:"connector_name"`
	ResumeToken   []byte `bson:"resume_token" json:"resume_token"`
	UpdatedAt     int64  `bson:"updated_at" json:"updated_at"`
}

// New stamps a checkpoint with the current time in epoch milliseconds.
func New(connector string, token []byte) Checkpoint {
	return Checkpoint{
		ConnectorName: connector,
		ResumeToken:   token,
		UpdatedAt:     time.Now().UnixMilli(),
	}
}

// Store persists checkpoint history per connector.
type Store interface {
	// Save appends a checkpoint.
	Save(ctx context.Context, cp Checkpoint) error
	// Latest returns the newest checkpoint of connector, or ErrNotFound.
	Latest(ctx context.Context, connector string) (Checkpoint, error)
	// List returns up to HistoryLimit checkpoints, newest first.
	List(ctx context.Context, connector string) ([]Checkpoint, error)
}

// Noop is the checkpointer of deployments without persistence
// configured. Positions are lost on restart; jobs start from the
// present.
type Noop struct{}

func (Noop) Save(context.Context, Checkpoint) error { return nil }

func (Noop) Latest(context.Context, string) (Checkpoint, error) {
	return Checkpoint{}, ErrNotFound
}

func (Noop) List(context.Context, string) ([]Checkpoint, error) { return nil, nil }

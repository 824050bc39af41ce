// Package jobs owns the lifecycle of running connectors: starting them,
// stopping them within a bounded grace period, persisting their state,
// and reconciling persisted jobs against the configuration file at
// process start.
package jobs

import (
	"errors"
	"time"

	"github.com/mstream-dev/mstream/go/config"
)

var (
	// ErrJobNotFound marks lookups of names no job ever had.
	ErrJobNotFound = errors.New("job not found")
	// ErrNameInUse marks creates that collide with a live job.
	ErrNameInUse = errors.New("a running job already owns this name")
)

// State is a job's position in its lifecycle.
type State string

const (
	StateCreated  State = "created"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateFailed   State = "failed"
)

// Terminal reports whether a state accepts a restart.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateFailed
}

// Job is one connector's lifecycle record. The manager exclusively owns
// mutation; everyone else sees snapshots. A job is keyed by its
// connector name; the id changes on every (re)start.
type Job struct {
	ConnectorName string `bson:"connector_name" json:"connector_name"`
	ID            string `bson:"id" json:"id"`
	State         State  `bson:"state" json:"state"`
	// StartedAt and StoppedAt are epoch milliseconds.
	StartedAt int64  `bson:"started_at" json:"started_at"`
	StoppedAt int64  `bson:"stopped_at,omitempty" json:"stopped_at,omitempty"`
	LastError string `bson:"last_error,omitempty" json:"last_error,omitempty"`
	// ResumeToken is the last persisted source position, carried so a
	// restart can resume without a checkpoint lookup by hand.
	ResumeToken []byte           `bson:"resume_token,omitempty" json:"resume_token,omitempty"`
	Connector   config.Connector `bson:"connector" json:"connector"`
}

func nowMillis() int64 { return time.Now().UnixMilli() }

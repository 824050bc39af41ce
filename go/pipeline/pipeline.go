// Package pipeline turns connector declarations into running dataflows:
// the builder resolves a connector's references against the registry into
// a Pipeline, and the runner drives that pipeline, moving events from the
// source through the middleware chain out to every sink and checkpointing
// behind them.
package pipeline

import (
	"context"
	"errors"

	"github.com/mstream-dev/mstream/go/config"
	"github.com/mstream-dev/mstream/go/middleware"
	"github.com/mstream-dev/mstream/go/schema"
	"github.com/mstream-dev/mstream/go/sink"
	"github.com/mstream-dev/mstream/go/source"
)

var (
	// ErrAllSinksFailing ends a pipeline once every sink has failed for
	// FailureStreakLimit consecutive publish rounds.
	ErrAllSinksFailing = errors.New("all sinks failing")
	// ErrShutdownTimeout marks a job that did not drain within the stop
	// grace period.
	ErrShutdownTimeout = errors.New("shutdown grace period exceeded")
)

// FailureStreakLimit is how many consecutive publish rounds may fail on
// every sink before the pipeline gives up. Middleware drops do not count;
// only rounds that reached the sinks do.
const FailureStreakLimit = 16

// BoundSink is a sink bound to its destination and schema.
type BoundSink struct {
	Sink   sink.Sink
	Topic  string
	Schema *schema.Schema
}

// Pipeline is a built connector, ready to run.
type Pipeline struct {
	Connector    config.Connector
	Schemas      map[string]*schema.Schema
	Source       source.Reader
	SourceSchema *schema.Schema
	Middlewares  []middleware.Provider
	Sinks        []BoundSink
}

// Close releases per-pipeline sink state (e.g. Pub/Sub topic batchers).
// Shared clients stay with the registry.
func (p *Pipeline) Close(ctx context.Context) error {
	var firstErr error
	for _, bs := range p.Sinks {
		if err := bs.Sink.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Package source adapts external systems into one ordered stream of
// events per connector. Readers own their reconnection: transient stream
// failures are retried with exponential backoff, and only unrecoverable
// conditions (a lost resume position, an invalidated stream) end the run.
package source

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"

	"github.com/mstream-dev/mstream/go/encoding"
)

// Event is one item read from a source, not yet shaped by middlewares.
type Event struct {
	// Payload is encoded per Encoding.
	Payload  []byte
	Encoding encoding.Encoding
	// Attributes carry source metadata (operation type, topic, ...) and
	// ride along to sinks as message attributes or headers.
	Attributes map[string]string
	// ResumeToken is the opaque source position after this event, nil
	// when the source has no usable notion of position.
	ResumeToken []byte
	// IsFramedBatch marks a payload in the framed batch format. Readers
	// never set it; the batching runner does.
	IsFramedBatch bool
}

// Reader produces the ordered event stream of one source.
type Reader interface {
	// Run sends events to out until ctx is canceled or the source fails
	// fatally. A nil return means a clean stop.
	Run(ctx context.Context, out chan<- Event) error
}

// FatalError ends a run for good: the reader cannot make progress and a
// human has to intervene (for example, the resume position left the
// oplog). The job transitions to failed instead of restarting.
type FatalError struct {
	Reason string
	Err    error
}

func (e *FatalError) Error() string {
	if e.Err == nil {
		return e.Reason
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// Fatal wraps err as a FatalError.
func Fatal(reason string, err error) *FatalError {
	return &FatalError{Reason: reason, Err: err}
}

// Reconnection backoff: quick first retry, doubling to a ceiling, never
// giving up while the job wants to run.
const (
	ReconnectInitialInterval = 100 * time.Millisecond
	ReconnectMaxInterval     = 30 * time.Second
)

// runWithReconnect drives stream until ctx ends or it fails fatally.
// Transient failures are retried with exponential backoff.
func runWithReconnect(ctx context.Context, service string, stream func(context.Context) error) error {
	var bo = backoff.NewExponentialBackOff()
	bo.InitialInterval = ReconnectInitialInterval
	bo.Multiplier = 2
	bo.MaxInterval = ReconnectMaxInterval
	bo.MaxElapsedTime = 0
	bo.Reset()

	for {
		var started = time.Now()
		var err = stream(ctx)
		if ctx.Err() != nil {
			return nil
		}
		var fatal *FatalError
		if errors.As(err, &fatal) {
			fatalCounter.WithLabelValues(service).Inc()
			return err
		}
		// A stream that held for a while earns a fresh backoff.
		if time.Since(started) > bo.MaxInterval {
			bo.Reset()
		}
		reconnectsCounter.WithLabelValues(service).Inc()
		var wait = bo.NextBackOff()
		log.WithFields(log.Fields{
			"source": service,
			"wait":   wait,
			"err":    err,
		}).Warn("source stream interrupted; reconnecting")

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil
		}
	}
}

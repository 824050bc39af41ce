// Package sink delivers pipeline events to downstream destinations. A
// connector names one or more sinks; each carries its own retry policy
// and declares the encoding it expects so the pipeline knows whether to
// re-encode events before handing them over.
package sink

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/mstream-dev/mstream/go/encoding"
	"github.com/mstream-dev/mstream/go/source"
)

// MessageID locates a published message in the destination's own terms,
// e.g. topic/partition@offset for Kafka or an object id for MongoDB.
type MessageID string

// Sink publishes events to one destination.
type Sink interface {
	// Name is the service name backing this sink.
	Name() string
	// Publish delivers one event. topic routes within the service for
	// destinations addressed per call; key selects a partition where the
	// destination has one. Implementations return a TerminalError when
	// retrying cannot help.
	Publish(ctx context.Context, ev source.Event, topic, key string) (MessageID, error)
	// Encoding is the serialization this sink expects. Raw sinks take
	// payloads verbatim and are never re-encoded.
	Encoding() encoding.Encoding
	// Close releases state owned by the sink itself. Shared service
	// clients stay open; the registry owns those.
	Close(ctx context.Context) error
}

// TerminalError marks a publish failure that retrying cannot fix, such
// as a rejected payload. The pipeline records it against the sink and
// moves on without burning retry attempts.
type TerminalError struct {
	Err error
}

func (e *TerminalError) Error() string { return e.Err.Error() }

func (e *TerminalError) Unwrap() error { return e.Err }

// Terminal wraps err so retry loops stop immediately.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &TerminalError{Err: err}
}

func IsTerminal(err error) bool {
	var t *TerminalError
	return errors.As(err, &t)
}

// RetryPolicy bounds the publish retries of one sink. It is plain data
// so callers can configure sinks without reaching into backoff types.
type RetryPolicy struct {
	InitialInterval time.Duration
	Multiplier      float64
	MaxInterval     time.Duration
	MaxAttempts     int
	Jitter          bool
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: 100 * time.Millisecond,
		Multiplier:      2,
		MaxInterval:     5 * time.Second,
		MaxAttempts:     3,
		Jitter:          true,
	}
}

// Execute runs op under the policy, stopping early on TerminalError or
// context cancellation.
func (p RetryPolicy) Execute(ctx context.Context, op func() error) error {
	var attempts = p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var bo = backoff.NewExponentialBackOff()
	bo.InitialInterval = p.InitialInterval
	bo.Multiplier = p.Multiplier
	bo.MaxInterval = p.MaxInterval
	bo.MaxElapsedTime = 0
	if p.Jitter {
		bo.RandomizationFactor = 1
	} else {
		bo.RandomizationFactor = 0
	}

	var wrapped = func() error {
		var err = op()
		if err != nil && IsTerminal(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.Retry(wrapped, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(attempts-1)), ctx))
}

// explodeFramed returns the items of a framed batch, or the payload alone
// when the event is not framed. Sinks that publish discrete messages use
// it so every batch item becomes its own message.
func explodeFramed(ev source.Event) ([][]byte, error) {
	if !ev.IsFramedBatch {
		return [][]byte{ev.Payload}, nil
	}
	var _, items, err = encoding.DeframeItems(ev.Payload)
	if err != nil {
		return nil, Terminal(fmt.Errorf("unpacking framed batch: %w", err))
	}
	return items, nil
}

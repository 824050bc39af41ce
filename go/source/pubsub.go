package source

import (
	"context"
	"fmt"

	"cloud.google.com/go/pubsub"

	"github.com/mstream-dev/mstream/go/encoding"
)

// PubSubOptions configures a reader for one subscription.
type PubSubOptions struct {
	Service      string
	Client       *pubsub.Client
	Subscription string
	Encoding     encoding.Encoding
	// Buffer bounds how many undelivered messages the reader holds;
	// it should match the connector's channel capacity.
	Buffer int
}

// PubSubReader receives from one subscription. Messages are acked once
// handed downstream; nacked messages redeliver, so the subscription's ack
// deadline is the effective replay horizon.
type PubSubReader struct {
	opts PubSubOptions
}

func NewPubSubReader(opts PubSubOptions) *PubSubReader {
	return &PubSubReader{opts: opts}
}

func (r *PubSubReader) Run(ctx context.Context, out chan<- Event) error {
	return runWithReconnect(ctx, r.opts.Service, func(ctx context.Context) error {
		return r.receive(ctx, out)
	})
}

func (r *PubSubReader) receive(ctx context.Context, out chan<- Event) error {
	var sub = r.opts.Client.Subscription(r.opts.Subscription)
	// One receive goroutine keeps delivery ordered with the channel.
	sub.ReceiveSettings.NumGoroutines = 1
	if r.opts.Buffer > 0 {
		sub.ReceiveSettings.MaxOutstandingMessages = r.opts.Buffer
	}

	var err = sub.Receive(ctx, func(ctx context.Context, m *pubsub.Message) {
		var attrs = make(map[string]string, len(m.Attributes)+1)
		for k, v := range m.Attributes {
			attrs[k] = v
		}
		attrs["message_id"] = m.ID

		var ev = Event{
			Payload:     m.Data,
			Encoding:    r.opts.Encoding,
			Attributes:  attrs,
			ResumeToken: []byte(m.ID),
		}
		select {
		case out <- ev:
			m.Ack()
		case <-ctx.Done():
			m.Nack()
		}
	})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("receiving from %s: %w", r.opts.Subscription, err)
	}
	return nil
}

package sink

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/mstream-dev/mstream/go/encoding"
	"github.com/mstream-dev/mstream/go/source"
)

// PubSub publishes events to one topic. The topic handle batches up to
// 100 messages or 10ms before flushing, so the handle is bound at
// construction and reused for every publish. Framed batches are exploded
// into individual messages.
type PubSub struct {
	name  string
	topic *pubsub.Topic
	enc   encoding.Encoding
}

func NewPubSub(name string, client *pubsub.Client, topicID string, enc encoding.Encoding) *PubSub {
	var topic = client.Topic(topicID)
	topic.PublishSettings.CountThreshold = 100
	topic.PublishSettings.DelayThreshold = 10 * time.Millisecond
	return &PubSub{name: name, topic: topic, enc: enc}
}

func (s *PubSub) Name() string { return s.name }

func (s *PubSub) Encoding() encoding.Encoding { return s.enc }

// Close flushes buffered messages and stops the topic's publish
// goroutines. The underlying client stays open; the registry owns it.
func (s *PubSub) Close(context.Context) error {
	s.topic.Stop()
	return nil
}

func (s *PubSub) Publish(ctx context.Context, ev source.Event, topic, key string) (MessageID, error) {
	var items, err = explodeFramed(ev)
	if err != nil {
		return "", err
	}

	// Hand every item to the batcher before waiting on any result, so a
	// framed batch rides in as few server calls as the thresholds allow.
	var pending = make([]*pubsub.PublishResult, 0, len(items))
	for _, item := range items {
		pending = append(pending, s.topic.Publish(ctx, &pubsub.Message{Data: item, Attributes: ev.Attributes}))
	}

	var id string
	for _, res := range pending {
		if id, err = res.Get(ctx); err != nil {
			return "", fmt.Errorf("publishing to %s: %w", s.topic.ID(), err)
		}
	}
	return MessageID(id), nil
}

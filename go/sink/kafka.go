package sink

import (
	"context"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/mstream-dev/mstream/go/encoding"
	"github.com/mstream-dev/mstream/go/source"
)

// Kafka publishes events as records. The backing client is built with
// acks=all; records with a key partition by it, keyless records
// round-robin. Framed batches are exploded so each item becomes its own
// record, all sharing the event's attributes as headers.
type Kafka struct {
	name  string
	topic string
	cl    *kgo.Client
	enc   encoding.Encoding
}

func NewKafka(name string, cl *kgo.Client, topic string, enc encoding.Encoding) *Kafka {
	return &Kafka{name: name, topic: topic, cl: cl, enc: enc}
}

func (s *Kafka) Name() string { return s.name }

func (s *Kafka) Encoding() encoding.Encoding { return s.enc }

// Close is a no-op. The registry owns the shared client.
func (s *Kafka) Close(context.Context) error { return nil }

func (s *Kafka) Publish(ctx context.Context, ev source.Event, topic, key string) (MessageID, error) {
	if topic == "" {
		topic = s.topic
	}
	var records, err = kafkaRecords(ev, topic, key)
	if err != nil {
		return "", err
	}

	var results = s.cl.ProduceSync(ctx, records...)
	if err := results.FirstErr(); err != nil {
		return "", fmt.Errorf("producing to %s: %w", topic, err)
	}

	var last = results[len(results)-1].Record
	return MessageID(fmt.Sprintf("%s/%d@%d", last.Topic, last.Partition, last.Offset)), nil
}

// kafkaRecords explodes an event into records for topic. Every record of
// a framed batch shares the event's key and attribute headers.
func kafkaRecords(ev source.Event, topic, key string) ([]*kgo.Record, error) {
	var items, err = explodeFramed(ev)
	if err != nil {
		return nil, err
	}

	var headers = make([]kgo.RecordHeader, 0, len(ev.Attributes))
	for k, v := range ev.Attributes {
		headers = append(headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}

	var records = make([]*kgo.Record, 0, len(items))
	for _, item := range items {
		var rec = &kgo.Record{Topic: topic, Value: item, Headers: headers}
		if key != "" {
			rec.Key = []byte(key)
		}
		records = append(records, rec)
	}
	return records, nil
}

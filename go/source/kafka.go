package source

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	log "github.com/sirupsen/logrus"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/mstream-dev/mstream/go/encoding"
)

// KafkaOptions configures a consuming reader for one topic.
type KafkaOptions struct {
	Service string
	Topic   string
	// Group names the consumer group; broker-side committed offsets are
	// the resume position for Kafka sources.
	Group    string
	Encoding encoding.Encoding
	// NewClient builds the consumer, typically registry.KafkaConsumer
	// partially applied with the service name.
	NewClient func(opts ...kgo.Opt) (*kgo.Client, error)
}

// KafkaReader consumes one topic within a consumer group. Offsets are
// committed only for records already handed downstream, so a crash replays
// rather than skips.
type KafkaReader struct {
	opts KafkaOptions
}

func NewKafkaReader(opts KafkaOptions) *KafkaReader {
	return &KafkaReader{opts: opts}
}

func (r *KafkaReader) Run(ctx context.Context, out chan<- Event) error {
	return runWithReconnect(ctx, r.opts.Service, func(ctx context.Context) error {
		return r.consume(ctx, out)
	})
}

func (r *KafkaReader) consume(ctx context.Context, out chan<- Event) error {
	var client, err = r.opts.NewClient(
		kgo.ConsumeTopics(r.opts.Topic),
		kgo.ConsumerGroup(r.opts.Group),
		kgo.AutoCommitMarks(),
	)
	if err != nil {
		return fmt.Errorf("building consumer: %w", err)
	}
	defer client.Close()

	for {
		var fetches = client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return nil
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			logFetchError(r.opts.Service, topic, partition, err)
		})

		var iter = fetches.RecordIter()
		for !iter.Done() {
			var rec = iter.Next()
			select {
			case out <- eventFromRecord(rec, r.opts.Encoding):
				client.MarkCommitRecords(rec)
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func logFetchError(service, topic string, partition int32, err error) {
	log.WithFields(log.Fields{
		"source":    service,
		"topic":     topic,
		"partition": partition,
		"err":       err,
	}).Warn("kafka fetch error")
}

// kafkaPosition is the serialized resume token of one record.
type kafkaPosition struct {
	Topic     string `json:"topic"`
	Partition int32  `json:"partition"`
	Offset    int64  `json:"offset"`
}

func eventFromRecord(rec *kgo.Record, enc encoding.Encoding) Event {
	var attrs = map[string]string{
		"topic":     rec.Topic,
		"partition": strconv.FormatInt(int64(rec.Partition), 10),
		"offset":    strconv.FormatInt(rec.Offset, 10),
	}
	if len(rec.Key) != 0 {
		attrs["key"] = string(rec.Key)
	}
	for _, h := range rec.Headers {
		attrs[h.Key] = string(h.Value)
	}

	// The marshal cannot fail on these field types.
	var token, _ = json.Marshal(kafkaPosition{
		Topic:     rec.Topic,
		Partition: rec.Partition,
		Offset:    rec.Offset,
	})
	return Event{
		Payload:     rec.Value,
		Encoding:    enc,
		Attributes:  attrs,
		ResumeToken: token,
	}
}

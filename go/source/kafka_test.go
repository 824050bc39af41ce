package source

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/mstream-dev/mstream/go/encoding"
)

func TestEventFromRecord(t *testing.T) {
	var rec = &kgo.Record{
		Topic:     "orders.cdc",
		Partition: 3,
		Offset:    42,
		Key:       []byte("order-1"),
		Value:     []byte(`{"total":99}`),
		Headers: []kgo.RecordHeader{
			{Key: "origin", Value: []byte("shop")},
		},
	}

	var ev = eventFromRecord(rec, encoding.JSON)
	require.Equal(t, []byte(`{"total":99}`), ev.Payload)
	require.Equal(t, encoding.JSON, ev.Encoding)
	require.Equal(t, "orders.cdc", ev.Attributes["topic"])
	require.Equal(t, "3", ev.Attributes["partition"])
	require.Equal(t, "42", ev.Attributes["offset"])
	require.Equal(t, "order-1", ev.Attributes["key"])
	require.Equal(t, "shop", ev.Attributes["origin"])

	var pos kafkaPosition
	require.NoError(t, json.Unmarshal(ev.ResumeToken, &pos))
	require.Equal(t, kafkaPosition{Topic: "orders.cdc", Partition: 3, Offset: 42}, pos)
}

func TestEventFromRecordWithoutKey(t *testing.T) {
	var ev = eventFromRecord(&kgo.Record{Topic: "t", Value: []byte("x")}, encoding.Raw)
	var _, hasKey = ev.Attributes["key"]
	require.False(t, hasKey)
	require.Equal(t, encoding.Raw, ev.Encoding)
}

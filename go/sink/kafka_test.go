package sink

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mstream-dev/mstream/go/encoding"
	"github.com/mstream-dev/mstream/go/source"
)

func TestKafkaRecordsSingleEvent(t *testing.T) {
	var ev = source.Event{
		Payload:    []byte(`{"total":99}`),
		Encoding:   encoding.JSON,
		Attributes: map[string]string{"operation_type": "insert"},
	}

	var records, err = kafkaRecords(ev, "orders.v1", "order-1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "orders.v1", records[0].Topic)
	require.Equal(t, []byte("order-1"), records[0].Key)
	require.Equal(t, `{"total":99}`, string(records[0].Value))
	require.Len(t, records[0].Headers, 1)
	require.Equal(t, "operation_type", records[0].Headers[0].Key)
	require.Equal(t, "insert", string(records[0].Headers[0].Value))
}

func TestKafkaRecordsKeylessHasNilKey(t *testing.T) {
	var records, err = kafkaRecords(source.Event{Payload: []byte("x")}, "t", "")
	require.NoError(t, err)
	require.Nil(t, records[0].Key)
}

func TestKafkaRecordsExplodesFrames(t *testing.T) {
	var framed = encoding.FrameItems(encoding.JSON, [][]byte{
		[]byte(`{"n":1}`), []byte(`{"n":2}`),
	})
	var ev = source.Event{
		Payload:       framed,
		Encoding:      encoding.JSON,
		IsFramedBatch: true,
		Attributes:    map[string]string{"collection": "orders"},
	}

	var records, err = kafkaRecords(ev, "orders.v1", "batch-key")
	require.NoError(t, err)
	require.Len(t, records, 2)
	for i, rec := range records {
		require.Equal(t, "orders.v1", rec.Topic)
		require.Equal(t, []byte("batch-key"), rec.Key)
		require.Len(t, rec.Headers, 1, "record %d", i)
	}
	require.Equal(t, `{"n":1}`, string(records[0].Value))
	require.Equal(t, `{"n":2}`, string(records[1].Value))
}

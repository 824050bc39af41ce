package encoding

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFramedRoundTrip(t *testing.T) {
	var items = [][]byte{
		[]byte(`{"_id":1}`),
		[]byte(`{"_id":2}`),
		{}, // empty items survive framing
		[]byte(`{"_id":3,"nested":{"a":[1,2,3]}}`),
	}
	var payload = FrameItems(JSON, items)

	enc, out, err := DeframeItems(payload)
	require.NoError(t, err)
	require.Equal(t, JSON, enc)
	require.Equal(t, items, out)
}

func TestFramedEmptyBatch(t *testing.T) {
	var payload = FrameItems(Avro, nil)
	require.Len(t, payload, 5)

	enc, out, err := DeframeItems(payload)
	require.NoError(t, err)
	require.Equal(t, Avro, enc)
	require.Empty(t, out)
}

func TestFramedErrors(t *testing.T) {
	var cases = []struct {
		name    string
		payload []byte
	}{
		{"too short", []byte{1, 0, 0}},
		{"unknown content type", []byte{0, 0, 0, 0, 9}},
		{"truncated length prefix", []byte{1, 0, 0, 0, 1, 5, 0}},
		{"item length exceeds payload", []byte{1, 0, 0, 0, 1, 255, 0, 0, 0, 'x'}},
		{"trailing bytes", append(FrameItems(JSON, [][]byte{[]byte("a")}), 'z')},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var _, _, err = DeframeItems(tc.payload)
			require.Error(t, err)
		})
	}
}

func TestEncodingParse(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want Encoding
	}{
		{"", Raw},
		{"raw", Raw},
		{"json", JSON},
		{"bson", BSON},
		{"avro", Avro},
	} {
		var got, err = Parse(tc.in)
		require.NoError(t, err)
		require.Equal(t, tc.want, got)
	}

	var _, err = Parse("protobuf")
	require.Error(t, err)
}

func TestJSONBSONRoundTrip(t *testing.T) {
	var in = []byte(`{"_id": 7, "name": "flux", "tags": ["a", "b"]}`)

	raw, err := JSONToBSON(in)
	require.NoError(t, err)

	out, err := BSONToJSON(raw)
	require.NoError(t, err)
	require.JSONEq(t, string(in), string(out))
}

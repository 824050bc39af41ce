package api

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mstream-dev/mstream/go/middleware"
	"github.com/mstream-dev/mstream/go/source"
)

// stampProvider tags every event it sees.
type stampProvider struct{}

func (stampProvider) Name() string { return "stamp" }

func (stampProvider) Apply(_ context.Context, ev source.Event) (middleware.Decision, error) {
	if ev.Attributes == nil {
		ev.Attributes = map[string]string{}
	}
	ev.Attributes["stamped"] = "true"
	return middleware.Keep(ev), nil
}

// dropProvider discards every event.
type dropProvider struct{}

func (dropProvider) Name() string { return "drop" }

func (dropProvider) Apply(context.Context, source.Event) (middleware.Decision, error) {
	return middleware.Drop(), nil
}

func TestRunTransformAppliesChain(t *testing.T) {
	var fix = newTestAPIWithChain(t, fakeChain{providers: []middleware.Provider{stampProvider{}}})
	fix.do(t, http.MethodPost, "/jobs", ordersConnector())

	var rec = fix.do(t, http.MethodPost, "/transform/run", map[string]any{
		"connector_name": "orders",
		"payload":        map[string]any{"n": 1},
		"attributes":     map[string]string{"origin": "test"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp transformResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.False(t, resp.Dropped)
	require.Len(t, resp.Events, 1)
	require.Equal(t, "json", resp.Events[0].Encoding)
	require.JSONEq(t, `{"n": 1}`, string(resp.Events[0].Payload))
	require.Equal(t, "true", resp.Events[0].Attributes["stamped"])
	require.Equal(t, "test", resp.Events[0].Attributes["origin"])
}

func TestRunTransformReportsDrop(t *testing.T) {
	var fix = newTestAPIWithChain(t, fakeChain{providers: []middleware.Provider{dropProvider{}}})
	fix.do(t, http.MethodPost, "/jobs", ordersConnector())

	var rec = fix.do(t, http.MethodPost, "/transform/run", map[string]any{
		"connector_name": "orders",
		"payload":        map[string]any{"n": 1},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	requireFullMatch(t, `{"dropped": true, "events": []}`, rec.Body.Bytes())
}

func TestRunTransformUnknownConnector(t *testing.T) {
	var fix = newTestAPI(t)
	var rec = fix.do(t, http.MethodPost, "/transform/run", map[string]any{
		"connector_name": "ghost",
		"payload":        map[string]any{"n": 1},
	})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRunTransformRequestValidation(t *testing.T) {
	var fix = newTestAPI(t)
	fix.do(t, http.MethodPost, "/jobs", ordersConnector())

	var cases = []struct {
		name string
		body map[string]any
		want string
	}{
		{
			name: "missing connector",
			body: map[string]any{"payload": map[string]any{"n": 1}},
			want: "connector_name is required",
		},
		{
			name: "missing payload",
			body: map[string]any{"connector_name": "orders"},
			want: "payload or payload_base64 is required",
		},
		{
			name: "both payloads",
			body: map[string]any{
				"connector_name": "orders",
				"payload":        map[string]any{"n": 1},
				"payload_base64": []byte("raw"),
			},
			want: "mutually exclusive",
		},
		{
			name: "inline payload with binary encoding",
			body: map[string]any{
				"connector_name": "orders",
				"payload":        map[string]any{"n": 1},
				"encoding":       "avro",
			},
			want: "payload_base64",
		},
		{
			name: "unknown encoding",
			body: map[string]any{
				"connector_name": "orders",
				"payload":        map[string]any{"n": 1},
				"encoding":       "yaml",
			},
			want: "encoding",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var rec = fix.do(t, http.MethodPost, "/transform/run", tc.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			require.Contains(t, rec.Body.String(), tc.want)
		})
	}
}

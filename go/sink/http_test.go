package sink

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mstream-dev/mstream/go/config"
	"github.com/mstream-dev/mstream/go/encoding"
	"github.com/mstream-dev/mstream/go/registry"
	"github.com/mstream-dev/mstream/go/source"
)

func newWebhookService(t *testing.T, hostURL string) *registry.HTTPService {
	t.Helper()
	var reg, err = registry.New(registry.Options{
		Services: []config.Service{{
			Name:     "webhook",
			Provider: config.ProviderHTTP,
			Host:     hostURL,
		}},
		ScriptDir: t.TempDir(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close(context.Background()) })

	svc, err := reg.HTTPService("webhook")
	require.NoError(t, err)
	return svc
}

func testRetryPolicy(attempts int) RetryPolicy {
	return RetryPolicy{InitialInterval: time.Millisecond, Multiplier: 2, MaxInterval: 5 * time.Millisecond, MaxAttempts: attempts}
}

func TestHTTPSinkDeliversEvent(t *testing.T) {
	var gotContentType, gotOperation string
	var srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		gotOperation = r.Header.Get("X-Operation_type")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	var s = NewHTTP("webhook", newWebhookService(t, srv.URL), "events", encoding.JSON, testRetryPolicy(3))
	var id, err = s.Publish(context.Background(), source.Event{
		Payload:    []byte(`{"total":99}`),
		Encoding:   encoding.JSON,
		Attributes: map[string]string{"operation_type": "insert"},
	}, "", "")
	require.NoError(t, err)
	require.Empty(t, id)
	require.Equal(t, "application/json", gotContentType)
	require.Equal(t, "insert", gotOperation)
}

func TestHTTPSinkRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	var srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	var s = NewHTTP("webhook", newWebhookService(t, srv.URL), "", encoding.JSON, testRetryPolicy(3))
	var _, err = s.Publish(context.Background(), source.Event{Payload: []byte("x")}, "", "")
	require.NoError(t, err)
	require.Equal(t, int32(3), calls.Load())
}

func TestHTTPSinkExhaustsRetryBudget(t *testing.T) {
	var calls atomic.Int32
	var srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "busy", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	var s = NewHTTP("webhook", newWebhookService(t, srv.URL), "", encoding.JSON, testRetryPolicy(3))
	var _, err = s.Publish(context.Background(), source.Event{Payload: []byte("x")}, "", "")
	require.Error(t, err)
	require.False(t, IsTerminal(err))
	require.Equal(t, int32(3), calls.Load())
}

func TestHTTPSinkBadRequestIsTerminal(t *testing.T) {
	var calls atomic.Int32
	var srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "malformed", http.StatusBadRequest)
	}))
	defer srv.Close()

	var s = NewHTTP("webhook", newWebhookService(t, srv.URL), "", encoding.JSON, testRetryPolicy(5))
	var _, err = s.Publish(context.Background(), source.Event{Payload: []byte("x")}, "", "")
	require.True(t, IsTerminal(err))
	require.Equal(t, int32(1), calls.Load())
}

func TestHTTPSinkSendsFramedBatchesWhole(t *testing.T) {
	var gotContentType string
	var gotBody []byte
	var srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	var framed = encoding.FrameItems(encoding.JSON, [][]byte{[]byte(`{"n":1}`), []byte(`{"n":2}`)})
	var s = NewHTTP("webhook", newWebhookService(t, srv.URL), "", encoding.JSON, testRetryPolicy(1))
	var _, err = s.Publish(context.Background(), source.Event{
		Payload:       framed,
		Encoding:      encoding.JSON,
		IsFramedBatch: true,
	}, "", "")
	require.NoError(t, err)
	require.Equal(t, encoding.FramedContentType, gotContentType)
	require.Equal(t, framed, gotBody)
}

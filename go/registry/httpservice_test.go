package registry

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mstream-dev/mstream/go/config"
)

func newTestHTTPService(t *testing.T, host string, maxRetries int) *HTTPService {
	t.Helper()
	var svc, err = newHTTPService(config.Service{
		Provider:   config.ProviderHTTP,
		Name:       "webhook",
		Host:       host,
		MaxRetries: maxRetries,
		BackoffMS:  1,
	})
	require.NoError(t, err)
	return svc
}

func TestPostRetriesUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	var server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	var svc = newTestHTTPService(t, server.URL, 3)
	var resp, err = svc.Post(context.Background(), "hook", []byte(`{}`), "application/json", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, []byte("ok"), resp.Body)
	require.EqualValues(t, 3, calls.Load())
}

func TestPostTerminalStatusFailsFast(t *testing.T) {
	var calls atomic.Int32
	var server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad payload", http.StatusBadRequest)
	}))
	defer server.Close()

	var svc = newTestHTTPService(t, server.URL, 3)
	var _, err = svc.Post(context.Background(), "hook", []byte(`{}`), "application/json", nil)
	require.Error(t, err)

	var status *StatusError
	require.ErrorAs(t, err, &status)
	require.Equal(t, http.StatusBadRequest, status.StatusCode)
	require.EqualValues(t, 1, calls.Load(), "terminal status must not be retried")
}

func TestPostExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	var server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	var svc = newTestHTTPService(t, server.URL, 2)
	var _, err = svc.Post(context.Background(), "hook", nil, "application/json", nil)
	require.Error(t, err)

	var status *StatusError
	require.ErrorAs(t, err, &status)
	require.Equal(t, http.StatusTooManyRequests, status.StatusCode)
	require.EqualValues(t, 2, calls.Load())
}

func TestPostSendsAttributeHeaders(t *testing.T) {
	var gotContentType, gotOperation, gotDatabase string
	var gotBody []byte
	var server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		gotOperation = r.Header.Get("X-Operation_type")
		gotDatabase = r.Header.Get("X-Database")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	var svc = newTestHTTPService(t, server.URL, 1)
	var attrs = map[string]string{"operation_type": "insert", "database": "shop"}
	var resp, err = svc.Post(context.Background(), "events", []byte(`{"a":1}`), "application/json", attrs)
	require.NoError(t, err)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Equal(t, "application/json", gotContentType)
	require.Equal(t, "insert", gotOperation)
	require.Equal(t, "shop", gotDatabase)
	require.Equal(t, []byte(`{"a":1}`), gotBody)
}

func TestPostHonorsContextCancellation(t *testing.T) {
	var svc = newTestHTTPService(t, "http://127.0.0.1:9", 10)

	var ctx, cancel = context.WithCancel(context.Background())
	cancel()
	var _, err = svc.Post(ctx, "hook", nil, "application/json", nil)
	require.ErrorIs(t, err, context.Canceled)
}

func TestRetriableStatus(t *testing.T) {
	var cases = []struct {
		code      int
		retriable bool
	}{
		{http.StatusInternalServerError, true},
		{http.StatusBadGateway, true},
		{http.StatusServiceUnavailable, true},
		{http.StatusRequestTimeout, true},
		{http.StatusLocked, true},
		{http.StatusTooEarly, true},
		{http.StatusTooManyRequests, true},
		{http.StatusBadRequest, false},
		{http.StatusNotFound, false},
		{http.StatusUnauthorized, false},
		{http.StatusConflict, false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.retriable, RetriableStatus(tc.code), "status %d", tc.code)
	}
}

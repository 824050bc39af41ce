package middleware

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nsf/jsondiff"
	"github.com/stretchr/testify/require"

	"github.com/mstream-dev/mstream/go/config"
	"github.com/mstream-dev/mstream/go/encoding"
	"github.com/mstream-dev/mstream/go/registry"
	"github.com/mstream-dev/mstream/go/source"
)

func newTransformService(t *testing.T, hostURL string) *registry.HTTPService {
	t.Helper()
	var reg, err = registry.New(registry.Options{
		Services: []config.Service{{
			Name:       "transformer",
			Provider:   config.ProviderHTTP,
			Host:       hostURL,
			MaxRetries: 2,
			BackoffMS:  1,
		}},
		ScriptDir: t.TempDir(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close(context.Background()) })

	svc, err := reg.HTTPService("transformer")
	require.NoError(t, err)
	return svc
}

func TestHTTPMiddlewareReplacesPayload(t *testing.T) {
	var gotContentType, gotOperation string
	var srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		gotOperation = r.Header.Get("X-Operation_type")
		var body, _ = io.ReadAll(r.Body)
		_, _ = w.Write([]byte(`{"enriched":true,"original":` + string(body) + `}`))
	}))
	defer srv.Close()

	var m = NewHTTP("enrich", newTransformService(t, srv.URL), "transform", encoding.JSON, nil)
	var dec, err = m.Apply(context.Background(), source.Event{
		Payload:    []byte(`{"total":99}`),
		Encoding:   encoding.JSON,
		Attributes: map[string]string{"operation_type": "insert"},
	})
	require.NoError(t, err)
	require.Len(t, dec.Events, 1)
	require.Equal(t, "application/json", gotContentType)
	require.Equal(t, "insert", gotOperation)
	require.Equal(t, encoding.JSON, dec.Events[0].Encoding)

	var opts = jsondiff.DefaultConsoleOptions()
	var diff, desc = jsondiff.Compare(dec.Events[0].Payload,
		[]byte(`{"enriched":true,"original":{"total":99}}`), &opts)
	require.Equal(t, jsondiff.FullMatch, diff, desc)
}

func TestHTTPMiddlewareFramedBatchContentType(t *testing.T) {
	var gotContentType string
	var srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		_, _ = io.Copy(w, r.Body)
	}))
	defer srv.Close()

	var m = NewHTTP("enrich", newTransformService(t, srv.URL), "", encoding.Raw, nil)
	var _, err = m.Apply(context.Background(), source.Event{
		Payload:       []byte("framed-bytes"),
		Encoding:      encoding.JSON,
		IsFramedBatch: true,
	})
	require.NoError(t, err)
	require.Equal(t, encoding.FramedContentType, gotContentType)
}

func TestHTTPMiddlewareRawOutputKeepsInputLabel(t *testing.T) {
	var srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("transformed"))
	}))
	defer srv.Close()

	var m = NewHTTP("enrich", newTransformService(t, srv.URL), "", encoding.Raw, nil)
	var dec, err = m.Apply(context.Background(), source.Event{
		Payload:  []byte("original"),
		Encoding: encoding.BSON,
	})
	require.NoError(t, err)
	require.Len(t, dec.Events, 1)
	require.Equal(t, "transformed", string(dec.Events[0].Payload))
	require.Equal(t, encoding.BSON, dec.Events[0].Encoding)
}

func TestHTTPMiddlewareTerminalFailure(t *testing.T) {
	var srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad payload", http.StatusBadRequest)
	}))
	defer srv.Close()

	var m = NewHTTP("enrich", newTransformService(t, srv.URL), "", encoding.Raw, nil)
	var _, err = m.Apply(context.Background(), source.Event{Payload: []byte("x")})
	require.Error(t, err)

	var statusErr *registry.StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusBadRequest, statusErr.StatusCode)
	require.True(t, strings.Contains(string(statusErr.Body), "bad payload"))
}

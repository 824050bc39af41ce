package registry

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"

	"github.com/mstream-dev/mstream/go/config"
)

// HTTPService posts payloads to one configured host with bounded, jittered
// retries. A single instance is shared by every sink and middleware that
// references the service.
type HTTPService struct {
	name           string
	base           *url.URL
	client         *http.Client
	maxAttempts    int
	initialBackoff time.Duration
}

const (
	defaultMaxAttempts    = 3
	defaultInitialBackoff = 100 * time.Millisecond
	defaultConnectTimeout = 5 * time.Second
	defaultRequestTimeout = 30 * time.Second
	defaultKeepalive      = 90 * time.Second
)

func newHTTPService(svc config.Service) (*HTTPService, error) {
	var base, err = url.Parse(svc.Host)
	if err != nil {
		return nil, fmt.Errorf("parsing host of http service %q: %w", svc.Name, err)
	}

	var dialer = &net.Dialer{
		Timeout:   msOr(svc.ConnectTimeoutMS, defaultConnectTimeout),
		KeepAlive: msOr(svc.KeepaliveMS, defaultKeepalive),
	}
	var client = &http.Client{
		Timeout: msOr(svc.TimeoutMS, defaultRequestTimeout),
		Transport: &http.Transport{
			DialContext:         dialer.DialContext,
			MaxIdleConnsPerHost: 8,
			IdleConnTimeout:     msOr(svc.KeepaliveMS, defaultKeepalive),
		},
	}

	var attempts = svc.MaxRetries
	if attempts <= 0 {
		attempts = defaultMaxAttempts
	}
	return &HTTPService{
		name:           svc.Name,
		base:           base,
		client:         client,
		maxAttempts:    attempts,
		initialBackoff: msOr(svc.BackoffMS, defaultInitialBackoff),
	}, nil
}

func msOr(ms int, fallback time.Duration) time.Duration {
	if ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

// Response is a successful exchange with the service.
type Response struct {
	StatusCode int
	Body       []byte
}

// StatusError is a non-2xx response. Callers inspect StatusCode to decide
// whether the payload itself is at fault.
type StatusError struct {
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http status %d", e.StatusCode)
}

// RetriableStatus reports whether a status is worth retrying: transient
// server conditions and explicit throttling. Every other 4xx means the
// request itself is bad and a retry cannot fix it.
func RetriableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusLocked, http.StatusTooEarly, http.StatusTooManyRequests:
		return true
	}
	return code >= 500
}

// Post sends payload to base/resource. Attributes become X- prefixed
// headers. Transport errors and retriable statuses are retried with
// exponential backoff up to the configured attempt budget; terminal
// statuses fail immediately with a StatusError.
func (s *HTTPService) Post(ctx context.Context, resource string, payload []byte, contentType string, attributes map[string]string) (*Response, error) {
	var target = s.base.JoinPath(resource).String()

	var bo = backoff.NewExponentialBackOff()
	bo.InitialInterval = s.initialBackoff
	bo.RandomizationFactor = 0.2
	bo.Multiplier = 2

	var resp *Response
	var attempt = func() error {
		var r, err = s.do(ctx, target, payload, contentType, attributes)
		if err != nil {
			return err
		}
		switch {
		case r.StatusCode/100 == 2:
			resp = r
			return nil
		case RetriableStatus(r.StatusCode):
			return &StatusError{StatusCode: r.StatusCode, Body: r.Body}
		default:
			return backoff.Permanent(&StatusError{StatusCode: r.StatusCode, Body: r.Body})
		}
	}
	var notify = func(err error, wait time.Duration) {
		log.WithFields(log.Fields{
			"service": s.name,
			"wait":    wait,
			"err":     err,
		}).Debug("retrying http post")
	}

	var policy = backoff.WithContext(backoff.WithMaxRetries(bo, uint64(s.maxAttempts-1)), ctx)
	if err := backoff.RetryNotify(attempt, policy, notify); err != nil {
		return nil, fmt.Errorf("posting to %s: %w", target, err)
	}
	return resp, nil
}

// PostOnce sends a single request with no retrying. Non-2xx statuses come
// back as a StatusError so callers can apply their own retry policy.
func (s *HTTPService) PostOnce(ctx context.Context, resource string, payload []byte, contentType string, attributes map[string]string) (*Response, error) {
	var target = s.base.JoinPath(resource).String()
	var r, err = s.do(ctx, target, payload, contentType, attributes)
	if err != nil {
		return nil, fmt.Errorf("posting to %s: %w", target, err)
	}
	if r.StatusCode/100 != 2 {
		return r, &StatusError{StatusCode: r.StatusCode, Body: r.Body}
	}
	return r, nil
}

func (s *HTTPService) do(ctx context.Context, target string, payload []byte, contentType string, attributes map[string]string) (*Response, error) {
	var req, err = http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", contentType)
	for k, v := range attributes {
		req.Header.Set("X-"+k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	return &Response{StatusCode: resp.StatusCode, Body: body}, nil
}

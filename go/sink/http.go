package sink

import (
	"context"
	"errors"

	"github.com/mstream-dev/mstream/go/encoding"
	"github.com/mstream-dev/mstream/go/registry"
	"github.com/mstream-dev/mstream/go/source"
)

// HTTP posts events to a registered http service. Attributes travel as
// X- prefixed headers. Framed batches are sent whole with the framed
// content type; the receiver unpacks them. Retrying is driven by the
// sink's RetryPolicy, one request per attempt; statuses that a retry
// cannot fix are terminal.
type HTTP struct {
	name     string
	service  *registry.HTTPService
	resource string
	enc      encoding.Encoding
	retry    RetryPolicy
}

func NewHTTP(name string, service *registry.HTTPService, resource string, enc encoding.Encoding, retry RetryPolicy) *HTTP {
	return &HTTP{name: name, service: service, resource: resource, enc: enc, retry: retry}
}

func (s *HTTP) Name() string { return s.name }

func (s *HTTP) Encoding() encoding.Encoding { return s.enc }

func (s *HTTP) Close(context.Context) error { return nil }

func (s *HTTP) Publish(ctx context.Context, ev source.Event, topic, key string) (MessageID, error) {
	var contentType = ev.Encoding.ContentType()
	if ev.IsFramedBatch {
		contentType = encoding.FramedContentType
	}

	var err = s.retry.Execute(ctx, func() error {
		var _, err = s.service.PostOnce(ctx, s.resource, ev.Payload, contentType, ev.Attributes)
		if err == nil {
			return nil
		}
		var statusErr *registry.StatusError
		if errors.As(err, &statusErr) && !registry.RetriableStatus(statusErr.StatusCode) {
			return Terminal(err)
		}
		return err
	})
	if err != nil {
		return "", err
	}
	// An HTTP receiver assigns no durable address to the event.
	return "", nil
}

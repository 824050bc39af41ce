package middleware

import (
	"context"

	"github.com/mstream-dev/mstream/go/encoding"
	"github.com/mstream-dev/mstream/go/registry"
	"github.com/mstream-dev/mstream/go/schema"
	"github.com/mstream-dev/mstream/go/source"
)

// HTTP posts the event payload to a remote transformer and replaces it
// with the response body. Framed batches are sent whole; the remote is
// expected to answer in kind.
type HTTP struct {
	name     string
	service  *registry.HTTPService
	resource string
	// output relabels the response payload. Raw keeps the input's label,
	// since the remote usually answers in the format it was sent.
	output encoding.Encoding
	schema *schema.Schema
}

func NewHTTP(name string, service *registry.HTTPService, resource string, output encoding.Encoding, sch *schema.Schema) *HTTP {
	return &HTTP{name: name, service: service, resource: resource, output: output, schema: sch}
}

func (m *HTTP) Name() string { return m.name }

func (m *HTTP) Apply(ctx context.Context, ev source.Event) (Decision, error) {
	var contentType = ev.Encoding.ContentType()
	if ev.IsFramedBatch {
		contentType = encoding.FramedContentType
	}

	var resp, err = m.service.Post(ctx, m.resource, ev.Payload, contentType, ev.Attributes)
	if err != nil {
		return Decision{}, err
	}

	var out = ev
	out.Payload = resp.Body
	if err := relabel(&out, m.output, m.schema); err != nil {
		return Decision{}, err
	}
	return Keep(out), nil
}

// relabel applies a middleware's declared output encoding. With a real
// schema attached the payload is re-encoded; without one the label just
// changes, on the assumption the transformer answered in the declared
// format. Raw keeps the input's label.
func relabel(ev *source.Event, output encoding.Encoding, sch *schema.Schema) error {
	if output == encoding.Raw || output == ev.Encoding {
		if output != encoding.Raw {
			ev.Encoding = output
		}
		return nil
	}
	if sch != nil && sch.Kind != schema.KindUndefined {
		var converted []byte
		var err error
		if ev.IsFramedBatch {
			converted, err = sch.ConvertFramed(ev.Payload, ev.Encoding, output)
		} else {
			converted, err = sch.Convert(ev.Payload, ev.Encoding, output)
		}
		if err != nil {
			return err
		}
		ev.Payload = converted
	}
	ev.Encoding = output
	return nil
}

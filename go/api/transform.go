package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mstream-dev/mstream/go/encoding"
	"github.com/mstream-dev/mstream/go/middleware"
	"github.com/mstream-dev/mstream/go/source"
)

type transformRequest struct {
	// ConnectorName selects the job whose middleware chain runs.
	ConnectorName string `json:"connector_name"`
	// Payload carries a JSON event inline; PayloadBase64 carries any
	// other encoding.
	Payload       json.RawMessage   `json:"payload,omitempty"`
	PayloadBase64 []byte            `json:"payload_base64,omitempty"`
	Encoding      string            `json:"encoding,omitempty"`
	Attributes    map[string]string `json:"attributes,omitempty"`
}

type transformedEvent struct {
	Encoding      string            `json:"encoding"`
	Payload       json.RawMessage   `json:"payload,omitempty"`
	PayloadBase64 []byte            `json:"payload_base64,omitempty"`
	Attributes    map[string]string `json:"attributes,omitempty"`
}

type transformResponse struct {
	Dropped bool               `json:"dropped"`
	Events  []transformedEvent `json:"events"`
}

// runTransform dry-runs one event through a connector's middleware chain
// and returns the surviving events. Nothing is published.
func (h *handlers) runTransform(w http.ResponseWriter, r *http.Request) {
	var req transformRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, fmt.Errorf("parsing request: %w", err))
		return
	}

	var ev, err = req.event()
	if err != nil {
		writeBadRequest(w, err)
		return
	}

	job, err := h.manager.GetJob(r.Context(), req.ConnectorName)
	if err != nil {
		writeError(w, err)
		return
	}

	chain, err := h.builder.Middlewares(r.Context(), job.Connector)
	if err != nil {
		writeError(w, err)
		return
	}

	outs, err := middleware.Chain(r.Context(), chain, ev)
	if err != nil {
		writeBadRequest(w, err)
		return
	}

	var resp = transformResponse{
		Dropped: len(outs) == 0,
		Events:  make([]transformedEvent, 0, len(outs)),
	}
	for _, out := range outs {
		resp.Events = append(resp.Events, renderEvent(out))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (req transformRequest) event() (source.Event, error) {
	if req.ConnectorName == "" {
		return source.Event{}, fmt.Errorf("connector_name is required")
	}

	var enc = encoding.JSON
	if req.Encoding != "" {
		var err error
		if enc, err = encoding.Parse(req.Encoding); err != nil {
			return source.Event{}, err
		}
	}

	var payload []byte
	switch {
	case len(req.Payload) > 0 && len(req.PayloadBase64) > 0:
		return source.Event{}, fmt.Errorf("payload and payload_base64 are mutually exclusive")
	case len(req.Payload) > 0:
		if enc != encoding.JSON {
			return source.Event{}, fmt.Errorf("inline payload requires json encoding; use payload_base64")
		}
		payload = req.Payload
	case len(req.PayloadBase64) > 0:
		payload = req.PayloadBase64
	default:
		return source.Event{}, fmt.Errorf("payload or payload_base64 is required")
	}

	return source.Event{
		Payload:    payload,
		Encoding:   enc,
		Attributes: req.Attributes,
	}, nil
}

// renderEvent keeps JSON payloads readable and base64-encodes the rest.
func renderEvent(ev source.Event) transformedEvent {
	var out = transformedEvent{
		Encoding:   ev.Encoding.String(),
		Attributes: ev.Attributes,
	}
	if ev.Encoding == encoding.JSON && json.Valid(ev.Payload) {
		out.Payload = ev.Payload
	} else {
		out.PayloadBase64 = ev.Payload
	}
	return out
}

package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mstream-dev/mstream/go/schema"
)

type fillRequest struct {
	Schema map[string]interface{} `json:"schema"`
	Seed   *int64                 `json:"seed,omitempty"`
}

// fillSchema generates one sample document for a $jsonSchema, useful for
// trying a connector's transforms before pointing it at live data.
func (h *handlers) fillSchema(w http.ResponseWriter, r *http.Request) {
	var req fillRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, fmt.Errorf("parsing request: %w", err))
		return
	}
	if len(req.Schema) == 0 {
		writeBadRequest(w, fmt.Errorf("schema is required"))
		return
	}

	var filler *schema.Filler
	if req.Seed != nil {
		filler = schema.NewFillerWithSeed(*req.Seed)
	} else {
		filler = schema.NewFiller()
	}
	writeJSON(w, http.StatusOK, map[string]any{"document": filler.Fill(req.Schema)})
}

type convertRequest struct {
	Schema    map[string]interface{} `json:"schema"`
	Name      string                 `json:"name,omitempty"`
	Namespace string                 `json:"namespace,omitempty"`
}

// convertSchema turns a $jsonSchema into an Avro record schema.
func (h *handlers) convertSchema(w http.ResponseWriter, r *http.Request) {
	var req convertRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, fmt.Errorf("parsing request: %w", err))
		return
	}
	if len(req.Schema) == 0 {
		writeBadRequest(w, fmt.Errorf("schema is required"))
		return
	}

	var avroDef, err = schema.JSONSchemaToAvro(req.Schema, schema.ConvertOptions{
		Name:      req.Name,
		Namespace: req.Namespace,
	})
	if err != nil {
		writeBadRequest(w, fmt.Errorf("converting schema: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"avro": json.RawMessage(avroDef)})
}

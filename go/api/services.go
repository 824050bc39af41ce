package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mstream-dev/mstream/go/config"
	"github.com/mstream-dev/mstream/go/schema"
)

func splitResource(resource string) (db, coll string, ok bool) {
	db, coll, ok = strings.Cut(resource, ".")
	if !ok || db == "" || coll == "" {
		return "", "", false
	}
	return db, coll, true
}

func (h *handlers) listServices(w http.ResponseWriter, _ *http.Request) {
	var defs = h.registry.Definitions()
	var out = make([]config.Service, 0, len(defs))
	for _, svc := range defs {
		out = append(out, svc.Masked())
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handlers) registerService(w http.ResponseWriter, r *http.Request) {
	var svc config.Service
	if err := decodeBody(r, &svc); err != nil {
		writeBadRequest(w, fmt.Errorf("parsing service: %w", err))
		return
	}
	if err := h.registry.Register(svc); err != nil {
		if statusFor(err) == http.StatusInternalServerError {
			// Validation failures.
			writeBadRequest(w, err)
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, svc.Masked())
}

func (h *handlers) getService(w http.ResponseWriter, r *http.Request) {
	var svc, ok = h.registry.Definition(chi.URLParam(r, "name"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown service"})
		return
	}
	writeJSON(w, http.StatusOK, svc.Masked())
}

func (h *handlers) removeService(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.Remove(r.Context(), chi.URLParam(r, "name")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) listResources(w http.ResponseWriter, r *http.Request) {
	var resources, err = h.registry.Resources(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, err)
		return
	}
	if resources == nil {
		resources = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"resources": resources})
}

// inferSchema samples a MongoDB collection and returns the inferred
// $jsonSchema. resource names the database.collection to sample.
func (h *handlers) inferSchema(w http.ResponseWriter, r *http.Request) {
	var name = chi.URLParam(r, "name")
	var resource = r.URL.Query().Get("resource")
	var db, coll, ok = splitResource(resource)
	if !ok {
		writeBadRequest(w, fmt.Errorf("resource %q must be database.collection", resource))
		return
	}

	var sampleSize = schema.DefaultSampleSize
	if raw := r.URL.Query().Get("sample"); raw != "" {
		var n, err = strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeBadRequest(w, fmt.Errorf("sample must be a positive integer"))
			return
		}
		sampleSize = n
	}

	var client, err = h.registry.MongoClient(r.Context(), name)
	if err != nil {
		writeError(w, err)
		return
	}

	inferred, err := schema.NewIntrospector(client.Database(db), coll).Introspect(r.Context(), sampleSize)
	if err != nil {
		writeError(w, fmt.Errorf("sampling %s: %w", resource, err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schema": inferred})
}

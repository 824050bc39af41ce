package api

import (
	"encoding/json"
	"errors"
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/mstream-dev/mstream/go/checkpoint"
	"github.com/mstream-dev/mstream/go/jobs"
	"github.com/mstream-dev/mstream/go/registry"
	"github.com/mstream-dev/mstream/go/schema"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithField("err", err).Warn("encoding api response")
	}
}

// writeError renders {"error": "..."} with a status derived from the
// error's identity.
func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}

func writeBadRequest(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, jobs.ErrJobNotFound),
		errors.Is(err, registry.ErrUnknownService),
		errors.Is(err, checkpoint.ErrNotFound),
		errors.Is(err, schema.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, jobs.ErrNameInUse),
		errors.Is(err, registry.ErrDuplicateService),
		errors.Is(err, registry.ErrServiceInUse):
		return http.StatusConflict
	case errors.Is(err, registry.ErrKindMismatch),
		errors.Is(err, registry.ErrUnsupportedService):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody strictly parses a JSON request body into v.
func decodeBody(r *http.Request, v any) error {
	var dec = json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

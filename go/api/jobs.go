package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mstream-dev/mstream/go/checkpoint"
	"github.com/mstream-dev/mstream/go/config"
	"github.com/mstream-dev/mstream/go/jobs"
)

func (h *handlers) listJobs(w http.ResponseWriter, r *http.Request) {
	var list, err = h.manager.ListJobs(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []jobs.Job{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *handlers) createJob(w http.ResponseWriter, r *http.Request) {
	var conn config.Connector
	if err := decodeBody(r, &conn); err != nil {
		writeBadRequest(w, fmt.Errorf("parsing connector: %w", err))
		return
	}
	if conn.Name == "" {
		writeBadRequest(w, fmt.Errorf("connector has no name"))
		return
	}

	var job, err = h.manager.CreateAndStart(r.Context(), conn)
	if err != nil {
		// Build failures are the caller's declaration being wrong.
		if statusFor(err) == http.StatusInternalServerError {
			writeBadRequest(w, err)
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (h *handlers) getJob(w http.ResponseWriter, r *http.Request) {
	var job, err = h.manager.GetJob(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *handlers) stopJob(w http.ResponseWriter, r *http.Request) {
	var name = chi.URLParam(r, "name")
	if err := h.manager.Stop(r.Context(), name); err != nil {
		writeError(w, err)
		return
	}
	var job, err = h.manager.GetJob(r.Context(), name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *handlers) restartJob(w http.ResponseWriter, r *http.Request) {
	var name = chi.URLParam(r, "name")
	if err := h.manager.Restart(r.Context(), name); err != nil {
		writeError(w, err)
		return
	}
	var job, err = h.manager.GetJob(r.Context(), name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *handlers) listCheckpoints(w http.ResponseWriter, r *http.Request) {
	var history, err = h.manager.ListCheckpoints(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, err)
		return
	}
	if history == nil {
		history = []checkpoint.Checkpoint{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"checkpoints": history})
}

package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/mstream-dev/mstream/go/ops"
)

// listLogs dumps the ring buffer. level bounds severity (default all),
// limit bounds the count (default 100).
func (h *handlers) listLogs(w http.ResponseWriter, r *http.Request) {
	var level = log.TraceLevel
	if raw := r.URL.Query().Get("level"); raw != "" {
		var lvl, err = log.ParseLevel(raw)
		if err != nil {
			writeBadRequest(w, fmt.Errorf("unrecognized level %q", raw))
			return
		}
		level = lvl
	}

	var limit = 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		var n, err = strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeBadRequest(w, fmt.Errorf("limit must be a positive integer"))
			return
		}
		limit = n
	}

	var entries = h.ring.Recent(limit, level)
	if entries == nil {
		entries = []ops.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": entries})
}

// keepaliveInterval paces SSE comments so idle proxies keep the stream
// open.
const keepaliveInterval = 15 * time.Second

// streamLogs tails the ring as server-sent events until the client goes
// away.
func (h *handlers) streamLogs(w http.ResponseWriter, r *http.Request) {
	var flusher, ok = w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	var entries, cancel = h.ring.Subscribe()
	defer cancel()

	var keepalive = time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case entry, ok := <-entries:
			if !ok {
				return
			}
			var data, err = json.Marshal(entry)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}

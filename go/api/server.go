// Package api serves the management surface: job lifecycle, service
// registry CRUD, schema tooling, transform dry runs, log access, and
// Prometheus metrics.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/mstream-dev/mstream/go/checkpoint"
	"github.com/mstream-dev/mstream/go/config"
	"github.com/mstream-dev/mstream/go/jobs"
	"github.com/mstream-dev/mstream/go/middleware"
	"github.com/mstream-dev/mstream/go/ops"
	"github.com/mstream-dev/mstream/go/registry"
)

// JobManager is the slice of the job manager the API needs.
type JobManager interface {
	CreateAndStart(ctx context.Context, conn config.Connector) (jobs.Job, error)
	Stop(ctx context.Context, name string) error
	Restart(ctx context.Context, name string) error
	GetJob(ctx context.Context, name string) (jobs.Job, error)
	ListJobs(ctx context.Context) ([]jobs.Job, error)
	ListCheckpoints(ctx context.Context, name string) ([]checkpoint.Checkpoint, error)
}

// MiddlewareBuilder resolves a connector's transform chain for dry runs.
type MiddlewareBuilder interface {
	Middlewares(ctx context.Context, conn config.Connector) ([]middleware.Provider, error)
}

// Options wire the API to the rest of the process.
type Options struct {
	Listen   string
	Manager  JobManager
	Registry *registry.Registry
	Builder  MiddlewareBuilder
	Ring     *ops.Ring
}

type handlers struct {
	manager  JobManager
	registry *registry.Registry
	builder  MiddlewareBuilder
	ring     *ops.Ring
}

// NewHandler builds the routed management API.
func NewHandler(opts Options) http.Handler {
	var h = &handlers{
		manager:  opts.Manager,
		registry: opts.Registry,
		builder:  opts.Builder,
		ring:     opts.Ring,
	}

	var r = chi.NewRouter()
	r.Use(requestLogger)

	r.Get("/healthz", h.health)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/jobs", func(r chi.Router) {
		r.Get("/", h.listJobs)
		r.Post("/", h.createJob)
		r.Get("/{name}", h.getJob)
		r.Post("/{name}/stop", h.stopJob)
		r.Post("/{name}/restart", h.restartJob)
		r.Get("/{name}/checkpoints", h.listCheckpoints)
	})

	r.Route("/services", func(r chi.Router) {
		r.Get("/", h.listServices)
		r.Post("/", h.registerService)
		r.Get("/{name}", h.getService)
		r.Delete("/{name}", h.removeService)
		r.Get("/{name}/resources", h.listResources)
		r.Get("/{name}/schema", h.inferSchema)
	})

	r.Post("/schema/fill", h.fillSchema)
	r.Post("/schema/convert", h.convertSchema)
	r.Post("/transform/run", h.runTransform)

	r.Get("/logs", h.listLogs)
	r.Get("/logs/stream", h.streamLogs)

	return r
}

// Server runs the management API on its configured listener.
type Server struct {
	srv *http.Server
}

func NewServer(opts Options) *Server {
	return &Server{srv: &http.Server{
		Addr:              opts.Listen,
		Handler:           NewHandler(opts),
		ReadHeaderTimeout: 10 * time.Second,
	}}
}

// ListenAndServe blocks until the listener fails or Shutdown runs.
func (s *Server) ListenAndServe() error {
	log.WithField("listen", s.srv.Addr).Info("management api listening")
	var err = s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (h *handlers) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var started = time.Now()
		next.ServeHTTP(w, r)
		log.WithFields(log.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
			"took":   time.Since(started).String(),
		}).Debug("api request")
	})
}

package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/mstream-dev/mstream/go/checkpoint"
	"github.com/mstream-dev/mstream/go/config"
	"github.com/mstream-dev/mstream/go/pipeline"
)

// DefaultStopGrace bounds how long Stop waits for a pipeline to drain
// before declaring the job failed.
const DefaultStopGrace = 30 * time.Second

// storeTimeout bounds background persistence writes that run outside any
// caller's context.
const storeTimeout = 5 * time.Second

// PipelineBuilder resolves a connector into a runnable pipeline.
type PipelineBuilder interface {
	Build(ctx context.Context, conn config.Connector, resumeToken []byte) (*pipeline.Pipeline, error)
}

// Options tune the manager.
type Options struct {
	// StopGrace overrides DefaultStopGrace when positive.
	StopGrace time.Duration
}

// Manager owns every running pipeline in the process. It is the only
// writer of job state; API handlers and the MCP server go through it.
type Manager struct {
	builder     PipelineBuilder
	jobs        Store
	checkpoints checkpoint.Store
	grace       time.Duration

	mu       sync.RWMutex
	running  map[string]*handle
	starting map[string]struct{}
}

// handle tracks one live pipeline run. lastErr, finished and abandoned
// are guarded by the manager's mutex.
type handle struct {
	conn      config.Connector
	cancel    context.CancelFunc
	done      chan struct{}
	lastErr   string
	finished  bool
	abandoned bool
}

func NewManager(builder PipelineBuilder, jobs Store, checkpoints checkpoint.Store, opts Options) *Manager {
	var grace = opts.StopGrace
	if grace <= 0 {
		grace = DefaultStopGrace
	}
	return &Manager{
		builder:     builder,
		jobs:        jobs,
		checkpoints: checkpoints,
		grace:       grace,
		running:     make(map[string]*handle),
		starting:    make(map[string]struct{}),
	}
}

// CreateAndStart builds the connector's pipeline, persists the job, and
// spawns its runner. The run is detached from ctx; ctx only bounds the
// build. Fails with ErrNameInUse while a live job owns the name.
func (m *Manager) CreateAndStart(ctx context.Context, conn config.Connector) (Job, error) {
	m.mu.Lock()
	if _, ok := m.running[conn.Name]; ok {
		m.mu.Unlock()
		return Job{}, fmt.Errorf("%w: %q", ErrNameInUse, conn.Name)
	}
	if _, ok := m.starting[conn.Name]; ok {
		m.mu.Unlock()
		return Job{}, fmt.Errorf("%w: %q", ErrNameInUse, conn.Name)
	}
	m.starting[conn.Name] = struct{}{}
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.starting, conn.Name)
		m.mu.Unlock()
	}()

	var token []byte
	if cp, err := m.checkpoints.Latest(ctx, conn.Name); err == nil {
		token = cp.ResumeToken
	} else if !errors.Is(err, checkpoint.ErrNotFound) {
		return Job{}, fmt.Errorf("loading checkpoint of %s: %w", conn.Name, err)
	}

	var pipe, err = m.builder.Build(ctx, conn, token)
	if err != nil {
		return Job{}, err
	}

	var job = Job{
		ConnectorName: conn.Name,
		ID:            uuid.NewString(),
		State:         StateCreated,
		StartedAt:     nowMillis(),
		ResumeToken:   token,
		Connector:     conn,
	}
	if err := m.jobs.Save(ctx, job); err != nil {
		closePipeline(pipe, conn.Name)
		return Job{}, fmt.Errorf("persisting job %s: %w", conn.Name, err)
	}
	job.State = StateRunning
	if err := m.jobs.Save(ctx, job); err != nil {
		closePipeline(pipe, conn.Name)
		return Job{}, fmt.Errorf("persisting job %s: %w", conn.Name, err)
	}

	var runCtx, cancel = context.WithCancel(context.Background())
	var h = &handle{conn: conn, cancel: cancel, done: make(chan struct{})}
	m.mu.Lock()
	m.running[conn.Name] = h
	m.mu.Unlock()

	var runner = pipeline.NewRunner(pipe, pipeline.RunnerOptions{
		Checkpoint: func(ctx context.Context, resumeToken []byte) error {
			return m.checkpoints.Save(ctx, checkpoint.New(conn.Name, resumeToken))
		},
		ReportError: func(err error) { m.recordError(conn.Name, err) },
	})

	go func() {
		defer close(h.done)
		var runErr = runner.Run(runCtx)
		closePipeline(pipe, conn.Name)
		m.finish(conn.Name, h, runErr)
	}()

	log.WithFields(log.Fields{
		"job":      conn.Name,
		"id":       job.ID,
		"resuming": len(token) > 0,
	}).Info("job started")
	return job, nil
}

// Stop cancels a job's run and waits for the drain, bounded by the stop
// grace. Idempotent: stopping an already stopped job is a no-op.
// Exceeding the grace abandons the run and fails the job.
func (m *Manager) Stop(ctx context.Context, name string) error {
	m.mu.Lock()
	var h, ok = m.running[name]
	m.mu.Unlock()
	if !ok {
		var _, err = m.jobs.Get(ctx, name)
		return err
	}

	if job, err := m.jobs.Get(ctx, name); err == nil {
		job.State = StateStopping
		if err := m.jobs.Save(ctx, job); err != nil {
			log.WithFields(log.Fields{"job": name, "err": err}).Warn("persisting stopping state")
		}
	}
	log.WithField("job", name).Info("stopping job")
	h.cancel()

	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(m.grace):
	}

	m.mu.Lock()
	if h.finished {
		m.mu.Unlock()
		return nil
	}
	h.abandoned = true
	if m.running[name] == h {
		delete(m.running, name)
	}
	var lastErr = h.lastErr
	m.mu.Unlock()

	m.persistTerminal(name, StateFailed, pipeline.ErrShutdownTimeout.Error(), lastErr)
	return fmt.Errorf("stopping %s: %w", name, pipeline.ErrShutdownTimeout)
}

// Restart stops the job and starts it again from its latest checkpoint.
func (m *Manager) Restart(ctx context.Context, name string) error {
	var job, err = m.jobs.Get(ctx, name)
	if err != nil {
		return err
	}
	if err := m.Stop(ctx, name); err != nil && !errors.Is(err, pipeline.ErrShutdownTimeout) {
		return err
	}
	_, err = m.CreateAndStart(ctx, job.Connector)
	return err
}

// GetJob returns one job snapshot.
func (m *Manager) GetJob(ctx context.Context, name string) (Job, error) {
	var job, err = m.jobs.Get(ctx, name)
	if err != nil {
		return Job{}, err
	}
	m.overlay(&job)
	return job, nil
}

// ListJobs returns snapshots of every job, sorted by connector name.
func (m *Manager) ListJobs(ctx context.Context) ([]Job, error) {
	var jobs, err = m.jobs.List(ctx)
	if err != nil {
		return nil, err
	}
	for i := range jobs {
		m.overlay(&jobs[i])
	}
	return jobs, nil
}

// ListCheckpoints returns a job's checkpoint history, newest first.
func (m *Manager) ListCheckpoints(ctx context.Context, name string) ([]checkpoint.Checkpoint, error) {
	if _, err := m.jobs.Get(ctx, name); err != nil {
		return nil, err
	}
	return m.checkpoints.List(ctx, name)
}

// DependentJobs names the running jobs that reference a service. It
// backs the registry's remove guard.
func (m *Manager) DependentJobs(service string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for name, h := range m.running {
		if connectorUses(h.conn, service) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Close stops every running job concurrently, bounded by ctx.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.RLock()
	var names = make([]string, 0, len(m.running))
	for name := range m.running {
		names = append(names, name)
	}
	m.mu.RUnlock()

	var g errgroup.Group
	for _, name := range names {
		g.Go(func() error { return m.Stop(ctx, name) })
	}
	return g.Wait()
}

// Reconcile aligns persisted jobs with the configuration file at process
// start. Individual connectors that fail to start are logged and
// skipped; only store failures abort.
func (m *Manager) Reconcile(ctx context.Context, connectors []config.Connector, state config.StartupState) error {
	if state == "" {
		state = config.ForceFromFile
	}
	var persisted, err = m.jobs.List(ctx)
	if err != nil {
		return fmt.Errorf("listing persisted jobs: %w", err)
	}
	var byName = make(map[string]Job, len(persisted))
	for _, job := range persisted {
		byName[job.ConnectorName] = job
	}

	switch state {
	case config.Keep:
		m.restore(ctx, persisted)

	case config.SeedFromFile:
		m.restore(ctx, persisted)
		for _, conn := range connectors {
			if _, ok := byName[conn.Name]; ok {
				continue
			}
			m.startLogged(ctx, conn)
		}

	case config.ForceFromFile:
		var inFile = make(map[string]bool, len(connectors))
		for _, conn := range connectors {
			inFile[conn.Name] = true
			m.startLogged(ctx, conn)
		}
		for _, job := range persisted {
			if !inFile[job.ConnectorName] && wantsRestore(job.State) {
				m.park(ctx, job)
			}
		}

	default:
		return fmt.Errorf("unknown startup_state %q", state)
	}
	return nil
}

// wantsRestore reports whether a persisted state means the job was live
// when the previous process ended.
func wantsRestore(s State) bool {
	return s == StateRunning || s == StateCreated || s == StateStopping
}

func (m *Manager) restore(ctx context.Context, persisted []Job) {
	for _, job := range persisted {
		if !wantsRestore(job.State) {
			continue
		}
		if job.State == StateStopping {
			// A stop was in flight when the process died; honor it.
			m.park(ctx, job)
			continue
		}
		m.startLogged(ctx, job.Connector)
	}
}

// park marks a restored job stopped without running it.
func (m *Manager) park(ctx context.Context, job Job) {
	job.State = StateStopped
	job.StoppedAt = nowMillis()
	if err := m.jobs.Save(ctx, job); err != nil {
		log.WithFields(log.Fields{"job": job.ConnectorName, "err": err}).Error("parking job")
	}
}

func (m *Manager) startLogged(ctx context.Context, conn config.Connector) {
	if _, err := m.CreateAndStart(ctx, conn); err != nil {
		log.WithFields(log.Fields{"connector": conn.Name, "err": err}).Error("starting connector at startup")
	}
}

// finish persists the terminal state once a run returns. A run abandoned
// by a timed-out Stop already got its terminal state there.
func (m *Manager) finish(name string, h *handle, runErr error) {
	m.mu.Lock()
	if h.abandoned {
		m.mu.Unlock()
		return
	}
	h.finished = true
	var lastErr = h.lastErr
	if m.running[name] == h {
		delete(m.running, name)
	}
	m.mu.Unlock()

	if runErr != nil {
		log.WithFields(log.Fields{"job": name, "err": runErr}).Error("job failed")
		m.persistTerminal(name, StateFailed, runErr.Error(), lastErr)
		return
	}
	log.WithField("job", name).Info("job stopped")
	m.persistTerminal(name, StateStopped, "", lastErr)
}

// persistTerminal writes a job's final state, refreshing the resume token
// from the latest checkpoint.
func (m *Manager) persistTerminal(name string, state State, reason, lastErr string) {
	var ctx, cancel = context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	var job, err = m.jobs.Get(ctx, name)
	if err != nil {
		log.WithFields(log.Fields{"job": name, "err": err}).Error("loading job after run")
		return
	}
	job.State = state
	job.StoppedAt = nowMillis()
	switch {
	case reason != "":
		job.LastError = reason
	case lastErr != "":
		job.LastError = lastErr
	}
	if cp, err := m.checkpoints.Latest(ctx, name); err == nil {
		job.ResumeToken = cp.ResumeToken
	}
	if err := m.jobs.Save(ctx, job); err != nil {
		log.WithFields(log.Fields{"job": name, "err": err}).Error("persisting terminal job state")
	}
}

func (m *Manager) recordError(name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.running[name]; ok {
		h.lastErr = err.Error()
	}
}

// overlay folds live run information into a stored snapshot.
func (m *Manager) overlay(job *Job) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if h, ok := m.running[job.ConnectorName]; ok && h.lastErr != "" {
		job.LastError = h.lastErr
	}
}

func connectorUses(conn config.Connector, service string) bool {
	if conn.Source.ServiceName == service {
		return true
	}
	for _, ref := range conn.Middlewares {
		if ref.ServiceName == service {
			return true
		}
	}
	for _, ref := range conn.Sinks {
		if ref.ServiceName == service {
			return true
		}
	}
	for _, ref := range conn.Schemas {
		if ref.ServiceName == service {
			return true
		}
	}
	return false
}

func closePipeline(pipe *pipeline.Pipeline, name string) {
	var ctx, cancel = context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := pipe.Close(ctx); err != nil {
		log.WithFields(log.Fields{"job": name, "err": err}).Warn("closing pipeline")
	}
}

package jobs

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mstream-dev/mstream/go/checkpoint"
	"github.com/mstream-dev/mstream/go/config"
	"github.com/mstream-dev/mstream/go/encoding"
	"github.com/mstream-dev/mstream/go/pipeline"
	"github.com/mstream-dev/mstream/go/schema"
	"github.com/mstream-dev/mstream/go/sink"
	"github.com/mstream-dev/mstream/go/source"
)

type fakeBuilder struct {
	pipe func(conn config.Connector) *pipeline.Pipeline
	err  error

	mu     sync.Mutex
	tokens []string
}

func (b *fakeBuilder) Build(_ context.Context, conn config.Connector, resumeToken []byte) (*pipeline.Pipeline, error) {
	b.mu.Lock()
	b.tokens = append(b.tokens, string(resumeToken))
	b.mu.Unlock()
	if b.err != nil {
		return nil, b.err
	}
	return b.pipe(conn), nil
}

func (b *fakeBuilder) resumeTokens() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.tokens...)
}

// feedSource replays events, then with hold blocks like a live stream
// until cancelled.
type feedSource struct {
	events []source.Event
	hold   bool
}

func (s *feedSource) Run(ctx context.Context, out chan<- source.Event) error {
	for _, ev := range s.events {
		select {
		case out <- ev:
		case <-ctx.Done():
			return nil
		}
	}
	if s.hold {
		<-ctx.Done()
	}
	return nil
}

// stuckSource ignores cancellation on purpose, to exercise the stop
// grace.
type stuckSource struct{}

func (stuckSource) Run(context.Context, chan<- source.Event) error {
	select {}
}

type failingSource struct{ err error }

func (s *failingSource) Run(context.Context, chan<- source.Event) error { return s.err }

type memorySink struct {
	failErr error

	mu    sync.Mutex
	count int
}

func (s *memorySink) Name() string                { return "mem" }
func (s *memorySink) Encoding() encoding.Encoding { return encoding.Raw }
func (s *memorySink) Close(context.Context) error { return nil }

func (s *memorySink) Publish(context.Context, source.Event, string, string) (sink.MessageID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count++
	if s.failErr != nil {
		return "", s.failErr
	}
	return sink.MessageID(strconv.Itoa(s.count)), nil
}

func (s *memorySink) published() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

func pipelineWith(conn config.Connector, src source.Reader, snk sink.Sink) *pipeline.Pipeline {
	return &pipeline.Pipeline{
		Connector:    conn,
		Source:       src,
		SourceSchema: schema.Undefined,
		Sinks:        []pipeline.BoundSink{{Sink: snk, Topic: "out"}},
	}
}

func tokenEvents(n int) []source.Event {
	var out []source.Event
	for i := 1; i <= n; i++ {
		out = append(out, source.Event{
			Payload:     []byte(fmt.Sprintf(`{"n":%d}`, i)),
			Encoding:    encoding.JSON,
			ResumeToken: []byte(fmt.Sprintf("t%d", i)),
		})
	}
	return out
}

func connectorNamed(name string) config.Connector {
	return config.Connector{
		Name:   name,
		Source: config.ServiceRef{ServiceName: "store", Resource: "shop.orders"},
		Sinks:  []config.ServiceRef{{ServiceName: "broker", Resource: "out"}},
	}
}

func newManagerFixture(t *testing.T, builder PipelineBuilder, grace time.Duration) (*Manager, *MemoryStore, *checkpoint.MemoryStore) {
	t.Helper()
	var store = NewMemoryStore()
	var cps = checkpoint.NewMemoryStore()
	var m = NewManager(builder, store, cps, Options{StopGrace: grace})
	t.Cleanup(func() {
		var ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Close(ctx)
	})
	return m, store, cps
}

func latestToken(cps *checkpoint.MemoryStore, name string) string {
	var cp, err = cps.Latest(context.Background(), name)
	if err != nil {
		return ""
	}
	return string(cp.ResumeToken)
}

func TestCreateAndStartRunsToStopped(t *testing.T) {
	var ctx = context.Background()
	var snk = &memorySink{}
	var builder = &fakeBuilder{pipe: func(conn config.Connector) *pipeline.Pipeline {
		return pipelineWith(conn, &feedSource{events: tokenEvents(2), hold: true}, snk)
	}}
	var m, _, cps = newManagerFixture(t, builder, 5*time.Second)

	var job, err = m.CreateAndStart(ctx, connectorNamed("orders"))
	require.NoError(t, err)
	require.Equal(t, StateRunning, job.State)
	require.NotEmpty(t, job.ID)
	require.NotZero(t, job.StartedAt)

	require.Eventually(t, func() bool { return latestToken(cps, "orders") == "t2" },
		5*time.Second, 5*time.Millisecond)
	require.Equal(t, 2, snk.published())

	var _, dupErr = m.CreateAndStart(ctx, connectorNamed("orders"))
	require.ErrorIs(t, dupErr, ErrNameInUse)

	require.NoError(t, m.Stop(ctx, "orders"))

	got, err := m.GetJob(ctx, "orders")
	require.NoError(t, err)
	require.Equal(t, StateStopped, got.State)
	require.NotZero(t, got.StoppedAt)
	require.Equal(t, "t2", string(got.ResumeToken))

	// Stopping a stopped job is a no-op.
	require.NoError(t, m.Stop(ctx, "orders"))

	history, err := m.ListCheckpoints(ctx, "orders")
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, "t2", string(history[0].ResumeToken))
}

func TestStopUnknownJob(t *testing.T) {
	var builder = &fakeBuilder{pipe: func(conn config.Connector) *pipeline.Pipeline {
		return pipelineWith(conn, &feedSource{hold: true}, &memorySink{})
	}}
	var m, _, _ = newManagerFixture(t, builder, time.Second)

	require.ErrorIs(t, m.Stop(context.Background(), "nope"), ErrJobNotFound)
}

func TestStopGraceTimeoutFailsJob(t *testing.T) {
	var ctx = context.Background()
	var builder = &fakeBuilder{pipe: func(conn config.Connector) *pipeline.Pipeline {
		return pipelineWith(conn, stuckSource{}, &memorySink{})
	}}
	var m, _, _ = newManagerFixture(t, builder, 50*time.Millisecond)

	var _, err = m.CreateAndStart(ctx, connectorNamed("stuck"))
	require.NoError(t, err)

	err = m.Stop(ctx, "stuck")
	require.ErrorIs(t, err, pipeline.ErrShutdownTimeout)

	job, err := m.GetJob(ctx, "stuck")
	require.NoError(t, err)
	require.Equal(t, StateFailed, job.State)
	require.Contains(t, job.LastError, "shutdown grace")

	// The abandoned name is free again.
	_, err = m.CreateAndStart(ctx, connectorNamed("stuck"))
	require.NoError(t, err)
}

func TestRestartResumesFromLatestCheckpoint(t *testing.T) {
	var ctx = context.Background()
	var builder = &fakeBuilder{pipe: func(conn config.Connector) *pipeline.Pipeline {
		return pipelineWith(conn, &feedSource{events: tokenEvents(2), hold: true}, &memorySink{})
	}}
	var m, _, cps = newManagerFixture(t, builder, 5*time.Second)

	var _, err = m.CreateAndStart(ctx, connectorNamed("orders"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return latestToken(cps, "orders") == "t2" },
		5*time.Second, 5*time.Millisecond)
	require.NoError(t, m.Stop(ctx, "orders"))

	require.NoError(t, m.Restart(ctx, "orders"))

	require.Equal(t, []string{"", "t2"}, builder.resumeTokens())

	job, err := m.GetJob(ctx, "orders")
	require.NoError(t, err)
	require.Equal(t, StateRunning, job.State)
}

func TestFatalSourceFailsJob(t *testing.T) {
	var ctx = context.Background()
	var builder = &fakeBuilder{pipe: func(conn config.Connector) *pipeline.Pipeline {
		return pipelineWith(conn, &failingSource{err: source.Fatal("resume position lost", nil)}, &memorySink{})
	}}
	var m, _, _ = newManagerFixture(t, builder, time.Second)

	var _, err = m.CreateAndStart(ctx, connectorNamed("orders"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		var job, err = m.GetJob(ctx, "orders")
		return err == nil && job.State == StateFailed
	}, 5*time.Second, 5*time.Millisecond)

	job, err := m.GetJob(ctx, "orders")
	require.NoError(t, err)
	require.Contains(t, job.LastError, "resume position lost")

	// A failed job's name is free for a fresh start.
	_, err = m.CreateAndStart(ctx, connectorNamed("orders"))
	require.NoError(t, err)
}

func TestPublishErrorsSurfaceWhileRunning(t *testing.T) {
	var ctx = context.Background()
	var snk = &memorySink{failErr: errors.New("endpoint rejected the event")}
	var builder = &fakeBuilder{pipe: func(conn config.Connector) *pipeline.Pipeline {
		return pipelineWith(conn, &feedSource{events: tokenEvents(1), hold: true}, snk)
	}}
	var m, _, _ = newManagerFixture(t, builder, 5*time.Second)

	var _, err = m.CreateAndStart(ctx, connectorNamed("orders"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		var job, err = m.GetJob(ctx, "orders")
		return err == nil && job.State == StateRunning && job.LastError != ""
	}, 5*time.Second, 5*time.Millisecond)

	job, err := m.GetJob(ctx, "orders")
	require.NoError(t, err)
	require.Contains(t, job.LastError, "endpoint rejected the event")
}

func TestDependentJobs(t *testing.T) {
	var ctx = context.Background()
	var builder = &fakeBuilder{pipe: func(conn config.Connector) *pipeline.Pipeline {
		return pipelineWith(conn, &feedSource{hold: true}, &memorySink{})
	}}
	var m, _, _ = newManagerFixture(t, builder, 5*time.Second)

	var _, err = m.CreateAndStart(ctx, connectorNamed("orders"))
	require.NoError(t, err)

	require.Equal(t, []string{"orders"}, m.DependentJobs("store"))
	require.Equal(t, []string{"orders"}, m.DependentJobs("broker"))
	require.Empty(t, m.DependentJobs("elsewhere"))

	require.NoError(t, m.Stop(ctx, "orders"))
	require.Empty(t, m.DependentJobs("store"))
}

func TestListCheckpointsUnknownJob(t *testing.T) {
	var builder = &fakeBuilder{pipe: func(conn config.Connector) *pipeline.Pipeline {
		return pipelineWith(conn, &feedSource{hold: true}, &memorySink{})
	}}
	var m, _, _ = newManagerFixture(t, builder, time.Second)

	var _, err = m.ListCheckpoints(context.Background(), "nope")
	require.ErrorIs(t, err, ErrJobNotFound)
}

func TestReconcileSeedFromFile(t *testing.T) {
	var ctx = context.Background()
	var builder = &fakeBuilder{pipe: func(conn config.Connector) *pipeline.Pipeline {
		return pipelineWith(conn, &feedSource{hold: true}, &memorySink{})
	}}
	var m, store, _ = newManagerFixture(t, builder, 5*time.Second)

	require.NoError(t, store.Save(ctx, Job{ConnectorName: "a", State: StateStopped, Connector: connectorNamed("a")}))
	require.NoError(t, store.Save(ctx, Job{ConnectorName: "b", State: StateRunning, Connector: connectorNamed("b")}))

	var fileConns = []config.Connector{connectorNamed("a"), connectorNamed("c")}
	require.NoError(t, m.Reconcile(ctx, fileConns, config.SeedFromFile))

	jobA, err := m.GetJob(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, StateStopped, jobA.State, "seeding never overrides an existing name")

	jobB, err := m.GetJob(ctx, "b")
	require.NoError(t, err)
	require.Equal(t, StateRunning, jobB.State, "persisted running jobs restore")

	jobC, err := m.GetJob(ctx, "c")
	require.NoError(t, err)
	require.Equal(t, StateRunning, jobC.State, "new config connectors start")
}

func TestReconcileKeep(t *testing.T) {
	var ctx = context.Background()
	var builder = &fakeBuilder{pipe: func(conn config.Connector) *pipeline.Pipeline {
		return pipelineWith(conn, &feedSource{hold: true}, &memorySink{})
	}}
	var m, store, _ = newManagerFixture(t, builder, 5*time.Second)

	require.NoError(t, store.Save(ctx, Job{ConnectorName: "b", State: StateRunning, Connector: connectorNamed("b")}))
	require.NoError(t, store.Save(ctx, Job{ConnectorName: "d", State: StateStopping, Connector: connectorNamed("d")}))

	require.NoError(t, m.Reconcile(ctx, []config.Connector{connectorNamed("c")}, config.Keep))

	jobB, err := m.GetJob(ctx, "b")
	require.NoError(t, err)
	require.Equal(t, StateRunning, jobB.State)

	// A stop that was in flight when the process died is honored.
	jobD, err := m.GetJob(ctx, "d")
	require.NoError(t, err)
	require.Equal(t, StateStopped, jobD.State)

	_, err = m.GetJob(ctx, "c")
	require.ErrorIs(t, err, ErrJobNotFound, "keep ignores config connectors")
}

func TestReconcileForceFromFile(t *testing.T) {
	var ctx = context.Background()
	var builder = &fakeBuilder{pipe: func(conn config.Connector) *pipeline.Pipeline {
		return pipelineWith(conn, &feedSource{hold: true}, &memorySink{})
	}}
	var m, store, _ = newManagerFixture(t, builder, 5*time.Second)

	require.NoError(t, store.Save(ctx, Job{ConnectorName: "a", State: StateStopped, Connector: connectorNamed("a")}))
	require.NoError(t, store.Save(ctx, Job{ConnectorName: "b", State: StateRunning, Connector: connectorNamed("b")}))

	require.NoError(t, m.Reconcile(ctx, []config.Connector{connectorNamed("a")}, config.ForceFromFile))

	jobA, err := m.GetJob(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, StateRunning, jobA.State, "config connectors start regardless of history")

	jobB, err := m.GetJob(ctx, "b")
	require.NoError(t, err)
	require.Equal(t, StateStopped, jobB.State, "persisted jobs outside the file are parked")
}

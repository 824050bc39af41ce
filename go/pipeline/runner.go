package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/mstream-dev/mstream/go/encoding"
	"github.com/mstream-dev/mstream/go/middleware"
	"github.com/mstream-dev/mstream/go/schema"
	"github.com/mstream-dev/mstream/go/source"
)

// Checkpointer persists one fully-resolved resume position.
type Checkpointer func(ctx context.Context, resumeToken []byte) error

// RunnerOptions configure one pipeline run.
type RunnerOptions struct {
	// Checkpoint is invoked after every resolved round whose source event
	// carried a resume token. nil disables checkpointing.
	Checkpoint Checkpointer
	// ReportError receives non-terminal failures (dropped events, per-sink
	// publish errors) so the owning job can record them as last_error.
	ReportError func(error)
}

// Runner drives one built pipeline until its source closes, its context is
// cancelled, or a terminal failure.
type Runner struct {
	pipe *Pipeline
	opts RunnerOptions
}

func NewRunner(pipe *Pipeline, opts RunnerOptions) *Runner {
	return &Runner{pipe: pipe, opts: opts}
}

// Run consumes the source until its channel closes or ctx is cancelled.
// A nil return is a clean stop; any error is a terminal failure. Events
// buffered but unpublished at cancellation are discarded and replay from
// the last checkpoint on restart.
func (r *Runner) Run(ctx context.Context) error {
	var conn = r.pipe.Connector

	runningPipelinesGauge.Inc()
	defer runningPipelinesGauge.Dec()

	var srcCtx, cancel = context.WithCancel(ctx)
	defer cancel()

	var events = make(chan source.Event, conn.ChannelCapacity())
	var srcDone = make(chan error, 1)
	go func() {
		var err = r.pipe.Source.Run(srcCtx, events)
		close(events)
		srcDone <- err
	}()

	log.WithFields(log.Fields{
		"connector": conn.Name,
		"source":    conn.Source.ServiceName,
		"sinks":     len(r.pipe.Sinks),
		"batching":  conn.IsBatchingEnabled,
	}).Info("pipeline started")

	var runErr = r.loop(ctx, events)

	// Unblock the reader and let it wind down before reporting.
	cancel()
	for range events {
	}
	var srcErr = <-srcDone

	switch {
	case runErr != nil:
		return runErr
	case srcErr != nil && !errors.Is(srcErr, context.Canceled):
		return fmt.Errorf("source: %w", srcErr)
	default:
		log.WithFields(log.Fields{"connector": conn.Name}).Info("pipeline stopped")
		return nil
	}
}

func (r *Runner) loop(ctx context.Context, events <-chan source.Event) error {
	var streak int
	for {
		if ctx.Err() != nil {
			return nil
		}
		if r.pipe.Connector.IsBatchingEnabled {
			var batch, ok = r.nextBatch(ctx, events)
			if !ok {
				return nil
			}
			if err := r.handleBatch(ctx, batch, &streak); err != nil {
				return err
			}
			continue
		}
		select {
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := r.handleEvent(ctx, ev, &streak); err != nil {
				return err
			}
		case <-ctx.Done():
		}
	}
}

// handleEvent runs one source event through the full chain: source schema,
// middlewares, fan-out to every sink, checkpoint.
func (r *Runner) handleEvent(ctx context.Context, ev source.Event, streak *int) error {
	eventsReceivedCounter.WithLabelValues(r.pipe.Connector.Name).Inc()

	var outs, err = r.transform(ctx, ev)
	if err != nil {
		return err
	}
	if len(outs) == 0 {
		return r.checkpoint(ctx, ev.ResumeToken)
	}

	var anySuccess, anyFailure bool
	for _, out := range outs {
		var ok, failed = r.fanOut(ctx, func(BoundSink) (source.Event, error) {
			return out, nil
		})
		anySuccess = anySuccess || ok
		anyFailure = anyFailure || failed
	}
	if ctx.Err() != nil {
		// Shutting down mid-round; the round did not resolve.
		return nil
	}
	if err := r.advanceStreak(streak, anySuccess, anyFailure); err != nil {
		return err
	}
	return r.checkpoint(ctx, ev.ResumeToken)
}

// handleBatch transforms every gathered event, frames the survivors into a
// single batch per sink, and checkpoints the last event's token.
func (r *Runner) handleBatch(ctx context.Context, batch []source.Event, streak *int) error {
	eventsReceivedCounter.WithLabelValues(r.pipe.Connector.Name).Add(float64(len(batch)))

	var survivors []source.Event
	for _, ev := range batch {
		var outs, err = r.transform(ctx, ev)
		if err != nil {
			return err
		}
		survivors = append(survivors, outs...)
	}
	var token = batch[len(batch)-1].ResumeToken
	if len(survivors) == 0 {
		return r.checkpoint(ctx, token)
	}

	var anySuccess, anyFailure = r.fanOut(ctx, func(bs BoundSink) (source.Event, error) {
		return frameForSink(survivors, bs)
	})
	if ctx.Err() != nil {
		return nil
	}
	if err := r.advanceStreak(streak, anySuccess, anyFailure); err != nil {
		return err
	}
	return r.checkpoint(ctx, token)
}

// transform applies the source schema and the middleware chain. A failed
// event is logged and dropped unless the connector demands failing fast;
// legitimate middleware drops come back as an empty slice.
func (r *Runner) transform(ctx context.Context, ev source.Event) ([]source.Event, error) {
	var conn = r.pipe.Connector

	var err = applySourceSchema(&ev, r.pipe.SourceSchema, conn.Source.OutputEncoding)
	if err == nil {
		var outs []source.Event
		if outs, err = middleware.Chain(ctx, r.pipe.Middlewares, ev); err == nil {
			if len(outs) == 0 {
				eventsDroppedCounter.WithLabelValues(conn.Name).Inc()
			}
			return outs, nil
		}
	}
	if conn.FailFast {
		return nil, err
	}
	log.WithFields(log.Fields{"connector": conn.Name, "err": err}).Error("event failed in transform, dropping")
	r.report(err)
	eventsDroppedCounter.WithLabelValues(conn.Name).Inc()
	return nil, nil
}

// fanOut publishes one prepared event to every sink concurrently. prepare
// builds the per-sink payload. A sink's failure never interrupts its
// siblings; outcomes are reported per sink.
func (r *Runner) fanOut(ctx context.Context, prepare func(BoundSink) (source.Event, error)) (anySuccess, anyFailure bool) {
	var results = make([]error, len(r.pipe.Sinks))
	var g errgroup.Group
	for i := range r.pipe.Sinks {
		g.Go(func() error {
			var bs = r.pipe.Sinks[i]
			var ev, err = prepare(bs)
			if err != nil {
				results[i] = fmt.Errorf("preparing for sink %s: %w", bs.Sink.Name(), err)
				return nil
			}
			results[i] = r.publishOne(ctx, bs, ev)
			return nil
		})
	}
	_ = g.Wait()

	for i, err := range results {
		if err == nil {
			anySuccess = true
			continue
		}
		anyFailure = true
		r.report(err)
		log.WithFields(log.Fields{
			"connector": r.pipe.Connector.Name,
			"sink":      r.pipe.Sinks[i].Sink.Name(),
			"err":       err,
		}).Error("publish failed")
	}
	return anySuccess, anyFailure
}

func (r *Runner) publishOne(ctx context.Context, bs BoundSink, ev source.Event) error {
	var conn = r.pipe.Connector

	var prepared, err = encodeForSink(ev, bs)
	if err != nil {
		publishesCounter.WithLabelValues(conn.Name, bs.Sink.Name(), "error").Inc()
		return fmt.Errorf("encoding for sink %s: %w", bs.Sink.Name(), err)
	}

	var started = time.Now()
	id, err := bs.Sink.Publish(ctx, prepared, bs.Topic, prepared.Attributes["key"])
	publishDurations.WithLabelValues(conn.Name, bs.Sink.Name()).Observe(time.Since(started).Seconds())
	if err != nil {
		publishesCounter.WithLabelValues(conn.Name, bs.Sink.Name(), "error").Inc()
		return fmt.Errorf("sink %s: %w", bs.Sink.Name(), err)
	}
	publishesCounter.WithLabelValues(conn.Name, bs.Sink.Name(), "ok").Inc()

	log.WithFields(log.Fields{
		"connector":  conn.Name,
		"sink":       bs.Sink.Name(),
		"message_id": string(id),
	}).Debug("published event")
	return nil
}

// advanceStreak tracks rounds where every sink failed. Rounds with at
// least one delivery reset it; drops never reach here.
func (r *Runner) advanceStreak(streak *int, anySuccess, anyFailure bool) error {
	if anyFailure && !anySuccess {
		*streak++
	} else {
		*streak = 0
	}
	if *streak >= FailureStreakLimit {
		return fmt.Errorf("%w: %d consecutive events failed on every sink", ErrAllSinksFailing, *streak)
	}
	return nil
}

func (r *Runner) checkpoint(ctx context.Context, token []byte) error {
	if r.opts.Checkpoint == nil || len(token) == 0 {
		return nil
	}
	if err := r.opts.Checkpoint(ctx, token); err != nil {
		// A missed checkpoint widens the replay window; it does not stop
		// the run.
		log.WithFields(log.Fields{"connector": r.pipe.Connector.Name, "err": err}).Warn("checkpoint failed")
		return nil
	}
	checkpointsCounter.WithLabelValues(r.pipe.Connector.Name).Inc()
	return nil
}

// nextBatch blocks for the first event, then gathers whatever is already
// buffered, up to the connector's batch size.
func (r *Runner) nextBatch(ctx context.Context, events <-chan source.Event) ([]source.Event, bool) {
	var first source.Event
	var ok bool
	select {
	case first, ok = <-events:
		if !ok {
			return nil, false
		}
	case <-ctx.Done():
		return nil, false
	}

	var size = r.pipe.Connector.ChannelCapacity()
	var batch = append(make([]source.Event, 0, size), first)
	for len(batch) < size {
		select {
		case ev, ok := <-events:
			if !ok {
				return batch, true
			}
			batch = append(batch, ev)
		default:
			return batch, true
		}
	}
	return batch, true
}

func (r *Runner) report(err error) {
	if r.opts.ReportError != nil && err != nil {
		r.opts.ReportError(err)
	}
}

// applySourceSchema re-encodes a source event to the connector's declared
// source encoding. Sources that already label payloads with the declared
// encoding pass through untouched.
func applySourceSchema(ev *source.Event, sch *schema.Schema, declared encoding.Encoding) error {
	if sch == nil {
		sch = schema.Undefined
	}
	var target = declared
	if target == encoding.Raw {
		target = sch.Encoding()
	}
	if target == encoding.Raw || target == ev.Encoding {
		return nil
	}
	var converted, err = sch.Convert(ev.Payload, ev.Encoding, target)
	if err != nil {
		return fmt.Errorf("applying source schema: %w", err)
	}
	ev.Payload = converted
	ev.Encoding = target
	return nil
}

// encodeForSink re-encodes an event to the sink's declared encoding. Raw
// sinks and matching labels forward bytes untouched.
func encodeForSink(ev source.Event, bs BoundSink) (source.Event, error) {
	var target = bs.Sink.Encoding()
	if target == encoding.Raw || target == ev.Encoding {
		return ev, nil
	}
	var sch = bs.Schema
	if sch == nil {
		sch = schema.Undefined
	}

	var converted []byte
	var err error
	if ev.IsFramedBatch {
		converted, err = sch.ConvertFramed(ev.Payload, ev.Encoding, target)
	} else {
		converted, err = sch.Convert(ev.Payload, ev.Encoding, target)
	}
	if err != nil {
		return source.Event{}, err
	}
	ev.Payload = converted
	ev.Encoding = target
	return ev, nil
}

// frameForSink converts every survivor to the sink's encoding and packs
// them into one framed batch event. Attributes come from the last survivor
// plus a batch_count. Raw sinks frame at the survivors' current encoding.
func frameForSink(survivors []source.Event, bs BoundSink) (source.Event, error) {
	var target = bs.Sink.Encoding()
	if target == encoding.Raw {
		target = survivors[0].Encoding
	}
	var sch = bs.Schema
	if sch == nil {
		sch = schema.Undefined
	}

	var items = make([][]byte, len(survivors))
	for i, ev := range survivors {
		if ev.Encoding == target {
			items[i] = ev.Payload
			continue
		}
		var converted, err = sch.Convert(ev.Payload, ev.Encoding, target)
		if err != nil {
			return source.Event{}, err
		}
		items[i] = converted
	}

	var last = survivors[len(survivors)-1]
	var attrs = make(map[string]string, len(last.Attributes)+1)
	for k, v := range last.Attributes {
		attrs[k] = v
	}
	attrs["batch_count"] = strconv.Itoa(len(items))

	return source.Event{
		Payload:       encoding.FrameItems(target, items),
		Encoding:      target,
		Attributes:    attrs,
		IsFramedBatch: true,
	}, nil
}

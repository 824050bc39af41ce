package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/mstream-dev/mstream/go/config"
	"github.com/mstream-dev/mstream/go/encoding"
	"github.com/mstream-dev/mstream/go/middleware"
	"github.com/mstream-dev/mstream/go/registry"
	"github.com/mstream-dev/mstream/go/schema"
	"github.com/mstream-dev/mstream/go/sink"
	"github.com/mstream-dev/mstream/go/source"
)

// DefaultSettleDelay separates consecutive schema fetches during a build.
const DefaultSettleDelay = 500 * time.Millisecond

// Options tune pipeline construction.
type Options struct {
	// SettleDelay is the pause between schema fetches, keeping bursts of
	// builds from hammering a schema registry. Zero selects
	// DefaultSettleDelay; negative disables the pause entirely.
	SettleDelay time.Duration
}

// Builder resolves connector declarations against the registry.
type Builder struct {
	reg     *registry.Registry
	fetcher *schema.Fetcher
	opts    Options
}

func NewBuilder(reg *registry.Registry, fetcher *schema.Fetcher, opts Options) *Builder {
	if opts.SettleDelay == 0 {
		opts.SettleDelay = DefaultSettleDelay
	} else if opts.SettleDelay < 0 {
		opts.SettleDelay = 0
	}
	return &Builder{reg: reg, fetcher: fetcher, opts: opts}
}

// Build resolves a connector into a runnable pipeline, in fixed order:
// schemas, middlewares, source, sinks. resumeToken positions the source
// after its last checkpoint; nil starts from now. Errors name the step
// that failed to resolve.
func (b *Builder) Build(ctx context.Context, conn config.Connector, resumeToken []byte) (*Pipeline, error) {
	var schemas, err = b.buildSchemas(ctx, conn)
	if err != nil {
		return nil, fmt.Errorf("building schemas for %s: %w", conn.Name, err)
	}
	mws, err := b.buildMiddlewares(conn, schemas)
	if err != nil {
		return nil, fmt.Errorf("building middlewares for %s: %w", conn.Name, err)
	}
	src, err := b.buildSource(ctx, conn, resumeToken)
	if err != nil {
		return nil, fmt.Errorf("building source for %s: %w", conn.Name, err)
	}
	sinks, err := b.buildSinks(ctx, conn, schemas)
	if err != nil {
		return nil, fmt.Errorf("building sinks for %s: %w", conn.Name, err)
	}

	return &Pipeline{
		Connector:    conn,
		Schemas:      schemas,
		Source:       src,
		SourceSchema: schemaFor(schemas, conn.Source.SchemaID),
		Middlewares:  mws,
		Sinks:        sinks,
	}, nil
}

// Middlewares resolves only a connector's transform chain, for dry runs
// that shape an event without touching sources or sinks.
func (b *Builder) Middlewares(ctx context.Context, conn config.Connector) ([]middleware.Provider, error) {
	var schemas, err = b.buildSchemas(ctx, conn)
	if err != nil {
		return nil, fmt.Errorf("building schemas for %s: %w", conn.Name, err)
	}
	return b.buildMiddlewares(conn, schemas)
}

func (b *Builder) buildSchemas(ctx context.Context, conn config.Connector) (map[string]*schema.Schema, error) {
	var out = make(map[string]*schema.Schema, len(conn.Schemas))
	for i, ref := range conn.Schemas {
		if i > 0 && b.opts.SettleDelay > 0 {
			select {
			case <-time.After(b.opts.SettleDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		var s, err = b.reg.FetchSchema(ctx, b.fetcher, ref)
		if err != nil {
			return nil, fmt.Errorf("schema %s: %w", ref.ID, err)
		}
		out[ref.ID] = s
	}
	return out, nil
}

// schemaFor resolves a schema_id against the fetched set. References that
// name nothing fall back to the passthrough schema.
func schemaFor(schemas map[string]*schema.Schema, id string) *schema.Schema {
	if s, ok := schemas[id]; ok {
		return s
	}
	return schema.Undefined
}

func (b *Builder) buildMiddlewares(conn config.Connector, schemas map[string]*schema.Schema) ([]middleware.Provider, error) {
	var out = make([]middleware.Provider, 0, len(conn.Middlewares))
	for _, ref := range conn.Middlewares {
		var svc, ok = b.reg.Definition(ref.ServiceName)
		if !ok {
			return nil, fmt.Errorf("middleware %s: %w", ref.ServiceName, registry.ErrUnknownService)
		}
		var sch = schemaFor(schemas, ref.SchemaID)

		switch svc.Provider {
		case config.ProviderHTTP:
			var httpSvc, err = b.reg.HTTPService(svc.Name)
			if err != nil {
				return nil, fmt.Errorf("middleware %s: %w", svc.Name, err)
			}
			out = append(out, middleware.NewHTTP(svc.Name, httpSvc, ref.Resource, ref.OutputEncoding, sch))
		case config.ProviderUDF:
			var script, err = b.reg.UDFScriptFor(svc.Name)
			if err != nil {
				return nil, fmt.Errorf("middleware %s: %w", svc.Name, err)
			}
			m, err := middleware.NewLua(script, ref.OutputEncoding, sch)
			if err != nil {
				return nil, fmt.Errorf("middleware %s: %w", svc.Name, err)
			}
			out = append(out, m)
		default:
			return nil, fmt.Errorf("middleware %s: %w: %s services cannot transform events",
				svc.Name, registry.ErrUnsupportedService, svc.Provider)
		}
	}
	return out, nil
}

func (b *Builder) buildSource(ctx context.Context, conn config.Connector, resumeToken []byte) (source.Reader, error) {
	var ref = conn.Source
	var svc, ok = b.reg.Definition(ref.ServiceName)
	if !ok {
		return nil, fmt.Errorf("%s: %w", ref.ServiceName, registry.ErrUnknownService)
	}

	switch svc.Provider {
	case config.ProviderMongoDB:
		var client, err = b.reg.MongoClient(ctx, svc.Name)
		if err != nil {
			return nil, err
		}
		db, coll, ok := strings.Cut(ref.Resource, ".")
		if !ok {
			return nil, fmt.Errorf("resource %q must be database.collection", ref.Resource)
		}
		return source.NewMongoReader(source.MongoOptions{
			Service:     svc.Name,
			Client:      client,
			Database:    db,
			Collection:  coll,
			ResumeToken: resumeToken,
		}), nil

	case config.ProviderKafka:
		var group = svc.Config["group.id"]
		if group == "" {
			group = "mstream-" + conn.Name
		}
		var name = svc.Name
		return source.NewKafkaReader(source.KafkaOptions{
			Service:  name,
			Topic:    ref.Resource,
			Group:    group,
			Encoding: ref.OutputEncoding,
			NewClient: func(opts ...kgo.Opt) (*kgo.Client, error) {
				return b.reg.KafkaConsumer(name, opts...)
			},
		}), nil

	case config.ProviderPubSub:
		var client, err = b.reg.PubSubClient(ctx, svc.Name)
		if err != nil {
			return nil, err
		}
		return source.NewPubSubReader(source.PubSubOptions{
			Service:      svc.Name,
			Client:       client,
			Subscription: ref.Resource,
			Encoding:     ref.OutputEncoding,
			Buffer:       conn.ChannelCapacity(),
		}), nil

	default:
		return nil, fmt.Errorf("%s: %w: %s services cannot emit events",
			svc.Name, registry.ErrUnsupportedService, svc.Provider)
	}
}

func (b *Builder) buildSinks(ctx context.Context, conn config.Connector, schemas map[string]*schema.Schema) ([]BoundSink, error) {
	var out = make([]BoundSink, 0, len(conn.Sinks))
	for _, ref := range conn.Sinks {
		var svc, ok = b.reg.Definition(ref.ServiceName)
		if !ok {
			return nil, fmt.Errorf("sink %s: %w", ref.ServiceName, registry.ErrUnknownService)
		}
		var sch = schemaFor(schemas, ref.SchemaID)
		var enc = sinkEncoding(ref, sch)

		var s sink.Sink
		switch svc.Provider {
		case config.ProviderKafka:
			var client, err = b.reg.KafkaClient(ctx, svc.Name)
			if err != nil {
				return nil, fmt.Errorf("sink %s: %w", svc.Name, err)
			}
			s = sink.NewKafka(svc.Name, client, ref.Resource, enc)

		case config.ProviderPubSub:
			var client, err = b.reg.PubSubClient(ctx, svc.Name)
			if err != nil {
				return nil, fmt.Errorf("sink %s: %w", svc.Name, err)
			}
			s = sink.NewPubSub(svc.Name, client, ref.Resource, enc)

		case config.ProviderMongoDB:
			var client, err = b.reg.MongoClient(ctx, svc.Name)
			if err != nil {
				return nil, fmt.Errorf("sink %s: %w", svc.Name, err)
			}
			db, coll, ok := strings.Cut(ref.Resource, ".")
			if !ok {
				return nil, fmt.Errorf("sink %s: resource %q must be database.collection", svc.Name, ref.Resource)
			}
			s = sink.NewMongo(svc.Name, client, db, coll)

		case config.ProviderHTTP:
			var httpSvc, err = b.reg.HTTPService(svc.Name)
			if err != nil {
				return nil, fmt.Errorf("sink %s: %w", svc.Name, err)
			}
			var policy = sink.DefaultRetryPolicy()
			if svc.MaxRetries > 0 {
				policy.MaxAttempts = svc.MaxRetries
			}
			if svc.BackoffMS > 0 {
				policy.InitialInterval = time.Duration(svc.BackoffMS) * time.Millisecond
			}
			s = sink.NewHTTP(svc.Name, httpSvc, ref.Resource, enc, policy)

		default:
			return nil, fmt.Errorf("sink %s: %w: %s services cannot receive events",
				svc.Name, registry.ErrUnsupportedService, svc.Provider)
		}
		out = append(out, BoundSink{Sink: s, Topic: ref.Resource, Schema: sch})
	}
	return out, nil
}

// sinkEncoding is a sink's declared encoding: an explicit output_encoding
// wins, else the bound schema's natural encoding, else raw passthrough.
func sinkEncoding(ref config.ServiceRef, sch *schema.Schema) encoding.Encoding {
	if ref.OutputEncoding != encoding.Raw {
		return ref.OutputEncoding
	}
	return sch.Encoding()
}

// Package registry tracks the external services a deployment may talk to
// and lends out ready-made clients for them. Service definitions come from
// the configuration file and the management API; clients are built lazily
// on first use, deduplicated across concurrent callers, and cached until
// the definition is removed.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	log "github.com/sirupsen/logrus"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"golang.org/x/sync/singleflight"
	"google.golang.org/api/iterator"

	"github.com/mstream-dev/mstream/go/config"
	"github.com/mstream-dev/mstream/go/schema"
)

var (
	ErrUnknownService     = errors.New("unknown service")
	ErrDuplicateService   = errors.New("service already registered")
	ErrKindMismatch       = errors.New("service kind mismatch")
	ErrUnsupportedService = errors.New("operation not supported for this service kind")
	ErrServiceInUse       = errors.New("service is referenced by jobs")
)

// clientKey identifies one cached client. A service can own several
// clients of different kinds, e.g. a pubsub data client and its schema
// registry client.
type clientKey struct {
	kind string
	name string
}

func (k clientKey) String() string { return k.kind + "/" + k.name }

const (
	kindMongo        = "mongodb"
	kindPubSub       = "pubsub"
	kindPubSubSchema = "pubsub-schema"
	kindKafka        = "kafka"
	kindHTTP         = "http"
	kindUDF          = "udf"
)

// Registry is the directory of registered services and their live clients.
type Registry struct {
	mu       sync.RWMutex
	services map[string]config.Service
	clients  map[clientKey]any

	group   singleflight.Group
	scripts *ScriptStore

	// DependentJobs, when set, names the jobs that reference a service.
	// Remove refuses to drop a service that still has dependents.
	DependentJobs func(service string) []string
}

// Options configures a Registry.
type Options struct {
	// Services to register at construction, typically from the config file.
	Services []config.Service
	// ScriptDir holds UDF scripts; empty selects DefaultScriptDir.
	ScriptDir string
}

func New(opts Options) (*Registry, error) {
	var r = &Registry{
		services: make(map[string]config.Service),
		clients:  make(map[clientKey]any),
	}

	var dir = opts.ScriptDir
	if dir == "" {
		dir = DefaultScriptDir
	}
	var scripts, err = NewScriptStore(dir, func(string) { r.invalidateScripts() })
	if err != nil {
		return nil, err
	}
	r.scripts = scripts

	for _, svc := range opts.Services {
		if err := r.Register(svc); err != nil {
			_ = r.Close(context.Background())
			return nil, err
		}
	}
	return r, nil
}

// Scripts exposes the UDF script store.
func (r *Registry) Scripts() *ScriptStore { return r.scripts }

// Close releases the script watcher and every built client.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	var clients = r.clients
	r.clients = make(map[clientKey]any)
	r.mu.Unlock()

	for _, c := range clients {
		closeClient(ctx, c)
	}
	return r.scripts.Close()
}

// Register adds a service definition. UDF services with an inline script
// have it materialized into the script store so it can be edited and
// watched like any other script.
func (r *Registry) Register(svc config.Service) error {
	if err := svc.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.services[svc.Name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateService, svc.Name)
	}
	if svc.Provider == config.ProviderUDF && svc.Script != "" && svc.ScriptPath == "" {
		var file, err = r.scripts.Write(svc.Name, svc.Script)
		if err != nil {
			return fmt.Errorf("materializing script of %q: %w", svc.Name, err)
		}
		svc.ScriptPath = file
	}
	r.services[svc.Name] = svc

	log.WithFields(log.Fields{
		"service":  svc.Name,
		"provider": svc.Provider,
	}).Info("registered service")
	return nil
}

// Remove drops a service definition and closes its cached clients. It
// fails with ErrServiceInUse while jobs still reference the service.
func (r *Registry) Remove(ctx context.Context, name string) error {
	r.mu.Lock()
	if _, ok := r.services[name]; !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownService, name)
	}
	if r.DependentJobs != nil {
		if jobs := r.DependentJobs(name); len(jobs) != 0 {
			r.mu.Unlock()
			return fmt.Errorf("%w: %q is used by %s", ErrServiceInUse, name, strings.Join(jobs, ", "))
		}
	}
	delete(r.services, name)

	var dropped []any
	for key, client := range r.clients {
		if key.name == name {
			dropped = append(dropped, client)
			delete(r.clients, key)
		}
	}
	r.mu.Unlock()

	for _, c := range dropped {
		closeClient(ctx, c)
	}
	log.WithField("service", name).Info("removed service")
	return nil
}

// Definition returns the raw service definition.
func (r *Registry) Definition(name string) (config.Service, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var svc, ok = r.services[name]
	return svc, ok
}

// Definitions returns all service definitions ordered by name.
func (r *Registry) Definitions() []config.Service {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out = make([]config.Service, 0, len(r.services))
	for _, svc := range r.services {
		out = append(out, svc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// MongoClient returns the shared client of a mongodb service.
func (r *Registry) MongoClient(ctx context.Context, name string) (*mongo.Client, error) {
	var svc, err = r.definition(name, config.ProviderMongoDB)
	if err != nil {
		return nil, err
	}
	v, err := r.cached(clientKey{kindMongo, name}, func() (any, error) {
		return buildMongoClient(ctx, svc)
	})
	if err != nil {
		return nil, err
	}
	return v.(*mongo.Client), nil
}

// PubSubClient returns the shared data-plane client of a pubsub service.
func (r *Registry) PubSubClient(ctx context.Context, name string) (*pubsub.Client, error) {
	var svc, err = r.definition(name, config.ProviderPubSub)
	if err != nil {
		return nil, err
	}
	v, err := r.cached(clientKey{kindPubSub, name}, func() (any, error) {
		return buildPubSubClient(ctx, svc)
	})
	if err != nil {
		return nil, err
	}
	return v.(*pubsub.Client), nil
}

// PubSubSchemaClient returns the schema-registry client of a pubsub service.
func (r *Registry) PubSubSchemaClient(ctx context.Context, name string) (*pubsub.SchemaClient, error) {
	var svc, err = r.definition(name, config.ProviderPubSub)
	if err != nil {
		return nil, err
	}
	v, err := r.cached(clientKey{kindPubSubSchema, name}, func() (any, error) {
		return buildPubSubSchemaClient(ctx, svc)
	})
	if err != nil {
		return nil, err
	}
	return v.(*pubsub.SchemaClient), nil
}

// KafkaClient returns the shared produce-capable client of a kafka service.
func (r *Registry) KafkaClient(ctx context.Context, name string) (*kgo.Client, error) {
	var svc, err = r.definition(name, config.ProviderKafka)
	if err != nil {
		return nil, err
	}
	v, err := r.cached(clientKey{kindKafka, name}, func() (any, error) {
		return buildKafkaProducer(svc)
	})
	if err != nil {
		return nil, err
	}
	return v.(*kgo.Client), nil
}

// KafkaConsumer builds a fresh consuming client of a kafka service.
// Consumers carry per-subscription state, so they are never shared.
func (r *Registry) KafkaConsumer(name string, opts ...kgo.Opt) (*kgo.Client, error) {
	var svc, err = r.definition(name, config.ProviderKafka)
	if err != nil {
		return nil, err
	}
	return newKafkaClient(svc, opts...)
}

// HTTPService returns the shared retrying client of an http service.
func (r *Registry) HTTPService(name string) (*HTTPService, error) {
	var svc, err = r.definition(name, config.ProviderHTTP)
	if err != nil {
		return nil, err
	}
	v, err := r.cached(clientKey{kindHTTP, name}, func() (any, error) {
		return newHTTPService(svc)
	})
	if err != nil {
		return nil, err
	}
	return v.(*HTTPService), nil
}

// UDFScript holds the loaded source of a transform script together with
// its execution limits.
type UDFScript struct {
	Name    string
	Source  string
	MaxOps  int
	Timeout time.Duration
}

// UDFScriptFor returns the loaded script of a udf service. The result is
// cached until the backing file changes on disk.
func (r *Registry) UDFScriptFor(name string) (*UDFScript, error) {
	var svc, err = r.definition(name, config.ProviderUDF)
	if err != nil {
		return nil, err
	}
	v, err := r.cached(clientKey{kindUDF, name}, func() (any, error) {
		var source = svc.Script
		if svc.ScriptPath != "" {
			var err error
			if source, err = r.scripts.Read(svc.ScriptPath); err != nil {
				return nil, err
			}
		}
		return &UDFScript{
			Name:    svc.Name,
			Source:  source,
			MaxOps:  svc.MaxOps,
			Timeout: time.Duration(svc.UDFTimeout) * time.Millisecond,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*UDFScript), nil
}

// FetchSchema resolves one schema reference through the cache. For mongodb
// services the resource is "<database>/<schema id>"; for pubsub it is the
// registry-side schema id.
func (r *Registry) FetchSchema(ctx context.Context, fetcher *schema.Fetcher, ref config.SchemaRef) (*schema.Schema, error) {
	var svc, ok = r.Definition(ref.ServiceName)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownService, ref.ServiceName)
	}

	switch svc.Provider {
	case config.ProviderMongoDB:
		var db, id, found = strings.Cut(ref.Resource, "/")
		if !found {
			return nil, fmt.Errorf("schema %q: mongodb resource must be <database>/<schema id>, got %q", ref.ID, ref.Resource)
		}
		var client, err = r.MongoClient(ctx, ref.ServiceName)
		if err != nil {
			return nil, err
		}
		var provider = schema.NewMongoProvider(client.Database(db).Collection(schema.DefaultMongoCollection))
		return fetcher.Fetch(ctx, ref.ServiceName, provider, id)

	case config.ProviderPubSub:
		var sc, err = r.PubSubSchemaClient(ctx, ref.ServiceName)
		if err != nil {
			return nil, err
		}
		return fetcher.Fetch(ctx, ref.ServiceName, schema.NewPubSubProvider(sc), ref.Resource)

	default:
		return nil, fmt.Errorf("%w: %s service %q cannot serve schemas", ErrUnsupportedService, svc.Provider, ref.ServiceName)
	}
}

// Resources lists what a service can read from or write to: collections
// for mongodb, topics for kafka and pubsub.
func (r *Registry) Resources(ctx context.Context, name string) ([]string, error) {
	var svc, ok = r.Definition(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownService, name)
	}

	switch svc.Provider {
	case config.ProviderMongoDB:
		var client, err = r.MongoClient(ctx, name)
		if err != nil {
			return nil, err
		}
		dbs, err := client.ListDatabaseNames(ctx, bson.D{})
		if err != nil {
			return nil, fmt.Errorf("listing databases of %q: %w", name, err)
		}
		var out []string
		for _, db := range dbs {
			switch db {
			case "admin", "local", "config":
				continue
			}
			var cols, err = client.Database(db).ListCollectionNames(ctx, bson.D{})
			if err != nil {
				return nil, fmt.Errorf("listing collections of %s: %w", db, err)
			}
			for _, col := range cols {
				out = append(out, db+"/"+col)
			}
		}
		sort.Strings(out)
		return out, nil

	case config.ProviderKafka:
		var client, err = r.KafkaClient(ctx, name)
		if err != nil {
			return nil, err
		}
		topics, err := kadm.NewClient(client).ListTopics(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing topics of %q: %w", name, err)
		}
		var out []string
		for _, t := range topics.Sorted() {
			if !strings.HasPrefix(t.Topic, "__") {
				out = append(out, t.Topic)
			}
		}
		return out, nil

	case config.ProviderPubSub:
		var client, err = r.PubSubClient(ctx, name)
		if err != nil {
			return nil, err
		}
		var out []string
		var it = client.Topics(ctx)
		for {
			var topic, err = it.Next()
			if errors.Is(err, iterator.Done) {
				break
			} else if err != nil {
				return nil, fmt.Errorf("listing topics of %q: %w", name, err)
			}
			out = append(out, topic.ID())
		}
		sort.Strings(out)
		return out, nil

	default:
		return nil, fmt.Errorf("%w: %s service %q has no listable resources", ErrUnsupportedService, svc.Provider, name)
	}
}

func (r *Registry) definition(name string, want config.Provider) (config.Service, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var svc, ok = r.services[name]
	if !ok {
		return config.Service{}, fmt.Errorf("%w: %q", ErrUnknownService, name)
	}
	if svc.Provider != want {
		return config.Service{}, fmt.Errorf("%w: %q is %s, not %s", ErrKindMismatch, name, svc.Provider, want)
	}
	return svc, nil
}

// cached returns the client under key, building it at most once across
// concurrent callers. Build failures are returned to every waiter and not
// cached, so the next call retries.
func (r *Registry) cached(key clientKey, build func() (any, error)) (any, error) {
	r.mu.RLock()
	var v, ok = r.clients[key]
	r.mu.RUnlock()
	if ok {
		return v, nil
	}

	v, err, _ := r.group.Do(key.String(), func() (any, error) {
		r.mu.RLock()
		var v, ok = r.clients[key]
		r.mu.RUnlock()
		if ok {
			return v, nil
		}

		var built, err = build()
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.clients[key] = built
		r.mu.Unlock()
		log.WithFields(log.Fields{
			"service": key.name,
			"kind":    key.kind,
		}).Debug("built service client")
		return built, nil
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

// invalidateScripts drops every cached UDF script so the next pipeline
// build re-reads sources from disk.
func (r *Registry) invalidateScripts() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.clients {
		if key.kind == kindUDF {
			delete(r.clients, key)
		}
	}
}

func closeClient(ctx context.Context, c any) {
	switch c := c.(type) {
	case *mongo.Client:
		if err := c.Disconnect(ctx); err != nil {
			log.WithField("err", err).Warn("disconnecting mongodb client")
		}
	case *pubsub.Client:
		_ = c.Close()
	case *pubsub.SchemaClient:
		_ = c.Close()
	case *kgo.Client:
		c.Close()
	}
}

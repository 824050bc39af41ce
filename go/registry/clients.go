package registry

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl/plain"
	"github.com/twmb/franz-go/pkg/sasl/scram"
	"go.mongodb.org/mongo-driver/mongo"
	mongoopt "go.mongodb.org/mongo-driver/mongo/options"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/mstream-dev/mstream/go/config"
)

func buildMongoClient(ctx context.Context, svc config.Service) (*mongo.Client, error) {
	var opts = mongoopt.Client().
		ApplyURI(svc.ConnectionString).
		SetAppName("mstream")
	var client, err = mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("connecting mongodb service %q: %w", svc.Name, err)
	}
	return client, nil
}

func buildPubSubClient(ctx context.Context, svc config.Service) (*pubsub.Client, error) {
	var client, err = pubsub.NewClient(ctx, svc.ProjectID, pubsubOptions(svc)...)
	if err != nil {
		return nil, fmt.Errorf("connecting pubsub service %q: %w", svc.Name, err)
	}
	return client, nil
}

func buildPubSubSchemaClient(ctx context.Context, svc config.Service) (*pubsub.SchemaClient, error) {
	var client, err = pubsub.NewSchemaClient(ctx, svc.ProjectID, pubsubOptions(svc)...)
	if err != nil {
		return nil, fmt.Errorf("connecting pubsub schema registry of %q: %w", svc.Name, err)
	}
	return client, nil
}

// pubsubOptions translates a pubsub service definition into client options.
// A custom endpoint implies an emulator, which speaks plaintext gRPC and
// ignores credentials.
func pubsubOptions(svc config.Service) []option.ClientOption {
	var opts []option.ClientOption
	if svc.CredentialsPath != "" {
		opts = append(opts, option.WithCredentialsFile(svc.CredentialsPath))
	}
	if svc.Endpoint != "" {
		opts = append(opts,
			option.WithEndpoint(svc.Endpoint),
			option.WithoutAuthentication(),
			option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		)
	}
	return opts
}

func buildKafkaProducer(svc config.Service) (*kgo.Client, error) {
	return newKafkaClient(svc, kgo.RequiredAcks(kgo.AllISRAcks()))
}

// newKafkaClient maps the flattened, librdkafka-style service config onto
// franz-go options. Only the keys deployments actually set are translated;
// unknown keys are ignored rather than rejected so configs can be shared
// with other tooling.
func newKafkaClient(svc config.Service, extra ...kgo.Opt) (*kgo.Client, error) {
	var seeds []string
	for _, seed := range strings.Split(svc.Config["bootstrap.servers"], ",") {
		if seed = strings.TrimSpace(seed); seed != "" {
			seeds = append(seeds, seed)
		}
	}
	var opts = []kgo.Opt{kgo.SeedBrokers(seeds...)}

	if id := svc.Config["client.id"]; id != "" {
		opts = append(opts, kgo.ClientID(id))
	}
	if proto := strings.ToUpper(svc.Config["security.protocol"]); strings.Contains(proto, "SSL") {
		opts = append(opts, kgo.DialTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12}))
	}
	if user := svc.Config["sasl.username"]; user != "" {
		var pass = svc.Config["sasl.password"]
		switch mech := strings.ToUpper(svc.Config["sasl.mechanism"]); mech {
		case "", "PLAIN":
			opts = append(opts, kgo.SASL(plain.Auth{User: user, Pass: pass}.AsMechanism()))
		case "SCRAM-SHA-256":
			opts = append(opts, kgo.SASL(scram.Auth{User: user, Pass: pass}.AsSha256Mechanism()))
		case "SCRAM-SHA-512":
			opts = append(opts, kgo.SASL(scram.Auth{User: user, Pass: pass}.AsSha512Mechanism()))
		default:
			return nil, fmt.Errorf("kafka service %q: unsupported sasl.mechanism %q", svc.Name, mech)
		}
	}

	var client, err = kgo.NewClient(append(opts, extra...)...)
	if err != nil {
		return nil, fmt.Errorf("building kafka client for %q: %w", svc.Name, err)
	}
	return client, nil
}

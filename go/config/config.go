// Package config models the mstream configuration file: service
// descriptors, connector declarations, and system settings. Values are
// TOML; string values of the form "env:NAME" resolve from the environment
// at load time.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/mstream-dev/mstream/go/encoding"
)

// Provider discriminates the closed set of service kinds.
type Provider string

const (
	ProviderMongoDB Provider = "mongodb"
	ProviderPubSub  Provider = "pubsub"
	ProviderKafka   Provider = "kafka"
	ProviderHTTP    Provider = "http"
	ProviderUDF     Provider = "udf"
)

// Config is the root of the configuration file.
type Config struct {
	Services   []Service   `toml:"services" json:"services"`
	Connectors []Connector `toml:"connectors" json:"connectors"`
	System     System      `toml:"system" json:"system"`
}

// Service describes one named external service. Exactly the fields of its
// provider kind are meaningful; Validate enforces that the required ones
// are present.
type Service struct {
	Provider Provider `toml:"provider" json:"provider"`
	Name     string   `toml:"name" json:"name"`

	// mongodb
	ConnectionString string `toml:"connection_string,omitempty" json:"connection_string,omitempty"`

	// pubsub
	ProjectID       string `toml:"project_id,omitempty" json:"project_id,omitempty"`
	CredentialsPath string `toml:"credentials_path,omitempty" json:"credentials_path,omitempty"`
	Endpoint        string `toml:"endpoint,omitempty" json:"endpoint,omitempty"`

	// kafka: flattened client configuration, librdkafka-style keys.
	Config map[string]string `toml:"config,omitempty" json:"config,omitempty"`

	// http
	Host             string `toml:"host,omitempty" json:"host,omitempty"`
	MaxRetries       int    `toml:"max_retries,omitempty" json:"max_retries,omitempty"`
	BackoffMS        int    `toml:"backoff_ms,omitempty" json:"backoff_ms,omitempty"`
	ConnectTimeoutMS int    `toml:"connect_timeout_ms,omitempty" json:"connect_timeout_ms,omitempty"`
	TimeoutMS        int    `toml:"timeout_ms,omitempty" json:"timeout_ms,omitempty"`
	KeepaliveMS      int    `toml:"keepalive_ms,omitempty" json:"keepalive_ms,omitempty"`

	// udf
	Script     string `toml:"script,omitempty" json:"script,omitempty"`
	ScriptPath string `toml:"script_path,omitempty" json:"script_path,omitempty"`
	MaxOps     int    `toml:"max_ops,omitempty" json:"max_ops,omitempty"`
	UDFTimeout int    `toml:"timeout_ms_udf,omitempty" json:"timeout_ms_udf,omitempty"`
}

// Connector declares one source-to-sinks flow.
type Connector struct {
	Name              string       `toml:"name" json:"name"`
	BatchSize         int          `toml:"batch_size" json:"batch_size"`
	IsBatchingEnabled bool         `toml:"is_batching_enabled" json:"is_batching_enabled"`
	FailFast          bool         `toml:"fail_fast" json:"fail_fast"`
	Source            ServiceRef   `toml:"source" json:"source"`
	Schemas           []SchemaRef  `toml:"schemas" json:"schemas"`
	Middlewares       []ServiceRef `toml:"middlewares" json:"middlewares"`
	Sinks             []ServiceRef `toml:"sinks" json:"sinks"`
}

// DefaultBatchSize is the source channel capacity when batching is enabled
// and the connector does not set its own.
const DefaultBatchSize = 64

// ChannelCapacity is the bounded capacity of the connector's source
// channel: batch_size when batching is enabled, else 1.
func (c Connector) ChannelCapacity() int {
	if !c.IsBatchingEnabled {
		return 1
	}
	if c.BatchSize > 0 {
		return c.BatchSize
	}
	return DefaultBatchSize
}

// ServiceRef points a connector role at a registered service.
type ServiceRef struct {
	ServiceName    string            `toml:"service_name" json:"service_name"`
	Resource       string            `toml:"resource" json:"resource"`
	SchemaID       string            `toml:"schema_id,omitempty" json:"schema_id,omitempty"`
	OutputEncoding encoding.Encoding `toml:"output_encoding,omitempty" json:"output_encoding,omitempty"`
}

// SchemaRef binds a local schema id to a provider-side schema resource.
type SchemaRef struct {
	ID          string `toml:"id" json:"id"`
	ServiceName string `toml:"service_name" json:"service_name"`
	Resource    string `toml:"resource" json:"resource"`
}

// StartupState selects how persisted jobs reconcile against the
// configuration file at process start.
type StartupState string

const (
	// SeedFromFile starts config connectors only when no persisted job
	// with that name exists.
	SeedFromFile StartupState = "seed_from_file"
	// ForceFromFile stops and replaces persisted jobs with config ones.
	ForceFromFile StartupState = "force_from_file"
	// Keep ignores config connectors and restores persisted jobs as-is.
	Keep StartupState = "keep"
)

// System holds optional process-level settings.
type System struct {
	API          APIConfig     `toml:"api" json:"api"`
	JobLifecycle *SystemTarget `toml:"job_lifecycle,omitempty" json:"job_lifecycle,omitempty"`
	Checkpoints  *SystemTarget `toml:"checkpoints,omitempty" json:"checkpoints,omitempty"`
	Logs         LogsConfig    `toml:"logs" json:"logs"`
	UDF          UDFConfig     `toml:"udf" json:"udf"`
}

// SystemTarget points a system component (job persistence, checkpoints) at
// a mongodb service and a database name.
type SystemTarget struct {
	ServiceName  string       `toml:"service_name" json:"service_name"`
	Resource     string       `toml:"resource" json:"resource"`
	StartupState StartupState `toml:"startup_state,omitempty" json:"startup_state,omitempty"`
}

type APIConfig struct {
	// Listen is the host:port of the management API; empty disables it.
	Listen string `toml:"listen" json:"listen"`
}

type LogsConfig struct {
	Level      string `toml:"level" json:"level"`
	BufferSize int    `toml:"buffer_size" json:"buffer_size"`
}

type UDFConfig struct {
	ScriptDir string `toml:"script_dir" json:"script_dir"`
}

// Load reads, env-expands, and validates a configuration file.
func Load(path string) (*Config, error) {
	var cfg, err = Parse(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse reads and env-expands a configuration file without validating it.
// Tools that want to report every validation failure, not just the first,
// parse and then validate section by section.
func Parse(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := expandEnv(&cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &cfg, nil
}

const envPrefix = "env:"

// expandEnv resolves every "env:NAME" string value in the configuration
// from the process environment. Unset names are an error so misconfigured
// deployments fail at load, not at first use.
func expandEnv(cfg *Config) error {
	return walkStrings(reflect.ValueOf(cfg).Elem(), func(s string) (string, error) {
		if !strings.HasPrefix(s, envPrefix) {
			return s, nil
		}
		var name = strings.TrimPrefix(s, envPrefix)
		var v, ok = os.LookupEnv(name)
		if !ok {
			return "", fmt.Errorf("environment variable %q is not set", name)
		}
		return v, nil
	})
}

func walkStrings(v reflect.Value, fn func(string) (string, error)) error {
	switch v.Kind() {
	case reflect.String:
		if !v.CanSet() {
			return nil
		}
		var out, err = fn(v.String())
		if err != nil {
			return err
		}
		v.SetString(out)
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if err := walkStrings(v.Field(i), fn); err != nil {
				return err
			}
		}
	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			if err := walkStrings(v.Index(i), fn); err != nil {
				return err
			}
		}
	case reflect.Map:
		for _, key := range v.MapKeys() {
			var elem = v.MapIndex(key)
			if elem.Kind() != reflect.String {
				continue
			}
			var out, err = fn(elem.String())
			if err != nil {
				return err
			}
			v.SetMapIndex(key, reflect.ValueOf(out))
		}
	case reflect.Pointer:
		if !v.IsNil() {
			return walkStrings(v.Elem(), fn)
		}
	}
	return nil
}

// Service lookup helpers used across validation and the registry.

func (c *Config) Service(name string) (Service, bool) {
	for _, s := range c.Services {
		if s.Name == name {
			return s, true
		}
	}
	return Service{}, false
}

func (c *Config) Connector(name string) (Connector, bool) {
	for _, cn := range c.Connectors {
		if cn.Name == name {
			return cn, true
		}
	}
	return Connector{}, false
}

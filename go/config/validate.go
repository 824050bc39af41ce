package config

import (
	"fmt"
	"net/url"
)

// Validate checks the configuration for unresolved or malformed references.
// Validation failures are fatal at bootstrap; nothing is partially applied.
func (c *Config) Validate() error {
	var serviceNames = make(map[string]struct{}, len(c.Services))
	for i, svc := range c.Services {
		if err := svc.Validate(); err != nil {
			return fmt.Errorf("services[%d]: %w", i, err)
		}
		if _, dup := serviceNames[svc.Name]; dup {
			return fmt.Errorf("services[%d]: duplicate service name %q", i, svc.Name)
		}
		serviceNames[svc.Name] = struct{}{}
	}

	var connectorNames = make(map[string]struct{}, len(c.Connectors))
	for i, cn := range c.Connectors {
		if err := c.ValidateConnector(cn); err != nil {
			return fmt.Errorf("connectors[%d] (%s): %w", i, cn.Name, err)
		}
		if _, dup := connectorNames[cn.Name]; dup {
			return fmt.Errorf("connectors[%d]: duplicate connector name %q", i, cn.Name)
		}
		connectorNames[cn.Name] = struct{}{}
	}

	return c.ValidateSystem()
}

// ValidateConnector checks one connector declaration against the
// configuration's services.
func (c *Config) ValidateConnector(cn Connector) error {
	return validateConnector(cn, c.serviceProviders())
}

// ValidateSystem checks the [system] persistence targets against the
// configuration's services.
func (c *Config) ValidateSystem() error {
	var providers = c.serviceProviders()
	if err := validateSystemTarget("system.job_lifecycle", c.System.JobLifecycle, providers); err != nil {
		return err
	}
	return validateSystemTarget("system.checkpoints", c.System.Checkpoints, providers)
}

func (c *Config) serviceProviders() map[string]Provider {
	var out = make(map[string]Provider, len(c.Services))
	for _, svc := range c.Services {
		out[svc.Name] = svc.Provider
	}
	return out
}

// Validate checks the per-provider required fields of one service.
func (s Service) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("service has no name")
	}

	switch s.Provider {
	case ProviderMongoDB:
		if s.ConnectionString == "" {
			return fmt.Errorf("mongodb service %q: connection_string is required", s.Name)
		}
	case ProviderPubSub:
		if s.ProjectID == "" {
			return fmt.Errorf("pubsub service %q: project_id is required", s.Name)
		}
	case ProviderKafka:
		if s.Config["bootstrap.servers"] == "" {
			return fmt.Errorf("kafka service %q: config %q is required", s.Name, "bootstrap.servers")
		}
	case ProviderHTTP:
		if s.Host == "" {
			return fmt.Errorf("http service %q: host is required", s.Name)
		}
		if _, err := url.Parse(s.Host); err != nil {
			return fmt.Errorf("http service %q: parsing host: %w", s.Name, err)
		}
	case ProviderUDF:
		if s.Script == "" && s.ScriptPath == "" {
			return fmt.Errorf("udf service %q: either script or script_path is required", s.Name)
		}
	default:
		return fmt.Errorf("service %q has unknown provider %q", s.Name, s.Provider)
	}
	return nil
}

func validateConnector(cn Connector, services map[string]Provider) error {
	if cn.Name == "" {
		return fmt.Errorf("connector has no name")
	}
	if cn.BatchSize < 0 {
		return fmt.Errorf("batch_size must not be negative")
	}
	if len(cn.Sinks) == 0 {
		return fmt.Errorf("connector declares no sinks")
	}

	var schemaIDs = make(map[string]struct{}, len(cn.Schemas))
	for i, ref := range cn.Schemas {
		if ref.ID == "" {
			return fmt.Errorf("schemas[%d]: schema has no id", i)
		}
		if _, ok := services[ref.ServiceName]; !ok {
			return fmt.Errorf("schemas[%d] (%s): unknown service %q", i, ref.ID, ref.ServiceName)
		}
		if _, dup := schemaIDs[ref.ID]; dup {
			return fmt.Errorf("schemas[%d]: duplicate schema id %q", i, ref.ID)
		}
		schemaIDs[ref.ID] = struct{}{}
	}

	if err := validateRef("source", cn.Source, services, schemaIDs); err != nil {
		return err
	}
	for i, ref := range cn.Middlewares {
		if err := validateRef(fmt.Sprintf("middlewares[%d]", i), ref, services, schemaIDs); err != nil {
			return err
		}
	}
	for i, ref := range cn.Sinks {
		if err := validateRef(fmt.Sprintf("sinks[%d]", i), ref, services, schemaIDs); err != nil {
			return err
		}
	}
	return nil
}

func validateRef(role string, ref ServiceRef, services map[string]Provider, schemaIDs map[string]struct{}) error {
	if ref.ServiceName == "" {
		return fmt.Errorf("%s: service_name is required", role)
	}
	if _, ok := services[ref.ServiceName]; !ok {
		return fmt.Errorf("%s: unknown service %q", role, ref.ServiceName)
	}
	if ref.SchemaID != "" {
		if _, ok := schemaIDs[ref.SchemaID]; !ok {
			return fmt.Errorf("%s: schema_id %q is not declared in schemas", role, ref.SchemaID)
		}
	}
	return nil
}

func validateSystemTarget(role string, target *SystemTarget, services map[string]Provider) error {
	if target == nil {
		return nil
	}
	var provider, ok = services[target.ServiceName]
	if !ok {
		return fmt.Errorf("%s: unknown service %q", role, target.ServiceName)
	}
	if provider != ProviderMongoDB {
		return fmt.Errorf("%s: service %q is %s, persistence requires mongodb", role, target.ServiceName, provider)
	}
	if target.Resource == "" {
		return fmt.Errorf("%s: resource (database name) is required", role)
	}
	switch target.StartupState {
	case "", SeedFromFile, ForceFromFile, Keep:
	default:
		return fmt.Errorf("%s: unknown startup_state %q", role, target.StartupState)
	}
	return nil
}

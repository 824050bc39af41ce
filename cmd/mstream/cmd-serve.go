package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/mstream-dev/mstream/go/api"
	"github.com/mstream-dev/mstream/go/checkpoint"
	"github.com/mstream-dev/mstream/go/config"
	"github.com/mstream-dev/mstream/go/jobs"
	"github.com/mstream-dev/mstream/go/mcpserver"
	"github.com/mstream-dev/mstream/go/ops"
	"github.com/mstream-dev/mstream/go/pipeline"
	"github.com/mstream-dev/mstream/go/registry"
	"github.com/mstream-dev/mstream/go/schema"
)

// shutdownGrace bounds the drain of the API listener, running jobs, and
// service clients after a stop signal.
const shutdownGrace = 45 * time.Second

type cmdServe struct {
	Config string `long:"config" env:"MSTREAM_CONFIG" default:"mstream-config.toml" description:"Path of the configuration file"`
	MCP    bool   `long:"mcp" description:"Serve MCP tools on stdin/stdout; the process stops when the peer disconnects"`
}

func (cmd cmdServe) Execute(_ []string) error {
	var cfg, err = config.Load(cmd.Config)
	if err != nil {
		return err
	}
	ring, err := ops.InitLogging(cfg.System.Logs)
	if err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"config":     cmd.Config,
		"services":   len(cfg.Services),
		"connectors": len(cfg.Connectors),
	}).Info("mstream starting")

	var ctx, stop = signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg, err := registry.New(registry.Options{
		Services:  cfg.Services,
		ScriptDir: cfg.System.UDF.ScriptDir,
	})
	if err != nil {
		return fmt.Errorf("building service registry: %w", err)
	}

	jobStore, err := buildJobStore(ctx, cfg, reg)
	if err != nil {
		return err
	}
	checkpoints, err := buildCheckpointStore(ctx, cfg, reg)
	if err != nil {
		return err
	}

	var builder = pipeline.NewBuilder(reg, schema.NewFetcher(0), pipeline.Options{})
	var manager = jobs.NewManager(builder, jobStore, checkpoints, jobs.Options{})
	reg.DependentJobs = manager.DependentJobs

	if err := manager.Reconcile(ctx, cfg.Connectors, startupState(cfg)); err != nil {
		return fmt.Errorf("reconciling jobs: %w", err)
	}

	var fatal = make(chan error, 2)

	var srv *api.Server
	if cfg.System.API.Listen != "" {
		srv = api.NewServer(api.Options{
			Listen:   cfg.System.API.Listen,
			Manager:  manager,
			Registry: reg,
			Builder:  builder,
			Ring:     ring,
		})
		go func() {
			if err := srv.ListenAndServe(); err != nil {
				fatal <- fmt.Errorf("management api: %w", err)
			}
		}()
	}

	if cmd.MCP {
		var mcp = mcpserver.New(mcpserver.Options{
			Manager:  manager,
			Registry: reg,
			Ring:     ring,
		})
		go func() {
			if err := mcp.ServeStdio(); err != nil {
				fatal <- fmt.Errorf("mcp server: %w", err)
				return
			}
			log.Info("mcp peer disconnected")
			stop()
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case runErr = <-fatal:
		log.WithField("err", runErr).Error("fatal runtime error")
	}

	var shutCtx, cancel = context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if srv != nil {
		if err := srv.Shutdown(shutCtx); err != nil {
			log.WithField("err", err).Warn("management api shutdown")
		}
	}
	if err := manager.Close(shutCtx); err != nil {
		log.WithField("err", err).Warn("stopping jobs")
	}
	if err := reg.Close(shutCtx); err != nil {
		log.WithField("err", err).Warn("closing service clients")
	}

	if runErr != nil {
		return &exitError{code: 2, err: runErr}
	}
	log.Info("mstream stopped")
	return nil
}

func startupState(cfg *config.Config) config.StartupState {
	if cfg.System.JobLifecycle == nil {
		return ""
	}
	return cfg.System.JobLifecycle.StartupState
}

// buildJobStore persists jobs in the configured MongoDB database, or in
// memory when [system.job_lifecycle] is absent.
func buildJobStore(ctx context.Context, cfg *config.Config, reg *registry.Registry) (jobs.Store, error) {
	var target = cfg.System.JobLifecycle
	if target == nil {
		log.Info("job persistence not configured; using in-memory store")
		return jobs.NewMemoryStore(), nil
	}

	var client, err = reg.MongoClient(ctx, target.ServiceName)
	if err != nil {
		return nil, fmt.Errorf("job store client: %w", err)
	}
	var store = jobs.NewMongoStore(client, target.Resource)
	if err := store.EnsureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("job store indexes: %w", err)
	}
	return store, nil
}

// buildCheckpointStore persists checkpoints next to the job records, or
// drops them when [system.checkpoints] is absent.
func buildCheckpointStore(ctx context.Context, cfg *config.Config, reg *registry.Registry) (checkpoint.Store, error) {
	var target = cfg.System.Checkpoints
	if target == nil {
		log.Info("checkpoint persistence not configured; positions reset on restart")
		return checkpoint.Noop{}, nil
	}

	var client, err = reg.MongoClient(ctx, target.ServiceName)
	if err != nil {
		return nil, fmt.Errorf("checkpoint store client: %w", err)
	}
	var store = checkpoint.NewMongoStore(client, target.Resource)
	if err := store.EnsureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("checkpoint store indexes: %w", err)
	}
	return store, nil
}

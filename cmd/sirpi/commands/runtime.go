package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/FlexiInc/sirpi-gcp/pkg/config"
	"github.com/FlexiInc/sirpi-gcp/pkg/credentials"
	"github.com/FlexiInc/sirpi-gcp/pkg/engine"
	"github.com/FlexiInc/sirpi-gcp/pkg/logstream"
	"github.com/FlexiInc/sirpi-gcp/pkg/providers"
	"github.com/FlexiInc/sirpi-gcp/pkg/sandbox"
	"github.com/FlexiInc/sirpi-gcp/pkg/stores"
	"github.com/FlexiInc/sirpi-gcp/pkg/telemetry"
)

// runtime is the assembled service stack shared by all commands.
type runtime struct {
	cfg     *config.Config
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
	store   *stores.SQLiteStore
	creds   *credentials.Provider
	manager *sandbox.DockerManager
	broker  *logstream.Broker
	orch    *engine.Orchestrator
}

// newRuntime loads the configuration and wires the full engine stack.
func newRuntime(ctx context.Context) (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger, err := telemetry.NewLogger(cfg.Telemetry.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	metrics, err := telemetry.NewMetrics(cfg.Telemetry.Metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}
	tracer, err := telemetry.NewTracer(cfg.Telemetry.Tracing,
		cfg.Telemetry.ServiceName, cfg.Telemetry.ServiceVersion, cfg.Telemetry.Environment)
	if err != nil {
		return nil, fmt.Errorf("failed to create tracer: %w", err)
	}

	store, err := stores.NewSQLiteStore(cfg.Database)
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		return nil, err
	}

	creds, err := credentials.NewProvider(store, cfg.MasterSecret, logger)
	if err != nil {
		return nil, err
	}

	manager, err := sandbox.NewDockerManager(cfg.Sandbox, metrics, logger)
	if err != nil {
		return nil, err
	}

	registry := providers.NewRegistry()
	gcp, err := providers.NewGCPDriver(cfg.GCP)
	if err != nil {
		return nil, fmt.Errorf("failed to configure gcp provider: %w", err)
	}
	if err := registry.Register(gcp); err != nil {
		return nil, err
	}

	broker := logstream.NewBroker(store, metrics, logger)

	generator, err := engine.NewTemplateGenerator(
		engine.DefaultDockerfileTemplate, engine.DefaultTerraformTemplate)
	if err != nil {
		return nil, err
	}

	orch := engine.NewOrchestrator(store, creds, manager, registry, broker,
		generator, cfg.Engine, metrics, tracer, logger)

	return &runtime{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		tracer:  tracer,
		store:   store,
		creds:   creds,
		manager: manager,
		broker:  broker,
		orch:    orch,
	}, nil
}

// Close drains in-flight pipelines and releases resources.
func (r *runtime) Close(ctx context.Context) {
	if err := r.orch.Close(ctx); err != nil {
		r.logger.WithError(err).Warn("orchestrator shutdown incomplete")
	}
	if err := r.tracer.Shutdown(ctx); err != nil {
		r.logger.WithError(err).Warn("tracer shutdown failed")
	}
	if err := r.manager.Close(); err != nil {
		r.logger.WithError(err).Warn("docker client close failed")
	}
	if err := r.store.Close(); err != nil {
		r.logger.WithError(err).Warn("store close failed")
	}
}

// printJSON renders a value as indented JSON on stdout.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// followLogs prints an action's ordered log stream until it ends.
func followLogs(ctx context.Context, orch *engine.Orchestrator, actionID string) error {
	events, err := orch.StreamLogs(ctx, actionID)
	if err != nil {
		return err
	}

	for ev := range events {
		if ev.End {
			return nil
		}
		prefix := ""
		switch ev.Line.Stream {
		case stores.LogStreamStderr:
			prefix = "! "
		case stores.LogStreamSystem:
			prefix = "# "
		}
		fmt.Printf("%s%s\n", prefix, ev.Line.Text)
	}
	return ctx.Err()
}

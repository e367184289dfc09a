// Package cli is the command set a flow binary embeds: run, resume,
// validate, graph, runs and version, wired to the engine through the
// configuration file.
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/flowmill/flowmill/pkg/config"
	"github.com/flowmill/flowmill/pkg/engine"
	"github.com/flowmill/flowmill/pkg/executor"
	"github.com/flowmill/flowmill/pkg/flow"
	"github.com/flowmill/flowmill/pkg/protocol"
	"github.com/flowmill/flowmill/pkg/stores"
	"github.com/flowmill/flowmill/pkg/telemetry"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// Version information, set by the embedding binary.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildDate string
}

// Execute runs the root command against the binary's registered flows.
// Callers must invoke executor.MaybeRunTask(registry) before this, so child
// attempts never reach the CLI.
func Execute(ctx context.Context, registry *flow.Registry, info BuildInfo) error {
	rootCmd := newRootCommand(registry, info)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(registry *flow.Registry, info BuildInfo) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "flowmill",
		Short: "Flowmill - workflow orchestration engine",
		Long: `Flowmill executes directed acyclic workflows of steps with retry, catch
and timeout decorators, process-isolated step attempts, parallel branch and
foreach fan-outs, and resumable runs.

Flows are registered in the embedding binary; this command set runs,
resumes and inspects them.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", info.Version, info.Commit, info.BuildDate),
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newRunCommand(registry, info))
	rootCmd.AddCommand(newResumeCommand(registry, info))
	rootCmd.AddCommand(newValidateCommand(registry))
	rootCmd.AddCommand(newGraphCommand(registry))
	rootCmd.AddCommand(newRunsCommand(info))
	rootCmd.AddCommand(newVersionCommand(info))

	return rootCmd
}

// stack holds the wired collaborators a command needs for one invocation.
type stack struct {
	cfg    *config.Config
	tel    *telemetry.Telemetry
	store  stores.ArtifactStore
	meta   stores.MetadataProvider
	engine *engine.Engine
}

// openStack loads the configuration and wires telemetry, stores, the
// attempt runner and the engine.
func openStack(ctx context.Context, info BuildInfo) (*stack, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}

	tel, err := telemetry.NewTelemetry(cfg.TelemetryConfig(info.Version))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	if cfg.Telemetry.Metrics.Enabled {
		if err := tel.StartMetricsServer(); err != nil {
			return nil, fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	store, err := openArtifactStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	meta, err := stores.NewSQLiteStore(ctx, stores.SQLiteConfig{
		Path:            cfg.Stores.Metadata.Path,
		MaxOpenConns:    cfg.Stores.Metadata.MaxOpenConns,
		MaxIdleConns:    cfg.Stores.Metadata.MaxIdleConns,
		ConnMaxLifetime: cfg.Stores.Metadata.ConnMaxLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata store: %w", err)
	}

	runner, err := executor.NewProcessRunner(cfg.Engine.KillGrace, tel.Logger)
	if err != nil {
		meta.Close()
		return nil, fmt.Errorf("failed to create attempt runner: %w", err)
	}

	eng := engine.New(engine.Options{
		MaxParallel:    cfg.Engine.MaxParallel,
		DefaultTimeout: cfg.Engine.DefaultTimeout,
		BackoffBase:    cfg.Engine.BackoffBase,
		BackoffMax:     cfg.Engine.BackoffMax,
		LogDir:         cfg.Engine.LogDir,
	}, runner, store, meta, tel)

	return &stack{cfg: cfg, tel: tel, store: store, meta: meta, engine: eng}, nil
}

func openArtifactStore(ctx context.Context, cfg *config.Config) (stores.ArtifactStore, error) {
	artifacts := cfg.Stores.Artifacts
	switch artifacts.Kind {
	case "object":
		return stores.NewObjectArtifactStore(ctx, protocol.StoreSpec{
			Kind:     "object",
			Endpoint: artifacts.Endpoint,
			Bucket:   artifacts.Bucket,
			Prefix:   artifacts.Prefix,
			UseSSL:   artifacts.UseSSL,
		})
	default:
		return stores.NewLocalArtifactStore(artifacts.Root)
	}
}

func (s *stack) Close(ctx context.Context) {
	if err := s.meta.Close(); err != nil {
		s.tel.Logger.WithError(err).Warn("Failed to close metadata store")
	}
	if err := s.tel.Shutdown(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "telemetry shutdown: %v\n", err)
	}
}

// lookupGraph resolves a flow name against the registry.
func lookupGraph(registry *flow.Registry, name string) (*flow.Graph, error) {
	graph, ok := registry.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("no flow named %q is registered (have: %v)", name, registry.Names())
	}
	return graph, nil
}

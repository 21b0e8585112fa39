// Command graphcored runs the graph discovery and sync daemon: it
// loads configuration, builds a storage backend and tenant manager,
// registers the enabled cloud discovery adapters, and starts the
// scheduler that keeps every tenant's graph in sync.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nimbusgraph/graphcore/internal/config"
	"github.com/nimbusgraph/graphcore/internal/discovery"
	"github.com/nimbusgraph/graphcore/internal/discovery/awsadapter"
	"github.com/nimbusgraph/graphcore/internal/discovery/azureadapter"
	"github.com/nimbusgraph/graphcore/internal/discovery/gcpadapter"
	"github.com/nimbusgraph/graphcore/internal/discovery/k8sadapter"
	"github.com/nimbusgraph/graphcore/internal/discovery/pageloop"
	"github.com/nimbusgraph/graphcore/internal/engine"
	"github.com/nimbusgraph/graphcore/internal/lifecycle"
	"github.com/nimbusgraph/graphcore/internal/logging"
	"github.com/nimbusgraph/graphcore/internal/query"
	"github.com/nimbusgraph/graphcore/internal/scheduler"
	"github.com/nimbusgraph/graphcore/internal/storage"
	"github.com/nimbusgraph/graphcore/internal/storage/embedded"
	"github.com/nimbusgraph/graphcore/internal/storage/relational"
	"github.com/nimbusgraph/graphcore/internal/tenancy"
	"github.com/nimbusgraph/graphcore/internal/tracing"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the daemon's YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "graphcored: %v\n", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.Logging.Level, cfg.Logging.PackageLevels); err != nil {
		fmt.Fprintf(os.Stderr, "graphcored: init logging: %v\n", err)
		os.Exit(1)
	}
	logger := logging.GetLogger("graphcored")

	if err := run(*cfg, logger); err != nil {
		logger.Fatal("graphcored: %v", err)
	}
}

func run(cfg config.Config, logger *logging.Logger) error {
	factory, err := storageFactory(cfg.Storage)
	if err != nil {
		return fmt.Errorf("build storage factory: %w", err)
	}

	limits := tenancy.Limits{MaxAccounts: cfg.Tenancy.DefaultMaxAccounts, MaxNodes: cfg.Tenancy.DefaultMaxNodes}
	tenants, err := tenancy.NewManager(factory, tenancy.Isolation(cfg.Tenancy.Isolation), limits, cfg.Tenancy.MaxCachedTenants)
	if err != nil {
		return fmt.Errorf("build tenancy manager: %w", err)
	}

	accounts := tenancy.NewAccountRegistry()

	registry := discovery.NewRegistry()
	for _, adapter := range enabledAdapters(cfg.Adapters) {
		if err := registry.Register(adapter); err != nil {
			return fmt.Errorf("register adapter %s: %w", adapter.Provider(), err)
		}
	}

	eng := engine.New(engine.Config{
		MaxConcurrency:   cfg.Sync.MaxConcurrency,
		GraceSyncs:       cfg.Sync.GraceSyncs,
		InferenceEnabled: cfg.Sync.InferenceEnabled,
		InferenceMinConf: cfg.Sync.InferenceMinConf,
	}, registry, accounts, tenants)

	queries := query.New(tenants, query.DefaultCacheConfig())

	metricsRegisterer := prometheus.NewRegistry()
	metrics := scheduler.NewMetrics(metricsRegisterer)

	sched := scheduler.New(scheduler.Config{
		LightInterval:         cfg.Sync.LightInterval,
		FullInterval:          cfg.Sync.FullInterval,
		DriftDetectionEnabled: cfg.Sync.DriftDetectionEnabled,
	}, eng, queries, accounts, metrics)

	lc := lifecycle.NewManager()

	var tracingProvider *tracing.TracingProvider
	if cfg.Tracing.Enabled {
		tracingProvider, err = tracing.NewTracingProvider(tracing.Config{
			Enabled:     cfg.Tracing.Enabled,
			Endpoint:    cfg.Tracing.Endpoint,
			TLSCAPath:   cfg.Tracing.TLSCAPath,
			TLSInsecure: cfg.Tracing.TLSInsecure,
		})
		if err != nil {
			return fmt.Errorf("build tracing provider: %w", err)
		}
		if err := lc.Register(tracingProvider); err != nil {
			return fmt.Errorf("register tracing component: %w", err)
		}
	}

	schedComponent := &schedulerComponent{scheduler: sched}
	var deps []lifecycle.Component
	if tracingProvider != nil {
		deps = append(deps, tracingProvider)
	}
	if err := lc.Register(schedComponent, deps...); err != nil {
		return fmt.Errorf("register scheduler component: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := lc.Start(ctx); err != nil {
		return fmt.Errorf("start components: %w", err)
	}
	logger.Info("graphcored started, storage=%s, isolation=%s", cfg.Storage.Backend, cfg.Tenancy.Isolation)

	<-ctx.Done()
	logger.Info("graphcored shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return lc.Stop(stopCtx)
}

// storageFactory builds the tenancy.Factory matching the configured
// storage backend. The Manager hands it an isolation key already
// shaped for the configured tenancy.Isolation mode (a schema name, a
// database file name, a table prefix, or the bare tenant id).
func storageFactory(cfg config.StorageConfig) (tenancy.Factory, error) {
	switch cfg.Backend {
	case "embedded":
		dir := filepath.Dir(cfg.EmbeddedPath)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage directory %s: %w", dir, err)
		}
		return func(isolationKey string) (storage.Store, error) {
			return embedded.Open(filepath.Join(dir, isolationKey))
		}, nil
	case "relational":
		return func(isolationKey string) (storage.Store, error) {
			return relational.Open(relational.Config{
				DSN:         cfg.DSN,
				Schema:      isolationKey,
				TablePrefix: isolationKey,
				TenantID:    isolationKey,
			})
		}, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

func enabledAdapters(cfg config.AdaptersConfig) []discovery.Adapter {
	pageloopCfg := pageloop.Config{MaxPages: cfg.MaxPages}

	var adapters []discovery.Adapter
	if cfg.AWSEnabled {
		a := awsadapter.New()
		a.PageloopConfig = pageloopCfg
		adapters = append(adapters, a)
	}
	if cfg.AzureEnabled {
		adapters = append(adapters, azureadapter.New())
	}
	if cfg.GCPEnabled {
		a := gcpadapter.New()
		a.PageloopConfig = pageloopCfg
		adapters = append(adapters, a)
	}
	if cfg.KubernetesEnabled {
		a := k8sadapter.New()
		a.PageloopConfig = pageloopCfg
		adapters = append(adapters, a)
	}
	return adapters
}

// schedulerComponent adapts scheduler.Scheduler to lifecycle.Component;
// the scheduler's own Start is fire-and-forget (it spawns its sync
// loops and returns), so Start here never fails.
type schedulerComponent struct {
	scheduler *scheduler.Scheduler
}

func (s *schedulerComponent) Start(ctx context.Context) error {
	s.scheduler.Start(ctx)
	return nil
}

func (s *schedulerComponent) Stop(ctx context.Context) error {
	return s.scheduler.Stop(ctx)
}

func (s *schedulerComponent) Name() string {
	return "scheduler"
}

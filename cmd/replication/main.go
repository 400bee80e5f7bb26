package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/devrev/pairdb/replication/internal/config"
	"github.com/devrev/pairdb/replication/internal/health"
	"github.com/devrev/pairdb/replication/internal/metrics"
	"github.com/devrev/pairdb/replication/internal/model"
	"github.com/devrev/pairdb/replication/internal/plugin"
	"github.com/devrev/pairdb/replication/internal/server"
	"github.com/devrev/pairdb/replication/internal/service"
	"github.com/devrev/pairdb/replication/internal/store"
	"github.com/devrev/pairdb/replication/internal/transport"
	"github.com/devrev/pairdb/replication/internal/validation"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger, err := initLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Configuration loaded",
		zap.String("node_id", cfg.Server.NodeID),
		zap.Uint16("replica_id", cfg.Server.ReplicaID),
		zap.String("base_dn", cfg.Domain.BaseDN),
		zap.Strings("replication_servers", cfg.Domain.ReplicationServers))

	if err := os.MkdirAll(cfg.StateStore.Directory, 0755); err != nil {
		logger.Fatal("Failed to create state directory", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(cfg.Server.NodeID, registry)

	states, err := newStateStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize state store", zap.Error(err))
	}
	defer states.Close()

	entries, err := newEntryStore(cfg)
	if err != nil {
		logger.Fatal("Failed to initialize entry store", zap.Error(err))
	}
	defer entries.Close()

	connector := transport.NewGRPCConnector(logger)
	serverURL := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	broker := service.NewBrokerService(service.BrokerConfig{
		BaseDN:             cfg.Domain.BaseDN,
		ReplicaID:          cfg.Server.ReplicaID,
		ServerURL:          serverURL,
		GroupID:            cfg.Domain.GroupID,
		GenerationID:       cfg.Domain.GenerationID,
		ReplicationServers: cfg.Domain.ReplicationServers,
		WindowSize:         cfg.Domain.WindowSize,
		HeartbeatInterval:  cfg.Domain.HeartbeatInterval,
		DialTimeout:        cfg.Connection.DialTimeout,
		ProbeTimeout:       cfg.Connection.ProbeTimeout,
		InitialInterval:    cfg.Connection.InitialInterval,
		MaxInterval:        cfg.Connection.MaxInterval,
		MaxElapsedTime:     cfg.Connection.MaxElapsedTime,
		BreakerMaxFailures: cfg.Connection.BreakerMaxFailures,
		BreakerTimeout:     cfg.Connection.BreakerTimeout,
	}, connector, m, logger)

	resync := service.NewResyncService(service.ResyncConfig{
		Workers:       cfg.Resync.Workers,
		QueueSize:     cfg.Resync.QueueSize,
		RatePerSecond: cfg.Resync.RatePerSecond,
		Burst:         cfg.Resync.Burst,
	}, entries, broker, m, logger)

	plugins := plugin.NewRegistry(logger)
	plugins.RegisterAll(plugin.PhasePreParse, "validation", validation.NewValidator().Handler)
	domain := service.NewDomainService(service.DomainConfig{
		BaseDN:             cfg.Domain.BaseDN,
		ReplicaID:          cfg.Server.ReplicaID,
		GroupID:            cfg.Domain.GroupID,
		GenerationID:       cfg.Domain.GenerationID,
		IsolationPolicy:    cfg.Domain.IsolationPolicy,
		Assured:            cfg.Domain.Assured,
		SafeDataLevel:      cfg.Domain.SafeDataLevel,
		CheckpointInterval: cfg.StateStore.CheckpointInterval,
		ReconnectInterval:  cfg.Connection.ReconnectInterval,
	}, model.DefaultSchema(), entries, states, broker, resync, plugins, m, logger)
	connector.OnFrame(domain.ReplayFrame)

	topology := service.NewTopologyService(service.TopologyConfig{
		Enabled:        cfg.Gossip.Enabled,
		NodeID:         cfg.Server.NodeID,
		BindAddr:       cfg.Gossip.BindAddr,
		BindPort:       cfg.Gossip.BindPort,
		SeedNodes:      cfg.Gossip.SeedNodes,
		GossipInterval: cfg.Gossip.GossipInterval,
		ProbeTimeout:   cfg.Gossip.ProbeTimeout,
		ProbeInterval:  cfg.Gossip.ProbeInterval,
	}, service.NodeMeta{DS: &model.DSInfo{
		ID:            cfg.Server.ReplicaID,
		GenerationID:  cfg.Domain.GenerationID,
		Status:        model.StatusNone,
		AssuredFlag:   cfg.Domain.Assured,
		AssuredMode:   model.AssuredMode(cfg.Domain.AssuredMode),
		SafeDataLevel: cfg.Domain.SafeDataLevel,
		GroupID:       cfg.Domain.GroupID,
		RefURLs:       []string{serverURL},
	}}, m, logger)
	topology.Subscribe(func(snapshot *model.TopologySnapshot) {
		go domain.OnTopologyChange(ctx, snapshot)
	})
	domain.SetAnnouncer(topology)

	if err := domain.Start(ctx); err != nil {
		logger.Fatal("Failed to start replication domain", zap.Error(err))
	}
	if err := topology.Start(); err != nil {
		logger.Error("Failed to start topology gossip", zap.Error(err))
	}

	healthChecker := health.NewHealthChecker(health.HealthCheckConfig{
		NodeID:         cfg.Server.NodeID,
		StateDir:       cfg.StateStore.Directory,
		Interval:       cfg.Health.CheckInterval,
		MaxDiskUsage:   cfg.Health.MaxDiskUsage,
		MaxMemoryUsage: cfg.Health.MaxMemoryUsage,
	}, domain, m, logger)
	go healthChecker.Start(ctx)

	var gatherer prometheus.Gatherer = registry
	if !cfg.Metrics.Enabled {
		gatherer = prometheus.NewRegistry()
	}
	adminServer := server.NewServer(server.Config{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		MetricsPath:  cfg.Metrics.Path,
	}, gatherer, healthChecker, logger)
	adminServer.AddDomain(domain, resync)
	adminServer.SetupRoutes()
	if err := adminServer.Start(); err != nil {
		logger.Fatal("Failed to start admin server", zap.Error(err))
	}

	logger.Info("Replication node started",
		zap.String("node_id", cfg.Server.NodeID),
		zap.String("address", serverURL))

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down gracefully...")
	healthChecker.SetReadiness(false)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to stop admin server", zap.Error(err))
	}
	cancel()
	if err := topology.Shutdown(); err != nil {
		logger.Error("Failed to leave topology", zap.Error(err))
	}
	if err := resync.Stop(cfg.Server.ShutdownTimeout); err != nil {
		logger.Error("Failed to stop resync workers", zap.Error(err))
	}
	// checkpoints the ServerState before the stores close
	if err := domain.Stop(shutdownCtx); err != nil {
		logger.Error("Failed to stop replication domain", zap.Error(err))
	}
}

// initLogger initializes the zap logger
func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	zapConfig := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zapConfig = zap.NewDevelopmentConfig()
	}
	zapConfig.Level = zap.NewAtomicLevelAt(level)
	zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return zapConfig.Build()
}

func newStateStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.StateStore, error) {
	switch cfg.StateStore.Type {
	case "postgres":
		pool, err := store.NewPostgresPool(ctx, store.PostgresConfig{
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			MaxConns: cfg.Postgres.MaxConnections,
			MinConns: cfg.Postgres.MinConnections,
		})
		if err != nil {
			return nil, err
		}
		return store.NewPostgresStateStore(ctx, pool, logger)
	case "redis":
		return store.NewRedisStateStore(store.RedisConfig{
			Host:     cfg.Redis.Host,
			Port:     cfg.Redis.Port,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, logger)
	default:
		return store.NewFileStateStore(store.FileStateStoreConfig{
			Directory:      cfg.StateStore.Directory,
			SyncWrites:     cfg.StateStore.SyncWrites,
			MaxCheckpoints: cfg.StateStore.MaxCheckpoints,
		}, logger)
	}
}

func newEntryStore(cfg *config.Config) (store.EntryStore, error) {
	if cfg.EntryStore.Type == "badger" {
		return store.NewBadgerEntryStore(cfg.EntryStore.Path)
	}
	return store.NewMemoryEntryStore(), nil
}

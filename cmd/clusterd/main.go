package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	config "clusterd/configs"
	"clusterd/pkg/api"
	"clusterd/pkg/api/middleware"
	"clusterd/pkg/cluster"
	"clusterd/pkg/coordination"
	"clusterd/pkg/coordination/etcd"
	"clusterd/pkg/gossip"
	"clusterd/pkg/logger"
	tracing "clusterd/pkg/observability"
	"clusterd/pkg/storage"
	"clusterd/pkg/storage/postgres"
	"clusterd/pkg/storage/redis"
)

const version = "0.1.0"

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "clusterd",
		Usage:   "cluster state node",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to a YAML config file",
				EnvVars: []string{config.ConfigPathEnv},
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "overrides the configured log level",
			},
		},
		Action: run,
	}
}

func run(c *cli.Context) error {
	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return err
	}
	if lvl := c.String("log-level"); lvl != "" {
		cfg.LogLevel = lvl
	}

	local := coordination.LocalNode(cfg.NodeID, cfg.NodeName, cfg.NodeAddress)

	log, err := logger.Init(logger.Config{
		Level:      cfg.LogLevel,
		Encoding:   cfg.LogEncoding,
		OutputPath: "stdout",
		Service:    "clusterd",
		NodeID:     local.ID,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tcfg := tracing.DefaultConfig(cfg.ClusterName, local.ID)
	tcfg.Enabled = cfg.TracingEnabled
	tcfg.Endpoint = cfg.TracingEndpoint
	tcfg.SamplingRate = cfg.TracingSampling
	tp, err := tracing.Init(ctx, tcfg)
	if err != nil {
		return err
	}
	defer shutdownWithTimeout(log, "tracing", tp.Shutdown)

	var coord *etcd.EtcdCoordinator
	if cfg.CoordinationEnabled() {
		coord, err = etcd.NewEtcdCoordinator(etcd.Config{
			Endpoints:   cfg.EtcdEndpoints,
			DialTimeout: 5 * time.Second,
			SessionTTL:  cfg.LeaderElectionTTL,
			Namespace:   cfg.EtcdNamespace + "/" + cfg.ClusterName,
		})
		if err != nil {
			return fmt.Errorf("failed to connect to etcd: %w", err)
		}
		defer coord.Close()
		log.Info("Connected to etcd", zap.Strings("endpoints", cfg.EtcdEndpoints))
	}

	store, err := newShardStateStore(cfg, coord)
	if err != nil {
		return err
	}
	defer store.Close()

	exchange := gossip.NewExchange(local.Address, store,
		gossip.WithLogger(logger.Named("gossip")),
		gossip.WithTimeout(cfg.GossipTimeout),
	)

	opts := []cluster.Option{
		cluster.WithLogger(logger.Named("cluster")),
		cluster.WithTracer(tp.Tracer()),
		cluster.WithSlowTaskThreshold(cfg.SlowTaskThreshold),
		cluster.WithOperationRouting(cluster.HashRouting{}),
	}

	var journal storage.TaskJournal
	if cfg.JournalEnabled() {
		pg, err := postgres.NewTaskJournal(postgres.DefaultConfig(
			postgres.DSN(cfg.DBHost, cfg.DBPort, cfg.DBUser, cfg.DBPassword, cfg.DBName, cfg.DBSSLMode)))
		if err != nil {
			return err
		}
		defer pg.Close()
		journal = pg

		recorder := storage.NewJournalRecorder(pg, cfg.ClusterName, local.ID, logger.Named("journal"))
		defer recorder.Close()
		opts = append(opts, cluster.WithTaskRecorder(recorder))
		log.Info("Task journal enabled", zap.String("db_host", cfg.DBHost))
	}

	svc := cluster.NewService(cfg.ClusterName, local, opts...)
	// Closed before the recorder and stores deferred above.
	defer svc.Close()

	announcer := gossip.NewAnnouncer(exchange, svc.State, logger.Named("gossip"))
	svc.AddLast(announcer)

	if err := svc.Start(ctx); err != nil {
		return err
	}
	if err := announcer.Start(cfg.ReannounceSpec); err != nil {
		return err
	}
	defer announcer.Stop()

	var wg sync.WaitGroup
	background := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("Background component stopped", zap.String("component", name), zap.Error(err))
			}
		}()
	}

	if coord != nil {
		watcher := coordination.NewMasterWatcher(svc, coord.NewElection("master"), logger.Named("master"))
		membership := coordination.NewMembership(svc, coord, cfg.HeartbeatInterval, logger.Named("membership"))
		background("master", watcher.Run)
		background("membership", membership.Run)
	} else {
		log.Info("No etcd endpoints configured, running as a single-node cluster")
		if err := svc.Submit("single-node-master", cluster.PriorityUrgent, coordination.MasterChangeTask(local.ID)); err != nil {
			return err
		}
	}

	background("readiness", func(ctx context.Context) error {
		if err := svc.WaitShardsStarted(ctx); err != nil {
			return err
		}
		log.Info("All local shards started", zap.Int64("version", svc.State().Version()))
		return nil
	})

	gin.SetMode(gin.ReleaseMode)
	server := api.NewServer(api.Config{
		Port:     cfg.APIPort,
		Service:  svc,
		Exchange: exchange,
		Journal:  journal,
		Logger:   logger.Named("api"),
		RateLimit: middleware.RateLimiterConfig{
			RequestsPerMinute: cfg.RateLimitPerMinute,
			BurstSize:         max(cfg.RateLimitPerMinute/10, 1),
			IdleTTL:           5 * time.Minute,
		},
	})
	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start() }()

	log.Info("Node started",
		zap.String("cluster", cfg.ClusterName),
		zap.String("node_id", local.ID),
		zap.String("address", local.Address),
		zap.String("gossip_backend", cfg.GossipBackend),
	)

	select {
	case <-ctx.Done():
		log.Info("Received shutdown signal")
	case err := <-serverErr:
		if err != nil {
			log.Error("Diagnostics API failed", zap.Error(err))
		}
		stop()
	}

	shutdownWithTimeout(log, "api", server.Shutdown)
	wg.Wait()
	log.Info("Shutdown complete")
	return nil
}

func newShardStateStore(cfg *config.Config, coord *etcd.EtcdCoordinator) (storage.ShardStateStore, error) {
	switch cfg.GossipBackend {
	case "redis":
		s, err := redis.NewShardStateStore(cfg.ClusterName, redis.DefaultConfig(cfg.RedisAddr()))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		return s, nil
	case "etcd":
		if coord == nil {
			return nil, errors.New("etcd gossip backend requires etcd endpoints")
		}
		return etcd.NewShardStateStore(coord), nil
	default:
		return gossip.NewMemoryStore(), nil
	}
}

func shutdownWithTimeout(log *zap.Logger, name string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := fn(ctx); err != nil {
		log.Warn("Shutdown step failed", zap.String("component", name), zap.Error(err))
	}
}

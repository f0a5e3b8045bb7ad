package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Shei254/novadb/internal/cluster"
	"github.com/Shei254/novadb/internal/cluster/failover"
	"github.com/Shei254/novadb/internal/cluster/gc"
	"github.com/Shei254/novadb/internal/cluster/gossip"
	"github.com/Shei254/novadb/internal/cluster/migrate"
	"github.com/Shei254/novadb/internal/cluster/router"
	"github.com/Shei254/novadb/internal/config"
	"github.com/Shei254/novadb/internal/mgl"
	"github.com/Shei254/novadb/internal/server"
	"github.com/Shei254/novadb/internal/storage"
)

var (
	configPath     = flag.String("config", "", "path to the YAML config file")
	addr           = flag.String("addr", "", "client listen address")
	clusterEnabled = flag.Bool("cluster-enabled", false, "enable cluster mode")
	clusterPort    = flag.Int("cluster-port", 0, "cluster bus port")
	bindAddr       = flag.String("bind", "", "bind address advertised to peers")
	dataDir        = flag.String("data-dir", "", "data directory")
	seeds          = flag.String("seeds", "", "comma-separated seed nodes (host:port)")
)

func main() {
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *clusterEnabled {
		cfg.ClusterEnabled = true
	}
	if *clusterPort != 0 {
		cfg.ClusterPort = *clusterPort
	}
	if *bindAddr != "" {
		cfg.BindAddr = *bindAddr
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}

	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "novadb",
		Level: hclog.LevelFromString(cfg.LogLevel),
	})

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger hclog.Logger) error {
	engine, err := storage.Open(cfg.DataDir, cfg.KVStoreCount, cfg.ChunkCount, logger)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	locks := mgl.NewLockMgr(logger)

	myself := &cluster.Node{
		Name:  cluster.GenerateNodeName(),
		IP:    cfg.BindAddr,
		Port:  cfg.Port,
		CPort: cfg.ClusterPort,
		Flags: cluster.FlagMaster,
	}
	state := cluster.NewState(myself, cluster.Options{
		NodeTimeout:         cfg.NodeTimeout(),
		RequireFullCoverage: cfg.ClusterRequireFullCoverage,
		SlaveValidityFactor: cfg.ClusterSlaveValidityFactor,
		ReplPingPeriod:      10 * time.Second,
		KVStoreCount:        cfg.KVStoreCount,
	}, logger)

	topo, err := cluster.NewTopology(cfg.DataDir, state, logger)
	if err != nil {
		return fmt.Errorf("topology: %w", err)
	}
	if err := topo.Load(); err != nil {
		return fmt.Errorf("load topology: %w", err)
	}
	logger.Info("node identity", "name", state.MyName())

	bus := gossip.NewGossip(state, logger)
	bus.SetSlaveReconf(cfg.SlaveReconfEnabled)

	migrator := migrate.NewManager(state, engine, migrate.Config{
		ListenAddr:         fmt.Sprintf("%s:%d", cfg.BindAddr, cfg.ClusterPort+1),
		BatchSizeKB:        cfg.MigrateBatchSizeKB,
		RateLimitMB:        cfg.MigrateRateLimitMB,
		Timeout:            cfg.MigrateTimeout(),
		SenderWorkers:      cfg.MigrateSenderThreadNum,
		ReceiverWorkers:    cfg.MigrateReceiveThreadNum,
		WaitTimeIfExists:   time.Duration(cfg.WaitTimeIfExistsMigrateTask) * time.Second,
		SlaveReconfEnabled: cfg.SlaveReconfEnabled,
	}, logger)

	collector := gc.NewManager(engine, state, gc.Config{
		WaitTimeAfterMigrate: time.Duration(cfg.WaitTimeAfterMigrate) * time.Second,
		DeleteFilesInRange:   cfg.DeleteFilesInRange,
		CompactAfter:         cfg.CompactRangeAfterGC,
	}, logger)
	migrator.SetGCNotify(collector.EnqueueSlots)

	rt := router.NewRouter(state, migrator, router.Config{
		AllowCrossSlot: cfg.AllowCrossSlot,
		SingleNode:     cfg.SingleNodeCluster,
	})

	srv := server.New(server.Config{
		Addr:           cfg.Addr,
		AllowCrossSlot: cfg.AllowCrossSlot,
		SingleNode:     cfg.SingleNodeCluster,
		LockTimeout:    time.Second,
	}, server.Deps{
		State:   state,
		Engine:  engine,
		Locks:   locks,
		Router:  rt,
		Gossip:  bus,
		Migrate: migrator,
		GC:      collector,
	}, logger)

	ctrl := failover.NewController(state, bus, srv, logger)
	bus.SetDelegate(ctrl)
	srv.SetFailover(ctrl)

	if cfg.ClusterEnabled {
		if err := bus.Start(); err != nil {
			return err
		}
		if err := migrator.Start(); err != nil {
			return err
		}
		collector.Start()
		ctrl.Start()

		if *seeds != "" {
			for _, seed := range strings.Split(*seeds, ",") {
				if err := bus.Meet(strings.TrimSpace(seed)); err != nil {
					logger.Warn("failed to meet seed", "seed", seed, "error", err)
				}
			}
		}
	}

	if cfg.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				logger.Error("metrics listener failed", "error", err)
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			logger.Error("server stopped", "error", err)
		}
	}

	// Teardown runs outside-in: sessions first, storage last.
	srv.Stop()
	if cfg.ClusterEnabled {
		migrator.Stop()
		collector.Stop()
		ctrl.Stop()
		bus.Stop()
	}
	topo.Close()
	engine.Close()
	return nil
}

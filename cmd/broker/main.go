package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flowmq/broker/internal/auth"
	"github.com/flowmq/broker/internal/config"
	"github.com/flowmq/broker/internal/engine"
	"github.com/flowmq/broker/internal/handler"
	"github.com/flowmq/broker/internal/heartbeat"
	"github.com/flowmq/broker/internal/metacache"
	"github.com/flowmq/broker/internal/replicatedlog"
	"github.com/flowmq/broker/internal/storage"
	"github.com/flowmq/broker/internal/storage/memory"
	"github.com/flowmq/broker/internal/subscribe"
	"github.com/flowmq/broker/internal/transport"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "Path to configuration file")
	flag.Parse()

	log.Println("Starting MQTT broker...")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	log.Printf("Configuration loaded from %s", *configPath)
	log.Printf("Server will bind to %s:%d", cfg.Server.Host, cfg.Server.Port)
	log.Printf("Storage backend: %s", cfg.Storage.Backend)

	var st storage.Store
	switch cfg.Storage.Backend {
	case "bbolt":
		dir := filepath.Dir(cfg.Storage.Path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			log.Fatalf("Failed to create data directory: %v", err)
		}
		st, err = storage.NewBboltStore(cfg.Storage.Path)
		if err != nil {
			log.Fatalf("Failed to initialize bbolt store: %v", err)
		}
		log.Printf("Bbolt storage initialized at %s", cfg.Storage.Path)

	case "memory":
		log.Println("Using in-memory storage (data will not persist)")
		st = memory.New()

	default:
		log.Fatalf("Unsupported storage backend: %s", cfg.Storage.Backend)
	}
	defer st.Close()

	var authenticator handler.Authenticator
	if cfg.Auth.Enabled {
		store, err := auth.Open(cfg.Auth.SQLiteDSN)
		if err != nil {
			log.Fatalf("Failed to open auth store: %v", err)
		}
		defer store.Close()
		authenticator = store
		log.Printf("Authentication enabled against %s", cfg.Auth.SQLiteDSN)
	}

	var rlog replicatedlog.Log
	switch cfg.Cluster.ReplicatedLog {
	case "raft":
		r, err := replicatedlog.NewRaftLog(replicatedlog.RaftConfig{
			NodeID:    cfg.Cluster.NodeID,
			BindAddr:  cfg.Cluster.RaftBindAddr,
			DataDir:   cfg.Cluster.RaftDataDir,
			Bootstrap: cfg.Cluster.Bootstrap,
		})
		if err != nil {
			log.Fatalf("Failed to start raft node: %v", err)
		}
		rlog = r
		log.Printf("Replicated log: raft node %s on %s", cfg.Cluster.NodeID, cfg.Cluster.RaftBindAddr)
	default:
		rlog = replicatedlog.NewMemoryLog()
		log.Println("Replicated log: single-node in-memory")
	}
	defer rlog.Close()

	cache := metacache.New()
	registry := subscribe.NewRegistry()
	sink := transport.NewRegistry()
	eng := subscribe.NewEngine(registry, cache, st, sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// h.Expire is only known once h exists, but h needs the heartbeat
	// supervisor up front; the closure defers the lookup until the
	// supervisor actually fires it.
	var h *handler.Handler
	hb := heartbeat.New(func(connID uint64) { h.Expire(connID) })
	h = handler.New(cache, st, registry, eng, hb, authenticator, cfg.Auth.AllowAnonymous, sink)

	rpc := engine.New(rlog, st)
	_ = rpc // exposed for the RPC listener, wired by an external transport

	go eng.Run(ctx)
	go hb.Run(ctx)

	if cfg.RPC.Enabled {
		log.Printf("Metadata RPC surface ready (no wire schema generated; see design notes)")
	}

	if cfg.Metrics.Enabled {
		go func() {
			metricsAddr := fmt.Sprintf(":%d", cfg.Metrics.Port)
			http.Handle(cfg.Metrics.Path, promhttp.Handler())
			log.Printf("Metrics server starting on %s%s", metricsAddr, cfg.Metrics.Path)
			if err := http.ListenAndServe(metricsAddr, nil); err != nil {
				log.Printf("Metrics server error: %v", err)
			}
		}()
	}

	log.Println("MQTT broker core started (wire listener is provided by an external transport)")
	log.Printf("  -> Metrics available: %v", cfg.Metrics.Enabled)
	log.Printf("  -> Log level: %s", cfg.Logging.Level)
	log.Println("Press Ctrl+C to stop")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down broker...")
	cancel()
	fmt.Println("Broker stopped gracefully")
}

package main

import (
	"context"
	"log"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"kvod-proxy/work/catalog"
	"kvod-proxy/work/config"
	"kvod-proxy/work/handlers"
	"kvod-proxy/work/limiter"
	"kvod-proxy/work/logger"
	"kvod-proxy/work/middleware"
	"kvod-proxy/work/proxy"
	"kvod-proxy/work/session"
	"kvod-proxy/work/store"
)

var (
	Version = "v0.1.0" // default version
)

// our main app worker
func main() {

	// load our config
	cfg := config.LoadConfig()

	// set up logging
	if cfg.Debug {
		logger.SetLogLevel("DEBUG")
	}

	ctx := context.Background()

	// shared store: redis when configured, in-process otherwise
	var sharedStore store.Store
	if cfg.RedisAddr != "" {
		redisStore, err := store.Dial(ctx, cfg.RedisAddr, cfg.RedisDB)
		if err != nil {
			log.Fatalf("Failed to connect to redis: %v", err)
		}
		sharedStore = redisStore
	} else {
		logger.Warn("{main} no redis configured, session state is local to this process")
		sharedStore = store.NewMemoryStore()
	}

	// open the catalog database
	db, err := catalog.Open(cfg.CatalogDBPath)
	if err != nil {
		log.Fatalf("Failed to open catalog database: %v", err)
	}
	defer db.Close()

	// initialize worker pool
	workerPool, err := ants.NewPool(cfg.WorkerThreads, ants.WithPreAlloc(true))
	if err != nil {
		log.Fatalf("Failed to create worker pool: %v", err)
	}
	defer workerPool.Release()

	// wire the core
	lim := limiter.New(sharedStore)
	registry := session.NewRegistry(cfg, sharedStore, lim)
	engine := proxy.New(cfg, sharedStore, registry, lim, catalog.New(db), workerPool)
	handler := handlers.New(cfg, engine, registry)

	// start the stale session sweeper
	sweeper := session.NewSweeper(cfg, sharedStore, registry)
	go sweeper.Run(ctx)

	// setup HTTP routes
	router := mux.NewRouter()

	// VOD stream handler
	router.HandleFunc("/vod/{type}/{id}", handler.HandleVOD).Methods("GET")

	// status handler
	router.HandleFunc("/api/status", middleware.Gzip(handler.HandleStatus)).Methods("GET")

	// metrics handler
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// show info
	logger.Info("Starting KVOD Proxy %s", Version)
	logger.Info("Server configuration:")
	logger.Info("  - Listen Address: %s", cfg.ListenAddr)
	logger.Info("  - Base URL: %s", cfg.BaseURL)
	logger.Info("  - Redis: %s (db %d)", cfg.RedisAddr, cfg.RedisDB)
	logger.Info("  - Catalog DB: %s", cfg.CatalogDBPath)
	logger.Info("  - Worker Threads: %d", cfg.WorkerThreads)
	logger.Info("  - Session TTL: %s", cfg.SessionTTL)
	logger.Info("  - Session Max Age: %s", cfg.SessionMaxAge)
	logger.Info("  - Sweep Interval: %s", cfg.SweepInterval)
	logger.Info("  - Cleanup Delay: %s", cfg.CleanupDelay)
	logger.Info("  - Chunk Size: %d", cfg.ChunkSize)
	logger.Info("  - Debug Enabled: %v", cfg.Debug)
	logger.Info("  - URL Obfuscation: %v", cfg.ObfuscateUrls)

	// fire us up
	if err := http.ListenAndServe(cfg.ListenAddr, router); err != nil {
		log.Fatalf("Server failed to start: %v", err)
	}

}

// Command kpath-server runs the KPATH discovery service: it connects
// the catalog database, restores or builds the search indexes and
// serves the authenticated search API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kpath-enterprise/kpath/pkg/api"
	"github.com/kpath-enterprise/kpath/pkg/auth"
	"github.com/kpath-enterprise/kpath/pkg/catalog"
	"github.com/kpath-enterprise/kpath/pkg/common/cache"
	"github.com/kpath-enterprise/kpath/pkg/common/config"
	"github.com/kpath-enterprise/kpath/pkg/embedding"
	"github.com/kpath-enterprise/kpath/pkg/indexer"
	"github.com/kpath-enterprise/kpath/pkg/observability"
	"github.com/kpath-enterprise/kpath/pkg/ranking"
	"github.com/kpath-enterprise/kpath/pkg/search"
)

func main() {
	configPath := flag.String("config", "", "path to configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "kpath-server: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := observability.NewLoggerWithLevel("kpath", observability.LogLevel(cfg.LogLevel))
	metrics := observability.NewMetricsClient()

	db, err := catalog.Connect(cfg.Database)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	if cfg.Database.MigrateOnStart {
		if err := catalog.Migrate(db, logger); err != nil {
			return err
		}
	}
	repo := catalog.NewRepository(db, logger, metrics)

	// Redis is preferred; a single-node deployment without one falls
	// back to in-process counters and caches.
	var cacheClient cache.Cache
	if cfg.Cache.Address != "" {
		redisCache, err := cache.NewRedisCache(cfg.Cache)
		if err != nil {
			logger.Warn("Redis unavailable, using in-memory cache", map[string]interface{}{
				"address": cfg.Cache.Address,
				"error":   err.Error(),
			})
			cacheClient = cache.NewMemoryCache()
		} else {
			cacheClient = redisCache
		}
	} else {
		cacheClient = cache.NewMemoryCache()
	}
	defer func() { _ = cacheClient.Close() }()

	embedder := embedding.NewEmbedder(cfg.Embedding, logger)
	manager := indexer.NewManager(repo, embedder, cfg.Artifacts.Dir, logger, metrics)

	startupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	if err := manager.Startup(startupCtx); err != nil {
		// Dimension disagreements between model and index are fatal
		// configuration errors.
		return err
	}
	if err := manager.Initialize(startupCtx, false); err != nil {
		logger.Warn("Initial index build failed, serving without index until rebuild", map[string]interface{}{
			"error": err.Error(),
		})
	}

	ranker := ranking.NewRanker(repo, logger, metrics)
	searcher := search.NewService(manager, embedder, repo, ranker,
		search.Options{WorkflowsEnabled: cfg.Search.WorkflowsEnabled},
		logger, metrics)

	keys := auth.NewKeyStore(db, logger)
	tokens := auth.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.JWTExpiration)
	authn := auth.NewAuthenticator(keys, tokens, cfg.Auth.DefaultRateLimit, logger)
	limiter := auth.NewRateLimiter(cacheClient, repo, logger)

	server := api.NewServer(
		api.Options{
			ListenAddress:  cfg.API.ListenAddress,
			RequestTimeout: cfg.API.RequestTimeout,
		},
		searcher, manager, repo, ranker, cacheClient, authn, limiter, logger, metrics,
	)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		logger.Info("Shutting down", map[string]interface{}{"signal": sig.String()})
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	logger.Info("Server stopped", nil)
	return nil
}

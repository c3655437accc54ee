package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"unlockmemory/api/internal/app"
	"unlockmemory/api/internal/bridge"
	"unlockmemory/api/internal/config"
	"unlockmemory/api/internal/export"
	"unlockmemory/api/internal/notes"
	"unlockmemory/api/internal/search"
	"unlockmemory/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgfts)
	searchService.ReindexAllFromPG(ctx)

	var artifacts *export.ArtifactStore
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		artifacts, err = export.NewArtifactStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			log.Fatalf("minio connection failed: %v", err)
		}
		if err := artifacts.EnsureBucket(ctx); err != nil {
			log.Printf("WARNING: export bucket unavailable, artifact cache disabled: %v", err)
			artifacts = nil
		}
	}
	exportService := export.NewService(dataStore, artifacts)

	var noteBridge notes.Bridge
	if strings.TrimSpace(cfg.RedisURL) != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatalf("invalid REDIS_URL: %v", err)
		}
		rdb := redis.NewClient(opts)
		redisBridge := bridge.NewRedisBridge(rdb)
		if err := redisBridge.Ping(ctx); err != nil {
			log.Printf("WARNING: redis unreachable, note sync is in-process only: %v", err)
			noteBridge = notes.NewMemoryBridge()
		} else {
			log.Printf("Using Redis for cross-tab note sync")
			noteBridge = redisBridge
			defer rdb.Close()
		}
	} else {
		noteBridge = notes.NewMemoryBridge()
	}

	service := app.NewService(dataStore, searchService, exportService, []byte(cfg.TokenSecret))
	httpServer := app.NewHTTPServer(service, noteBridge, cfg.CORSOrigin, app.SyncTuning{
		Debounce:         cfg.AutosaveDebounce,
		TransitionWindow: cfg.TransitionWindow,
	})
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("UnlockMemory API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}

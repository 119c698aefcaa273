package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"reconstruction-service/internal/api"
	"reconstruction-service/internal/config"
	"reconstruction-service/internal/orchestrator"
	"reconstruction-service/internal/pipeline"
	"reconstruction-service/internal/queue"
	"reconstruction-service/internal/ratelimit"
	"reconstruction-service/internal/store"
	"reconstruction-service/internal/workspace"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Error("connect postgres", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Error("run migrations", "error", err)
		os.Exit(1)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	readyQueue := queue.NewReadyQueue(redisClient)
	limiter := ratelimit.NewTokenBucket(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	ws, err := workspace.NewManager(cfg.WorkspaceRoot, workspace.Limits{
		MaxFiles:      cfg.MaxImages,
		MaxFileBytes:  cfg.MaxFileBytes,
		MaxTotalBytes: cfg.MaxTotalBytes,
	})
	if err != nil {
		log.Error("init workspace root", "error", err)
		os.Exit(1)
	}

	supervisor := pipeline.NewSupervisor(cfg.StderrTailLines)

	var publisher orchestrator.ArtifactPublisher
	if cfg.ArtifactS3Bucket != "" {
		p, err := orchestrator.NewS3Publisher(ctx, cfg)
		if err != nil {
			log.Error("init s3 publisher", "error", err)
			os.Exit(1)
		}
		publisher = p
	}

	orch := orchestrator.New(cfg, st, ws, supervisor, readyQueue, publisher, log)

	// A job stuck in processing after a crash has no supervisor and can
	// never finish; fail it before accepting new work.
	if err := orch.Reconcile(ctx); err != nil {
		log.Error("reconcile orphaned jobs", "error", err)
		os.Exit(1)
	}

	go func() {
		if err := orch.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("runner stopped", "error", err)
		}
	}()

	server := api.New(cfg, st, orch, limiter, log)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Info("api listening", "port", cfg.HTTPPort, "pipeline", cfg.PipelineCommand)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("listen", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}

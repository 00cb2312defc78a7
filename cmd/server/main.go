package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nats-io/nats.go"
	"github.com/robfig/cron/v3"
	"github.com/ycmlab/academic-researcher/internal/config"
	"github.com/ycmlab/academic-researcher/internal/engine"
	"github.com/ycmlab/academic-researcher/internal/events"
	"github.com/ycmlab/academic-researcher/internal/jobs"
	"github.com/ycmlab/academic-researcher/internal/logger"
	"github.com/ycmlab/academic-researcher/internal/metrics"
	"github.com/ycmlab/academic-researcher/internal/orchestrator"
	"github.com/ycmlab/academic-researcher/internal/registry"
	"github.com/ycmlab/academic-researcher/internal/storage/pg"
	"github.com/ycmlab/academic-researcher/internal/vectorstore"
)

var startTime = time.Now()

func main() {
	config.LoadConfig()
	cfg := config.AppConfig

	log := logger.New(logger.FromConfig(cfg.LogLevel, cfg.LogFormat))
	log.Info("starting academic researcher server",
		slog.String("instance_id", logger.GetInstanceID()),
		slog.String("port", cfg.Port))

	gin.SetMode(cfg.GinMode)

	// Report archive, optional.
	var db *pg.Database
	if cfg.DatabaseURL != "" {
		var err error
		db, err = pg.InitDatabase(cfg.DatabaseURL)
		if err != nil {
			log.Error("failed to initialize database", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer db.DB.Close()
	}

	// Distributed cancel transport, optional.
	var nc *nats.Conn
	if cfg.NatsURL != "" {
		var err error
		nc, err = nats.Connect(cfg.NatsURL,
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second))
		if err != nil {
			log.Error("failed to connect to NATS", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer nc.Close()
	}

	eng := engine.NewRemoteEngine(cfg.ResearchEngineWSURL, &engine.ChatConfig{
		BaseURL: cfg.ChatAPIURL,
		APIKey:  cfg.ChatAPIKey,
		Model:   cfg.ChatModel,
	}, log)

	reg := registry.NewRegistry(cfg.ConnSendBufferSize, log)
	tracker := jobs.NewTracker(eng, log, cfg.JobTTL(), cfg.FailureCooldown())

	var store vectorstore.Store
	if cfg.VectorDBEnabled {
		embedder := vectorstore.NewEmbeddingClient(cfg.EmbeddingAPIURL, cfg.EmbeddingAPIKey, cfg.EmbeddingModel)
		store = vectorstore.NewChromaStore(cfg.VectorDBURL, cfg.VectorDBCollection, embedder)
	}
	cache, err := vectorstore.NewFallbackCache(cfg.CacheDir)
	if err != nil {
		log.Warn("fallback cache unavailable", slog.String("error", err.Error()))
	}
	bridge := vectorstore.NewBridge(store, cache, cfg.VectorDBEnabled, log)

	var archive *pg.ReportStore
	if db != nil {
		archive = db.Reports
	}

	router := events.NewRouter(reg, tracker, bridge, archiveOrNil(archive), log)
	tracker.SetSink(router)

	var distCancel *jobs.DistributedCancelService
	if nc != nil {
		distCancel = jobs.NewDistributedCancelService(nc, tracker, log, logger.GetInstanceID())
		if err := distCancel.Start(); err != nil {
			log.Error("failed to start distributed cancel service", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer distCancel.Stop() //nolint:errcheck
	}

	// Periodic eviction of idle terminal jobs.
	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.EvictionSchedule, func() {
		tracker.Evict()
		running, _, _ := tracker.Counts()
		metrics.JobsRunning.Set(float64(running))
	}); err != nil {
		log.Error("invalid eviction schedule",
			slog.String("schedule", cfg.EvictionSchedule),
			slog.String("error", err.Error()))
		os.Exit(1)
	}
	scheduler.Start()
	defer scheduler.Stop()

	handler := orchestrator.NewHandler(cfg, log, reg, tracker, eng, archiveOrNilForHandler(archive), distCancel)

	ginRouter := gin.New()
	ginRouter.Use(gin.Recovery())
	ginRouter.Use(corsMiddleware(cfg.CORSAllowedOrigins))

	ginRouter.GET("/healthz", healthHandler(reg, tracker, db))
	ginRouter.GET("/metrics", metrics.Handler())
	handler.RegisterRoutes(ginRouter)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: ginRouter,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	log.Info("server listening", slog.String("addr", srv.Addr))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")

	shutdownTimeout := time.Duration(cfg.ServerShutdownTimeoutSeconds) * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("server shutdown failed", slog.String("error", err.Error()))
	}

	if err := tracker.Shutdown(shutdownTimeout); err != nil {
		log.Warn("job tracker shutdown incomplete", slog.String("error", err.Error()))
	}
	reg.CloseAll()

	log.Info("server stopped")
}

// corsMiddleware applies the configured allowed origins. "*" allows any.
func corsMiddleware(allowedOrigins string) gin.HandlerFunc {
	origins := strings.Split(allowedOrigins, ",")

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		for _, allowed := range origins {
			allowed = strings.TrimSpace(allowed)
			if allowed == "*" || allowed == origin {
				c.Header("Access-Control-Allow-Origin", allowed)
				break
			}
		}
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// healthHandler reports liveness of the process, not of any single job.
func healthHandler(reg *registry.Registry, tracker *jobs.Tracker, db *pg.Database) gin.HandlerFunc {
	return func(c *gin.Context) {
		running, completed, failed := tracker.Counts()

		status := gin.H{
			"status":      "ok",
			"uptime":      time.Since(startTime).Round(time.Second).String(),
			"instance_id": logger.GetInstanceID(),
			"connections": reg.Count(),
			"jobs": gin.H{
				"running":   running,
				"completed": completed,
				"failed":    failed,
			},
		}

		if db != nil {
			if err := db.DB.PingContext(c.Request.Context()); err != nil {
				status["status"] = "degraded"
				status["database"] = "unreachable"
				c.JSON(http.StatusServiceUnavailable, status)
				return
			}
			status["database"] = "ok"
		}

		c.JSON(http.StatusOK, status)
	}
}

// archiveOrNil converts a possibly-nil *ReportStore into the router's
// interface without wrapping nil in a non-nil interface value.
func archiveOrNil(store *pg.ReportStore) events.Archiver {
	if store == nil {
		return nil
	}
	return store
}

func archiveOrNilForHandler(store *pg.ReportStore) orchestrator.ReportArchive {
	if store == nil {
		return nil
	}
	return store
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/AnTengye/contractreview/config"
	"github.com/AnTengye/contractreview/handler"
	"github.com/AnTengye/contractreview/middleware"
	"github.com/AnTengye/contractreview/pkg/logger"
	"github.com/AnTengye/contractreview/pkg/metrics"
	"github.com/AnTengye/contractreview/service"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "path", *configPath, "error", err)
		os.Exit(1)
	}

	logger.Init(&logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
	slog.Info("configuration loaded successfully", "profile", cfg.Engine.Profile, "auto_analyze", cfg.Pipeline.AutoAnalyze)

	if err := run(cfg); err != nil {
		slog.Error("server stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("server exited gracefully")
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	profile, err := service.ProfileByName(cfg.Engine.Profile)
	if err != nil {
		return err
	}

	var transport service.Transport = service.NewEngineClient(&cfg.Engine)
	if cfg.Minio.Enabled() {
		store, err := service.NewMinioStore(&cfg.Minio)
		if err != nil {
			return fmt.Errorf("initialize minio: %w", err)
		}
		if err := store.EnsureBucket(ctx); err != nil {
			return fmt.Errorf("ensure minio bucket: %w", err)
		}
		transport = service.NewArchivingTransport(transport, store)
		slog.Info("archiving originals to minio", "endpoint", cfg.Minio.Endpoint, "bucket", cfg.Minio.Bucket)
	}

	tracker := service.NewTracker()
	registry := service.NewRegistry(tracker, cfg.Store.MaxJobs)
	if cfg.Store.SnapshotPath != "" {
		if _, err := service.LoadSnapshot(registry, cfg.Store.SnapshotPath); err != nil {
			return fmt.Errorf("load snapshot: %w", err)
		}
	}

	collector := metrics.New()
	collector.RegisterGauge("review_jobs", "Review jobs in the registry", func() float64 {
		return float64(registry.Count())
	})
	collector.RegisterGauge("review_analyses_in_flight", "Analyze steps currently running", func() float64 {
		return float64(len(tracker.InFlight()))
	})

	pipeline := service.NewPipeline(&cfg.Pipeline, registry, transport, service.NewNormalizer(profile), collector)

	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:     newRouter(cfg, pipeline, collector),
		ReadTimeout: 60 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	// the snapshot flusher outlives the server so its last save follows the drain
	snapCtx, stopSnapshots := context.WithCancel(context.Background())
	defer stopSnapshots()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server starting", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down server...")
		return shutdown(srv, pipeline, cfg.Server.ShutdownTimeout, stopSnapshots)
	})
	if cfg.Store.SnapshotPath != "" {
		g.Go(func() error {
			return service.RunSnapshots(snapCtx, registry, cfg.Store.SnapshotPath, cfg.Store.SnapshotInterval)
		})
	}

	return g.Wait()
}

type shutdowner interface {
	Shutdown(ctx context.Context) error
}

type drainer interface {
	Drain(ctx context.Context) error
}

// shutdown stops the server, waits for background steps within timeout and
// then calls done.
func shutdown(srv shutdowner, steps drainer, timeout time.Duration, done func()) error {
	defer done()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	if err := steps.Drain(ctx); err != nil {
		slog.Warn("background steps still running at shutdown", "error", err)
	}
	return nil
}

func newRouter(cfg *config.Config, pipeline *service.Pipeline, collector *metrics.Collector) *gin.Engine {
	authHandler := handler.NewAuthHandler(cfg)
	jobHandler := handler.NewJobHandler(pipeline, &cfg.Pipeline)
	eventsHandler := handler.NewEventsHandler(pipeline)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	router.Use(middleware.RequestID())
	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(corsMiddleware())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"jobs":      len(pipeline.List()),
			"timestamp": time.Now().Format(time.RFC3339),
		})
	})
	router.GET("/metrics", collector.Handler())

	limit := middleware.RateLimit(cfg.Server.RateLimit, time.Minute)

	api := router.Group("/api")
	api.POST("/auth/login", limit, authHandler.Login)

	protected := api.Group("/")
	protected.Use(middleware.AuthMiddleware(&cfg.Auth), limit)
	{
		protected.GET("/auth/me", authHandler.GetCurrentUser)
		protected.POST("/jobs", jobHandler.Upload)
		protected.GET("/jobs", jobHandler.List)
		protected.GET("/jobs/events", eventsHandler.Stream)
		protected.GET("/jobs/:id", jobHandler.Get)
		protected.POST("/jobs/:id/analyze", jobHandler.Analyze)
		protected.POST("/jobs/:id/retry", jobHandler.Retry)
		protected.DELETE("/jobs/:id", jobHandler.Delete)
	}

	return router
}

// corsMiddleware handles CORS headers and keeps API responses out of caches
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With, X-Request-ID")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, DELETE")
		c.Writer.Header().Set("Access-Control-Expose-Headers", "X-Request-ID, Retry-After")
		c.Writer.Header().Set("Cache-Control", "no-store")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

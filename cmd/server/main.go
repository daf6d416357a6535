package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/eus-proxy/internal/api"
	"github.com/shehryarbajwa/eus-proxy/internal/browser"
	"github.com/shehryarbajwa/eus-proxy/internal/catalog"
	"github.com/shehryarbajwa/eus-proxy/internal/config"
	"github.com/shehryarbajwa/eus-proxy/internal/logging"
	"github.com/shehryarbajwa/eus-proxy/internal/metrics"
	"github.com/shehryarbajwa/eus-proxy/internal/observer"
	"github.com/shehryarbajwa/eus-proxy/internal/ratelimit"
	"github.com/shehryarbajwa/eus-proxy/internal/recording"
	"github.com/shehryarbajwa/eus-proxy/internal/session"
)

func main() {
	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := logging.New(logging.Config{Level: cfg.Logging.Level, Development: cfg.Logging.Development})
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("Starting EUS proxy...")

	// Initialize container pool
	pool, err := browser.NewPool(browser.PoolOptions{
		ServerIP:     cfg.Docker.ServerIP,
		WaitRetries:  cfg.Docker.WaitRetries,
		WaitInterval: cfg.Docker.WaitInterval(),
	}, logger)
	if err != nil {
		logger.Fatal("Failed to create container pool", zap.Error(err))
	}
	defer pool.Close()
	logger.Info("✓ Container pool initialized")

	// Load browser catalog
	browsers := catalog.Default(cfg.Browser.ImageRepository)
	if cfg.Browser.CatalogFile != "" {
		browsers, err = catalog.Load(cfg.Browser.CatalogFile, cfg.Browser.ImageRepository)
		if err != nil {
			logger.Fatal("Failed to load browser catalog", zap.Error(err))
		}
	}
	logger.Info("✓ Browser catalog loaded", zap.Int("browsers", len(browsers.Browsers())))

	if cfg.Docker.PullOnStart {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		logger.Info("⏳ Ensuring browser images are available...")
		images := browsers.LatestImages()
		if cfg.Recording.Enabled {
			images = append(images, cfg.Recording.NoVncImage)
		}
		for _, image := range images {
			if err := pool.EnsureImage(ctx, image); err != nil {
				logger.Warn("Failed to pull image", zap.String("image", image), zap.Error(err))
			}
		}
		cancel()
		logger.Info("✓ Browser images ready")
	}

	// Initialize recorder
	var recorder *recording.Recorder
	if cfg.Recording.Enabled {
		recorder, err = recording.NewRecorder(pool, recording.Options{
			Image:             cfg.Recording.NoVncImage,
			ExposedPort:       cfg.Recording.NoVncExposedPort,
			VncPassword:       cfg.Hub.VncPassword,
			NamePrefix:        cfg.Hub.ContainerPrefix,
			Network:           cfg.Docker.ContainerNetwork(),
			Dir:               cfg.Recording.Path,
			ContainerPath:     cfg.Recording.ContainerPath,
			Extension:         cfg.Recording.Extension,
			MetadataExtension: cfg.Recording.MetadataExtension,
		}, logger)
		if err != nil {
			logger.Fatal("Failed to create recorder", zap.Error(err))
		}
		logger.Info("✓ Recorder initialized", zap.String("path", cfg.Recording.Path))
	}

	// Initialize metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(reg)

	// Initialize session registry and observer hub
	registry := session.NewRegistry()
	var deps session.Deps
	var recordings observer.RecordingSource
	if recorder != nil {
		deps.Recorder = recorder
		recordings = recorder
	}
	hub := observer.NewHub(registry, recordings, logger)
	logger.Info("✓ Observer hub initialized")

	// Initialize session manager
	deps.Registry = registry
	deps.Provisioner = pool
	deps.Catalog = browsers
	deps.Notifier = hub
	deps.Metrics = m

	sessionMgr := session.NewManager(deps, session.Options{
		ContainerPrefix:    cfg.Hub.ContainerPrefix,
		ContainerSuffix:    cfg.Hub.ContainerSuffix,
		HubPort:            cfg.Hub.ExposedPort,
		VncPort:            cfg.Hub.VncExposedPort,
		ShmSize:            cfg.Browser.ShmSize,
		ScreenResolution:   cfg.Browser.ScreenResolution,
		Network:            cfg.Docker.ContainerNetwork(),
		IdleTimeout:        cfg.Hub.IdleTimeout(),
		CreateTimeout:      cfg.Hub.CreateTimeout(),
		CreateRetries:      cfg.Hub.CreateRetries,
		MaxSessions:        cfg.Hub.MaxSessions,
		LogMonitorInterval: cfg.Hub.LogMonitorEvery(),
	}, logger)
	logger.Info("✓ Session manager initialized",
		zap.Duration("idle_timeout", cfg.Hub.IdleTimeout()),
		zap.Int("create_retries", cfg.Hub.CreateRetries))

	// Setup HTTP handlers
	handler := api.NewHandler(sessionMgr, browsers, cfg.Server.ContextPath, logger)
	routes := api.RouteOptions{
		Observer: hub,
		Gatherer: reg,
		Metrics:  m,
	}

	stopCleanup := make(chan struct{})
	if cfg.RateLimit.Enabled {
		limiter := ratelimit.NewLimiter(cfg.RateLimit.PerHour, cfg.RateLimit.Burst)
		routes.Limiter = limiter
		routes.LimitPerHour = cfg.RateLimit.PerHour
		go cleanupLimiter(limiter, stopCleanup)
		logger.Info("✓ Rate limiter initialized", zap.Int("per_hour", cfg.RateLimit.PerHour))
	}

	router := handler.SetupRoutes(routes)
	logger.Info("✓ HTTP routes configured")

	// Create HTTP server; no write timeout since creates may wait on provisioning
	srv := &http.Server{
		Addr:        cfg.Addr(),
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	// Start server in background
	go func() {
		logger.Info("🚀 Server starting",
			zap.String("addr", cfg.Addr()),
			zap.String("api", cfg.Server.ContextPath))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server error", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("⏳ Shutting down server gracefully...")
	close(stopCleanup)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	// Tear down every remaining session and its containers
	drainCtx, drainCancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer drainCancel()
	if err := sessionMgr.Shutdown(drainCtx); err != nil {
		logger.Error("Failed to drain sessions", zap.Error(err))
	}
	hub.Close()

	logger.Info("✅ Server stopped cleanly")
}

// cleanupLimiter drops idle client limiters until stop is closed
func cleanupLimiter(limiter *ratelimit.Limiter, stop <-chan struct{}) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			limiter.Cleanup(time.Hour)
		}
	}
}

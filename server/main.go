package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/foursight/biolink/server/cache"
	"github.com/foursight/biolink/server/config"
	"github.com/foursight/biolink/server/features"
	"github.com/foursight/biolink/server/handlers"
	"github.com/foursight/biolink/server/inference"
	"github.com/foursight/biolink/server/middleware"
	"github.com/foursight/biolink/server/processor"
	"github.com/foursight/biolink/server/store"
	"github.com/foursight/biolink/server/transport"
	"github.com/foursight/biolink/server/upload"
)

type Server struct {
	router    *gin.Engine
	logger    *zap.Logger
	session   *transport.Session
	processor *processor.WindowProcessor
	store     store.Store
	cache     cache.Cache
	config    *config.Config
}

func main() {
	// Load configuration
	cfg := config.LoadConfig()

	// Initialize logger
	var logger *zap.Logger
	var err error

	if cfg.Logging.Format == "json" {
		logger, err = zap.NewProduction()
	} else {
		logger, err = zap.NewDevelopment()
	}

	if err != nil {
		log.Fatal("Failed to initialize logger:", err)
	}
	defer logger.Sync()

	// Validate configuration
	if err := cfg.ValidateConfig(logger); err != nil {
		logger.Fatal("Configuration validation failed", zap.Error(err))
	}

	// Set Gin mode
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	server, err := NewServer(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to create server", zap.Error(err))
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      server.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("Starting gateway",
			zap.String("addr", addr),
			zap.String("environment", cfg.Server.Environment))

		var err error
		if cfg.Security.EnableHTTPS {
			err = srv.ListenAndServeTLS(cfg.Security.CertFile, cfg.Security.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}

		if err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down gateway...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Disconnect the device session before the pipeline so no new windows
	// arrive mid-shutdown.
	if err := server.session.Close(); err != nil {
		logger.Error("Failed to close device session", zap.Error(err))
	}

	if err := server.processor.Shutdown(); err != nil {
		logger.Error("Failed to shutdown window processor", zap.Error(err))
	}

	if err := server.store.Close(); err != nil {
		logger.Error("Failed to close window store", zap.Error(err))
	}

	if err := server.cache.Close(); err != nil {
		logger.Error("Failed to close cache", zap.Error(err))
	}

	if err := srv.Shutdown(ctx); err != nil {
		logger.Fatal("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Gateway exited")
}

func NewServer(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	// Cache: try Redis first, fall back to memory
	var cacheInstance cache.Cache
	redisCache, err := cache.NewRedisCache(cfg.Redis, 5*time.Minute, logger)
	if err != nil {
		logger.Warn("Failed to connect to Redis, using memory cache", zap.Error(err))
		cacheInstance = cache.NewMemoryCache(1000, 5*time.Minute, logger)
	} else {
		cacheInstance = redisCache
	}

	// Window store: Postgres when configured, memory otherwise
	var windowStore store.Store
	if cfg.Database.Host != "" {
		pgStore, err := store.NewPostgresStore(cfg.Database, logger)
		if err != nil {
			logger.Warn("Failed to connect to Postgres, using memory store", zap.Error(err))
			windowStore = store.NewMemoryStore()
		} else {
			windowStore = pgStore
		}
	} else {
		windowStore = store.NewMemoryStore()
	}

	// Risk model
	export, err := inference.Load(cfg.Model.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to load risk model: %w", err)
	}
	engine, err := inference.NewEngine(export, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build inference engine: %w", err)
	}
	aggregator := inference.NewAggregator(cfg.Model.TemporalWindow, export.Config)

	// Window pipeline
	extractor := features.NewExtractor(cfg, logger)
	uploader := upload.NewClient(cfg.Upload, logger)
	windowProcessor := processor.NewWindowProcessor(
		extractor, engine, aggregator, windowStore, uploader, cacheInstance, logger)

	// Device session over the bridge link
	bus := transport.NewEventBus(64)
	link := transport.NewWSLink(cfg.Device.BridgeURL, logger)
	session := transport.NewSession(cfg, link, link, bus, windowStore, windowProcessor, logger)

	// Middleware
	rateLimiter := middleware.NewRateLimiter(
		cfg.Security.RateLimitRPS,
		cfg.Security.RateLimitBurst,
		cacheInstance,
		logger,
	)
	authMiddleware := middleware.NewAuthMiddleware(cfg.Security.APISecretKey, logger)

	router := gin.New()
	router.Use(middleware.RequestLogger(logger))
	router.Use(gin.Recovery())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.CORS(cfg.Security.AllowedOrigins))
	router.Use(middleware.RequestSizeLimit(cfg.Security.MaxRequestSize))

	deviceHandler := handlers.NewDeviceHandler(session, windowProcessor, windowStore, cacheInstance, logger)
	wsHandler := handlers.NewWebSocketHandler(bus, logger)

	setupRoutes(router, deviceHandler, wsHandler, authMiddleware, rateLimiter)

	return &Server{
		router:    router,
		logger:    logger,
		session:   session,
		processor: windowProcessor,
		store:     windowStore,
		cache:     cacheInstance,
		config:    cfg,
	}, nil
}

func setupRoutes(router *gin.Engine, deviceHandler *handlers.DeviceHandler, wsHandler *handlers.WebSocketHandler, auth *middleware.AuthMiddleware, rateLimiter *middleware.RateLimiter) {
	// Health check (no auth required)
	router.GET("/health", middleware.HealthCheck())

	// Event stream (rate limited)
	router.GET("/ws", rateLimiter.RateLimit(), wsHandler.HandleWebSocket)

	// API routes
	api := router.Group("/api/v1")
	api.GET("/health", middleware.HealthCheck())

	protected := api.Group("/")
	protected.Use(rateLimiter.RateLimit())
	protected.Use(auth.OptionalAuth())
	deviceHandler.RegisterRoutes(protected)

	// Static files
	router.Static("/static", "./client")
	router.StaticFile("/", "./client/index.html")
}

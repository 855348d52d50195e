package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/otcheredev/viewer-core/internal/adapters"
	"github.com/otcheredev/viewer-core/internal/config"
	"github.com/otcheredev/viewer-core/internal/database"
	"github.com/otcheredev/viewer-core/internal/handlers"
	"github.com/otcheredev/viewer-core/internal/middleware"
	"github.com/otcheredev/viewer-core/internal/models"
	"github.com/otcheredev/viewer-core/internal/prefetch"
	"github.com/otcheredev/viewer-core/internal/repository"
	"github.com/otcheredev/viewer-core/internal/services"
	"github.com/otcheredev/viewer-core/internal/session"
	"github.com/otcheredev/viewer-core/pkg/logger"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Initialize logger
	logger.Init(cfg.Log.Level, cfg.Log.Format)

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	log.Info().Msg("Starting viewer core")

	// Connect to database
	var (
		serverRepo *repository.ServerRepository
		records    services.LoadRecordStore
	)
	if cfg.Database.Enabled {
		dbConfig := database.Config{
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			DBName:   cfg.Database.DBName,
			SSLMode:  cfg.Database.SSLMode,
			LogLevel: cfg.Database.LogLevel,
		}

		if err := database.Connect(dbConfig); err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to database")
		}
		defer database.Close()

		serverRepo = repository.NewServerRepository()
		records = repository.NewLoadRecordRepository()
	} else {
		log.Info().Msg("Database disabled, load history is not recorded")
	}

	// Initialize session store
	var store session.Store
	if cfg.Session.Type == "redis" {
		store, err = session.NewRedisStore(session.RedisConfig{
			Addr:     cfg.RedisAddr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to Redis")
		}
		log.Info().Msg("Redis session store initialized")
	} else {
		store = session.NewMemoryStore()
		log.Info().Msg("Memory session store initialized")
	}
	sess := session.New(store, cfg.Session.TTL)
	defer sess.Close()

	// Initialize adapter factory
	adapterFactory := adapters.NewAdapterFactory(cfg.DICOMWeb.Timeout)
	defer adapterFactory.CloseAll()

	server := resolveServer(cfg, serverRepo)
	adapter, err := adapterFactory.GetAdapter(server)
	if err != nil {
		log.Fatal().Err(err).Str("server", server.Name).Msg("Failed to create DICOMweb adapter")
	}
	log.Info().Str("server", server.Name).Str("wado_root", server.WADORoot).Msg("DICOMweb server selected")

	// Initialize services
	order, _ := prefetch.ParseOrder(cfg.Prefetch.Order)
	viewerService := services.NewViewerService(adapter, records, sess, services.ViewerConfig{
		ImageCacheMaxBytes: cfg.ImageCache.MaxBytes,
		Workers:            cfg.ImageCache.Workers,
		Prefetch: prefetch.Config{
			Enabled:         cfg.Prefetch.Enabled,
			Order:           order,
			DisplaySetCount: cfg.Prefetch.DisplaySetCount,
			Debounce:        cfg.Prefetch.Debounce,
		},
		FileStatsItemsLimit:  cfg.Loading.FileStatsItemsLimit,
		StackStatsItemsLimit: cfg.Loading.StackStatsItemsLimit,
	})
	defer viewerService.Close()

	poolCtx, stopPool := context.WithCancel(context.Background())
	defer stopPool()
	go viewerService.Run(poolCtx)

	// Initialize handlers
	healthHandler := handlers.NewHealthHandler(sess, cfg.Database.Enabled)
	viewerHandler := handlers.NewViewerHandler(viewerService)
	progressHandler := handlers.NewProgressHandler(sess, cfg.CORS.AllowedOrigins)

	// Setup router
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Recovery)
	r.Use(middleware.Logging)

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORS.AllowedOrigins,
		AllowedMethods:   cfg.CORS.AllowedMethods,
		AllowedHeaders:   cfg.CORS.AllowedHeaders,
		ExposedHeaders:   []string{"Content-Length", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Health endpoints
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	// Metrics endpoint
	if cfg.Metrics.Enabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	// Live progress feed, not compressed
	r.Get("/ws/progress", progressHandler.Serve)

	// Viewer API
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(chimiddleware.Compress(5))
		viewerHandler.Routes(r)

		// DICOMweb server management needs the database
		if serverRepo != nil {
			serverService := services.NewServerService(serverRepo, adapterFactory)
			handlers.NewManagementHandler(serverService).Routes(r)
		}
	})

	// Create server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server in a goroutine
	go func() {
		log.Info().Str("addr", addr).Msg("Server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server stopped")
}

// resolveServer picks the primary server of the database, falling back to
// the one configured through the environment
func resolveServer(cfg *config.Config, repo *repository.ServerRepository) models.ServerConfig {
	if repo != nil {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.DICOMWeb.Timeout)
		defer cancel()

		primary, err := repo.GetPrimary(ctx)
		switch {
		case err == nil:
			return *primary
		case !errors.Is(err, repository.ErrNotFound):
			log.Warn().Err(err).Msg("Failed to read primary DICOMweb server, using configured one")
		}
	}

	return models.ServerConfig{
		Name:          cfg.DICOMWeb.Name,
		WADORoot:      cfg.DICOMWeb.Root,
		ImageIDScheme: models.ImageIDScheme(cfg.DICOMWeb.ImageIDScheme),
		Username:      cfg.DICOMWeb.Username,
		Password:      cfg.DICOMWeb.Password,
		APIKey:        cfg.DICOMWeb.APIKey,
		IsActive:      true,
		IsPrimary:     true,
	}
}

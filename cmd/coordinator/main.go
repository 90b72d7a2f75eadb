package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lgulliver/mediavault/internal/middleware"
	"github.com/lgulliver/mediavault/internal/registry"
	"github.com/lgulliver/mediavault/internal/scheduler"
	"github.com/lgulliver/mediavault/internal/storage"
	"github.com/lgulliver/mediavault/internal/upload"
	"github.com/lgulliver/mediavault/internal/validation"
	"github.com/lgulliver/mediavault/pkg/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	cfg := config.LoadFromEnv()

	setupLogging(cfg.Logging)

	log.Info().Msg("starting mediavault upload coordinator")

	sessionRegistry, err := registry.NewFromConfig(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize session registry")
	}
	defer sessionRegistry.Close()

	chunkStore, err := storage.NewLocalStorage(cfg.Upload.UploadDir, cfg.Upload.ChunkSize)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize chunk storage")
	}

	sched := scheduler.New(&cfg.Scheduler)
	limiter := validation.NewRateLimiter(&cfg.RateLimit)
	service := upload.NewService(cfg, sessionRegistry, chunkStore, sched)

	reaperCtx, stopReaper := context.WithCancel(context.Background())
	defer stopReaper()
	upload.NewReaper(service, limiter).Start(reaperCtx)

	router := setupRouter(service, limiter)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	stopReaper()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("forced shutdown")
	} else {
		log.Info().Msg("shutdown complete")
	}
}

func setupLogging(cfg config.LoggingConfig) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format != "json" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}

func setupRouter(service *upload.Service, limiter *validation.RateLimiter) *gin.Engine {
	if zerolog.GlobalLevel() == zerolog.DebugLevel {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(upload.RequestLogger())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "mediavault-coordinator",
			"time":    time.Now().UTC(),
		})
	})

	handlers := upload.NewHandlers(service)

	api := router.Group("/api")
	{
		uploads := api.Group("/upload")
		{
			general := middleware.RateLimitMiddleware(limiter, validation.BucketGeneral)
			chunked := middleware.RateLimitMiddleware(limiter, validation.BucketUpload)

			uploads.POST("/init", general, handlers.InitUpload)
			uploads.POST("/chunk/:uploadId", chunked, handlers.UploadChunk)
			uploads.POST("/complete/:uploadId", general, handlers.CompleteUpload)
			uploads.GET("/status/:uploadId", general, handlers.UploadStatus)
			uploads.GET("/resume/:uploadId", general, handlers.ResumeUpload)
			uploads.DELETE("/:uploadId", general, handlers.DeleteUpload)
		}

		monitoring := api.Group("/monitoring")
		{
			monitoring.GET("/stats",
				middleware.RateLimitMiddleware(limiter, validation.BucketMonitoring),
				handlers.MonitoringStats)
		}
	}

	return router
}

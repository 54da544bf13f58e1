package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "github.com/schoolgate/pickup-api/api/swagger"
	"github.com/schoolgate/pickup-api/internal/handler"
	"github.com/schoolgate/pickup-api/internal/middleware"
	"github.com/schoolgate/pickup-api/internal/models"
	"github.com/schoolgate/pickup-api/internal/repository"
	"github.com/schoolgate/pickup-api/internal/service"
	"github.com/schoolgate/pickup-api/pkg/cache"
	"github.com/schoolgate/pickup-api/pkg/config"
	"github.com/schoolgate/pickup-api/pkg/database"
	"github.com/schoolgate/pickup-api/pkg/logger"
	corsmiddleware "github.com/schoolgate/pickup-api/pkg/middleware/cors"
	reqidmiddleware "github.com/schoolgate/pickup-api/pkg/middleware/requestid"
	"github.com/schoolgate/pickup-api/pkg/storage"
)

// @title SchoolGate Pickup API
// @version 1.0.0
// @description Dismissal-time pickup management: requests, authorizations, queue board and live events
// @BasePath /api/v1
// @schemes http

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to postgres", "error", err)
	}
	defer db.Close() //nolint:errcheck

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		// Redis is an accelerator, not a dependency: the queue board falls
		// back to the database and fanout degrades to in-process delivery.
		logr.Sugar().Warnw("redis unavailable, running degraded", "error", err)
		redisClient = nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	validate := validator.New()
	metrics := service.NewMetricsService()

	// Repositories.
	userRepo := repository.NewUserRepository(db)
	studentRepo := repository.NewStudentRepository(db)
	authorizationRepo := repository.NewAuthorizationRepository(db)
	pickupRepo := repository.NewPickupRepository(db)
	auditRepo := repository.NewAuditRepository(db)
	cacheRepo := repository.NewCacheRepository(redisClient, logr)

	// Services.
	authService := service.NewAuthService(userRepo, validate, logr, service.AuthConfig{
		AccessTokenSecret:  cfg.JWT.Secret,
		AccessTokenExpiry:  cfg.JWT.Expiration,
		RefreshTokenExpiry: cfg.JWT.RefreshExpiration,
		Issuer:             "pickup-api",
	})
	cacheService := service.NewCacheService(cacheRepo, metrics, cfg.QueueBoard.CacheTTL, logr)
	resolverService := service.NewResolverService(studentRepo, authorizationRepo, logr)
	fanoutService := service.NewFanoutService(redisClient, cfg.Fanout, metrics, logr)
	pickupService := service.NewPickupService(pickupRepo, resolverService, fanoutService, cacheService, auditRepo, metrics, logr)
	sweeperService := service.NewSweeperService(pickupRepo, pickupService, cfg.Sweeper, metrics, logr)
	studentService := service.NewStudentService(studentRepo, logr)
	authorizationService := service.NewAuthorizationService(authorizationRepo, studentRepo, auditRepo, validate, logr)
	notifierService := service.NewNotifierService(fanoutService, &service.LogSender{Logger: logr}, cfg.Notifications, logr)

	fanoutService.Start(ctx)
	sweeperService.Start(ctx)
	notifierService.Start(ctx)
	defer notifierService.Stop()

	// Handlers.
	authHandler := handler.NewAuthHandler(authService)
	pickupHandler := handler.NewPickupHandler(pickupService)
	authorizationHandler := handler.NewAuthorizationHandler(authorizationService, resolverService)
	studentHandler := handler.NewStudentHandler(studentService)
	eventsHandler := handler.NewEventsHandler(fanoutService, pickupService, studentService, cfg.Fanout)
	metricsHandler := handler.NewMetricsHandler(metrics, db, redisClient)

	var exportHandler *handler.ExportHandler
	if cfg.Exports.Enabled {
		store, err := storage.NewLocalStore(cfg.Exports.StorageDir)
		if err != nil {
			logr.Sugar().Fatalw("failed to init export storage", "error", err)
		}
		signer := storage.NewSigner(cfg.Exports.SignedURLSecret, cfg.Exports.SignedURLTTL)
		exportService := service.NewExportService(pickupRepo, store, signer, cfg.Exports, logr)
		exportService.StartCleanup(ctx)
		exportHandler = handler.NewExportHandler(exportService)
	}

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metrics))

	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", metricsHandler.Ready)
	r.GET("/metrics", metricsHandler.Prometheus)
	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)

	auth := api.Group("/auth")
	{
		auth.POST("/login", middleware.Audit(auditRepo, models.AuditActionLogin, "session"), authHandler.Login)
		auth.POST("/refresh", authHandler.Refresh)
		auth.GET("/me", middleware.JWT(authService), authHandler.Me)
	}

	protected := api.Group("")
	protected.Use(middleware.JWT(authService))
	{
		pickups := protected.Group("/pickups")
		{
			pickups.POST("", pickupHandler.Create)
			pickups.GET("", pickupHandler.List)
			pickups.GET("/queue", middleware.RequireDeskOperator(), pickupHandler.ActiveQueue)
			pickups.GET("/:id", pickupHandler.Get)
			pickups.POST("/:id/transition", pickupHandler.Transition)
		}

		authorizations := protected.Group("/authorizations")
		{
			authorizations.POST("", authorizationHandler.Create)
			authorizations.GET("/resolve", authorizationHandler.Resolve)
			authorizations.DELETE("/:id", authorizationHandler.Deactivate)
		}

		students := protected.Group("/students")
		{
			students.GET("", studentHandler.List)
			students.GET("/:id", studentHandler.Get)
			students.GET("/:id/authorizations", authorizationHandler.ListByStudent)
		}

		protected.GET("/events/pickups", eventsHandler.Stream)

		if exportHandler != nil {
			exports := protected.Group("/exports")
			exports.Use(middleware.RequireDeskOperator())
			{
				exports.GET("/daily-log", exportHandler.GenerateDailyLog)
			}
		}
	}

	// Downloads authenticate by signed token instead of JWT so links can be
	// opened outside the app.
	if exportHandler != nil {
		api.GET("/exports/download", exportHandler.Download)
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logr.Sugar().Infow("server starting", "addr", addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logr.Sugar().Infow("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Sugar().Errorw("graceful shutdown failed", "error", err)
	}
}

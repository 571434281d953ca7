package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "github.com/opencampus/registrar-api/api/swagger"
	"github.com/opencampus/registrar-api/internal/handler"
	"github.com/opencampus/registrar-api/internal/middleware"
	"github.com/opencampus/registrar-api/internal/models"
	"github.com/opencampus/registrar-api/internal/repository"
	"github.com/opencampus/registrar-api/internal/service"
	"github.com/opencampus/registrar-api/pkg/cache"
	"github.com/opencampus/registrar-api/pkg/config"
	"github.com/opencampus/registrar-api/pkg/database"
	"github.com/opencampus/registrar-api/pkg/jobs"
	"github.com/opencampus/registrar-api/pkg/logger"
	corsmiddleware "github.com/opencampus/registrar-api/pkg/middleware/cors"
	reqidmiddleware "github.com/opencampus/registrar-api/pkg/middleware/requestid"
	"github.com/opencampus/registrar-api/pkg/storage"
)

// @title OpenCampus Registrar API
// @version 1.0.0
// @description Enrollment, payment and grading backend for the student registration platform
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
	defer db.Close()

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		// Catalog reads fall back to the database when Redis is down.
		logr.Sugar().Warnw("redis unavailable, continuing without cache", "error", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	validate := validator.New()
	metricsService := service.NewMetricsService()

	courseRepo := repository.NewCourseRepository(db)
	registrationRepo := repository.NewRegistrationRepository(db)
	paymentRepo := repository.NewPaymentRepository(db)
	studentRepo := repository.NewStudentRepository(db)
	cacheRepo := repository.NewCacheRepository(redisClient, logr)

	catalogService := service.NewCatalogService(courseRepo, cacheRepo, metricsService,
		cfg.Catalog.CacheTTL, cfg.Billing.DefaultPricePerCreditHour, validate, logr)
	registrationService := service.NewRegistrationService(registrationRepo, catalogService, studentRepo, metricsService, validate, logr)
	paymentService := service.NewPaymentService(paymentRepo, registrationRepo, metricsService, validate, logr)
	gradingService := service.NewGradingService(registrationRepo, studentRepo, validate, logr)
	studentService := service.NewStudentService(studentRepo, logr)

	exportStorage, err := storage.NewLocalStorage(cfg.Export.Dir)
	if err != nil {
		logr.Sugar().Fatalw("failed to init export storage", "error", err)
	}
	exportSigner := storage.NewSignedURLSigner(cfg.JWT.Secret, cfg.Export.ResultTTL)
	exportJobRepo := repository.NewExportJobRepository(db)

	var reportService *service.ReportService
	exportQueue := jobs.NewQueue("transcript-exports", func(ctx context.Context, job jobs.Job) error {
		return reportService.Process(ctx, job)
	}, jobs.QueueConfig{Workers: cfg.Export.Workers, Logger: logr})
	reportService = service.NewReportService(exportJobRepo, exportQueue, gradingService, exportStorage, exportSigner,
		service.ReportServiceConfig{APIPrefix: cfg.APIPrefix, ResultTTL: cfg.Export.ResultTTL}, logr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	exportQueue.Start(ctx)
	defer exportQueue.Stop()
	if err := reportService.RecoverQueued(ctx, 100); err != nil {
		logr.Sugar().Warnw("failed to recover queued export jobs", "error", err)
	}
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := reportService.Cleanup(ctx); err != nil {
					logr.Sugar().Warnw("export cleanup failed", "error", err)
				}
			}
		}
	}()

	courseHandler := handler.NewCourseHandler(catalogService)
	registrationHandler := handler.NewRegistrationHandler(registrationService)
	paymentHandler := handler.NewPaymentHandler(paymentService)
	gradeHandler := handler.NewGradeHandler(gradingService)
	studentHandler := handler.NewStudentHandler(studentService)
	reportHandler := handler.NewReportHandler(reportService)
	metricsHandler := handler.NewMetricsHandler(metricsService)

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsService))

	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", metricsHandler.Prometheus)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)
	api.Use(middleware.JWT(cfg.JWT.Secret))

	admin := middleware.RequireRoles(models.RoleAdmin)
	selfOrAdmin := middleware.RBAC("SELF", string(models.RoleAdmin))

	courses := api.Group("/courses")
	{
		courses.GET("", courseHandler.List)
		courses.GET("/:id", courseHandler.Get)
		courses.GET("/:id/prerequisites", courseHandler.Prerequisites)
		courses.GET("/:id/statistics", admin, courseHandler.Statistics)
		courses.POST("", admin, courseHandler.Create)
		courses.PUT("/:id", admin, courseHandler.Update)
		courses.DELETE("/:id", admin, courseHandler.Deactivate)
	}

	registrations := api.Group("/registrations")
	{
		registrations.GET("", registrationHandler.List)
		registrations.GET("/:id", registrationHandler.Get)
		registrations.POST("", registrationHandler.Admit)
		registrations.POST("/bulk", registrationHandler.BulkAdmit)
		registrations.POST("/:id/drop", registrationHandler.Drop)
		registrations.POST("/:id/grade", admin, gradeHandler.Assign)
	}

	payments := api.Group("/payments")
	{
		payments.POST("", paymentHandler.CreateBatch)
		payments.GET("/statistics", admin, paymentHandler.Statistics)
		payments.GET("/:id", paymentHandler.Get)
		payments.POST("/:id/settle", paymentHandler.Settle)
		payments.POST("/:id/refund", admin, paymentHandler.Refund)
	}

	students := api.Group("/students")
	{
		students.GET("", admin, studentHandler.List)
		students.GET("/:studentId", selfOrAdmin, studentHandler.Get)
		students.GET("/:studentId/registrations/summary", selfOrAdmin, registrationHandler.Summary)
		students.GET("/:studentId/payments", selfOrAdmin, paymentHandler.History)
		students.GET("/:studentId/transcript", selfOrAdmin, gradeHandler.Transcript)
		students.GET("/:studentId/transcript/export", selfOrAdmin, gradeHandler.Export)
		students.POST("/:studentId/gpa/rebuild", admin, gradeHandler.RebuildGPA)
	}

	reports := api.Group("/reports")
	{
		reports.POST("/transcripts", reportHandler.Create)
		reports.GET("/:id", reportHandler.Status)
	}

	// Download tokens are self-authenticating; the route stays outside the
	// JWT group.
	r.GET(fmt.Sprintf("%s/export/:token", cfg.APIPrefix), reportHandler.Download)

	api.GET("/metrics/snapshot", admin, metricsHandler.Snapshot)

	addr := fmt.Sprintf(":%d", cfg.Port)
	logr.Sugar().Infow("server starting", "addr", addr, "env", cfg.Env)
	if err := r.Run(addr); err != nil {
		logr.Sugar().Fatalw("server failed", "error", err)
	}
}

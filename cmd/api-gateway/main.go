package main

import (
	"fmt"
	"log"

	"github.com/gin-gonic/gin"

	"github.com/classmark/attendance-api/internal/handler"
	"github.com/classmark/attendance-api/internal/middleware"
	"github.com/classmark/attendance-api/internal/models"
	"github.com/classmark/attendance-api/internal/repository"
	"github.com/classmark/attendance-api/internal/service"
	"github.com/classmark/attendance-api/pkg/cache"
	"github.com/classmark/attendance-api/pkg/config"
	"github.com/classmark/attendance-api/pkg/database"
	"github.com/classmark/attendance-api/pkg/logger"
	corsmiddleware "github.com/classmark/attendance-api/pkg/middleware/cors"
	reqidmiddleware "github.com/classmark/attendance-api/pkg/middleware/requestid"
)

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

	// Reports survive without redis; warn and carry on.
	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Sugar().Warnw("redis unavailable, report caching disabled", "error", err)
		redisClient = nil
	}

	userRepo := repository.NewUserRepository(db)
	attendanceRepo := repository.NewAttendanceRepository(db)
	lockRepo := repository.NewLockRepository(db)
	settingRepo := repository.NewSettingRepository(db)
	assignmentRepo := repository.NewAssignmentRepository(db)
	studentRepo := repository.NewStudentRepository(db)
	auditRepo := repository.NewAuditRepository(db)

	metricsSvc := service.NewMetricsService()
	authSvc := service.NewAuthService(userRepo, auditRepo, nil, logr, service.AuthConfig{
		AccessTokenSecret:  cfg.JWT.Secret,
		AccessTokenExpiry:  cfg.JWT.Expiration,
		RefreshTokenExpiry: cfg.JWT.RefreshExpiration,
		Issuer:             "classmark-attendance-api",
	})
	attendanceSvc := service.NewAttendanceService(service.AttendanceServiceParams{
		Repo:        attendanceRepo,
		Locks:       lockRepo,
		Settings:    settingRepo,
		Assignments: assignmentRepo,
		Students:    studentRepo,
		Audit:       auditRepo,
		Logger:      logr,
		Config: service.AttendanceServiceConfig{
			DefaultLockHours: cfg.Attendance.DefaultLockHours,
			MaxBatchSize:     cfg.Attendance.MaxBatchSize,
		},
	})
	reportSvc := service.NewReportService(attendanceRepo, studentRepo, redisClient, logr, service.ReportServiceConfig{
		LowAttendanceThreshold: cfg.Reports.LowAttendanceThreshold,
		CacheTTL:               cfg.Reports.CacheTTL,
	})
	settingSvc := service.NewSettingService(settingRepo, auditRepo, nil, logr, cfg.Attendance.DefaultLockHours)

	authHandler := handler.NewAuthHandler(authSvc)
	attendanceHandler := handler.NewAttendanceHandler(attendanceSvc, metricsSvc)
	reportHandler := handler.NewReportHandler(reportSvc)
	settingHandler := handler.NewSettingHandler(settingSvc)
	metricsHandler := handler.NewMetricsHandler(metricsSvc, db)

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc))

	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", metricsHandler.Ready)
	r.GET("/metrics", metricsHandler.Prometheus)

	api := r.Group(cfg.APIPrefix)
	{
		auth := api.Group("/auth")
		{
			auth.POST("/login", authHandler.Login)
			auth.POST("/refresh", authHandler.Refresh)
		}

		attendance := api.Group("/attendance", middleware.JWT(authSvc))
		{
			attendance.GET("", middleware.RequireRoles(models.RoleTeacher, models.RoleAdmin), attendanceHandler.GetForDate)
			attendance.POST("", middleware.RequireRoles(models.RoleTeacher, models.RoleAdmin), attendanceHandler.Submit)
			attendance.GET("/history/:studentId", attendanceHandler.StudentHistory)
			attendance.GET("/lock-status", middleware.RequireRoles(models.RoleTeacher, models.RoleAdmin), attendanceHandler.LockStatus)
			attendance.POST("/locks", middleware.RequireRoles(models.RoleAdmin), attendanceHandler.Lock)
			attendance.DELETE("/locks", middleware.RequireRoles(models.RoleAdmin), attendanceHandler.Unlock)
		}

		reports := api.Group("/reports", middleware.JWT(authSvc), middleware.RequireRoles(models.RoleAdmin))
		{
			reports.GET("/attendance", reportHandler.AttendanceReport)
		}

		settings := api.Group("/settings", middleware.JWT(authSvc), middleware.RequireRoles(models.RoleAdmin))
		{
			settings.GET("/attendance-lock-hours", settingHandler.GetLockWindow)
			settings.PUT("/attendance-lock-hours", settingHandler.UpdateLockWindow)
		}
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	logr.Sugar().Infow("server starting", "addr", addr, "env", cfg.Env)
	if err := r.Run(addr); err != nil {
		logr.Sugar().Fatalw("server failed", "error", err)
	}
}

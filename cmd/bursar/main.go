package main

import (
	"context"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"leadworks/api_referrals/internal/handlers"
	"leadworks/api_referrals/internal/jobs"
	"leadworks/api_referrals/internal/ledger"
	"leadworks/api_referrals/pkg/auth"
	"leadworks/api_referrals/pkg/config"
	"leadworks/api_referrals/pkg/database"
	"leadworks/api_referrals/pkg/logging"
	"leadworks/api_referrals/pkg/monitoring"
	"leadworks/api_referrals/pkg/redis"
	"leadworks/api_referrals/pkg/server"
	"leadworks/api_referrals/pkg/version"
)

func main() {
	// Setup logger
	logger := logging.NewLoggerWithService("bursar")

	// Load environment variables
	config.LoadEnv(logger)

	logger.Info("Starting Bursar (Referrals API)")

	dbURL := config.RequireEnv("DATABASE_URL")
	jwtSecret := config.RequireEnv("JWT_SECRET")
	serviceToken := config.RequireEnv("SERVICE_TOKEN")

	// Connect to database
	dbConfig := database.DefaultConfig()
	dbConfig.URL = dbURL
	db := database.MustConnect(dbConfig, logger)
	defer db.Close()

	// Optional redis cache for the stats read path
	var redisClient *goredis.Client
	if redisURL := config.GetEnv("REDIS_URL", ""); redisURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		client, err := redis.NewClientFromURL(ctx, redisURL)
		cancel()
		if err != nil {
			logger.WithError(err).Warn("Redis unavailable - stats caching disabled")
		} else {
			redisClient = client
			defer redisClient.Close()
		}
	}

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("bursar", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("bursar", version.Version, version.GitCommit)

	// Add health checks
	healthChecker.AddCheck("database", monitoring.DatabaseHealthCheck(db))
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"DATABASE_URL": dbURL,
		"JWT_SECRET":   jwtSecret,
	}))

	// Create custom referral metrics
	metrics := &handlers.BursarMetrics{
		LedgerOperations:     metricsCollector.NewCounter("ledger_operations_total", "Ledger operations performed", []string{"operation", "status"}),
		CommissionEvents:     metricsCollector.NewCounter("commission_events_total", "Commission events consumed", []string{"status"}),
		WithdrawalOperations: metricsCollector.NewCounter("withdrawal_operations_total", "Withdrawal operations", []string{"operation", "status"}),
	}

	// Create database metrics
	metrics.DBQueries, metrics.DBDuration, metrics.DBConnections = metricsCollector.CreateDatabaseMetrics()

	// Build the ledger
	ledgerSvc := ledger.New(db, logger, ledger.Config{
		ExpiryDays:           config.GetEnvInt("REFERRAL_EXPIRY_DAYS", 90),
		DefaultCommissionPct: float64(config.GetEnvInt("DEFAULT_COMMISSION_PERCENT", 10)),
		DefaultCurrency:      config.GetEnv("DEFAULT_CURRENCY", "USD"),
	})

	// Initialize JobManager for background referral tasks; its producer is
	// shared with the handlers for audit events
	jobManager := jobs.NewJobManager(ledgerSvc, logger, metrics.CommissionEvents)

	// Initialize handlers
	handlers.Init(db, logger, ledgerSvc, redisClient, jobManager.Producer(), metrics)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jobManager.Start(ctx)
	defer jobManager.Stop()

	var kafkaPinger monitoring.Pinger
	if consumer := jobManager.Consumer(); consumer != nil {
		kafkaPinger = consumer
	}
	healthChecker.AddCheck("kafka", monitoring.KafkaHealthCheck(kafkaPinger))

	logger.Info("JobManager started - background referral jobs active")

	// Setup router with unified monitoring
	router := server.SetupServiceRouter(logger, "bursar", healthChecker, metricsCollector)

	// API routes (root level - nginx adds /api/referrals/ prefix)
	{
		// Dashboard endpoints (tenant JWT)
		protected := router.Group("")
		protected.Use(auth.JWTAuthMiddleware([]byte(jwtSecret)))
		{
			protected.POST("/referrals", handlers.CreateReferral)
			protected.GET("/referrals", handlers.ListReferrals)
			protected.GET("/referrals/stats", handlers.GetReferralStats)
			protected.GET("/referrals/top", handlers.GetTopReferrers)
			protected.GET("/referrals/:id", handlers.GetReferral)
			protected.POST("/referrals/:id/withdrawals", handlers.RequestWithdrawal)
			protected.POST("/referrals/:id/cancel", auth.RequireRole("admin", "service"), handlers.CancelReferral)
		}

		// Ledger mutation endpoints (service-to-service: billing event
		// source and payout processor)
		serviceAPI := router.Group("")
		serviceAPI.Use(auth.ServiceAuthMiddleware(serviceToken))
		{
			serviceAPI.POST("/referrals/:id/earnings", handlers.RecordEarning)
			serviceAPI.PATCH("/referrals/:id/earnings/:eid", handlers.UpdateEarningStatus)
			serviceAPI.PATCH("/referrals/:id/withdrawals/:wid", handlers.SettleWithdrawal)
			serviceAPI.POST("/referrals/:id/milestones/:type", handlers.AchieveMilestone)
			serviceAPI.POST("/referrals/:id/clicks", handlers.TrackClick)
			serviceAPI.POST("/referrals/:id/signups", handlers.RecordSignup)
			serviceAPI.GET("/withdrawals/pending", handlers.ListPendingWithdrawals)
		}
	}

	// Start server with graceful shutdown
	serverConfig := server.DefaultConfig("bursar", "18010")
	if err := server.Start(serverConfig, router, logger); err != nil {
		logger.WithError(err).Fatal("Server startup failed")
	}
}

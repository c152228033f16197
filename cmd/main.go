package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	"github.com/aws/aws-sdk-go-v2/service/ec2"

	"github.com/deskpool/orchestrator/internal/cache"
	"github.com/deskpool/orchestrator/internal/cloud"
	"github.com/deskpool/orchestrator/internal/db"
	"github.com/deskpool/orchestrator/internal/events"
	"github.com/deskpool/orchestrator/internal/gateway"
	"github.com/deskpool/orchestrator/internal/httpapi"
	"github.com/deskpool/orchestrator/internal/logger"
	"github.com/deskpool/orchestrator/internal/pool"
	"github.com/deskpool/orchestrator/internal/portalauth"
	"github.com/deskpool/orchestrator/internal/quota"
	"github.com/deskpool/orchestrator/internal/reconciler"
)

func main() {
	logger.Initialize(getEnv("LOG_LEVEL", "info"), getEnv("LOG_PRETTY", "false") == "true")
	log := logger.GetLogger()

	port := getEnv("API_PORT", "8000")
	dbHost := getEnv("DB_HOST", "localhost")
	dbPort := getEnv("DB_PORT", "5432")
	dbUser := getEnv("DB_USER", "orchestrator")
	dbPassword := getEnv("DB_PASSWORD", "orchestrator")
	dbName := getEnv("DB_NAME", "orchestrator")
	dbSSLMode := getEnv("DB_SSL_MODE", "disable") // SECURITY: should be "require" in production

	log.Info().Msg("starting session orchestrator")

	log.Info().Msg("connecting to database")
	database, err := db.NewDatabase(db.Config{
		Host:     dbHost,
		Port:     dbPort,
		User:     dbUser,
		Password: dbPassword,
		DBName:   dbName,
		SSLMode:  dbSSLMode,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer database.Close()

	log.Info().Msg("running database migrations")
	if err := database.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}

	sessionDB := db.NewSessionDB(database.DB())
	poolDB := db.NewInstancePoolDB(database.DB())
	usageDB := db.NewUsageDB(database.DB())
	connectionDB := db.NewConnectionDB(database.DB())

	log.Info().Msg("initializing cache")
	cacheEnabled := getEnv("CACHE_ENABLED", "false") == "true"
	redisCache, err := cache.NewCache(cache.Config{
		Host:     getEnv("REDIS_HOST", "localhost"),
		Port:     getEnv("REDIS_PORT", "6379"),
		Password: getEnv("REDIS_PASSWORD", ""),
		DB:       0,
		Enabled:  cacheEnabled,
	})
	if err != nil {
		log.Warn().Err(err).Msg("failed to initialize cache, continuing without it")
		redisCache, _ = cache.NewCache(cache.Config{Enabled: false})
	}
	defer redisCache.Close()

	ctx := context.Background()

	log.Info().Msg("loading AWS configuration")
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(getEnv("AWS_REGION", "us-east-1")))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load AWS configuration")
	}
	cloudClient := cloud.NewClient(ec2.NewFromConfig(awsCfg), autoscaling.NewFromConfig(awsCfg))

	gatewayClient := gateway.NewClient(gateway.Config{
		BaseURL:    getEnv("GATEWAY_BASE_URL", "http://localhost:8080/guacamole"),
		AdminUser:  getEnv("GATEWAY_ADMIN_USER", "guacadmin"),
		AdminPass:  os.Getenv("GATEWAY_ADMIN_PASSWORD"),
		DataSource: getEnv("GATEWAY_DATA_SOURCE", "postgresql"),
	}, nil)

	log.Info().Msg("initializing event publisher")
	eventPublisher, err := events.NewPublisher(events.Config{
		URL:      os.Getenv("NATS_URL"),
		User:     os.Getenv("NATS_USER"),
		Password: os.Getenv("NATS_PASSWORD"),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize event publisher")
	}
	defer eventPublisher.Close()

	quotaChecker := quota.NewChecker(usageDB)

	// SECURITY: PORTAL_SHARED_SECRET must be set in production when auth is
	// required - no insecure fallback allowed.
	portalSecret := os.Getenv("PORTAL_SHARED_SECRET")
	requireAuth := getEnv("REQUIRE_AUTH", "true") == "true"
	if requireAuth && portalSecret == "" {
		log.Fatal().Msg("SECURITY ERROR: PORTAL_SHARED_SECRET must be set when REQUIRE_AUTH is enabled")
	}
	verifier := portalauth.NewVerifier(portalSecret, redisCache)

	asgNames := parseASGNames(getEnv("ASG_NAMES", "starter=asg-starter,pro=asg-pro"))

	controller := pool.NewController(pool.Deps{
		Sessions:    sessionDB,
		Pool:        poolDB,
		Usage:       usageDB,
		Cloud:       cloudClient,
		Gateway:     gatewayClient,
		Quota:       quotaChecker,
		Publisher:   eventPublisher,
		Connections: connectionDB,
	}, pool.Config{
		SessionTTL:           getEnvDuration("SESSION_TTL", 8*time.Hour),
		MaxSessionsPerOwner:  getEnvInt("MAX_SESSIONS_PER_OWNER", 1),
		StaleGrace:           getEnvDuration("STALE_SESSION_GRACE", 2*time.Minute),
		ClaimAttempts:        getEnvInt("POOL_CLAIM_ATTEMPTS", 3),
		ClaimBackoffBase:     getEnvDuration("POOL_CLAIM_BACKOFF_BASE", 300*time.Millisecond),
		ScaleUpCapPerCycle:   int32(getEnvInt("SCALE_UP_CAP_PER_CYCLE", 2)),
		ASGNames:             asgNames,
		GatewayPublicBaseURL: getEnv("GATEWAY_PUBLIC_BASE_URL", ""),
		RDPUsername:          getEnv("RDP_USERNAME", "orchestrator"),
		RDPPassword:          os.Getenv("RDP_PASSWORD"),
		RDPDomain:            os.Getenv("RDP_DOMAIN"),
		RequireAuth:          requireAuth,
		EnableGatewayCleanup: getEnv("ENABLE_GATEWAY_CLEANUP", "true") == "true",
	})

	recon := reconciler.New(reconciler.Deps{
		Sessions:    sessionDB,
		Pool:        poolDB,
		Usage:       usageDB,
		Cloud:       cloudClient,
		Gateway:     gatewayClient,
		Publisher:   eventPublisher,
		Connections: connectionDB,
	}, reconciler.Config{
		CronSpec:            getEnv("RECONCILE_CRON", "@every 60s"),
		StaleAssignedAfter:  getEnvDuration("STALE_ASSIGNED_AFTER", 5*time.Minute),
		ScaleUpCapPerCycle:  int32(getEnvInt("SCALE_UP_CAP_PER_CYCLE", 2)),
		IdleAvailableFloor:  int32(getEnvInt("IDLE_AVAILABLE_FLOOR", 1)),
		ASGNames:            asgNames,
		EnableIdleDetection: getEnv("ENABLE_IDLE_DETECTION", "true") == "true",
		IdleThresholdsByPlan: map[string]reconciler.IdleThresholds{
			"freemium":       {WarningMinutes: 15, TerminationMinutes: 30},
			"starter":        {WarningMinutes: 20, TerminationMinutes: 40},
			pool.DefaultPlan: {WarningMinutes: 30, TerminationMinutes: 60},
		},
		IdleGrace: getEnvDuration("IDLE_GRACE", 90*time.Second),
	})

	reconCtx, cancelRecon := context.WithCancel(context.Background())
	defer cancelRecon()
	if err := recon.Start(reconCtx); err != nil {
		log.Fatal().Err(err).Msg("failed to start reconciler")
	}
	defer recon.Stop()

	router := httpapi.NewRouter(httpapi.RouterConfig{
		Controller:  controller,
		Verifier:    verifier,
		RequireAuth: requireAuth,
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", port),
		Handler: router,

		// SECURITY: prevent slow loris attacks and resource exhaustion
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		log.Info().Str("port", port).Msg("orchestrator listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	quitCh := make(chan os.Signal, 1)
	signal.Notify(quitCh, syscall.SIGINT, syscall.SIGTERM)
	<-quitCh

	log.Info().Msg("shutting down orchestrator")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("error during server shutdown")
	}
}

// parseASGNames parses a "plan=asgName,plan=asgName" tunable into a map.
func parseASGNames(spec string) map[string]string {
	names := make(map[string]string)
	for _, pair := range strings.Split(spec, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			continue
		}
		names[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
	}
	return names
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

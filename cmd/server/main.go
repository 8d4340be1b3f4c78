package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/logship/core/internal/api"
	"github.com/logship/core/internal/audit"
	"github.com/logship/core/internal/auth"
	"github.com/logship/core/internal/cache"
	"github.com/logship/core/internal/db"
	"github.com/logship/core/internal/geo"
	"github.com/logship/core/internal/handlers"
	"github.com/logship/core/internal/jobs"
	"github.com/logship/core/internal/logger"
	"github.com/logship/core/internal/middleware"
	"github.com/logship/core/internal/models"
	"github.com/logship/core/internal/objectstore"
	"github.com/logship/core/internal/parser"
	"github.com/logship/core/internal/retention"
)

func main() {
	logger.Initialize(getEnv("LOG_LEVEL", "info"), getEnv("LOG_PRETTY", "false") == "true")
	log := logger.GetLogger()

	dbHost := getEnv("DB_HOST", "localhost")
	dbPort := getEnv("DB_PORT", "5432")
	dbUser := getEnv("DB_USER", "logship")
	dbPassword := getEnv("DB_PASSWORD", "logship")
	dbName := getEnv("DB_NAME", "logship")
	dbSSLMode := getEnv("DB_SSL_MODE", "disable")

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

	cacheEnabled := getEnv("KV_ENABLED", "true") == "true"
	redisCache, err := cache.NewCache(cache.Config{
		Host:     getEnv("KV_HOST", "localhost"),
		Port:     getEnv("KV_PORT", "6379"),
		Password: getEnv("KV_PASSWORD", ""),
		DB:       getEnvInt("KV_DB", 0),
		Enabled:  cacheEnabled,
	})
	if err != nil {
		log.Warn().Err(err).Msg("failed to initialize KV cache, continuing without it")
		redisCache, _ = cache.NewCache(cache.Config{Enabled: false})
	}
	defer redisCache.Close()

	store, err := buildObjectStore()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize object store")
	}

	registry, err := parser.LoadRegistry(getEnv("PARSER_REGISTRY_FILE", "config/parsers.yaml"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load parser registry")
	}

	principalDB := db.NewPrincipalDB(database.DB())
	sessionDB := db.NewSessionDB(database.DB())
	logFileDB := db.NewLogFileDB(database.DB())
	analysisDB := db.NewAnalysisDB(database.DB())
	resultDB := db.NewAnalysisResultDB(database.DB())
	descriptorDB := db.NewParserDescriptorDB(database.DB())
	auditDB := db.NewAuditEventDB(database.DB())
	retentionDB := db.NewRetentionPolicyDB(database.DB())

	if err := seedParserDescriptors(registry, descriptorDB); err != nil {
		log.Fatal().Err(err).Msg("failed to seed parser descriptors")
	}
	if err := seedRetentionPolicies(getEnv("RETENTION_SEED_FILE", "config/retention.yaml"), retentionDB); err != nil {
		log.Fatal().Err(err).Msg("failed to seed retention policies")
	}

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatal().Msg("JWT_SECRET environment variable must be set")
	}
	if len(jwtSecret) < 32 {
		log.Fatal().Msg("JWT_SECRET must be at least 32 characters")
	}
	jwtManager := auth.NewJWTManager(&auth.JWTConfig{
		SecretKey:     jwtSecret,
		Issuer:        getEnv("JWT_ISSUER", "logship-core"),
		TokenDuration: 24 * time.Hour,
	})
	sessionCache := auth.NewSessionCache(redisCache)
	authMiddleware := middleware.NewAuthMiddleware(jwtManager, sessionCache, sessionDB, principalDB)

	offlineTable, err := geo.LoadOfflineTable(getEnv("GEO_OFFLINE_FILE", "config/geo_offline.csv"))
	if err != nil {
		log.Warn().Err(err).Msg("failed to load offline geo table, using an empty one")
		offlineTable = geo.NewEmptyOfflineTable()
	}
	geoResolver := geo.NewResolver(offlineTable, getEnv("GEO_REMOTE_URL", ""), getEnvInt("GEO_CACHE_SIZE", 1000))

	recorder := audit.NewRecorder(auditDB)
	coordinator := jobs.NewCoordinator(analysisDB, logFileDB, descriptorDB)

	workerCount := getEnvInt("PARSER_WORKER_CONCURRENCY", 0)
	scratchDir := getEnv("PARSER_SCRATCH_DIR", os.TempDir())
	pool := jobs.NewPool(analysisDB, resultDB, logFileDB, registry, store, scratchDir, workerCount)

	poolCtx, cancelPool := context.WithCancel(context.Background())
	defer cancelPool()
	go pool.Run(poolCtx)

	sweeper := retention.NewSweeper(logFileDB, retentionDB, principalDB, auditDB, store)
	sweepCtx, cancelSweep := context.WithCancel(context.Background())
	defer cancelSweep()
	cronScheduler, err := sweeper.Start(sweepCtx)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start retention sweeper")
	}
	defer cronScheduler.Stop()

	h := api.Handlers{
		Health:   handlers.NewHealthHandler(),
		Auth:     handlers.NewAuthHandler(principalDB, sessionDB, sessionCache, jwtManager, recorder, geoResolver),
		Modes:    handlers.NewModesHandler(descriptorDB),
		Upload:   handlers.NewUploadHandler(database, principalDB, logFileDB, coordinator, store, redisCache, recorder, geoResolver),
		Analyses: handlers.NewAnalysesHandler(analysisDB, resultDB, coordinator),
		Admin:    handlers.NewAdminHandler(principalDB, logFileDB, auditDB, retentionDB, recorder, store, geoResolver),
	}

	limiters := api.Limiters{}
	for class, w := range api.RateLimitWindows() {
		limiters[class] = middleware.NewSlidingWindowLimiter(redisCache, w.Limit, w.Window)
	}

	router := api.NewRouter(api.Config{
		RelaxedSecurityHeaders: getEnv("GIN_MODE", "release") != "release",
	}, h, authMiddleware, limiters, redisCache)

	port := getEnv("BIND_PORT", "8080")
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%s", getEnv("BIND_ADDR", ""), port),
		Handler:           router,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info().Str("signal", sig.String()).Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	cancelPool()
	cancelSweep()
	cronScheduler.Stop()
	log.Info().Msg("shutdown complete")
}

// buildObjectStore selects the object-store backend from OBJECT_STORE_BACKEND
// ("local" or "remote", default "local").
func buildObjectStore() (objectstore.Backend, error) {
	switch getEnv("OBJECT_STORE_BACKEND", "local") {
	case "remote":
		return objectstore.NewRemoteBackend(objectstore.RemoteConfig{
			Endpoint:  os.Getenv("OBJECT_STORE_ENDPOINT"),
			Region:    getEnv("OBJECT_STORE_REGION", "us-east-1"),
			Bucket:    os.Getenv("OBJECT_STORE_BUCKET"),
			AccessKey: os.Getenv("OBJECT_STORE_ACCESS_KEY"),
			SecretKey: os.Getenv("OBJECT_STORE_SECRET_KEY"),
		}), nil
	default:
		return objectstore.NewLocalBackend(getEnv("OBJECT_STORE_DIR", "./data/objects"))
	}
}

// seedParserDescriptors upserts every mode the registry file defines
// into parser_descriptors, so the admin-facing mode table reflects the
// deployed registry without a separate migration step.
func seedParserDescriptors(registry *parser.Registry, descriptorDB *db.ParserDescriptorDB) error {
	ctx := context.Background()
	for _, d := range registry.All() {
		model := d.ToModel()
		if err := descriptorDB.Upsert(ctx, &model); err != nil {
			return fmt.Errorf("seed mode %q: %w", d.ModeKey, err)
		}
	}
	return nil
}

type retentionSeedFile struct {
	Policies []models.RetentionPolicy `yaml:"policies"`
}

// seedRetentionPolicies upserts the bundled default policies so a fresh
// deployment has a resolvable global policy before any admin sets one.
func seedRetentionPolicies(path string, retentionDB *db.RetentionPolicyDB) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read retention seed file: %w", err)
	}
	var seed retentionSeedFile
	if err := yaml.Unmarshal(raw, &seed); err != nil {
		return fmt.Errorf("parse retention seed file: %w", err)
	}
	ctx := context.Background()
	for i := range seed.Policies {
		if err := retentionDB.Upsert(ctx, &seed.Policies[i]); err != nil {
			return fmt.Errorf("seed retention policy %q/%q: %w", seed.Policies[i].Scope, seed.Policies[i].ScopeID, err)
		}
	}
	return nil
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

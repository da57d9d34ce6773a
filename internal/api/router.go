// Package api wires together all HTTP routes for the sensorhub backend.
//
// Route grouping:
//   - Credential routes (/register, /login, /recover-password, /change-password)
//     are unauthenticated and sit behind the strict auth rate limiter.
//   - Reading routes (/sensor-readings and its legacy alias /dados-sensores)
//     require a bearer token and sit behind the general rate limiter.
//   - /health, /ready and /version are open and unthrottled.
package api

import (
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/sensorhub/sensorhub/internal/api/accounts"
	"github.com/sensorhub/sensorhub/internal/api/readings"
	"github.com/sensorhub/sensorhub/internal/auth"
	"github.com/sensorhub/sensorhub/internal/config"
	"github.com/sensorhub/sensorhub/internal/db/models"
	"github.com/sensorhub/sensorhub/internal/db/repositories"
	"github.com/sensorhub/sensorhub/internal/ingest"
	"github.com/sensorhub/sensorhub/internal/middleware"
	"github.com/sensorhub/sensorhub/internal/storage"

	// Import storage backends to register them
	_ "github.com/sensorhub/sensorhub/internal/storage/azure"
	_ "github.com/sensorhub/sensorhub/internal/storage/gcs"
	_ "github.com/sensorhub/sensorhub/internal/storage/local"
	_ "github.com/sensorhub/sensorhub/internal/storage/s3"
)

// Version is the server version reported by /version. Overridden at build
// time with -ldflags "-X github.com/sensorhub/sensorhub/internal/api.Version=...".
var Version = "0.1.0"

// readingRoutes are the mount points of the reading endpoints. The second is
// the path deployed sensor firmware still posts to.
var readingRoutes = []string{"/sensor-readings", "/dados-sensores"}

// BackgroundServices holds resources that must be released during graceful
// shutdown. The caller (cmd/server) is responsible for calling Shutdown()
// when the process receives a termination signal.
type BackgroundServices struct {
	rateLimiters []*middleware.RateLimiter
	redisClient  *redis.Client
	archive      storage.Storage
}

// Shutdown stops background goroutines and closes client connections. It
// should be called after the HTTP server has been shut down so that in-flight
// requests are drained first.
func (bg *BackgroundServices) Shutdown() {
	slog.Info("stopping background services")
	for _, rl := range bg.rateLimiters {
		rl.Stop()
	}
	if bg.redisClient != nil {
		if err := bg.redisClient.Close(); err != nil {
			slog.Warn("failed to close redis client", "error", err)
		}
	}
	if closer, ok := bg.archive.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			slog.Warn("failed to close archive storage", "error", err)
		}
	}
	slog.Info("all background services stopped")
}

// NewRouter creates and configures the Gin router
func NewRouter(cfg *config.Config, db *sql.DB) (*gin.Engine, *BackgroundServices, error) {
	bg := &BackgroundServices{}

	signingKey, err := auth.ResolveSigningKey(cfg.Auth.JWTSecret)
	if err != nil {
		return nil, nil, err
	}
	tokens := auth.NewTokenService(signingKey, cfg.Auth.TokenTTL)

	// Archive storage is optional; without it a purge simply deletes.
	var archive storage.Storage
	if cfg.Archive.Enabled {
		archive, err = storage.NewStorage(&cfg.Archive)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize archive storage: %w", err)
		}
		bg.archive = archive
		slog.Info("initialized archive storage", "backend", cfg.Archive.Backend)
	}

	// Initialize repositories
	dbx := sqlx.NewDb(db, "postgres")
	readingRepo := repositories.NewReadingRepository(dbx)

	var auditRecorder middleware.AuditRecorder
	if cfg.Audit.Enabled {
		auditRecorder = repositories.NewAuditRepository(dbx)
	}

	pipeline := ingest.NewPipeline(readingRepo, ingest.Options{
		MaxConcurrency: cfg.Ingest.MaxConcurrency,
		Transactional:  cfg.Ingest.Transactional,
		Archive:        archive,
		ArchiveBackend: cfg.Archive.Backend,
		ArchivePrefix:  cfg.Archive.Prefix,
	})

	accountHandlers := accounts.NewAccountHandlers(&cfg.Auth, db, tokens)
	readingHandlers := readings.NewReadingHandlers(&cfg.Ingest, pipeline)

	authLimit, generalLimit, err := newRateLimiters(cfg, bg)
	if err != nil {
		return nil, nil, err
	}

	router := gin.New()

	// Add middleware
	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(LoggerMiddleware(cfg))
	router.Use(CORSMiddleware(cfg))
	router.Use(middleware.SecurityHeadersMiddleware(middleware.APISecurityHeadersConfig(cfg.Security.TLS.Enabled)))

	// Health check endpoint
	router.GET("/health", healthCheckHandler(db))

	// Readiness check endpoint (includes archive storage probe)
	router.GET("/ready", readinessHandler(db, archive))

	// API version
	router.GET("/version", versionHandler())

	// Credential endpoints
	credentials := router.Group("/")
	credentials.Use(authLimit...)
	credentials.Use(middleware.AuditMiddleware(auditRecorder))
	{
		credentials.POST("/register", accountHandlers.RegisterHandler())
		credentials.POST("/login", accountHandlers.LoginHandler())
		credentials.POST("/recover-password", accountHandlers.RecoverPasswordHandler())
		credentials.POST("/change-password", accountHandlers.ChangePasswordHandler())
	}

	// Reading endpoints
	purgeChain := []gin.HandlerFunc{readingHandlers.PurgeHandler()}
	if cfg.Auth.RequireAdminForPurge {
		purgeChain = append([]gin.HandlerFunc{middleware.RequireRole(models.RoleAdmin)}, purgeChain...)
	}
	for _, base := range readingRoutes {
		group := router.Group(base)
		group.Use(generalLimit...)
		group.Use(middleware.AuthMiddleware(tokens))
		group.Use(middleware.AuditMiddleware(auditRecorder))
		{
			group.POST("", readingHandlers.IngestHandler())
			group.GET("", readingHandlers.ListHandler())
			group.DELETE("", purgeChain...)
		}
	}

	return router, bg, nil
}

// newRateLimiters returns the middleware for credential and reading routes.
// Both are empty when rate limiting is disabled.
func newRateLimiters(cfg *config.Config, bg *BackgroundServices) (authChain, generalChain []gin.HandlerFunc, err error) {
	rl := cfg.Security.RateLimiting
	if !rl.Enabled {
		slog.Warn("rate limiting is disabled")
		return nil, nil, nil
	}

	authCfg := middleware.AuthRateLimitConfig()
	if rl.AuthPerMinute > 0 {
		authCfg.RequestsPerMinute = rl.AuthPerMinute
	}
	if rl.AuthBurst > 0 {
		authCfg.BurstSize = rl.AuthBurst
	}
	generalCfg := middleware.DefaultRateLimitConfig()
	if rl.RequestsPerMinute > 0 {
		generalCfg.RequestsPerMinute = rl.RequestsPerMinute
	}
	if rl.Burst > 0 {
		generalCfg.BurstSize = rl.Burst
	}

	var authLimiter, generalLimiter middleware.Limiter
	switch rl.Backend {
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     rl.Redis.Addr,
			Password: rl.Redis.Password,
			DB:       rl.Redis.DB,
		})
		bg.redisClient = rdb
		authLimiter = middleware.NewRedisRateLimiter(rdb, authCfg, "sensorhub:rl:auth:")
		generalLimiter = middleware.NewRedisRateLimiter(rdb, generalCfg, "sensorhub:rl:api:")
	case "memory", "":
		a := middleware.NewRateLimiter(authCfg)
		g := middleware.NewRateLimiter(generalCfg)
		bg.rateLimiters = append(bg.rateLimiters, a, g)
		authLimiter, generalLimiter = a, g
	default:
		return nil, nil, fmt.Errorf("unknown rate limiting backend: %s", rl.Backend)
	}

	slog.Info("rate limiting enabled",
		"backend", rl.Backend,
		"auth_per_minute", authCfg.RequestsPerMinute,
		"general_per_minute", generalCfg.RequestsPerMinute)
	return []gin.HandlerFunc{middleware.RateLimitMiddleware(authLimiter)},
		[]gin.HandlerFunc{middleware.RateLimitMiddleware(generalLimiter)},
		nil
}

// healthCheckHandler returns the health status of the service
func healthCheckHandler(db *sql.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check database connection
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  "database connection failed",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// readinessHandler returns the readiness status of the service.
// Unlike the liveness probe (/health), this also checks the archive backend so
// a readiness gate fails when a purge could not archive. A nil archive is
// reported as disabled.
func readinessHandler(db *sql.DB, archive storage.Storage) gin.HandlerFunc {
	return func(c *gin.Context) {
		checks := gin.H{}

		if err := db.PingContext(c.Request.Context()); err != nil {
			checks["database"] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"checks": checks,
				"error":  "database not ready",
			})
			return
		}
		checks["database"] = "healthy"

		if archive == nil {
			checks["archive"] = "disabled"
		} else if _, err := archive.Exists(c.Request.Context(), ".readiness-probe"); err != nil {
			// A known-absent path exercises credentials and connectivity
			// without creating anything.
			checks["archive"] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"checks": checks,
				"error":  "archive storage not ready",
			})
			return
		} else {
			checks["archive"] = "healthy"
		}

		c.JSON(http.StatusOK, gin.H{
			"ready":  true,
			"checks": checks,
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// versionHandler returns the API version
func versionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":     Version,
			"api_version": "v1",
		})
	}
}

// LoggerMiddleware emits one structured record per request. The output
// format follows the handler installed by telemetry.SetupLogger.
func LoggerMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		level := slog.LevelInfo
		if c.Writer.Status() >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		requestID, _ := c.Get(middleware.RequestIDKey)
		slog.LogAttrs(
			c.Request.Context(),
			level,
			"http request",
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.String("query", query),
			slog.Int("status", c.Writer.Status()),
			slog.Int("size", c.Writer.Size()),
			slog.Duration("latency", time.Since(start)),
			slog.String("ip", c.ClientIP()),
			slog.String("request_id", fmt.Sprintf("%v", requestID)),
			slog.String("user_agent", c.Request.UserAgent()),
		)
	}
}

// CORSMiddleware handles CORS
func CORSMiddleware(cfg *config.Config) gin.HandlerFunc {
	methods := strings.Join(cfg.Security.CORS.AllowedMethods, ", ")
	if methods == "" {
		methods = "GET, POST, DELETE, OPTIONS"
	}

	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		// Check if origin is allowed
		allowed := false
		for _, allowedOrigin := range cfg.Security.CORS.AllowedOrigins {
			if allowedOrigin == "*" || allowedOrigin == origin {
				allowed = true
				break
			}
		}

		if allowed {
			if origin == "" {
				c.Header("Access-Control-Allow-Origin", "*")
			} else {
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Vary", "Origin")
			}
			c.Header("Access-Control-Allow-Methods", methods)
			c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, "+middleware.RequestIDHeader)
			c.Header("Access-Control-Max-Age", "3600")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

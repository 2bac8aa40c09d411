package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"sparlo-backend/internal/reports"
	"sparlo-backend/internal/shared/config"
	"sparlo-backend/internal/shared/metrics"
	"sparlo-backend/internal/shared/server/middleware"
	"sparlo-backend/internal/shared/server/respond"
	"sparlo-backend/internal/usage"
)

// RouterDeps carries the handlers the router mounts.
type RouterDeps struct {
	Config         config.Config
	ReportsHandler *reports.Handler
	UsageHandler   *usage.Handler
}

// NewRouter constructs the Gin engine with middleware and routes registered.
func NewRouter(deps RouterDeps) *gin.Engine {
	cfg := deps.Config

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	r.Use(
		middleware.RequestID(),
		middleware.Logging(),
		middleware.Recovery(),
		middleware.CORS(cfg.CORSAllowOrigin),
	)

	r.GET("/health", func(c *gin.Context) {
		respond.OK(c, gin.H{"ok": true})
	})
	r.GET("/metrics", metrics.Handler())

	api := r.Group("/api/v1")
	api.Use(
		middleware.Auth(cfg.Env, cfg.APIKey),
		middleware.RateLimit(middleware.RateLimitConfig{
			GroupFor: func(c *gin.Context) string {
				// Status polling runs on a short interval while a report is
				// in flight; give it more headroom than mutations.
				if c.Request.Method == http.MethodGet && c.FullPath() == "/api/v1/reports/:id" {
					return "POLLING"
				}
				return "DEFAULT"
			},
			Rules: map[string]middleware.RateLimitRule{
				"DEFAULT": {Rate: 5, Burst: 20},
				"POLLING": {Rate: 10, Burst: 30},
			},
		}),
	)

	if deps.ReportsHandler != nil {
		deps.ReportsHandler.RegisterRoutes(api)
	}
	if deps.UsageHandler != nil {
		deps.UsageHandler.RegisterRoutes(api)
	}
	if cfg.Env == "dev" {
		dev := api.Group("/dev")
		if deps.UsageHandler != nil {
			deps.UsageHandler.RegisterDevRoutes(dev)
		}
	}

	// Benchmark surface: same handlers under a fixed account, guarded by its
	// own key so harnesses never touch user auth.
	if cfg.BenchmarkAPIKey != "" && deps.ReportsHandler != nil {
		bench := r.Group("/api/benchmark")
		bench.Use(middleware.BenchmarkAuth(cfg.BenchmarkAPIKey))
		deps.ReportsHandler.RegisterBenchmarkRoutes(bench)
	}

	return r
}

// Addr normalizes the listen address.
func Addr(port string) string {
	if port == "" {
		return ":8080"
	}
	if port[0] == ':' {
		return port
	}
	return ":" + port
}

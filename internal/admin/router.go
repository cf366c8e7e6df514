// Package admin serves the local operator surface: health, readiness, status
// snapshots, the asset catalogue, and Prometheus metrics.
package admin

import (
	"net/http"
	"time"

	"github.com/danmuck/clearctl/internal/auth"
	"github.com/danmuck/clearctl/internal/client"
	"github.com/danmuck/clearctl/internal/observability"
	"github.com/danmuck/clearctl/internal/protocol/rpc"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const version = "0.1.0"

// Source is the read-only view of a client the admin surface reports on.
type Source interface {
	Ready() bool
	Status() client.Status
	Assets() []rpc.Asset
}

type RouterConfig struct {
	CorsOrigins []string
	// Auth guards every route except /health. Nil leaves them open.
	Auth   auth.Validator
	Logger zerolog.Logger
}

func NewRouter(src Source, cfg RouterConfig) *gin.Engine {
	observability.RegisterMetrics()
	started := time.Now()

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestID())
	r.Use(observability.RequestLogger(cfg.Logger))
	r.Use(observability.RequestMetricsMiddleware())
	r.Use(cors.New(cors.Config{
		AllowOrigins:  normalizeOrigins(cfg.CorsOrigins),
		AllowMethods:  []string{"GET"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", observability.RequestIDHeader},
		ExposeHeaders: []string{observability.RequestIDHeader},
		MaxAge:        12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"uptime":    time.Since(started).String(),
			"component": "clearctl",
			"version":   version,
		})
	})

	guarded := r.Group("/")
	if cfg.Auth != nil {
		guarded.Use(requireAuth(cfg.Auth))
	}

	guarded.GET("/ready", func(c *gin.Context) {
		status := http.StatusOK
		ready := src.Ready()
		if !ready {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready":  ready,
			"uptime": time.Since(started).String(),
		})
	})

	guarded.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, src.Status())
	})

	guarded.GET("/assets", func(c *gin.Context) {
		assets := src.Assets()
		if assets == nil {
			assets = []rpc.Asset{}
		}
		c.JSON(http.StatusOK, gin.H{"assets": assets})
	})

	guarded.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return r
}

func requireAuth(v auth.Validator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := v.Validate(c.GetHeader("Authorization")); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Next()
	}
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}

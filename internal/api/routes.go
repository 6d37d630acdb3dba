package api

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/tracevault/promptguard-engine/internal/config"
)

// SetupRouter assembles the HTTP surface. Completion and scan routes sit
// behind auth plus rate limiting; admin routes behind auth only, so SOC
// tooling is never throttled out during an incident.
func SetupRouter(h *APIHandler, cfg *config.Config, auth *Authenticator, limiter *RateLimiter) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger())
	r.Use(corsMiddleware(cfg.AllowedOrigins))

	// Public: liveness, Prometheus scrape, alert stream. The alert socket
	// carries no prompt text so it stays open for dashboards.
	r.GET("/health", h.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/ws/alerts", h.Hub.Subscribe)

	v1 := r.Group("/v1")
	v1.Use(auth.Middleware(), limiter.Middleware())
	{
		v1.POST("/chat/completions", h.handleChatCompletions)
		v1.POST("/messages", h.handleMessages)
	}

	scan := r.Group("/scan")
	scan.Use(auth.Middleware(), limiter.Middleware())
	{
		scan.POST("/input", h.handleScanInput)
		scan.POST("/output", h.handleScanOutput)
	}

	admin := r.Group("/admin")
	admin.Use(auth.Middleware())
	{
		admin.GET("/stats", h.handleStats)
		admin.GET("/usage", h.handleUsage)
		admin.GET("/alerts", h.handleAlerts)
		admin.GET("/sessions", h.handleSessions)
		admin.POST("/sessions/:id/close", h.handleCloseSession)
		admin.GET("/policy", h.handleGetPolicy)
		admin.PUT("/policy", h.handleSetPolicy)
		admin.GET("/provenance/:session", h.handleProvenanceRecords)
		admin.POST("/provenance/:session/verify", h.handleProvenanceVerify)
		admin.GET("/provenance/:session/export", h.handleProvenanceExport)
		admin.GET("/shadow", h.handleShadowReport)
	}

	return r
}

// corsMiddleware mirrors origins from the allow list. An empty list or "*"
// opens the surface for development.
func corsMiddleware(allowed []string) gin.HandlerFunc {
	openAccess := len(allowed) == 0 || (len(allowed) == 1 && allowed[0] == "*")
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if openAccess {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else {
			for _, a := range allowed {
				if strings.TrimSpace(a) == origin {
					c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, X-API-Key, X-Gateway-No-Cache, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}

// requestLogger emits one structured line per request. Prompt bodies are
// never logged; only routing metadata is.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		c.Next()

		if path == "/metrics" || path == "/health" {
			return
		}
		entry := logrus.WithFields(logrus.Fields{
			"method":    c.Request.Method,
			"path":      path,
			"status":    c.Writer.Status(),
			"latencyMs": time.Since(start).Milliseconds(),
			"clientIp":  c.ClientIP(),
		})
		if rid := c.Writer.Header().Get("X-Gateway-Request-Id"); rid != "" {
			entry = entry.WithField("requestId", rid)
		}
		switch {
		case c.Writer.Status() >= 500:
			entry.Error("[API] Request failed")
		case c.Writer.Status() >= 400:
			entry.Warn("[API] Request rejected")
		default:
			entry.Info("[API] Request served")
		}
	}
}

package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"anthraxy/internal/metrics"
	"anthraxy/internal/store"
)

// RegisterRoutes mounts the transparent proxy surface. Unlike the
// teacher's dual OpenAI/Anthropic-format gateway, this proxy exposes
// only the Anthropic-native endpoint (spec §2: "transparent ... reverse
// proxy"), plus an unauthenticated health check for orchestration, a
// /metrics scrape endpoint when enabled, the /token-stats per-domain
// counters, and the OPTIONS /v1/messages CORS preflight.
func RegisterRoutes(router *gin.Engine, clientAuth gin.HandlerFunc, messages *MessagesHandler, st *store.Store, m *metrics.Metrics, metricsPath string) {
	router.GET("/health", func(c *gin.Context) {
		ctx := c.Request.Context()
		if err := st.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	if m != nil {
		if metricsPath == "" {
			metricsPath = "/metrics"
		}
		router.GET(metricsPath, m.Handler())
	}

	router.GET("/token-stats", func(c *gin.Context) {
		stats, err := st.DomainTokenStats(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"domains": stats})
	})

	// CORS preflight never carries credentials, so it is mounted outside
	// clientAuth rather than inside the /v1 group.
	router.OPTIONS("/v1/messages", corsPreflight)

	v1 := router.Group("/v1")
	v1.Use(clientAuth)
	{
		v1.POST("/messages", messages.Handle)
	}
}

// corsPreflight answers spec §6's OPTIONS /v1/messages contract: a bare
// 204 with permissive CORS headers, no auth required.
func corsPreflight(c *gin.Context) {
	c.Header("Access-Control-Allow-Origin", "*")
	c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
	c.Header("Access-Control-Max-Age", "86400")
	c.Status(http.StatusNoContent)
}

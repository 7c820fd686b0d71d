// Package controlapi exposes the controller's operational HTTP surface.
//
// Ownership boundary:
// - status/stop/events routes consumed by the CLI
//
// - health, readiness, and metrics endpoints
package controlapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/reefline/coralctl/internal/coral"
	"github.com/reefline/coralctl/internal/journal"
	"github.com/reefline/coralctl/internal/observability"
	"github.com/reefline/coralctl/internal/supervisor"
)

// AgentStatus pairs an instance snapshot with its registration view.
type AgentStatus struct {
	Instance     supervisor.Snapshot         `json:"instance"`
	Registration *coral.RegistrationSnapshot `json:"registration,omitempty"`
}

// Source is the controller surface the API reads from and acts on.
type Source interface {
	AgentStatuses() []AgentStatus
	AgentStatus(agentID string) (AgentStatus, bool)
	StopAgent(ctx context.Context, agentID string) error
	Events(agentID string, limit int) ([]journal.Event, error)
}

var startedAt = time.Now()

// NewRouter builds the control API router.
func NewRouter(name string, corsOrigins []string, src Source) *gin.Engine {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(name))
	if len(corsOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins: corsOrigins,
			AllowMethods: []string{"GET", "POST"},
			AllowHeaders: []string{"Origin", "Content-Type"},
			MaxAge:       12 * time.Hour,
		}))
	}
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"uptime":    time.Since(startedAt).String(),
			"component": "coralctl",
		})
	})

	r.GET("/ready", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"ready":  true,
			"uptime": time.Since(startedAt).String(),
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/agents", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"agents": src.AgentStatuses(),
		})
	})

	r.GET("/agents/:agent", func(c *gin.Context) {
		status, ok := src.AgentStatus(c.Param("agent"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
			return
		}
		c.JSON(http.StatusOK, status)
	})

	r.POST("/agents/:agent/stop", func(c *gin.Context) {
		agentID := c.Param("agent")
		if err := src.StopAgent(c.Request.Context(), agentID); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"stopped": agentID})
	})

	r.GET("/events", func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		events, err := src.Events(c.Query("agent"), limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"events": events})
	})

	return r
}

package http

import (
	"net/http"
	"time"

	"deskrelay/internal/core/services"
	"deskrelay/internal/infrastructure/monitoring"

	"github.com/gin-gonic/gin"
)

// PeerCounter reports connected relay peers.
type PeerCounter interface {
	PeerCount() int
}

type HealthHandler struct {
	registry *services.SessionRegistry
	broker   *services.ConnectionBroker
	checker  *monitoring.HealthChecker
	relay    PeerCounter
	started  time.Time
}

func NewHealthHandler(registry *services.SessionRegistry, broker *services.ConnectionBroker, checker *monitoring.HealthChecker, relay PeerCounter) *HealthHandler {
	return &HealthHandler{
		registry: registry,
		broker:   broker,
		checker:  checker,
		relay:    relay,
		started:  time.Now(),
	}
}

func (h *HealthHandler) SetupRoutes(router gin.IRouter) {
	router.GET("/health", h.Health)
	router.GET("/ready", h.Ready)
}

// Health is liveness plus counts. It never touches sessions.
func (h *HealthHandler) Health(c *gin.Context) {
	body := gin.H{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
		"timestamp":      time.Now().Unix(),
	}

	if n, err := h.registry.Count(c.Request.Context()); err == nil {
		body["sessions"] = n
	} else {
		body["status"] = "degraded"
		body["sessions_error"] = err.Error()
	}
	stats := h.broker.Stats()
	body["pending"] = stats.Pending
	body["streaming"] = stats.Streaming
	if h.relay != nil {
		body["relay_peers"] = h.relay.PeerCount()
	}

	c.JSON(http.StatusOK, body)
}

func (h *HealthHandler) Ready(c *gin.Context) {
	status := h.checker.CheckAll(c.Request.Context())
	code := http.StatusOK
	if status.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}

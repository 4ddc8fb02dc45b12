package http

import (
	"fmt"
	"net/http"

	"deskrelay/internal/core/domain"
	"deskrelay/internal/core/ports"
	"deskrelay/internal/core/services"
	"deskrelay/internal/infrastructure/middleware"
	apperrors "deskrelay/pkg/errors"
	"deskrelay/pkg/utils"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const maxReasonLen = 128

// ConnectionHandler is the polling surface of the connection broker, for
// peers without a relay socket.
type ConnectionHandler struct {
	broker      *services.ConnectionBroker
	auth        *services.HostAuthService
	requireHost bool
	logger      *zap.SugaredLogger
}

func NewConnectionHandler(broker *services.ConnectionBroker, auth *services.HostAuthService, requireHost bool, logger *zap.SugaredLogger) *ConnectionHandler {
	return &ConnectionHandler{
		broker:      broker,
		auth:        auth,
		requireHost: requireHost,
		logger:      logger,
	}
}

func (h *ConnectionHandler) SetupRoutes(router gin.IRouter, hostOnly gin.HandlerFunc) {
	router.POST("/session/:code/connect", h.Connect)
	router.GET("/session/:code/requests", hostOnly, h.PendingRequests)
	router.POST("/connection/:id/decision", h.Decide)
	router.GET("/connection/:id", h.Get)
	router.POST("/connection/:id/terminate", h.Terminate)
}

func (h *ConnectionHandler) Connect(c *gin.Context) {
	var req struct {
		ViewerID     string `json:"viewer_id" binding:"required"`
		ViewerName   string `json:"viewer_name"`
		PasswordHash string `json:"password_hash"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.NewInvalidInputError(fmt.Sprintf("invalid request body: %v", err)))
		return
	}

	conn, err := h.broker.Request(c.Request.Context(), ports.ConnectRequest{
		Code:         domain.SessionCode(c.Param("code")),
		ViewerID:     req.ViewerID,
		ViewerName:   req.ViewerName,
		PasswordHash: req.PasswordHash,
	})
	if err != nil {
		_ = c.Error(toAppError(err))
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"connection_id": conn.ID,
		"state":         conn.State,
	})
}

func (h *ConnectionHandler) PendingRequests(c *gin.Context) {
	pending := h.broker.Pending(c.Request.Context(), domain.SessionCode(c.Param("code")))
	if pending == nil {
		pending = []domain.PendingConnection{}
	}
	c.JSON(http.StatusOK, gin.H{"requests": pending})
}

func (h *ConnectionHandler) Decide(c *gin.Context) {
	var req struct {
		Approved *bool `json:"approved" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.NewInvalidInputError("approved is required"))
		return
	}
	id := domain.ConnectionID(c.Param("id"))

	conn, err := h.broker.Get(c.Request.Context(), id)
	if err != nil {
		// Finished records answer stale, unknown ones not found.
		if outcome, ok := h.broker.Outcome(id); ok {
			err = fmt.Errorf("%w: %s", domain.ErrStaleRequest, outcome)
		}
		_ = c.Error(toAppError(err))
		return
	}
	if appErr := middleware.AuthorizeHost(c, h.auth, h.requireHost, conn.SessionCode); appErr != nil {
		_ = c.Error(appErr)
		return
	}

	decided, err := h.broker.Decide(c.Request.Context(), id, *req.Approved)
	if err != nil {
		_ = c.Error(toAppError(err))
		return
	}
	c.JSON(http.StatusOK, decided)
}

func (h *ConnectionHandler) Get(c *gin.Context) {
	id := domain.ConnectionID(c.Param("id"))
	conn, err := h.broker.Get(c.Request.Context(), id)
	if err == nil {
		c.JSON(http.StatusOK, conn)
		return
	}

	// A finished connection is gone, but pollers still learn how it ended.
	if outcome, ok := h.broker.Outcome(id); ok {
		c.JSON(http.StatusNotFound, gin.H{
			"error":         string(apperrors.ErrCodeNotFound),
			"message":       "connection not found",
			"connection_id": id,
			"outcome":       outcome,
		})
		return
	}
	_ = c.Error(toAppError(err))
}

func (h *ConnectionHandler) Terminate(c *gin.Context) {
	var req struct {
		ViewerID string `json:"viewer_id"`
		Reason   string `json:"reason"`
	}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			_ = c.Error(apperrors.NewInvalidInputError(fmt.Sprintf("invalid request body: %v", err)))
			return
		}
	}
	id := domain.ConnectionID(c.Param("id"))

	conn, err := h.broker.Get(c.Request.Context(), id)
	if err != nil {
		_ = c.Error(toAppError(err))
		return
	}

	reason := services.ReasonViewerLeft
	if req.ViewerID == "" || req.ViewerID != conn.ViewerID {
		if appErr := middleware.AuthorizeHost(c, h.auth, h.requireHost, conn.SessionCode); appErr != nil {
			_ = c.Error(appErr)
			return
		}
		reason = services.ReasonHostStopped
	}
	if r := utils.TruncateString(utils.SanitizeString(req.Reason), maxReasonLen); r != "" {
		reason = r
	}

	if err := h.broker.Terminate(c.Request.Context(), id, reason); err != nil {
		_ = c.Error(toAppError(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

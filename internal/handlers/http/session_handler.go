package http

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"

	"deskrelay/internal/core/domain"
	"deskrelay/internal/core/ports"
	"deskrelay/internal/core/services"
	apperrors "deskrelay/pkg/errors"
	"deskrelay/pkg/utils"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// SessionHandler serves the session directory.
type SessionHandler struct {
	registry  *services.SessionRegistry
	gate      *services.PasswordGate
	auth      *services.HostAuthService
	snapshots *services.SnapshotStore
	logger    *zap.SugaredLogger
}

func NewSessionHandler(
	registry *services.SessionRegistry,
	auth *services.HostAuthService,
	snapshots *services.SnapshotStore,
	logger *zap.SugaredLogger,
) *SessionHandler {
	return &SessionHandler{
		registry:  registry,
		gate:      services.NewPasswordGate(registry),
		auth:      auth,
		snapshots: snapshots,
		logger:    logger,
	}
}

// SetupRoutes mounts the directory. hostOnly guards routes only the
// session's host may call.
func (h *SessionHandler) SetupRoutes(router gin.IRouter, hostOnly gin.HandlerFunc) {
	router.POST("/session", h.Register)
	router.GET("/session/:code", h.Lookup)
	router.GET("/sessions", h.List)
	router.DELETE("/session/:code", hostOnly, h.Unregister)
	router.POST("/session/:code/ping", hostOnly, h.Ping)
	router.POST("/verify_password", h.VerifyPassword)
	router.PUT("/session/:code/snapshot", hostOnly, h.PutSnapshot)
	router.GET("/session/:code/snapshot", h.GetSnapshot)
}

type registerRequest struct {
	Code         string `json:"code"`
	SessionCode  string `json:"session_code"`
	Endpoint     string `json:"endpoint"`
	HostName     string `json:"host_name"`
	HostIP       string `json:"host_ip"`
	Port         int    `json:"port"`
	PasswordHash string `json:"password_hash"`
	MaxViewers   int    `json:"max_viewers"`
}

// endpoint accepts the three spellings hosts have used: endpoint,
// host_name, or host_ip plus port.
func (r registerRequest) endpoint() string {
	switch {
	case r.Endpoint != "":
		return r.Endpoint
	case r.HostName != "":
		if r.Port > 0 {
			if _, _, err := net.SplitHostPort(r.HostName); err != nil {
				return net.JoinHostPort(r.HostName, strconv.Itoa(r.Port))
			}
		}
		return r.HostName
	case r.HostIP != "" && r.Port > 0:
		return net.JoinHostPort(r.HostIP, strconv.Itoa(r.Port))
	default:
		return ""
	}
}

func (h *SessionHandler) Register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.NewInvalidInputError(fmt.Sprintf("invalid request body: %v", err)))
		return
	}
	code := req.Code
	if code == "" {
		code = req.SessionCode
	}
	endpoint := req.endpoint()
	if endpoint == "" {
		_ = c.Error(apperrors.NewInvalidInputError("endpoint, host_name or host_ip and port are required"))
		return
	}

	// A host that names no code gets a generated one, re-rolled on collision.
	generated := code == ""
	var session *domain.Session
	var err error
	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		if generated {
			code = newSessionCode()
			if h.registry.Contains(c.Request.Context(), domain.SessionCode(code)) {
				err = fmt.Errorf("%w: %s", domain.ErrSessionExists, code)
				continue
			}
		}
		session, err = h.registry.Register(c.Request.Context(), ports.RegisterRequest{
			Code:         domain.SessionCode(code),
			Endpoint:     endpoint,
			PasswordHash: req.PasswordHash,
			MaxViewers:   req.MaxViewers,
		})
		if !generated || !domain.IsConflict(err) {
			break
		}
	}
	if err != nil {
		_ = c.Error(toAppError(err))
		return
	}

	token, err := h.auth.IssueHostToken(session.Code)
	if err != nil {
		_ = c.Error(toAppError(err))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"message":    "Session registered",
		"code":       session.Code,
		"host_token": token,
	})
}

func (h *SessionHandler) Lookup(c *gin.Context) {
	session, err := h.registry.Lookup(c.Request.Context(), domain.SessionCode(c.Param("code")))
	if err != nil {
		_ = c.Error(toAppError(err))
		return
	}

	body := gin.H{
		"success":      true,
		"code":         session.Code,
		"endpoint":     session.Endpoint,
		"has_password": session.HasPassword(),
		"max_viewers":  session.MaxViewers,
		"created_at":   session.CreatedAt,
	}
	if host, port, err := net.SplitHostPort(session.Endpoint); err == nil {
		body["host_ip"] = host
		if p, err := strconv.Atoi(port); err == nil {
			body["port"] = p
		}
	}
	c.JSON(http.StatusOK, body)
}

func (h *SessionHandler) List(c *gin.Context) {
	views, err := h.registry.List(c.Request.Context())
	if err != nil {
		_ = c.Error(toAppError(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"sessions": views,
		"count":    len(views),
	})
}

func (h *SessionHandler) Unregister(c *gin.Context) {
	code := domain.SessionCode(c.Param("code"))
	if err := h.registry.Unregister(c.Request.Context(), code); err != nil {
		_ = c.Error(toAppError(err))
		return
	}
	h.snapshots.Delete(code)
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Session deleted"})
}

func (h *SessionHandler) Ping(c *gin.Context) {
	if err := h.registry.Heartbeat(c.Request.Context(), domain.SessionCode(c.Param("code"))); err != nil {
		_ = c.Error(toAppError(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *SessionHandler) VerifyPassword(c *gin.Context) {
	var req struct {
		Code         string `json:"code"`
		SessionCode  string `json:"session_code"`
		PasswordHash string `json:"password_hash"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.NewInvalidInputError(fmt.Sprintf("invalid request body: %v", err)))
		return
	}
	code := req.Code
	if code == "" {
		code = req.SessionCode
	}
	if code == "" {
		_ = c.Error(apperrors.NewInvalidInputError("code is required"))
		return
	}

	ok, err := h.gate.Verify(c.Request.Context(), domain.SessionCode(code), req.PasswordHash)
	if err != nil {
		_ = c.Error(toAppError(err))
		return
	}
	if !ok {
		h.logger.Infow("password verification failed", "code", domain.SessionCode(code).Normalize(), "client_ip", c.ClientIP())
	}
	c.JSON(http.StatusOK, gin.H{"success": ok})
}

func (h *SessionHandler) PutSnapshot(c *gin.Context) {
	code := domain.SessionCode(c.Param("code"))
	if !h.registry.Contains(c.Request.Context(), code) {
		_ = c.Error(apperrors.NewNotFoundError("session"))
		return
	}

	body := c.Request.Body
	if limit := h.snapshots.MaxSize(); limit > 0 {
		body = http.MaxBytesReader(c.Writer, body, limit)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			_ = c.Error(toAppError(domain.ErrSnapshotTooLarge))
			return
		}
		_ = c.Error(apperrors.NewInvalidInputError("failed to read snapshot"))
		return
	}
	if len(data) == 0 {
		_ = c.Error(apperrors.NewInvalidInputError("snapshot body is empty"))
		return
	}

	contentType := c.ContentType()
	if !strings.HasPrefix(contentType, "image/") {
		contentType = ""
	}
	if err := h.snapshots.Put(code, data, contentType); err != nil {
		_ = c.Error(toAppError(err))
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *SessionHandler) GetSnapshot(c *gin.Context) {
	code := domain.SessionCode(c.Param("code"))
	snap, ok := h.snapshots.Get(code)
	if !ok {
		_ = c.Error(apperrors.NewNotFoundError("snapshot"))
		return
	}
	c.Header("Last-Modified", snap.TakenAt.UTC().Format(http.TimeFormat))
	c.Data(http.StatusOK, snap.ContentType, snap.Data)
}

const maxCodeAttempts = 5

var newSessionCode = utils.GenerateSessionCode

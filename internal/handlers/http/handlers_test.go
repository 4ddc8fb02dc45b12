package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"deskrelay/internal/core/domain"
	"deskrelay/internal/core/services"
	"deskrelay/internal/infrastructure/middleware"
	"deskrelay/internal/infrastructure/repositories/memory"
	"deskrelay/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type testAPI struct {
	router *gin.Engine
	auth   *services.HostAuthService
	broker *services.ConnectionBroker
}

func newTestAPI(t *testing.T, unique bool) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zaptest.NewLogger(t).Sugar()

	registry := services.NewSessionRegistry(memory.NewMemorySessionRepository(), services.RegistryConfig{
		ExpiryAfter:   10 * time.Minute,
		SweepInterval: 30 * time.Second,
		EnforceUnique: unique,
	}, logger)
	broker := services.NewConnectionBroker(registry, services.BrokerConfig{
		PendingTimeout: 2 * time.Minute,
		SweepInterval:  time.Second,
		TombstoneTTL:   10 * time.Minute,
	}, logger)
	auth := services.NewHostAuthService("handler-secret", time.Hour)
	snapshots := services.NewSnapshotStore(time.Minute, 1<<20)
	t.Cleanup(snapshots.Close)

	router := gin.New()
	router.Use(middleware.ErrorHandlerMiddleware(logger))
	hostOnly := middleware.HostTokenMiddleware(auth, true)
	NewSessionHandler(registry, auth, snapshots, logger).SetupRoutes(router, hostOnly)
	NewConnectionHandler(broker, auth, true, logger).SetupRoutes(router, hostOnly)

	return &testAPI{router: router, auth: auth, broker: broker}
}

func (a *testAPI) do(t *testing.T, method, path, token string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)

	var out map[string]any
	if w.Body.Len() > 0 {
		_ = json.Unmarshal(w.Body.Bytes(), &out)
	}
	return w, out
}

func (a *testAPI) register(t *testing.T, body map[string]any) string {
	t.Helper()
	w, out := a.do(t, http.MethodPost, "/session", "", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	return out["host_token"].(string)
}

func TestSessionHandler_RegisterEndpointSpellings(t *testing.T) {
	api := newTestAPI(t, false)
	api.register(t, map[string]any{"session_code": "ABC123", "host_ip": "10.1.1.1", "port": 5000})

	w, out := api.do(t, http.MethodGet, "/session/abc123", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "10.1.1.1:5000", out["endpoint"])
	assert.Equal(t, "10.1.1.1", out["host_ip"])
	assert.EqualValues(t, 5000, out["port"])
	assert.Equal(t, false, out["has_password"])

	w, out = api.do(t, http.MethodPost, "/session", "", map[string]any{"code": "NOEND1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_INPUT", out["error"])

	w, _ = api.do(t, http.MethodPost, "/session", "", map[string]any{"code": "a!", "endpoint": "h:1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, out = api.do(t, http.MethodGet, "/session/NOPE99", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", out["error"])
}

func TestSessionHandler_GeneratedCodeRerollsOnCollision(t *testing.T) {
	api := newTestAPI(t, true)
	api.register(t, map[string]any{"code": "AAA111", "endpoint": "h:1"})

	codes := []string{"AAA111", "AAA111", "BBB222"}
	saved := newSessionCode
	newSessionCode = func() string {
		next := codes[0]
		codes = codes[1:]
		return next
	}
	defer func() { newSessionCode = saved }()

	w, out := api.do(t, http.MethodPost, "/session", "", map[string]any{"endpoint": "h:2"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "BBB222", out["code"])
}

func TestSessionHandler_GeneratedCodeSkipsLiveSession(t *testing.T) {
	api := newTestAPI(t, false)
	api.register(t, map[string]any{"code": "LIV111", "endpoint": "h:1"})
	_, out := api.do(t, http.MethodPost, "/session/LIV111/connect", "", map[string]any{"viewer_id": "v1"})
	id := out["connection_id"].(string)

	codes := []string{"LIV111", "NEW222"}
	saved := newSessionCode
	newSessionCode = func() string {
		next := codes[0]
		codes = codes[1:]
		return next
	}
	defer func() { newSessionCode = saved }()

	w, out := api.do(t, http.MethodPost, "/session", "", map[string]any{"endpoint": "h:2"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "NEW222", out["code"])

	w, out = api.do(t, http.MethodGet, "/session/LIV111", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "h:1", out["endpoint"], "the live host keeps its session")
	_, err := api.broker.Get(context.Background(), domain.ConnectionID(id))
	assert.NoError(t, err)
}

// countingReader serves n zero bytes and records how many were read.
type countingReader struct {
	remaining int
	read      int
}

func (r *countingReader) Read(p []byte) (int, error) {
	if r.remaining == 0 {
		return 0, io.EOF
	}
	n := min(len(p), r.remaining)
	clear(p[:n])
	r.remaining -= n
	r.read += n
	return n, nil
}

func TestSessionHandler_SnapshotBodyIsBounded(t *testing.T) {
	api := newTestAPI(t, false)
	token := api.register(t, map[string]any{"code": "SNP123", "endpoint": "h:1"})

	body := &countingReader{remaining: 8 << 20}
	req := httptest.NewRequest(http.MethodPut, "/session/SNP123/snapshot", body)
	req.Header.Set("Content-Type", "image/jpeg")
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	api.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "INVALID_INPUT")
	assert.LessOrEqual(t, body.read, 1<<20+1, "body must not be buffered past the limit")

	req = httptest.NewRequest(http.MethodPut, "/session/SNP123/snapshot", bytes.NewReader([]byte{0xff, 0xd8, 0xff}))
	req.Header.Set("Content-Type", "image/jpeg")
	req.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	api.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestSessionHandler_HostOnlyRoutes(t *testing.T) {
	api := newTestAPI(t, false)
	token := api.register(t, map[string]any{"code": "OWN123", "endpoint": "h:1"})
	other := api.register(t, map[string]any{"code": "OTH123", "endpoint": "h:2"})

	w, _ := api.do(t, http.MethodPost, "/session/OWN123/ping", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, out := api.do(t, http.MethodDelete, "/session/OWN123", other, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "FORBIDDEN", out["error"])

	w, _ = api.do(t, http.MethodPost, "/session/OWN123/ping", token, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = api.do(t, http.MethodDelete, "/session/OWN123", token, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w, _ = api.do(t, http.MethodDelete, "/session/OWN123", token, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSessionHandler_VerifyPassword(t *testing.T) {
	api := newTestAPI(t, false)
	hash := utils.HashPassword("secret")
	api.register(t, map[string]any{"code": "PWD123", "endpoint": "h:1", "password_hash": hash})

	_, out := api.do(t, http.MethodPost, "/verify_password", "", map[string]any{"code": "pwd123", "password_hash": hash})
	assert.Equal(t, true, out["success"])

	_, out = api.do(t, http.MethodPost, "/verify_password", "", map[string]any{"code": "PWD123", "password_hash": utils.HashPassword("guess")})
	assert.Equal(t, false, out["success"])

	w, _ := api.do(t, http.MethodPost, "/verify_password", "", map[string]any{"password_hash": hash})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestConnectionHandler_DecisionLifecycle(t *testing.T) {
	api := newTestAPI(t, false)
	hash := utils.HashPassword("pw")
	token := api.register(t, map[string]any{"code": "CON123", "endpoint": "h:1", "password_hash": hash})

	w, _ := api.do(t, http.MethodPost, "/session/CON123/connect", "", map[string]any{"password_hash": hash})
	assert.Equal(t, http.StatusBadRequest, w.Code, "viewer_id is required")

	w, out := api.do(t, http.MethodPost, "/session/CON123/connect", "", map[string]any{"viewer_id": "v1", "password_hash": utils.HashPassword("no")})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "UNAUTHORIZED", out["error"])

	w, out = api.do(t, http.MethodPost, "/session/CON123/connect", "", map[string]any{"viewer_id": "v1", "viewer_name": "Vee", "password_hash": hash})
	require.Equal(t, http.StatusAccepted, w.Code)
	id := out["connection_id"].(string)

	w, out = api.do(t, http.MethodGet, "/session/CON123/requests", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, out["requests"], 1)

	w, _ = api.do(t, http.MethodPost, "/connection/"+id+"/decision", token, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = api.do(t, http.MethodPost, "/connection/"+id+"/decision", "", map[string]any{"approved": false})
	assert.Equal(t, http.StatusUnauthorized, w.Code, "only the host decides")

	w, _ = api.do(t, http.MethodPost, "/connection/"+id+"/decision", token, map[string]any{"approved": false})
	require.Equal(t, http.StatusOK, w.Code)

	w, out = api.do(t, http.MethodGet, "/connection/"+id, "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, string(domain.OutcomeRejected), out["outcome"])

	w, out = api.do(t, http.MethodPost, "/connection/"+id+"/decision", token, map[string]any{"approved": true})
	assert.Equal(t, http.StatusGone, w.Code)
	assert.Equal(t, "STALE_REQUEST", out["error"])
}

func TestConnectionHandler_ViewerTerminatesWithoutToken(t *testing.T) {
	api := newTestAPI(t, false)
	token := api.register(t, map[string]any{"code": "TRM123", "endpoint": "h:1"})

	_, out := api.do(t, http.MethodPost, "/session/TRM123/connect", "", map[string]any{"viewer_id": "v9"})
	id := out["connection_id"].(string)
	w, _ := api.do(t, http.MethodPost, "/connection/"+id+"/decision", token, map[string]any{"approved": true})
	require.Equal(t, http.StatusOK, w.Code)

	w, _ = api.do(t, http.MethodPost, "/connection/"+id+"/terminate", "", map[string]any{"viewer_id": "someone-else"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, _ = api.do(t, http.MethodPost, "/connection/"+id+"/terminate", "", map[string]any{"viewer_id": "v9"})
	assert.Equal(t, http.StatusOK, w.Code)

	outcome, ok := api.broker.Outcome(domain.ConnectionID(id))
	assert.True(t, ok)
	assert.Equal(t, domain.OutcomeTerminated, outcome)
}

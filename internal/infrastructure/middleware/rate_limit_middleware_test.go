package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"deskrelay/pkg/config"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

func newLimitedRouter(cfg *config.Config) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(NewHTTPRateLimitMiddleware(cfg))
	router.GET("/test", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return router
}

func doGet(router http.Handler, remote string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/test", nil)
	req.RemoteAddr = remote
	router.ServeHTTP(w, req)
	return w
}

func TestHTTPRateLimitMiddleware_Disabled_AllowsRequests(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = false
	router := newLimitedRouter(cfg)

	for i := 0; i < 3; i++ {
		if w := doGet(router, "10.0.0.1:1234"); w.Code != http.StatusOK {
			t.Fatalf("request %d: expected status 200, got %d", i, w.Code)
		}
	}
}

func TestHTTPRateLimitMiddleware_Enabled_RateLimited(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.HTTP.RequestsPerSecond = 1
	cfg.RateLimiting.HTTP.Burst = 1
	cfg.RateLimiting.HTTP.MaxConcurrent = 0
	router := newLimitedRouter(cfg)

	if w := doGet(router, "10.0.0.1:1234"); w.Code != http.StatusOK {
		t.Fatalf("expected status 200 for first request, got %d", w.Code)
	}

	w := doGet(router, "10.0.0.1:1235")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected status 429 for second request, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}

	// A different client has its own bucket.
	if w := doGet(router, "10.0.0.2:1234"); w.Code != http.StatusOK {
		t.Fatalf("expected status 200 for other client, got %d", w.Code)
	}
}

func TestClientIP_ForwardedFor(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "127.0.0.1:9999"
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	if got := clientIP(req); got != "203.0.113.7" {
		t.Fatalf("expected forwarded client, got %q", got)
	}
}

func TestLimiterStore_PrunesIdle(t *testing.T) {
	store := NewLimiterStore(rate.Limit(1), 1)
	base := time.Now()
	store.now = func() time.Time { return base }
	store.Allow("old")

	store.now = func() time.Time { return base.Add(limiterIdleAfter + time.Second) }
	store.mu.Lock()
	store.pruneLocked(store.now())
	store.mu.Unlock()

	if store.Len() != 0 {
		t.Fatalf("expected idle limiter to be pruned, have %d", store.Len())
	}

	store.Allow("peer")
	store.Forget("peer")
	if store.Len() != 0 {
		t.Fatalf("expected forgotten limiter to be gone")
	}
}

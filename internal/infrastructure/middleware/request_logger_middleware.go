package middleware

import (
	"time"

	"deskrelay/pkg/logger"
	"deskrelay/pkg/utils"

	"github.com/gin-gonic/gin"
)

const RequestIDHeader = "X-Request-ID"

// RequestObserver receives request latency, e.g. a Prometheus histogram.
type RequestObserver interface {
	ObserveHTTPRequest(method, route string, status int, d time.Duration)
}

// RequestLoggerMiddleware tags the request context with a request id and
// session code, then logs and observes the finished request.
func RequestLoggerMiddleware(cl *logger.ContextLogger, observer RequestObserver) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = utils.GenerateRequestID()
		}
		c.Header(RequestIDHeader, requestID)

		ctx := logger.WithRequestID(c.Request.Context(), requestID)
		if code := c.Param("code"); code != "" {
			ctx = logger.WithSessionCode(ctx, code)
		}
		c.Request = c.Request.WithContext(ctx)

		start := time.Now()
		c.Next()
		elapsed := time.Since(start)

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		cl.LogRequest(c.Request.Context(), c.Request.Method, route, c.Writer.Status(), elapsed.Milliseconds())
		if observer != nil {
			observer.ObserveHTTPRequest(c.Request.Method, route, c.Writer.Status(), elapsed)
		}
	}
}

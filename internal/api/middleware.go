package api

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	requestKey = "request"
	logKey     = "log"
)

// BindJsonMiddleware binds the JSON body into T and stores it for GetBind.
func BindJsonMiddleware[T any](c *gin.Context) {
	var cr T
	if err := c.ShouldBindJSON(&cr); err != nil {
		FailWithMsg("invalid request body: "+err.Error(), c)
		c.Abort()
		return
	}
	c.Set(requestKey, cr)
}

// BindQueryMiddleware binds the query string into T.
func BindQueryMiddleware[T any](c *gin.Context) {
	var cr T
	if err := c.ShouldBindQuery(&cr); err != nil {
		FailWithMsg("invalid query: "+err.Error(), c)
		c.Abort()
		return
	}
	c.Set(requestKey, cr)
}

// BindUriMiddleware binds path parameters into T.
func BindUriMiddleware[T any](c *gin.Context) {
	var cr T
	if err := c.ShouldBindUri(&cr); err != nil {
		FailWithMsg("invalid path: "+err.Error(), c)
		c.Abort()
		return
	}
	c.Set(requestKey, cr)
}

// GetBind returns the request bound by one of the bind middlewares.
func GetBind[T any](c *gin.Context) T {
	return c.MustGet(requestKey).(T)
}

// LogMiddleware tags every request with an id, stores a request scoped
// logger for GetLog and logs the outcome.
func LogMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		id := uuid.NewString()
		c.Header("X-Request-ID", id)
		l := logger.With("request_id", id, "client_ip", c.ClientIP())
		c.Set(logKey, l)

		c.Next()

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", status,
			"duration", time.Since(start),
		}
		switch {
		case status >= 500:
			l.Error("request failed", append(attrs, "errors", c.Errors.String())...)
		case status >= 400:
			l.Warn("request rejected", attrs...)
		default:
			l.Debug("request served", attrs...)
		}
	}
}

// GetLog returns the request scoped logger.
func GetLog(c *gin.Context) *slog.Logger {
	if l, ok := c.Get(logKey); ok {
		return l.(*slog.Logger)
	}
	return slog.Default()
}

package logging

import (
	"context"
	"regexp"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RequestIDHeader carries the request identifier in and out of the service.
const RequestIDHeader = "X-Request-ID"

type contextKey string

const requestIDKey contextKey = "requestID"

// upstreamRequestID bounds what a caller may supply as X-Request-ID. The ID
// keys status records and log rows, so anything else is replaced.
var upstreamRequestID = regexp.MustCompile(`^[A-Za-z0-9-]{1,64}$`)

// ValidRequestID reports whether id is acceptable as a caller-supplied
// request identifier.
func ValidRequestID(id string) bool {
	return upstreamRequestID.MatchString(id)
}

// WithRequestID stores the request identifier on the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestID returns the request identifier stored on the context, if any.
func RequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if value, ok := ctx.Value(requestIDKey).(string); ok {
		return value
	}
	return ""
}

// RequestMiddleware propagates or assigns an X-Request-ID and logs every
// completed request.
func RequestMiddleware(logger *zap.Logger) gin.HandlerFunc {
	logger = logger.Named("http")
	return func(c *gin.Context) {
		requestID := c.GetHeader(RequestIDHeader)
		if !ValidRequestID(requestID) {
			if requestID != "" {
				logger.Debug("replacing invalid upstream request id", zap.Int("length", len(requestID)))
			}
			requestID = uuid.NewString()
		}
		c.Request = c.Request.WithContext(WithRequestID(c.Request.Context(), requestID))
		c.Header(RequestIDHeader, requestID)

		start := time.Now()
		c.Next()

		logger.Info("request completed",
			zap.String("request_id", requestID),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	}
}

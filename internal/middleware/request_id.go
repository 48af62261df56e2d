package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"dm-service/internal/telemetry"
)

const RequestIDKey = "request_id"

// RequestID reuses X-Request-ID when the caller sent one and echoes it back.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
			c.Request.Header.Set("X-Request-ID", id)
		}
		c.Set(RequestIDKey, id)
		c.Writer.Header().Set("X-Request-ID", id)
		c.Request = c.Request.WithContext(telemetry.WithRequestID(c.Request.Context(), id))
		c.Next()
	}
}

package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"dm-service/internal/telemetry"
)

// Auditor emits audit envelopes.
type Auditor interface {
	Emit(ctx context.Context, actorID int, payload telemetry.AuditPayload)
}

// RegisterDebugRoutes wires debug-only endpoints.
func RegisterDebugRoutes(router gin.IRoutes, emitter Auditor, enabled bool) {
	if !enabled {
		return
	}

	router.GET("/debug/audit-test", func(c *gin.Context) {
		if emitter == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit emitter not configured"})
			return
		}
		requestID := requestIDFromContext(c)
		emitter.Emit(c.Request.Context(), c.GetInt("userID"), telemetry.AuditPayload{
			Action: "debug.audit_test",
			Text:   "audit test",
		})
		c.JSON(http.StatusOK, gin.H{"status": "ok", "request_id": requestID})
	})
}

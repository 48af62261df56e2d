package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"dm-service/internal/models"
)

// PresenceSource exposes the current online set.
type PresenceSource interface {
	Snapshot() []models.PresenceEntry
}

// PresenceSnapshot lists online users with their last-seen times.
func PresenceSnapshot(src PresenceSource) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"presence": src.Snapshot()})
	}
}

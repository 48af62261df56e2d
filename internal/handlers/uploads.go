package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"dm-service/internal/uploads"
)

// UploadHandler issues direct-upload slots for attachments.
type UploadHandler struct {
	log    *slog.Logger
	issuer uploads.SlotIssuer
}

func NewUploadHandler(log *slog.Logger, issuer uploads.SlotIssuer) *UploadHandler {
	return &UploadHandler{log: log, issuer: issuer}
}

// RequestSlot returns a signed upload target for one file.
func (h *UploadHandler) RequestSlot(c *gin.Context) {
	var req struct {
		FileName string `json:"file_name" binding:"required"`
		MimeType string `json:"mime_type" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	slot, err := h.issuer.RequestUploadSlot(c.Request.Context(), req.FileName, req.MimeType)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, slot)
	case errors.Is(err, uploads.ErrUploadsDisabled):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	case errors.Is(err, uploads.ErrInvalidFile):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		h.log.Error("uploads.slot.fail", "user_id", c.GetInt("userID"), "err", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "could not issue upload slot"})
	}
}

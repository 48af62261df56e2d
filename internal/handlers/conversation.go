package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"dm-service/internal/models"
	"dm-service/internal/services"
)

// ConversationService is the service surface the REST handlers need.
type ConversationService interface {
	StartConversation(ctx context.Context, userID, peerID int) (models.Conversation, error)
	ListConversations(ctx context.Context, userID int) ([]models.ConversationSummary, error)
	SendMessage(ctx context.Context, in services.SendMessageInput) (models.Message, error)
	EditMessage(ctx context.Context, in services.EditMessageInput) (models.Message, error)
	DeleteMessageForEveryone(ctx context.Context, messageID, requesterID int) error
	ToggleReaction(ctx context.Context, messageID, userID int, emoji string) (models.Reactions, error)
	MarkConversationRead(ctx context.Context, conversationID, readerID int) (models.ConversationSummary, error)
	AcknowledgeMessages(ctx context.Context, conversationID, readerID int) (int, error)
	PublishTyping(ctx context.Context, conversationID, senderID int, isTyping bool) (bool, error)
	GetOlderMessages(ctx context.Context, req services.HistoryRequest) ([]models.Message, error)
}

// ConversationHandler serves the direct-message endpoints.
type ConversationHandler struct {
	svc ConversationService
}

// NewConversationHandler builds a ConversationHandler.
func NewConversationHandler(svc ConversationService) *ConversationHandler {
	return &ConversationHandler{svc: svc}
}

// Register mounts the conversation routes on an authenticated group.
func (h *ConversationHandler) Register(r gin.IRoutes) {
	r.POST("/conversations/start", h.StartConversation)
	r.GET("/conversations", h.ListConversations)
	r.GET("/conversations/:conversation_id/messages", h.GetMessages)
	r.POST("/conversations/:conversation_id/messages", h.PostMessage)
	r.PATCH("/conversations/:conversation_id/messages/:message_id", h.EditMessage)
	r.DELETE("/conversations/:conversation_id/messages/:message_id/all", h.DeleteMessageForAll)
	r.POST("/conversations/:conversation_id/messages/:message_id/reactions", h.ToggleReaction)
	r.POST("/conversations/:conversation_id/read", h.MarkRead)
	r.POST("/conversations/:conversation_id/receipts", h.Acknowledge)
	r.POST("/conversations/:conversation_id/typing", h.Typing)
}

// StartConversation creates or returns the conversation with a peer.
func (h *ConversationHandler) StartConversation(c *gin.Context) {
	var req struct {
		PeerID int `json:"peer_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	conv, err := h.svc.StartConversation(c.Request.Context(), c.GetInt("userID"), req.PeerID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation_id": conv.ID})
}

// ListConversations returns the caller's conversations, most recent first.
func (h *ConversationHandler) ListConversations(c *gin.Context) {
	list, err := h.svc.ListConversations(c.Request.Context(), c.GetInt("userID"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": list})
}

// GetMessages returns one history page, oldest to newest.
func (h *ConversationHandler) GetMessages(c *gin.Context) {
	convID, ok := pathID(c, "conversation_id")
	if !ok {
		return
	}
	var query struct {
		Page     int `form:"page"`
		PageSize int `form:"page_size"`
		Anchor   int `form:"anchor"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid paging parameters"})
		return
	}

	msgs, err := h.svc.GetOlderMessages(c.Request.Context(), services.HistoryRequest{
		ConversationID: convID,
		ViewerID:       c.GetInt("userID"),
		Page:           query.Page,
		PageSize:       query.PageSize,
		AnchorID:       query.Anchor,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// PostMessage stores a message and fans it out.
func (h *ConversationHandler) PostMessage(c *gin.Context) {
	convID, ok := pathID(c, "conversation_id")
	if !ok {
		return
	}
	var req struct {
		Content    string                    `json:"content"`
		Attachment *services.AttachmentInput `json:"attachment"`
		ReplyToID  int                       `json:"reply_to_id"`
		ClientKey  string                    `json:"client_key"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	msg, err := h.svc.SendMessage(c.Request.Context(), services.SendMessageInput{
		ConversationID: convID,
		SenderID:       c.GetInt("userID"),
		Content:        req.Content,
		Attachment:     req.Attachment,
		ReplyToID:      req.ReplyToID,
		ClientKey:      req.ClientKey,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

// EditMessage replaces the content of the caller's own message.
func (h *ConversationHandler) EditMessage(c *gin.Context) {
	msgID, ok := pathID(c, "message_id")
	if !ok {
		return
	}
	var req struct {
		Content string `json:"content" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	msg, err := h.svc.EditMessage(c.Request.Context(), services.EditMessageInput{
		MessageID: msgID,
		EditorID:  c.GetInt("userID"),
		Content:   req.Content,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, msg)
}

// DeleteMessageForAll tombstones a message for both participants.
func (h *ConversationHandler) DeleteMessageForAll(c *gin.Context) {
	msgID, ok := pathID(c, "message_id")
	if !ok {
		return
	}
	if err := h.svc.DeleteMessageForEveryone(c.Request.Context(), msgID, c.GetInt("userID")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ToggleReaction adds or removes the caller's emoji.
func (h *ConversationHandler) ToggleReaction(c *gin.Context) {
	msgID, ok := pathID(c, "message_id")
	if !ok {
		return
	}
	var req struct {
		Emoji string `json:"emoji" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	reactions, err := h.svc.ToggleReaction(c.Request.Context(), msgID, c.GetInt("userID"), req.Emoji)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message_id": msgID, "reactions": reactions})
}

// MarkRead clears the caller's unread counter.
func (h *ConversationHandler) MarkRead(c *gin.Context) {
	convID, ok := pathID(c, "conversation_id")
	if !ok {
		return
	}
	summary, err := h.svc.MarkConversationRead(c.Request.Context(), convID, c.GetInt("userID"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// Acknowledge records read receipts on the peer's messages.
func (h *ConversationHandler) Acknowledge(c *gin.Context) {
	convID, ok := pathID(c, "conversation_id")
	if !ok {
		return
	}
	updated, err := h.svc.AcknowledgeMessages(c.Request.Context(), convID, c.GetInt("userID"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": updated})
}

// Typing relays a typing signal; throttled signals are accepted silently.
func (h *ConversationHandler) Typing(c *gin.Context) {
	convID, ok := pathID(c, "conversation_id")
	if !ok {
		return
	}
	var req struct {
		IsTyping bool `json:"is_typing"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sent, err := h.svc.PublishTyping(c.Request.Context(), convID, c.GetInt("userID"), req.IsTyping)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"sent": sent})
}

func pathID(c *gin.Context, name string) (int, bool) {
	id, err := strconv.Atoi(c.Param(name))
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return id, true
}

package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"dm-service/internal/models"
	"dm-service/internal/services"
	"dm-service/internal/uploads"
)

type ConversationServiceMock struct {
	mock.Mock
}

func (m *ConversationServiceMock) StartConversation(ctx context.Context, userID, peerID int) (models.Conversation, error) {
	args := m.Called(ctx, userID, peerID)
	var conv models.Conversation
	if val := args.Get(0); val != nil {
		conv = val.(models.Conversation)
	}
	return conv, args.Error(1)
}

func (m *ConversationServiceMock) ListConversations(ctx context.Context, userID int) ([]models.ConversationSummary, error) {
	args := m.Called(ctx, userID)
	var list []models.ConversationSummary
	if val := args.Get(0); val != nil {
		list = val.([]models.ConversationSummary)
	}
	return list, args.Error(1)
}

func (m *ConversationServiceMock) Conversation(ctx context.Context, conversationID, userID int) (models.Conversation, error) {
	args := m.Called(ctx, conversationID, userID)
	var conv models.Conversation
	if val := args.Get(0); val != nil {
		conv = val.(models.Conversation)
	}
	return conv, args.Error(1)
}

func (m *ConversationServiceMock) SendMessage(ctx context.Context, in services.SendMessageInput) (models.Message, error) {
	args := m.Called(ctx, in)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *ConversationServiceMock) EditMessage(ctx context.Context, in services.EditMessageInput) (models.Message, error) {
	args := m.Called(ctx, in)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *ConversationServiceMock) DeleteMessageForEveryone(ctx context.Context, messageID, requesterID int) error {
	args := m.Called(ctx, messageID, requesterID)
	return args.Error(0)
}

func (m *ConversationServiceMock) ToggleReaction(ctx context.Context, messageID, userID int, emoji string) (models.Reactions, error) {
	args := m.Called(ctx, messageID, userID, emoji)
	var list models.Reactions
	if val := args.Get(0); val != nil {
		list = val.(models.Reactions)
	}
	return list, args.Error(1)
}

func (m *ConversationServiceMock) MarkConversationRead(ctx context.Context, conversationID, readerID int) (models.ConversationSummary, error) {
	args := m.Called(ctx, conversationID, readerID)
	var summary models.ConversationSummary
	if val := args.Get(0); val != nil {
		summary = val.(models.ConversationSummary)
	}
	return summary, args.Error(1)
}

func (m *ConversationServiceMock) AcknowledgeMessages(ctx context.Context, conversationID, readerID int) (int, error) {
	args := m.Called(ctx, conversationID, readerID)
	return args.Int(0), args.Error(1)
}

func (m *ConversationServiceMock) PublishTyping(ctx context.Context, conversationID, senderID int, isTyping bool) (bool, error) {
	args := m.Called(ctx, conversationID, senderID, isTyping)
	return args.Bool(0), args.Error(1)
}

func (m *ConversationServiceMock) GetOlderMessages(ctx context.Context, req services.HistoryRequest) ([]models.Message, error) {
	args := m.Called(ctx, req)
	var msgs []models.Message
	if val := args.Get(0); val != nil {
		msgs = val.([]models.Message)
	}
	return msgs, args.Error(1)
}

type SlotIssuerMock struct {
	mock.Mock
}

func (m *SlotIssuerMock) RequestUploadSlot(ctx context.Context, fileName, mimeType string) (uploads.UploadSlot, error) {
	args := m.Called(ctx, fileName, mimeType)
	var slot uploads.UploadSlot
	if val := args.Get(0); val != nil {
		slot = val.(uploads.UploadSlot)
	}
	return slot, args.Error(1)
}

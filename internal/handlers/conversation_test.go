package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"dm-service/internal/mocks"
	"dm-service/internal/models"
	"dm-service/internal/services"
)

func setupConversationRouter(svc *mocks.ConversationServiceMock) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set("userID", 1)
		c.Next()
	})
	NewConversationHandler(svc).Register(r)
	return r
}

func serve(r *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestStartConversationSuccess(t *testing.T) {
	svc := new(mocks.ConversationServiceMock)
	router := setupConversationRouter(svc)

	svc.On("StartConversation", mock.Anything, 1, 2).Return(models.Conversation{ID: 10}, nil).Once()

	rec := serve(router, http.MethodPost, "/conversations/start", `{"peer_id":2}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"conversation_id":10}`, rec.Body.String())
	svc.AssertExpectations(t)
}

func TestStartConversationBadBody(t *testing.T) {
	svc := new(mocks.ConversationServiceMock)
	router := setupConversationRouter(svc)

	rec := serve(router, http.MethodPost, "/conversations/start", `{}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	svc.AssertNotCalled(t, "StartConversation", mock.Anything, mock.Anything, mock.Anything)
}

func TestListConversations(t *testing.T) {
	svc := new(mocks.ConversationServiceMock)
	router := setupConversationRouter(svc)

	svc.On("ListConversations", mock.Anything, 1).Return([]models.ConversationSummary{{ConversationID: 3, PeerID: 2, Unread: 4}}, nil).Once()

	rec := serve(router, http.MethodGet, "/conversations", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Conversations []models.ConversationSummary `json:"conversations"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Conversations, 1)
	assert.Equal(t, 4, resp.Conversations[0].Unread)
	svc.AssertExpectations(t)
}

func TestGetMessagesPassesPaging(t *testing.T) {
	svc := new(mocks.ConversationServiceMock)
	router := setupConversationRouter(svc)

	want := services.HistoryRequest{ConversationID: 5, ViewerID: 1, Page: 2, PageSize: 20, AnchorID: 90}
	svc.On("GetOlderMessages", mock.Anything, want).Return([]models.Message{{ID: 1, ConversationID: 5}}, nil).Once()

	rec := serve(router, http.MethodGet, "/conversations/5/messages?page=2&page_size=20&anchor=90", "")
	require.Equal(t, http.StatusOK, rec.Code)
	svc.AssertExpectations(t)
}

func TestGetMessagesRejectsBadParams(t *testing.T) {
	svc := new(mocks.ConversationServiceMock)
	router := setupConversationRouter(svc)

	assert.Equal(t, http.StatusBadRequest, serve(router, http.MethodGet, "/conversations/abc/messages", "").Code)
	assert.Equal(t, http.StatusBadRequest, serve(router, http.MethodGet, "/conversations/5/messages?page=x", "").Code)
}

func TestPostMessageSuccess(t *testing.T) {
	svc := new(mocks.ConversationServiceMock)
	router := setupConversationRouter(svc)

	in := services.SendMessageInput{ConversationID: 5, SenderID: 1, Content: "hi", ReplyToID: 3, ClientKey: "c1-1"}
	svc.On("SendMessage", mock.Anything, in).Return(models.Message{ID: 9, ConversationID: 5, SenderID: 1, Content: "hi", ClientKey: "c1-1"}, nil).Once()

	rec := serve(router, http.MethodPost, "/conversations/5/messages", `{"content":"hi","reply_to_id":3,"client_key":"c1-1"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var msg models.Message
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&msg))
	assert.Equal(t, 9, msg.ID)
	assert.Equal(t, "c1-1", msg.ClientKey)
	svc.AssertExpectations(t)
}

func TestServiceErrorsMapToStatus(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("op: %w", services.ErrValidation), http.StatusBadRequest},
		{fmt.Errorf("op: %w", services.ErrUnauthorized), http.StatusForbidden},
		{fmt.Errorf("op: %w", services.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("op: %w", services.ErrUpstream), http.StatusBadGateway},
		{assert.AnError, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			svc := new(mocks.ConversationServiceMock)
			router := setupConversationRouter(svc)
			svc.On("SendMessage", mock.Anything, mock.Anything).Return(nil, tc.err).Once()

			rec := serve(router, http.MethodPost, "/conversations/5/messages", `{"content":"hi"}`)
			assert.Equal(t, tc.status, rec.Code)
		})
	}
}

func TestUpstreamErrorDetailIsHidden(t *testing.T) {
	svc := new(mocks.ConversationServiceMock)
	router := setupConversationRouter(svc)
	svc.On("ListConversations", mock.Anything, 1).Return(nil, fmt.Errorf("list: %w: dial tcp 10.0.0.1:5432", services.ErrUpstream)).Once()

	rec := serve(router, http.MethodGet, "/conversations", "")
	require.Equal(t, http.StatusBadGateway, rec.Code)
	assert.NotContains(t, rec.Body.String(), "10.0.0.1")
}

func TestEditMessage(t *testing.T) {
	svc := new(mocks.ConversationServiceMock)
	router := setupConversationRouter(svc)

	svc.On("EditMessage", mock.Anything, services.EditMessageInput{MessageID: 7, EditorID: 1, Content: "fixed"}).
		Return(models.Message{ID: 7, Content: "fixed", Edited: true}, nil).Once()

	rec := serve(router, http.MethodPatch, "/conversations/5/messages/7", `{"content":"fixed"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"edited":true`)

	rec = serve(router, http.MethodPatch, "/conversations/5/messages/7", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	svc.AssertExpectations(t)
}

func TestDeleteMessageForAll(t *testing.T) {
	svc := new(mocks.ConversationServiceMock)
	router := setupConversationRouter(svc)

	svc.On("DeleteMessageForEveryone", mock.Anything, 7, 1).Return(nil).Once()
	svc.On("DeleteMessageForEveryone", mock.Anything, 8, 1).Return(fmt.Errorf("delete: %w", services.ErrUnauthorized)).Once()

	assert.Equal(t, http.StatusNoContent, serve(router, http.MethodDelete, "/conversations/5/messages/7/all", "").Code)
	assert.Equal(t, http.StatusForbidden, serve(router, http.MethodDelete, "/conversations/5/messages/8/all", "").Code)
	svc.AssertExpectations(t)
}

func TestToggleReaction(t *testing.T) {
	svc := new(mocks.ConversationServiceMock)
	router := setupConversationRouter(svc)

	svc.On("ToggleReaction", mock.Anything, 7, 1, "👍").Return(models.Reactions{{UserID: 1, Emoji: "👍"}}, nil).Once()

	rec := serve(router, http.MethodPost, "/conversations/5/messages/7/reactions", `{"emoji":"👍"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"message_id":7,"reactions":[{"user_id":1,"emoji":"👍"}]}`, rec.Body.String())
	svc.AssertExpectations(t)
}

func TestReadReceiptsAndTyping(t *testing.T) {
	svc := new(mocks.ConversationServiceMock)
	router := setupConversationRouter(svc)

	svc.On("MarkConversationRead", mock.Anything, 5, 1).Return(models.ConversationSummary{ConversationID: 5, PeerID: 2}, nil).Once()
	svc.On("AcknowledgeMessages", mock.Anything, 5, 1).Return(3, nil).Once()
	svc.On("PublishTyping", mock.Anything, 5, 1, true).Return(false, nil).Once()

	rec := serve(router, http.MethodPost, "/conversations/5/read", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"unread":0`)

	rec = serve(router, http.MethodPost, "/conversations/5/receipts", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"updated":3}`, rec.Body.String())

	rec = serve(router, http.MethodPost, "/conversations/5/typing", `{"is_typing":true}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"sent":false}`, rec.Body.String())
	svc.AssertExpectations(t)
}

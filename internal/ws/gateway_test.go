package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dm-service/internal/logging"
	"dm-service/internal/models"
	"dm-service/internal/presence"
	"dm-service/internal/pubsub"
	"dm-service/internal/repositories"
	"dm-service/internal/services"
)

type gatewayFixture struct {
	server  *httptest.Server
	svc     *services.ConversationService
	tracker *presence.Tracker
	hub     *Hub
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log := logging.Discard()
	store := repositories.NewMemoryStore()
	broker := pubsub.NewMemoryBroker(log)
	svc := services.NewConversationService(log, store, store, store, broker, services.Options{})
	tracker := presence.NewTracker(log, broker.Topic(models.PresenceTopic), store, time.Minute)
	hub := NewHub(log, nil)
	gw := NewGateway(log, hub, broker, svc, tracker, GatewayConfig{})

	router := gin.New()
	router.GET("/ws", func(c *gin.Context) {
		id, _ := strconv.Atoi(c.GetHeader("X-User-ID"))
		c.Set("userID", id)
		c.Next()
	}, gw.Handle)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &gatewayFixture{server: srv, svc: svc, tracker: tracker, hub: hub}
}

func (f *gatewayFixture) dial(t *testing.T, userID int) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws"
	header := http.Header{}
	header.Set("X-User-ID", strconv.Itoa(userID))
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) outboundFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame outboundFrame
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

// readUntil skips frames until match returns true.
func readUntil(t *testing.T, conn *websocket.Conn, match func(outboundFrame) bool) outboundFrame {
	t.Helper()
	for i := 0; i < 10; i++ {
		frame := readFrame(t, conn)
		if match(frame) {
			return frame
		}
	}
	t.Fatalf("expected frame not received")
	return outboundFrame{}
}

func isEvent(name string) func(outboundFrame) bool {
	return func(f outboundFrame) bool { return f.Type == frameEvent && f.Event != nil && f.Event.Name == name }
}

func isPresence(name string, userID int) func(outboundFrame) bool {
	return func(f outboundFrame) bool {
		if !isEvent(name)(f) {
			return false
		}
		var entry models.PresenceEntry
		return f.Event.Decode(&entry) == nil && entry.UserID == userID
	}
}

func TestGatewayRejectsAnonymous(t *testing.T) {
	f := newGatewayFixture(t)
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestGatewaySnapshotAndPresence(t *testing.T) {
	f := newGatewayFixture(t)

	first := f.dial(t, 1)
	snap := readFrame(t, first)
	require.NotNil(t, snap.Event)
	assert.Equal(t, models.EventPresenceSnapshot, snap.Event.Name)

	require.Eventually(t, func() bool { return f.tracker.IsOnline(1) }, time.Second, 10*time.Millisecond)

	second := f.dial(t, 2)
	var entries []models.PresenceEntry
	frame := readFrame(t, second)
	require.NoError(t, frame.Event.Decode(&entries))
	require.Len(t, entries, 1)
	assert.Equal(t, 1, entries[0].UserID)

	enter := readUntil(t, first, isPresence(models.EventPresenceEnter, 2))
	var entry models.PresenceEntry
	require.NoError(t, enter.Event.Decode(&entry))
	assert.True(t, entry.Online)

	require.NoError(t, second.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	leave := readUntil(t, first, isPresence(models.EventPresenceLeave, 2))
	require.NoError(t, leave.Event.Decode(&entry))
	assert.False(t, entry.Online)
	assert.NotNil(t, entry.LastSeen)
	assert.Eventually(t, func() bool { return f.hub.UserConnections(2) == 0 }, time.Second, 10*time.Millisecond)
}

func TestGatewayJoinReceivesConversationEvents(t *testing.T) {
	f := newGatewayFixture(t)
	ctx := context.Background()
	conv, err := f.svc.StartConversation(ctx, 1, 2)
	require.NoError(t, err)

	bob := f.dial(t, 2)
	readFrame(t, bob)

	require.NoError(t, bob.WriteJSON(inboundFrame{Type: inJoin, ConversationID: conv.ID}))
	joined := readUntil(t, bob, func(f outboundFrame) bool { return f.Type == frameJoined })
	assert.Equal(t, conv.ID, joined.ConversationID)

	_, err = f.svc.SendMessage(ctx, services.SendMessageInput{ConversationID: conv.ID, SenderID: 1, Content: "hello bob"})
	require.NoError(t, err)

	msgFrame := readUntil(t, bob, isEvent(models.EventMessage))
	var msg models.Message
	require.NoError(t, msgFrame.Event.Decode(&msg))
	assert.Equal(t, "hello bob", msg.Content)

	note := readUntil(t, bob, isEvent(models.EventNotification))
	var payload models.NotificationPayload
	require.NoError(t, note.Event.Decode(&payload))
	assert.Equal(t, 1, payload.Unread)
}

func TestGatewayJoinRequiresParticipant(t *testing.T) {
	f := newGatewayFixture(t)
	conv, err := f.svc.StartConversation(context.Background(), 1, 2)
	require.NoError(t, err)

	carol := f.dial(t, 3)
	readFrame(t, carol)

	require.NoError(t, carol.WriteJSON(inboundFrame{Type: inJoin, ConversationID: conv.ID}))
	frame := readUntil(t, carol, func(f outboundFrame) bool { return f.Type == frameError })
	assert.Equal(t, "not a conversation participant", frame.Error)

	require.NoError(t, carol.WriteJSON(inboundFrame{Type: inPing}))
	pong := readUntil(t, carol, func(f outboundFrame) bool { return f.Type == framePong || f.Type == frameError })
	assert.Equal(t, framePong, pong.Type)

	require.NoError(t, carol.WriteMessage(websocket.TextMessage, []byte("{not json")))
	bad := readUntil(t, carol, func(f outboundFrame) bool { return f.Type == frameError })
	assert.Equal(t, "malformed frame", bad.Error)
}

func TestGatewayTypingRelay(t *testing.T) {
	f := newGatewayFixture(t)
	conv, err := f.svc.StartConversation(context.Background(), 1, 2)
	require.NoError(t, err)

	alice := f.dial(t, 1)
	readFrame(t, alice)
	bob := f.dial(t, 2)
	readFrame(t, bob)

	require.NoError(t, bob.WriteJSON(inboundFrame{Type: inJoin, ConversationID: conv.ID}))
	readUntil(t, bob, func(f outboundFrame) bool { return f.Type == frameJoined })

	require.NoError(t, alice.WriteJSON(inboundFrame{Type: inTyping, ConversationID: conv.ID, IsTyping: true}))
	typing := readUntil(t, bob, isEvent(models.EventTyping))
	var signal models.TypingSignal
	require.NoError(t, typing.Event.Decode(&signal))
	assert.Equal(t, 1, signal.SenderID)
	assert.True(t, signal.IsTyping)
}

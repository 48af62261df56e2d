package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"

	"dm-service/internal/models"
	"dm-service/internal/observability"
	"dm-service/internal/pubsub"
	"dm-service/internal/services"
)

// Frame types accepted from clients.
const (
	inJoin         = "join"
	inLeave        = "leave"
	inTyping       = "typing"
	inMessagesRead = "messages-read"
	inPing         = "ping"
)

type inboundFrame struct {
	Type           string `json:"type"`
	ConversationID int    `json:"conversation_id"`
	IsTyping       bool   `json:"is_typing"`
}

// ConversationService is the part of the service layer the gateway uses.
type ConversationService interface {
	Conversation(ctx context.Context, conversationID, userID int) (models.Conversation, error)
	PublishTyping(ctx context.Context, conversationID, senderID int, isTyping bool) (bool, error)
	AcknowledgeMessages(ctx context.Context, conversationID, readerID int) (int, error)
}

// PresenceTracker is fed by connection lifecycle and heartbeats.
type PresenceTracker interface {
	Enter(ctx context.Context, userID int, connID string, now time.Time) bool
	Leave(ctx context.Context, userID int, connID string, now time.Time) bool
	Heartbeat(userID int, connID string, now time.Time) bool
	Snapshot() []models.PresenceEntry
}

// GatewayConfig tunes connection heartbeats.
type GatewayConfig struct {
	PingEvery time.Duration
	PongWait  time.Duration
}

// Gateway upgrades authenticated requests and bridges topics to sockets.
type Gateway struct {
	log      *slog.Logger
	hub      *Hub
	broker   pubsub.Broker
	svc      ConversationService
	presence PresenceTracker
	cfg      GatewayConfig
	upgrader websocket.Upgrader
}

func NewGateway(log *slog.Logger, hub *Hub, broker pubsub.Broker, svc ConversationService, presence PresenceTracker, cfg GatewayConfig) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = 60 * time.Second
	}
	if cfg.PingEvery <= 0 || cfg.PingEvery >= cfg.PongWait {
		cfg.PingEvery = cfg.PongWait * 9 / 10
	}
	return &Gateway{
		log:      log,
		hub:      hub,
		broker:   broker,
		svc:      svc,
		presence: presence,
		cfg:      cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handle upgrades the connection. The caller must already be authenticated;
// userID is read from the gin context.
func (g *Gateway) Handle(c *gin.Context) {
	userID := c.GetInt("userID")
	if userID <= 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing user"})
		return
	}

	ctx, span := otel.Tracer("dm-service/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()

	conn, err := g.upgrader.Upgrade(c.Writer, c.Request.WithContext(ctx), nil)
	if err != nil {
		g.log.Warn("ws.upgrade.fail", "user_id", userID, "err", err)
		return
	}

	info := newConnInfo(c.Request, userID, span.SpanContext().TraceID().String())
	client := newClient(conn, info)

	// Subscribe before the snapshot so no enter/leave falls in between.
	presenceTopic := g.broker.Topic(models.PresenceTopic)
	if err := client.subscribe(presenceTopic); err != nil {
		g.log.Error("ws.subscribe.fail", "topic", models.PresenceTopic, "err", err)
		conn.Close()
		return
	}
	if err := client.subscribe(g.broker.Topic(models.NotificationTopic(userID))); err != nil {
		g.log.Error("ws.subscribe.fail", "topic", models.NotificationTopic(userID), "err", err)
		client.Close()
		conn.Close()
		return
	}
	if snapshot, err := pubsub.NewEvent(models.PresenceTopic, models.EventPresenceSnapshot, g.presence.Snapshot()); err == nil {
		client.enqueue(outboundFrame{Type: frameEvent, Event: &snapshot})
	}

	g.hub.Add(client)
	observability.IncWSActive(wsKind)
	g.hub.publishLifecycle(ctx, info, "ws_connect", "")
	g.presence.Enter(context.Background(), userID, info.ConnID, time.Now().UTC())
	g.log.Info("ws.connect", "user_id", userID, "conn_id", info.ConnID)

	go client.writeLoop(g.cfg.PingEvery)
	go g.readLoop(client)
}

func (g *Gateway) readLoop(client *Client) {
	info := client.info
	var closeReason string
	defer func() {
		client.Close()
		g.hub.Remove(client)
		observability.DecWSActive(wsKind)
		g.presence.Leave(context.Background(), info.UserID, info.ConnID, time.Now().UTC())
		g.hub.publishLifecycle(context.Background(), info, "ws_disconnect", closeReason)
		g.log.Info("ws.disconnect", "user_id", info.UserID, "conn_id", info.ConnID, "reason", closeReason)
	}()

	conn := client.conn
	conn.SetReadLimit(maxInboundSize)
	_ = conn.SetReadDeadline(time.Now().Add(g.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		g.presence.Heartbeat(info.UserID, info.ConnID, time.Now().UTC())
		return conn.SetReadDeadline(time.Now().Add(g.cfg.PongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			closeReason = err.Error()
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				g.hub.publishLifecycle(context.Background(), info, "ws_error", closeReason)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(g.cfg.PongWait))
		g.presence.Heartbeat(info.UserID, info.ConnID, time.Now().UTC())

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			client.enqueue(outboundFrame{Type: frameError, Error: "malformed frame"})
			continue
		}
		g.handleFrame(client, frame)
	}
}

func (g *Gateway) handleFrame(client *Client, frame inboundFrame) {
	ctx := context.Background()
	userID := client.info.UserID

	switch frame.Type {
	case inPing:
		client.enqueue(outboundFrame{Type: framePong})

	case inJoin:
		if _, err := g.svc.Conversation(ctx, frame.ConversationID, userID); err != nil {
			client.enqueue(errorFrame(frame.ConversationID, err))
			return
		}
		if err := client.subscribe(g.broker.Topic(models.ConversationTopic(frame.ConversationID))); err != nil {
			g.log.Warn("ws.join.fail", "conversation_id", frame.ConversationID, "err", err)
			client.enqueue(outboundFrame{Type: frameError, ConversationID: frame.ConversationID, Error: "join failed"})
			return
		}
		client.enqueue(outboundFrame{Type: frameJoined, ConversationID: frame.ConversationID})

	case inLeave:
		client.unsubscribe(models.ConversationTopic(frame.ConversationID))
		client.enqueue(outboundFrame{Type: frameLeft, ConversationID: frame.ConversationID})

	case inTyping:
		if _, err := g.svc.PublishTyping(ctx, frame.ConversationID, userID, frame.IsTyping); err != nil {
			client.enqueue(errorFrame(frame.ConversationID, err))
		}

	case inMessagesRead:
		if _, err := g.svc.AcknowledgeMessages(ctx, frame.ConversationID, userID); err != nil {
			client.enqueue(errorFrame(frame.ConversationID, err))
		}

	default:
		client.enqueue(outboundFrame{Type: frameError, Error: "unknown frame type"})
	}
}

func errorFrame(conversationID int, err error) outboundFrame {
	msg := "request failed"
	switch {
	case errors.Is(err, services.ErrNotFound):
		msg = "conversation not found"
	case errors.Is(err, services.ErrUnauthorized):
		msg = "not a conversation participant"
	case errors.Is(err, services.ErrValidation):
		msg = err.Error()
	}
	return outboundFrame{Type: frameError, ConversationID: conversationID, Error: msg}
}

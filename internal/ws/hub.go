package ws

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"dm-service/internal/observability"
)

const (
	wsKind       = "dm"
	wsRoutingKey = "ws_events.dm"
)

// LifecyclePublisher ships connection lifecycle events to the audit bus.
type LifecyclePublisher interface {
	Publish(ctx context.Context, routingKey string, event any, headers map[string]string) error
}

// Hub maintains the live websocket clients of this process.
type Hub struct {
	log    *slog.Logger
	events LifecyclePublisher

	mu      sync.RWMutex
	clients map[string]*Client
	byUser  map[int]map[string]*Client
}

// NewHub creates an empty hub. events may be nil.
func NewHub(log *slog.Logger, events LifecyclePublisher) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:     log,
		events:  events,
		clients: make(map[string]*Client),
		byUser:  make(map[int]map[string]*Client),
	}
}

// Add registers a client.
func (h *Hub) Add(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.info.ConnID] = c
	userClients, ok := h.byUser[c.info.UserID]
	if !ok {
		userClients = make(map[string]*Client)
		h.byUser[c.info.UserID] = userClients
	}
	userClients[c.info.ConnID] = c
}

// Remove unregisters a client. It reports whether the client was present.
func (h *Hub) Remove(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.info.ConnID]; !ok {
		return false
	}
	delete(h.clients, c.info.ConnID)
	if userClients, ok := h.byUser[c.info.UserID]; ok {
		delete(userClients, c.info.ConnID)
		if len(userClients) == 0 {
			delete(h.byUser, c.info.UserID)
		}
	}
	return true
}

// Count returns the number of live clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// UserConnections returns how many clients userID holds.
func (h *Hub) UserConnections(userID int) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byUser[userID])
}

// CloseAll closes every client, used on shutdown.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.Close()
	}
}

func (h *Hub) publishLifecycle(ctx context.Context, info ConnInfo, event, reason string) {
	observability.IncWSEvent(wsKind, event)
	if h.events == nil {
		return
	}

	duration := int64(0)
	if event != "ws_connect" {
		duration = time.Since(info.ConnectedAt).Milliseconds()
	}
	payload := map[string]interface{}{
		"ws": map[string]interface{}{
			"kind":        wsKind,
			"event":       event,
			"conn_id":     info.ConnID,
			"duration_ms": duration,
			"reason":      reason,
		},
		"identity": map[string]interface{}{
			"user_id":   info.UserID,
			"device_id": info.DeviceID,
			"ip":        info.IP,
		},
	}

	envelope := observability.NewEnvelope("ws_events", event, payload)
	err := h.events.Publish(ctx, wsRoutingKey, envelope, observability.BuildHeaders(info.RequestID, info.TraceID))
	if err != nil {
		h.log.Warn("ws.lifecycle.publish.fail", "event", event, "conn_id", info.ConnID, "err", err)
	}
}

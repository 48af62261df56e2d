package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"dm-service/internal/observability"
	"dm-service/internal/pubsub"
)

const (
	sendQueueSize  = 64
	writeWait      = 10 * time.Second
	maxInboundSize = 4096
)

// Frame types sent to clients.
const (
	frameEvent  = "event"
	frameJoined = "joined"
	frameLeft   = "left"
	framePong   = "pong"
	frameError  = "error"
)

type outboundFrame struct {
	Type           string        `json:"type"`
	Event          *pubsub.Event `json:"event,omitempty"`
	ConversationID int           `json:"conversation_id,omitempty"`
	Error          string        `json:"error,omitempty"`
}

// Client is one websocket connection. A single writer goroutine drains send;
// fan-out never blocks on a slow client, events are dropped instead.
type Client struct {
	info ConnInfo
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	subs   map[string]pubsub.Subscription
	closed bool
	done   chan struct{}
}

func newClient(conn *websocket.Conn, info ConnInfo) *Client {
	return &Client{
		info: info,
		conn: conn,
		send: make(chan []byte, sendQueueSize),
		subs: make(map[string]pubsub.Subscription),
		done: make(chan struct{}),
	}
}

// enqueue queues a frame without blocking. It reports whether the frame was
// accepted.
func (c *Client) enqueue(frame outboundFrame) bool {
	payload, err := json.Marshal(frame)
	if err != nil {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- payload:
		return true
	default:
		observability.IncWSEvent(wsKind, "ws_dropped")
		return false
	}
}

func (c *Client) deliver(ev pubsub.Event) {
	c.enqueue(outboundFrame{Type: frameEvent, Event: &ev})
}

// subscribe attaches the client to topic once.
func (c *Client) subscribe(topic pubsub.Topic) error {
	c.mu.Lock()
	if _, ok := c.subs[topic.Name()]; ok || c.closed {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	sub, err := topic.Subscribe(c.deliver)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[topic.Name()]; ok || c.closed {
		sub.Unsubscribe()
		return nil
	}
	c.subs[topic.Name()] = sub
	return nil
}

func (c *Client) unsubscribe(name string) bool {
	c.mu.Lock()
	sub, ok := c.subs[name]
	delete(c.subs, name)
	c.mu.Unlock()
	if ok {
		sub.Unsubscribe()
	}
	return ok
}

// Close detaches all subscriptions and stops the writer. Safe to call twice.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	subs := c.subs
	c.subs = nil
	close(c.done)
	c.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
}

// writeLoop owns all writes to the connection.
func (c *Client) writeLoop(pingEvery time.Duration) {
	ticker := time.NewTicker(pingEvery)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}

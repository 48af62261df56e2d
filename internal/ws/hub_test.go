package ws

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"dm-service/internal/logging"
	"dm-service/internal/mocks"
	"dm-service/internal/observability"
)

func TestHubAddAndRemoveClient(t *testing.T) {
	hub := NewHub(logging.Discard(), nil)

	a := newClient(nil, ConnInfo{ConnID: "a", UserID: 1})
	b := newClient(nil, ConnInfo{ConnID: "b", UserID: 1})
	hub.Add(a)
	hub.Add(b)
	assert.Equal(t, 2, hub.Count())
	assert.Equal(t, 2, hub.UserConnections(1))

	assert.True(t, hub.Remove(a))
	assert.False(t, hub.Remove(a))
	assert.Equal(t, 1, hub.UserConnections(1))

	hub.Remove(b)
	assert.Equal(t, 0, hub.Count())
	assert.Empty(t, hub.byUser)
}

func TestHubPublishesLifecycleEnvelope(t *testing.T) {
	events := new(mocks.PublisherMock)
	hub := NewHub(logging.Discard(), events)
	info := ConnInfo{ConnID: "c1", UserID: 4, RequestID: "req-9"}

	events.On("Publish", mock.Anything, wsRoutingKey, mock.MatchedBy(func(env observability.EventEnvelope) bool {
		return env.EventType == "ws_events" && env.EventName == "ws_connect"
	}), map[string]string{"x-request-id": "req-9"}).Return(nil).Once()

	hub.publishLifecycle(context.Background(), info, "ws_connect", "")
	events.AssertExpectations(t)
}

func TestClientQueueDropsWhenFull(t *testing.T) {
	c := newClient(nil, ConnInfo{ConnID: "slow"})
	for i := 0; i < sendQueueSize; i++ {
		assert.True(t, c.enqueue(outboundFrame{Type: framePong}))
	}
	assert.False(t, c.enqueue(outboundFrame{Type: framePong}))

	c.Close()
	c.Close()
	assert.False(t, c.enqueue(outboundFrame{Type: framePong}))
}

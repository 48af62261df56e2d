package pubsub

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBrokerFanOut(t *testing.T) {
	b := NewMemoryBroker(nil)
	topic := b.Topic("conversation:1")

	var got1, got2 []Event
	sub1, err := topic.Subscribe(func(ev Event) { got1 = append(got1, ev) })
	require.NoError(t, err)
	_, err = topic.Subscribe(func(ev Event) { got2 = append(got2, ev) })
	require.NoError(t, err)

	require.NoError(t, topic.Publish(context.Background(), "typing", map[string]any{"is_typing": true}))
	require.Len(t, got1, 1)
	require.Len(t, got2, 1)
	assert.Equal(t, got1[0].ID, got2[0].ID)
	assert.Equal(t, "typing", got1[0].Name)
	assert.Equal(t, "conversation:1", got1[0].Topic)

	var payload struct {
		IsTyping bool `json:"is_typing"`
	}
	require.NoError(t, got1[0].Decode(&payload))
	assert.True(t, payload.IsTyping)

	sub1.Unsubscribe()
	sub1.Unsubscribe()
	require.NoError(t, topic.Publish(context.Background(), "typing", nil))
	assert.Len(t, got1, 1)
	assert.Len(t, got2, 2)
}

func TestMemoryBrokerTopicsAreIsolated(t *testing.T) {
	b := NewMemoryBroker(nil)
	var got []Event
	_, err := b.Topic("a").Subscribe(func(ev Event) { got = append(got, ev) })
	require.NoError(t, err)

	require.NoError(t, b.Topic("b").Publish(context.Background(), "x", 1))
	assert.Empty(t, got)
	assert.Equal(t, 1, b.SubscriberCount("a"))
	assert.Equal(t, 0, b.SubscriberCount("b"))
}

func TestMemoryBrokerHandlerPanicIsIsolated(t *testing.T) {
	b := NewMemoryBroker(nil)
	topic := b.Topic("t")
	calls := 0
	_, _ = topic.Subscribe(func(Event) { panic("boom") })
	_, _ = topic.Subscribe(func(Event) { calls++ })

	require.NoError(t, topic.Publish(context.Background(), "x", nil))
	assert.Equal(t, 1, calls)
}

func TestMemoryBrokerInterestCallbacks(t *testing.T) {
	b := NewMemoryBroker(nil)
	var first, last []string
	b.onFirst = func(topic string) error { first = append(first, topic); return nil }
	b.onLast = func(topic string) { last = append(last, topic) }

	s1, _ := b.Topic("t").Subscribe(func(Event) {})
	s2, _ := b.Topic("t").Subscribe(func(Event) {})
	assert.Equal(t, []string{"t"}, first)

	s1.Unsubscribe()
	assert.Empty(t, last)
	s2.Unsubscribe()
	assert.Equal(t, []string{"t"}, last)
}

func TestMemoryBrokerClosed(t *testing.T) {
	b := NewMemoryBroker(nil)
	require.NoError(t, b.Close())
	_, err := b.Topic("t").Subscribe(func(Event) {})
	assert.ErrorIs(t, err, ErrBrokerClosed)
}

func TestNewBrokerFallsBackToMemory(t *testing.T) {
	b := NewBroker(nil, "", "dm.events")
	_, ok := b.(*MemoryBroker)
	assert.True(t, ok)
}

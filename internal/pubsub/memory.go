package pubsub

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
)

var ErrBrokerClosed = errors.New("pubsub: broker closed")

// MemoryBroker fans events out to in-process subscribers. Handlers run
// synchronously on the publishing goroutine, in subscription order.
type MemoryBroker struct {
	log *slog.Logger

	mu     sync.RWMutex
	nextID uint64
	subs   map[string]map[uint64]Handler
	closed bool

	// onFirst/onLast let a bridging broker follow local interest per topic.
	onFirst func(topic string) error
	onLast  func(topic string)
}

// NewMemoryBroker constructs an empty MemoryBroker.
func NewMemoryBroker(log *slog.Logger) *MemoryBroker {
	if log == nil {
		log = slog.Default()
	}
	return &MemoryBroker{log: log, subs: make(map[string]map[uint64]Handler)}
}

// Topic returns a handle for name.
func (b *MemoryBroker) Topic(name string) Topic {
	return &memoryTopic{broker: b, name: name}
}

// Close drops every subscriber.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[string]map[uint64]Handler)
	return nil
}

// SubscriberCount returns the number of handlers attached to topic.
func (b *MemoryBroker) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

// Topics lists the topics that have at least one subscriber, sorted.
func (b *MemoryBroker) Topics() []string {
	b.mu.RLock()
	out := make([]string, 0, len(b.subs))
	for topic, subs := range b.subs {
		if len(subs) > 0 {
			out = append(out, topic)
		}
	}
	b.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Deliver dispatches an already built event to local subscribers.
func (b *MemoryBroker) Deliver(ev Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[ev.Topic]))
	ids := make([]uint64, 0, len(b.subs[ev.Topic]))
	for id := range b.subs[ev.Topic] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		handlers = append(handlers, b.subs[ev.Topic][id])
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.dispatch(h, ev)
	}
}

func (b *MemoryBroker) dispatch(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("pubsub.handler.panic", "topic", ev.Topic, "event", ev.Name, "event_id", ev.ID, "panic", r)
		}
	}()
	h(ev)
}

func (b *MemoryBroker) subscribe(topic string, h Handler) (Subscription, error) {
	if h == nil {
		return nil, errors.New("pubsub: nil handler")
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBrokerClosed
	}
	first := len(b.subs[topic]) == 0
	b.nextID++
	id := b.nextID
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[uint64]Handler)
	}
	b.subs[topic][id] = h
	onFirst := b.onFirst
	b.mu.Unlock()

	if first && onFirst != nil {
		if err := onFirst(topic); err != nil {
			b.remove(topic, id)
			return nil, err
		}
	}
	return &memorySubscription{broker: b, topic: topic, id: id}, nil
}

func (b *MemoryBroker) remove(topic string, id uint64) {
	b.mu.Lock()
	subs, ok := b.subs[topic]
	if !ok {
		b.mu.Unlock()
		return
	}
	if _, ok := subs[id]; !ok {
		b.mu.Unlock()
		return
	}
	delete(subs, id)
	last := len(subs) == 0
	if last {
		delete(b.subs, topic)
	}
	onLast := b.onLast
	b.mu.Unlock()

	if last && onLast != nil {
		onLast(topic)
	}
}

type memoryTopic struct {
	broker *MemoryBroker
	name   string
}

func (t *memoryTopic) Name() string { return t.name }

func (t *memoryTopic) Publish(ctx context.Context, event string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ev, err := NewEvent(t.name, event, payload)
	if err != nil {
		return err
	}
	t.broker.Deliver(ev)
	return nil
}

func (t *memoryTopic) Subscribe(h Handler) (Subscription, error) {
	return t.broker.subscribe(t.name, h)
}

type memorySubscription struct {
	broker *MemoryBroker
	topic  string
	id     uint64
	once   sync.Once
}

func (s *memorySubscription) Unsubscribe() {
	s.once.Do(func() { s.broker.remove(s.topic, s.id) })
}

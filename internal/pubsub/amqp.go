package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"dm-service/internal/observability"
)

const (
	redialMin = 500 * time.Millisecond
	redialMax = 30 * time.Second
)

// AMQPBroker bridges topics across service instances through a RabbitMQ
// topic exchange. Every process owns one exclusive queue that is bound to a
// topic while at least one local subscriber listens on it; deliveries are
// dispatched through a local MemoryBroker.
//
// When the connection drops the broker redials with backoff and rebinds
// every topic that still has local subscribers. Until then publishes reach
// local subscribers only.
type AMQPBroker struct {
	log      *slog.Logger
	local    *MemoryBroker
	url      string
	exchange string
	dial     func(url string) (*amqp.Connection, error)

	backoffMin time.Duration
	backoffMax time.Duration

	mu    sync.Mutex
	conn  *amqp.Connection
	pubCh *amqp.Channel
	subCh *amqp.Channel
	queue string

	closing   chan struct{}
	closeOnce sync.Once
}

// NewAMQPBroker dials RabbitMQ and starts consuming the process queue.
func NewAMQPBroker(log *slog.Logger, url, exchange string) (*AMQPBroker, error) {
	if url == "" {
		return nil, errors.New("amqp url is empty")
	}
	b := newAMQPBroker(log, url, exchange)
	if err := b.connect(); err != nil {
		return nil, err
	}
	return b, nil
}

// newAMQPBroker builds a broker in the disconnected state.
func newAMQPBroker(log *slog.Logger, url, exchange string) *AMQPBroker {
	if log == nil {
		log = slog.Default()
	}
	b := &AMQPBroker{
		log:        log,
		url:        url,
		exchange:   exchange,
		dial:       amqp.Dial,
		backoffMin: redialMin,
		backoffMax: redialMax,
		closing:    make(chan struct{}),
	}
	b.local = NewMemoryBroker(log)
	b.local.onFirst = b.bind
	b.local.onLast = b.unbind
	return b
}

// connect dials, declares the exchange and queue, and starts the consumer
// and the connection watcher.
func (b *AMQPBroker) connect() error {
	conn, err := b.dial(b.url)
	if err != nil {
		return err
	}

	pubCh, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return err
	}
	if err := pubCh.ExchangeDeclare(b.exchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return err
	}
	subCh, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return err
	}
	q, err := subCh.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		_ = conn.Close()
		return err
	}
	deliveries, err := subCh.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		_ = conn.Close()
		return err
	}
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))

	b.mu.Lock()
	b.conn, b.pubCh, b.subCh, b.queue = conn, pubCh, subCh, q.Name
	b.mu.Unlock()

	go b.consume(q.Name, deliveries)
	go b.watch(closed)
	return nil
}

func (b *AMQPBroker) consume(queue string, deliveries <-chan amqp.Delivery) {
	for d := range deliveries {
		var ev Event
		if err := json.Unmarshal(d.Body, &ev); err != nil {
			b.log.Warn("pubsub.amqp.decode.fail", "routing_key", d.RoutingKey, "err", err)
			continue
		}
		b.local.Deliver(ev)
	}
	b.log.Info("pubsub.amqp.consumer.stopped", "queue", queue)
}

// watch waits for the connection to close and redials unless the broker
// itself is closing.
func (b *AMQPBroker) watch(closed <-chan *amqp.Error) {
	var cause *amqp.Error
	select {
	case <-b.closing:
		return
	case cause = <-closed:
	}
	if b.isClosing() {
		return
	}

	b.mu.Lock()
	b.conn, b.pubCh, b.subCh, b.queue = nil, nil, nil, ""
	b.mu.Unlock()

	if cause != nil {
		b.log.Warn("pubsub.amqp.connection.lost", "code", cause.Code, "reason", cause.Reason)
	} else {
		b.log.Warn("pubsub.amqp.connection.lost")
	}
	b.redial()
}

// redial retries connect with exponential backoff until it succeeds or the
// broker is closed.
func (b *AMQPBroker) redial() bool {
	delay := b.backoffMin
	for {
		select {
		case <-b.closing:
			return false
		case <-time.After(delay):
		}
		if err := b.connect(); err != nil {
			b.log.Warn("pubsub.amqp.redial.fail", "retry_in", delay.String(), "err", err)
			delay = min(delay*2, b.backoffMax)
			continue
		}
		n := b.rebind()
		b.log.Info("pubsub.amqp.reconnected", "topics", n)
		return true
	}
}

// rebind binds every topic that currently has local subscribers. It runs
// after the new channels are installed, so a subscriber racing the redial is
// bound either here or by its own bind call.
func (b *AMQPBroker) rebind() int {
	n := 0
	for _, topic := range b.local.Topics() {
		if err := b.bind(topic); err != nil {
			b.log.Warn("pubsub.amqp.rebind.fail", "topic", topic, "err", err)
			continue
		}
		n++
	}
	return n
}

func (b *AMQPBroker) bind(topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subCh == nil {
		// bound on reconnect
		return nil
	}
	return b.subCh.QueueBind(b.queue, topic, b.exchange, false, nil)
}

func (b *AMQPBroker) unbind(topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subCh == nil {
		return
	}
	if err := b.subCh.QueueUnbind(b.queue, topic, b.exchange, nil); err != nil {
		b.log.Warn("pubsub.amqp.unbind.fail", "topic", topic, "err", err)
	}
}

// Connected reports whether the broker currently holds a live connection.
func (b *AMQPBroker) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pubCh != nil
}

// Topic returns a handle for name.
func (b *AMQPBroker) Topic(name string) Topic {
	return &amqpTopic{broker: b, name: name}
}

func (b *AMQPBroker) isClosing() bool {
	select {
	case <-b.closing:
		return true
	default:
		return false
	}
}

// Close stops consuming and releases the connection.
func (b *AMQPBroker) Close() error {
	b.closeOnce.Do(func() { close(b.closing) })
	_ = b.local.Close()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subCh != nil {
		_ = b.subCh.Close()
	}
	if b.pubCh != nil {
		_ = b.pubCh.Close()
	}
	var err error
	if b.conn != nil {
		err = b.conn.Close()
	}
	b.conn, b.pubCh, b.subCh = nil, nil, nil
	return err
}

func (b *AMQPBroker) publish(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	b.mu.Lock()
	ch := b.pubCh
	if ch == nil {
		b.mu.Unlock()
		return b.publishLocal(ev)
	}
	err = ch.PublishWithContext(ctx, b.exchange, ev.Topic, false, false, amqp.Publishing{
		ContentType: "application/json",
		MessageId:   ev.ID,
		Type:        ev.Name,
		Timestamp:   ev.PublishedAt,
		Body:        body,
	})
	b.mu.Unlock()
	if err == nil {
		return nil
	}
	observability.IncAMQPPublishError()
	if errors.Is(err, amqp.ErrClosed) {
		return b.publishLocal(ev)
	}
	return err
}

// publishLocal hands ev to this process's subscribers while the exchange is
// unreachable.
func (b *AMQPBroker) publishLocal(ev Event) error {
	if b.isClosing() {
		return ErrBrokerClosed
	}
	b.log.Debug("pubsub.amqp.publish.local", "topic", ev.Topic, "event", ev.Name)
	b.local.Deliver(ev)
	return nil
}

type amqpTopic struct {
	broker *AMQPBroker
	name   string
}

func (t *amqpTopic) Name() string { return t.name }

func (t *amqpTopic) Publish(ctx context.Context, event string, payload any) error {
	ev, err := NewEvent(t.name, event, payload)
	if err != nil {
		return err
	}
	return t.broker.publish(ctx, ev)
}

func (t *amqpTopic) Subscribe(h Handler) (Subscription, error) {
	return t.broker.local.subscribe(t.name, h)
}

// NewBroker returns an AMQP-backed broker, or an in-process broker when
// RabbitMQ is not configured or unreachable.
func NewBroker(log *slog.Logger, url, exchange string) Broker {
	if log == nil {
		log = slog.Default()
	}
	if url == "" {
		log.Info("pubsub.mode", "mode", "memory", "reason", "empty amqp url")
		return NewMemoryBroker(log)
	}
	b, err := NewAMQPBroker(log, url, exchange)
	if err != nil {
		log.Warn("pubsub.mode", "mode", "memory", "reason", err.Error())
		return NewMemoryBroker(log)
	}
	log.Info("pubsub.mode", "mode", "amqp", "exchange", exchange)
	return b
}

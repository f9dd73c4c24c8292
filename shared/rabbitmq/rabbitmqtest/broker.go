// Package rabbitmqtest provides an in-memory broker that satisfies the
// rabbitmq.Dialer contract, for tests that need connections to drop and
// deliveries to be settled without a running RabbitMQ.
package rabbitmqtest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cuongbtq/taskrouter/shared/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Settlement kinds
const (
	KindAck    = "ack"
	KindNack   = "nack"
	KindReject = "reject"
)

// Settlement records one ack, nack or reject
type Settlement struct {
	Tag       uint64
	MessageID string
	Kind      string
	Requeue   bool
}

// Publication records one published message
type Publication struct {
	Queue string
	Msg   amqp.Publishing
}

// ErrNoConsumer is returned by Deliver when nobody consumes the queue
var ErrNoConsumer = errors.New("no consumer on queue")

// Broker is a fake RabbitMQ node
type Broker struct {
	mu         sync.Mutex
	dialErrs   []error
	dials      int
	conns      []*Conn
	declared   map[string]amqp.Table
	missing    map[string]bool
	prefetch   int
	published  []Publication
	settled    []Settlement
	inflight   map[uint64]string
	nextTag    uint64
	loopback   bool
	publishErr error
	ackErr     error
}

// NewBroker creates an empty broker
func NewBroker() *Broker {
	return &Broker{
		declared: make(map[string]amqp.Table),
		missing:  make(map[string]bool),
		inflight: make(map[uint64]string),
	}
}

// Dial implements rabbitmq.Dialer
func (b *Broker) Dial(url string, cfg amqp.Config) (rabbitmq.Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.dials++
	if len(b.dialErrs) > 0 {
		err := b.dialErrs[0]
		b.dialErrs = b.dialErrs[1:]
		return nil, err
	}

	c := &Conn{broker: b, vhost: cfg.Vhost}
	b.conns = append(b.conns, c)
	return c, nil
}

// FailDials makes the next n dials fail with err
func (b *Broker) FailDials(n int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := 0; i < n; i++ {
		b.dialErrs = append(b.dialErrs, err)
	}
}

// Dials returns the number of dial attempts so far
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// Connections returns the number of successful dials
func (b *Broker) Connections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// MarkMissing makes passive declares of queue fail with NOT_FOUND
func (b *Broker) MarkMissing(queue string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.missing[queue] = true
}

// Declared returns the arguments queue was declared with
func (b *Broker) Declared(queue string) (amqp.Table, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	args, ok := b.declared[queue]
	return args, ok
}

// Prefetch returns the last QoS prefetch count set
func (b *Broker) Prefetch() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.prefetch
}

// Published returns the messages published to queue
func (b *Broker) Published(queue string) []amqp.Publishing {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []amqp.Publishing
	for _, p := range b.published {
		if p.Queue == queue {
			out = append(out, p.Msg)
		}
	}
	return out
}

// Settlements returns every ack, nack and reject in order
func (b *Broker) Settlements() []Settlement {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Settlement(nil), b.settled...)
}

// Unsettled returns the number of deliveries not yet acked or rejected
func (b *Broker) Unsettled() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.inflight)
}

// SetLoopback routes publishes to consumed queues straight back to the
// consumer
func (b *Broker) SetLoopback(on bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.loopback = on
}

// FailPublish makes publishes return err until called again with nil
func (b *Broker) FailPublish(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishErr = err
}

// FailAck makes acks return err until called again with nil
func (b *Broker) FailAck(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ackErr = err
}

// Deliver pushes msg to an active consumer of queue
func (b *Broker) Deliver(queue string, msg amqp.Publishing) error {
	b.mu.Lock()
	conns := append([]*Conn(nil), b.conns...)
	b.mu.Unlock()

	for i := len(conns) - 1; i >= 0; i-- {
		if conns[i].deliver(queue, msg) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrNoConsumer, queue)
}

// WaitForConsumer blocks until queue has an active consumer
func (b *Broker) WaitForConsumer(ctx context.Context, queue string) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		if b.hasConsumer(queue) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// DropConnection closes the newest connection as if the broker went away
func (b *Broker) DropConnection(reason string) {
	b.mu.Lock()
	var c *Conn
	if len(b.conns) > 0 {
		c = b.conns[len(b.conns)-1]
	}
	b.mu.Unlock()

	if c != nil {
		c.shutdown(&amqp.Error{Code: amqp.ConnectionForced, Reason: reason, Server: true})
	}
}

func (b *Broker) hasConsumer(queue string) bool {
	b.mu.Lock()
	conns := append([]*Conn(nil), b.conns...)
	b.mu.Unlock()

	for _, c := range conns {
		if c.hasConsumer(queue) {
			return true
		}
	}
	return false
}

func (b *Broker) tag(messageID string) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextTag++
	b.inflight[b.nextTag] = messageID
	return b.nextTag
}

func (b *Broker) settle(tag uint64, kind string, requeue bool) error {
	b.mu.Lock()
	if kind == KindAck && b.ackErr != nil {
		err := b.ackErr
		b.mu.Unlock()
		return err
	}
	id := b.inflight[tag]
	delete(b.inflight, tag)
	b.settled = append(b.settled, Settlement{Tag: tag, MessageID: id, Kind: kind, Requeue: requeue})
	b.mu.Unlock()
	return nil
}

func (b *Broker) publish(queue string, msg amqp.Publishing) error {
	b.mu.Lock()
	if b.publishErr != nil {
		err := b.publishErr
		b.mu.Unlock()
		return err
	}
	b.published = append(b.published, Publication{Queue: queue, Msg: msg})
	loopback := b.loopback
	b.mu.Unlock()

	if loopback {
		_ = b.Deliver(queue, msg)
	}
	return nil
}

// Conn is a fake connection
type Conn struct {
	broker *Broker
	vhost  string

	mu       sync.Mutex
	closed   bool
	notify   []chan *amqp.Error
	channels []*Chan
}

// VHost returns the virtual host the connection was opened on
func (c *Conn) VHost() string {
	return c.vhost
}

// Channel implements rabbitmq.Connection
func (c *Conn) Channel() (rabbitmq.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, amqp.ErrClosed
	}
	ch := &Chan{conn: c, consumers: make(map[string]consumer)}
	c.channels = append(c.channels, ch)
	return ch, nil
}

// NotifyClose implements rabbitmq.Connection
func (c *Conn) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		close(receiver)
		return receiver
	}
	c.notify = append(c.notify, receiver)
	return receiver
}

// IsClosed implements rabbitmq.Connection
func (c *Conn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close implements rabbitmq.Connection
func (c *Conn) Close() error {
	if c.IsClosed() {
		return amqp.ErrClosed
	}
	c.shutdown(nil)
	return nil
}

func (c *Conn) shutdown(cause *amqp.Error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	notify := c.notify
	c.notify = nil
	channels := c.channels
	c.mu.Unlock()

	for _, ch := range channels {
		ch.shutdown(cause)
	}
	for _, n := range notify {
		if cause != nil {
			select {
			case n <- cause:
			default:
			}
		}
		close(n)
	}
}

func (c *Conn) deliver(queue string, msg amqp.Publishing) bool {
	c.mu.Lock()
	channels := append([]*Chan(nil), c.channels...)
	c.mu.Unlock()

	for i := len(channels) - 1; i >= 0; i-- {
		if channels[i].deliver(queue, msg) {
			return true
		}
	}
	return false
}

func (c *Conn) hasConsumer(queue string) bool {
	c.mu.Lock()
	channels := append([]*Chan(nil), c.channels...)
	c.mu.Unlock()

	for _, ch := range channels {
		if ch.hasConsumer(queue) {
			return true
		}
	}
	return false
}

type consumer struct {
	queue      string
	deliveries chan amqp.Delivery
}

// Chan is a fake channel
type Chan struct {
	conn *Conn

	mu        sync.Mutex
	closed    bool
	notify    []chan *amqp.Error
	consumers map[string]consumer
	nextCTag  int
}

// Qos implements rabbitmq.Channel
func (ch *Chan) Qos(prefetchCount, prefetchSize int, global bool) error {
	if ch.isClosed() {
		return amqp.ErrClosed
	}
	b := ch.conn.broker
	b.mu.Lock()
	b.prefetch = prefetchCount
	b.mu.Unlock()
	return nil
}

// QueueDeclare implements rabbitmq.Channel
func (ch *Chan) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	if ch.isClosed() {
		return amqp.Queue{}, amqp.ErrClosed
	}
	b := ch.conn.broker
	b.mu.Lock()
	if args == nil {
		args = amqp.Table{}
	}
	b.declared[name] = args
	delete(b.missing, name)
	b.mu.Unlock()
	return amqp.Queue{Name: name}, nil
}

// QueueDeclarePassive implements rabbitmq.Channel
func (ch *Chan) QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	if ch.isClosed() {
		return amqp.Queue{}, amqp.ErrClosed
	}
	b := ch.conn.broker
	b.mu.Lock()
	missing := b.missing[name]
	b.mu.Unlock()

	if missing {
		err := &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - no queue '" + name + "'", Server: true}
		ch.shutdown(err)
		return amqp.Queue{}, err
	}
	return amqp.Queue{Name: name}, nil
}

// Consume implements rabbitmq.Channel
func (ch *Chan) Consume(queue, tag string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.closed {
		return nil, amqp.ErrClosed
	}
	if tag == "" {
		ch.nextCTag++
		tag = fmt.Sprintf("ctag-%d", ch.nextCTag)
	}
	deliveries := make(chan amqp.Delivery, 256)
	ch.consumers[tag] = consumer{queue: queue, deliveries: deliveries}
	return deliveries, nil
}

// Cancel implements rabbitmq.Channel
func (ch *Chan) Cancel(tag string, noWait bool) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	if c, ok := ch.consumers[tag]; ok {
		close(c.deliveries)
		delete(ch.consumers, tag)
	}
	return nil
}

// PublishWithContext implements rabbitmq.Channel
func (ch *Chan) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if ch.isClosed() {
		return amqp.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return ch.conn.broker.publish(key, msg)
}

// NotifyClose implements rabbitmq.Channel
func (ch *Chan) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.closed {
		close(receiver)
		return receiver
	}
	ch.notify = append(ch.notify, receiver)
	return receiver
}

// Close implements rabbitmq.Channel
func (ch *Chan) Close() error {
	if ch.isClosed() {
		return amqp.ErrClosed
	}
	ch.shutdown(nil)
	return nil
}

// Ack implements amqp.Acknowledger
func (ch *Chan) Ack(tag uint64, multiple bool) error {
	if ch.isClosed() {
		return amqp.ErrClosed
	}
	return ch.conn.broker.settle(tag, KindAck, false)
}

// Nack implements amqp.Acknowledger
func (ch *Chan) Nack(tag uint64, multiple, requeue bool) error {
	if ch.isClosed() {
		return amqp.ErrClosed
	}
	return ch.conn.broker.settle(tag, KindNack, requeue)
}

// Reject implements amqp.Acknowledger
func (ch *Chan) Reject(tag uint64, requeue bool) error {
	if ch.isClosed() {
		return amqp.ErrClosed
	}
	return ch.conn.broker.settle(tag, KindReject, requeue)
}

func (ch *Chan) isClosed() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closed
}

func (ch *Chan) shutdown(cause *amqp.Error) {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return
	}
	ch.closed = true
	notify := ch.notify
	ch.notify = nil
	for tag, c := range ch.consumers {
		close(c.deliveries)
		delete(ch.consumers, tag)
	}
	ch.mu.Unlock()

	for _, n := range notify {
		if cause != nil {
			select {
			case n <- cause:
			default:
			}
		}
		close(n)
	}
}

func (ch *Chan) deliver(queue string, msg amqp.Publishing) bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.closed {
		return false
	}
	for tag, c := range ch.consumers {
		if c.queue != queue {
			continue
		}
		d := amqp.Delivery{
			Acknowledger:  ch,
			Headers:       msg.Headers,
			ContentType:   msg.ContentType,
			DeliveryMode:  msg.DeliveryMode,
			CorrelationId: msg.CorrelationId,
			MessageId:     msg.MessageId,
			Timestamp:     msg.Timestamp,
			Type:          msg.Type,
			ConsumerTag:   tag,
			DeliveryTag:   ch.conn.broker.tag(msg.MessageId),
			RoutingKey:    queue,
			Body:          msg.Body,
		}
		select {
		case c.deliveries <- d:
			return true
		default:
			return false
		}
	}
	return false
}

func (ch *Chan) hasConsumer(queue string) bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.closed {
		return false
	}
	for _, c := range ch.consumers {
		if c.queue == queue {
			return true
		}
	}
	return false
}

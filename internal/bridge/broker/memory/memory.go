// Package memory provides an in-process broker implementing the broker
// interfaces. This backend is useful for testing and local development: it
// models named queues, exclusive ownership, auto-delete, per-queue expiry,
// message TTL, and prefetch-bounded manually acknowledged consumption.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/drblury/mqbridge/internal/bridge/broker"
)

// consumer delivery buffer; inflight is bounded by prefetch, so deliveries
// never pile up beyond this for manually acked consumers.
const deliveryBuffer = 256

// Broker is an in-process message broker.
type Broker struct {
	mu     sync.Mutex
	queues map[string]*memQueue
	conns  map[*memConnection]struct{}
	closed bool
	tagSeq int
}

// New creates an empty in-memory broker.
func New() *Broker {
	return &Broker{
		queues: make(map[string]*memQueue),
		conns:  make(map[*memConnection]struct{}),
	}
}

// Dialer returns a broker.Dialer producing connections bound to this broker.
// The url argument is ignored.
func (b *Broker) Dialer() broker.Dialer {
	return func(string) (broker.Connection, error) {
		return b.connect()
	}
}

func (b *Broker) connect() (broker.Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errors.New("memory broker is closed")
	}
	conn := &memConnection{broker: b}
	b.conns[conn] = struct{}{}
	return conn, nil
}

// HasQueue reports whether a queue currently exists.
func (b *Broker) HasQueue(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queues[name]
	return ok
}

// Queues returns the names of all queues that currently exist.
func (b *Broker) Queues() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.queues))
	for name := range b.queues {
		names = append(names, name)
	}
	return names
}

// QueueDepth returns the number of messages waiting in a queue, not
// counting unacked deliveries.
func (b *Broker) QueueDepth(name string) int {
	b.mu.Lock()
	q, ok := b.queues[name]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}

// Close shuts the broker and every connection down.
func (b *Broker) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	conns := make([]*memConnection, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
}

func (b *Broker) nextTag() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tagSeq++
	return fmt.Sprintf("ctag-%d", b.tagSeq)
}

func (b *Broker) getQueue(name string) *memQueue {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queues[name]
}

func (b *Broker) declareQueue(conn *memConnection, spec broker.QueueSpec) (*memQueue, error) {
	if spec.Name == "" {
		return nil, errors.New("memory broker requires explicit queue names")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errors.New("memory broker is closed")
	}

	if q, ok := b.queues[spec.Name]; ok {
		q.mu.Lock()
		owner := q.owner
		q.mu.Unlock()
		if owner != nil && owner != conn {
			return nil, fmt.Errorf("queue %q is locked by another connection", spec.Name)
		}
		return q, nil
	}

	q := &memQueue{
		broker: b,
		name:   spec.Name,
		spec:   spec,
	}
	if spec.Exclusive {
		q.owner = conn
	}
	b.queues[spec.Name] = q
	q.armExpiry()
	return q, nil
}

func (b *Broker) removeQueue(name string) {
	b.mu.Lock()
	q, ok := b.queues[name]
	if ok {
		delete(b.queues, name)
	}
	b.mu.Unlock()
	if !ok {
		return
	}

	q.mu.Lock()
	q.deleted = true
	if q.expiryTimer != nil {
		q.expiryTimer.Stop()
		q.expiryTimer = nil
	}
	consumers := q.consumers
	q.consumers = nil
	q.messages = nil
	q.mu.Unlock()

	for _, c := range consumers {
		c.closeOnce()
	}
}

type memQueue struct {
	broker *Broker
	name   string
	spec   broker.QueueSpec

	mu          sync.Mutex
	owner       *memConnection
	messages    []*memMessage
	consumers   []*memConsumer
	rr          int
	deleted     bool
	expiryTimer *time.Timer
}

type memMessage struct {
	pub       broker.Publishing
	expiresAt time.Time
}

// armExpiry schedules queue deletion after the configured unused period.
// Caller must not hold q.mu via the broker lock ordering; uses its own lock.
func (q *memQueue) armExpiry() {
	if q.spec.Expiry <= 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.deleted {
		return
	}
	if q.expiryTimer != nil {
		q.expiryTimer.Stop()
	}
	q.expiryTimer = time.AfterFunc(q.spec.Expiry, func() {
		q.mu.Lock()
		unused := len(q.consumers) == 0 && !q.deleted
		q.mu.Unlock()
		if unused {
			q.broker.removeQueue(q.name)
		}
	})
}

func (q *memQueue) publish(pub broker.Publishing) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.deleted {
		return
	}
	msg := &memMessage{pub: pub}
	if q.spec.MessageTTL > 0 {
		msg.expiresAt = time.Now().Add(q.spec.MessageTTL)
	}
	q.messages = append(q.messages, msg)
	q.dispatchLocked()
}

func (q *memQueue) addConsumer(c *memConsumer) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.expiryTimer != nil {
		q.expiryTimer.Stop()
		q.expiryTimer = nil
	}
	q.consumers = append(q.consumers, c)
	q.dispatchLocked()
}

func (q *memQueue) removeConsumer(c *memConsumer) {
	q.mu.Lock()
	for i, cc := range q.consumers {
		if cc == c {
			q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
			break
		}
	}
	autoDelete := q.spec.AutoDelete && len(q.consumers) == 0 && !q.deleted
	noConsumers := len(q.consumers) == 0
	q.mu.Unlock()

	c.closeOnce()

	if autoDelete {
		q.broker.removeQueue(q.name)
		return
	}
	if noConsumers {
		q.armExpiry()
	}
}

// dispatchLocked hands pending messages to consumers with free capacity.
// Round-robin across consumers; expired messages are discarded.
func (q *memQueue) dispatchLocked() {
	now := time.Now()
	for len(q.messages) > 0 {
		c := q.pickConsumerLocked()
		if c == nil {
			return
		}
		msg := q.messages[0]
		q.messages = q.messages[1:]
		if !msg.expiresAt.IsZero() && now.After(msg.expiresAt) {
			continue
		}
		if !c.autoAck {
			c.inflight++
		}
		c.out <- &memDelivery{queue: q, consumer: c, pub: msg.pub, autoAck: c.autoAck}
	}
}

func (q *memQueue) pickConsumerLocked() *memConsumer {
	n := len(q.consumers)
	for i := 0; i < n; i++ {
		c := q.consumers[(q.rr+i)%n]
		if c.autoAck || c.prefetch <= 0 || c.inflight < c.prefetch {
			q.rr = (q.rr + i + 1) % n
			return c
		}
	}
	return nil
}

func (q *memQueue) settle(c *memConsumer, requeue bool, pub broker.Publishing) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if c.inflight > 0 {
		c.inflight--
	}
	if requeue && !q.deleted {
		q.messages = append([]*memMessage{{pub: pub}}, q.messages...)
	}
	q.dispatchLocked()
}

type memConnection struct {
	broker *Broker

	mu       sync.Mutex
	closed   bool
	channels []*memChannel
}

func (c *memConnection) Channel() (broker.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errors.New("connection is closed")
	}
	ch := &memChannel{conn: c, broker: c.broker}
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *memConnection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *memConnection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	channels := c.channels
	c.channels = nil
	c.mu.Unlock()

	for _, ch := range channels {
		_ = ch.Close()
	}

	// Exclusive queues die with their connection.
	c.broker.mu.Lock()
	var owned []string
	for name, q := range c.broker.queues {
		q.mu.Lock()
		if q.owner == c {
			owned = append(owned, name)
		}
		q.mu.Unlock()
	}
	delete(c.broker.conns, c)
	c.broker.mu.Unlock()

	for _, name := range owned {
		c.broker.removeQueue(name)
	}
	return nil
}

type memChannel struct {
	conn   *memConnection
	broker *Broker

	mu        sync.Mutex
	closed    bool
	consumers map[string]*memConsumer
}

func (ch *memChannel) DeclareQueue(spec broker.QueueSpec) (string, error) {
	if err := ch.alive(); err != nil {
		return "", err
	}
	q, err := ch.broker.declareQueue(ch.conn, spec)
	if err != nil {
		return "", err
	}
	return q.name, nil
}

func (ch *memChannel) DeleteQueue(name string) error {
	if err := ch.alive(); err != nil {
		return err
	}
	ch.broker.removeQueue(name)
	return nil
}

func (ch *memChannel) Publish(_ context.Context, queue string, pub broker.Publishing) error {
	if err := ch.alive(); err != nil {
		return err
	}
	q := ch.broker.getQueue(queue)
	if q == nil {
		// Matches default-exchange routing of AMQP brokers: unroutable
		// messages without the mandatory flag are silently dropped.
		return nil
	}
	q.publish(pub)
	return nil
}

func (ch *memChannel) Consume(queue string, opts broker.ConsumeOptions) (<-chan broker.Delivery, error) {
	if err := ch.alive(); err != nil {
		return nil, err
	}
	q := ch.broker.getQueue(queue)
	if q == nil {
		return nil, fmt.Errorf("queue %q does not exist", queue)
	}

	q.mu.Lock()
	if q.owner != nil && q.owner != ch.conn {
		q.mu.Unlock()
		return nil, fmt.Errorf("queue %q is locked by another connection", queue)
	}
	q.mu.Unlock()

	tag := opts.ConsumerTag
	if tag == "" {
		tag = ch.broker.nextTag()
	}

	c := &memConsumer{
		tag:      tag,
		autoAck:  opts.AutoAck,
		prefetch: opts.Prefetch,
		out:      make(chan broker.Delivery, deliveryBuffer),
		queue:    q,
	}

	ch.mu.Lock()
	if ch.consumers == nil {
		ch.consumers = make(map[string]*memConsumer)
	}
	if _, dup := ch.consumers[tag]; dup {
		ch.mu.Unlock()
		return nil, fmt.Errorf("consumer tag %q already in use", tag)
	}
	ch.consumers[tag] = c
	ch.mu.Unlock()

	q.addConsumer(c)
	return c.out, nil
}

func (ch *memChannel) Cancel(consumerTag string) error {
	ch.mu.Lock()
	c, ok := ch.consumers[consumerTag]
	if ok {
		delete(ch.consumers, consumerTag)
	}
	ch.mu.Unlock()
	if !ok {
		return nil
	}
	c.queue.removeConsumer(c)
	return nil
}

func (ch *memChannel) Close() error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return nil
	}
	ch.closed = true
	consumers := ch.consumers
	ch.consumers = nil
	ch.mu.Unlock()

	for _, c := range consumers {
		c.queue.removeConsumer(c)
	}
	return nil
}

func (ch *memChannel) alive() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return errors.New("channel is closed")
	}
	if ch.conn.IsClosed() {
		return errors.New("connection is closed")
	}
	return nil
}

type memConsumer struct {
	tag      string
	autoAck  bool
	prefetch int
	inflight int
	queue    *memQueue
	out      chan broker.Delivery

	closeGuard sync.Once
}

func (c *memConsumer) closeOnce() {
	c.closeGuard.Do(func() { close(c.out) })
}

type memDelivery struct {
	queue    *memQueue
	consumer *memConsumer
	pub      broker.Publishing
	autoAck  bool

	settled sync.Once
}

func (d *memDelivery) MessageID() string     { return d.pub.MessageID }
func (d *memDelivery) ContentType() string   { return d.pub.ContentType }
func (d *memDelivery) CorrelationID() string { return d.pub.CorrelationID }
func (d *memDelivery) ReplyTo() string       { return d.pub.ReplyTo }
func (d *memDelivery) Body() []byte          { return d.pub.Body }

func (d *memDelivery) Ack() error {
	if d.autoAck {
		return errors.New("consumer is auto-ack")
	}
	d.settled.Do(func() {
		d.queue.settle(d.consumer, false, d.pub)
	})
	return nil
}

func (d *memDelivery) Nack(requeue bool) error {
	if d.autoAck {
		return errors.New("consumer is auto-ack")
	}
	d.settled.Do(func() {
		d.queue.settle(d.consumer, requeue, d.pub)
	})
	return nil
}

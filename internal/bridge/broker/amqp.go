package broker

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// deliveryBacklog buffers forwarded deliveries so a consumer that stops
// reading early does not pin the forwarding goroutine mid-send.
const deliveryBacklog = 16

// DialAMQP connects to an AMQP broker. It is the production Dialer.
func DialAMQP(url string) (Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}
	return &amqpConnection{conn: conn}, nil
}

type amqpConnection struct {
	conn *amqp.Connection
}

func (c *amqpConnection) Channel() (Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	return &amqpChannel{ch: ch, closed: make(chan struct{})}, nil
}

func (c *amqpConnection) IsClosed() bool {
	return c.conn.IsClosed()
}

func (c *amqpConnection) Close() error {
	return c.conn.Close()
}

type amqpChannel struct {
	ch        *amqp.Channel
	closed    chan struct{}
	closeOnce sync.Once
}

func (c *amqpChannel) DeclareQueue(spec QueueSpec) (string, error) {
	var args amqp.Table
	if spec.MessageTTL > 0 || spec.Expiry > 0 {
		args = amqp.Table{}
		if spec.MessageTTL > 0 {
			args["x-message-ttl"] = spec.MessageTTL.Milliseconds()
		}
		if spec.Expiry > 0 {
			args["x-expires"] = spec.Expiry.Milliseconds()
		}
	}

	q, err := c.ch.QueueDeclare(
		spec.Name,
		spec.Durable,
		spec.AutoDelete,
		spec.Exclusive,
		false, // no-wait
		args,
	)
	if err != nil {
		return "", fmt.Errorf("failed to declare queue %q: %w", spec.Name, err)
	}
	return q.Name, nil
}

func (c *amqpChannel) DeleteQueue(name string) error {
	if _, err := c.ch.QueueDelete(name, false, false, false); err != nil {
		return fmt.Errorf("failed to delete queue %q: %w", name, err)
	}
	return nil
}

func (c *amqpChannel) Publish(ctx context.Context, queue string, pub Publishing) error {
	// Default exchange, routing key = queue name.
	err := c.ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		MessageId:     pub.MessageID,
		ContentType:   pub.ContentType,
		CorrelationId: pub.CorrelationID,
		ReplyTo:       pub.ReplyTo,
		Body:          pub.Body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish to %q: %w", queue, err)
	}
	return nil
}

func (c *amqpChannel) Consume(queue string, opts ConsumeOptions) (<-chan Delivery, error) {
	if !opts.AutoAck && opts.Prefetch > 0 {
		if err := c.ch.Qos(opts.Prefetch, 0, false); err != nil {
			return nil, fmt.Errorf("failed to set prefetch: %w", err)
		}
	}

	msgs, err := c.ch.Consume(
		queue,
		opts.ConsumerTag,
		opts.AutoAck,
		opts.Exclusive,
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming from %q: %w", queue, err)
	}

	deliveries := make(chan Delivery, deliveryBacklog)
	go forwardDeliveries(msgs, deliveries, c.closed)
	return deliveries, nil
}

// forwardDeliveries adapts the amqp091 delivery stream. It ends when msgs
// closes, or when the owning channel closes while a receiver has stopped
// reading, so an abandoned stream never strands the goroutine.
func forwardDeliveries(msgs <-chan amqp.Delivery, deliveries chan<- Delivery, closed <-chan struct{}) {
	defer close(deliveries)
	for msg := range msgs {
		select {
		case deliveries <- &amqpDelivery{d: msg}:
		case <-closed:
			return
		}
	}
}

func (c *amqpChannel) Cancel(consumerTag string) error {
	return c.ch.Cancel(consumerTag, false)
}

func (c *amqpChannel) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return c.ch.Close()
}

type amqpDelivery struct {
	d amqp.Delivery
}

func (d *amqpDelivery) MessageID() string     { return d.d.MessageId }
func (d *amqpDelivery) ContentType() string   { return d.d.ContentType }
func (d *amqpDelivery) CorrelationID() string { return d.d.CorrelationId }
func (d *amqpDelivery) ReplyTo() string       { return d.d.ReplyTo }
func (d *amqpDelivery) Body() []byte          { return d.d.Body }

func (d *amqpDelivery) Ack() error {
	return d.d.Ack(false)
}

func (d *amqpDelivery) Nack(requeue bool) error {
	return d.d.Nack(false, requeue)
}

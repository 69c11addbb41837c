// Package broker defines the narrow broker surface the bridge is written
// against: connections, single-owner channels, queue declaration, publish,
// and manually acknowledged consumption. The amqp implementation backs it
// with RabbitMQ; the memory subpackage backs it with an in-process broker
// for tests and local development.
package broker

import (
	"context"
	"time"
)

// Dialer establishes a connection to a broker. The default dialer speaks
// AMQP; tests inject the in-memory broker's dialer instead.
type Dialer func(url string) (Connection, error)

// Connection is a live session to the broker. Connections are owned by the
// pool and must not be closed by borrowers.
type Connection interface {
	// Channel opens a new single-owner channel over this connection.
	Channel() (Channel, error)
	// IsClosed reports whether the connection is no longer usable.
	IsClosed() bool
	Close() error
}

// QueueSpec describes a queue to declare. TTL and Expiry are mapped to the
// broker's per-queue message TTL and queue expiry arguments; zero means
// unset.
type QueueSpec struct {
	Name       string
	Durable    bool
	Exclusive  bool
	AutoDelete bool
	MessageTTL time.Duration
	Expiry     time.Duration
}

// Publishing is an outgoing message with the properties the bridge protocol
// relies on.
type Publishing struct {
	MessageID     string
	ContentType   string
	CorrelationID string
	ReplyTo       string
	Body          []byte
}

// ConsumeOptions tunes a consumer subscription. Prefetch bounds unacked
// in-flight deliveries; it is ignored when AutoAck is set.
type ConsumeOptions struct {
	ConsumerTag string
	AutoAck     bool
	Exclusive   bool
	Prefetch    int
}

// Delivery is a received message. Exactly one of Ack or Nack must be called
// unless the consumer was opened with AutoAck.
type Delivery interface {
	MessageID() string
	ContentType() string
	CorrelationID() string
	ReplyTo() string
	Body() []byte
	Ack() error
	Nack(requeue bool) error
}

// Channel is a lightweight session multiplexed over one connection. A
// channel must only ever be used by one goroutine at a time; concurrency is
// achieved by opening more channels, not by sharing one.
type Channel interface {
	// DeclareQueue declares a queue and returns its name.
	DeclareQueue(spec QueueSpec) (string, error)
	// DeleteQueue removes a queue regardless of contents.
	DeleteQueue(name string) error
	// Publish sends a message directly to the named queue.
	Publish(ctx context.Context, queue string, pub Publishing) error
	// Consume subscribes to a queue. The returned channel closes when the
	// consumer is cancelled or the channel closes.
	Consume(queue string, opts ConsumeOptions) (<-chan Delivery, error)
	// Cancel stops the consumer with the given tag.
	Cancel(consumerTag string) error
	Close() error
}

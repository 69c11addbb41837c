package broker

import (
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

func TestForwardDeliveriesKeepsProperties(t *testing.T) {
	msgs := make(chan amqp.Delivery, 1)
	deliveries := make(chan Delivery, 1)
	closed := make(chan struct{})

	go forwardDeliveries(msgs, deliveries, closed)

	msgs <- amqp.Delivery{
		MessageId:     "getWidget",
		ContentType:   "application/json",
		CorrelationId: "c1",
		ReplyTo:       "r1",
		Body:          []byte(`{}`),
	}
	close(msgs)

	select {
	case d := <-deliveries:
		if d.MessageID() != "getWidget" || d.CorrelationID() != "c1" || d.ReplyTo() != "r1" {
			t.Fatalf("properties lost: %q %q %q", d.MessageID(), d.CorrelationID(), d.ReplyTo())
		}
	case <-time.After(time.Second):
		t.Fatal("no delivery forwarded")
	}

	if _, ok := <-deliveries; ok {
		t.Fatal("deliveries not closed after source closed")
	}
}

func TestForwardDeliveriesUnblocksOnChannelClose(t *testing.T) {
	msgs := make(chan amqp.Delivery)
	deliveries := make(chan Delivery, 1)
	closed := make(chan struct{})

	done := make(chan struct{})
	go func() {
		forwardDeliveries(msgs, deliveries, closed)
		close(done)
	}()

	// First message fills the buffer; the second leaves the forwarder
	// mid-send with nobody reading.
	msgs <- amqp.Delivery{CorrelationId: "c1"}
	msgs <- amqp.Delivery{CorrelationId: "c2"}

	close(closed)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("forwarder still blocked after channel close")
	}
}

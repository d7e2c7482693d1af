// Package transport carries envelopes between this agent and its peers over
// the broker. Outbound publishes are confirmed end to end; inbound
// consumption is serialized so changes apply in arrival order.
package transport

import "context"

// Message is one inbound broker message. Ack removes it from the stream, Nak
// schedules redelivery.
type Message interface {
	Subject() string
	Data() []byte
	Ack() error
	Nak() error
}

// Handler processes one inbound message and settles it via Ack or Nak.
type Handler func(ctx context.Context, msg Message)

// Stop tears down one subscription.
type Stop func()

// Broker is the messaging surface the rest of the module programs against.
type Broker interface {
	// Publish sends payload and blocks until the broker confirms persistence.
	// An error means the payload must be retained for retry.
	Publish(ctx context.Context, subject string, payload []byte) error

	// Consume delivers messages on subject to handler, one at a time, under
	// the given durable name. Unsettled messages are redelivered.
	Consume(ctx context.Context, subject, durable string, handler Handler) (Stop, error)

	// Healthy reports whether the broker connection is currently usable.
	Healthy() bool

	Close()
}

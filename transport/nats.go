package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

const publishTimeout = 5 * time.Second

// NatsBroker implements Broker over NATS JetStream.
type NatsBroker struct {
	nc *nats.Conn
	js jetstream.JetStream

	stream        string
	durablePrefix string
}

// Connect dials NATS and ensures the work stream covering the given subjects
// exists. The connection reconnects indefinitely on its own.
func Connect(ctx context.Context, url, stream, durablePrefix string, subjects []string) (*NatsBroker, error) {
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("Broker connection lost")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("Broker connection restored")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      stream,
		Subjects:  subjects,
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    7 * 24 * time.Hour,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure stream %s: %w", stream, err)
	}

	return &NatsBroker{nc: nc, js: js, stream: stream, durablePrefix: durablePrefix}, nil
}

// Publish sends payload and waits for the JetStream persistence ack.
func (b *NatsBroker) Publish(ctx context.Context, subject string, payload []byte) error {
	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	if _, err := b.js.Publish(pubCtx, subject, payload); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}

// Consume attaches a durable pull consumer to subject. MaxAckPending of one
// keeps delivery strictly serial: the next message waits until the current
// one is settled.
func (b *NatsBroker) Consume(ctx context.Context, subject, durable string, handler Handler) (Stop, error) {
	cons, err := b.js.CreateOrUpdateConsumer(ctx, b.stream, jetstream.ConsumerConfig{
		Durable:       b.durablePrefix + durable,
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxAckPending: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure consumer %s: %w", durable, err)
	}

	consCtx, cancel := context.WithCancel(context.Background())
	cc, err := cons.Consume(func(msg jetstream.Msg) {
		handler(consCtx, natsMessage{msg})
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("start consumer %s: %w", durable, err)
	}

	log.Info().Str("subject", subject).Str("durable", durable).Msg("Consumer attached")
	return func() {
		cc.Stop()
		cancel()
	}, nil
}

// Healthy reports whether the NATS connection is up.
func (b *NatsBroker) Healthy() bool {
	return b.nc != nil && b.nc.IsConnected()
}

// Close drains and releases the connection.
func (b *NatsBroker) Close() {
	if b.nc != nil {
		_ = b.nc.Drain()
	}
}

type natsMessage struct {
	msg jetstream.Msg
}

func (m natsMessage) Subject() string { return m.msg.Subject() }
func (m natsMessage) Data() []byte    { return m.msg.Data() }
func (m natsMessage) Ack() error      { return m.msg.Ack() }
func (m natsMessage) Nak() error      { return m.msg.Nak() }

package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// Stream and subject layout. All facts land in one durable file-backed
// stream so a broker restart never loses an unacknowledged fact; dead
// letters get their own stream for manual inspection.
const (
	factStreamName = "FACTS"
	dlqStreamName  = "DLQ"
	dlqPrefix      = "dlq."
)

var factSubjects = []string{
	ServiceIdentity + ".>",
	ServiceBilling + ".>",
	ServiceExam + ".>",
}

// NATSBus publishes facts to and consumes facts from NATS JetStream.
// One bus per process; the dispatcher borrows its JetStream context.
type NATSBus struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	source string
}

// NewNATSBus connects to NATS with automatic reconnection, ensures the fact
// and dead-letter streams exist, and returns a bus that publishes facts as
// the given source service. Extra nats.Option values (e.g. disconnect
// handlers) can be appended.
func NewNATSBus(url, sourceService string, opts ...nats.Option) (*NATSBus, error) {
	defaults := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	}
	nc, err := nats.Connect(url, append(defaults, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("%w: connecting to NATS at %s: %v", ErrBrokerUnavailable, url, err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("%w: jetstream context: %v", ErrBrokerUnavailable, err)
	}

	if err := ensureStream(js, factStreamName, factSubjects); err != nil {
		nc.Close()
		return nil, err
	}
	if err := ensureStream(js, dlqStreamName, []string{dlqPrefix + ">"}); err != nil {
		nc.Close()
		return nil, err
	}

	return &NATSBus{conn: nc, js: js, source: sourceService}, nil
}

// ensureStream creates the stream if it does not exist. Creation is
// idempotent across concurrent service instances.
func ensureStream(js nats.JetStreamContext, name string, subjects []string) error {
	_, err := js.StreamInfo(name)
	if err == nil {
		return nil
	}
	if err != nats.ErrStreamNotFound {
		return fmt.Errorf("%w: stream info %s: %v", ErrBrokerUnavailable, name, err)
	}
	_, err = js.AddStream(&nats.StreamConfig{
		Name:      name,
		Subjects:  subjects,
		Storage:   nats.FileStorage,
		Retention: nats.LimitsPolicy,
	})
	if err != nil && err != nats.ErrStreamNameAlreadyInUse {
		return fmt.Errorf("%w: add stream %s: %v", ErrBrokerUnavailable, name, err)
	}
	return nil
}

// Publish wraps the payload in an envelope and publishes it under
// "<sourceService>.<factType>". The publish is synchronous: the broker has
// persisted the fact before Publish returns nil.
func (b *NATSBus) Publish(ctx context.Context, p Payload) error {
	env, err := NewEnvelope(b.source, p, "")
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshaling envelope: %w", err)
	}
	if _, err := b.js.Publish(env.Subject(), data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("%w: publish %s: %v", ErrBrokerUnavailable, env.Subject(), err)
	}
	return nil
}

// Close drains the connection.
func (b *NATSBus) Close() error {
	b.conn.Close()
	return nil
}

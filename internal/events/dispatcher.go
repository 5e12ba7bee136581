package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/cychipo/examio-be-sub003/internal/metrics"
)

// Outcome is the tagged result of dispatching one envelope. Every delivery
// ends in exactly one of these; there is no catch-log-and-ack path.
type Outcome int

const (
	// Ack acknowledges the envelope: all handlers completed, or no handler
	// is registered for its type.
	Ack Outcome = iota
	// Retry negatively acknowledges the envelope for redelivery.
	Retry
	// DeadLetter routes the envelope to the dead-letter stream for manual
	// inspection and terminates redelivery.
	DeadLetter
)

func (o Outcome) String() string {
	switch o {
	case Ack:
		return "ack"
	case Retry:
		return "retry"
	case DeadLetter:
		return "dead_letter"
	}
	return "unknown"
}

// Handler processes one envelope. A non-nil error triggers redelivery
// (bounded) and eventually dead-lettering; handlers must therefore be
// idempotent with respect to envelope content.
type Handler func(ctx context.Context, env Envelope) error

const (
	defaultMaxDeliver = 5
	defaultRetryDelay = 2 * time.Second
	defaultAckWait    = 30 * time.Second
)

// Dispatcher owns one durable queue for a consuming service. Multiple bound
// patterns funnel into the same queue group, so across scaled-out instances
// each envelope is processed by exactly one consumer. The envelope is
// acknowledged only after all registered handlers complete.
//
// A dispatcher is constructed once per process during wiring; handlers are
// registered before the first Bind and not mutated afterwards.
type Dispatcher struct {
	service    string
	js         nats.JetStreamContext
	logger     *slog.Logger
	maxDeliver int
	retryDelay time.Duration

	handlers map[FactType][]Handler

	mu    sync.Mutex
	bound map[string]*nats.Subscription
}

// NewDispatcher creates a dispatcher consuming on behalf of service,
// borrowing the bus's JetStream context.
func NewDispatcher(bus *NATSBus, service string, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		service:    service,
		js:         bus.js,
		logger:     logger,
		maxDeliver: defaultMaxDeliver,
		retryDelay: defaultRetryDelay,
		handlers:   make(map[FactType][]Handler),
		bound:      make(map[string]*nats.Subscription),
	}
}

// Register adds a typed handler for a fact type. The payload is decoded
// into T before fn runs; a body that cannot decode counts as a handler
// failure and follows the retry/dead-letter path.
func Register[T Payload](d *Dispatcher, fn func(ctx context.Context, env Envelope, payload T) error) {
	var zero T
	t := zero.Fact()
	d.handlers[t] = append(d.handlers[t], func(ctx context.Context, env Envelope) error {
		var p T
		if err := env.Decode(&p); err != nil {
			return err
		}
		return fn(ctx, env, p)
	})
}

// Bind subscribes the service's durable queue to a routing pattern, e.g.
// "identity.>" for everything from the identity service. Binding is additive
// and idempotent: binding the same pattern twice is a no-op.
func (d *Dispatcher) Bind(pattern string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.bound[pattern]; ok {
		return nil
	}

	sub, err := d.js.QueueSubscribe(pattern, d.service, d.onMessage,
		nats.Durable(durableName(d.service, pattern)),
		nats.ManualAck(),
		nats.AckWait(defaultAckWait),
		nats.MaxDeliver(d.maxDeliver),
		nats.DeliverAll(),
	)
	if err != nil {
		return fmt.Errorf("%w: bind %s: %v", ErrBrokerUnavailable, pattern, err)
	}
	d.bound[pattern] = sub
	d.logger.Info("dispatcher: bound pattern", "service", d.service, "pattern", pattern)
	return nil
}

// Close unsubscribes all bound patterns. The durable consumers survive on
// the broker, so a restarted instance resumes where this one stopped.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for pattern, sub := range d.bound {
		if err := sub.Unsubscribe(); err != nil {
			d.logger.Warn("dispatcher: unsubscribe failed", "pattern", pattern, "err", err)
		}
		delete(d.bound, pattern)
	}
	return nil
}

func (d *Dispatcher) onMessage(msg *nats.Msg) {
	outcome, env := d.dispatch(context.Background(), msg)
	metrics.FactsProcessed.WithLabelValues(string(env.Type), outcome.String()).Inc()

	switch outcome {
	case Ack:
		if err := msg.Ack(); err != nil {
			d.logger.Error("dispatcher: ack failed", "type", env.Type, "err", err)
		}
	case Retry:
		if err := msg.NakWithDelay(d.retryDelay); err != nil {
			d.logger.Error("dispatcher: nak failed", "type", env.Type, "err", err)
		}
	case DeadLetter:
		d.deadLetter(msg, env)
	}
}

// dispatch parses the envelope and runs every registered handler for its
// type. It returns the envelope alongside the outcome for logging.
func (d *Dispatcher) dispatch(ctx context.Context, msg *nats.Msg) (Outcome, Envelope) {
	var env Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		// A malformed envelope will never parse on redelivery.
		d.logger.Error("dispatcher: malformed envelope", "subject", msg.Subject, "err", err)
		return DeadLetter, env
	}

	handlers := d.handlers[env.Type]
	if len(handlers) == 0 {
		// Bind patterns are coarse; types nobody cares about are dropped.
		return Ack, env
	}

	for _, h := range handlers {
		if err := h(ctx, env); err != nil {
			deliveries := uint64(1)
			if meta, merr := msg.Metadata(); merr == nil {
				deliveries = meta.NumDelivered
			}
			if deliveries >= uint64(d.maxDeliver) {
				d.logger.Error("dispatcher: handler failed, dead-lettering",
					"type", env.Type, "correlation_id", env.CorrelationID,
					"deliveries", deliveries, "err", err)
				return DeadLetter, env
			}
			d.logger.Warn("dispatcher: handler failed, will retry",
				"type", env.Type, "correlation_id", env.CorrelationID,
				"deliveries", deliveries, "err", err)
			return Retry, env
		}
	}
	return Ack, env
}

// deadLetter republishes the raw envelope under the service's dead-letter
// subject, then terminates redelivery. If the republish itself fails the
// message is left unacknowledged so the broker redelivers it; the fact is
// never silently dropped.
func (d *Dispatcher) deadLetter(msg *nats.Msg, env Envelope) {
	if _, err := d.js.Publish(dlqPrefix+d.service, msg.Data); err != nil {
		d.logger.Error("dispatcher: dead-letter publish failed",
			"type", env.Type, "err", err)
		return
	}
	if err := msg.Term(); err != nil {
		d.logger.Error("dispatcher: term failed", "type", env.Type, "err", err)
	}
}

// durableName derives a JetStream-legal durable consumer name from the
// service and pattern (no dots or wildcards allowed).
func durableName(service, pattern string) string {
	r := strings.NewReplacer(".", "_", "*", "any", ">", "all")
	return service + "_" + r.Replace(pattern)
}

package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/KennyDaktyl/smart-schedulers-core/internal/observability"
)

// NATSTransport publishes via JetStream and subscribes via core NATS,
// matching the reference implementation: commands are published through
// the JetStream client for at-least-once delivery to the stream, while
// acks are fire-and-forget core-NATS messages (no durable consumer — the
// timeout sweeper, not redelivery, is what recovers a lost ack).
//
// Reconnect is bounded exponential backoff, the same shape as the
// teacher's LeaderElector.loop: starts at 500ms, doubles, caps at 30s.
type NATSTransport struct {
	url string

	mu sync.Mutex
	nc *nats.Conn
	js nats.JetStreamContext
}

const (
	reconnectInitial = 500 * time.Millisecond
	reconnectMax     = 30 * time.Second
)

// NewNATSTransport connects eagerly so startup fails fast on a bad URL.
func NewNATSTransport(url string) (*NATSTransport, error) {
	t := &NATSTransport{url: url}
	if err := t.connect(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *NATSTransport) connect() error {
	nc, err := nats.Connect(t.url,
		nats.ReconnectWait(reconnectInitial),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[transport] nats disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Printf("[transport] nats reconnected")
			observability.TransportReconnects.WithLabelValues("success").Inc()
		}),
	)
	if err != nil {
		observability.TransportReconnects.WithLabelValues("failure").Inc()
		return fmt.Errorf("connect nats: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return fmt.Errorf("init jetstream context: %w", err)
	}

	t.mu.Lock()
	t.nc = nc
	t.js = js
	t.mu.Unlock()
	return nil
}

// ensureConnected reconnects with bounded exponential backoff when the
// connection has been lost entirely (nats.go handles transient
// reconnects itself; this covers the case where the initial client
// object needs replacing, e.g. after Close).
func (t *NATSTransport) ensureConnected(ctx context.Context) error {
	t.mu.Lock()
	connected := t.nc != nil && !t.nc.IsClosed()
	t.mu.Unlock()
	if connected {
		return nil
	}

	delay := reconnectInitial
	for {
		if err := t.connect(); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > reconnectMax {
			delay = reconnectMax
		}
	}
}

// Publish sends envelope through JetStream to subject.
func (t *NATSTransport) Publish(ctx context.Context, subject string, envelope Envelope) error {
	if err := t.ensureConnected(ctx); err != nil {
		return fmt.Errorf("publish not connected: %w", err)
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	t.mu.Lock()
	js := t.js
	t.mu.Unlock()

	if _, err := js.Publish(subject, payload); err != nil {
		return fmt.Errorf("jetstream publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe registers a plain core-NATS subscription on subject (a
// wildcard pattern for the ack stream), invoking handler per message.
func (t *NATSTransport) Subscribe(ctx context.Context, subject string, handler AckHandler) (Subscription, error) {
	if err := t.ensureConnected(ctx); err != nil {
		return nil, fmt.Errorf("subscribe not connected: %w", err)
	}

	t.mu.Lock()
	nc := t.nc
	t.mu.Unlock()

	sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
		var ack AckEnvelope
		if err := json.Unmarshal(msg.Data, &ack); err != nil {
			log.Printf("[transport] malformed ack message on %s: %v", subject, err)
			return
		}
		handler(ctx, ack)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	return natsSubscription{sub: sub}, nil
}

// Close drains and closes the underlying connection.
func (t *NATSTransport) Close() error {
	t.mu.Lock()
	nc := t.nc
	t.mu.Unlock()
	if nc == nil {
		return nil
	}
	return nc.Drain()
}

type natsSubscription struct {
	sub *nats.Subscription
}

func (s natsSubscription) Unsubscribe() error {
	return s.sub.Unsubscribe()
}

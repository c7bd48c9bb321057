// Package ackconsumer subscribes to the ack wildcard subject and applies
// inbound acks to their commands. Grounded on the reference
// implementation's SchedulerAckConsumer (_handle_ack, _ack_state,
// _event_name_for_ack).
package ackconsumer

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/KennyDaktyl/smart-schedulers-core/internal/domain"
	"github.com/KennyDaktyl/smart-schedulers-core/internal/observability"
	"github.com/KennyDaktyl/smart-schedulers-core/internal/store"
	"github.com/KennyDaktyl/smart-schedulers-core/internal/transport"
)

// Consumer is a cooperative worker: Run blocks until Stop is called or
// ctx is cancelled.
type Consumer struct {
	repo       store.Repository
	subscriber transport.Subscriber
	stream     string

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New wires a Consumer.
func New(repo store.Repository, subscriber transport.Subscriber, stream string) *Consumer {
	return &Consumer{repo: repo, subscriber: subscriber, stream: stream, stopCh: make(chan struct{})}
}

// Run subscribes to the ack wildcard subject and blocks until ctx is
// cancelled or Stop is called. A single subscription suffices — acks for
// every microcontroller land on the same handler.
func (c *Consumer) Run(ctx context.Context) error {
	log.Println("[ack-consumer] starting")
	subject := transport.AckSubject(c.stream)
	sub, err := c.subscriber.Subscribe(ctx, subject, c.handle)
	if err != nil {
		return err
	}
	defer func() { _ = sub.Unsubscribe() }()

	select {
	case <-ctx.Done():
	case <-c.stopCh:
	}
	return nil
}

// Stop makes Run tear down the subscription and return. Idempotent.
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

func (c *Consumer) handle(ctx context.Context, ack transport.AckEnvelope) {
	data := ack.Data
	if data.CommandID == "" {
		log.Printf("[ack-consumer] ack missing command_id, dropping")
		observability.AckConsumerProcessed.WithLabelValues("malformed").Inc()
		return
	}
	if _, err := uuid.Parse(data.CommandID); err != nil {
		log.Printf("[ack-consumer] ack command_id %q is not a uuid, dropping", data.CommandID)
		observability.AckConsumerProcessed.WithLabelValues("malformed").Inc()
		return
	}

	actualState := ackState(data)
	now := time.Now().UTC()

	cmd, changed, err := c.repo.MarkAck(ctx, data.CommandID, data.OK, actualState, now)
	if err != nil {
		log.Printf("[ack-consumer] mark_ack for %s failed: %v", data.CommandID, err)
		return
	}
	if !changed {
		log.Printf("[ack-consumer] ack for %s ignored (unknown or already terminal)", data.CommandID)
		observability.AckConsumerProcessed.WithLabelValues("unknown_or_terminal").Inc()
		return
	}

	// changed implies a transition out of IN_FLIGHT into a terminal status.
	observability.DispatchInflightGauge.Dec()

	outcome := "fail"
	if cmd.Status == domain.StatusAckOK {
		outcome = "ok"
		if actualState != nil {
			if err := c.repo.UpdateDeviceState(ctx, cmd.DeviceID, *actualState, now); err != nil {
				log.Printf("[ack-consumer] update device state for %d failed: %v", cmd.DeviceID, err)
			}
		}
	}
	observability.AckConsumerProcessed.WithLabelValues(outcome).Inc()

	if err := c.repo.CreateAuditEvent(ctx, buildAuditEvent(cmd, actualState, now)); err != nil {
		log.Printf("[ack-consumer] audit event for %s failed: %v", data.CommandID, err)
	}
}

// ackState reads actual_state first, falling back to is_on — the exact
// precedence order the reference implementation's _ack_state iterates.
func ackState(data transport.AckPayload) *bool {
	if data.ActualState != nil {
		if data.IsOn != nil && *data.IsOn != *data.ActualState {
			log.Printf("[ack-consumer] ack for %s has conflicting actual_state=%v is_on=%v; using actual_state", data.CommandID, *data.ActualState, *data.IsOn)
		}
		return data.ActualState
	}
	return data.IsOn
}

func buildAuditEvent(cmd *domain.Command, actualState *bool, now time.Time) domain.DeviceEvent {
	eventType := domain.EventSchedulerAckFailed
	eventName := string(domain.EventSchedulerAckFailed)
	triggerReason := "ACK_FAILED"
	if cmd.Status == domain.StatusAckOK {
		triggerReason = "ACK_OK"
		if cmd.Kind == domain.CommandOn {
			eventType = domain.EventSchedulerTriggerOn
			eventName = string(domain.EventSchedulerTriggerOn)
		} else {
			eventType = domain.EventDeviceOff
			eventName = string(domain.EventDeviceOff)
		}
	}
	return domain.DeviceEvent{
		DeviceID:      cmd.DeviceID,
		EventType:     eventType,
		EventName:     eventName,
		PinState:      actualState,
		TriggerReason: triggerReason,
		Source:        "ack-consumer",
		CreatedAt:     now,
	}
}

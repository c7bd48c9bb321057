// Package transport abstracts the pub/sub surface the dispatcher publishes
// commands on and the ack consumer subscribes to, following the teacher's
// streaming.Publisher/Subscriber interface split so the concrete transport
// (NATS JetStream here) stays swappable.
package transport

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CommandPayload is the "data" object of the published command envelope.
type CommandPayload struct {
	DeviceID     int64  `json:"device_id"`
	DeviceUUID   string `json:"device_uuid"`
	DeviceNumber int    `json:"device_number"`
	Mode         string `json:"mode"`
	Command      string `json:"command"` // "ON" | "OFF"
	IsOn         bool   `json:"is_on"`
	CommandID    string `json:"command_id"`
}

// Envelope is the full wire message shape shared by publish and ack
// subjects (spec §6).
type Envelope struct {
	Subject     string          `json:"subject"`
	EventType   string          `json:"event_type"`
	EventID     string          `json:"event_id"`
	Source      string          `json:"source"`
	EntityType  string          `json:"entity_type"`
	EntityID    string          `json:"entity_id"`
	Timestamp   string          `json:"timestamp"`
	DataVersion string          `json:"data_version"`
	Data        CommandPayload  `json:"data"`
	AckSubject  string          `json:"ack_subject"`
}

// AckPayload is the "data" object of an inbound ack message. OK and
// ActualState/IsOn are read in that precedence order by the ack consumer
// (§3.4 of SPEC_FULL.md).
type AckPayload struct {
	CommandID   string `json:"command_id"`
	OK          bool   `json:"ok"`
	ActualState *bool  `json:"actual_state"`
	IsOn        *bool  `json:"is_on"`
}

// AckEnvelope is the full inbound ack message.
type AckEnvelope struct {
	Data AckPayload `json:"data"`
}

// PublishSubject builds the command subject for a microcontroller.
func PublishSubject(stream, microcontrollerUUID string) string {
	return fmt.Sprintf("%s.%s.command.device.command", stream, microcontrollerUUID)
}

// AckSubject builds the subscribe pattern for inbound acks.
func AckSubject(stream string) string {
	return fmt.Sprintf("%s.*.command.device.command.ack", stream)
}

// BuildEnvelope constructs the publish-side envelope the reference
// implementation's build_event_payload produces.
func BuildEnvelope(stream, microcontrollerUUID string, data CommandPayload, now time.Time) Envelope {
	subject := PublishSubject(stream, microcontrollerUUID)
	return Envelope{
		Subject:     subject,
		EventType:   "device.command",
		EventID:     strings.ReplaceAll(uuid.New().String(), "-", ""),
		Source:      "smart-schedulers",
		EntityType:  "microcontroller",
		EntityID:    microcontrollerUUID,
		Timestamp:   now.UTC().Format(time.RFC3339),
		DataVersion: "1",
		Data:        data,
		AckSubject:  subject + ".ack",
	}
}

// Publisher publishes a command envelope to a microcontroller's subject.
type Publisher interface {
	Publish(ctx context.Context, subject string, envelope Envelope) error
	Close() error
}

// AckHandler processes one decoded inbound ack message.
type AckHandler func(ctx context.Context, ack AckEnvelope)

// Subscriber subscribes to the ack wildcard subject.
type Subscriber interface {
	Subscribe(ctx context.Context, subject string, handler AckHandler) (Subscription, error)
}

// Subscription can be torn down independently of the underlying connection.
type Subscription interface {
	Unsubscribe() error
}

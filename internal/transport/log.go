package transport

import (
	"context"
	"encoding/json"
	"log"
)

// LogPublisher is a Publisher that writes envelopes to the standard
// logger instead of a real transport, grounded on the teacher's
// streaming.LogPublisher. No code path in this module constructs one;
// cmd/scheduler-core always publishes through NATSTransport.
type LogPublisher struct {
	logger *log.Logger
}

// NewLogPublisher returns a LogPublisher writing to the default logger.
func NewLogPublisher() *LogPublisher {
	return &LogPublisher{logger: log.Default()}
}

func (p *LogPublisher) Publish(ctx context.Context, subject string, envelope Envelope) error {
	data, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	p.logger.Printf("[transport] PUBLISH %s: %s", subject, string(data))
	return nil
}

func (p *LogPublisher) Close() error {
	p.logger.Println("[transport] closed LogPublisher")
	return nil
}

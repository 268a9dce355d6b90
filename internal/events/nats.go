package events

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
)

const (
	// TaskUpdateSubject is the NATS subject for task.update events
	TaskUpdateSubject = "events.task.update"

	// RunUpdateSubject is the NATS subject for run.update events
	RunUpdateSubject = "events.run.update"
)

// NATSBus publishes events to NATS. The live-update socket channel
// consumes these; the engine only writes.
type NATSBus struct {
	nc *nats.Conn
}

// NewNATSBus connects to the given NATS URL.
func NewNATSBus(url string) (*NATSBus, error) {
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &NATSBus{nc: nc}, nil
}

// PublishTaskUpdate publishes a task.update event.
func (b *NATSBus) PublishTaskUpdate(event TaskUpdate) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal task update: %w", err)
	}
	if err := b.nc.Publish(TaskUpdateSubject, data); err != nil {
		return fmt.Errorf("failed to publish task update: %w", err)
	}
	return nil
}

// PublishRunUpdate publishes a run.update event.
func (b *NATSBus) PublishRunUpdate(event RunUpdate) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal run update: %w", err)
	}
	if err := b.nc.Publish(RunUpdateSubject, data); err != nil {
		return fmt.Errorf("failed to publish run update: %w", err)
	}
	return nil
}

// Close drains and closes the NATS connection.
func (b *NATSBus) Close() {
	b.nc.Close()
}

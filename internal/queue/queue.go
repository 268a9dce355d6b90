package queue

import (
	"context"
	"errors"
	"time"

	"github.com/canopyflow/canopy/pkg/models"
)

// ErrEmpty signals that the queue has no messages. Consumers poll with a
// bounded sleep when they see it.
var ErrEmpty = errors.New("queue is empty")

// DefaultPollInterval is the bounded sleep between polls of an empty queue.
const DefaultPollInterval = time.Second

// TaskQueue is the shared FIFO of task messages plus its dead-letter
// sibling. Delivery is at-least-once: a popped message is owned by the
// worker until it writes a terminal record or re-pushes, and consumers
// must tolerate repeated delivery.
type TaskQueue interface {
	// Push enqueues a message at the head.
	Push(ctx context.Context, msg models.TaskMessage) error

	// Pop removes and returns the raw payload from the tail, or ErrEmpty.
	// Parsing is the consumer's job so unparseable payloads can still be
	// dead-lettered verbatim.
	Pop(ctx context.Context) (string, error)

	// MoveToDeadLetter pushes a raw payload onto the dead-letter list with
	// a reason. Dead-lettered messages are never retried automatically.
	MoveToDeadLetter(ctx context.Context, rawPayload, reason string) error
}

// DeadLetter is one entry on the dead-letter list.
type DeadLetter struct {
	Payload  string    `json:"payload"`
	Reason   string    `json:"reason"`
	FailedAt time.Time `json:"failed_at"`
}

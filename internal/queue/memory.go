package queue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/canopyflow/canopy/pkg/models"
)

// MemoryQueue is an in-memory task queue for tests and development. It
// mirrors the Redis list semantics: push at head, pop from tail.
type MemoryQueue struct {
	mu       sync.Mutex
	messages []string
	dead     []DeadLetter
}

// NewMemoryQueue creates an empty in-memory queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{}
}

// Push enqueues a message at the head.
func (q *MemoryQueue) Push(ctx context.Context, msg models.TaskMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.messages = append([]string{string(data)}, q.messages...)
	return nil
}

// PushRaw enqueues a raw payload at the head, for injecting malformed
// messages in tests.
func (q *MemoryQueue) PushRaw(raw string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.messages = append([]string{raw}, q.messages...)
}

// Pop removes and returns the raw payload from the tail, or ErrEmpty.
func (q *MemoryQueue) Pop(ctx context.Context) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.messages) == 0 {
		return "", ErrEmpty
	}

	raw := q.messages[len(q.messages)-1]
	q.messages = q.messages[:len(q.messages)-1]
	return raw, nil
}

// MoveToDeadLetter records the payload on the dead-letter list.
func (q *MemoryQueue) MoveToDeadLetter(ctx context.Context, rawPayload, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.dead = append(q.dead, DeadLetter{
		Payload:  rawPayload,
		Reason:   reason,
		FailedAt: time.Now().UTC(),
	})
	return nil
}

// Depth returns the number of pending messages.
func (q *MemoryQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}

// DeadLetters returns a copy of the dead-letter list.
func (q *MemoryQueue) DeadLetters() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]DeadLetter, len(q.dead))
	copy(out, q.dead)
	return out
}

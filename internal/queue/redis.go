package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/canopyflow/canopy/internal/errorhandling"
	"github.com/canopyflow/canopy/pkg/models"
)

const (
	// TasksKey is the Redis list holding pending task messages
	TasksKey = "canopy:tasks"

	// DeadLetterKey is the sibling list holding dead-lettered payloads
	DeadLetterKey = "canopy:tasks:dead"
)

// RedisQueue is the Redis-list-backed task queue: LPUSH at head, RPOP from
// tail, so older enqueues are consumed first.
type RedisQueue struct {
	client   *redis.Client
	tasksKey string
	deadKey  string
}

// NewRedisQueue creates a queue over the given Redis client.
func NewRedisQueue(client *redis.Client) *RedisQueue {
	return &RedisQueue{
		client:   client,
		tasksKey: TasksKey,
		deadKey:  DeadLetterKey,
	}
}

// Push enqueues a task message at the head of the list.
func (q *RedisQueue) Push(ctx context.Context, msg models.TaskMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return errorhandling.Wrap(errorhandling.KindValidation, err, "failed to marshal task message")
	}

	if err := q.client.LPush(ctx, q.tasksKey, data).Err(); err != nil {
		return errorhandling.Wrap(errorhandling.KindInfraTransient, err, "failed to push task message")
	}
	return nil
}

// Pop removes and returns the raw payload from the tail, or ErrEmpty.
func (q *RedisQueue) Pop(ctx context.Context) (string, error) {
	raw, err := q.client.RPop(ctx, q.tasksKey).Result()
	if err == redis.Nil {
		return "", ErrEmpty
	}
	if err != nil {
		return "", errorhandling.Wrap(errorhandling.KindInfraTransient, err, "failed to pop task message")
	}
	return raw, nil
}

// MoveToDeadLetter pushes the raw payload onto the dead-letter list. The
// caller retries the whole pop step if this fails.
func (q *RedisQueue) MoveToDeadLetter(ctx context.Context, rawPayload, reason string) error {
	entry := DeadLetter{
		Payload:  rawPayload,
		Reason:   reason,
		FailedAt: time.Now().UTC(),
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}

	if err := q.client.LPush(ctx, q.deadKey, data).Err(); err != nil {
		return errorhandling.Wrap(errorhandling.KindInfraTransient, err, "failed to dead-letter message")
	}
	return nil
}

// Depth returns the number of pending messages.
func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.tasksKey).Result()
	if err != nil {
		return 0, errorhandling.Wrap(errorhandling.KindInfraTransient, err, "failed to read queue depth")
	}
	return n, nil
}

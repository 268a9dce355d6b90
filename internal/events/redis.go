package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// TaskUpdateChannel is the Redis pub/sub channel for task.update events
	TaskUpdateChannel = "canopy:task_updates"

	// RunUpdateChannel is the Redis pub/sub channel for run.update events
	RunUpdateChannel = "canopy:run_updates"
)

// RedisBus mirrors events onto Redis pub/sub for consumers colocated with
// the queue.
type RedisBus struct {
	client *redis.Client
}

// NewRedisBus creates a Redis-backed event bus.
func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{client: client}
}

// PublishTaskUpdate publishes a task.update event.
func (b *RedisBus) PublishTaskUpdate(event TaskUpdate) error {
	return b.publish(TaskUpdateChannel, event)
}

// PublishRunUpdate publishes a run.update event.
func (b *RedisBus) PublishRunUpdate(event RunUpdate) error {
	return b.publish(RunUpdateChannel, event)
}

func (b *RedisBus) publish(channel string, event any) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := b.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish to Redis: %w", err)
	}
	return nil
}

// SubscribeTaskUpdates listens for task.update events until ctx is done.
// Malformed payloads are skipped.
func (b *RedisBus) SubscribeTaskUpdates(ctx context.Context, handler func(TaskUpdate)) error {
	pubsub := b.client.Subscribe(ctx, TaskUpdateChannel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-ch:
			var event TaskUpdate
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				continue
			}
			handler(event)
		}
	}
}

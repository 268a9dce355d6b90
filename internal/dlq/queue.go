package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/canopyflow/canopy/internal/queue"
	"github.com/canopyflow/canopy/pkg/models"
)

// ErrNotFound is returned when a dead-letter entry is not found
var ErrNotFound = errors.New("dead-letter entry not found")

// Entry is the operator-facing view of one dead-lettered task message.
type Entry struct {
	Index    int       `json:"index"`
	RunID    string    `json:"run_id"`
	DAGID    string    `json:"dag_id"`
	NodeID   string    `json:"node_id"`
	Attempt  int       `json:"attempt"`
	Reason   string    `json:"reason"`
	FailedAt time.Time `json:"failed_at"`
	Payload  string    `json:"payload"`
}

// Inspector reads and replays the dead-letter list. Dead-lettered
// messages are never retried automatically; Replay is the manual path
// back onto the task queue.
type Inspector struct {
	client *redis.Client
	tasks  queue.TaskQueue
}

// NewInspector creates an inspector over the Redis dead-letter list.
func NewInspector(client *redis.Client, tasks queue.TaskQueue) *Inspector {
	return &Inspector{client: client, tasks: tasks}
}

// List returns up to limit entries, newest first.
func (i *Inspector) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}

	raws, err := i.client.LRange(ctx, queue.DeadLetterKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(raws))
	for idx, raw := range raws {
		entries = append(entries, parseEntry(idx, raw))
	}
	return entries, nil
}

// Count returns the number of dead-lettered messages.
func (i *Inspector) Count(ctx context.Context) (int64, error) {
	return i.client.LLen(ctx, queue.DeadLetterKey).Result()
}

// Replay re-enqueues the entry at index onto the task queue and removes
// it from the dead-letter list.
func (i *Inspector) Replay(ctx context.Context, index int) error {
	raw, err := i.client.LIndex(ctx, queue.DeadLetterKey, int64(index)).Result()
	if err == redis.Nil {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	entry := parseEntry(index, raw)
	if entry.RunID == "" || entry.NodeID == "" {
		return errors.New("entry payload is not a replayable task message")
	}

	msg := models.TaskMessage{
		RunID:   entry.RunID,
		DAGID:   entry.DAGID,
		NodeID:  entry.NodeID,
		Attempt: 1, // replays start a fresh attempt sequence
	}
	if err := i.tasks.Push(ctx, msg); err != nil {
		return err
	}

	// LREM by value; the entry JSON is unique enough in practice (it
	// carries the original failure timestamp).
	return i.client.LRem(ctx, queue.DeadLetterKey, 1, raw).Err()
}

// Purge removes all dead-letter entries.
func (i *Inspector) Purge(ctx context.Context) error {
	return i.client.Del(ctx, queue.DeadLetterKey).Err()
}

func parseEntry(index int, raw string) Entry {
	entry := Entry{Index: index, Payload: raw}

	var dl queue.DeadLetter
	if err := json.Unmarshal([]byte(raw), &dl); err != nil {
		return entry
	}
	entry.Reason = dl.Reason
	entry.FailedAt = dl.FailedAt
	entry.Payload = dl.Payload

	var msg models.TaskMessage
	if err := json.Unmarshal([]byte(dl.Payload), &msg); err == nil {
		entry.RunID = msg.RunID
		entry.DAGID = msg.DAGID
		entry.NodeID = msg.NodeID
		entry.Attempt = msg.Attempt
	}
	return entry
}

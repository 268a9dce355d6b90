package events

import (
	"sync"
	"time"

	"github.com/canopyflow/canopy/pkg/models"
)

// WireStatus maps an internal task state to the event vocabulary. A
// retrying record is announced as retry_scheduled; the new attempt will
// emit its own running event when a worker picks it up.
func WireStatus(s models.State) string {
	if s == models.StateRetrying {
		return "retry_scheduled"
	}
	return string(s)
}

// TaskUpdate is the task.update event emitted on every task record
// mutation.
type TaskUpdate struct {
	RunID       string    `json:"runId"`
	NodeID      string    `json:"nodeId"`
	Status      string    `json:"status"` // running | scheduled | retry_scheduled | success | failed
	Attempt     int       `json:"attempt"`
	DisplayName string    `json:"displayName"`
	Timestamp   time.Time `json:"timestamp"`
	Output      string    `json:"output,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// RunUpdate is the run.update event emitted on run status changes.
type RunUpdate struct {
	RunID       string     `json:"runId"`
	Status      string     `json:"status"` // queued | running | success | failed | cancelled
	QueuedAt    time.Time  `json:"queuedAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	// Error carries the reason for runs failed by the engine itself
	// (for example empty_graph) rather than by a task.
	Error string `json:"error,omitempty"`
}

// Bus is the one-way channel the engine emits on. The transport is
// external; publishers must not block the caller on subscriber slowness.
type Bus interface {
	PublishTaskUpdate(event TaskUpdate) error
	PublishRunUpdate(event RunUpdate) error
}

// NoOpBus discards all events.
type NoOpBus struct{}

func (NoOpBus) PublishTaskUpdate(TaskUpdate) error { return nil }
func (NoOpBus) PublishRunUpdate(RunUpdate) error   { return nil }

// MultiBus fans out to multiple buses. A failing bus does not block the
// others.
type MultiBus struct {
	buses []Bus
}

// NewMultiBus creates a bus that publishes to all given buses.
func NewMultiBus(buses ...Bus) *MultiBus {
	return &MultiBus{buses: buses}
}

func (m *MultiBus) PublishTaskUpdate(event TaskUpdate) error {
	for _, b := range m.buses {
		if err := b.PublishTaskUpdate(event); err != nil {
			continue
		}
	}
	return nil
}

func (m *MultiBus) PublishRunUpdate(event RunUpdate) error {
	for _, b := range m.buses {
		if err := b.PublishRunUpdate(event); err != nil {
			continue
		}
	}
	return nil
}

// MemoryBus records events in memory for tests.
type MemoryBus struct {
	mu          sync.Mutex
	TaskUpdates []TaskUpdate
	RunUpdates  []RunUpdate
}

// NewMemoryBus creates an in-memory event bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{}
}

func (m *MemoryBus) PublishTaskUpdate(event TaskUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TaskUpdates = append(m.TaskUpdates, event)
	return nil
}

func (m *MemoryBus) PublishRunUpdate(event RunUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RunUpdates = append(m.RunUpdates, event)
	return nil
}

// TaskStatuses returns the task statuses seen so far for a node, in
// publish order.
func (m *MemoryBus) TaskStatuses(nodeID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, e := range m.TaskUpdates {
		if e.NodeID == nodeID {
			out = append(out, e.Status)
		}
	}
	return out
}

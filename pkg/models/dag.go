package models

import (
	"encoding/json"
	"time"
)

// DAG represents a user-defined workflow definition. Definitions are
// immutable from the engine's point of view: workers resolve node config
// from the DAG at consumption time, never from the queue message.
type DAG struct {
	ID          string      `json:"id"`
	Owner       string      `json:"owner"`
	Name        string      `json:"name"` // unique per owner
	Description string      `json:"description"`
	Nodes       []Node      `json:"nodes"`
	Edges       []Edge      `json:"edges"`
	Schedule    Schedule    `json:"schedule"`
	RetryPolicy RetryPolicy `json:"retry_policy"`
	Trigger     *Trigger    `json:"trigger,omitempty"`
	Active      bool        `json:"active"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// Node is one step inside a DAG.
type Node struct {
	ID          string          `json:"id"` // unique within the graph
	Kind        NodeKind        `json:"kind"`
	DisplayName string          `json:"display_name"`
	Config      json.RawMessage `json:"config"`
}

// Edge is a directed dependency: Target runs after Source succeeds.
type Edge struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// NodeKind discriminates the executor used for a node.
type NodeKind string

const (
	NodeKindHTTP         NodeKind = "http"
	NodeKindEmail        NodeKind = "email"
	NodeKindDatabase     NodeKind = "database"
	NodeKindScript       NodeKind = "script"
	NodeKindFile         NodeKind = "file"
	NodeKindWebhook      NodeKind = "webhook"
	NodeKindDelay        NodeKind = "delay"
	NodeKindNotification NodeKind = "notification"
	NodeKindTransform    NodeKind = "transform"
)

// ScheduleType selects how a DAG is triggered by the scheduler.
type ScheduleType string

const (
	ScheduleManual   ScheduleType = "manual"
	ScheduleCron     ScheduleType = "cron"
	ScheduleInterval ScheduleType = "interval"
	ScheduleOnce     ScheduleType = "once"
)

// Schedule holds the trigger configuration for a DAG. Only the fields
// matching Type are meaningful.
type Schedule struct {
	Type            ScheduleType `json:"type"`
	Cron            string       `json:"cron,omitempty"`
	Timezone        string       `json:"timezone,omitempty"`
	IntervalSeconds int          `json:"interval_seconds,omitempty"`
	At              *time.Time   `json:"at,omitempty"`
	StartDate       *time.Time   `json:"start_date,omitempty"`
	EndDate         *time.Time   `json:"end_date,omitempty"`
	Enabled         bool         `json:"enabled"`
}

// WindowPermits reports whether now falls inside the optional
// [StartDate, EndDate] window.
func (s Schedule) WindowPermits(now time.Time) bool {
	if s.StartDate != nil && now.Before(*s.StartDate) {
		return false
	}
	if s.EndDate != nil && now.After(*s.EndDate) {
		return false
	}
	return true
}

// RetryPolicy controls how many times a task is attempted and the fixed
// delay between attempts.
type RetryPolicy struct {
	MaxAttempts int   `json:"max_attempts"` // >= 1
	BackoffMS   int64 `json:"backoff_ms"`
}

// Backoff returns the delay between attempts as a duration.
func (p RetryPolicy) Backoff() time.Duration {
	return time.Duration(p.BackoffMS) * time.Millisecond
}

// DefaultRetryPolicy is applied when neither the DAG nor the node carries
// a retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BackoffMS: 2000}
}

// Trigger is the webhook entry for a DAG.
type Trigger struct {
	Token   string `json:"token"`
	Path    string `json:"path,omitempty"`
	Method  string `json:"method"` // expected HTTP method, default POST
	Enabled bool   `json:"enabled"`
}

// Run is one execution attempt of a DAG. Runs outlive their DAG.
type Run struct {
	ID          string     `json:"id"`
	DAGID       string     `json:"dag_id"`
	Owner       string     `json:"owner"`
	Status      State      `json:"status"`
	TriggeredBy string     `json:"triggered_by"` // "schedule" | "webhook" | "manual"
	QueuedAt    time.Time  `json:"queued_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// TaskRecord is one entry in a run's append-only task list: one row per
// executed task attempt.
type TaskRecord struct {
	ID          string     `json:"id"`
	RunID       string     `json:"run_id"`
	NodeID      string     `json:"node_id"`
	DisplayName string     `json:"display_name"`
	Status      State      `json:"status"`
	Attempt     int        `json:"attempt"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Output      string     `json:"output,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// TaskMessage is one unit of work on the task queue. Node config is never
// carried in the message; workers resolve it from the DAG so in-flight
// runs pick up a single consistent definition.
type TaskMessage struct {
	RunID   string `json:"runId"`
	DAGID   string `json:"dagId"`
	NodeID  string `json:"nodeId"`
	Attempt int    `json:"attempt"`
	UserID  string `json:"userId,omitempty"`
}

// WorkerStatus is the lifecycle status of a worker process.
type WorkerStatus string

const (
	WorkerActive   WorkerStatus = "active"
	WorkerIdle     WorkerStatus = "idle"
	WorkerBusy     WorkerStatus = "busy"
	WorkerDraining WorkerStatus = "draining"
	WorkerOffline  WorkerStatus = "offline"
)

// Worker is a heartbeat record for one worker process.
type Worker struct {
	WorkerID        string       `json:"worker_id"`
	Status          WorkerStatus `json:"status"`
	LastHeartbeat   time.Time    `json:"last_heartbeat"`
	StartedAt       time.Time    `json:"started_at"`
	CPULoad         float64      `json:"cpu_load"`
	MemoryMB        float64      `json:"memory_mb"`
	TasksInProgress int          `json:"tasks_in_progress"`
	TasksCompleted  int64        `json:"tasks_completed"`
	TasksFailed     int64        `json:"tasks_failed"`
}

// DeferredEmailStatus is the lifecycle status of a deferred email row.
type DeferredEmailStatus string

const (
	DeferredPending   DeferredEmailStatus = "pending"
	DeferredSent      DeferredEmailStatus = "sent"
	DeferredFailed    DeferredEmailStatus = "failed"
	DeferredCancelled DeferredEmailStatus = "cancelled"
)

// DeferredEmail is an email task whose send time lies in the future. It
// holds its owning run open until it fires.
type DeferredEmail struct {
	ID           string              `json:"id"`
	RunID        string              `json:"run_id"`
	NodeID       string              `json:"node_id"`
	Owner        string              `json:"owner"`
	Sender       string              `json:"sender"`
	Recipient    string              `json:"recipient"`
	Subject      string              `json:"subject"`
	Body         string              `json:"body"`
	FireAt       time.Time           `json:"fire_at"`
	Status       DeferredEmailStatus `json:"status"`
	SentAt       *time.Time          `json:"sent_at,omitempty"`
	ErrorMessage string              `json:"error,omitempty"`
}

// State represents the execution state of a run or a task record.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateScheduled State = "scheduled" // deferred email awaiting its fire time
	StateRetrying  State = "retrying"
	StateSuccess   State = "success"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// IsTerminal returns true for states with no further transitions.
func (s State) IsTerminal() bool {
	return s == StateSuccess || s == StateFailed || s == StateCancelled
}

package dto

import (
	"time"

	"github.com/canopyflow/canopy/pkg/models"
)

// RunResponse is the read shape of a run.
type RunResponse struct {
	ID          string     `json:"id"`
	DAGID       string     `json:"dag_id"`
	Owner       string     `json:"owner"`
	Status      string     `json:"status"`
	TriggeredBy string     `json:"triggered_by"`
	QueuedAt    time.Time  `json:"queued_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// FromRun converts a domain run to its response shape.
func FromRun(r *models.Run) RunResponse {
	return RunResponse{
		ID:          r.ID,
		DAGID:       r.DAGID,
		Owner:       r.Owner,
		Status:      string(r.Status),
		TriggeredBy: r.TriggeredBy,
		QueuedAt:    r.QueuedAt,
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
	}
}

// TaskRecordResponse is the read shape of one task attempt.
type TaskRecordResponse struct {
	ID          string     `json:"id"`
	RunID       string     `json:"run_id"`
	NodeID      string     `json:"node_id"`
	DisplayName string     `json:"display_name"`
	Status      string     `json:"status"`
	Attempt     int        `json:"attempt"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Output      string     `json:"output,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// FromTaskRecord converts a domain task record to its response shape.
func FromTaskRecord(r *models.TaskRecord) TaskRecordResponse {
	return TaskRecordResponse{
		ID:          r.ID,
		RunID:       r.RunID,
		NodeID:      r.NodeID,
		DisplayName: r.DisplayName,
		Status:      string(r.Status),
		Attempt:     r.Attempt,
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
		Output:      r.Output,
		Error:       r.Error,
	}
}

// RunDetailResponse is a run with its full attempt history.
type RunDetailResponse struct {
	RunResponse
	TaskRecords []TaskRecordResponse `json:"task_records"`
}

// WorkerResponse is the read shape of a worker heartbeat record.
type WorkerResponse struct {
	WorkerID        string    `json:"worker_id"`
	Status          string    `json:"status"`
	LastHeartbeat   time.Time `json:"last_heartbeat"`
	StartedAt       time.Time `json:"started_at"`
	CPULoad         float64   `json:"cpu_load"`
	MemoryMB        float64   `json:"memory_mb"`
	TasksInProgress int       `json:"tasks_in_progress"`
	TasksCompleted  int64     `json:"tasks_completed"`
	TasksFailed     int64     `json:"tasks_failed"`
}

// FromWorker converts a domain worker to its response shape.
func FromWorker(w *models.Worker) WorkerResponse {
	return WorkerResponse{
		WorkerID:        w.WorkerID,
		Status:          string(w.Status),
		LastHeartbeat:   w.LastHeartbeat,
		StartedAt:       w.StartedAt,
		CPULoad:         w.CPULoad,
		MemoryMB:        w.MemoryMB,
		TasksInProgress: w.TasksInProgress,
		TasksCompleted:  w.TasksCompleted,
		TasksFailed:     w.TasksFailed,
	}
}

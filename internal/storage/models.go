package storage

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/canopyflow/canopy/pkg/models"
)

// JSONB is a custom type for JSONB columns
type JSONB json.RawMessage

// Value implements the driver.Valuer interface
func (j JSONB) Value() (driver.Value, error) {
	if len(j) == 0 {
		return nil, nil
	}
	return []byte(j), nil
}

// Scan implements the sql.Scanner interface
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}

	*j = append((*j)[0:0], bytes...)
	return nil
}

// DAGModel represents the database model for a DAG definition
type DAGModel struct {
	ID          uuid.UUID `gorm:"type:uuid;primary_key;default:uuid_generate_v4()"`
	Owner       string    `gorm:"type:varchar(255);not null;index:idx_dags_owner;uniqueIndex:idx_dags_owner_name,priority:1"`
	Name        string    `gorm:"type:varchar(255);not null;uniqueIndex:idx_dags_owner_name,priority:2"`
	Description string    `gorm:"type:text"`
	Nodes       JSONB     `gorm:"type:jsonb;not null;default:'[]'"`
	Edges       JSONB     `gorm:"type:jsonb;not null;default:'[]'"`
	Schedule    JSONB     `gorm:"type:jsonb"`
	RetryPolicy JSONB     `gorm:"type:jsonb"`
	Trigger     JSONB     `gorm:"column:trigger_config;type:jsonb"`
	TriggerToken string   `gorm:"type:varchar(255);index:idx_dags_trigger_token"`
	TriggerPath  string   `gorm:"type:varchar(255);index:idx_dags_trigger_path"`
	Active      bool      `gorm:"default:true;index:idx_dags_active"`
	CreatedAt   time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt   time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName specifies the table name for DAGModel
func (DAGModel) TableName() string {
	return "dags"
}

// RunModel represents the database model for a run
type RunModel struct {
	ID          uuid.UUID `gorm:"type:uuid;primary_key;default:uuid_generate_v4()"`
	DAGID       uuid.UUID `gorm:"type:uuid;not null;index:idx_runs_dag_id"`
	Owner       string    `gorm:"type:varchar(255);not null;index:idx_runs_owner"`
	Status      string    `gorm:"type:varchar(50);not null;default:'queued';index:idx_runs_status"`
	TriggeredBy string    `gorm:"type:varchar(50)"`
	QueuedAt    time.Time `gorm:"not null;index:idx_runs_queued_at"`
	StartedAt   *time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt   time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	Version     int       `gorm:"not null;default:1"` // For optimistic locking
}

// TableName specifies the table name for RunModel
func (RunModel) TableName() string {
	return "runs"
}

// TaskRecordModel represents the database model for a task record. The
// run's task list is append-only: each attempt inserts one row, and
// status changes are per-row compare-and-set updates, so concurrent
// writers never truncate the list.
type TaskRecordModel struct {
	ID          uuid.UUID `gorm:"type:uuid;primary_key;default:uuid_generate_v4()"`
	RunID       uuid.UUID `gorm:"type:uuid;not null;index:idx_task_records_run_id"`
	NodeID      string    `gorm:"type:varchar(255);not null;index:idx_task_records_node_id"`
	DisplayName string    `gorm:"type:varchar(255)"`
	Status      string    `gorm:"type:varchar(50);not null;index:idx_task_records_status"`
	Attempt     int       `gorm:"not null;default:1"`
	StartedAt   time.Time `gorm:"not null"`
	CompletedAt *time.Time
	Output      string    `gorm:"type:text"`
	Error       string    `gorm:"type:text"`
	CreatedAt   time.Time `gorm:"not null;default:CURRENT_TIMESTAMP;index:idx_task_records_created_at"`
	UpdatedAt   time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName specifies the table name for TaskRecordModel
func (TaskRecordModel) TableName() string {
	return "task_records"
}

// WorkerModel represents the database model for a worker heartbeat record
type WorkerModel struct {
	WorkerID        string    `gorm:"type:varchar(255);primary_key"`
	Status          string    `gorm:"type:varchar(50);not null;default:'active';index:idx_workers_status"`
	LastHeartbeat   time.Time `gorm:"not null;index:idx_workers_last_heartbeat"`
	StartedAt       time.Time `gorm:"not null"`
	CPULoad         float64
	MemoryMB        float64
	TasksInProgress int
	TasksCompleted  int64
	TasksFailed     int64
	UpdatedAt       time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName specifies the table name for WorkerModel
func (WorkerModel) TableName() string {
	return "workers"
}

// DeferredEmailModel represents the database model for a deferred email
type DeferredEmailModel struct {
	ID           uuid.UUID `gorm:"type:uuid;primary_key;default:uuid_generate_v4()"`
	RunID        uuid.UUID `gorm:"type:uuid;not null;index:idx_deferred_emails_run_id"`
	NodeID       string    `gorm:"type:varchar(255);not null"`
	Owner        string    `gorm:"type:varchar(255)"`
	Sender       string    `gorm:"type:varchar(255)"`
	Recipient    string    `gorm:"type:varchar(255);not null"`
	Subject      string    `gorm:"type:text"`
	Body         string    `gorm:"type:text"`
	FireAt       time.Time `gorm:"not null;index:idx_deferred_emails_fire_at"`
	Status       string    `gorm:"type:varchar(50);not null;default:'pending';index:idx_deferred_emails_status"`
	SentAt       *time.Time
	ErrorMessage string    `gorm:"type:text"`
	CreatedAt    time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt    time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName specifies the table name for DeferredEmailModel
func (DeferredEmailModel) TableName() string {
	return "deferred_emails"
}

// SMTPSettingsModel holds one user's SMTP credentials. The password is
// stored encrypted as hex(iv):hex(ciphertext).
type SMTPSettingsModel struct {
	Owner             string    `gorm:"type:varchar(255);primary_key"`
	Host              string    `gorm:"type:varchar(255);not null"`
	Port              string    `gorm:"type:varchar(10);not null;default:'587'"`
	Username          string    `gorm:"type:varchar(255)"`
	EncryptedPassword string    `gorm:"type:text"`
	FromAddress       string    `gorm:"type:varchar(255)"`
	UpdatedAt         time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName specifies the table name for SMTPSettingsModel
func (SMTPSettingsModel) TableName() string {
	return "smtp_settings"
}

// ToDAG converts a DAGModel to a models.DAG
func (d *DAGModel) ToDAG() (*models.DAG, error) {
	out := &models.DAG{
		ID:          d.ID.String(),
		Owner:       d.Owner,
		Name:        d.Name,
		Description: d.Description,
		Active:      d.Active,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
	}

	if len(d.Nodes) > 0 {
		if err := json.Unmarshal(d.Nodes, &out.Nodes); err != nil {
			return nil, err
		}
	}
	if len(d.Edges) > 0 {
		if err := json.Unmarshal(d.Edges, &out.Edges); err != nil {
			return nil, err
		}
	}
	if len(d.Schedule) > 0 {
		if err := json.Unmarshal(d.Schedule, &out.Schedule); err != nil {
			return nil, err
		}
	}
	if len(d.RetryPolicy) > 0 {
		if err := json.Unmarshal(d.RetryPolicy, &out.RetryPolicy); err != nil {
			return nil, err
		}
	}
	if len(d.Trigger) > 0 {
		var trigger models.Trigger
		if err := json.Unmarshal(d.Trigger, &trigger); err != nil {
			return nil, err
		}
		out.Trigger = &trigger
	}

	return out, nil
}

// FromDAG converts a models.DAG to a DAGModel
func FromDAG(d *models.DAG) (*DAGModel, error) {
	id, err := uuid.Parse(d.ID)
	if err != nil {
		id = uuid.New()
	}

	nodes, err := json.Marshal(d.Nodes)
	if err != nil {
		return nil, err
	}
	edges, err := json.Marshal(d.Edges)
	if err != nil {
		return nil, err
	}
	schedule, err := json.Marshal(d.Schedule)
	if err != nil {
		return nil, err
	}
	retryPolicy, err := json.Marshal(d.RetryPolicy)
	if err != nil {
		return nil, err
	}

	model := &DAGModel{
		ID:          id,
		Owner:       d.Owner,
		Name:        d.Name,
		Description: d.Description,
		Nodes:       JSONB(nodes),
		Edges:       JSONB(edges),
		Schedule:    JSONB(schedule),
		RetryPolicy: JSONB(retryPolicy),
		Active:      d.Active,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
	}

	if d.Trigger != nil {
		trigger, err := json.Marshal(d.Trigger)
		if err != nil {
			return nil, err
		}
		model.Trigger = JSONB(trigger)
		model.TriggerToken = d.Trigger.Token
		model.TriggerPath = d.Trigger.Path
	}

	return model, nil
}

// ToRun converts a RunModel to a models.Run
func (r *RunModel) ToRun() *models.Run {
	return &models.Run{
		ID:          r.ID.String(),
		DAGID:       r.DAGID.String(),
		Owner:       r.Owner,
		Status:      models.State(r.Status),
		TriggeredBy: r.TriggeredBy,
		QueuedAt:    r.QueuedAt,
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
	}
}

// FromRun converts a models.Run to a RunModel
func FromRun(r *models.Run) (*RunModel, error) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		id = uuid.New()
	}

	dagID, err := uuid.Parse(r.DAGID)
	if err != nil {
		return nil, err
	}

	return &RunModel{
		ID:          id,
		DAGID:       dagID,
		Owner:       r.Owner,
		Status:      string(r.Status),
		TriggeredBy: r.TriggeredBy,
		QueuedAt:    r.QueuedAt,
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
		Version:     1,
	}, nil
}

// ToTaskRecord converts a TaskRecordModel to a models.TaskRecord
func (t *TaskRecordModel) ToTaskRecord() *models.TaskRecord {
	return &models.TaskRecord{
		ID:          t.ID.String(),
		RunID:       t.RunID.String(),
		NodeID:      t.NodeID,
		DisplayName: t.DisplayName,
		Status:      models.State(t.Status),
		Attempt:     t.Attempt,
		StartedAt:   t.StartedAt,
		CompletedAt: t.CompletedAt,
		Output:      t.Output,
		Error:       t.Error,
	}
}

// FromTaskRecord converts a models.TaskRecord to a TaskRecordModel
func FromTaskRecord(t *models.TaskRecord) (*TaskRecordModel, error) {
	id, err := uuid.Parse(t.ID)
	if err != nil {
		id = uuid.New()
	}

	runID, err := uuid.Parse(t.RunID)
	if err != nil {
		return nil, err
	}

	return &TaskRecordModel{
		ID:          id,
		RunID:       runID,
		NodeID:      t.NodeID,
		DisplayName: t.DisplayName,
		Status:      string(t.Status),
		Attempt:     t.Attempt,
		StartedAt:   t.StartedAt,
		CompletedAt: t.CompletedAt,
		Output:      t.Output,
		Error:       t.Error,
	}, nil
}

// ToWorker converts a WorkerModel to a models.Worker
func (w *WorkerModel) ToWorker() *models.Worker {
	return &models.Worker{
		WorkerID:        w.WorkerID,
		Status:          models.WorkerStatus(w.Status),
		LastHeartbeat:   w.LastHeartbeat,
		StartedAt:       w.StartedAt,
		CPULoad:         w.CPULoad,
		MemoryMB:        w.MemoryMB,
		TasksInProgress: w.TasksInProgress,
		TasksCompleted:  w.TasksCompleted,
		TasksFailed:     w.TasksFailed,
	}
}

// FromWorker converts a models.Worker to a WorkerModel
func FromWorker(w *models.Worker) *WorkerModel {
	return &WorkerModel{
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

// ToDeferredEmail converts a DeferredEmailModel to a models.DeferredEmail
func (e *DeferredEmailModel) ToDeferredEmail() *models.DeferredEmail {
	return &models.DeferredEmail{
		ID:           e.ID.String(),
		RunID:        e.RunID.String(),
		NodeID:       e.NodeID,
		Owner:        e.Owner,
		Sender:       e.Sender,
		Recipient:    e.Recipient,
		Subject:      e.Subject,
		Body:         e.Body,
		FireAt:       e.FireAt,
		Status:       models.DeferredEmailStatus(e.Status),
		SentAt:       e.SentAt,
		ErrorMessage: e.ErrorMessage,
	}
}

// FromDeferredEmail converts a models.DeferredEmail to a DeferredEmailModel
func FromDeferredEmail(e *models.DeferredEmail) (*DeferredEmailModel, error) {
	id, err := uuid.Parse(e.ID)
	if err != nil {
		id = uuid.New()
	}

	runID, err := uuid.Parse(e.RunID)
	if err != nil {
		return nil, err
	}

	return &DeferredEmailModel{
		ID:           id,
		RunID:        runID,
		NodeID:       e.NodeID,
		Owner:        e.Owner,
		Sender:       e.Sender,
		Recipient:    e.Recipient,
		Subject:      e.Subject,
		Body:         e.Body,
		FireAt:       e.FireAt,
		Status:       string(e.Status),
		SentAt:       e.SentAt,
		ErrorMessage: e.ErrorMessage,
	}, nil
}

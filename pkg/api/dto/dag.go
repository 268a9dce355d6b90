package dto

import (
	"encoding/json"
	"time"

	"github.com/canopyflow/canopy/pkg/models"
)

// NodeRequest is one node in a DAG write request.
type NodeRequest struct {
	ID          string          `json:"id" binding:"required"`
	Kind        string          `json:"kind" binding:"required"`
	DisplayName string          `json:"display_name"`
	Config      json.RawMessage `json:"config"`
}

// EdgeRequest is one dependency edge in a DAG write request.
type EdgeRequest struct {
	Source string `json:"source" binding:"required"`
	Target string `json:"target" binding:"required"`
}

// ScheduleRequest mirrors models.Schedule on the write path.
type ScheduleRequest struct {
	Type            string     `json:"type" binding:"required"`
	Cron            string     `json:"cron"`
	Timezone        string     `json:"timezone"`
	IntervalSeconds int        `json:"interval_seconds"`
	At              *time.Time `json:"at"`
	StartDate       *time.Time `json:"start_date"`
	EndDate         *time.Time `json:"end_date"`
	Enabled         *bool      `json:"enabled"`
}

// RetryRequest mirrors models.RetryPolicy on the write path.
type RetryRequest struct {
	MaxAttempts int   `json:"max_attempts" binding:"required,min=1"`
	BackoffMS   int64 `json:"backoff_ms" binding:"min=0"`
}

// TriggerRequest configures the webhook entry for a DAG.
type TriggerRequest struct {
	Path    string `json:"path"`
	Method  string `json:"method"`
	Enabled bool   `json:"enabled"`
}

// CreateDAGRequest is the POST /dags body.
type CreateDAGRequest struct {
	Name        string           `json:"name" binding:"required"`
	Description string           `json:"description"`
	Nodes       []NodeRequest    `json:"nodes" binding:"required"`
	Edges       []EdgeRequest    `json:"edges"`
	Schedule    *ScheduleRequest `json:"schedule"`
	Retry       *RetryRequest    `json:"retry"`
	Trigger     *TriggerRequest  `json:"trigger"`
	Active      *bool            `json:"active"`
}

// ToDAG converts the request into a domain DAG owned by owner.
func (r *CreateDAGRequest) ToDAG(owner string) *models.DAG {
	d := &models.DAG{
		Owner:       owner,
		Name:        r.Name,
		Description: r.Description,
		Active:      true,
		Schedule:    models.Schedule{Type: models.ScheduleManual},
		RetryPolicy: models.DefaultRetryPolicy(),
	}

	for _, n := range r.Nodes {
		displayName := n.DisplayName
		if displayName == "" {
			displayName = n.ID
		}
		d.Nodes = append(d.Nodes, models.Node{
			ID:          n.ID,
			Kind:        models.NodeKind(n.Kind),
			DisplayName: displayName,
			Config:      n.Config,
		})
	}
	for _, e := range r.Edges {
		d.Edges = append(d.Edges, models.Edge{Source: e.Source, Target: e.Target})
	}

	if r.Schedule != nil {
		d.Schedule = models.Schedule{
			Type:            models.ScheduleType(r.Schedule.Type),
			Cron:            r.Schedule.Cron,
			Timezone:        r.Schedule.Timezone,
			IntervalSeconds: r.Schedule.IntervalSeconds,
			At:              r.Schedule.At,
			StartDate:       r.Schedule.StartDate,
			EndDate:         r.Schedule.EndDate,
			Enabled:         true,
		}
		if r.Schedule.Enabled != nil {
			d.Schedule.Enabled = *r.Schedule.Enabled
		}
	}
	if r.Retry != nil {
		d.RetryPolicy = models.RetryPolicy{
			MaxAttempts: r.Retry.MaxAttempts,
			BackoffMS:   r.Retry.BackoffMS,
		}
	}
	if r.Trigger != nil {
		method := r.Trigger.Method
		if method == "" {
			method = "POST"
		}
		d.Trigger = &models.Trigger{
			Path:    r.Trigger.Path,
			Method:  method,
			Enabled: r.Trigger.Enabled,
		}
	}
	if r.Active != nil {
		d.Active = *r.Active
	}
	return d
}

// DAGResponse is the read shape of a DAG.
type DAGResponse struct {
	ID          string          `json:"id"`
	Owner       string          `json:"owner"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Nodes       []models.Node   `json:"nodes"`
	Edges       []models.Edge   `json:"edges"`
	Schedule    models.Schedule `json:"schedule"`
	RetryPolicy models.RetryPolicy `json:"retry_policy"`
	Trigger     *TriggerResponse `json:"trigger,omitempty"`
	Active      bool            `json:"active"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// TriggerResponse exposes the webhook entry, token included: the token
// is the caller's credential, shown only to the DAG's owner.
type TriggerResponse struct {
	Token   string `json:"token"`
	Path    string `json:"path,omitempty"`
	Method  string `json:"method"`
	Enabled bool   `json:"enabled"`
}

// FromDAG converts a domain DAG to its response shape.
func FromDAG(d *models.DAG) DAGResponse {
	resp := DAGResponse{
		ID:          d.ID,
		Owner:       d.Owner,
		Name:        d.Name,
		Description: d.Description,
		Nodes:       d.Nodes,
		Edges:       d.Edges,
		Schedule:    d.Schedule,
		RetryPolicy: d.RetryPolicy,
		Active:      d.Active,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
	}
	if d.Trigger != nil {
		resp.Trigger = &TriggerResponse{
			Token:   d.Trigger.Token,
			Path:    d.Trigger.Path,
			Method:  d.Trigger.Method,
			Enabled: d.Trigger.Enabled,
		}
	}
	return resp
}

// SMTPSettingsRequest is the PUT /settings/smtp body. The password is
// encrypted before it reaches the store.
type SMTPSettingsRequest struct {
	Host     string `json:"host" binding:"required"`
	Port     int    `json:"port" binding:"required"`
	Username string `json:"username"`
	Password string `json:"password" binding:"required"`
	From     string `json:"from"`
}

// SMTPSettingsResponse never carries the password back out.
type SMTPSettingsResponse struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	From     string `json:"from"`
}

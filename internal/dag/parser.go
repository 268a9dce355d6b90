package dag

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/canopyflow/canopy/pkg/models"
)

// Parser handles parsing DAG definitions from YAML and JSON.
type Parser struct {
	validator *Validator
}

// NewParser creates a new DAG parser.
func NewParser(validator *Validator) *Parser {
	if validator == nil {
		validator = NewValidator(nil)
	}
	return &Parser{validator: validator}
}

// dagFile is the on-disk shape of a DAG definition.
type dagFile struct {
	Name        string     `json:"name" yaml:"name"`
	Description string     `json:"description" yaml:"description"`
	Nodes       []nodeFile `json:"nodes" yaml:"nodes"`
	Edges       []edgeFile `json:"edges" yaml:"edges"`
	Schedule    *schedFile `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	Retry       *retryFile `json:"retry,omitempty" yaml:"retry,omitempty"`
	Active      *bool      `json:"active,omitempty" yaml:"active,omitempty"`
}

type nodeFile struct {
	ID          string         `json:"id" yaml:"id"`
	Kind        string         `json:"kind" yaml:"kind"`
	DisplayName string         `json:"display_name" yaml:"display_name"`
	Config      map[string]any `json:"config" yaml:"config"`
}

type edgeFile struct {
	Source string `json:"source" yaml:"source"`
	Target string `json:"target" yaml:"target"`
}

type schedFile struct {
	Type            string `json:"type" yaml:"type"`
	Cron            string `json:"cron,omitempty" yaml:"cron,omitempty"`
	Timezone        string `json:"timezone,omitempty" yaml:"timezone,omitempty"`
	IntervalSeconds int    `json:"interval_seconds,omitempty" yaml:"interval_seconds,omitempty"`
	At              string `json:"at,omitempty" yaml:"at,omitempty"`
	StartDate       string `json:"start_date,omitempty" yaml:"start_date,omitempty"`
	EndDate         string `json:"end_date,omitempty" yaml:"end_date,omitempty"`
	Enabled         *bool  `json:"enabled,omitempty" yaml:"enabled,omitempty"`
}

type retryFile struct {
	MaxAttempts int   `json:"max_attempts" yaml:"max_attempts"`
	BackoffMS   int64 `json:"backoff_ms" yaml:"backoff_ms"`
}

// ParseYAMLFile parses a DAG definition from a YAML file.
func (p *Parser) ParseYAMLFile(path string) (*models.DAG, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return p.ParseYAML(data)
}

// ParseYAML parses a DAG definition from YAML bytes and validates it.
func (p *Parser) ParseYAML(data []byte) (*models.DAG, error) {
	var file dagFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return p.build(&file)
}

func (p *Parser) build(file *dagFile) (*models.DAG, error) {
	d := &models.DAG{
		Name:        file.Name,
		Description: file.Description,
		Active:      true,
		RetryPolicy: models.DefaultRetryPolicy(),
	}

	for _, nf := range file.Nodes {
		cfg, err := json.Marshal(nf.Config)
		if err != nil {
			return nil, fmt.Errorf("node %s: failed to encode config: %w", nf.ID, err)
		}
		displayName := nf.DisplayName
		if displayName == "" {
			displayName = nf.ID
		}
		d.Nodes = append(d.Nodes, models.Node{
			ID:          nf.ID,
			Kind:        models.NodeKind(nf.Kind),
			DisplayName: displayName,
			Config:      cfg,
		})
	}

	for _, ef := range file.Edges {
		d.Edges = append(d.Edges, models.Edge{Source: ef.Source, Target: ef.Target})
	}

	schedule, err := buildSchedule(file.Schedule)
	if err != nil {
		return nil, err
	}
	d.Schedule = schedule

	if file.Retry != nil {
		d.RetryPolicy = models.RetryPolicy{
			MaxAttempts: file.Retry.MaxAttempts,
			BackoffMS:   file.Retry.BackoffMS,
		}
	}

	if file.Active != nil {
		d.Active = *file.Active
	}

	if err := p.validator.Validate(d); err != nil {
		return nil, fmt.Errorf("invalid DAG definition: %w", err)
	}

	return d, nil
}

func buildSchedule(sf *schedFile) (models.Schedule, error) {
	if sf == nil {
		return models.Schedule{Type: models.ScheduleManual}, nil
	}

	s := models.Schedule{
		Type:            models.ScheduleType(sf.Type),
		Cron:            sf.Cron,
		Timezone:        sf.Timezone,
		IntervalSeconds: sf.IntervalSeconds,
		Enabled:         true,
	}
	if sf.Enabled != nil {
		s.Enabled = *sf.Enabled
	}

	parse := func(value string) (*time.Time, error) {
		if value == "" {
			return nil, nil
		}
		t, err := time.Parse(time.RFC3339, value)
		if err != nil {
			return nil, fmt.Errorf("invalid timestamp %q: %w", value, err)
		}
		return &t, nil
	}

	var err error
	if s.At, err = parse(sf.At); err != nil {
		return s, err
	}
	if s.StartDate, err = parse(sf.StartDate); err != nil {
		return s, err
	}
	if s.EndDate, err = parse(sf.EndDate); err != nil {
		return s, err
	}

	return s, nil
}

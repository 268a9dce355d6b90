package dag

import (
	"fmt"

	"github.com/canopyflow/canopy/pkg/models"
)

// ConfigValidator checks a node's config against its kind's schema. The
// executor registry supplies the concrete implementation so the validator
// does not depend on executor internals.
type ConfigValidator func(node models.Node) error

// Validator provides DAG validation. Acyclicity and edge references are
// enforced on every write.
type Validator struct {
	validateConfig ConfigValidator
}

// NewValidator creates a new DAG validator. configValidator may be nil,
// in which case node configs are not schema-checked.
func NewValidator(configValidator ConfigValidator) *Validator {
	return &Validator{validateConfig: configValidator}
}

// Validate checks if a DAG definition is valid.
func (v *Validator) Validate(d *models.DAG) error {
	if d.Name == "" {
		return fmt.Errorf("DAG name cannot be empty")
	}

	if len(d.Nodes) == 0 {
		return fmt.Errorf("DAG must have at least one node")
	}

	// Check for duplicate node IDs
	nodeIDs := make(map[string]bool)
	for _, node := range d.Nodes {
		if node.ID == "" {
			return fmt.Errorf("node ID cannot be empty")
		}
		if nodeIDs[node.ID] {
			return fmt.Errorf("duplicate node ID: %s", node.ID)
		}
		nodeIDs[node.ID] = true
	}

	// Validate edge endpoints exist
	for _, edge := range d.Edges {
		if !nodeIDs[edge.Source] {
			return fmt.Errorf("edge references non-existent source node: %s", edge.Source)
		}
		if !nodeIDs[edge.Target] {
			return fmt.Errorf("edge references non-existent target node: %s", edge.Target)
		}
		if edge.Source == edge.Target {
			return fmt.Errorf("node %s cannot depend on itself", edge.Source)
		}
	}

	if err := v.detectCycle(d); err != nil {
		return err
	}

	if err := v.validateSchedule(d.Schedule); err != nil {
		return err
	}

	if v.validateConfig != nil {
		for _, node := range d.Nodes {
			if err := v.validateConfig(node); err != nil {
				return fmt.Errorf("node %s: %w", node.ID, err)
			}
		}
	}

	if d.RetryPolicy.MaxAttempts < 0 {
		return fmt.Errorf("retry policy max attempts cannot be negative")
	}

	return nil
}

func (v *Validator) validateSchedule(s models.Schedule) error {
	switch s.Type {
	case "", models.ScheduleManual:
		return nil
	case models.ScheduleCron:
		if s.Cron == "" {
			return fmt.Errorf("cron schedule requires an expression")
		}
	case models.ScheduleInterval:
		if s.IntervalSeconds <= 0 {
			return fmt.Errorf("interval schedule requires a positive interval")
		}
	case models.ScheduleOnce:
		if s.At == nil {
			return fmt.Errorf("once schedule requires a fire time")
		}
	default:
		return fmt.Errorf("unknown schedule type: %s", s.Type)
	}

	if s.StartDate != nil && s.EndDate != nil && s.EndDate.Before(*s.StartDate) {
		return fmt.Errorf("schedule end date precedes start date")
	}
	return nil
}

// detectCycle checks if there are any cycles in the DAG.
func (v *Validator) detectCycle(d *models.DAG) error {
	// Build adjacency list: source -> targets
	adjList := make(map[string][]string)
	for _, edge := range d.Edges {
		adjList[edge.Source] = append(adjList[edge.Source], edge.Target)
	}

	// Track visit states: 0 = unvisited, 1 = visiting, 2 = visited
	visited := make(map[string]int)

	var dfs func(string) error
	dfs = func(nodeID string) error {
		if visited[nodeID] == 1 {
			return fmt.Errorf("cycle detected involving node: %s", nodeID)
		}
		if visited[nodeID] == 2 {
			return nil
		}

		visited[nodeID] = 1
		for _, next := range adjList[nodeID] {
			if err := dfs(next); err != nil {
				return err
			}
		}
		visited[nodeID] = 2
		return nil
	}

	for _, node := range d.Nodes {
		if visited[node.ID] == 0 {
			if err := dfs(node.ID); err != nil {
				return err
			}
		}
	}

	return nil
}

package executor

import (
	"context"
	"encoding/json"

	"github.com/canopyflow/canopy/internal/errorhandling"
	"github.com/canopyflow/canopy/pkg/models"
)

// RunContext carries the identity of the task being executed. Executors
// never touch run or task state; the worker owns persistence.
type RunContext struct {
	RunID   string
	DAGID   string
	NodeID  string
	Owner   string
	Attempt int

	// PriorOutput is the output of the node's predecessor, made
	// available to script and transform nodes as input.
	PriorOutput string
}

// Result is the outcome of a successful execution.
type Result struct {
	Output string

	// Deferred reports that the node parked itself (a deferred email)
	// and its record should move to scheduled instead of success.
	Deferred bool
}

// TaskExecutor runs one node kind. Execute is a pure function of config
// and run context; failures are typed errors so the worker can decide
// retry versus dead-letter.
type TaskExecutor interface {
	Kind() models.NodeKind
	Validate(config json.RawMessage) error
	Execute(ctx context.Context, config json.RawMessage, rc RunContext) (*Result, error)
}

// Registry maps node kinds to their executors.
type Registry struct {
	executors map[models.NodeKind]TaskExecutor
}

// NewRegistry creates an empty executor registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[models.NodeKind]TaskExecutor)}
}

// Register adds an executor. The last registration for a kind wins.
func (r *Registry) Register(e TaskExecutor) {
	r.executors[e.Kind()] = e
}

// Get returns the executor for a kind.
func (r *Registry) Get(kind models.NodeKind) (TaskExecutor, bool) {
	e, ok := r.executors[kind]
	return e, ok
}

// ValidateNode checks a node's config against its executor. Used by the
// DAG validator so broken configs are rejected at definition time.
func (r *Registry) ValidateNode(node models.Node) error {
	e, ok := r.executors[node.Kind]
	if !ok {
		return errorhandling.New(errorhandling.KindValidation, "unknown node kind %q", node.Kind)
	}
	return e.Validate(node.Config)
}

// Kinds returns the registered node kinds.
func (r *Registry) Kinds() []models.NodeKind {
	kinds := make([]models.NodeKind, 0, len(r.executors))
	for k := range r.executors {
		kinds = append(kinds, k)
	}
	return kinds
}

func decodeConfig(config json.RawMessage, out interface{}) error {
	if len(config) == 0 {
		return errorhandling.New(errorhandling.KindConfigMissing, "node config is empty")
	}
	if err := json.Unmarshal(config, out); err != nil {
		return errorhandling.Wrap(errorhandling.KindValidation, err, "invalid node config")
	}
	return nil
}

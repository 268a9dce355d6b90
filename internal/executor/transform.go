package executor

import (
	"context"
	"encoding/json"

	"github.com/itchyny/gojq"

	"github.com/canopyflow/canopy/internal/errorhandling"
	"github.com/canopyflow/canopy/pkg/models"
)

// TransformExecutor evaluates a jq expression over the prior node's
// output. gojq interprets the expression itself, so user code never
// leaves the evaluator.
type TransformExecutor struct{}

// NewTransformExecutor creates a transform executor.
func NewTransformExecutor() *TransformExecutor {
	return &TransformExecutor{}
}

type transformConfig struct {
	Expression string `json:"expression"`
}

// Kind returns the node kind this executor handles.
func (e *TransformExecutor) Kind() models.NodeKind {
	return models.NodeKindTransform
}

// Validate checks that the expression parses.
func (e *TransformExecutor) Validate(config json.RawMessage) error {
	var cfg transformConfig
	if err := decodeConfig(config, &cfg); err != nil {
		return err
	}
	if cfg.Expression == "" {
		return errorhandling.New(errorhandling.KindValidation, "transform node requires an expression")
	}
	if _, err := gojq.Parse(cfg.Expression); err != nil {
		return errorhandling.Wrap(errorhandling.KindValidation, err, "invalid transform expression")
	}
	return nil
}

// Execute runs the expression over the prior output and returns the
// first value it yields.
func (e *TransformExecutor) Execute(ctx context.Context, config json.RawMessage, rc RunContext) (*Result, error) {
	var cfg transformConfig
	if err := decodeConfig(config, &cfg); err != nil {
		return nil, err
	}

	query, err := gojq.Parse(cfg.Expression)
	if err != nil {
		return nil, errorhandling.Wrap(errorhandling.KindValidation, err, "invalid transform expression")
	}

	var input interface{}
	if rc.PriorOutput != "" {
		if err := json.Unmarshal([]byte(rc.PriorOutput), &input); err != nil {
			// Non-JSON prior output is passed through as a string.
			input = rc.PriorOutput
		}
	}

	iter := query.RunWithContext(ctx, input)
	v, ok := iter.Next()
	if !ok {
		return &Result{Output: "null"}, nil
	}
	if evalErr, isErr := v.(error); isErr {
		return nil, errorhandling.Wrap(errorhandling.KindExecutorFailure, evalErr, "transform evaluation failed")
	}

	payload, err := json.Marshal(v)
	if err != nil {
		return nil, errorhandling.Wrap(errorhandling.KindExecutorFailure, err, "failed to encode transform result")
	}
	return &Result{Output: string(payload)}, nil
}

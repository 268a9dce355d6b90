package executor

import (
	"context"
	"encoding/json"
	"time"

	"github.com/canopyflow/canopy/internal/errorhandling"
	"github.com/canopyflow/canopy/pkg/models"
)

const maxDelayMS = 3600000

// DelayExecutor sleeps for a bounded duration.
type DelayExecutor struct{}

// NewDelayExecutor creates a delay executor.
func NewDelayExecutor() *DelayExecutor {
	return &DelayExecutor{}
}

type delayConfig struct {
	DurationMS int `json:"duration_ms"`
}

// Kind returns the node kind this executor handles.
func (e *DelayExecutor) Kind() models.NodeKind {
	return models.NodeKindDelay
}

// Validate checks the node config.
func (e *DelayExecutor) Validate(config json.RawMessage) error {
	var cfg delayConfig
	if err := decodeConfig(config, &cfg); err != nil {
		return err
	}
	if cfg.DurationMS < 0 || cfg.DurationMS > maxDelayMS {
		return errorhandling.New(errorhandling.KindValidation,
			"duration_ms must be in [0, %d], got %d", maxDelayMS, cfg.DurationMS)
	}
	return nil
}

// Execute sleeps, honoring context cancellation.
func (e *DelayExecutor) Execute(ctx context.Context, config json.RawMessage, rc RunContext) (*Result, error) {
	var cfg delayConfig
	if err := decodeConfig(config, &cfg); err != nil {
		return nil, err
	}
	if cfg.DurationMS < 0 || cfg.DurationMS > maxDelayMS {
		return nil, errorhandling.New(errorhandling.KindValidation,
			"duration_ms must be in [0, %d], got %d", maxDelayMS, cfg.DurationMS)
	}

	select {
	case <-time.After(time.Duration(cfg.DurationMS) * time.Millisecond):
	case <-ctx.Done():
		return nil, errorhandling.Wrap(errorhandling.KindTimeout, ctx.Err(), "delay interrupted")
	}

	output, _ := json.Marshal(map[string]int{"sleptMs": cfg.DurationMS})
	return &Result{Output: string(output)}, nil
}

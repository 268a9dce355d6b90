package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/canopyflow/canopy/internal/errorhandling"
	"github.com/canopyflow/canopy/pkg/models"
)

const defaultScriptTimeout = 60 * time.Second

// ScriptExecutor writes the script body to a scratch file and spawns an
// interpreter over it.
type ScriptExecutor struct {
	scratchDir string
}

// NewScriptExecutor creates a script executor writing scratch files
// under dir.
func NewScriptExecutor(dir string) *ScriptExecutor {
	if dir == "" {
		dir = os.TempDir()
	}
	return &ScriptExecutor{scratchDir: dir}
}

type scriptConfig struct {
	Interpreter string `json:"interpreter"` // node|python|bash
	Script      string `json:"script"`
	TimeoutMS   int    `json:"timeout_ms"`
}

type scriptOutput struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
}

var interpreters = map[string]struct {
	command string
	ext     string
}{
	"node":   {"node", ".js"},
	"python": {"python3", ".py"},
	"bash":   {"bash", ".sh"},
}

// Kind returns the node kind this executor handles.
func (e *ScriptExecutor) Kind() models.NodeKind {
	return models.NodeKindScript
}

// Validate checks the node config.
func (e *ScriptExecutor) Validate(config json.RawMessage) error {
	var cfg scriptConfig
	if err := decodeConfig(config, &cfg); err != nil {
		return err
	}
	if _, ok := interpreters[cfg.Interpreter]; !ok {
		return errorhandling.New(errorhandling.KindValidation,
			"interpreter must be one of node|python|bash, got %q", cfg.Interpreter)
	}
	if cfg.Script == "" {
		return errorhandling.New(errorhandling.KindValidation, "script node requires a script body")
	}
	return nil
}

// Execute writes the script to a scratch file, runs the interpreter
// with the prior-node output injected as NODE_INPUT, and removes the
// scratch file on every exit path.
func (e *ScriptExecutor) Execute(ctx context.Context, config json.RawMessage, rc RunContext) (*Result, error) {
	var cfg scriptConfig
	if err := decodeConfig(config, &cfg); err != nil {
		return nil, err
	}
	interp, ok := interpreters[cfg.Interpreter]
	if !ok {
		return nil, errorhandling.New(errorhandling.KindValidation,
			"interpreter must be one of node|python|bash, got %q", cfg.Interpreter)
	}

	if err := os.MkdirAll(e.scratchDir, 0o755); err != nil {
		return nil, errorhandling.Wrap(errorhandling.KindExecutorFailure, err, "failed to create scratch dir")
	}
	scratch := filepath.Join(e.scratchDir, "task-"+uuid.New().String()+interp.ext)
	if err := os.WriteFile(scratch, []byte(cfg.Script), 0o600); err != nil {
		return nil, errorhandling.Wrap(errorhandling.KindExecutorFailure, err, "failed to write scratch file")
	}
	defer os.Remove(scratch)

	timeout := defaultScriptTimeout
	if cfg.TimeoutMS > 0 {
		timeout = time.Duration(cfg.TimeoutMS) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, interp.command, scratch)
	cmd.Env = append(os.Environ(), "NODE_INPUT="+rc.PriorOutput)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	out := scriptOutput{Stdout: stdout.String(), Stderr: stderr.String()}

	if ctx.Err() == context.DeadlineExceeded {
		return nil, errorhandling.New(errorhandling.KindTimeout, "script timed out after %s", timeout)
	}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			out.ExitCode = exitErr.ExitCode()
			payload, _ := json.Marshal(out)
			return nil, errorhandling.New(errorhandling.KindExecutorFailure,
				"script exited with code %d: %s", out.ExitCode, string(payload))
		}
		return nil, errorhandling.Wrap(errorhandling.KindExecutorFailure, err, "failed to run script")
	}

	payload, _ := json.Marshal(out)
	return &Result{Output: string(payload)}, nil
}

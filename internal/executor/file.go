package executor

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/canopyflow/canopy/internal/errorhandling"
	"github.com/canopyflow/canopy/pkg/models"
)

// FileExecutor performs local filesystem operations.
type FileExecutor struct{}

// NewFileExecutor creates a file executor.
func NewFileExecutor() *FileExecutor {
	return &FileExecutor{}
}

type fileConfig struct {
	Operation   string `json:"operation"` // read|write|append|delete|copy|exists
	Path        string `json:"path"`
	Content     string `json:"content"`
	Destination string `json:"destination"` // copy only
}

// Kind returns the node kind this executor handles.
func (e *FileExecutor) Kind() models.NodeKind {
	return models.NodeKindFile
}

// Validate checks the node config.
func (e *FileExecutor) Validate(config json.RawMessage) error {
	var cfg fileConfig
	if err := decodeConfig(config, &cfg); err != nil {
		return err
	}
	switch strings.ToLower(cfg.Operation) {
	case "read", "write", "append", "delete", "copy", "exists":
	default:
		return errorhandling.New(errorhandling.KindValidation,
			"file operation must be one of read|write|append|delete|copy|exists, got %q", cfg.Operation)
	}
	if cfg.Path == "" {
		return errorhandling.New(errorhandling.KindValidation, "file node requires a path")
	}
	if strings.ToLower(cfg.Operation) == "copy" && cfg.Destination == "" {
		return errorhandling.New(errorhandling.KindValidation, "copy requires a destination")
	}
	return nil
}

// Execute performs the configured operation. Writes create missing
// parent directories.
func (e *FileExecutor) Execute(ctx context.Context, config json.RawMessage, rc RunContext) (*Result, error) {
	var cfg fileConfig
	if err := decodeConfig(config, &cfg); err != nil {
		return nil, err
	}
	if err := e.Validate(config); err != nil {
		return nil, err
	}

	var output map[string]interface{}
	switch strings.ToLower(cfg.Operation) {
	case "read":
		data, err := os.ReadFile(cfg.Path)
		if err != nil {
			return nil, errorhandling.Wrap(errorhandling.KindExecutorFailure, err, "read failed")
		}
		output = map[string]interface{}{"content": string(data), "size": len(data)}

	case "write":
		if err := ensureParent(cfg.Path); err != nil {
			return nil, err
		}
		if err := os.WriteFile(cfg.Path, []byte(cfg.Content), 0o644); err != nil {
			return nil, errorhandling.Wrap(errorhandling.KindExecutorFailure, err, "write failed")
		}
		output = map[string]interface{}{"written": len(cfg.Content)}

	case "append":
		if err := ensureParent(cfg.Path); err != nil {
			return nil, err
		}
		f, err := os.OpenFile(cfg.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, errorhandling.Wrap(errorhandling.KindExecutorFailure, err, "append failed")
		}
		_, err = f.WriteString(cfg.Content)
		if closeErr := f.Close(); err == nil {
			err = closeErr
		}
		if err != nil {
			return nil, errorhandling.Wrap(errorhandling.KindExecutorFailure, err, "append failed")
		}
		output = map[string]interface{}{"appended": len(cfg.Content)}

	case "delete":
		if err := os.Remove(cfg.Path); err != nil {
			return nil, errorhandling.Wrap(errorhandling.KindExecutorFailure, err, "delete failed")
		}
		output = map[string]interface{}{"deleted": cfg.Path}

	case "copy":
		if err := copyFile(cfg.Path, cfg.Destination); err != nil {
			return nil, err
		}
		output = map[string]interface{}{"copied": cfg.Destination}

	case "exists":
		_, err := os.Stat(cfg.Path)
		output = map[string]interface{}{"exists": err == nil}
	}

	payload, _ := json.Marshal(output)
	return &Result{Output: string(payload)}, nil
}

func ensureParent(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errorhandling.Wrap(errorhandling.KindExecutorFailure, err, "failed to create parent directories")
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return errorhandling.Wrap(errorhandling.KindExecutorFailure, err, "copy failed")
	}
	defer in.Close()

	if err := ensureParent(dst); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return errorhandling.Wrap(errorhandling.KindExecutorFailure, err, "copy failed")
	}

	_, err = io.Copy(out, in)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return errorhandling.Wrap(errorhandling.KindExecutorFailure, err, "copy failed")
	}
	return nil
}

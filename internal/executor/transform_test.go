package executor

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/canopyflow/canopy/internal/errorhandling"
)

func TestTransformExecutor(t *testing.T) {
	e := NewTransformExecutor()
	ctx := context.Background()

	rc := RunContext{PriorOutput: `{"items":[{"price":3},{"price":4}]}`}
	result, err := e.Execute(ctx, json.RawMessage(`{"expression":"[.items[].price] | add"}`), rc)
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if result.Output != "7" {
		t.Errorf("expected 7, got %s", result.Output)
	}
}

func TestTransformExecutorNonJSONInput(t *testing.T) {
	e := NewTransformExecutor()

	// Non-JSON prior output is passed through as a string
	rc := RunContext{PriorOutput: "plain text"}
	result, err := e.Execute(context.Background(), json.RawMessage(`{"expression":"length"}`), rc)
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if result.Output != "10" {
		t.Errorf("expected 10, got %s", result.Output)
	}
}

func TestTransformExecutorInvalidExpression(t *testing.T) {
	e := NewTransformExecutor()

	err := e.Validate(json.RawMessage(`{"expression":"[[["}`))
	if errorhandling.KindOf(err) != errorhandling.KindValidation {
		t.Errorf("expected validation error, got %v", err)
	}

	_, err = e.Execute(context.Background(), json.RawMessage(`{"expression":".foo | bad_builtin"}`), RunContext{})
	if err == nil {
		t.Error("unknown builtin should fail")
	}
}

func TestTransformExecutorEmptyInput(t *testing.T) {
	e := NewTransformExecutor()

	result, err := e.Execute(context.Background(), json.RawMessage(`{"expression":"."}`), RunContext{})
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if result.Output != "null" {
		t.Errorf("expected null, got %s", result.Output)
	}
}

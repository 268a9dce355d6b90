package executor

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/canopyflow/canopy/internal/errorhandling"
	"github.com/canopyflow/canopy/pkg/models"
)

func TestRegistryValidateNode(t *testing.T) {
	reg := NewRegistry()
	reg.Register(NewDelayExecutor())

	node := models.Node{ID: "n1", Kind: models.NodeKindDelay, Config: json.RawMessage(`{"duration_ms": 100}`)}
	if err := reg.ValidateNode(node); err != nil {
		t.Errorf("valid node rejected: %v", err)
	}

	unknown := models.Node{ID: "n2", Kind: models.NodeKind("carrier-pigeon")}
	err := reg.ValidateNode(unknown)
	if err == nil {
		t.Fatal("unknown kind should be rejected")
	}
	if errorhandling.KindOf(err) != errorhandling.KindValidation {
		t.Errorf("expected validation error, got %s", errorhandling.KindOf(err))
	}
}

func TestDecodeConfigEmpty(t *testing.T) {
	var out struct{}
	err := decodeConfig(nil, &out)
	if errorhandling.KindOf(err) != errorhandling.KindConfigMissing {
		t.Errorf("expected config_missing, got %v", err)
	}
}

func TestDelayExecutor(t *testing.T) {
	e := NewDelayExecutor()
	ctx := context.Background()

	result, err := e.Execute(ctx, json.RawMessage(`{"duration_ms": 10}`), RunContext{})
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if result.Output != `{"sleptMs":10}` {
		t.Errorf("unexpected output: %s", result.Output)
	}

	_, err = e.Execute(ctx, json.RawMessage(`{"duration_ms": 9999999}`), RunContext{})
	if errorhandling.KindOf(err) != errorhandling.KindValidation {
		t.Errorf("out-of-bounds delay should be a validation error, got %v", err)
	}

	// Cancellation interrupts the sleep
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = e.Execute(cancelled, json.RawMessage(`{"duration_ms": 60000}`), RunContext{})
	if errorhandling.KindOf(err) != errorhandling.KindTimeout {
		t.Errorf("cancelled delay should report timeout, got %v", err)
	}
}

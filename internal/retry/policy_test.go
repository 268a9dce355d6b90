package retry

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/canopyflow/canopy/pkg/models"
)

func TestResolveDAGLevelWins(t *testing.T) {
	d := &models.DAG{RetryPolicy: models.RetryPolicy{MaxAttempts: 5, BackoffMS: 500}}
	node := &models.Node{Config: json.RawMessage(`{"retry":{"max_attempts":2,"backoff_ms":100}}`)}

	p := Resolve(d, node)
	if p.MaxAttempts != 5 || p.BackoffMS != 500 {
		t.Errorf("expected DAG-level policy to win, got %+v", p)
	}
}

func TestResolveNodeLevel(t *testing.T) {
	d := &models.DAG{} // no DAG-level policy
	node := &models.Node{Config: json.RawMessage(`{"retry":{"max_attempts":2,"backoff_ms":100}}`)}

	p := Resolve(d, node)
	if p.MaxAttempts != 2 || p.BackoffMS != 100 {
		t.Errorf("expected node-level policy, got %+v", p)
	}
}

func TestResolveDefaults(t *testing.T) {
	p := Resolve(&models.DAG{}, &models.Node{Config: json.RawMessage(`{"url":"http://example.com"}`)})
	if p.MaxAttempts != 3 || p.Backoff() != 2*time.Second {
		t.Errorf("expected default policy, got %+v", p)
	}

	p = Resolve(nil, nil)
	if p.MaxAttempts != 3 {
		t.Errorf("expected default policy for nil inputs, got %+v", p)
	}
}

func TestShouldRetry(t *testing.T) {
	p := models.RetryPolicy{MaxAttempts: 2, BackoffMS: 100}

	if !ShouldRetry(p, 1) {
		t.Error("attempt 1 of 2 should retry")
	}
	if ShouldRetry(p, 2) {
		t.Error("attempt 2 of 2 should not retry")
	}

	// maxAttempts=1 means dead-letter on first failure
	one := models.RetryPolicy{MaxAttempts: 1}
	if ShouldRetry(one, 1) {
		t.Error("maxAttempts=1 should never retry")
	}
}

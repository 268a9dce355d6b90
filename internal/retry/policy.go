package retry

import (
	"encoding/json"
	"time"

	"github.com/canopyflow/canopy/pkg/models"
)

// nodeRetryConfig is the optional retry block inside a node's config.
type nodeRetryConfig struct {
	Retry *struct {
		MaxAttempts int   `json:"max_attempts"`
		BackoffMS   int64 `json:"backoff_ms"`
	} `json:"retry"`
}

// Resolve computes the effective retry policy for a node. The DAG-level
// policy wins over the node-level one; both fall back to the default
// {3 attempts, 2s backoff}.
func Resolve(d *models.DAG, node *models.Node) models.RetryPolicy {
	if d != nil && d.RetryPolicy.MaxAttempts >= 1 {
		return normalize(d.RetryPolicy)
	}

	if node != nil && len(node.Config) > 0 {
		var cfg nodeRetryConfig
		if err := json.Unmarshal(node.Config, &cfg); err == nil && cfg.Retry != nil && cfg.Retry.MaxAttempts >= 1 {
			return normalize(models.RetryPolicy{
				MaxAttempts: cfg.Retry.MaxAttempts,
				BackoffMS:   cfg.Retry.BackoffMS,
			})
		}
	}

	return models.DefaultRetryPolicy()
}

func normalize(p models.RetryPolicy) models.RetryPolicy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.BackoffMS < 0 {
		p.BackoffMS = 0
	}
	return p
}

// Delay returns the fixed delay before the next attempt. Backoff is a
// fixed delay in this design, not exponential.
func Delay(p models.RetryPolicy) time.Duration {
	return p.Backoff()
}

// ShouldRetry reports whether another attempt is allowed after attempt
// attempts have been made.
func ShouldRetry(p models.RetryPolicy, attempt int) bool {
	return attempt < p.MaxAttempts
}

package executor

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/go-resty/resty/v2"

	"github.com/canopyflow/canopy/internal/errorhandling"
	"github.com/canopyflow/canopy/pkg/models"
)

const defaultSignatureHeader = "X-Canopy-Signature"

// WebhookExecutor POSTs a payload to an external URL, optionally signed
// with HMAC-SHA256 over the serialized payload.
type WebhookExecutor struct {
	guard func(string) error
}

// NewWebhookExecutor creates a webhook executor.
func NewWebhookExecutor() *WebhookExecutor {
	return &WebhookExecutor{guard: ValidateOutboundURL}
}

type webhookConfig struct {
	URL             string          `json:"url"`
	Payload         json.RawMessage `json:"payload"`
	Secret          string          `json:"secret"`
	SignatureHeader string          `json:"signature_header"`
	TimeoutMS       int             `json:"timeout_ms"`
}

// Kind returns the node kind this executor handles.
func (e *WebhookExecutor) Kind() models.NodeKind {
	return models.NodeKindWebhook
}

// Validate checks the node config.
func (e *WebhookExecutor) Validate(config json.RawMessage) error {
	var cfg webhookConfig
	if err := decodeConfig(config, &cfg); err != nil {
		return err
	}
	if cfg.URL == "" {
		return errorhandling.New(errorhandling.KindValidation, "webhook node requires a url")
	}
	return nil
}

// Execute delivers the payload. A non-2xx response is a failure.
func (e *WebhookExecutor) Execute(ctx context.Context, config json.RawMessage, rc RunContext) (*Result, error) {
	var cfg webhookConfig
	if err := decodeConfig(config, &cfg); err != nil {
		return nil, err
	}
	if cfg.URL == "" {
		return nil, errorhandling.New(errorhandling.KindValidation, "webhook node requires a url")
	}
	if err := e.guard(cfg.URL); err != nil {
		return nil, err
	}

	payload := cfg.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	client := resty.New().SetTimeout(clampTimeout(cfg.TimeoutMS))
	req := client.R().SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody([]byte(payload))

	if cfg.Secret != "" {
		header := cfg.SignatureHeader
		if header == "" {
			header = defaultSignatureHeader
		}
		req.SetHeader(header, SignPayload(cfg.Secret, payload))
	}

	resp, err := req.Post(cfg.URL)
	if err != nil {
		return nil, errorhandling.Wrap(errorhandling.KindExecutorFailure, err, "webhook delivery failed")
	}
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return nil, errorhandling.New(errorhandling.KindExecutorFailure,
			"webhook returned status %d", resp.StatusCode())
	}

	output, _ := json.Marshal(map[string]interface{}{
		"statusCode": resp.StatusCode(),
		"body":       string(resp.Body()),
	})
	return &Result{Output: string(output)}, nil
}

// SignPayload returns the hex HMAC-SHA256 of the payload under secret.
func SignPayload(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

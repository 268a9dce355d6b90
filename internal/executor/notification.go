package executor

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/slack-go/slack"

	"github.com/canopyflow/canopy/internal/errorhandling"
	"github.com/canopyflow/canopy/pkg/models"
)

// NotificationExecutor posts a message to a Slack or Discord webhook.
type NotificationExecutor struct {
	guard func(string) error
}

// NewNotificationExecutor creates a notification executor.
func NewNotificationExecutor() *NotificationExecutor {
	return &NotificationExecutor{guard: ValidateOutboundURL}
}

type notificationConfig struct {
	Platform   string `json:"platform"` // slack|discord
	WebhookURL string `json:"webhook_url"`
	Message    string `json:"message"`
	Username   string `json:"username"`
}

// Kind returns the node kind this executor handles.
func (e *NotificationExecutor) Kind() models.NodeKind {
	return models.NodeKindNotification
}

// Validate checks the node config.
func (e *NotificationExecutor) Validate(config json.RawMessage) error {
	var cfg notificationConfig
	if err := decodeConfig(config, &cfg); err != nil {
		return err
	}
	switch strings.ToLower(cfg.Platform) {
	case "slack", "discord":
	default:
		return errorhandling.New(errorhandling.KindValidation,
			"notification platform must be slack or discord, got %q", cfg.Platform)
	}
	if cfg.WebhookURL == "" {
		return errorhandling.New(errorhandling.KindValidation, "notification node requires a webhook_url")
	}
	if cfg.Message == "" {
		return errorhandling.New(errorhandling.KindValidation, "notification node requires a message")
	}
	return nil
}

// Execute shapes the platform payload and delivers it.
func (e *NotificationExecutor) Execute(ctx context.Context, config json.RawMessage, rc RunContext) (*Result, error) {
	var cfg notificationConfig
	if err := decodeConfig(config, &cfg); err != nil {
		return nil, err
	}
	if err := e.Validate(config); err != nil {
		return nil, err
	}
	if err := e.guard(cfg.WebhookURL); err != nil {
		return nil, err
	}

	switch strings.ToLower(cfg.Platform) {
	case "slack":
		msg := &slack.WebhookMessage{Text: cfg.Message, Username: cfg.Username}
		if err := slack.PostWebhookContext(ctx, cfg.WebhookURL, msg); err != nil {
			return nil, errorhandling.Wrap(errorhandling.KindExecutorFailure, err, "slack notification failed")
		}

	case "discord":
		payload := map[string]string{"content": cfg.Message}
		if cfg.Username != "" {
			payload["username"] = cfg.Username
		}
		resp, err := resty.New().R().SetContext(ctx).
			SetHeader("Content-Type", "application/json").
			SetBody(payload).
			Post(cfg.WebhookURL)
		if err != nil {
			return nil, errorhandling.Wrap(errorhandling.KindExecutorFailure, err, "discord notification failed")
		}
		if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
			return nil, errorhandling.New(errorhandling.KindExecutorFailure,
				"discord webhook returned status %d", resp.StatusCode())
		}
	}

	output, _ := json.Marshal(map[string]string{"platform": strings.ToLower(cfg.Platform), "delivered": "true"})
	return &Result{Output: string(output)}, nil
}

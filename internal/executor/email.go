package executor

import (
	"context"
	"encoding/json"
	"time"

	"github.com/canopyflow/canopy/internal/errorhandling"
	"github.com/canopyflow/canopy/internal/mailer"
	"github.com/canopyflow/canopy/internal/storage"
	"github.com/canopyflow/canopy/pkg/models"
)

// deferThreshold is how far in the future fireAt must lie before the
// node parks itself instead of sending inline.
const deferThreshold = 10 * time.Second

// EmailExecutor sends email synchronously, or parks a DeferredEmail row
// when the node asks for a future send time.
type EmailExecutor struct {
	mailer   mailer.Mailer
	deferred storage.DeferredEmailRepository
	now      func() time.Time
}

// NewEmailExecutor creates an email executor.
func NewEmailExecutor(m mailer.Mailer, deferred storage.DeferredEmailRepository) *EmailExecutor {
	return &EmailExecutor{mailer: m, deferred: deferred, now: time.Now}
}

type emailConfig struct {
	To        string `json:"to"`
	From      string `json:"from"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
	Scheduled bool   `json:"scheduled"`
	FireAt    string `json:"fire_at"` // RFC3339, only read when scheduled
}

// Kind returns the node kind this executor handles.
func (e *EmailExecutor) Kind() models.NodeKind {
	return models.NodeKindEmail
}

// Validate checks the node config.
func (e *EmailExecutor) Validate(config json.RawMessage) error {
	var cfg emailConfig
	if err := decodeConfig(config, &cfg); err != nil {
		return err
	}
	if cfg.To == "" {
		return errorhandling.New(errorhandling.KindValidation, "email node requires a recipient")
	}
	if cfg.Scheduled && cfg.FireAt != "" {
		if _, err := time.Parse(time.RFC3339, cfg.FireAt); err != nil {
			return errorhandling.Wrap(errorhandling.KindValidation, err, "fire_at must be RFC3339")
		}
	}
	return nil
}

// Execute sends the email, or creates a DeferredEmail and returns the
// deferred sentinel when fireAt is far enough in the future.
func (e *EmailExecutor) Execute(ctx context.Context, config json.RawMessage, rc RunContext) (*Result, error) {
	var cfg emailConfig
	if err := decodeConfig(config, &cfg); err != nil {
		return nil, err
	}
	if cfg.To == "" {
		return nil, errorhandling.New(errorhandling.KindValidation, "email node requires a recipient")
	}

	if cfg.Scheduled && cfg.FireAt != "" {
		fireAt, err := time.Parse(time.RFC3339, cfg.FireAt)
		if err != nil {
			return nil, errorhandling.Wrap(errorhandling.KindValidation, err, "fire_at must be RFC3339")
		}
		if fireAt.After(e.now().Add(deferThreshold)) {
			email := &models.DeferredEmail{
				RunID:     rc.RunID,
				NodeID:    rc.NodeID,
				Owner:     rc.Owner,
				Sender:    cfg.From,
				Recipient: cfg.To,
				Subject:   cfg.Subject,
				Body:      cfg.Body,
				FireAt:    fireAt,
				Status:    models.DeferredPending,
			}
			if err := e.deferred.Create(ctx, email); err != nil {
				return nil, errorhandling.Wrap(errorhandling.KindInfraTransient, err, "failed to defer email")
			}
			output, _ := json.Marshal(map[string]string{
				"deferred": email.ID,
				"fireAt":   fireAt.Format(time.RFC3339),
			})
			return &Result{Output: string(output), Deferred: true}, nil
		}
	}

	messageID, err := e.mailer.Send(ctx, rc.Owner, mailer.Message{
		From:    cfg.From,
		To:      cfg.To,
		Subject: cfg.Subject,
		Body:    cfg.Body,
	})
	if err != nil {
		return nil, errorhandling.Wrap(errorhandling.KindExecutorFailure, err, "failed to send email")
	}

	output, _ := json.Marshal(map[string]string{"messageId": messageID})
	return &Result{Output: string(output)}, nil
}

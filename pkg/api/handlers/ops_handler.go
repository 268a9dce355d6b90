package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/canopyflow/canopy/internal/crypto"
	"github.com/canopyflow/canopy/internal/dlq"
	"github.com/canopyflow/canopy/internal/storage"
	"github.com/canopyflow/canopy/pkg/api/dto"
	"github.com/canopyflow/canopy/pkg/api/middleware"
)

// WorkerHandler serves the worker fleet view.
type WorkerHandler struct {
	workers storage.WorkerRepository
}

// NewWorkerHandler creates a worker handler.
func NewWorkerHandler(workers storage.WorkerRepository) *WorkerHandler {
	return &WorkerHandler{workers: workers}
}

// List handles GET /api/v1/workers.
func (h *WorkerHandler) List(c *gin.Context) {
	workers, err := h.workers.List(c.Request.Context())
	if err != nil {
		middleware.RespondError(c, err)
		return
	}
	out := make([]dto.WorkerResponse, 0, len(workers))
	for _, w := range workers {
		out = append(out, dto.FromWorker(w))
	}
	c.JSON(http.StatusOK, out)
}

// DeadLetterInspector is the slice of dlq.Inspector the handler needs.
type DeadLetterInspector interface {
	List(ctx context.Context, limit int) ([]dlq.Entry, error)
	Count(ctx context.Context) (int64, error)
	Replay(ctx context.Context, index int) error
	Purge(ctx context.Context) error
}

// DLQHandler exposes the dead-letter list to operators.
type DLQHandler struct {
	inspector DeadLetterInspector
}

// NewDLQHandler creates a dead-letter queue handler.
func NewDLQHandler(inspector DeadLetterInspector) *DLQHandler {
	return &DLQHandler{inspector: inspector}
}

// List handles GET /api/v1/dlq.
func (h *DLQHandler) List(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	entries, err := h.inspector.List(c.Request.Context(), limit)
	if err != nil {
		middleware.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, entries)
}

// Count handles GET /api/v1/dlq/count.
func (h *DLQHandler) Count(c *gin.Context) {
	count, err := h.inspector.Count(c.Request.Context())
	if err != nil {
		middleware.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": count})
}

// Replay handles POST /api/v1/dlq/:index/replay.
func (h *DLQHandler) Replay(c *gin.Context) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil || index < 0 {
		middleware.Abort(c, http.StatusBadRequest, "validation", "index must be a non-negative integer")
		return
	}
	if err := h.inspector.Replay(c.Request.Context(), index); err != nil {
		if errors.Is(err, dlq.ErrNotFound) {
			middleware.Abort(c, http.StatusNotFound, "not_found", "dead-letter entry not found")
			return
		}
		middleware.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.SuccessResponse{Success: true, Message: "message re-enqueued"})
}

// Purge handles DELETE /api/v1/dlq.
func (h *DLQHandler) Purge(c *gin.Context) {
	if err := h.inspector.Purge(c.Request.Context()); err != nil {
		middleware.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.SuccessResponse{Success: true, Message: "dead-letter queue purged"})
}

// SMTPHandler manages per-user SMTP credentials. Passwords are encrypted
// before they reach the store and never leave it again.
type SMTPHandler struct {
	settings storage.SMTPSettingsRepository
	cipher   *crypto.Cipher
}

// NewSMTPHandler creates an SMTP settings handler.
func NewSMTPHandler(settings storage.SMTPSettingsRepository, cipher *crypto.Cipher) *SMTPHandler {
	return &SMTPHandler{settings: settings, cipher: cipher}
}

// Upsert handles PUT /api/v1/settings/smtp.
func (h *SMTPHandler) Upsert(c *gin.Context) {
	var req dto.SMTPSettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.Abort(c, http.StatusBadRequest, "validation", err.Error())
		return
	}

	encrypted, err := h.cipher.Encrypt(req.Password)
	if err != nil {
		middleware.RespondError(c, err)
		return
	}

	model := &storage.SMTPSettingsModel{
		Owner:             middleware.Owner(c),
		Host:              req.Host,
		Port:              strconv.Itoa(req.Port),
		Username:          req.Username,
		EncryptedPassword: encrypted,
		FromAddress:       req.From,
	}
	if err := h.settings.Upsert(c.Request.Context(), model); err != nil {
		middleware.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.SMTPSettingsResponse{
		Host: req.Host, Port: req.Port, Username: req.Username, From: req.From,
	})
}

// Get handles GET /api/v1/settings/smtp.
func (h *SMTPHandler) Get(c *gin.Context) {
	model, err := h.settings.Get(c.Request.Context(), middleware.Owner(c))
	if err != nil {
		middleware.RespondError(c, err)
		return
	}
	port, _ := strconv.Atoi(model.Port)
	c.JSON(http.StatusOK, dto.SMTPSettingsResponse{
		Host: model.Host, Port: port, Username: model.Username, From: model.FromAddress,
	})
}

// Delete handles DELETE /api/v1/settings/smtp.
func (h *SMTPHandler) Delete(c *gin.Context) {
	if err := h.settings.Delete(c.Request.Context(), middleware.Owner(c)); err != nil {
		middleware.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.SuccessResponse{Success: true, Message: "SMTP settings removed"})
}

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/canopyflow/canopy/internal/engine"
	"github.com/canopyflow/canopy/internal/storage"
	"github.com/canopyflow/canopy/pkg/api/dto"
	"github.com/canopyflow/canopy/pkg/api/middleware"
	"github.com/canopyflow/canopy/pkg/models"
)

// RunHandler serves run triggering, inspection and cancellation.
type RunHandler struct {
	dags       storage.DAGRepository
	runs       storage.RunRepository
	records    storage.TaskRecordRepository
	dispatcher *engine.Dispatcher
	reconciler *engine.Reconciler
}

// NewRunHandler creates a run handler.
func NewRunHandler(dags storage.DAGRepository, runs storage.RunRepository, records storage.TaskRecordRepository, dispatcher *engine.Dispatcher, reconciler *engine.Reconciler) *RunHandler {
	return &RunHandler{dags: dags, runs: runs, records: records, dispatcher: dispatcher, reconciler: reconciler}
}

// Trigger handles POST /api/v1/dags/:id/trigger.
func (h *RunHandler) Trigger(c *gin.Context) {
	d, err := h.dags.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		middleware.RespondError(c, err)
		return
	}
	if d.Owner != middleware.Owner(c) {
		middleware.Abort(c, http.StatusNotFound, "not_found", "DAG not found")
		return
	}

	run, err := h.dispatcher.CreateRun(c.Request.Context(), d.ID, "manual")
	if err != nil {
		middleware.RespondError(c, err)
		return
	}
	if run == nil {
		middleware.Abort(c, http.StatusConflict, "validation", "DAG is inactive or outside its schedule window")
		return
	}
	c.JSON(http.StatusAccepted, dto.FromRun(run))
}

// List handles GET /api/v1/runs, optionally filtered by dag_id and
// status.
func (h *RunHandler) List(c *gin.Context) {
	var q dto.ListQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		middleware.Abort(c, http.StatusBadRequest, "validation", err.Error())
		return
	}
	q.Clamp(50, 200)

	filters := storage.RunFilters{
		Owner:  middleware.Owner(c),
		DAGID:  c.Query("dag_id"),
		Limit:  q.Limit,
		Offset: q.Offset,
	}
	if q.Status != "" {
		s := models.State(q.Status)
		filters.Status = &s
	}

	runs, err := h.runs.List(c.Request.Context(), filters)
	if err != nil {
		middleware.RespondError(c, err)
		return
	}

	out := make([]dto.RunResponse, 0, len(runs))
	for _, run := range runs {
		out = append(out, dto.FromRun(run))
	}
	c.JSON(http.StatusOK, out)
}

// Get handles GET /api/v1/runs/:id, returning the run with its full
// attempt history.
func (h *RunHandler) Get(c *gin.Context) {
	run, ok := h.ownedRun(c)
	if !ok {
		return
	}

	records, err := h.records.ListByRun(c.Request.Context(), run.ID)
	if err != nil {
		middleware.RespondError(c, err)
		return
	}

	resp := dto.RunDetailResponse{RunResponse: dto.FromRun(run)}
	for _, rec := range records {
		resp.TaskRecords = append(resp.TaskRecords, dto.FromTaskRecord(rec))
	}
	c.JSON(http.StatusOK, resp)
}

// Records handles GET /api/v1/runs/:id/records.
func (h *RunHandler) Records(c *gin.Context) {
	run, ok := h.ownedRun(c)
	if !ok {
		return
	}

	records, err := h.records.ListByRun(c.Request.Context(), run.ID)
	if err != nil {
		middleware.RespondError(c, err)
		return
	}

	out := make([]dto.TaskRecordResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, dto.FromTaskRecord(rec))
	}
	c.JSON(http.StatusOK, out)
}

// Cancel handles POST /api/v1/runs/:id/cancel.
func (h *RunHandler) Cancel(c *gin.Context) {
	run, ok := h.ownedRun(c)
	if !ok {
		return
	}
	if run.Status.IsTerminal() {
		middleware.Abort(c, http.StatusConflict, "validation", "run is already finished")
		return
	}

	if err := h.reconciler.Cancel(c.Request.Context(), run.ID); err != nil {
		middleware.RespondError(c, err)
		return
	}

	cancelled, err := h.runs.Get(c.Request.Context(), run.ID)
	if err != nil {
		middleware.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.FromRun(cancelled))
}

func (h *RunHandler) ownedRun(c *gin.Context) (*models.Run, bool) {
	run, err := h.runs.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		middleware.RespondError(c, err)
		return nil, false
	}
	if run.Owner != middleware.Owner(c) {
		middleware.Abort(c, http.StatusNotFound, "not_found", "run not found")
		return nil, false
	}
	return run, true
}

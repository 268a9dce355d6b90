package handlers

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/canopyflow/canopy/internal/dag"
	"github.com/canopyflow/canopy/internal/storage"
	"github.com/canopyflow/canopy/pkg/api/dto"
	"github.com/canopyflow/canopy/pkg/api/middleware"
	"github.com/canopyflow/canopy/pkg/models"
)

// DAGHandler serves DAG definition CRUD and YAML import.
type DAGHandler struct {
	dags      storage.DAGRepository
	validator *dag.Validator
	parser    *dag.Parser
}

// NewDAGHandler creates a DAG handler.
func NewDAGHandler(dags storage.DAGRepository, validator *dag.Validator, parser *dag.Parser) *DAGHandler {
	return &DAGHandler{dags: dags, validator: validator, parser: parser}
}

// Create handles POST /api/v1/dags.
func (h *DAGHandler) Create(c *gin.Context) {
	var req dto.CreateDAGRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.Abort(c, http.StatusBadRequest, "validation", err.Error())
		return
	}

	d := req.ToDAG(middleware.Owner(c))
	if d.Trigger != nil {
		d.Trigger.Token = uuid.New().String()
	}
	if err := h.validator.Validate(d); err != nil {
		middleware.Abort(c, http.StatusBadRequest, "validation", err.Error())
		return
	}

	if err := h.dags.Create(c.Request.Context(), d); err != nil {
		middleware.RespondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, dto.FromDAG(d))
}

// Import handles POST /api/v1/dags/import with a YAML body.
func (h *DAGHandler) Import(c *gin.Context) {
	data, err := io.ReadAll(c.Request.Body)
	if err != nil || len(data) == 0 {
		middleware.Abort(c, http.StatusBadRequest, "validation", "request body must be a YAML DAG definition")
		return
	}

	d, err := h.parser.ParseYAML(data)
	if err != nil {
		middleware.Abort(c, http.StatusBadRequest, "validation", err.Error())
		return
	}
	d.Owner = middleware.Owner(c)

	if err := h.dags.Create(c.Request.Context(), d); err != nil {
		middleware.RespondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, dto.FromDAG(d))
}

// List handles GET /api/v1/dags.
func (h *DAGHandler) List(c *gin.Context) {
	var q dto.ListQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		middleware.Abort(c, http.StatusBadRequest, "validation", err.Error())
		return
	}
	q.Clamp(50, 200)

	filters := storage.DAGFilters{
		Owner:  middleware.Owner(c),
		Limit:  q.Limit,
		Offset: q.Offset,
	}
	if active, ok := c.GetQuery("active"); ok {
		v := active == "true"
		filters.Active = &v
	}

	dags, err := h.dags.List(c.Request.Context(), filters)
	if err != nil {
		middleware.RespondError(c, err)
		return
	}

	out := make([]dto.DAGResponse, 0, len(dags))
	for _, d := range dags {
		out = append(out, dto.FromDAG(d))
	}
	c.JSON(http.StatusOK, out)
}

// Get handles GET /api/v1/dags/:id.
func (h *DAGHandler) Get(c *gin.Context) {
	d, ok := h.ownedDAG(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, dto.FromDAG(d))
}

// Delete handles DELETE /api/v1/dags/:id. Runs of the DAG survive; the
// engine fails their remaining tasks as dag_deleted.
func (h *DAGHandler) Delete(c *gin.Context) {
	d, ok := h.ownedDAG(c)
	if !ok {
		return
	}
	if err := h.dags.Delete(c.Request.Context(), d.ID); err != nil {
		middleware.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.SuccessResponse{Success: true, Message: "DAG deleted"})
}

// Pause handles POST /api/v1/dags/:id/pause.
func (h *DAGHandler) Pause(c *gin.Context) {
	h.setActive(c, false)
}

// Unpause handles POST /api/v1/dags/:id/unpause.
func (h *DAGHandler) Unpause(c *gin.Context) {
	h.setActive(c, true)
}

func (h *DAGHandler) setActive(c *gin.Context, active bool) {
	d, ok := h.ownedDAG(c)
	if !ok {
		return
	}
	if err := h.dags.SetActive(c.Request.Context(), d.ID, active); err != nil {
		middleware.RespondError(c, err)
		return
	}
	d.Active = active
	c.JSON(http.StatusOK, dto.FromDAG(d))
}

// ownedDAG loads the path DAG and enforces ownership. Cross-user access
// reads as not found so DAG ids are not probeable.
func (h *DAGHandler) ownedDAG(c *gin.Context) (*models.DAG, bool) {
	d, err := h.dags.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		middleware.RespondError(c, err)
		return nil, false
	}
	if d.Owner != middleware.Owner(c) {
		middleware.Abort(c, http.StatusNotFound, "not_found", "DAG not found")
		return nil, false
	}
	return d, true
}

package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/canopyflow/canopy/internal/engine"
	"github.com/canopyflow/canopy/internal/storage"
	"github.com/canopyflow/canopy/pkg/api/dto"
	"github.com/canopyflow/canopy/pkg/api/middleware"
	"github.com/canopyflow/canopy/pkg/models"
)

// TriggerHandler serves the unauthenticated webhook entry points. The
// trigger token (or registered path) is the credential.
type TriggerHandler struct {
	dags       storage.DAGRepository
	dispatcher *engine.Dispatcher
}

// NewTriggerHandler creates a webhook trigger handler.
func NewTriggerHandler(dags storage.DAGRepository, dispatcher *engine.Dispatcher) *TriggerHandler {
	return &TriggerHandler{dags: dags, dispatcher: dispatcher}
}

// ByToken handles /hooks/:token for any method; the trigger's declared
// method is enforced here, not by the router.
func (h *TriggerHandler) ByToken(c *gin.Context) {
	d, err := h.dags.GetByTriggerToken(c.Request.Context(), c.Param("token"))
	if err != nil {
		middleware.RespondError(c, err)
		return
	}
	h.fire(c, d)
}

// ByPath handles /hooks/path/*path.
func (h *TriggerHandler) ByPath(c *gin.Context) {
	path := strings.TrimPrefix(c.Param("path"), "/")
	d, err := h.dags.GetByTriggerPath(c.Request.Context(), path)
	if err != nil {
		middleware.RespondError(c, err)
		return
	}
	h.fire(c, d)
}

func (h *TriggerHandler) fire(c *gin.Context, d *models.DAG) {
	if d.Trigger == nil || !d.Trigger.Enabled {
		middleware.Abort(c, http.StatusForbidden, "unauthorized", "trigger is disabled")
		return
	}

	expected := d.Trigger.Method
	if expected == "" {
		expected = http.MethodPost
	}
	if !strings.EqualFold(c.Request.Method, expected) {
		c.Header("Allow", expected)
		middleware.Abort(c, http.StatusMethodNotAllowed, "validation", "trigger expects "+expected)
		return
	}

	run, err := h.dispatcher.CreateRun(c.Request.Context(), d.ID, "webhook")
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

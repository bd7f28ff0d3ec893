package http

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"github.com/ChrisMoss87/crmflow/pkg/engine"
	"github.com/ChrisMoss87/crmflow/pkg/models"
	"github.com/ChrisMoss87/crmflow/pkg/storage"
)

// APIResponse is the uniform response envelope.
type APIResponse struct {
	Code    int    `json:"code"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Meta    any    `json:"meta,omitempty"`
}

func ok(c *gin.Context, message string, data any) {
	c.JSON(http.StatusOK, APIResponse{Code: http.StatusOK, Status: "success", Message: message, Data: data})
}

func created(c *gin.Context, message string, data any) {
	c.JSON(http.StatusCreated, APIResponse{Code: http.StatusCreated, Status: "success", Message: message, Data: data})
}

func fail(c *gin.Context, code int, message string, err error) {
	resp := APIResponse{Code: code, Status: "error", Message: message}
	if err != nil {
		resp.Error = err.Error()
	}
	c.JSON(code, resp)
}

// failFor maps engine and storage errors onto HTTP statuses.
func failFor(c *gin.Context, message string, err error) {
	var verr *engine.ValidationError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		fail(c, http.StatusNotFound, message, err)
	case errors.As(err, &verr):
		fail(c, http.StatusUnprocessableEntity, message, err)
	case errors.Is(err, engine.ErrManualNotAllowed), errors.Is(err, engine.ErrInvalidSecret):
		fail(c, http.StatusForbidden, message, err)
	case errors.Is(err, engine.ErrRateLimited):
		fail(c, http.StatusTooManyRequests, message, err)
	case errors.Is(err, engine.ErrAlreadyRan), errors.Is(err, engine.ErrTriggerMismatches), errors.Is(err, engine.ErrWorkflowInactive):
		fail(c, http.StatusConflict, message, err)
	default:
		fail(c, http.StatusInternalServerError, message, err)
	}
}

type WorkflowHandler struct {
	svc    *engine.WorkflowService
	logger engine.Logger
}

func NewWorkflowHandler(svc *engine.WorkflowService, logger engine.Logger) *WorkflowHandler {
	return &WorkflowHandler{svc: svc, logger: logger}
}

func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		fail(c, http.StatusBadRequest, "Invalid "+name, err)
		return 0, false
	}
	return id, true
}

func (h *WorkflowHandler) ListWorkflows(c *gin.Context) {
	var f storage.WorkflowFilter
	if v := c.Query("module_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			fail(c, http.StatusBadRequest, "Invalid module_id", err)
			return
		}
		f.ModuleID = &id
	}
	if v := c.Query("active"); v != "" {
		active := v == "true" || v == "1"
		f.Active = &active
	}
	if v := c.Query("trigger_type"); v != "" {
		tt := models.TriggerType(v)
		f.TriggerType = &tt
	}
	workflows, err := h.svc.ListWorkflows(f)
	if err != nil {
		failFor(c, "Failed to list workflows", err)
		return
	}
	ok(c, "", workflows)
}

func (h *WorkflowHandler) CreateWorkflow(c *gin.Context) {
	var wf models.Workflow
	if err := c.ShouldBindJSON(&wf); err != nil {
		fail(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	saved, err := h.svc.CreateWorkflow(wf)
	if err != nil {
		failFor(c, "Failed to create workflow", err)
		return
	}
	created(c, "Workflow created", saved)
}

func (h *WorkflowHandler) GetWorkflow(c *gin.Context) {
	id, okID := pathID(c, "id")
	if !okID {
		return
	}
	wf, err := h.svc.GetWorkflow(id)
	if err != nil {
		failFor(c, "Failed to get workflow", err)
		return
	}
	ok(c, "", wf)
}

func (h *WorkflowHandler) UpdateWorkflow(c *gin.Context) {
	id, okID := pathID(c, "id")
	if !okID {
		return
	}
	var wf models.Workflow
	if err := c.ShouldBindJSON(&wf); err != nil {
		fail(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	wf.ID = id
	saved, err := h.svc.UpdateWorkflow(wf, c.Query("change_summary"))
	if err != nil {
		failFor(c, "Failed to update workflow", err)
		return
	}
	ok(c, "Workflow updated", saved)
}

func (h *WorkflowHandler) DeleteWorkflow(c *gin.Context) {
	id, okID := pathID(c, "id")
	if !okID {
		return
	}
	if err := h.svc.DeleteWorkflow(id); err != nil {
		failFor(c, "Failed to delete workflow", err)
		return
	}
	ok(c, "Workflow deleted", nil)
}

func (h *WorkflowHandler) ToggleWorkflow(c *gin.Context) {
	id, okID := pathID(c, "id")
	if !okID {
		return
	}
	active, err := h.svc.ToggleActive(id)
	if err != nil {
		failFor(c, "Failed to toggle workflow", err)
		return
	}
	ok(c, "Workflow toggled", gin.H{"id": id, "is_active": active})
}

func (h *WorkflowHandler) CloneWorkflow(c *gin.Context) {
	id, okID := pathID(c, "id")
	if !okID {
		return
	}
	clone, err := h.svc.Clone(id, actorFrom(c))
	if err != nil {
		failFor(c, "Failed to clone workflow", err)
		return
	}
	created(c, "Workflow cloned", clone)
}

type triggerRequest struct {
	RecordID   int64  `json:"record_id"`
	RecordType string `json:"record_type"`
}

func (h *WorkflowHandler) TriggerWorkflow(c *gin.Context) {
	id, okID := pathID(c, "id")
	if !okID {
		return
	}
	var req triggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	exec, err := h.svc.TriggerManual(c.Request.Context(), id, req.RecordID, req.RecordType, actorFrom(c))
	if err != nil {
		failFor(c, "Failed to trigger workflow", err)
		return
	}
	ok(c, "Workflow triggered", exec)
}

type reorderRequest struct {
	StepIDs []int64 `json:"step_ids" binding:"required"`
}

func (h *WorkflowHandler) ReorderSteps(c *gin.Context) {
	id, okID := pathID(c, "id")
	if !okID {
		return
	}
	var req reorderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	wf, err := h.svc.ReorderSteps(id, req.StepIDs, actorFrom(c))
	if err != nil {
		failFor(c, "Failed to reorder steps", err)
		return
	}
	ok(c, "Steps reordered", wf)
}

func (h *WorkflowHandler) ListExecutions(c *gin.Context) {
	id, okID := pathID(c, "id")
	if !okID {
		return
	}
	var f storage.ExecutionFilter
	if v := c.Query("status"); v != "" {
		st := models.ExecutionStatus(v)
		f.Status = &st
	}
	f.Page, _ = strconv.Atoi(c.DefaultQuery("page", "1"))
	f.PerPage, _ = strconv.Atoi(c.DefaultQuery("per_page", "20"))

	executions, total, err := h.svc.ListExecutions(id, f)
	if err != nil {
		failFor(c, "Failed to list executions", err)
		return
	}
	c.JSON(http.StatusOK, APIResponse{
		Code:   http.StatusOK,
		Status: "success",
		Data:   executions,
		Meta:   gin.H{"total": total, "page": f.Page, "per_page": f.PerPage},
	})
}

func (h *WorkflowHandler) WorkflowStats(c *gin.Context) {
	id, okID := pathID(c, "id")
	if !okID {
		return
	}
	stats, err := h.svc.Stats(id)
	if err != nil {
		failFor(c, "Failed to compute stats", err)
		return
	}
	ok(c, "", stats)
}

func (h *WorkflowHandler) GetExecution(c *gin.Context) {
	id, okID := pathID(c, "id")
	if !okID {
		return
	}
	exec, err := h.svc.GetExecution(id)
	if err != nil {
		failFor(c, "Failed to get execution", err)
		return
	}
	ok(c, "", exec)
}

func (h *WorkflowHandler) CancelExecution(c *gin.Context) {
	id, okID := pathID(c, "id")
	if !okID {
		return
	}
	exec, err := h.svc.CancelExecution(id)
	if err != nil {
		failFor(c, "Failed to cancel execution", err)
		return
	}
	ok(c, "Execution cancelled", exec)
}

func (h *WorkflowHandler) ListVersions(c *gin.Context) {
	id, okID := pathID(c, "id")
	if !okID {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	versions, err := h.svc.ListVersions(id, limit)
	if err != nil {
		failFor(c, "Failed to list versions", err)
		return
	}
	ok(c, "", versions)
}

func (h *WorkflowHandler) GetVersion(c *gin.Context) {
	id, okID := pathID(c, "id")
	if !okID {
		return
	}
	number, err := strconv.Atoi(c.Param("number"))
	if err != nil || number < 1 {
		fail(c, http.StatusBadRequest, "Invalid version number", err)
		return
	}
	version, err := h.svc.GetVersion(id, number)
	if err != nil {
		failFor(c, "Failed to get version", err)
		return
	}
	ok(c, "", version)
}

func (h *WorkflowHandler) RollbackWorkflow(c *gin.Context) {
	id, okID := pathID(c, "id")
	if !okID {
		return
	}
	number, err := strconv.Atoi(c.Param("number"))
	if err != nil || number < 1 {
		fail(c, http.StatusBadRequest, "Invalid version number", err)
		return
	}
	wf, err := h.svc.RollbackWorkflow(id, number, actorFrom(c))
	if err != nil {
		failFor(c, "Failed to roll back workflow", err)
		return
	}
	ok(c, "Workflow rolled back", wf)
}

func (h *WorkflowHandler) DiffVersions(c *gin.Context) {
	id, okID := pathID(c, "id")
	if !okID {
		return
	}
	from, err1 := strconv.Atoi(c.Query("from"))
	to, err2 := strconv.Atoi(c.Query("to"))
	if err1 != nil || err2 != nil || from < 1 || to < 1 {
		fail(c, http.StatusBadRequest, "Invalid from/to versions", nil)
		return
	}
	diff, err := h.svc.DiffVersions(id, from, to)
	if err != nil {
		failFor(c, "Failed to diff versions", err)
		return
	}
	ok(c, "", diff)
}

type pruneRequest struct {
	Keep int `json:"keep"`
}

func (h *WorkflowHandler) PruneVersions(c *gin.Context) {
	id, okID := pathID(c, "id")
	if !okID {
		return
	}
	var req pruneRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	removed, err := h.svc.PruneVersions(id, req.Keep)
	if err != nil {
		failFor(c, "Failed to prune versions", err)
		return
	}
	ok(c, "Versions pruned", gin.H{"removed": removed})
}

func (h *WorkflowHandler) ListTemplates(c *gin.Context) {
	templates, err := h.svc.ListTemplates(c.Query("category"))
	if err != nil {
		failFor(c, "Failed to list templates", err)
		return
	}
	ok(c, "", templates)
}

func (h *WorkflowHandler) GetTemplate(c *gin.Context) {
	tpl, err := h.svc.GetTemplate(c.Param("slug"))
	if err != nil {
		failFor(c, "Failed to get template", err)
		return
	}
	ok(c, "", tpl)
}

type instantiateRequest struct {
	ModuleID  *int64         `json:"module_id"`
	Variables map[string]any `json:"variables"`
}

func (h *WorkflowHandler) InstantiateTemplate(c *gin.Context) {
	var req instantiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	wf, err := h.svc.InstantiateTemplate(c.Param("slug"), req.ModuleID, req.Variables, actorFrom(c))
	if err != nil {
		failFor(c, "Failed to instantiate template", err)
		return
	}
	created(c, "Workflow created from template", wf)
}

func (h *WorkflowHandler) TriggerTypes(c *gin.Context) {
	ok(c, "", models.TriggerTypes())
}

func (h *WorkflowHandler) ActionTypes(c *gin.Context) {
	ok(c, "", engine.Definitions())
}

func (h *WorkflowHandler) IngestEvent(c *gin.Context) {
	var event models.Event
	if err := c.ShouldBindJSON(&event); err != nil {
		fail(c, http.StatusBadRequest, "Invalid event payload", err)
		return
	}
	executions, err := h.svc.HandleEvent(c.Request.Context(), event)
	if err != nil {
		failFor(c, "Failed to handle event", err)
		return
	}
	ok(c, "", gin.H{"executions": executions, "matched": len(executions)})
}

func (h *WorkflowHandler) ReceiveWebhook(c *gin.Context) {
	id, okID := pathID(c, "id")
	if !okID {
		return
	}
	secret := c.GetHeader("X-Webhook-Secret")
	if secret == "" {
		secret = c.Query("secret")
	}
	var payload models.FieldMap
	if err := c.ShouldBindJSON(&payload); err != nil {
		fail(c, http.StatusBadRequest, "Invalid webhook payload", err)
		return
	}
	exec, err := h.svc.TriggerWebhook(c.Request.Context(), id, secret, payload)
	if err != nil {
		failFor(c, "Failed to process webhook", err)
		return
	}
	ok(c, "Webhook accepted", exec)
}

// actorFrom pulls the acting user from the X-User-ID header; authentication
// itself lives upstream.
func actorFrom(c *gin.Context) *int64 {
	v := c.GetHeader("X-User-ID")
	if v == "" {
		return nil
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil
	}
	return &id
}

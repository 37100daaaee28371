package ops

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	executionrepo "github.com/inkwell-go/internal/services/execution/repository"
	"github.com/inkwell-go/internal/services/workflows"
	"github.com/inkwell-go/pkg/database"
	"github.com/inkwell-go/pkg/events"
	"github.com/inkwell-go/pkg/logger"
)

// Handlers is the operational API of the worker: execution log queries
// and manual task triggers.
type Handlers struct {
	executions *executionrepo.Repository
	registry   map[string]workflows.Definition
	dispatcher events.Dispatcher
	logger     logger.Logger
}

func NewHandlers(
	executions *executionrepo.Repository,
	registry map[string]workflows.Definition,
	dispatcher events.Dispatcher,
	log logger.Logger,
) *Handlers {
	return &Handlers{
		executions: executions,
		registry:   registry,
		dispatcher: dispatcher,
		logger:     log,
	}
}

func (h *Handlers) ListExecutions(c *gin.Context) {
	filter := executionrepo.EntryFilter{
		Task:     c.Query("task"),
		TenantID: c.Query("tenantId"),
		Status:   c.Query("status"),
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 200 {
		limit = 50
	}
	pagination := &database.Pagination{Page: page, Limit: limit, Sort: "started_at DESC"}

	entries, err := h.executions.ListEntries(c.Request.Context(), filter, pagination)
	if err != nil {
		h.logger.Error("Failed to list executions", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list executions"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"executions": entries,
		"page":       pagination.Page,
		"limit":      pagination.Limit,
		"total":      pagination.Total,
	})
}

func (h *Handlers) GetExecution(c *gin.Context) {
	entry, err := h.executions.GetEntryByRunID(c.Request.Context(), c.Param("runId"))
	if errors.Is(err, executionrepo.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "execution not found"})
		return
	}
	if err != nil {
		h.logger.Error("Failed to load execution", "runId", c.Param("runId"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load execution"})
		return
	}
	c.JSON(http.StatusOK, entry)
}

type triggerRequest struct {
	TenantID string `json:"tenantId" binding:"required"`
}

// TriggerTask dispatches a workflow start event outside the scheduler.
func (h *Handlers) TriggerTask(c *gin.Context) {
	task := c.Param("task")
	def, known := h.registry[task]
	if !known {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown task"})
		return
	}

	var req triggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	evt := events.NewEvent(def.Event, req.TenantID, map[string]interface{}{"tenantId": req.TenantID})
	if err := h.dispatcher.Dispatch(c.Request.Context(), evt); err != nil {
		h.logger.Error("Failed to dispatch manual trigger", "task", task, "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to dispatch event"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"runId": evt.ID,
		"task":  task,
		"event": def.Event,
	})
}

func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

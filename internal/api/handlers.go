// Package api is the thin HTTP admission surface: every handler maps
// 1:1 onto the in-process core API with no business logic of its own.
package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/agentmesh/core/internal/bus"
	"github.com/agentmesh/core/internal/common/apperrors"
	"github.com/agentmesh/core/internal/common/logger"
	"github.com/agentmesh/core/internal/core"
	"github.com/agentmesh/core/internal/decomposer"
	"github.com/agentmesh/core/internal/modes"
	"github.com/agentmesh/core/internal/orchestrator"
)

// Handler bundles the core components the routes call into.
type Handler struct {
	orch   *orchestrator.Orchestrator
	dec    *decomposer.Decomposer
	modes  *modes.Engine
	bus    bus.Bus
	logger *logger.Logger
}

// NewHandler creates the admission handler set.
func NewHandler(orch *orchestrator.Orchestrator, dec *decomposer.Decomposer, engine *modes.Engine, b bus.Bus, log *logger.Logger) *Handler {
	return &Handler{orch: orch, dec: dec, modes: engine, bus: b, logger: log}
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		return http.StatusInternalServerError
	}
	switch appErr.Kind {
	case apperrors.KindValidation, apperrors.KindPattern, apperrors.KindDecomposition:
		return http.StatusBadRequest
	case apperrors.KindNotFound:
		return http.StatusNotFound
	case apperrors.KindState, apperrors.KindNoConsensus:
		return http.StatusConflict
	case apperrors.KindBusy:
		return http.StatusTooManyRequests
	case apperrors.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// fail renders an error in the taxonomy's wire shape.
func fail(c *gin.Context, err error) {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		c.JSON(statusFor(err), gin.H{"error": appErr})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{
		"kind":      string(apperrors.KindInternal),
		"message":   err.Error(),
		"retryable": false,
	}})
}

// HealthCheck reports liveness.
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "bus_connected": h.bus.IsConnected()})
}

// SubmitTask admits a single task.
func (h *Handler) SubmitTask(c *gin.Context) {
	var task core.Task
	if err := c.ShouldBindJSON(&task); err != nil {
		fail(c, apperrors.ValidationError("body", err.Error()))
		return
	}
	id, err := h.orch.Submit(&task)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"task_id": id})
}

// GetTask returns one task snapshot.
func (h *Handler) GetTask(c *gin.Context) {
	task, err := h.orch.Get(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// ListTasks returns task snapshots, optionally filtered by status.
func (h *Handler) ListTasks(c *gin.Context) {
	status := core.TaskStatus(c.Query("status"))
	c.JSON(http.StatusOK, gin.H{"tasks": h.orch.List(status)})
}

// CancelTask requests cancellation.
func (h *Handler) CancelTask(c *gin.Context) {
	if err := h.orch.Cancel(c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"task_id": c.Param("id")})
}

// GetStats returns orchestrator and bus counters.
func (h *Handler) GetStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"orchestrator": h.orch.Stats(),
		"bus":          h.bus.Stats(),
	})
}

// RegisterAgentType adds an agent type to the catalog.
func (h *Handler) RegisterAgentType(c *gin.Context) {
	var t core.AgentType
	if err := c.ShouldBindJSON(&t); err != nil {
		fail(c, apperrors.ValidationError("body", err.Error()))
		return
	}
	if err := h.orch.Registry().RegisterType(&t); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"type_id": t.ID})
}

// ListAgentTypes lists the type catalog.
func (h *Handler) ListAgentTypes(c *gin.Context) {
	category := core.AgentCategory(c.Query("category"))
	c.JSON(http.StatusOK, gin.H{"agent_types": h.orch.Registry().ListTypes(category)})
}

type registerAgentRequest struct {
	ID           string   `json:"id" binding:"required"`
	TypeID       string   `json:"type_id" binding:"required"`
	Name         string   `json:"name"`
	Capabilities []string `json:"capabilities"`
	Capacity     int      `json:"capacity"`
}

// RegisterAgent adds a live agent.
func (h *Handler) RegisterAgent(c *gin.Context) {
	var req registerAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apperrors.ValidationError("body", err.Error()))
		return
	}
	if req.Capacity <= 0 {
		req.Capacity = 1
	}
	agent, err := h.orch.Registry().RegisterAgent(req.ID, req.TypeID, req.Name, req.Capabilities, req.Capacity)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, agent)
}

// UnregisterAgent removes a live agent.
func (h *Handler) UnregisterAgent(c *gin.Context) {
	if err := h.orch.Registry().UnregisterAgent(c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ListAgents lists live agents, optionally filtered by status.
func (h *Handler) ListAgents(c *gin.Context) {
	status := core.AgentStatus(c.Query("status"))
	c.JSON(http.StatusOK, gin.H{"agents": h.orch.Registry().List(status)})
}

// FindAgentsByCapability lists dispatchable agents for a capability.
func (h *Handler) FindAgentsByCapability(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"agents": h.orch.Registry().FindByCapability(c.Param("capability"))})
}

// PauseAgent stops new dispatch to an agent.
func (h *Handler) PauseAgent(c *gin.Context) {
	if err := h.orch.Registry().Pause(c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent_id": c.Param("id"), "status": string(core.AgentPaused)})
}

// ResumeAgent restores dispatch to a paused agent.
func (h *Handler) ResumeAgent(c *gin.Context) {
	if err := h.orch.Registry().Resume(c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent_id": c.Param("id"), "status": string(core.AgentIdle)})
}

type decomposeRequest struct {
	TaskID      string                 `json:"task_id"`
	Description string                 `json:"description" binding:"required"`
	Capability  string                 `json:"capability"`
	Hints       map[string]interface{} `json:"hints"`
}

// Decompose previews a decomposition plan without submitting it.
func (h *Handler) Decompose(c *gin.Context) {
	var req decomposeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apperrors.ValidationError("body", err.Error()))
		return
	}
	plan, err := h.dec.Decompose(req.TaskID, req.Description, req.Capability, req.Hints)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, plan)
}

// RegisterPatterns loads a YAML pattern catalog from the request body.
func (h *Handler) RegisterPatterns(c *gin.Context) {
	data, err := c.GetRawData()
	if err != nil {
		fail(c, apperrors.ValidationError("body", err.Error()))
		return
	}
	if err := h.dec.LoadFromBytes(data); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"patterns": h.dec.Patterns()})
}

// BusHistory returns the bounded message history for a topic.
func (h *Handler) BusHistory(c *gin.Context) {
	n := 0
	if raw := c.Query("n"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			fail(c, apperrors.ValidationError("n", "must be an integer"))
			return
		}
		n = parsed
	}
	c.JSON(http.StatusOK, gin.H{"messages": h.bus.History(c.Query("topic"), n)})
}

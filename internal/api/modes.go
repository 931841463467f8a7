package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/agentmesh/core/internal/common/apperrors"
	"github.com/agentmesh/core/internal/consensus"
	"github.com/agentmesh/core/internal/core"
	"github.com/agentmesh/core/internal/modes"
)

// modeTask builds the parent task a collaboration request describes.
func modeTask(id, description, capability string) *core.Task {
	return &core.Task{ID: id, Description: description, RequiredCapability: capability}
}

type debateRequest struct {
	TaskID       string             `json:"task_id" binding:"required"`
	Description  string             `json:"description" binding:"required"`
	Participants []string           `json:"participants" binding:"required"`
	Rounds       int                `json:"rounds"`
	Judge        string             `json:"judge"`
	Jury         []string           `json:"jury"`
	JuryStrategy string             `json:"jury_strategy"`
	JuryWeights  map[string]float64 `json:"jury_weights"`
	TimeoutMS    int                `json:"timeout_ms"`
}

// RunDebate starts a debate session and blocks until it resolves.
func (h *Handler) RunDebate(c *gin.Context) {
	var req debateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apperrors.ValidationError("body", err.Error()))
		return
	}
	if req.Rounds == 0 {
		req.Rounds = 1
	}
	result, err := h.modes.RunDebate(c.Request.Context(),
		modeTask(req.TaskID, req.Description, ""),
		req.Participants,
		modes.DebateParams{
			Rounds:       req.Rounds,
			Judge:        req.Judge,
			Jury:         req.Jury,
			JuryStrategy: consensus.Strategy(req.JuryStrategy),
			JuryWeights:  req.JuryWeights,
			Timeout:      time.Duration(req.TimeoutMS) * time.Millisecond,
		})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type ensembleRequest struct {
	TaskID       string   `json:"task_id" binding:"required"`
	Description  string   `json:"description" binding:"required"`
	Participants []string `json:"participants" binding:"required"`
	Merge        string   `json:"merge"`
	Synthesizer  string   `json:"synthesizer"`
	TimeoutMS    int      `json:"timeout_ms"`
}

// RunEnsemble starts an ensemble session and blocks until it resolves.
func (h *Handler) RunEnsemble(c *gin.Context) {
	var req ensembleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apperrors.ValidationError("body", err.Error()))
		return
	}
	result, err := h.modes.RunEnsemble(c.Request.Context(),
		modeTask(req.TaskID, req.Description, ""),
		req.Participants,
		modes.EnsembleParams{
			Merge:       modes.MergeStrategy(req.Merge),
			Synthesizer: req.Synthesizer,
			Timeout:     time.Duration(req.TimeoutMS) * time.Millisecond,
		})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type pipelineRequest struct {
	TaskID      string                `json:"task_id" binding:"required"`
	Description string                `json:"description" binding:"required"`
	Stages      []modes.PipelineStage `json:"stages" binding:"required"`
	Handoff     string                `json:"handoff"`
	OnFailure   string                `json:"on_failure"`
	TimeoutMS   int                   `json:"timeout_ms"`
}

// RunPipeline starts a pipeline session and blocks until it resolves.
func (h *Handler) RunPipeline(c *gin.Context) {
	var req pipelineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apperrors.ValidationError("body", err.Error()))
		return
	}
	result, err := h.modes.RunPipeline(c.Request.Context(),
		modeTask(req.TaskID, req.Description, ""),
		modes.PipelineParams{
			Stages:    req.Stages,
			Handoff:   modes.HandoffFormat(req.Handoff),
			OnFailure: modes.FailurePolicy(req.OnFailure),
			Timeout:   time.Duration(req.TimeoutMS) * time.Millisecond,
		})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type critiqueRequest struct {
	TaskID            string   `json:"task_id" binding:"required"`
	Description       string   `json:"description" binding:"required"`
	Producer          string   `json:"producer" binding:"required"`
	Critics           []string `json:"critics" binding:"required"`
	ApprovalThreshold float64  `json:"approval_threshold"`
	MaxIterations     int      `json:"max_iterations"`
	Parallel          bool     `json:"parallel"`
	TimeoutMS         int      `json:"timeout_ms"`
}

// RunCritique starts a critique loop and blocks until it resolves.
func (h *Handler) RunCritique(c *gin.Context) {
	var req critiqueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apperrors.ValidationError("body", err.Error()))
		return
	}
	if req.ApprovalThreshold == 0 {
		req.ApprovalThreshold = 0.8
	}
	if req.MaxIterations == 0 {
		req.MaxIterations = 3
	}
	result, err := h.modes.RunCritique(c.Request.Context(),
		modeTask(req.TaskID, req.Description, ""),
		modes.CritiqueParams{
			Producer:          req.Producer,
			Critics:           req.Critics,
			ApprovalThreshold: req.ApprovalThreshold,
			MaxIterations:     req.MaxIterations,
			Parallel:          req.Parallel,
			Timeout:           time.Duration(req.TimeoutMS) * time.Millisecond,
		})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type swarmRequest struct {
	TaskID               string `json:"task_id" binding:"required"`
	Description          string `json:"description" binding:"required"`
	Capability           string `json:"capability"`
	Coordination         string `json:"coordination"`
	AggregatorCapability string `json:"aggregator_capability"`
	MaxSubtasks          int    `json:"max_subtasks"`
	TimeoutMS            int    `json:"timeout_ms"`
}

// RunSwarm starts a swarm session and blocks until it resolves.
func (h *Handler) RunSwarm(c *gin.Context) {
	var req swarmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apperrors.ValidationError("body", err.Error()))
		return
	}
	result, err := h.modes.RunSwarm(c.Request.Context(),
		modeTask(req.TaskID, req.Description, req.Capability),
		modes.SwarmParams{
			Coordination:         modes.CoordinationStyle(req.Coordination),
			AggregatorCapability: req.AggregatorCapability,
			MaxSubtasks:          req.MaxSubtasks,
			Timeout:              time.Duration(req.TimeoutMS) * time.Millisecond,
		})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type voteRequest struct {
	Opinions  []core.AgentOpinion `json:"opinions" binding:"required"`
	Strategy  string              `json:"strategy" binding:"required"`
	Weights   map[string]float64  `json:"weights"`
	Threshold float64             `json:"threshold"`
}

// Vote reduces a set of opinions without running a session.
func (h *Handler) Vote(c *gin.Context) {
	var req voteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apperrors.ValidationError("body", err.Error()))
		return
	}
	result, err := consensus.Vote(req.Opinions, consensus.Strategy(req.Strategy),
		consensus.Params{Weights: req.Weights, Threshold: req.Threshold})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

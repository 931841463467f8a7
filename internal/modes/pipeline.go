package modes

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/agentmesh/core/internal/common/apperrors"
	"github.com/agentmesh/core/internal/core"
)

// HandoffFormat names how one stage's output reaches the next.
type HandoffFormat string

const (
	// HandoffStructured forwards the full typed result payload.
	HandoffStructured HandoffFormat = "structured"
	// HandoffNatural forwards the rendered output text only.
	HandoffNatural HandoffFormat = "natural"
)

// FailurePolicy names what a pipeline does when a stage fails.
type FailurePolicy string

const (
	// FailAbort surfaces the stage failure immediately.
	FailAbort FailurePolicy = "abort"
	// FailBacktrackOne re-runs the previous stage once with its original
	// input, then retries the failed stage.
	FailBacktrackOne FailurePolicy = "backtrack-one"
)

// PipelineStage is one step of a pipeline: a required capability or a
// pinned agent, plus an optional stage-specific instruction.
type PipelineStage struct {
	Capability  string `json:"capability,omitempty"`
	Agent       string `json:"agent,omitempty"`
	Description string `json:"description,omitempty"`
}

// PipelineParams configures a pipeline run.
type PipelineParams struct {
	Stages    []PipelineStage
	Handoff   HandoffFormat
	OnFailure FailurePolicy
	Priority  int
	Timeout   time.Duration
}

// RunPipeline executes the stages in order, handing each stage the
// previous stage's output plus the original task.
func (e *Engine) RunPipeline(ctx context.Context, task *core.Task, params PipelineParams) (*core.ModeResult, error) {
	if len(params.Stages) == 0 {
		return nil, apperrors.ValidationError("stages", "pipeline needs at least one stage")
	}
	for i, stage := range params.Stages {
		if stage.Capability == "" && stage.Agent == "" {
			return nil, apperrors.ValidationError("stages",
				"stage "+strconv.Itoa(i)+" needs a capability or an agent")
		}
		if err := e.validateParticipants(stage.Agent); err != nil {
			return nil, err
		}
	}
	if params.Handoff == "" {
		params.Handoff = HandoffStructured
	}
	if params.OnFailure == "" {
		params.OnFailure = FailAbort
	}
	if params.Priority == 0 {
		params.Priority = defaultPriority
	}

	session := e.newSession(core.ModePipeline, task.ID, nil)
	ctx, cancel := e.sessionCtx(ctx, params.Timeout)
	defer cancel()

	e.publishSessionEvent(session, "started", map[string]interface{}{
		"stages": len(params.Stages),
	})

	// inputs[i] is the payload stage i consumed, kept for backtracking.
	inputs := make([]map[string]interface{}, len(params.Stages))
	var prev map[string]interface{}
	var lastResult *core.Task

	for i := 0; i < len(params.Stages); i++ {
		input := stageInput(task, prev, params.Handoff)
		inputs[i] = input

		result, err := e.runStage(ctx, session, task, params, i, input, 0)
		if err != nil {
			if params.OnFailure == FailBacktrackOne && i > 0 {
				e.logger.WithSessionID(session.ID).Warn("stage failed, backtracking one",
					zap.Int("stage", i), zap.Error(err))
				// Re-run the previous stage with its original input,
				// then retry this stage on the fresh output.
				prevResult, backErr := e.runStage(ctx, session, task, params, i-1, inputs[i-1], 1)
				if backErr == nil {
					retryInput := stageInput(task, prevResult.Result, params.Handoff)
					inputs[i] = retryInput
					result, err = e.runStage(ctx, session, task, params, i, retryInput, 1)
				}
			}
			if err != nil {
				e.finishSession(session, core.SessionFailed)
				return nil, err
			}
		}

		agentID := result.AssignedAgent
		op := opinionFrom(agentID, i+1, result)
		session.Rounds = append(session.Rounds, []core.AgentOpinion{op})
		if !contains(session.Participants, agentID) {
			session.Participants = append(session.Participants, agentID)
		}
		e.publishSessionEvent(session, "round", map[string]interface{}{
			"stage": i + 1,
		})

		prev = result.Result
		lastResult = result
	}

	e.finishSession(session, core.SessionConverged)
	return &core.ModeResult{
		Mode: core.ModePipeline,
		Output: map[string]interface{}{
			"output": outputText(lastResult.Result),
			"stages": len(params.Stages),
		},
		Confidence:   confidenceFrom(lastResult.Result),
		Participants: session.Participants,
		Transcript:   session.AllOpinions(),
	}, nil
}

// runStage dispatches one pipeline stage. attempt distinguishes the
// subtask id of a backtrack re-run from the original.
func (e *Engine) runStage(ctx context.Context, session *core.CollaborationSession, task *core.Task, params PipelineParams, index int, input map[string]interface{}, attempt int) (*core.Task, error) {
	stage := params.Stages[index]
	description := stage.Description
	if description == "" {
		description = task.Description
	}

	id := subtaskID(session, "stage"+strconv.Itoa(index))
	if attempt > 0 {
		id += ".retry" + strconv.Itoa(attempt)
	}
	sub := &core.Task{
		ID:                 id,
		Description:        description,
		RequiredCapability: stage.Capability,
		TargetAgent:        stage.Agent,
		Priority:           params.Priority,
		Payload:            input,
		ParentTaskID:       task.ID,
	}
	return e.runSubtask(ctx, sub)
}

// stageInput builds the payload a stage receives: the original task plus
// the previous stage's output in the configured handoff format.
func stageInput(task *core.Task, prev map[string]interface{}, handoff HandoffFormat) map[string]interface{} {
	input := map[string]interface{}{
		"task": task.Description,
	}
	if prev == nil {
		return input
	}
	if handoff == HandoffNatural {
		input["input"] = outputText(prev)
	} else {
		input["input"] = prev
	}
	return input
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

package modes

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentmesh/core/internal/common/apperrors"
	"github.com/agentmesh/core/internal/core"
)

// CoordinationStyle names how swarm subtasks share intermediate state.
type CoordinationStyle string

const (
	// CoordinationBlackboard posts every subtask result on the session's
	// reserved blackboard topic for other participants to read.
	CoordinationBlackboard CoordinationStyle = "blackboard"
	// CoordinationDirect leaves coordination to direct agent-to-agent
	// messages; the coordinator only collects terminal results.
	CoordinationDirect CoordinationStyle = "direct"
)

// SwarmParams configures a swarm run.
type SwarmParams struct {
	Coordination CoordinationStyle
	// AggregatorCapability routes the final aggregation subtask; falls
	// back to the parent task's capability.
	AggregatorCapability string
	// MaxSubtasks caps the swarm's total subtask count, the final
	// aggregator included (the convergence threshold); zero uses the
	// engine option.
	MaxSubtasks int
	Priority    int
	Timeout     time.Duration
}

// BlackboardTopic returns the reserved bus topic a swarm session shares
// intermediate results on.
func BlackboardTopic(sessionID string) string {
	return "session.swarm." + sessionID + ".blackboard"
}

// RunSwarm decomposes the task into a subtask DAG, submits it through
// the orchestrator, coordinates via the blackboard topic, and reduces
// the terminal results with a final aggregator subtask.
func (e *Engine) RunSwarm(ctx context.Context, task *core.Task, params SwarmParams) (*core.ModeResult, error) {
	if e.planner == nil {
		return nil, apperrors.ValidationError("planner", "swarm mode needs a decomposer")
	}
	if params.Coordination == "" {
		params.Coordination = CoordinationBlackboard
	}
	maxSubtasks := params.MaxSubtasks
	if maxSubtasks <= 0 {
		maxSubtasks = e.opts.MaxSwarmSubtasks
	}
	if params.Priority == 0 {
		params.Priority = defaultPriority
	}

	plan, err := e.planner.Decompose(task.ID, task.Description, task.RequiredCapability, task.Payload)
	if err != nil {
		return nil, err
	}
	// Convergence threshold: the plan plus the aggregator must fit.
	if len(plan.SubTasks)+1 > maxSubtasks {
		return nil, apperrors.DecompositionError(task.ID, "plan exceeds the swarm subtask cap")
	}

	session := e.newSession(core.ModeSwarm, task.ID, nil)
	ctx, cancel := e.sessionCtx(ctx, params.Timeout)
	defer cancel()

	e.publishSessionEvent(session, "started", map[string]interface{}{
		"pattern":  plan.PatternName,
		"subtasks": len(plan.SubTasks),
	})

	// Submit every subtask concurrently; the orchestrator's waiting set
	// enforces the DAG order. idOf mirrors the orchestrator's plan id
	// scheme but stays session-scoped.
	idOf := func(key string) string { return subtaskID(session, key) }

	results := make([]*core.Task, len(plan.SubTasks))
	g, gctx := errgroup.WithContext(ctx)
	var mu sync.Mutex
	for i, spec := range plan.SubTasks {
		i, spec := i, spec
		g.Go(func() error {
			deps := make([]string, len(spec.DependsOn))
			for j, dep := range spec.DependsOn {
				deps[j] = idOf(dep)
			}
			priority := spec.Priority
			if priority == 0 {
				priority = params.Priority
			}
			sub := &core.Task{
				ID:                 idOf(spec.Key),
				Description:        spec.Description,
				RequiredCapability: spec.RequiredCapability,
				Priority:           priority,
				DependsOn:          deps,
				Payload: map[string]interface{}{
					"session_id": session.ID,
					"task":       task.Description,
					"blackboard": BlackboardTopic(session.ID),
				},
				ParentTaskID: task.ID,
			}
			result, err := e.runSubtask(gctx, sub)
			if err != nil {
				return err
			}
			if params.Coordination == CoordinationBlackboard {
				e.postToBlackboard(session, spec.Key, result)
			}
			mu.Lock()
			results[i] = result
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		e.finishSession(session, core.SessionFailed)
		return nil, err
	}

	var opinions []core.AgentOpinion
	outputs := make([]map[string]interface{}, len(results))
	for i, result := range results {
		op := opinionFrom(result.AssignedAgent, 1, result)
		opinions = append(opinions, op)
		outputs[i] = map[string]interface{}{
			"key":      plan.SubTasks[i].Key,
			"agent_id": result.AssignedAgent,
			"output":   outputText(result.Result),
		}
		if !contains(session.Participants, result.AssignedAgent) {
			session.Participants = append(session.Participants, result.AssignedAgent)
		}
	}
	session.Rounds = append(session.Rounds, opinions)
	e.publishSessionEvent(session, "round", map[string]interface{}{
		"completed": len(results),
	})

	// Aggregation: one final subtask reduces the swarm's outputs.
	aggCapability := params.AggregatorCapability
	if aggCapability == "" {
		aggCapability = task.RequiredCapability
	}
	agg := &core.Task{
		ID:                 subtaskID(session, "aggregate"),
		Description:        "aggregate swarm outputs: " + task.Description,
		RequiredCapability: aggCapability,
		Priority:           params.Priority,
		Payload: map[string]interface{}{
			"session_id": session.ID,
			"task":       task.Description,
			"outputs":    outputs,
		},
		ParentTaskID: task.ID,
	}
	aggResult, err := e.runSubtask(ctx, agg)
	if err != nil {
		e.finishSession(session, core.SessionFailed)
		return nil, err
	}
	aggOpinion := opinionFrom(aggResult.AssignedAgent, 2, aggResult)
	session.Rounds = append(session.Rounds, []core.AgentOpinion{aggOpinion})
	if !contains(session.Participants, aggResult.AssignedAgent) {
		session.Participants = append(session.Participants, aggResult.AssignedAgent)
	}

	session.Confidence = confidenceFrom(aggResult.Result)
	e.finishSession(session, core.SessionConverged)
	e.logger.WithSessionID(session.ID).Info("swarm converged",
		zap.Int("subtasks", len(plan.SubTasks)),
		zap.String("pattern", plan.PatternName))

	return &core.ModeResult{
		Mode: core.ModeSwarm,
		Output: map[string]interface{}{
			"output":   outputText(aggResult.Result),
			"pattern":  plan.PatternName,
			"subtasks": len(plan.SubTasks),
		},
		Confidence:   session.Confidence,
		Participants: session.Participants,
		Transcript:   session.AllOpinions(),
	}, nil
}

// postToBlackboard shares one subtask's result on the session's reserved
// topic.
func (e *Engine) postToBlackboard(session *core.CollaborationSession, key string, result *core.Task) {
	_, err := e.bus.Publish(context.Background(), "modes", BlackboardTopic(session.ID), map[string]interface{}{
		"session_id": session.ID,
		"key":        key,
		"agent_id":   result.AssignedAgent,
		"output":     outputText(result.Result),
	})
	if err != nil {
		e.logger.Warn("failed to post to blackboard",
			zap.String("session_id", session.ID),
			zap.Error(err))
	}
}

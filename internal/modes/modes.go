// Package modes implements the collaboration coordinators: debate,
// ensemble, pipeline, critique and swarm. Each coordinator owns a
// CollaborationSession, runs its subtasks through the orchestrator's
// normal dispatch path, and reduces the results to a unified ModeResult.
package modes

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentmesh/core/internal/bus"
	"github.com/agentmesh/core/internal/common/apperrors"
	"github.com/agentmesh/core/internal/common/logger"
	"github.com/agentmesh/core/internal/core"
	"github.com/agentmesh/core/internal/registry"
)

const (
	// DefaultSessionTimeout bounds a whole collaboration session
	// regardless of round count.
	DefaultSessionTimeout = 5 * time.Minute
	// DefaultMaxSwarmSubtasks caps a swarm's total subtask count.
	DefaultMaxSwarmSubtasks = 50
	// defaultPriority is the queue priority collaboration subtasks run
	// at.
	defaultPriority = 5
)

// Dispatcher is the slice of the orchestrator a coordinator needs: run a
// subtask to a terminal state through the normal dispatch path.
type Dispatcher interface {
	SubmitAndWait(ctx context.Context, task *core.Task) (*core.Task, error)
}

// Planner is the slice of the decomposer the swarm coordinator needs.
type Planner interface {
	Decompose(taskID, description, capability string, hints map[string]interface{}) (*core.DecompositionPlan, error)
}

// Options tunes the engine. Zero values fall back to package defaults.
type Options struct {
	SessionTimeout   time.Duration
	MaxSwarmSubtasks int
}

// Engine coordinates collaboration sessions.
type Engine struct {
	dispatcher Dispatcher
	planner    Planner
	bus        bus.Bus
	registry   *registry.Registry
	opts       Options
	logger     *logger.Logger
}

// NewEngine wires a modes engine. planner may be nil when swarm mode is
// not used.
func NewEngine(d Dispatcher, p Planner, b bus.Bus, reg *registry.Registry, opts Options, log *logger.Logger) *Engine {
	if opts.SessionTimeout <= 0 {
		opts.SessionTimeout = DefaultSessionTimeout
	}
	if opts.MaxSwarmSubtasks <= 0 {
		opts.MaxSwarmSubtasks = DefaultMaxSwarmSubtasks
	}
	return &Engine{
		dispatcher: d,
		planner:    p,
		bus:        b,
		registry:   reg,
		opts:       opts,
		logger:     log.WithFields(zap.String("component", "modes")),
	}
}

// newSession builds the transient session record for one mode run.
func (e *Engine) newSession(mode core.CollaborationMode, taskID string, participants []string) *core.CollaborationSession {
	return &core.CollaborationSession{
		ID:           uuid.New().String(),
		Mode:         mode,
		TaskID:       taskID,
		Participants: participants,
		Status:       core.SessionActive,
		CreatedAt:    time.Now(),
	}
}

// sessionCtx bounds the whole session's wall time.
func (e *Engine) sessionCtx(ctx context.Context, override time.Duration) (context.Context, context.CancelFunc) {
	timeout := e.opts.SessionTimeout
	if override > 0 {
		timeout = override
	}
	return context.WithTimeout(ctx, timeout)
}

// validateParticipants checks that every named agent is registered.
func (e *Engine) validateParticipants(ids ...string) error {
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, err := e.registry.Get(id); err != nil {
			return err
		}
	}
	return nil
}

// publishSessionEvent emits a lifecycle event on the session's reserved
// topic family, e.g. session.debate.round.
func (e *Engine) publishSessionEvent(session *core.CollaborationSession, event string, payload map[string]interface{}) {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	payload["session_id"] = session.ID
	payload["mode"] = string(session.Mode)
	topic := fmt.Sprintf("session.%s.%s", session.Mode, event)
	if _, err := e.bus.Publish(context.Background(), "modes", topic, payload); err != nil {
		e.logger.Warn("failed to publish session event", zap.String("topic", topic), zap.Error(err))
	}
}

// finishSession stamps the session terminal and emits the completed
// event.
func (e *Engine) finishSession(session *core.CollaborationSession, status core.SessionStatus) {
	session.Status = status
	now := time.Now()
	session.FinishedAt = &now
	e.publishSessionEvent(session, "completed", map[string]interface{}{
		"status": string(status),
	})
}

// runSubtask dispatches one collaboration subtask and returns its
// terminal snapshot, surfacing failures as errors.
func (e *Engine) runSubtask(ctx context.Context, task *core.Task) (*core.Task, error) {
	result, err := e.dispatcher.SubmitAndWait(ctx, task)
	if err != nil {
		return nil, err
	}
	switch result.Status {
	case core.TaskCompleted:
		return result, nil
	case core.TaskCancelled:
		return nil, apperrors.Cancelled("subtask '" + task.ID + "'")
	default:
		msg := "subtask failed"
		if result.Error != nil {
			msg = result.Error.Message
		}
		return nil, apperrors.AgentError(result.AssignedAgent, msg)
	}
}

// opinionFrom converts a completed subtask into a transcript opinion.
func opinionFrom(agentID string, round int, result *core.Task) core.AgentOpinion {
	op := core.AgentOpinion{
		AgentID:     agentID,
		Round:       round,
		Output:      result.Result,
		Confidence:  confidenceFrom(result.Result),
		SubmittedAt: time.Now(),
	}
	if d := decisionFrom(result.Result); d != nil {
		op.Decision = d
	}
	return op
}

// confidenceFrom reads the conventional "confidence" field of an agent
// result, defaulting to 1.0.
func confidenceFrom(result map[string]interface{}) float64 {
	switch v := result["confidence"].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return 1.0
	}
}

// decisionFrom reads the conventional "decision" field of an agent
// result into the hashable Decision variant. JSON transports deliver
// numbers as float64; integral values are narrowed back.
func decisionFrom(result map[string]interface{}) *core.Decision {
	v, ok := result["decision"]
	if !ok {
		return nil
	}
	switch d := v.(type) {
	case string:
		dec := core.NewScalarDecision(d)
		return &dec
	case int:
		dec := core.NewScalarDecision(d)
		return &dec
	case float64:
		dec := core.NewScalarDecision(int(d))
		return &dec
	case map[string]interface{}:
		dec := core.NewStructDecision(d)
		return &dec
	default:
		return nil
	}
}

// outputText renders an agent result for prompt context: the
// conventional "output" field when present, the whole result otherwise.
func outputText(result map[string]interface{}) string {
	if s, ok := result["output"].(string); ok {
		return s
	}
	return fmt.Sprintf("%v", result)
}

// subtaskID builds a stable, readable id for a session subtask.
func subtaskID(session *core.CollaborationSession, parts ...string) string {
	id := session.ID[:8] + "." + string(session.Mode)
	for _, p := range parts {
		id += "." + p
	}
	return id
}

package modes

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentmesh/core/internal/common/apperrors"
	"github.com/agentmesh/core/internal/core"
)

// CritiqueParams configures a critique loop.
type CritiqueParams struct {
	Producer          string
	Critics           []string
	ApprovalThreshold float64
	MaxIterations     int
	Parallel          bool // critics review concurrently when true
	Priority          int
	Timeout           time.Duration
}

// RunCritique iterates producer drafts through critic review until every
// critic's score clears the approval threshold or the iteration cap is
// reached. The final draft is returned either way.
func (e *Engine) RunCritique(ctx context.Context, task *core.Task, params CritiqueParams) (*core.ModeResult, error) {
	if params.Producer == "" {
		return nil, apperrors.ValidationError("producer", "critique needs a producer agent")
	}
	if len(params.Critics) == 0 {
		return nil, apperrors.ValidationError("critics", "critique needs at least one critic")
	}
	if params.ApprovalThreshold <= 0 || params.ApprovalThreshold > 1 {
		return nil, apperrors.ValidationError("approval_threshold", "must be in (0, 1]")
	}
	if params.MaxIterations < 1 {
		return nil, apperrors.ValidationError("max_iterations", "must be at least 1")
	}
	if err := e.validateParticipants(append([]string{params.Producer}, params.Critics...)...); err != nil {
		return nil, err
	}
	if params.Priority == 0 {
		params.Priority = defaultPriority
	}

	participants := append([]string{params.Producer}, params.Critics...)
	session := e.newSession(core.ModeCritique, task.ID, participants)
	ctx, cancel := e.sessionCtx(ctx, params.Timeout)
	defer cancel()

	e.publishSessionEvent(session, "started", map[string]interface{}{
		"producer": params.Producer,
		"critics":  params.Critics,
	})

	var draft *core.Task
	var critiques []map[string]interface{}
	minScore := 0.0

	for iteration := 1; iteration <= params.MaxIterations; iteration++ {
		// Producer emits a draft, revising against the prior round's
		// critiques after the first iteration.
		sub := &core.Task{
			ID:          subtaskID(session, "draft"+strconv.Itoa(iteration)),
			Description: "draft: " + task.Description,
			TargetAgent: params.Producer,
			Priority:    params.Priority,
			Payload: map[string]interface{}{
				"session_id": session.ID,
				"task":       task.Description,
				"iteration":  iteration,
				"critiques":  critiques,
			},
			ParentTaskID: task.ID,
		}
		result, err := e.runSubtask(ctx, sub)
		if err != nil {
			e.finishSession(session, core.SessionFailed)
			return nil, err
		}
		draft = result

		round := []core.AgentOpinion{opinionFrom(params.Producer, iteration, result)}
		opinions, err := e.reviewDraft(ctx, session, task, params, iteration, outputText(result.Result))
		if err != nil {
			e.finishSession(session, core.SessionFailed)
			return nil, err
		}
		round = append(round, opinions...)
		session.Rounds = append(session.Rounds, round)
		e.publishSessionEvent(session, "round", map[string]interface{}{
			"iteration": iteration,
		})

		critiques = critiques[:0]
		minScore = 1.0
		for _, op := range opinions {
			score := scoreFrom(op.Output)
			if score < minScore {
				minScore = score
			}
			critiques = append(critiques, map[string]interface{}{
				"agent_id": op.AgentID,
				"score":    score,
				"comment":  outputText(op.Output),
			})
		}

		e.logger.WithSessionID(session.ID).Debug("critique iteration scored",
			zap.Int("iteration", iteration),
			zap.Float64("min_score", minScore))
		if minScore >= params.ApprovalThreshold {
			break
		}
	}

	session.Confidence = minScore
	e.finishSession(session, core.SessionConverged)
	return &core.ModeResult{
		Mode: core.ModeCritique,
		Output: map[string]interface{}{
			"output":     outputText(draft.Result),
			"min_score":  minScore,
			"approved":   minScore >= params.ApprovalThreshold,
			"iterations": len(session.Rounds),
		},
		Confidence:   minScore,
		Participants: participants,
		Transcript:   session.AllOpinions(),
	}, nil
}

// reviewDraft collects every critic's score and comment, in parallel or
// sequentially per config.
func (e *Engine) reviewDraft(ctx context.Context, session *core.CollaborationSession, task *core.Task, params CritiqueParams, iteration int, draft string) ([]core.AgentOpinion, error) {
	review := func(ctx context.Context, critic string) (*core.Task, error) {
		sub := &core.Task{
			ID:          subtaskID(session, "review"+strconv.Itoa(iteration), critic),
			Description: "review draft: " + task.Description,
			TargetAgent: critic,
			Priority:    params.Priority,
			Payload: map[string]interface{}{
				"session_id": session.ID,
				"task":       task.Description,
				"iteration":  iteration,
				"draft":      draft,
			},
			ParentTaskID: task.ID,
		}
		return e.runSubtask(ctx, sub)
	}

	opinions := make([]core.AgentOpinion, len(params.Critics))
	if params.Parallel {
		g, gctx := errgroup.WithContext(ctx)
		var mu sync.Mutex
		for i, critic := range params.Critics {
			i, critic := i, critic
			g.Go(func() error {
				result, err := review(gctx, critic)
				if err != nil {
					return err
				}
				mu.Lock()
				opinions[i] = opinionFrom(critic, iteration, result)
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		return opinions, nil
	}

	for i, critic := range params.Critics {
		result, err := review(ctx, critic)
		if err != nil {
			return nil, err
		}
		opinions[i] = opinionFrom(critic, iteration, result)
	}
	return opinions, nil
}

// scoreFrom reads a critic's conventional "score" field, clamped to
// [0, 1]. A missing score reads as zero so a silent critic never
// approves a draft.
func scoreFrom(result map[string]interface{}) float64 {
	var score float64
	switch v := result["score"].(type) {
	case float64:
		score = v
	case int:
		score = float64(v)
	default:
		return 0
	}
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

package modes

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentmesh/core/internal/common/apperrors"
	"github.com/agentmesh/core/internal/consensus"
	"github.com/agentmesh/core/internal/core"
)

// DebateParams configures a debate run. Exactly one of Judge (a
// designated judging agent) or Jury (agents that vote on the winner)
// must be set; jury votes reduce under JuryStrategy with JuryWeights.
type DebateParams struct {
	Rounds       int
	Judge        string
	Jury         []string
	JuryStrategy consensus.Strategy
	JuryWeights  map[string]float64
	Priority     int
	Timeout      time.Duration
}

// RunDebate runs K participants through R argument rounds, then selects
// a winner via the judge or a jury vote. Round 1 produces initial
// arguments; later rounds are rebuttals over the full prior transcript.
func (e *Engine) RunDebate(ctx context.Context, task *core.Task, participants []string, params DebateParams) (*core.ModeResult, error) {
	if len(participants) < 2 {
		return nil, apperrors.ValidationError("participants", "debate needs at least two participants")
	}
	if params.Rounds < 1 {
		return nil, apperrors.ValidationError("rounds", "must be at least 1")
	}
	if params.Judge == "" && len(params.Jury) == 0 {
		return nil, apperrors.ValidationError("judge", "debate needs a judge agent or a jury")
	}
	if params.Judge != "" && len(params.Jury) > 0 {
		return nil, apperrors.ValidationError("judge", "set a judge or a jury, not both")
	}
	if err := e.validateParticipants(participants...); err != nil {
		return nil, err
	}
	if err := e.validateParticipants(append([]string{params.Judge}, params.Jury...)...); err != nil {
		return nil, err
	}
	if params.JuryStrategy == "" {
		params.JuryStrategy = consensus.Majority
	}
	if params.Priority == 0 {
		params.Priority = defaultPriority
	}

	session := e.newSession(core.ModeDebate, task.ID, participants)
	ctx, cancel := e.sessionCtx(ctx, params.Timeout)
	defer cancel()

	e.publishSessionEvent(session, "started", map[string]interface{}{
		"participants": participants,
		"rounds":       params.Rounds,
	})
	e.logger.WithSessionID(session.ID).Info("debate started",
		zap.Int("participants", len(participants)),
		zap.Int("rounds", params.Rounds))

	for round := 1; round <= params.Rounds; round++ {
		opinions, err := e.debateRound(ctx, session, task, participants, round, params.Priority)
		if err != nil {
			e.finishSession(session, core.SessionFailed)
			return nil, err
		}
		session.Rounds = append(session.Rounds, opinions)
		e.publishSessionEvent(session, "round", map[string]interface{}{
			"round": round,
		})
	}

	decision, confidence, juryOpinions, err := e.judgeDebate(ctx, session, task, params)
	if err != nil {
		e.finishSession(session, core.SessionFailed)
		return nil, err
	}
	if len(juryOpinions) > 0 {
		session.Rounds = append(session.Rounds, juryOpinions)
	}
	session.Decision = decision
	session.Confidence = confidence
	e.finishSession(session, core.SessionConverged)

	return &core.ModeResult{
		Mode: core.ModeDebate,
		Output: map[string]interface{}{
			"decision": decision.Value(),
			"rounds":   params.Rounds,
		},
		Confidence:   confidence,
		Participants: participants,
		Transcript:   session.AllOpinions(),
	}, nil
}

// debateRound collects one argument (or rebuttal) from every participant
// concurrently. Opinions come back in participant order regardless of
// completion order.
func (e *Engine) debateRound(ctx context.Context, session *core.CollaborationSession, task *core.Task, participants []string, round, priority int) ([]core.AgentOpinion, error) {
	prior := transcriptPayload(session)
	opinions := make([]core.AgentOpinion, len(participants))

	g, gctx := errgroup.WithContext(ctx)
	var mu sync.Mutex
	for i, participant := range participants {
		i, participant := i, participant
		g.Go(func() error {
			kind := "argue"
			if round > 1 {
				kind = "rebut"
			}
			sub := &core.Task{
				ID:          subtaskID(session, "r"+strconv.Itoa(round), participant),
				Description: fmt.Sprintf("%s: %s", kind, task.Description),
				TargetAgent: participant,
				Priority:    priority,
				Payload: map[string]interface{}{
					"session_id": session.ID,
					"round":      round,
					"task":       task.Description,
					"arguments":  prior,
				},
				ParentTaskID: task.ID,
			}
			result, err := e.runSubtask(gctx, sub)
			if err != nil {
				return err
			}
			mu.Lock()
			opinions[i] = opinionFrom(participant, round, result)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return opinions, nil
}

// judgeDebate selects the winner: a designated judge agent sees the full
// transcript and decides, or each jury agent votes and the votes reduce
// under the configured consensus strategy.
func (e *Engine) judgeDebate(ctx context.Context, session *core.CollaborationSession, task *core.Task, params DebateParams) (*core.Decision, float64, []core.AgentOpinion, error) {
	transcript := transcriptPayload(session)
	judgeRound := len(session.Rounds) + 1

	if params.Judge != "" {
		sub := &core.Task{
			ID:          subtaskID(session, "judge"),
			Description: "judge debate: " + task.Description,
			TargetAgent: params.Judge,
			Priority:    params.Priority,
			Payload: map[string]interface{}{
				"session_id": session.ID,
				"task":       task.Description,
				"arguments":  transcript,
				"candidates": session.Participants,
			},
			ParentTaskID: task.ID,
		}
		result, err := e.runSubtask(ctx, sub)
		if err != nil {
			return nil, 0, nil, err
		}
		decision := decisionFrom(result.Result)
		if decision == nil {
			return nil, 0, nil, apperrors.AgentError(params.Judge, "judge returned no decision")
		}
		return decision, confidenceFrom(result.Result), nil, nil
	}

	opinions := make([]core.AgentOpinion, len(params.Jury))
	g, gctx := errgroup.WithContext(ctx)
	var mu sync.Mutex
	for i, juror := range params.Jury {
		i, juror := i, juror
		g.Go(func() error {
			sub := &core.Task{
				ID:          subtaskID(session, "jury", juror),
				Description: "vote on debate: " + task.Description,
				TargetAgent: juror,
				Priority:    params.Priority,
				Payload: map[string]interface{}{
					"session_id": session.ID,
					"task":       task.Description,
					"arguments":  transcript,
					"candidates": session.Participants,
				},
				ParentTaskID: task.ID,
			}
			result, err := e.runSubtask(gctx, sub)
			if err != nil {
				return err
			}
			mu.Lock()
			opinions[i] = opinionFrom(juror, judgeRound, result)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, 0, nil, err
	}

	vote, err := consensus.Vote(opinions, params.JuryStrategy, consensus.Params{Weights: params.JuryWeights})
	if err != nil {
		return nil, 0, nil, err
	}
	return &vote.Decision, vote.Support, opinions, nil
}

// transcriptPayload flattens the session's rounds into a
// bus-transportable argument list.
func transcriptPayload(session *core.CollaborationSession) []map[string]interface{} {
	var out []map[string]interface{}
	for _, op := range session.AllOpinions() {
		out = append(out, map[string]interface{}{
			"agent_id": op.AgentID,
			"round":    op.Round,
			"output":   outputText(op.Output),
		})
	}
	return out
}

package modes

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentmesh/core/internal/common/apperrors"
	"github.com/agentmesh/core/internal/consensus"
	"github.com/agentmesh/core/internal/core"
)

// MergeStrategy names how an ensemble's parallel outputs reduce to one.
type MergeStrategy string

const (
	MergeVote      MergeStrategy = "vote"
	MergeAverage   MergeStrategy = "average"
	MergeSynthesis MergeStrategy = "synthesis"
)

// EnsembleParams configures an ensemble run.
type EnsembleParams struct {
	Merge       MergeStrategy
	Synthesizer string // required for MergeSynthesis
	Priority    int
	Timeout     time.Duration
}

// RunEnsemble fans the task out to every participant in parallel and
// merges the outputs under the configured strategy. The agreement score
// is the fraction of participants whose output equals the chosen one.
func (e *Engine) RunEnsemble(ctx context.Context, task *core.Task, participants []string, params EnsembleParams) (*core.ModeResult, error) {
	if len(participants) < 2 {
		return nil, apperrors.ValidationError("participants", "ensemble needs at least two participants")
	}
	switch params.Merge {
	case MergeVote, MergeAverage:
	case MergeSynthesis:
		if params.Synthesizer == "" {
			return nil, apperrors.ValidationError("synthesizer", "synthesis merge needs a synthesizer agent")
		}
	case "":
		params.Merge = MergeVote
	default:
		return nil, apperrors.ValidationError("merge", "unknown merge strategy '"+string(params.Merge)+"'")
	}
	if err := e.validateParticipants(participants...); err != nil {
		return nil, err
	}
	if err := e.validateParticipants(params.Synthesizer); err != nil {
		return nil, err
	}
	if params.Priority == 0 {
		params.Priority = defaultPriority
	}

	session := e.newSession(core.ModeEnsemble, task.ID, participants)
	ctx, cancel := e.sessionCtx(ctx, params.Timeout)
	defer cancel()

	e.publishSessionEvent(session, "started", map[string]interface{}{
		"participants": participants,
		"merge":        string(params.Merge),
	})

	opinions := make([]core.AgentOpinion, len(participants))
	g, gctx := errgroup.WithContext(ctx)
	var mu sync.Mutex
	for i, participant := range participants {
		i, participant := i, participant
		g.Go(func() error {
			sub := &core.Task{
				ID:          subtaskID(session, participant),
				Description: task.Description,
				TargetAgent: participant,
				Priority:    params.Priority,
				Payload: map[string]interface{}{
					"session_id": session.ID,
					"task":       task.Description,
				},
				ParentTaskID: task.ID,
			}
			result, err := e.runSubtask(gctx, sub)
			if err != nil {
				return err
			}
			mu.Lock()
			opinions[i] = opinionFrom(participant, 1, result)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		e.finishSession(session, core.SessionFailed)
		return nil, err
	}
	session.Rounds = append(session.Rounds, opinions)
	e.publishSessionEvent(session, "round", map[string]interface{}{"round": 1})

	output, decision, confidence, err := e.mergeEnsemble(ctx, session, task, opinions, params)
	if err != nil {
		e.finishSession(session, core.SessionFailed)
		return nil, err
	}

	agreement := agreementScore(opinions, decision)
	session.Decision = decision
	session.Confidence = confidence
	e.finishSession(session, core.SessionConverged)
	e.logger.WithSessionID(session.ID).Info("ensemble merged",
		zap.String("merge", string(params.Merge)),
		zap.Float64("agreement", agreement))

	output["agreement"] = agreement
	return &core.ModeResult{
		Mode:         core.ModeEnsemble,
		Output:       output,
		Confidence:   confidence,
		Participants: participants,
		Transcript:   session.AllOpinions(),
	}, nil
}

// mergeEnsemble reduces the parallel outputs under the configured
// strategy, returning the merged output, the representative decision
// (nil when no participant voted), and a confidence.
func (e *Engine) mergeEnsemble(ctx context.Context, session *core.CollaborationSession, task *core.Task, opinions []core.AgentOpinion, params EnsembleParams) (map[string]interface{}, *core.Decision, float64, error) {
	switch params.Merge {
	case MergeVote:
		vote, err := consensus.Vote(opinions, consensus.Majority, consensus.Params{})
		if err != nil {
			return nil, nil, 0, err
		}
		return map[string]interface{}{
			"decision": vote.Decision.Value(),
		}, &vote.Decision, vote.Support, nil

	case MergeAverage:
		sum, n := 0.0, 0
		for _, op := range opinions {
			if v, ok := numericOutput(op.Output); ok {
				sum += v
				n++
			}
		}
		if n == 0 {
			return nil, nil, 0, apperrors.ValidationError("outputs", "no numeric outputs to average")
		}
		mean := sum / float64(n)
		return map[string]interface{}{
			"average": mean,
			"samples": n,
		}, nil, float64(n) / float64(len(opinions)), nil

	case MergeSynthesis:
		sub := &core.Task{
			ID:          subtaskID(session, "synthesize"),
			Description: "synthesize ensemble outputs: " + task.Description,
			TargetAgent: params.Synthesizer,
			Priority:    params.Priority,
			Payload: map[string]interface{}{
				"session_id": session.ID,
				"task":       task.Description,
				"outputs":    transcriptPayload(session),
			},
			ParentTaskID: task.ID,
		}
		result, err := e.runSubtask(ctx, sub)
		if err != nil {
			return nil, nil, 0, err
		}
		return map[string]interface{}{
			"output": outputText(result.Result),
		}, decisionFrom(result.Result), confidenceFrom(result.Result), nil
	}
	return nil, nil, 0, apperrors.ValidationError("merge", "unknown merge strategy")
}

// numericOutput extracts the conventional numeric "output" field.
func numericOutput(result map[string]interface{}) (float64, bool) {
	switch v := result["output"].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}

// agreementScore is the fraction of opinions matching the chosen
// decision; zero when there is no discrete decision to compare against.
func agreementScore(opinions []core.AgentOpinion, chosen *core.Decision) float64 {
	if chosen == nil || len(opinions) == 0 {
		return 0
	}
	matched := 0
	for _, op := range opinions {
		if op.Decision != nil && op.Decision.Key() == chosen.Key() {
			matched++
		}
	}
	return float64(matched) / float64(len(opinions))
}

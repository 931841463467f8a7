package core

import "time"

// CollaborationMode is one of the five modes the modes engine coordinates
// (spec §4.6).
type CollaborationMode string

const (
	ModeDebate   CollaborationMode = "debate"
	ModeEnsemble CollaborationMode = "ensemble"
	ModePipeline CollaborationMode = "pipeline"
	ModeCritique CollaborationMode = "critique"
	ModeSwarm    CollaborationMode = "swarm"
)

// SessionStatus tracks a CollaborationSession's own lifecycle, separate
// from the status of any Task it dispatches.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionConverged SessionStatus = "converged"
	SessionFailed    SessionStatus = "failed"
	SessionTimedOut  SessionStatus = "timed_out"
)

// AgentOpinion is one participant's contribution to a CollaborationSession:
// either a free-form output (debate/ensemble/pipeline/swarm) or a vote
// (consensus rounds), plus an optional confidence the consensus package
// can weight by.
type AgentOpinion struct {
	AgentID    string                 `json:"agent_id"`
	Round      int                    `json:"round"`
	Decision   *Decision              `json:"decision,omitempty"`
	Output     map[string]interface{} `json:"output,omitempty"`
	Confidence float64                `json:"confidence"`
	SubmittedAt time.Time             `json:"submitted_at"`
}

// CollaborationSession is the running state of one invocation of a
// collaboration mode.
type CollaborationSession struct {
	ID           string            `json:"id"`
	Mode         CollaborationMode `json:"mode"`
	TaskID       string            `json:"task_id"`
	Participants []string          `json:"participants"`
	Rounds       [][]AgentOpinion  `json:"rounds"`
	Status       SessionStatus     `json:"status"`
	Decision     *Decision         `json:"decision,omitempty"`
	Confidence   float64           `json:"confidence"`
	CreatedAt    time.Time         `json:"created_at"`
	FinishedAt   *time.Time        `json:"finished_at,omitempty"`
}

// CurrentRound returns the zero-based index of the round currently being
// collected, i.e. len(Rounds).
func (s *CollaborationSession) CurrentRound() int {
	return len(s.Rounds)
}

// AllOpinions flattens every round's opinions into a single slice, most
// recent round last.
func (s *CollaborationSession) AllOpinions() []AgentOpinion {
	var all []AgentOpinion
	for _, round := range s.Rounds {
		all = append(all, round...)
	}
	return all
}

// ModeResult is the unified shape every collaboration mode coordinator
// returns, regardless of mode.
type ModeResult struct {
	Mode         CollaborationMode `json:"mode"`
	Output       map[string]interface{} `json:"output"`
	Confidence   float64           `json:"confidence"`
	Participants []string          `json:"participants"`
	Transcript   []AgentOpinion    `json:"transcript"`
}

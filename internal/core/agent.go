package core

import "time"

// AgentCategory is one of the closed set of agent-type categories.
type AgentCategory string

const (
	CategoryResearch  AgentCategory = "research"
	CategoryCode      AgentCategory = "code"
	CategoryData      AgentCategory = "data"
	CategoryWriting   AgentCategory = "writing"
	CategoryPlanning  AgentCategory = "planning"
	CategoryCritique  AgentCategory = "critique"
	CategoryExecution AgentCategory = "execution"
	CategoryMemory    AgentCategory = "memory"
	CategoryCustom    AgentCategory = "custom"
)

// CapabilityDescriptor names a single skill an AgentType can declare.
type CapabilityDescriptor struct {
	ID            string                 `json:"id"`
	Name          string                 `json:"name"`
	RequiredTools []string               `json:"required_tools,omitempty"`
	InputSchema   map[string]interface{} `json:"input_schema,omitempty"`
	OutputSchema  map[string]interface{} `json:"output_schema,omitempty"`
}

// AgentType is a description, not an instance. Immutable once referenced
// by a live Agent.
type AgentType struct {
	ID           string                 `json:"id"`
	Name         string                 `json:"name"`
	Category     AgentCategory          `json:"category"`
	Version      string                 `json:"version"`
	Capabilities []CapabilityDescriptor `json:"capabilities"`
	ConfigSchema map[string]interface{} `json:"config_schema,omitempty"`
	RegisteredAt time.Time              `json:"registered_at"`
}

// HasCapability reports whether the type declares the given capability id.
func (t *AgentType) HasCapability(capID string) bool {
	for _, c := range t.Capabilities {
		if c.ID == capID {
			return true
		}
	}
	return false
}

// AgentStatus is a node in the agent lifecycle state machine (spec §4.1).
type AgentStatus string

const (
	AgentCreated AgentStatus = "created"
	AgentIdle    AgentStatus = "idle"
	AgentBusy    AgentStatus = "busy"
	AgentPaused  AgentStatus = "paused"
	AgentError   AgentStatus = "error"
	AgentStopped AgentStatus = "stopped"
)

// agentTransitions enumerates the legal edges of the state machine in
// spec §4.1. Registry.SetStatus (and so Pause, Resume, MarkError and
// ResetError) checks moves against these edges; the registry's load
// counters and UnregisterAgent set the status directly.
var agentTransitions = map[AgentStatus]map[AgentStatus]bool{
	AgentCreated: {AgentIdle: true},
	AgentIdle:    {AgentBusy: true, AgentPaused: true, AgentError: true, AgentStopped: true},
	AgentBusy:    {AgentIdle: true, AgentPaused: true, AgentError: true, AgentStopped: true},
	AgentPaused:  {AgentIdle: true, AgentError: true, AgentStopped: true},
	AgentError:   {AgentIdle: true, AgentStopped: true},
	AgentStopped: {},
}

// CanTransition reports whether the move from `from` to `to` is legal.
func CanTransition(from, to AgentStatus) bool {
	edges, ok := agentTransitions[from]
	if !ok {
		return false
	}
	return edges[to]
}

// Agent is a registered, addressable compute unit.
type Agent struct {
	ID                   string      `json:"id"`
	TypeID               string      `json:"type_id"`
	Name                 string      `json:"name"`
	DeclaredCapabilities []string    `json:"declared_capabilities"`
	Status               AgentStatus `json:"status"`
	ActiveTasks          int         `json:"active_tasks"`
	Capacity             int         `json:"capacity"`
	TasksCompleted       int64       `json:"tasks_completed"`
	TasksFailed          int64       `json:"tasks_failed"`
	// recentOutcomes is a rolling window of the last W dispatch outcomes
	// (true = success), used to compute the rolling success rate.
	recentOutcomes []bool
	RegisteredAt   time.Time `json:"registered_at"`
}

// DeclaresCapability reports whether the agent has declared cap among its
// own subset of the type's capabilities.
func (a *Agent) DeclaresCapability(capID string) bool {
	for _, c := range a.DeclaredCapabilities {
		if c == capID {
			return true
		}
	}
	return false
}

// HasCapacity reports whether the agent can accept another dispatch.
func (a *Agent) HasCapacity() bool {
	return a.ActiveTasks < a.Capacity
}

// SuccessRate returns the rolling success rate over the retained outcome
// window (1.0 if no outcomes have been recorded yet).
func (a *Agent) SuccessRate() float64 {
	if len(a.recentOutcomes) == 0 {
		return 1.0
	}
	successes := 0
	for _, ok := range a.recentOutcomes {
		if ok {
			successes++
		}
	}
	return float64(successes) / float64(len(a.recentOutcomes))
}

// RecordOutcome appends a dispatch outcome to the rolling window, capping
// it at windowSize entries (oldest dropped first).
func (a *Agent) RecordOutcome(success bool, windowSize int) {
	a.recentOutcomes = append(a.recentOutcomes, success)
	if windowSize > 0 && len(a.recentOutcomes) > windowSize {
		a.recentOutcomes = a.recentOutcomes[len(a.recentOutcomes)-windowSize:]
	}
	if success {
		a.TasksCompleted++
	} else {
		a.TasksFailed++
	}
}

// LoadFraction returns active/capacity, or 1.0 if capacity is zero.
func (a *Agent) LoadFraction() float64 {
	if a.Capacity <= 0 {
		return 1.0
	}
	return float64(a.ActiveTasks) / float64(a.Capacity)
}

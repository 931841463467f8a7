// Package registry catalogs agent types and live agents and indexes them
// by capability.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentmesh/core/internal/common/apperrors"
	"github.com/agentmesh/core/internal/common/logger"
	"github.com/agentmesh/core/internal/core"
)

// Lifecycle topics the registry publishes agent events on.
const (
	TopicAgentRegistered    = "orchestrator.agent.registered"
	TopicAgentStatusChanged = "orchestrator.agent.status_changed"
	TopicAgentUnregistered  = "orchestrator.agent.unregistered"
)

// EventPublisher is the slice of the communication bus the registry needs
// to announce agent lifecycle events. Kept narrow so the registry stays a
// leaf component.
type EventPublisher interface {
	Publish(ctx context.Context, senderID, topic string, payload map[string]interface{}) (string, error)
}

// Registry owns the AgentType catalog and the live Agent catalog. Agent
// status and load counters are mutated only through the registry; the
// orchestrator is the single writer for dispatch-driven transitions.
type Registry struct {
	mu           sync.RWMutex
	types        map[string]*core.AgentType
	agents       map[string]*core.Agent
	byCapability map[string]map[string]bool // capability id -> set of agent ids
	events       EventPublisher
	logger       *logger.Logger
}

// NewRegistry creates an empty registry. events may be nil when no
// observer cares about agent lifecycle topics (tests, embedded use).
func NewRegistry(events EventPublisher, log *logger.Logger) *Registry {
	return &Registry{
		types:        make(map[string]*core.AgentType),
		agents:       make(map[string]*core.Agent),
		byCapability: make(map[string]map[string]bool),
		events:       events,
		logger:       log.WithFields(zap.String("component", "registry")),
	}
}

func (r *Registry) publish(topic string, payload map[string]interface{}) {
	if r.events == nil {
		return
	}
	if _, err := r.events.Publish(context.Background(), "registry", topic, payload); err != nil {
		r.logger.Warn("failed to publish agent event", zap.String("topic", topic), zap.Error(err))
	}
}

// RegisterType adds an AgentType to the catalog. Types are immutable once
// registered.
func (r *Registry) RegisterType(t *core.AgentType) error {
	if t == nil || t.ID == "" {
		return apperrors.ValidationError("type_id", "must not be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.types[t.ID]; exists {
		return apperrors.ValidationError("type_id", "agent type '"+t.ID+"' already registered")
	}

	cp := *t
	if cp.RegisteredAt.IsZero() {
		cp.RegisteredAt = time.Now()
	}
	r.types[t.ID] = &cp

	r.logger.Info("registered agent type",
		zap.String("type_id", t.ID),
		zap.String("category", string(t.Category)),
		zap.Int("capabilities", len(t.Capabilities)))
	return nil
}

// GetType returns the AgentType with the given id.
func (r *Registry) GetType(id string) (*core.AgentType, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.types[id]
	if !ok {
		return nil, apperrors.NotFound("agent type", id)
	}
	cp := *t
	return &cp, nil
}

// ListTypes returns every registered type, optionally filtered by
// category. Results are sorted by id for stable output.
func (r *Registry) ListTypes(category core.AgentCategory) []*core.AgentType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*core.AgentType, 0, len(r.types))
	for _, t := range r.types {
		if category != "" && t.Category != category {
			continue
		}
		cp := *t
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// RegisterAgent adds a live agent. capabilities must be a subset of the
// type's declared capabilities; capacity must be positive. The agent
// enters the state machine at created and is immediately confirmed idle.
func (r *Registry) RegisterAgent(id, typeID, name string, capabilities []string, capacity int) (*core.Agent, error) {
	if id == "" {
		return nil, apperrors.ValidationError("agent_id", "must not be empty")
	}
	if capacity <= 0 {
		return nil, apperrors.ValidationError("capacity", "must be positive")
	}

	r.mu.Lock()

	t, ok := r.types[typeID]
	if !ok {
		r.mu.Unlock()
		return nil, apperrors.NotFound("agent type", typeID)
	}
	if _, exists := r.agents[id]; exists {
		r.mu.Unlock()
		return nil, apperrors.ValidationError("agent_id", "agent '"+id+"' already registered")
	}
	for _, cap := range capabilities {
		if !t.HasCapability(cap) {
			r.mu.Unlock()
			return nil, apperrors.ValidationError("capabilities",
				"capability '"+cap+"' is not declared by type '"+typeID+"'")
		}
	}

	agent := &core.Agent{
		ID:                   id,
		TypeID:               typeID,
		Name:                 name,
		DeclaredCapabilities: append([]string(nil), capabilities...),
		Status:               core.AgentIdle, // created -> idle on registration confirmation
		Capacity:             capacity,
		RegisteredAt:         time.Now(),
	}
	r.agents[id] = agent
	for _, cap := range capabilities {
		if r.byCapability[cap] == nil {
			r.byCapability[cap] = make(map[string]bool)
		}
		r.byCapability[cap][id] = true
	}
	cp := *agent
	r.mu.Unlock()

	r.logger.Info("registered agent",
		zap.String("agent_id", id),
		zap.String("type_id", typeID),
		zap.Int("capacity", capacity))
	r.publish(TopicAgentRegistered, map[string]interface{}{
		"agent_id": id,
		"type_id":  typeID,
		"name":     name,
	})
	return &cp, nil
}

// UnregisterAgent removes a live agent. Fails while the agent still has
// active tasks.
func (r *Registry) UnregisterAgent(id string) error {
	r.mu.Lock()

	agent, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return apperrors.NotFound("agent", id)
	}
	if agent.ActiveTasks > 0 {
		r.mu.Unlock()
		return apperrors.Busy("agent '" + id + "'")
	}

	agent.Status = core.AgentStopped
	delete(r.agents, id)
	for _, cap := range agent.DeclaredCapabilities {
		delete(r.byCapability[cap], id)
	}
	r.mu.Unlock()

	r.logger.Info("unregistered agent", zap.String("agent_id", id))
	r.publish(TopicAgentUnregistered, map[string]interface{}{"agent_id": id})
	return nil
}

// Get returns a snapshot of the agent with the given id.
func (r *Registry) Get(id string) (*core.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, ok := r.agents[id]
	if !ok {
		return nil, apperrors.NotFound("agent", id)
	}
	cp := *agent
	return &cp, nil
}

// List returns snapshots of every live agent, optionally filtered by
// status, sorted by id.
func (r *Registry) List(status core.AgentStatus) []*core.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*core.Agent, 0, len(r.agents))
	for _, agent := range r.agents {
		if status != "" && agent.Status != status {
			continue
		}
		cp := *agent
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// FindByCapability returns snapshots of the agents declaring the
// capability whose status is idle or busy (dispatchable), sorted by id.
func (r *Registry) FindByCapability(capID string) []*core.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.byCapability[capID]
	result := make([]*core.Agent, 0, len(ids))
	for id := range ids {
		agent := r.agents[id]
		if agent == nil {
			continue
		}
		if agent.Status != core.AgentIdle && agent.Status != core.AgentBusy {
			continue
		}
		cp := *agent
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// SetStatus moves an agent through the state machine, rejecting illegal
// transitions. Single-writer contract: dispatch-driven transitions come
// only from the orchestrator.
func (r *Registry) SetStatus(id string, status core.AgentStatus) error {
	r.mu.Lock()

	agent, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return apperrors.NotFound("agent", id)
	}
	from := agent.Status
	if from == status {
		r.mu.Unlock()
		return nil
	}
	if !core.CanTransition(from, status) {
		r.mu.Unlock()
		return apperrors.StateError("agent '"+id+"'", string(from), string(status))
	}
	agent.Status = status
	r.mu.Unlock()

	r.logger.Debug("agent status changed",
		zap.String("agent_id", id),
		zap.String("from", string(from)),
		zap.String("to", string(status)))
	r.publish(TopicAgentStatusChanged, map[string]interface{}{
		"agent_id": id,
		"from":     string(from),
		"to":       string(status),
	})
	return nil
}

// Pause stops new dispatch to the agent; in-flight tasks drain normally.
func (r *Registry) Pause(id string) error {
	return r.SetStatus(id, core.AgentPaused)
}

// Resume restores dispatch to a paused agent.
func (r *Registry) Resume(id string) error {
	return r.SetStatus(id, core.AgentIdle)
}

// IncrementLoad records a dispatch to the agent: bumps the active task
// count and moves an idle agent to busy. Fails if the agent is at
// capacity or not dispatchable.
func (r *Registry) IncrementLoad(id string) error {
	r.mu.Lock()

	agent, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return apperrors.NotFound("agent", id)
	}
	if agent.Status != core.AgentIdle && agent.Status != core.AgentBusy {
		r.mu.Unlock()
		return apperrors.StateError("agent '"+id+"'", string(agent.Status), string(core.AgentBusy))
	}
	if agent.ActiveTasks >= agent.Capacity {
		r.mu.Unlock()
		return apperrors.Busy("agent '" + id + "'")
	}
	agent.ActiveTasks++
	from := agent.Status
	agent.Status = core.AgentBusy
	r.mu.Unlock()

	if from != core.AgentBusy {
		r.publish(TopicAgentStatusChanged, map[string]interface{}{
			"agent_id": id,
			"from":     string(from),
			"to":       string(core.AgentBusy),
		})
	}
	return nil
}

// DecrementLoad records a dispatch completion: drops the active task
// count, records the outcome in the rolling window, and returns the agent
// to idle when it drains. windowSize is the health window W.
func (r *Registry) DecrementLoad(id string, success bool, windowSize int) error {
	r.mu.Lock()

	agent, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return apperrors.NotFound("agent", id)
	}
	if agent.ActiveTasks > 0 {
		agent.ActiveTasks--
	}
	agent.RecordOutcome(success, windowSize)
	from := agent.Status
	if agent.ActiveTasks == 0 && agent.Status == core.AgentBusy {
		agent.Status = core.AgentIdle
	}
	to := agent.Status
	r.mu.Unlock()

	if from != to {
		r.publish(TopicAgentStatusChanged, map[string]interface{}{
			"agent_id": id,
			"from":     string(from),
			"to":       string(to),
		})
	}
	return nil
}

// ReleaseLoad drops the active task count without recording a dispatch
// outcome, for in-flight tasks whose result was dropped after a
// cancellation.
func (r *Registry) ReleaseLoad(id string) error {
	r.mu.Lock()

	agent, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return apperrors.NotFound("agent", id)
	}
	if agent.ActiveTasks > 0 {
		agent.ActiveTasks--
	}
	from := agent.Status
	if agent.ActiveTasks == 0 && agent.Status == core.AgentBusy {
		agent.Status = core.AgentIdle
	}
	to := agent.Status
	r.mu.Unlock()

	if from != to {
		r.publish(TopicAgentStatusChanged, map[string]interface{}{
			"agent_id": id,
			"from":     string(from),
			"to":       string(to),
		})
	}
	return nil
}

// SuccessRate returns the agent's rolling success rate.
func (r *Registry) SuccessRate(id string) (float64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, ok := r.agents[id]
	if !ok {
		return 0, apperrors.NotFound("agent", id)
	}
	return agent.SuccessRate(), nil
}

// MarkError moves the agent to the error state, e.g. after its rolling
// success rate drops below the configured threshold.
func (r *Registry) MarkError(id string) error {
	return r.SetStatus(id, core.AgentError)
}

// ResetError returns an errored agent to idle (admin reset).
func (r *Registry) ResetError(id string) error {
	r.mu.RLock()
	agent, ok := r.agents[id]
	var status core.AgentStatus
	if ok {
		status = agent.Status
	}
	r.mu.RUnlock()

	if !ok {
		return apperrors.NotFound("agent", id)
	}
	if status != core.AgentError {
		return apperrors.StateError("agent '"+id+"'", string(status), string(core.AgentIdle))
	}
	return r.SetStatus(id, core.AgentIdle)
}

// Snapshot returns copies of every live agent keyed by id, for the load
// balancer's view of current load.
func (r *Registry) Snapshot() map[string]*core.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]*core.Agent, len(r.agents))
	for id, agent := range r.agents {
		cp := *agent
		result[id] = &cp
	}
	return result
}

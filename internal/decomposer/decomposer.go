// Package decomposer turns a high-level task description into a
// DecompositionPlan: a DAG of subtask specs selected by the first
// matching registered pattern.
package decomposer

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentmesh/core/internal/common/apperrors"
	"github.com/agentmesh/core/internal/common/logger"
	"github.com/agentmesh/core/internal/core"
)

// Matcher decides whether a pattern applies to a task description.
type Matcher func(description string, hints map[string]interface{}) bool

// Pattern is one registered decomposition rule: a matcher predicate, the
// subtask templates it expands to, and the execution strategy the plan
// carries. Patterns are tried in registration order; first match wins.
type Pattern struct {
	Name     string
	Matcher  Matcher
	Strategy core.ExecutionStrategy
	SubTasks []core.SubTaskSpec
}

// Decomposer holds the ordered pattern registry.
type Decomposer struct {
	mu       sync.RWMutex
	patterns []Pattern
	logger   *logger.Logger
}

// New creates an empty decomposer.
func New(log *logger.Logger) *Decomposer {
	return &Decomposer{
		logger: log.WithFields(zap.String("component", "decomposer")),
	}
}

// RegisterPattern appends a pattern to the registry. The pattern's
// subtask templates are validated up front: every dependency must
// resolve within the pattern and the dependency relation must be
// acyclic.
func (d *Decomposer) RegisterPattern(p Pattern) error {
	if p.Name == "" {
		return apperrors.ValidationError("pattern", "name must not be empty")
	}
	if p.Matcher == nil {
		return apperrors.ValidationError("pattern", "matcher must not be nil")
	}
	if len(p.SubTasks) == 0 {
		return apperrors.PatternError(p.Name, "must define at least one subtask")
	}
	if p.Strategy == "" {
		p.Strategy = core.StrategySequential
	}
	if _, err := topoSort(p.Name, p.SubTasks); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, existing := range d.patterns {
		if existing.Name == p.Name {
			return apperrors.ValidationError("pattern", "pattern '"+p.Name+"' already registered")
		}
	}
	d.patterns = append(d.patterns, p)

	d.logger.Info("registered pattern",
		zap.String("pattern", p.Name),
		zap.Int("subtasks", len(p.SubTasks)),
		zap.String("strategy", string(p.Strategy)))
	return nil
}

// Patterns returns the names of the registered patterns in registration
// order.
func (d *Decomposer) Patterns() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	names := make([]string, len(d.patterns))
	for i, p := range d.patterns {
		names[i] = p.Name
	}
	return names
}

// Decompose produces a plan for the parent task. Patterns are tried in
// registration order; if none match, a single-subtask sequential plan
// carrying the parent's capability is returned.
func (d *Decomposer) Decompose(taskID, description, capability string, hints map[string]interface{}) (*core.DecompositionPlan, error) {
	if strings.TrimSpace(description) == "" {
		return nil, apperrors.ValidationError("description", "must not be empty")
	}

	d.mu.RLock()
	patterns := d.patterns
	d.mu.RUnlock()

	for _, p := range patterns {
		if !p.Matcher(description, hints) {
			continue
		}
		subtasks := instantiate(p.SubTasks, description)
		// Re-check the instantiated DAG; a template could reference ids
		// dropped during instantiation.
		if _, err := topoSort(p.Name, subtasks); err != nil {
			return nil, err
		}
		d.logger.Debug("matched pattern",
			zap.String("task_id", taskID),
			zap.String("pattern", p.Name))
		return &core.DecompositionPlan{
			ParentTaskID: taskID,
			PatternName:  p.Name,
			Strategy:     p.Strategy,
			SubTasks:     subtasks,
			CreatedAt:    time.Now(),
		}, nil
	}

	// Fallback: the task is its own plan.
	return &core.DecompositionPlan{
		ParentTaskID: taskID,
		PatternName:  "passthrough",
		Strategy:     core.StrategySequential,
		SubTasks: []core.SubTaskSpec{
			{
				Key:                "main",
				Description:        description,
				RequiredCapability: capability,
			},
		},
		CreatedAt: time.Now(),
	}, nil
}

// instantiate copies the templates, substituting the parent description
// for the {{description}} placeholder.
func instantiate(templates []core.SubTaskSpec, description string) []core.SubTaskSpec {
	out := make([]core.SubTaskSpec, len(templates))
	for i, tpl := range templates {
		spec := tpl
		spec.Description = strings.ReplaceAll(tpl.Description, "{{description}}", description)
		spec.DependsOn = append([]string(nil), tpl.DependsOn...)
		out[i] = spec
	}
	return out
}

// topoSort validates that the subtask dependency relation is a DAG with
// every referenced key resolving inside the plan, returning a valid
// topological order.
func topoSort(patternName string, specs []core.SubTaskSpec) ([]string, error) {
	index := make(map[string]core.SubTaskSpec, len(specs))
	for _, s := range specs {
		if s.Key == "" {
			return nil, apperrors.PatternError(patternName, "subtask key must not be empty")
		}
		if _, dup := index[s.Key]; dup {
			return nil, apperrors.PatternError(patternName, "duplicate subtask key '"+s.Key+"'")
		}
		index[s.Key] = s
	}

	indegree := make(map[string]int, len(specs))
	dependents := make(map[string][]string, len(specs))
	for _, s := range specs {
		indegree[s.Key] += 0
		for _, dep := range s.DependsOn {
			if _, ok := index[dep]; !ok {
				return nil, apperrors.PatternError(patternName,
					fmt.Sprintf("subtask '%s' depends on unknown key '%s'", s.Key, dep))
			}
			indegree[s.Key]++
			dependents[dep] = append(dependents[dep], s.Key)
		}
	}

	// Kahn's algorithm over registration order for stable output.
	var queue []string
	for _, s := range specs {
		if indegree[s.Key] == 0 {
			queue = append(queue, s.Key)
		}
	}

	var order []string
	for len(queue) > 0 {
		key := queue[0]
		queue = queue[1:]
		order = append(order, key)
		for _, dep := range dependents[key] {
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(order) != len(specs) {
		return nil, apperrors.PatternError(patternName, "dependency cycle detected")
	}
	return order, nil
}

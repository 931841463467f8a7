// Package orchestrator admits tasks, resolves dependencies, and drives
// the worker pool that dispatches ready tasks to agents.
package orchestrator

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentmesh/core/internal/balancer"
	"github.com/agentmesh/core/internal/bus"
	"github.com/agentmesh/core/internal/common/apperrors"
	"github.com/agentmesh/core/internal/common/config"
	"github.com/agentmesh/core/internal/common/logger"
	"github.com/agentmesh/core/internal/core"
	"github.com/agentmesh/core/internal/orchestrator/queue"
	"github.com/agentmesh/core/internal/registry"
)

// Lifecycle topics the orchestrator publishes task events on.
const (
	TopicTaskQueued    = "orchestrator.task.queued"
	TopicTaskStarted   = "orchestrator.task.started"
	TopicTaskCompleted = "orchestrator.task.completed"
	TopicTaskFailed    = "orchestrator.task.failed"
	TopicTaskCancelled = "orchestrator.task.cancelled"
)

// AgentTaskTopic returns the dispatch topic an agent serves tasks on.
func AgentTaskTopic(agentID string) string {
	return "agent." + agentID + ".task"
}

// AgentControlTopic returns the control topic an agent listens for
// cancellation on.
func AgentControlTopic(agentID string) string {
	return "agent." + agentID + ".control"
}

// Stats is the orchestrator counter snapshot.
type Stats struct {
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Cancelled int64 `json:"cancelled"`
	Queued    int   `json:"queued"`
	Waiting   int   `json:"waiting"`
	Running   int   `json:"running"`
	Workers   int   `json:"workers"`
	Started   bool  `json:"started"`
}

// Orchestrator owns the task table and the work queue. It is the single
// writer for task status and for dispatch-driven agent transitions.
type Orchestrator struct {
	cfg      config.OrchestratorConfig
	registry *registry.Registry
	bus      bus.Bus
	balancer *balancer.Balancer
	queue    *queue.TaskQueue
	logger   *logger.Logger

	mu         sync.RWMutex
	tasks      map[string]*core.Task
	dependents map[string][]string // task id -> ids of tasks depending on it
	done       map[string]bool     // ids of completed tasks
	waiters    map[string][]chan *core.Task

	runMu   sync.Mutex
	started bool
	stopCh  chan struct{}
	eg      *errgroup.Group
	workers int

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	cancelled atomic.Int64
	running   atomic.Int64
}

// New wires an orchestrator from its collaborators.
func New(cfg config.OrchestratorConfig, reg *registry.Registry, b bus.Bus, lb *balancer.Balancer, log *logger.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg,
		registry:   reg,
		bus:        b,
		balancer:   lb,
		queue:      queue.NewTaskQueue(cfg.QueueMaxSize),
		logger:     log.WithFields(zap.String("component", "orchestrator")),
		tasks:      make(map[string]*core.Task),
		dependents: make(map[string][]string),
		done:       make(map[string]bool),
		waiters:    make(map[string][]chan *core.Task),
	}
}

// Registry exposes the registry for the admission surface.
func (o *Orchestrator) Registry() *registry.Registry {
	return o.registry
}

// Bus exposes the bus for the admission surface.
func (o *Orchestrator) Bus() bus.Bus {
	return o.bus
}

// Start launches the worker pool. workers <= 0 uses the configured
// count.
func (o *Orchestrator) Start(workers int) error {
	o.runMu.Lock()
	defer o.runMu.Unlock()

	if o.started {
		return apperrors.StateError("orchestrator", "started", "started")
	}
	if workers <= 0 {
		workers = o.cfg.Workers
	}

	o.stopCh = make(chan struct{})
	o.eg = &errgroup.Group{}
	o.workers = workers
	for i := 0; i < workers; i++ {
		workerID := i
		o.eg.Go(func() error {
			o.workerLoop(workerID)
			return nil
		})
	}
	o.started = true

	o.logger.Info("orchestrator started", zap.Int("workers", workers))
	return nil
}

// Stop signals the worker pool and waits for in-flight dispatches to
// finish.
func (o *Orchestrator) Stop() error {
	o.runMu.Lock()
	defer o.runMu.Unlock()

	if !o.started {
		return apperrors.StateError("orchestrator", "stopped", "stopped")
	}
	close(o.stopCh)
	_ = o.eg.Wait()
	o.started = false

	o.logger.Info("orchestrator stopped")
	return nil
}

// Submit admits a task. Tasks with unmet dependencies park in the
// waiting set; ready tasks enter the priority queue.
func (o *Orchestrator) Submit(task *core.Task) (string, error) {
	if task == nil || task.ID == "" {
		return "", apperrors.ValidationError("task_id", "must not be empty")
	}
	if task.Description == "" {
		return "", apperrors.ValidationError("description", "must not be empty")
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}

	o.mu.Lock()
	if _, exists := o.tasks[task.ID]; exists {
		o.mu.Unlock()
		return "", apperrors.ValidationError("task_id", "task '"+task.ID+"' already submitted")
	}

	// A dependency that already failed or was cancelled dooms the task
	// before it ever queues.
	for _, dep := range task.DependsOn {
		if existing, ok := o.tasks[dep]; ok && existing.Status.IsTerminal() && existing.Status != core.TaskCompleted {
			task.Status = core.TaskCancelled
			task.Error = &core.ErrorInfo{Kind: string(apperrors.KindCancelled), Message: "upstream-failed"}
			now := time.Now()
			task.FinishedAt = &now
			o.tasks[task.ID] = task
			o.mu.Unlock()
			o.cancelled.Add(1)
			o.publishTaskEvent(TopicTaskCancelled, task)
			return task.ID, nil
		}
	}

	o.tasks[task.ID] = task
	for _, dep := range task.DependsOn {
		o.dependents[dep] = append(o.dependents[dep], task.ID)
	}
	ready := task.DependenciesSatisfied(o.done)
	// Admission stamps the initial status; every later move goes
	// through transitionLocked.
	if ready {
		task.Status = core.TaskQueued
	} else {
		task.Status = core.TaskWaiting
	}
	o.mu.Unlock()

	o.submitted.Add(1)

	if ready {
		if err := o.queue.Enqueue(task); err != nil {
			o.mu.Lock()
			delete(o.tasks, task.ID)
			o.mu.Unlock()
			o.submitted.Add(-1)
			if err == queue.ErrQueueFull {
				return "", apperrors.Busy("task queue")
			}
			return "", apperrors.Wrap(err, "failed to enqueue task")
		}
	} else {
		if err := o.queue.AddWaiting(task); err != nil {
			o.mu.Lock()
			delete(o.tasks, task.ID)
			o.mu.Unlock()
			o.submitted.Add(-1)
			return "", apperrors.Wrap(err, "failed to park task")
		}
		// A dependency may have completed between the readiness check
		// and the park; re-run promotion so the task cannot strand.
		o.mu.Lock()
		doneSnapshot := make(map[string]bool, len(o.done))
		for id := range o.done {
			doneSnapshot[id] = true
		}
		o.mu.Unlock()
		o.queue.PromoteReady(doneSnapshot)
	}

	o.logger.Debug("task submitted",
		zap.String("task_id", task.ID),
		zap.String("status", string(task.Status)),
		zap.Int("priority", task.Priority))
	o.publishTaskEvent(TopicTaskQueued, task)
	return task.ID, nil
}

// SubmitPlan expands a DecompositionPlan into real tasks, mapping local
// subtask keys onto ids of the form "<parent>.<key>". Returns the
// created task ids in plan order.
func (o *Orchestrator) SubmitPlan(plan *core.DecompositionPlan) ([]string, error) {
	if plan == nil || len(plan.SubTasks) == 0 {
		return nil, apperrors.ValidationError("plan", "must contain at least one subtask")
	}

	idOf := func(key string) string { return plan.ParentTaskID + "." + key }

	ids := make([]string, 0, len(plan.SubTasks))
	for i, spec := range plan.SubTasks {
		var deps []string
		switch plan.Strategy {
		case core.StrategySequential:
			// Each subtask chains on its predecessor.
			if i > 0 {
				deps = []string{idOf(plan.SubTasks[i-1].Key)}
			}
		case core.StrategyParallel:
			// No dependencies; all subtasks run concurrently.
		default:
			for _, dep := range spec.DependsOn {
				deps = append(deps, idOf(dep))
			}
		}

		task := &core.Task{
			ID:                 idOf(spec.Key),
			Description:        spec.Description,
			RequiredCapability: spec.RequiredCapability,
			Priority:           spec.Priority,
			Payload:            spec.Payload,
			DependsOn:          deps,
			ParentTaskID:       plan.ParentTaskID,
		}
		if _, err := o.Submit(task); err != nil {
			return ids, err
		}
		ids = append(ids, task.ID)
	}
	return ids, nil
}

// Get returns a snapshot of the task with the given id.
func (o *Orchestrator) Get(taskID string) (*core.Task, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	task, ok := o.tasks[taskID]
	if !ok {
		return nil, apperrors.NotFound("task", taskID)
	}
	cp := *task
	return &cp, nil
}

// List returns snapshots of every task, optionally filtered by status.
func (o *Orchestrator) List(status core.TaskStatus) []*core.Task {
	o.mu.RLock()
	defer o.mu.RUnlock()

	result := make([]*core.Task, 0, len(o.tasks))
	for _, task := range o.tasks {
		if status != "" && task.Status != status {
			continue
		}
		cp := *task
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result
}

// Cancel cancels a task. Queued or waiting tasks cancel immediately;
// running tasks get a cancellation message on the agent's control topic
// and are marked cancelled on acknowledgement or after the grace
// timeout (the agent is then marked errored). Cancelling a terminal
// task is a no-op.
func (o *Orchestrator) Cancel(taskID string) error {
	o.mu.Lock()
	task, ok := o.tasks[taskID]
	if !ok {
		o.mu.Unlock()
		return apperrors.NotFound("task", taskID)
	}
	if task.Status.IsTerminal() {
		o.mu.Unlock()
		return nil
	}

	if task.Status == core.TaskRunning {
		agentID := task.AssignedAgent
		o.mu.Unlock()
		go o.cancelRunning(taskID, agentID)
		return nil
	}

	// queued or waiting
	o.queue.Remove(taskID)
	ok = o.markCancelledLocked(task, "cancelled")
	o.mu.Unlock()
	if !ok {
		return nil
	}

	o.publishTaskEvent(TopicTaskCancelled, task)
	o.notifyWaiters(task)
	o.cascadeCancel(taskID)
	return nil
}

// cancelRunning performs the cooperative control-topic round trip for an
// in-flight task.
func (o *Orchestrator) cancelRunning(taskID, agentID string) {
	grace := o.cfg.DispatchTimeout()
	_, err := o.bus.Request(context.Background(), "orchestrator", AgentControlTopic(agentID),
		map[string]interface{}{"action": "cancel", "task_id": taskID}, grace)

	o.mu.Lock()
	task, ok := o.tasks[taskID]
	if !ok || task.Status.IsTerminal() || !o.markCancelledLocked(task, "cancelled") {
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()

	if err != nil {
		// No acknowledgement within the grace period: the agent is
		// considered unhealthy.
		o.logger.Warn("cancel not acknowledged, marking agent errored",
			zap.String("task_id", taskID),
			zap.String("agent_id", agentID),
			zap.Error(err))
		if serr := o.registry.MarkError(agentID); serr != nil {
			o.logger.Warn("failed to mark agent errored", zap.String("agent_id", agentID), zap.Error(serr))
		}
	}

	o.publishTaskEvent(TopicTaskCancelled, task)
	o.notifyWaiters(task)
	o.cascadeCancel(taskID)
}

// transitionLocked moves a task along the lifecycle state machine,
// rejecting illegal edges the same way registry.SetStatus does for
// agents. Caller holds o.mu.
func (o *Orchestrator) transitionLocked(task *core.Task, to core.TaskStatus) error {
	if !core.CanTransitionTask(task.Status, to) {
		return apperrors.StateError("task '"+task.ID+"'", string(task.Status), string(to))
	}
	task.Status = to
	return nil
}

// markCancelledLocked flips a non-terminal task to cancelled, reporting
// whether the transition took. Caller holds o.mu.
func (o *Orchestrator) markCancelledLocked(task *core.Task, reason string) bool {
	if err := o.transitionLocked(task, core.TaskCancelled); err != nil {
		o.logger.Warn("refusing illegal cancel transition",
			zap.String("task_id", task.ID),
			zap.Error(err))
		return false
	}
	task.Error = &core.ErrorInfo{Kind: string(apperrors.KindCancelled), Message: reason}
	now := time.Now()
	task.FinishedAt = &now
	o.cancelled.Add(1)
	return true
}

// cascadeCancel walks the dependency DAG below root and cancels every
// non-terminal descendant with reason "upstream-failed".
func (o *Orchestrator) cascadeCancel(rootID string) {
	var toNotify []*core.Task

	o.mu.Lock()
	frontier := append([]string(nil), o.dependents[rootID]...)
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		task, ok := o.tasks[id]
		if !ok || task.Status.IsTerminal() {
			continue
		}
		o.queue.Remove(id)
		if !o.markCancelledLocked(task, "upstream-failed") {
			continue
		}
		toNotify = append(toNotify, task)
		frontier = append(frontier, o.dependents[id]...)
	}
	o.mu.Unlock()

	for _, task := range toNotify {
		o.publishTaskEvent(TopicTaskCancelled, task)
		o.notifyWaiters(task)
	}
}

// SubmitAndWait submits a task and blocks until it reaches a terminal
// status or ctx is done. Collaboration coordinators run subtasks through
// this path.
func (o *Orchestrator) SubmitAndWait(ctx context.Context, task *core.Task) (*core.Task, error) {
	ch := make(chan *core.Task, 1)

	o.mu.Lock()
	o.waiters[task.ID] = append(o.waiters[task.ID], ch)
	o.mu.Unlock()

	if _, err := o.Submit(task); err != nil {
		o.removeWaiter(task.ID, ch)
		return nil, err
	}

	// Submit may have finished the task synchronously (doomed
	// dependency); re-check before blocking.
	if snapshot, err := o.Get(task.ID); err == nil && snapshot.Status.IsTerminal() {
		o.removeWaiter(task.ID, ch)
		return snapshot, nil
	}

	select {
	case result := <-ch:
		return result, nil
	case <-ctx.Done():
		o.removeWaiter(task.ID, ch)
		return nil, apperrors.Timeout("wait for task '" + task.ID + "'")
	}
}

func (o *Orchestrator) removeWaiter(taskID string, ch chan *core.Task) {
	o.mu.Lock()
	defer o.mu.Unlock()
	chans := o.waiters[taskID]
	for i, c := range chans {
		if c == ch {
			o.waiters[taskID] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(o.waiters[taskID]) == 0 {
		delete(o.waiters, taskID)
	}
}

// notifyWaiters delivers a terminal snapshot to every SubmitAndWait
// caller blocked on the task.
func (o *Orchestrator) notifyWaiters(task *core.Task) {
	o.mu.Lock()
	chans := o.waiters[task.ID]
	delete(o.waiters, task.ID)
	cp := *task
	o.mu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- &cp:
		default:
		}
	}
}

// Stats returns the orchestrator counter snapshot.
func (o *Orchestrator) Stats() *Stats {
	return &Stats{
		Submitted: o.submitted.Load(),
		Completed: o.completed.Load(),
		Failed:    o.failed.Load(),
		Cancelled: o.cancelled.Load(),
		Queued:    o.queue.Len(),
		Waiting:   o.queue.WaitingLen(),
		Running:   int(o.running.Load()),
		Workers:   o.workers,
		Started:   o.isStarted(),
	}
}

func (o *Orchestrator) isStarted() bool {
	o.runMu.Lock()
	defer o.runMu.Unlock()
	return o.started
}

// publishTaskEvent emits a lifecycle event for external observers.
func (o *Orchestrator) publishTaskEvent(topic string, task *core.Task) {
	payload := map[string]interface{}{
		"task_id": task.ID,
		"status":  string(task.Status),
	}
	if task.AssignedAgent != "" {
		payload["agent_id"] = task.AssignedAgent
	}
	if task.Error != nil {
		payload["error"] = map[string]interface{}{
			"kind":      task.Error.Kind,
			"message":   task.Error.Message,
			"retryable": task.Error.Retryable,
		}
	}
	if _, err := o.bus.Publish(context.Background(), "orchestrator", topic, payload); err != nil {
		o.logger.Warn("failed to publish task event", zap.String("topic", topic), zap.Error(err))
	}
}

package orchestrator

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/agentmesh/core/internal/balancer"
	"github.com/agentmesh/core/internal/common/apperrors"
	"github.com/agentmesh/core/internal/common/logger"
	"github.com/agentmesh/core/internal/core"
)

// workerLoop is one of the N pool workers: block until the queue signals
// work, drain it, repeat until stop.
func (o *Orchestrator) workerLoop(workerID int) {
	log := o.logger.WithFields(zap.Int("worker", workerID))
	log.Debug("worker started")

	for {
		select {
		case <-o.stopCh:
			log.Debug("worker stopped")
			return
		case <-o.queue.Signal():
		}

		for {
			select {
			case <-o.stopCh:
				log.Debug("worker stopped")
				return
			default:
			}
			qt := o.queue.Dequeue()
			if qt == nil {
				break
			}
			o.process(qt.Task, log)
		}
	}
}

// process drives one task through candidate resolution, balancing,
// dispatch and finalization.
func (o *Orchestrator) process(task *core.Task, log *logger.Logger) {
	o.mu.RLock()
	status := task.Status
	o.mu.RUnlock()
	if status != core.TaskQueued {
		// Cancelled while queued; nothing to do.
		return
	}

	candidates, strategy := o.resolveCandidates(task)
	agent := o.balancer.Select(candidates, strategy, task.RequiredCapability)
	if agent == nil {
		// Every candidate is at capacity (or none exists yet): back off
		// and requeue.
		o.requeueLater(task)
		return
	}

	// No orphan dispatch: the load increment and the running transition
	// are observed together or not at all.
	if err := o.registry.IncrementLoad(agent.ID); err != nil {
		o.requeueLater(task)
		return
	}

	o.mu.Lock()
	if err := o.transitionLocked(task, core.TaskRunning); err != nil {
		// Cancelled while queued; nothing to dispatch.
		o.mu.Unlock()
		_ = o.registry.ReleaseLoad(agent.ID)
		return
	}
	task.AssignedAgent = agent.ID
	now := time.Now()
	task.StartedAt = &now
	o.mu.Unlock()

	o.running.Add(1)
	defer o.running.Add(-1)

	o.publishTaskEvent(TopicTaskStarted, task)
	log.Info("dispatching task",
		zap.String("task_id", task.ID),
		zap.String("agent_id", agent.ID))

	payload, err := o.dispatch(task, agent.ID)
	if err != nil {
		o.finalizeFailure(task, agent.ID, err)
		return
	}
	if errPayload, ok := payload["error"].(map[string]interface{}); ok {
		// Structured agent failure: not retried, counts against the
		// agent's success rate.
		msg, _ := errPayload["message"].(string)
		o.finalizeFailure(task, agent.ID, apperrors.AgentError(agent.ID, msg))
		return
	}
	o.finalizeSuccess(task, agent.ID, payload)
}

// resolveCandidates produces the agent set the balancer chooses from:
// the pinned agent if the task names one, else the capability index,
// else every dispatchable agent.
func (o *Orchestrator) resolveCandidates(task *core.Task) ([]*core.Agent, balancer.Strategy) {
	strategy, _ := balancer.ParseStrategy(task.BalancerStrategy, o.balancer.DefaultStrategy())

	if task.TargetAgent != "" {
		agent, err := o.registry.Get(task.TargetAgent)
		if err != nil {
			return nil, strategy
		}
		if agent.Status != core.AgentIdle && agent.Status != core.AgentBusy {
			return nil, strategy
		}
		return []*core.Agent{agent}, strategy
	}

	if task.RequiredCapability != "" {
		return o.registry.FindByCapability(task.RequiredCapability), strategy
	}

	var all []*core.Agent
	all = append(all, o.registry.List(core.AgentIdle)...)
	all = append(all, o.registry.List(core.AgentBusy)...)
	return all, strategy
}

// requeueLater returns a task to the heap after the backoff base delay.
func (o *Orchestrator) requeueLater(task *core.Task) {
	time.AfterFunc(o.cfg.BackoffBase(), func() {
		o.mu.RLock()
		status := task.Status
		o.mu.RUnlock()
		if status != core.TaskQueued {
			return
		}
		if err := o.queue.Enqueue(task); err != nil {
			o.logger.Warn("failed to requeue task",
				zap.String("task_id", task.ID),
				zap.Error(err))
		}
	})
}

// dispatch performs the bus request round trip with retry. Timeouts and
// bus errors retry up to the configured limit with exponential backoff;
// other failures surface immediately.
func (o *Orchestrator) dispatch(task *core.Task, agentID string) (map[string]interface{}, error) {
	timeout := o.cfg.DispatchTimeout()
	if task.TimeoutMS > 0 {
		timeout = time.Duration(task.TimeoutMS) * time.Millisecond
	}

	request := map[string]interface{}{
		"task_id":     task.ID,
		"description": task.Description,
		"capability":  task.RequiredCapability,
		"payload":     task.Payload,
	}

	var lastErr error
	for attempt := 0; attempt <= o.cfg.RetryLimit; attempt++ {
		if attempt > 0 {
			backoff := o.cfg.BackoffBase() << (attempt - 1)
			if limit := o.cfg.BackoffCap(); backoff > limit {
				backoff = limit
			}
			select {
			case <-o.stopCh:
				return nil, apperrors.Cancelled("dispatch of task '" + task.ID + "'")
			case <-time.After(backoff):
			}
		}

		o.mu.Lock()
		task.Attempts++
		o.mu.Unlock()

		payload, err := o.bus.Request(context.Background(), "orchestrator", AgentTaskTopic(agentID), request, timeout)
		if err == nil {
			return payload, nil
		}
		lastErr = err
		if !apperrors.IsRetryable(err) {
			break
		}
		o.logger.Warn("dispatch attempt failed",
			zap.String("task_id", task.ID),
			zap.String("agent_id", agentID),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	return nil, lastErr
}

// finalizeSuccess stores the result, completes the task, and promotes
// dependents that became ready.
func (o *Orchestrator) finalizeSuccess(task *core.Task, agentID string, result map[string]interface{}) {
	o.mu.Lock()
	if err := o.transitionLocked(task, core.TaskCompleted); err != nil {
		// Cancelled mid-flight: drop the result on arrival.
		o.mu.Unlock()
		_ = o.registry.ReleaseLoad(agentID)
		return
	}
	task.Result = result
	now := time.Now()
	task.FinishedAt = &now
	o.done[task.ID] = true
	doneSnapshot := make(map[string]bool, len(o.done))
	for id := range o.done {
		doneSnapshot[id] = true
	}
	// Flip now-ready dependents to queued before they can reach the
	// heap, so a worker never dequeues a task still marked waiting.
	for _, depID := range o.dependents[task.ID] {
		dep := o.tasks[depID]
		if dep == nil || dep.Status != core.TaskWaiting || !dep.DependenciesSatisfied(o.done) {
			continue
		}
		if err := o.transitionLocked(dep, core.TaskQueued); err != nil {
			o.logger.Warn("refusing illegal promotion",
				zap.String("task_id", dep.ID),
				zap.Error(err))
		}
	}
	o.mu.Unlock()

	o.completed.Add(1)
	if err := o.registry.DecrementLoad(agentID, true, o.cfg.FailureWindowSize); err != nil {
		o.logger.Warn("failed to release agent load", zap.String("agent_id", agentID), zap.Error(err))
	}

	o.publishTaskEvent(TopicTaskCompleted, task)
	o.notifyWaiters(task)

	// The dependent's running transition happens-after this completed
	// transition: promotion only occurs here.
	promoted := o.queue.PromoteReady(doneSnapshot)
	for _, p := range promoted {
		o.publishTaskEvent(TopicTaskQueued, p)
	}
}

// finalizeFailure marks the task failed, updates agent health, and
// cascades cancellation to dependents.
func (o *Orchestrator) finalizeFailure(task *core.Task, agentID string, cause error) {
	kind := apperrors.KindInternal
	retryable := false
	message := cause.Error()
	var appErr *apperrors.AppError
	if errors.As(cause, &appErr) {
		kind = appErr.Kind
		retryable = appErr.Retryable
		message = appErr.Message
	}

	o.mu.Lock()
	if err := o.transitionLocked(task, core.TaskFailed); err != nil {
		// Cancelled mid-flight: drop the failure on arrival.
		o.mu.Unlock()
		_ = o.registry.ReleaseLoad(agentID)
		return
	}
	task.Error = &core.ErrorInfo{Kind: string(kind), Message: message, Retryable: retryable}
	now := time.Now()
	task.FinishedAt = &now
	o.mu.Unlock()

	o.failed.Add(1)
	if err := o.registry.DecrementLoad(agentID, false, o.cfg.FailureWindowSize); err != nil {
		o.logger.Warn("failed to release agent load", zap.String("agent_id", agentID), zap.Error(err))
	}

	// An agent whose rolling success rate drops under the threshold is
	// taken out of rotation.
	if rate, err := o.registry.SuccessRate(agentID); err == nil && rate < o.cfg.SuccessRateThreshold {
		o.logger.Warn("agent success rate below threshold",
			zap.String("agent_id", agentID),
			zap.Float64("rate", rate),
			zap.Float64("threshold", o.cfg.SuccessRateThreshold))
		if serr := o.registry.MarkError(agentID); serr != nil {
			o.logger.Warn("failed to mark agent errored", zap.String("agent_id", agentID), zap.Error(serr))
		}
	}

	o.logger.Warn("task failed",
		zap.String("task_id", task.ID),
		zap.String("agent_id", agentID),
		zap.String("kind", string(kind)))
	o.publishTaskEvent(TopicTaskFailed, task)
	o.notifyWaiters(task)
	o.cascadeCancel(task.ID)
}

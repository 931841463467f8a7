package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/core/internal/balancer"
	"github.com/agentmesh/core/internal/bus"
	"github.com/agentmesh/core/internal/common/apperrors"
	"github.com/agentmesh/core/internal/common/config"
	"github.com/agentmesh/core/internal/common/logger"
	"github.com/agentmesh/core/internal/core"
	"github.com/agentmesh/core/internal/registry"
)

func testLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func testConfig() config.OrchestratorConfig {
	return config.OrchestratorConfig{
		Workers:              2,
		DispatchTimeoutMS:    2000,
		RetryLimit:           1,
		BackoffBaseMS:        10,
		BackoffCapMS:         50,
		FailureWindowSize:    20,
		SuccessRateThreshold: 0.5,
		QueueMaxSize:         100,
	}
}

type fixture struct {
	orch *Orchestrator
	bus  *bus.MemoryBus
	reg  *registry.Registry
	log  *logger.Logger
}

func newFixture(t *testing.T, cfg config.OrchestratorConfig) *fixture {
	log := testLogger(t)
	b := bus.NewMemoryBus(64, 32, log)
	reg := registry.NewRegistry(b, log)
	require.NoError(t, reg.RegisterType(&core.AgentType{
		ID:       "research",
		Name:     "Research",
		Category: core.CategoryResearch,
		Capabilities: []core.CapabilityDescriptor{
			{ID: "web_research", Name: "Web Research"},
		},
	}))
	lb := balancer.New(balancer.LeastLoaded, nil, log)
	orch := New(cfg, reg, b, lb, log)
	t.Cleanup(func() {
		if orch.isStarted() {
			_ = orch.Stop()
		}
		b.Close()
	})
	return &fixture{orch: orch, bus: b, reg: reg, log: log}
}

// echoAgent registers an agent that replies to dispatches with the given
// handler-produced payload after an optional delay, recording dispatch
// order.
func (f *fixture) echoAgent(t *testing.T, id string, capacity int, delay time.Duration, order *dispatchOrder, respond func(msg *core.Message) map[string]interface{}) {
	_, err := f.reg.RegisterAgent(id, "research", id, []string{"web_research"}, capacity)
	require.NoError(t, err)

	_, err = f.bus.Subscribe(AgentTaskTopic(id), func(ctx context.Context, msg *core.Message) error {
		if order != nil {
			order.record(msg.Payload["task_id"].(string))
		}
		if delay > 0 {
			time.Sleep(delay)
		}
		return f.bus.Respond(ctx, id, msg, respond(msg))
	})
	require.NoError(t, err)
}

type dispatchOrder struct {
	mu  sync.Mutex
	ids []string
}

func (d *dispatchOrder) record(id string) {
	d.mu.Lock()
	d.ids = append(d.ids, id)
	d.mu.Unlock()
}

func (d *dispatchOrder) snapshot() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.ids...)
}

func okResult(msg *core.Message) map[string]interface{} {
	return map[string]interface{}{"output": "done"}
}

func errResult(message string) func(msg *core.Message) map[string]interface{} {
	return func(msg *core.Message) map[string]interface{} {
		return map[string]interface{}{
			"error": map[string]interface{}{"message": message},
		}
	}
}

func task(id string, priority int) *core.Task {
	return &core.Task{
		ID:                 id,
		Description:        "task " + id,
		RequiredCapability: "web_research",
		Priority:           priority,
	}
}

func TestSingleTaskSingleAgent(t *testing.T) {
	f := newFixture(t, testConfig())
	f.echoAgent(t, "r1", 1, 0, nil, okResult)
	require.NoError(t, f.orch.Start(0))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := f.orch.SubmitAndWait(ctx, task("t1", 5))
	require.NoError(t, err)

	assert.Equal(t, core.TaskCompleted, result.Status)
	assert.Equal(t, "r1", result.AssignedAgent)
	assert.Equal(t, "done", result.Result["output"])
	require.NotNil(t, result.StartedAt)
	require.NotNil(t, result.FinishedAt)

	agent, err := f.reg.Get("r1")
	require.NoError(t, err)
	assert.Equal(t, 0, agent.ActiveTasks)
	assert.Equal(t, int64(1), agent.TasksCompleted)
	assert.Equal(t, core.AgentIdle, agent.Status)
}

func TestDependencyChain(t *testing.T) {
	f := newFixture(t, testConfig())
	f.echoAgent(t, "r1", 1, 0, nil, okResult)
	f.echoAgent(t, "r2", 1, 0, nil, okResult)
	require.NoError(t, f.orch.Start(0))

	t1 := task("t1", 5)
	t2 := task("t2", 5)
	t2.DependsOn = []string{"t1"}
	t3 := task("t3", 5)
	t3.DependsOn = []string{"t2"}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan *core.Task, 1)
	go func() {
		result, err := f.orch.SubmitAndWait(ctx, t3)
		if err == nil {
			done <- result
		}
	}()
	// t3 is registered as a waiter before its dependencies exist; the
	// chain resolves as t1 and t2 complete.
	time.Sleep(20 * time.Millisecond)
	_, err := f.orch.Submit(t1)
	require.NoError(t, err)
	_, err = f.orch.Submit(t2)
	require.NoError(t, err)

	select {
	case result := <-done:
		assert.Equal(t, core.TaskCompleted, result.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for chain")
	}

	s1, _ := f.orch.Get("t1")
	s2, _ := f.orch.Get("t2")
	s3, _ := f.orch.Get("t3")
	require.NotNil(t, s1.StartedAt)
	require.NotNil(t, s2.StartedAt)
	require.NotNil(t, s3.StartedAt)
	assert.True(t, !s2.StartedAt.Before(*s1.FinishedAt), "t2 must start after t1 completes")
	assert.True(t, !s3.StartedAt.Before(*s2.FinishedAt), "t3 must start after t2 completes")
}

func TestPriorityOrder(t *testing.T) {
	f := newFixture(t, testConfig())
	order := &dispatchOrder{}
	f.echoAgent(t, "r1", 1, 50*time.Millisecond, order, okResult)
	f.echoAgent(t, "r2", 1, 50*time.Millisecond, order, okResult)
	f.echoAgent(t, "r3", 1, 50*time.Millisecond, order, okResult)

	// Submit before starting so the heap orders all three.
	a := task("a", 1)
	b := task("b", 5)
	c := task("c", 5)
	base := time.Now()
	a.CreatedAt = base
	b.CreatedAt = base.Add(time.Millisecond)
	c.CreatedAt = base.Add(2 * time.Millisecond)
	for _, tk := range []*core.Task{a, b, c} {
		_, err := f.orch.Submit(tk)
		require.NoError(t, err)
	}
	require.NoError(t, f.orch.Start(2))

	require.Eventually(t, func() bool {
		s, err := f.orch.Get("a")
		return err == nil && s.Status == core.TaskCompleted
	}, 5*time.Second, 10*time.Millisecond)

	ids := order.snapshot()
	require.Len(t, ids, 3)
	assert.ElementsMatch(t, []string{"b", "c"}, ids[:2], "higher priority dispatched first")
	assert.Equal(t, "a", ids[2], "lowest priority dispatched last")
}

func TestCascadingCancelOnFailure(t *testing.T) {
	f := newFixture(t, testConfig())
	f.echoAgent(t, "r1", 1, 0, nil, errResult("boom"))
	require.NoError(t, f.orch.Start(0))

	t1 := task("t1", 5)
	t2 := task("t2", 5)
	t2.DependsOn = []string{"t1"}
	t3 := task("t3", 5)
	t3.DependsOn = []string{"t2"}

	for _, tk := range []*core.Task{t1, t2, t3} {
		_, err := f.orch.Submit(tk)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		s3, err := f.orch.Get("t3")
		return err == nil && s3.Status.IsTerminal()
	}, 5*time.Second, 10*time.Millisecond)

	s1, _ := f.orch.Get("t1")
	assert.Equal(t, core.TaskFailed, s1.Status)
	require.NotNil(t, s1.Error)
	assert.Equal(t, string(apperrors.KindAgent), s1.Error.Kind)

	for _, id := range []string{"t2", "t3"} {
		s, _ := f.orch.Get(id)
		assert.Equal(t, core.TaskCancelled, s.Status, id)
		require.NotNil(t, s.Error, id)
		assert.Equal(t, "upstream-failed", s.Error.Message, id)
	}
}

func TestDispatchTimeoutAfterRetries(t *testing.T) {
	cfg := testConfig()
	cfg.DispatchTimeoutMS = 50
	f := newFixture(t, cfg)

	// Register an agent that never answers.
	_, err := f.reg.RegisterAgent("mute", "research", "mute", []string{"web_research"}, 1)
	require.NoError(t, err)
	require.NoError(t, f.orch.Start(0))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := f.orch.SubmitAndWait(ctx, task("t1", 5))
	require.NoError(t, err)

	assert.Equal(t, core.TaskFailed, result.Status)
	require.NotNil(t, result.Error)
	assert.Equal(t, string(apperrors.KindTimeout), result.Error.Kind)
	assert.Equal(t, 2, result.Attempts, "initial attempt plus one retry")
}

func TestCancelQueuedTask(t *testing.T) {
	f := newFixture(t, testConfig())
	// No workers started: the task stays queued.
	_, err := f.orch.Submit(task("t1", 5))
	require.NoError(t, err)

	require.NoError(t, f.orch.Cancel("t1"))
	s, _ := f.orch.Get("t1")
	assert.Equal(t, core.TaskCancelled, s.Status)

	// Cancel of an already-terminal task is a no-op.
	assert.NoError(t, f.orch.Cancel("t1"))

	err = f.orch.Cancel("missing")
	assert.True(t, apperrors.Is(err, apperrors.KindNotFound))
}

func TestCancelRunningTask(t *testing.T) {
	f := newFixture(t, testConfig())

	started := make(chan struct{})
	release := make(chan struct{})
	_, err := f.reg.RegisterAgent("slow", "research", "slow", []string{"web_research"}, 1)
	require.NoError(t, err)
	_, err = f.bus.Subscribe(AgentTaskTopic("slow"), func(ctx context.Context, msg *core.Message) error {
		close(started)
		<-release
		return f.bus.Respond(ctx, "slow", msg, okResult(msg))
	})
	require.NoError(t, err)
	// The agent acknowledges cancellation on its control topic.
	_, err = f.bus.Subscribe(AgentControlTopic("slow"), func(ctx context.Context, msg *core.Message) error {
		return f.bus.Respond(ctx, "slow", msg, map[string]interface{}{"ack": true})
	})
	require.NoError(t, err)

	require.NoError(t, f.orch.Start(0))
	_, err = f.orch.Submit(task("t1", 5))
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("task never started")
	}

	require.NoError(t, f.orch.Cancel("t1"))
	require.Eventually(t, func() bool {
		s, err := f.orch.Get("t1")
		return err == nil && s.Status == core.TaskCancelled
	}, 5*time.Second, 10*time.Millisecond)

	// The late result is dropped on arrival and the agent drains.
	close(release)
	require.Eventually(t, func() bool {
		agent, err := f.reg.Get("slow")
		return err == nil && agent.ActiveTasks == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSubmitDuplicateID(t *testing.T) {
	f := newFixture(t, testConfig())
	_, err := f.orch.Submit(task("t1", 5))
	require.NoError(t, err)
	_, err = f.orch.Submit(task("t1", 5))
	assert.True(t, apperrors.Is(err, apperrors.KindValidation))
}

func TestSubmitPlanSequentialChains(t *testing.T) {
	f := newFixture(t, testConfig())

	plan := &core.DecompositionPlan{
		ParentTaskID: "parent",
		Strategy:     core.StrategySequential,
		SubTasks: []core.SubTaskSpec{
			{Key: "one", Description: "first"},
			{Key: "two", Description: "second"},
		},
	}
	ids, err := f.orch.SubmitPlan(plan)
	require.NoError(t, err)
	assert.Equal(t, []string{"parent.one", "parent.two"}, ids)

	s2, err := f.orch.Get("parent.two")
	require.NoError(t, err)
	assert.Equal(t, core.TaskWaiting, s2.Status)
	assert.Equal(t, []string{"parent.one"}, s2.DependsOn)
}

func TestStartStopLifecycle(t *testing.T) {
	f := newFixture(t, testConfig())
	require.NoError(t, f.orch.Start(1))

	err := f.orch.Start(1)
	assert.True(t, apperrors.Is(err, apperrors.KindState), "double start rejected")

	require.NoError(t, f.orch.Stop())
	err = f.orch.Stop()
	assert.True(t, apperrors.Is(err, apperrors.KindState), "double stop rejected")
}

func TestStatsCounts(t *testing.T) {
	f := newFixture(t, testConfig())
	f.echoAgent(t, "r1", 1, 0, nil, okResult)
	require.NoError(t, f.orch.Start(0))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := f.orch.SubmitAndWait(ctx, task("t1", 5))
	require.NoError(t, err)

	stats := f.orch.Stats()
	assert.Equal(t, int64(1), stats.Submitted)
	assert.Equal(t, int64(1), stats.Completed)
	assert.True(t, stats.Started)
}

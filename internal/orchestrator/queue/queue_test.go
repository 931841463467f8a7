package queue

import (
	"testing"
	"time"

	"github.com/agentmesh/core/internal/core"
)

// createTestTask creates a task for testing with the given parameters
func createTestTask(id string, priority int, capability string) *core.Task {
	return &core.Task{
		ID:                 id,
		Description:        "Test Task " + id,
		Priority:           priority,
		RequiredCapability: capability,
		Status:             core.TaskQueued,
		CreatedAt:          time.Now(),
	}
}

func TestNewTaskQueue(t *testing.T) {
	q := NewTaskQueue(100)
	if q == nil {
		t.Fatal("NewTaskQueue returned nil")
	}
	if q.Len() != 0 {
		t.Errorf("expected empty queue, got Len() = %d", q.Len())
	}
	if q.maxSize != 100 {
		t.Errorf("expected maxSize = 100, got %d", q.maxSize)
	}
}

func TestEnqueue(t *testing.T) {
	q := NewTaskQueue(10)
	task := createTestTask("task-1", 5, "web_research")

	err := q.Enqueue(task)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	if q.Len() != 1 {
		t.Errorf("expected Len() = 1, got %d", q.Len())
	}
}

func TestEnqueueDuplicate(t *testing.T) {
	q := NewTaskQueue(10)
	task := createTestTask("task-1", 5, "web_research")

	_ = q.Enqueue(task)
	err := q.Enqueue(task)
	if err != ErrTaskExists {
		t.Errorf("expected ErrTaskExists, got %v", err)
	}
}

func TestEnqueueFull(t *testing.T) {
	q := NewTaskQueue(2)
	_ = q.Enqueue(createTestTask("task-1", 1, ""))
	_ = q.Enqueue(createTestTask("task-2", 1, ""))

	err := q.Enqueue(createTestTask("task-3", 1, ""))
	if err != ErrQueueFull {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}
}

func TestDequeuePriorityOrder(t *testing.T) {
	q := NewTaskQueue(10)
	_ = q.Enqueue(createTestTask("low", 1, ""))
	_ = q.Enqueue(createTestTask("high", 10, ""))
	_ = q.Enqueue(createTestTask("mid", 5, ""))

	expected := []string{"high", "mid", "low"}
	for _, want := range expected {
		qt := q.Dequeue()
		if qt == nil {
			t.Fatalf("Dequeue returned nil, expected %s", want)
		}
		if qt.TaskID != want {
			t.Errorf("expected %s, got %s", want, qt.TaskID)
		}
	}
}

func TestDequeueFIFOWithinPriority(t *testing.T) {
	q := NewTaskQueue(10)

	base := time.Now()
	first := createTestTask("first", 5, "")
	first.CreatedAt = base
	second := createTestTask("second", 5, "")
	second.CreatedAt = base.Add(time.Millisecond)

	_ = q.Enqueue(first)
	_ = q.Enqueue(second)

	if qt := q.Dequeue(); qt.TaskID != "first" {
		t.Errorf("expected first, got %s", qt.TaskID)
	}
	if qt := q.Dequeue(); qt.TaskID != "second" {
		t.Errorf("expected second, got %s", qt.TaskID)
	}
}

func TestDequeueEmpty(t *testing.T) {
	q := NewTaskQueue(10)
	if qt := q.Dequeue(); qt != nil {
		t.Errorf("expected nil from empty queue, got %v", qt)
	}
}

func TestPeek(t *testing.T) {
	q := NewTaskQueue(10)
	_ = q.Enqueue(createTestTask("task-1", 5, ""))

	qt := q.Peek()
	if qt == nil || qt.TaskID != "task-1" {
		t.Fatalf("Peek returned %v, expected task-1", qt)
	}
	if q.Len() != 1 {
		t.Errorf("Peek should not remove; Len() = %d", q.Len())
	}
}

func TestRemove(t *testing.T) {
	q := NewTaskQueue(10)
	_ = q.Enqueue(createTestTask("task-1", 5, ""))
	_ = q.Enqueue(createTestTask("task-2", 3, ""))

	if !q.Remove("task-1") {
		t.Error("expected Remove to return true")
	}
	if q.Remove("task-1") {
		t.Error("expected Remove of absent task to return false")
	}
	if q.Contains("task-1") {
		t.Error("task-1 should no longer be in queue")
	}
	if qt := q.Dequeue(); qt.TaskID != "task-2" {
		t.Errorf("expected task-2, got %s", qt.TaskID)
	}
}

func TestRemoveWaiting(t *testing.T) {
	q := NewTaskQueue(10)
	task := createTestTask("waiter", 5, "")
	task.DependsOn = []string{"dep"}
	_ = q.AddWaiting(task)

	if !q.Remove("waiter") {
		t.Error("expected Remove to find task in waiting set")
	}
	if q.WaitingLen() != 0 {
		t.Errorf("expected empty waiting set, got %d", q.WaitingLen())
	}
}

func TestUpdatePriority(t *testing.T) {
	q := NewTaskQueue(10)
	_ = q.Enqueue(createTestTask("task-1", 1, ""))
	_ = q.Enqueue(createTestTask("task-2", 5, ""))

	if !q.UpdatePriority("task-1", 10) {
		t.Fatal("UpdatePriority returned false")
	}
	if qt := q.Dequeue(); qt.TaskID != "task-1" {
		t.Errorf("expected task-1 after priority bump, got %s", qt.TaskID)
	}
}

func TestPromoteReady(t *testing.T) {
	q := NewTaskQueue(10)

	dependent := createTestTask("child", 5, "")
	dependent.DependsOn = []string{"parent"}
	dependent.Status = core.TaskWaiting
	if err := q.AddWaiting(dependent); err != nil {
		t.Fatalf("AddWaiting failed: %v", err)
	}

	// Not ready yet
	promoted := q.PromoteReady(map[string]bool{})
	if len(promoted) != 0 {
		t.Errorf("expected no promotions, got %d", len(promoted))
	}

	promoted = q.PromoteReady(map[string]bool{"parent": true})
	if len(promoted) != 1 || promoted[0].ID != "child" {
		t.Fatalf("expected child promoted, got %v", promoted)
	}
	if q.WaitingLen() != 0 {
		t.Errorf("expected empty waiting set, got %d", q.WaitingLen())
	}
	if qt := q.Dequeue(); qt == nil || qt.TaskID != "child" {
		t.Errorf("expected child on heap after promotion")
	}
}

func TestSignalOnEnqueue(t *testing.T) {
	q := NewTaskQueue(10)
	_ = q.Enqueue(createTestTask("task-1", 5, ""))

	select {
	case <-q.Signal():
	case <-time.After(time.Second):
		t.Fatal("expected signal after enqueue")
	}
}

func TestClear(t *testing.T) {
	q := NewTaskQueue(10)
	_ = q.Enqueue(createTestTask("task-1", 5, ""))
	waiter := createTestTask("task-2", 5, "")
	waiter.DependsOn = []string{"task-1"}
	_ = q.AddWaiting(waiter)

	q.Clear()
	if q.Len() != 0 || q.WaitingLen() != 0 {
		t.Errorf("expected empty queue after Clear, got %d/%d", q.Len(), q.WaitingLen())
	}
}

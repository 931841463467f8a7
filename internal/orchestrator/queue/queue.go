// Package queue implements the orchestrator's priority queue and the
// waiting set for dependency-gated tasks.
package queue

import (
	"container/heap"
	"errors"
	"sync"
	"time"

	"github.com/agentmesh/core/internal/core"
)

var (
	// ErrQueueFull is returned when the queue is at max capacity
	ErrQueueFull = errors.New("queue is full")
	// ErrTaskExists is returned when a task already exists in the queue
	ErrTaskExists = errors.New("task already exists in queue")
)

// QueuedTask represents a task in the priority queue
type QueuedTask struct {
	TaskID     string
	Priority   int // Higher priority = processed first
	Capability string
	QueuedAt   time.Time
	Task       *core.Task // Full task data
	index      int        // Index in the heap (used by container/heap)
}

// taskHeap implements heap.Interface for priority queue
type taskHeap []*QueuedTask

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	// Higher priority first, then earlier creation time (FIFO tie-break)
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].QueuedAt.Before(h[j].QueuedAt)
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x interface{}) {
	n := len(*h)
	item := x.(*QueuedTask)
	item.index = n
	*h = append(*h, item)
}

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil  // avoid memory leak
	item.index = -1 // for safety
	*h = old[0 : n-1]
	return item
}

// TaskQueue manages the priority queue of ready tasks plus the waiting
// set of tasks whose dependencies have not resolved yet. A task lives in
// exactly one of the two at any time.
type TaskQueue struct {
	mu      sync.RWMutex
	heap    taskHeap
	taskMap map[string]*QueuedTask // For quick lookup by task ID
	waiting map[string]*core.Task  // Dependency-gated tasks by ID
	maxSize int
	signal  chan struct{} // Wakes one blocked worker on enqueue
}

// NewTaskQueue creates a new task queue
func NewTaskQueue(maxSize int) *TaskQueue {
	q := &TaskQueue{
		heap:    make(taskHeap, 0),
		taskMap: make(map[string]*QueuedTask),
		waiting: make(map[string]*core.Task),
		maxSize: maxSize,
		signal:  make(chan struct{}, 1),
	}
	heap.Init(&q.heap)
	return q
}

// Signal returns a channel that receives a token whenever a task becomes
// available to dequeue. Workers block on it instead of busy-polling.
func (q *TaskQueue) Signal() <-chan struct{} {
	return q.signal
}

func (q *TaskQueue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Enqueue adds a ready task to the priority heap.
// Returns error if queue is full or task already exists.
func (q *TaskQueue) Enqueue(task *core.Task) error {
	q.mu.Lock()

	if _, exists := q.taskMap[task.ID]; exists {
		q.mu.Unlock()
		return ErrTaskExists
	}

	if q.maxSize > 0 && len(q.heap) >= q.maxSize {
		q.mu.Unlock()
		return ErrQueueFull
	}

	qt := &QueuedTask{
		TaskID:     task.ID,
		Priority:   task.Priority,
		Capability: task.RequiredCapability,
		QueuedAt:   task.CreatedAt,
		Task:       task,
	}

	heap.Push(&q.heap, qt)
	q.taskMap[task.ID] = qt
	q.mu.Unlock()

	q.wake()
	return nil
}

// Dequeue removes and returns the highest priority task.
// Returns nil if queue is empty.
func (q *TaskQueue) Dequeue() *QueuedTask {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.heap) == 0 {
		return nil
	}

	qt := heap.Pop(&q.heap).(*QueuedTask)
	delete(q.taskMap, qt.TaskID)

	if len(q.heap) > 0 {
		q.wake()
	}
	return qt
}

// Peek returns the highest priority task without removing it
func (q *TaskQueue) Peek() *QueuedTask {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if len(q.heap) == 0 {
		return nil
	}
	return q.heap[0]
}

// Remove removes a specific task from the heap or the waiting set.
func (q *TaskQueue) Remove(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if qt, exists := q.taskMap[taskID]; exists {
		heap.Remove(&q.heap, qt.index)
		delete(q.taskMap, taskID)
		return true
	}
	if _, exists := q.waiting[taskID]; exists {
		delete(q.waiting, taskID)
		return true
	}
	return false
}

// AddWaiting parks a task whose dependencies are unmet.
func (q *TaskQueue) AddWaiting(task *core.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.waiting[task.ID]; exists {
		return ErrTaskExists
	}
	if _, exists := q.taskMap[task.ID]; exists {
		return ErrTaskExists
	}
	q.waiting[task.ID] = task
	return nil
}

// PromoteReady scans the waiting set and moves every task whose
// dependencies are all satisfied (per done) onto the priority heap.
// Returns the promoted tasks.
func (q *TaskQueue) PromoteReady(done map[string]bool) []*core.Task {
	q.mu.Lock()

	var promoted []*core.Task
	for id, task := range q.waiting {
		if !task.DependenciesSatisfied(done) {
			continue
		}
		delete(q.waiting, id)
		qt := &QueuedTask{
			TaskID:     task.ID,
			Priority:   task.Priority,
			Capability: task.RequiredCapability,
			QueuedAt:   task.CreatedAt,
			Task:       task,
		}
		heap.Push(&q.heap, qt)
		q.taskMap[task.ID] = qt
		promoted = append(promoted, task)
	}
	q.mu.Unlock()

	if len(promoted) > 0 {
		q.wake()
	}
	return promoted
}

// Waiting returns the tasks currently parked on dependencies.
func (q *TaskQueue) Waiting() []*core.Task {
	q.mu.RLock()
	defer q.mu.RUnlock()

	result := make([]*core.Task, 0, len(q.waiting))
	for _, task := range q.waiting {
		result = append(result, task)
	}
	return result
}

// UpdatePriority updates the priority of a task in the queue
func (q *TaskQueue) UpdatePriority(taskID string, newPriority int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	qt, exists := q.taskMap[taskID]
	if !exists {
		return false
	}

	qt.Priority = newPriority
	heap.Fix(&q.heap, qt.index)
	return true
}

// Contains checks if a task is in the heap or the waiting set.
func (q *TaskQueue) Contains(taskID string) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if _, exists := q.taskMap[taskID]; exists {
		return true
	}
	_, exists := q.waiting[taskID]
	return exists
}

// Len returns the number of tasks in the priority heap.
func (q *TaskQueue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()

	return len(q.heap)
}

// WaitingLen returns the number of tasks parked on dependencies.
func (q *TaskQueue) WaitingLen() int {
	q.mu.RLock()
	defer q.mu.RUnlock()

	return len(q.waiting)
}

// IsFull returns true if the queue is at max capacity
func (q *TaskQueue) IsFull() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()

	return q.maxSize > 0 && len(q.heap) >= q.maxSize
}

// List returns all queued tasks (for status endpoint)
func (q *TaskQueue) List() []*QueuedTask {
	q.mu.RLock()
	defer q.mu.RUnlock()

	result := make([]*QueuedTask, len(q.heap))
	copy(result, q.heap)
	return result
}

// Clear removes all tasks from the queue and the waiting set.
func (q *TaskQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.heap = make(taskHeap, 0)
	q.taskMap = make(map[string]*QueuedTask)
	q.waiting = make(map[string]*core.Task)
	heap.Init(&q.heap)
}

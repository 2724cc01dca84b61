package scheduler

import (
	"container/list"

	"github.com/oreoslabs/oreowallet-mono/internal/domain/model"
	"github.com/oreoslabs/oreowallet-mono/internal/metrics"
)

// taskQueue holds tasks in Queued state. FIFO across accounts; per-account
// ordering is enforced downstream by the commit gate, so requeues may land
// at the back without risking out-of-order commits.
type taskQueue struct {
	order *list.List
	byID  map[string]*list.Element
	cap   int
}

func newTaskQueue(depthCap int) *taskQueue {
	return &taskQueue{
		order: list.New(),
		byID:  make(map[string]*list.Element),
		cap:   depthCap,
	}
}

func (q *taskQueue) Len() int {
	return q.order.Len()
}

// Full reports whether n more tasks would exceed the depth cap.
func (q *taskQueue) Full(n int) bool {
	return q.order.Len()+n > q.cap
}

// Push appends the task. Returns false when the queue is at capacity.
func (q *taskQueue) Push(task *model.ScanTask) bool {
	if q.Full(1) {
		return false
	}
	task.State = model.TaskQueued
	q.byID[task.ID] = q.order.PushBack(task)
	metrics.SchedulerQueueDepth.Set(float64(q.order.Len()))
	return true
}

// PushFront requeues a task ahead of fresh work after a worker loss, so a
// disrupted range does not starve behind a deep backlog.
func (q *taskQueue) PushFront(task *model.ScanTask) {
	task.State = model.TaskQueued
	q.byID[task.ID] = q.order.PushFront(task)
	metrics.SchedulerQueueDepth.Set(float64(q.order.Len()))
}

// Pop removes and returns the oldest task, or nil.
func (q *taskQueue) Pop() *model.ScanTask {
	front := q.order.Front()
	if front == nil {
		return nil
	}
	q.order.Remove(front)
	task := front.Value.(*model.ScanTask)
	delete(q.byID, task.ID)
	metrics.SchedulerQueueDepth.Set(float64(q.order.Len()))
	return task
}

// Remove drops a task by ID, used when an account's scan is abandoned.
func (q *taskQueue) Remove(taskID string) bool {
	elem, ok := q.byID[taskID]
	if !ok {
		return false
	}
	q.order.Remove(elem)
	delete(q.byID, taskID)
	metrics.SchedulerQueueDepth.Set(float64(q.order.Len()))
	return true
}

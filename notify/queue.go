// Package notify fans committed marketplace notifications out to registered
// webhook subscribers.
package notify

import (
	"context"
	"sync"
	"time"

	"fortflux/models"
)

// Task pairs a notification with a delivery target. A nil Subscription marks
// a freshly enqueued notification that still needs fan-out.
type Task struct {
	Notification models.Notification
	Subscription *models.WebhookSubscription
	Attempt      int
	NotBefore    time.Time
}

// Queue stores delivery tasks prior to dispatch.
type Queue struct {
	mu    sync.Mutex
	tasks []Task
}

func NewQueue() *Queue {
	return &Queue{}
}

// Enqueue adds a committed notification for fan-out.
func (q *Queue) Enqueue(note models.Notification) {
	q.enqueueTask(Task{Notification: note})
}

func (q *Queue) enqueueTask(task Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, task)
}

// Len reports the number of pending tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Dequeue waits for the next ready task, skipping over tasks whose NotBefore
// is still in the future so a deferred retry never delays the rest of the
// queue. Returns false if the context is cancelled.
func (q *Queue) Dequeue(ctx context.Context) (Task, bool) {
	for {
		now := time.Now()
		q.mu.Lock()
		for i, task := range q.tasks {
			if !task.NotBefore.IsZero() && task.NotBefore.After(now) {
				continue
			}
			q.tasks = append(q.tasks[:i], q.tasks[i+1:]...)
			q.mu.Unlock()
			return task, true
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return Task{}, false
		case <-time.After(25 * time.Millisecond):
		}
	}
}

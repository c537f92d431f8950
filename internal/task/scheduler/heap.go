package scheduler

import (
	"time"

	"autoflow/internal/task"
)

type armedTrigger struct {
	task  task.Task
	loc   *time.Location
	next  time.Time
	index int
}

// triggerHeap orders triggers by next fire; ties break on task ID so
// simultaneous fires drain in a stable order.
type triggerHeap []*armedTrigger

func (h triggerHeap) Len() int { return len(h) }

func (h triggerHeap) Less(i, j int) bool {
	if h[i].next.Equal(h[j].next) {
		return h[i].task.ID < h[j].task.ID
	}
	return h[i].next.Before(h[j].next)
}

func (h triggerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *triggerHeap) Push(x any) {
	t := x.(*armedTrigger)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *triggerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

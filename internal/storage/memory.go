package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"autoflow/internal/task"
)

// memStore keeps everything in maps. The file driver persists around it.
type memStore struct {
	mu     sync.Mutex
	tasks  map[string]task.Task
	runs   map[string][]RunRecord
	keep   int
	closed bool
}

func newMemory(keep int) *memStore {
	return &memStore{tasks: map[string]task.Task{}, runs: map[string][]RunRecord{}, keep: keep}
}

func (m *memStore) Get(ctx context.Context, id string) (task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return task.Task{}, ErrClosed
	}
	t, ok := m.tasks[id]
	if !ok {
		return task.Task{}, notFound(id)
	}
	return t, nil
}

func (m *memStore) List(ctx context.Context) ([]task.Task, error) {
	return m.list(false)
}

func (m *memStore) ListEnabled(ctx context.Context) ([]task.Task, error) {
	return m.list(true)
}

func (m *memStore) list(enabledOnly bool) ([]task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]task.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		if enabledOnly && !t.Enabled {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) Put(ctx context.Context, t task.Task) error {
	if err := validate(t); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	// Run state belongs to the store, not to whoever edits the definition.
	if old, ok := m.tasks[t.ID]; ok && t.LastRun.IsZero() {
		t.LastRun, t.LastStatus = old.LastRun, old.LastStatus
	}
	m.tasks[t.ID] = t
	return nil
}

func (m *memStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.tasks[id]; !ok {
		return notFound(id)
	}
	delete(m.tasks, id)
	delete(m.runs, id)
	return nil
}

func (m *memStore) SetEnabled(ctx context.Context, id string, enabled bool) (task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return task.Task{}, ErrClosed
	}
	t, ok := m.tasks[id]
	if !ok {
		return task.Task{}, notFound(id)
	}
	t.Enabled = enabled
	m.tasks[id] = t
	return t, nil
}

func (m *memStore) SetLastRun(ctx context.Context, id string, at time.Time, status task.Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	t, ok := m.tasks[id]
	if !ok {
		return notFound(id)
	}
	t.LastRun, t.LastStatus = at, status
	m.tasks[id] = t
	return nil
}

func (m *memStore) AppendRun(ctx context.Context, r RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.appendRunLocked(r)
	return nil
}

func (m *memStore) appendRunLocked(r RunRecord) {
	rs := append(m.runs[r.TaskID], r)
	if m.keep > 0 && len(rs) > m.keep {
		rs = append([]RunRecord(nil), rs[len(rs)-m.keep:]...)
	}
	m.runs[r.TaskID] = rs
}

// Runs returns the newest runs first.
func (m *memStore) Runs(ctx context.Context, taskID string, limit int) ([]RunRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	rs := m.runs[taskID]
	if limit <= 0 || limit > len(rs) {
		limit = len(rs)
	}
	out := make([]RunRecord, 0, limit)
	for i := len(rs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, rs[i])
	}
	return out, nil
}

// allRuns returns every retained run, oldest first per task.
func (m *memStore) allRuns() []RunRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []RunRecord
	for _, rs := range m.runs {
		out = append(out, rs...)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

func (m *memStore) snapshot() []task.Task {
	ts, _ := m.list(false)
	return ts
}

func (m *memStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
